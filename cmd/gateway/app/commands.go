// Package app provides the entry point for the resource gateway
// command-line application.
package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nexusgate/resource-gateway/pkg/config"
	"github.com/nexusgate/resource-gateway/pkg/logger"
)

// version is overwritten at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:               "gateway",
	DisableAutoGenTag: true,
	Short:             "OAuth 2.1 resource-server gateway",
	Long: `gateway is a resource-server gateway that validates requestor-scoped
bearer tokens, exchanges them for backend-scoped delegation tokens under
RFC 8693, and dispatches the delegated call to a Postgres role-switching,
Kerberos constrained-delegation, or generic HTTP backend module.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if err := logger.Initialize(viper.GetBool("unstructuredLogs"), viper.GetBool("debug")); err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		}
	},
}

// NewRootCmd creates a new root command for the gateway CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the gateway configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the resource gateway",
		Long: `Start the resource gateway: load and validate the configuration file,
wire the trusted-IDP registry, session manager, token-exchange cache, and
delegation modules, then block until SIGTERM or SIGINT requests a graceful
shutdown. The configuration file is watched and re-validated when it
changes, but the running gateway keeps the IDP registry, session manager,
and delegation modules it built at startup; a restart applies a changed
configuration. SIGHUP is logged and otherwise ignored.`,
		RunE: runServe,
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Validate the gateway configuration file: decode it, resolve secret
placeholders, and run every structural and TLS-policy check the gateway
itself enforces before accepting a configuration, without starting the
server or dialing any backend.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config")
			}

			loader, err := config.NewLoader(configPath, nil)
			if err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}
			cfg := loader.Current()

			logger.Infof("configuration is valid")
			logger.Infof("  trusted IDPs: %d", len(cfg.IDPs))
			logger.Infof("  delegation modules: %d", len(cfg.Modules))
			for _, m := range cfg.Modules {
				logger.Infof("    %s (%s)", m.Name, m.Type)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("gateway version: %s", version)
		},
	}
}

// runServe loads configuration, wires the dependency graph leaf-first via
// buildGateway, and blocks until the command's context is canceled
// (SIGTERM/SIGINT from main, or SIGQUIT), releasing every module and the
// session manager on the way out.
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	configPath := viper.GetString("config")
	if configPath == "" {
		return fmt.Errorf("no configuration file specified, use --config")
	}

	loader, err := config.NewLoader(configPath, func(*config.Config) {
		logger.Infof("configuration file changed on disk; restart the gateway to apply IDP or module changes")
	})
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	gw, err := buildGateway(ctx, loader.Current())
	if err != nil {
		return fmt.Errorf("failed to wire gateway: %w", err)
	}
	defer gw.Close()

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	logger.Infof("gateway ready with %d delegation module(s)", len(gw.modules))

	for {
		select {
		case <-ctx.Done():
			logger.Infof("shutdown signal received, draining and closing delegation modules")
			return nil
		case <-sighup:
			logger.Infof("SIGHUP received and ignored; restart the gateway to apply configuration changes")
		}
	}
}
