package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nexusgate/resource-gateway/pkg/audit"
	"github.com/nexusgate/resource-gateway/pkg/auth"
	"github.com/nexusgate/resource-gateway/pkg/auth/claims"
	"github.com/nexusgate/resource-gateway/pkg/auth/jwtvalidate"
	"github.com/nexusgate/resource-gateway/pkg/config"
	"github.com/nexusgate/resource-gateway/pkg/delegation"
	"github.com/nexusgate/resource-gateway/pkg/delegation/httpapi"
	"github.com/nexusgate/resource-gateway/pkg/delegation/kerberos"
	"github.com/nexusgate/resource-gateway/pkg/delegation/relational"
	"github.com/nexusgate/resource-gateway/pkg/dispatch"
	"github.com/nexusgate/resource-gateway/pkg/logger"
	"github.com/nexusgate/resource-gateway/pkg/session"
	"github.com/nexusgate/resource-gateway/pkg/tokenexchange/cache"
)

// gateway holds everything buildGateway wired together, so serve can hand
// requests to Dispatcher and release resources in reverse order on Close.
type gateway struct {
	Dispatcher *dispatch.Dispatcher

	sessions *session.Manager
	modules  []delegation.Module
}

// Close shuts down every delegation module this gateway built and then the
// session manager, the reverse of the order buildGateway created them in.
func (g *gateway) Close() {
	for _, m := range g.modules {
		if err := m.Close(); err != nil {
			logger.Errorf("error closing delegation module %q: %v", m.Name(), err)
		}
	}
	g.sessions.Shutdown()
}

// buildGateway wires the dependency graph leaf-first: IDP registry and
// token validators first (nothing else can be built without them), then
// the session manager and token-exchange cache, then the delegation
// modules that depend on both, then the dispatcher that ties it together.
func buildGateway(ctx context.Context, cfg *config.Config) (*gateway, error) {
	var sink audit.Sink = audit.LoggingSink{}

	idpRegistry, err := buildIDPRegistry(ctx, cfg.IDPs)
	if err != nil {
		return nil, fmt.Errorf("failed to build identity provider registry: %w", err)
	}
	requestorValidator := jwtvalidate.NewValidator(idpRegistry, auth.StageRequestor)
	delegationValidator := jwtvalidate.NewValidator(idpRegistry, auth.StageDelegation)

	tokCache := cache.New(cfg.Cache.MaxEntriesGlobal)

	sessions := session.NewManager(cfg.Session.IdleTimeout, cfg.Session.AbsoluteTimeout, cfg.Session.SweepInterval, sink, tokCache)

	moduleFactories := delegation.NewRegistry()
	moduleFactories.Register("relational", relational.NewFactory(ctx, delegationValidator, tokCache, cfg.Cache.MaxTTL, sink))
	moduleFactories.Register("kerberos", kerberos.NewFactory(delegationValidator, tokCache, cfg.Cache.MaxTTL, sink))
	moduleFactories.Register("httpapi", httpapi.NewFactory(ctx, delegationValidator, tokCache, cfg.Cache.MaxTTL, sink))

	modules, built, err := buildModules(cfg.Modules, moduleFactories)
	if err != nil {
		for _, m := range built {
			_ = m.Close()
		}
		sessions.Shutdown()
		return nil, err
	}

	d := dispatch.New(requestorValidator, sessions, modules, sink)
	return &gateway{Dispatcher: d, sessions: sessions, modules: built}, nil
}

// buildIDPRegistry constructs one jwtvalidate.TrustedIDP per configured
// IDP, bridging config.IDPConfig's string-keyed claim mapping into
// jwtvalidate's []claims.Mapping shape.
func buildIDPRegistry(ctx context.Context, idps []config.IDPConfig) (*jwtvalidate.Registry, error) {
	registry := jwtvalidate.NewRegistry()
	for _, idp := range idps {
		mappings := make([]claims.Mapping, 0, len(idp.ClaimMappings))
		for source, dest := range idp.ClaimMappings {
			mappings = append(mappings, claims.Mapping{SourcePath: source, DestKey: dest})
		}

		trusted, err := jwtvalidate.NewTrustedIDP(ctx, jwtvalidate.TrustedIDPConfig{
			Name:            idp.Name,
			Issuer:          idp.Issuer,
			Audience:        idp.Audience,
			DiscoveryURL:    idp.DiscoveryURL,
			JWKSURI:         idp.JWKSURI,
			RequireAZP:      idp.RequireAZP,
			ExpectedAZP:     idp.ExpectedAZP,
			ClockSkew:       idp.ClockSkew,
			AllowedAlgs:     idp.AllowedAlgs,
			ClaimMappings:   mappings,
			RequireUsername: idp.RequireUsername,
			MaxTokenAge:     idp.MaxTokenAge,
		})
		if err != nil {
			return nil, fmt.Errorf("idp %q: %w", idp.Issuer, err)
		}
		if err := registry.Register(trusted); err != nil {
			return nil, fmt.Errorf("idp %q: %w", idp.Issuer, err)
		}
	}
	return registry, nil
}

// buildModules builds one delegation module per configured entry via the
// type-keyed factory registry, so adding a new backend kind only means
// registering its factory above, not touching this loop.
func buildModules(entries []config.ModuleConfig, factories *delegation.Registry) (map[string]delegation.Module, []delegation.Module, error) {
	modules := make(map[string]delegation.Module, len(entries))
	built := make([]delegation.Module, 0, len(entries))

	for _, entry := range entries {
		raw := make(map[string]any, len(entry.Raw)+1)
		for k, v := range entry.Raw {
			raw[k] = v
		}
		raw["name"] = entry.Name

		data, err := json.Marshal(raw)
		if err != nil {
			return nil, built, fmt.Errorf("module %q: failed to encode configuration: %w", entry.Name, err)
		}

		module, err := factories.Build(entry.Type, data)
		if err != nil {
			return nil, built, fmt.Errorf("module %q: %w", entry.Name, err)
		}
		modules[entry.Name] = module
		built = append(built, module)
	}
	return modules, built, nil
}
