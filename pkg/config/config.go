// Package config loads, validates, and hot-reloads the gateway's
// configuration document. A reload never replaces the live Config until
// the newly parsed document has passed full validation, so an in-flight
// request never observes a half-valid configuration.
package config

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	gwerrors "github.com/nexusgate/resource-gateway/pkg/errors"
	"github.com/nexusgate/resource-gateway/pkg/logger"
	"github.com/nexusgate/resource-gateway/pkg/netutil"
	"github.com/nexusgate/resource-gateway/pkg/secrets"
)

// IDPConfig describes one trusted identity provider the JWT validator will
// accept tokens from.
type IDPConfig struct {
	Name           string        `mapstructure:"name"`
	Issuer         string        `mapstructure:"issuer"`
	Audience       string        `mapstructure:"audience"`
	DiscoveryURL   string        `mapstructure:"discoveryURL"`
	JWKSURI        string        `mapstructure:"jwksURI"`
	RequireAZP     bool          `mapstructure:"requireAzp"`
	ExpectedAZP    string        `mapstructure:"expectedAzp"`
	ClockSkew      time.Duration `mapstructure:"clockSkew"`
	AllowedAlgs    []string      `mapstructure:"allowedAlgorithms"`
	ClaimMappings  map[string]string `mapstructure:"claimMappings"`

	// RequireUsername and MaxTokenAge mirror jwtvalidate.TrustedIDPConfig's
	// fields of the same name; see there for their semantics.
	RequireUsername bool          `mapstructure:"requireUsername"`
	MaxTokenAge     time.Duration `mapstructure:"maxTokenAge"`
}

// TokenExchangeConfig configures the RFC 8693 client used to mint
// delegation tokens.
type TokenExchangeConfig struct {
	TokenURL     string        `mapstructure:"tokenURL"`
	ClientID     string        `mapstructure:"clientID"`
	ClientSecret string        `mapstructure:"clientSecret"`
	Audience     string        `mapstructure:"audience"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// SessionConfig bounds session lifetime.
type SessionConfig struct {
	IdleTimeout     time.Duration `mapstructure:"idleTimeout"`
	AbsoluteTimeout time.Duration `mapstructure:"absoluteTimeout"`
	SweepInterval   time.Duration `mapstructure:"sweepInterval"`
}

// CacheConfig bounds the encrypted token-exchange cache.
type CacheConfig struct {
	MaxEntriesPerSession int           `mapstructure:"maxEntriesPerSession"`
	MaxEntriesGlobal     int           `mapstructure:"maxEntriesGlobal"`
	MaxTTL               time.Duration `mapstructure:"maxTTL"`
	ExpirySkew           time.Duration `mapstructure:"expirySkew"`
}

// ModuleConfig describes one delegation module the dispatcher should build:
// Name is the routing key tools target, Type selects the registered
// factory (relational, kerberos, httpapi), and Raw carries the
// factory-specific fields, passed through as JSON.
type ModuleConfig struct {
	Name string         `mapstructure:"name"`
	Type string         `mapstructure:"type"`
	Raw  map[string]any `mapstructure:",remain"`
}

// Config is the complete, validated gateway configuration.
type Config struct {
	IDPs          []IDPConfig         `mapstructure:"idps"`
	TokenExchange TokenExchangeConfig `mapstructure:"tokenExchange"`
	Session       SessionConfig       `mapstructure:"session"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Modules       []ModuleConfig      `mapstructure:"modules"`
	SecretsDir    string              `mapstructure:"secretsDir"`
	Debug         bool                `mapstructure:"debug"`
	Unstructured  bool                `mapstructure:"unstructuredLogs"`
}

// Loader owns the live *viper.Viper instance and the atomically-swapped
// validated snapshot.
type Loader struct {
	v        *viper.Viper
	snapshot atomic.Pointer[Config]
	onChange func(*Config)
}

// NewLoader reads configPath once, validates it, and watches it for
// changes. onChange, if non-nil, is invoked after every successful
// reload (not on the initial load).
func NewLoader(configPath string, onChange func(*Config)) (*Loader, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetDefault("session.idleTimeout", 15*time.Minute)
	v.SetDefault("session.absoluteTimeout", 8*time.Hour)
	v.SetDefault("session.sweepInterval", time.Minute)
	v.SetDefault("cache.maxEntriesPerSession", 64)
	v.SetDefault("cache.maxEntriesGlobal", 8192)
	v.SetDefault("cache.maxTTL", 10*time.Minute)
	v.SetDefault("cache.expirySkew", 30*time.Second)
	v.SetDefault("tokenExchange.timeout", 30*time.Second)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	l := &Loader{v: v, onChange: onChange}
	cfg, err := l.parseAndValidate()
	if err != nil {
		return nil, err
	}
	l.snapshot.Store(cfg)

	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := l.parseAndValidate()
		if err != nil {
			logger.Errorf("config reload rejected, keeping previous snapshot: %v", err)
			return
		}
		l.snapshot.Store(cfg)
		logger.Infof("configuration reloaded")
		if l.onChange != nil {
			l.onChange(cfg)
		}
	})
	v.WatchConfig()

	return l, nil
}

// Current returns the live, validated configuration snapshot.
func (l *Loader) Current() *Config { return l.snapshot.Load() }

func (l *Loader) parseAndValidate() (*Config, error) {
	resolved, err := resolveSecrets(l.v)
	if err != nil {
		return nil, err
	}

	v2 := viper.New()
	if err := v2.MergeConfigMap(resolved); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindConfigInvalid, "failed to remerge resolved configuration", err)
	}

	var cfg Config
	if err := v2.Unmarshal(&cfg); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindConfigInvalid, "failed to decode configuration", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveSecrets walks the raw decoded configuration document (viper's
// settings map, before it's decoded into the typed Config struct) and
// replaces every `{"$secret": "NAME"}` object-leaf placeholder with the
// resolved secret value, wherever it appears in the tree — including
// inside a module's passthrough Raw fields, which the typed Config struct
// never sees as anything but an opaque map.
func resolveSecrets(v *viper.Viper) (map[string]any, error) {
	chain := secrets.DefaultChain(v.GetString("secretsDir"))

	resolved, err := chain.ResolveTree(v.AllSettings())
	if err != nil {
		return nil, err
	}
	tree, ok := resolved.(map[string]any)
	if !ok {
		return nil, gwerrors.New(gwerrors.KindConfigInvalid, "configuration document must be a mapping at its root")
	}
	return tree, nil
}

func validate(cfg *Config) error {
	if len(cfg.IDPs) == 0 {
		return gwerrors.New(gwerrors.KindConfigInvalid, "at least one IDP must be configured")
	}
	// The uniqueness invariant is the (issuer, audience) pair, not the
	// issuer alone: two IDPs may legitimately share an issuer (e.g. a
	// multi-tenant identity platform) as long as their audiences differ,
	// matching jwtvalidate.Registry's keying.
	seen := make(map[string]bool, len(cfg.IDPs))
	for _, idp := range cfg.IDPs {
		if idp.Issuer == "" {
			return gwerrors.New(gwerrors.KindConfigInvalid, "idp entry missing issuer")
		}
		key := idp.Issuer + "\x00" + idp.Audience
		if seen[key] {
			return gwerrors.New(gwerrors.KindConfigInvalid,
				fmt.Sprintf("duplicate (issuer, audience) pair: issuer=%q audience=%q", idp.Issuer, idp.Audience))
		}
		seen[key] = true
		if err := netutil.ValidateEndpointURL(idp.Issuer); err != nil {
			return gwerrors.Wrap(gwerrors.KindConfigInvalid, "idp issuer fails TLS policy", err)
		}
		if idp.DiscoveryURL == "" && idp.JWKSURI == "" {
			return gwerrors.New(gwerrors.KindConfigInvalid,
				fmt.Sprintf("idp %q must set discoveryURL or jwksURI", idp.Issuer))
		}
		if idp.JWKSURI != "" {
			if err := netutil.ValidateEndpointURL(idp.JWKSURI); err != nil {
				return gwerrors.Wrap(gwerrors.KindConfigInvalid, "idp jwksURI fails TLS policy", err)
			}
		}
	}
	if cfg.TokenExchange.TokenURL == "" {
		return gwerrors.New(gwerrors.KindConfigInvalid, "tokenExchange.tokenURL is required")
	}
	if err := netutil.ValidateEndpointURL(cfg.TokenExchange.TokenURL); err != nil {
		return gwerrors.Wrap(gwerrors.KindConfigInvalid, "tokenExchange.tokenURL fails TLS policy", err)
	}
	if cfg.Session.IdleTimeout <= 0 || cfg.Session.AbsoluteTimeout <= 0 {
		return gwerrors.New(gwerrors.KindConfigInvalid, "session timeouts must be positive")
	}
	if cfg.Session.IdleTimeout > cfg.Session.AbsoluteTimeout {
		return gwerrors.New(gwerrors.KindConfigInvalid, "session.idleTimeout cannot exceed session.absoluteTimeout")
	}
	seenModules := make(map[string]bool, len(cfg.Modules))
	for _, m := range cfg.Modules {
		if m.Name == "" || m.Type == "" {
			return gwerrors.New(gwerrors.KindConfigInvalid, "every module requires a name and a type")
		}
		if seenModules[m.Name] {
			return gwerrors.New(gwerrors.KindConfigInvalid, fmt.Sprintf("duplicate module name %q", m.Name))
		}
		seenModules[m.Name] = true
	}
	return nil
}
