// Package jwtvalidate validates bearer tokens against a registry of
// trusted identity providers, producing a auth.ValidatedToken on success.
// It is the multi-IDP generalization of a single-issuer JWKS validator:
// every TrustedIDP owns its own JWKS cache, claim-mapping rules, and azp
// policy, keyed by (issuer, audience).
package jwtvalidate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/nexusgate/resource-gateway/pkg/auth/claims"
	"github.com/nexusgate/resource-gateway/pkg/auth/oidc"
	gwerrors "github.com/nexusgate/resource-gateway/pkg/errors"
	"github.com/nexusgate/resource-gateway/pkg/logger"
	"github.com/nexusgate/resource-gateway/pkg/netutil"
)

// TrustedIDPConfig is the static description of one identity provider the
// gateway accepts bearer tokens from.
type TrustedIDPConfig struct {
	Name         string
	Issuer       string
	Audience     string
	DiscoveryURL string
	JWKSURI      string

	// RequireAZP and ExpectedAZP resolve the azp-checking Open Question:
	// each IDP independently decides whether to enforce the authorized
	// party claim, rather than the gateway enforcing it globally.
	RequireAZP  bool
	ExpectedAZP string

	ClockSkew     time.Duration
	AllowedAlgs   []string
	ClaimMappings []claims.Mapping

	// RequireUsername rejects tokens where ClaimMappings doesn't produce a
	// non-empty "username" entry, so a delegation module can rely on
	// ValidatedToken.Username being populated whenever this IDP issued the
	// token.
	RequireUsername bool

	// MaxTokenAge bounds how old a token's iat claim may be, independent of
	// its exp. Zero disables the check.
	MaxTokenAge time.Duration

	CACertPath     string
	AllowPrivateIP bool
}

// TrustedIDP is a TrustedIDPConfig plus its live JWKS cache.
type TrustedIDP struct {
	cfg     TrustedIDPConfig
	jwksURL string

	cache       *jwk.Cache
	registerMu  sync.Mutex
	registered  bool
	registerErr error
}

// NewTrustedIDP resolves the IDP's JWKS URL (via explicit config or OIDC
// discovery) and builds its JWKS cache. Grounded on the teacher's
// NewValidator: discover-then-build-HTTP-client-then-build-cache ordering.
func NewTrustedIDP(ctx context.Context, cfg TrustedIDPConfig) (*TrustedIDP, error) {
	jwksURL := cfg.JWKSURI
	if jwksURL == "" {
		if cfg.DiscoveryURL == "" {
			return nil, fmt.Errorf("idp %q: must set jwksURI or discoveryURL", cfg.Name)
		}
		doc, err := oidc.DiscoverEndpointsWithOptions(ctx, cfg.DiscoveryURL, cfg.CACertPath, "", cfg.AllowPrivateIP)
		if err != nil {
			return nil, fmt.Errorf("idp %q: OIDC discovery failed: %w", cfg.Name, err)
		}
		jwksURL = doc.JWKSURI
	}

	if err := netutil.ValidateEndpointURL(jwksURL); err != nil {
		return nil, fmt.Errorf("idp %q: jwks url: %w", cfg.Name, err)
	}

	httpClient, err := netutil.NewClientBuilder().
		WithCABundle(cfg.CACertPath).
		WithPrivateIPs(cfg.AllowPrivateIP).
		Build()
	if err != nil {
		return nil, fmt.Errorf("idp %q: build http client: %w", cfg.Name, err)
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("idp %q: create JWKS cache: %w", cfg.Name, err)
	}

	return &TrustedIDP{cfg: cfg, jwksURL: jwksURL, cache: cache}, nil
}

func (i *TrustedIDP) ensureRegistered(ctx context.Context) error {
	i.registerMu.Lock()
	defer i.registerMu.Unlock()

	if i.registered {
		return i.registerErr
	}

	regCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := i.cache.Register(regCtx, i.jwksURL); err != nil {
		i.registerErr = fmt.Errorf("register JWKS url %s: %w", i.jwksURL, err)
	}
	i.registered = true
	return i.registerErr
}

// Registry holds every TrustedIDP the gateway accepts tokens from. The
// uniqueness invariant is the (issuer, audience) pair, not the issuer
// alone: two IDPs may legitimately share an issuer (e.g. a multi-tenant
// identity platform) as long as they're configured with different
// audiences, so entries are grouped by issuer and disambiguated by
// audience at lookup time.
type Registry struct {
	mu  sync.RWMutex
	idp map[string][]*TrustedIDP
}

func NewRegistry() *Registry {
	return &Registry{idp: make(map[string][]*TrustedIDP)}
}

// Register adds idp to the registry. It rejects a second registration
// that shares both issuer and audience with an existing entry; issuer
// alone is not enough for a conflict.
func (r *Registry) Register(idp *TrustedIDP) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.idp[idp.cfg.Issuer] {
		if existing.cfg.Audience == idp.cfg.Audience {
			return fmt.Errorf("duplicate (issuer, audience) pair: issuer=%q audience=%q", idp.cfg.Issuer, idp.cfg.Audience)
		}
	}

	r.idp[idp.cfg.Issuer] = append(r.idp[idp.cfg.Issuer], idp)
	logger.Infof("registered trusted IDP %q (issuer=%s, audience=%s)", idp.cfg.Name, idp.cfg.Issuer, idp.cfg.Audience)
	return nil
}

// Lookup returns the TrustedIDP registered for issuer. When more than one
// IDP shares that issuer, audiences (the token's unverified `aud` claim)
// disambiguates: the IDP whose configured audience appears in audiences
// wins. A single registered IDP for the issuer is always returned
// regardless of audiences, since that IDP's own Validate pass enforces
// the audience match later.
func (r *Registry) Lookup(issuer string, audiences []string) (*TrustedIDP, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := r.idp[issuer]
	if len(candidates) == 0 {
		return nil, false
	}
	if len(candidates) == 1 {
		return candidates[0], true
	}

	for _, c := range candidates {
		for _, a := range audiences {
			if c.cfg.Audience == a {
				return c, true
			}
		}
	}
	return nil, false
}

// ErrUntrustedIssuer is returned by Registry.Lookup callers when a token's
// issuer has no registered TrustedIDP.
var ErrUntrustedIssuer = gwerrors.New(gwerrors.KindUntrustedIssuer, "token issuer is not a trusted IDP")
