package kerberos

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexusgate/resource-gateway/pkg/audit"
	"github.com/nexusgate/resource-gateway/pkg/auth/jwtvalidate"
	"github.com/nexusgate/resource-gateway/pkg/delegation"
	gwerrors "github.com/nexusgate/resource-gateway/pkg/errors"
	"github.com/nexusgate/resource-gateway/pkg/tokenexchange"
	"github.com/nexusgate/resource-gateway/pkg/tokenexchange/cache"
)

// LegacyUsernameClaim is the claim this module reads to build the user
// principal, whichever token it is configured to read it from.
const LegacyUsernameClaim = "legacyUsername"

// UsernameSource selects where Module reads legacyUsername from.
type UsernameSource string

const (
	// UsernameFromDelegationToken exchanges the requestor token for a
	// delegation token and reads legacyUsername from it, the same as the
	// relational module.
	UsernameFromDelegationToken UsernameSource = "delegation_token"
	// UsernameFromRequestorClaim reads legacyUsername directly off the
	// already-validated requestor token, skipping a token exchange.
	UsernameFromRequestorClaim UsernameSource = "requestor_claim"
)

// Config configures one Kerberos delegation module instance.
type Config struct {
	Realm        string
	KeytabSource *KeytabSource
	PasswordSource *PasswordSource
	Krb5ConfPath string

	// AllowedDelegationTargets is the SPN allow-list; a target outside
	// this set is rejected before the KDC is contacted.
	AllowedDelegationTargets []string

	RenewThreshold time.Duration
	TicketCacheTTL time.Duration
	MaxClockSkew   time.Duration // fatal if exceeded; defaults to 5 minutes
	CacheSize      int

	UsernameSource UsernameSource
	// TokenExchange and DelegationValidator are required when
	// UsernameSource is UsernameFromDelegationToken.
	TokenExchange       tokenexchange.Config
	DelegationValidator *jwtvalidate.Validator

	// ExchangeCache, when set, coalesces and caches this module's
	// delegation token exchanges per (session, requestor token) for
	// ExchangeCacheTTL. Only consulted when UsernameSource is
	// UsernameFromDelegationToken.
	ExchangeCache    *cache.Cache
	ExchangeCacheTTL time.Duration

	Sink audit.Sink
}

// Module is the Kerberos Constrained Delegation module.
type Module struct {
	name  string
	kdc   kdcClient
	realm string

	allowed map[string]struct{}
	cache   *ticketCache
	locks   *keyedMutex

	renewThreshold time.Duration
	ticketTTL      time.Duration
	maxSkew        time.Duration

	usernameSource UsernameSource
	exchange       *tokenexchange.Client
	validate       *jwtvalidate.Validator
	exchangeCache  *cache.Cache
	exchangeTTL    time.Duration

	sink audit.Sink
}

// New builds a Module, acquiring its TGT eagerly so an unreachable KDC
// fails this module's construction rather than its first call.
func New(name string, cfg Config) (*Module, error) {
	if cfg.KeytabSource == nil && cfg.PasswordSource == nil {
		return nil, gwerrors.New(gwerrors.KindConfigInvalid,
			fmt.Sprintf("kerberos module %q requires a keytab or password source", name))
	}
	if cfg.UsernameSource == UsernameFromDelegationToken && cfg.DelegationValidator == nil {
		return nil, gwerrors.New(gwerrors.KindConfigInvalid,
			fmt.Sprintf("kerberos module %q: DelegationValidator is required for username source %q", name, cfg.UsernameSource))
	}

	kdc, err := newGokrb5Client(cfg.Krb5ConfPath, cfg.KeytabSource, cfg.PasswordSource)
	if err != nil {
		return nil, fmt.Errorf("kerberos module %q: %w", name, err)
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedDelegationTargets))
	for _, spn := range cfg.AllowedDelegationTargets {
		allowed[spn] = struct{}{}
	}

	renewThreshold := cfg.RenewThreshold
	if renewThreshold <= 0 {
		renewThreshold = 2 * time.Minute
	}
	maxSkew := cfg.MaxClockSkew
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}

	var exchange *tokenexchange.Client
	if cfg.UsernameSource == UsernameFromDelegationToken {
		exchange, err = tokenexchange.New(cfg.TokenExchange)
		if err != nil {
			kdc.close()
			return nil, fmt.Errorf("kerberos module %q: %w", name, err)
		}
	}

	sink := cfg.Sink
	if sink == nil {
		sink = audit.LoggingSink{}
	}

	return &Module{
		name:           name,
		kdc:            kdc,
		realm:          cfg.Realm,
		allowed:        allowed,
		cache:          newTicketCache(cfg.CacheSize),
		locks:          newKeyedMutex(),
		renewThreshold: renewThreshold,
		ticketTTL:      cfg.TicketCacheTTL,
		maxSkew:        maxSkew,
		usernameSource: cfg.UsernameSource,
		exchange:       exchange,
		validate:       cfg.DelegationValidator,
		exchangeCache:  cfg.ExchangeCache,
		exchangeTTL:    cfg.ExchangeCacheTTL,
		sink:           sink,
	}, nil
}

// NewFactory returns a delegation.Factory that builds Kerberos delegation
// modules from a configuration document's per-module JSON block, injecting
// the shared delegation-token validator, token-exchange cache, and audit
// sink every instance in the registry shares. validator and tokCache may be
// nil when every configured instance uses UsernameFromRequestorClaim.
func NewFactory(validator *jwtvalidate.Validator, tokCache *cache.Cache, cacheTTL time.Duration, sink audit.Sink) delegation.Factory {
	return func(raw json.RawMessage) (delegation.Module, error) {
		var wire struct {
			Name string `json:"name"`
			Config
		}
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("kerberos module config: %w", err)
		}
		cfg := wire.Config
		cfg.DelegationValidator = validator
		cfg.ExchangeCache = tokCache
		cfg.ExchangeCacheTTL = cacheTTL
		cfg.Sink = sink
		return New(wire.Name, cfg)
	}
}

// Name implements delegation.Module.
func (m *Module) Name() string { return m.name }

// Close implements delegation.Module.
func (m *Module) Close() error {
	m.kdc.close()
	return nil
}

// Authorize implements delegation.Module: it resolves the caller's legacy
// username, consults the ticket cache, and on a miss or pending-expiry
// ticket performs S4U2Self then S4U2Proxy — rejecting a disallowed target
// SPN before either reaches the KDC.
func (m *Module) Authorize(ctx context.Context, req *delegation.Request) (*delegation.Result, error) {
	targetSPN, _ := req.Metadata["targetSPN"].(string)
	if targetSPN == "" {
		return nil, gwerrors.New(gwerrors.KindDelegationFailed, "kerberos module requires a targetSPN")
	}
	sessionID, _ := req.Metadata["sessionId"].(string)

	legacyUsername, err := m.resolveUsername(ctx, req)
	if err != nil {
		return nil, err
	}
	userPrincipal := fmt.Sprintf("%s@%s", legacyUsername, m.realmOf(req))

	if ticket, ok := m.cache.get(sessionID, userPrincipal, targetSPN, time.Now(), m.renewThreshold); ok {
		m.emit(req, targetSPN, true)
		return m.toResult(ticket), nil
	}

	unlock := m.locks.lock(ticketCacheKey(sessionID, userPrincipal, targetSPN))
	defer unlock()

	// Re-check under the per-key lock: another goroutine may have
	// refreshed the ticket while this one waited.
	if ticket, ok := m.cache.get(sessionID, userPrincipal, targetSPN, time.Now(), m.renewThreshold); ok {
		m.emit(req, targetSPN, true)
		return m.toResult(ticket), nil
	}

	// The allow-list check happens before any KDC contact at all — S4U2Self
	// would itself reach the KDC, so a disallowed target must be rejected
	// ahead of it, not only ahead of S4U2Proxy, to keep the KDC entirely
	// unreached for denied targets.
	if _, ok := m.allowed[targetSPN]; !ok {
		m.emit(req, targetSPN, false)
		return nil, gwerrors.New(gwerrors.KindUnauthorizedTarget,
			fmt.Sprintf("delegation target %q is not in the allow-list", targetSPN))
	}

	ticket, err := m.refresh(ctx, sessionID, legacyUsername, userPrincipal, targetSPN)
	if err != nil {
		if ctx.Err() != nil {
			m.cache.discard(sessionID, userPrincipal, targetSPN)
		}
		m.emit(req, targetSPN, false)
		return nil, err
	}

	m.emit(req, targetSPN, true)
	return m.toResult(ticket), nil
}

func (m *Module) refresh(ctx context.Context, sessionID, legacyUsername, userPrincipal, targetSPN string) (*Ticket, error) {
	self, err := m.kdc.s4u2Self(ctx, userPrincipal)
	if err != nil {
		return nil, err
	}

	if skew := m.kdc.clockSkew(); skew > m.maxSkew || skew < -m.maxSkew {
		return nil, gwerrors.New(gwerrors.KindClockSkew,
			fmt.Sprintf("clock skew against KDC (%s) exceeds maximum allowed (%s)", skew, m.maxSkew))
	}

	expiresAt, err := m.kdc.s4u2Proxy(ctx, self, targetSPN)
	if err != nil {
		return nil, err
	}

	ttl := expiresAt.Sub(time.Now())
	if m.ticketTTL > 0 && m.ticketTTL < ttl {
		ttl = m.ticketTTL
	}
	cachedExpiry := time.Now().Add(ttl)

	ticket := &Ticket{
		Principal: legacyUsername,
		TargetSPN: targetSPN,
		ExpiresAt: cachedExpiry,
	}
	m.cache.set(sessionID, userPrincipal, targetSPN, ticket)
	return ticket, nil
}

func (m *Module) resolveUsername(ctx context.Context, req *delegation.Request) (string, error) {
	switch m.usernameSource {
	case UsernameFromRequestorClaim:
		if req.RequestorToken == nil {
			return "", gwerrors.New(gwerrors.KindDelegationFailed, "kerberos module requires a requestor token")
		}
		username, _ := req.RequestorToken.Claims[LegacyUsernameClaim].(string)
		if username == "" {
			return "", gwerrors.New(gwerrors.KindDelegationFailed, "requestor token missing legacyUsername claim")
		}
		return username, nil
	default:
		if req.RequestorToken == nil {
			return "", gwerrors.New(gwerrors.KindDelegationFailed, "kerberos module requires a requestor token")
		}
		dt, err := m.exchangeDelegationToken(ctx, req)
		if err != nil {
			return "", err
		}
		validated, err := m.validate.Validate(ctx, dt.AccessToken)
		if err != nil {
			return "", gwerrors.Wrap(gwerrors.KindDelegationFailed, "delegation token failed validation", err)
		}
		username, _ := validated.Claims[LegacyUsernameClaim].(string)
		if username == "" {
			return "", gwerrors.New(gwerrors.KindDelegationFailed, "delegation token missing legacyUsername claim")
		}
		return username, nil
	}
}

// exchangeDelegationToken exchanges the requestor token for this module's
// delegation token, routing through the session-scoped cache when one is
// configured and the dispatcher attached session identity to the request.
func (m *Module) exchangeDelegationToken(ctx context.Context, req *delegation.Request) (*tokenexchange.DelegationToken, error) {
	sessionID, _ := req.Metadata["sessionId"].(string)
	if m.exchangeCache == nil || sessionID == "" {
		return m.exchange.Exchange(ctx, req.RequestorToken.Raw, "")
	}
	sessionKey, _ := req.Metadata["sessionKey"].([32]byte)

	cached, err := m.exchangeCache.GetOrExchange(ctx, sessionID, sessionKey, m.name, req.RequestorToken.Raw, m.exchangeTTL,
		func(ctx context.Context) (*cache.DelegationToken, error) {
			dt, err := m.exchange.Exchange(ctx, req.RequestorToken.Raw, "")
			if err != nil {
				return nil, err
			}
			return &cache.DelegationToken{
				AccessToken: dt.AccessToken, TokenType: dt.TokenType, ExpiresAt: dt.ExpiresAt, Scope: dt.Scope,
			}, nil
		})
	if err != nil {
		return nil, err
	}
	return &tokenexchange.DelegationToken{
		AccessToken: cached.AccessToken, TokenType: cached.TokenType, ExpiresAt: cached.ExpiresAt, Scope: cached.Scope,
	}, nil
}

func (m *Module) realmOf(req *delegation.Request) string {
	if realm, ok := req.Metadata["realm"].(string); ok && realm != "" {
		return realm
	}
	return m.realm
}

func (m *Module) toResult(ticket *Ticket) *delegation.Result {
	return &delegation.Result{
		Principal: ticket.Principal,
		Extra: map[string]any{
			"targetSPN": ticket.TargetSPN,
			"expiresAt": ticket.ExpiresAt,
			"cacheHit":  ticket.CacheHit,
		},
	}
}

func (m *Module) emit(req *delegation.Request, targetSPN string, success bool) {
	outcome := audit.OutcomeSuccess
	if !success {
		outcome = audit.OutcomeDenied
	}
	subject := ""
	if req.RequestorToken != nil {
		subject = req.RequestorToken.Subject
	}
	m.sink.Emit(audit.New(audit.EventTypeDelegationDispatch,
		audit.EventSource{Type: "internal"}, outcome,
		map[string]string{"user_id": subject}, m.name).
		WithTarget(map[string]string{"targetSPN": targetSPN, "moduleName": m.name}))
}
