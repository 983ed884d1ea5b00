// Package httpapi implements the generic HTTP delegation module: it
// exchanges a delegation token for the configured audience, then forwards
// the caller's request to a downstream HTTP API either as a bearer-token
// request or, when an IAM role mapping resolves, as an AWS SigV4-signed
// request obtained via STS AssumeRoleWithWebIdentity.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nexusgate/resource-gateway/pkg/audit"
	"github.com/nexusgate/resource-gateway/pkg/auth/awssts"
	"github.com/nexusgate/resource-gateway/pkg/auth/jwtvalidate"
	"github.com/nexusgate/resource-gateway/pkg/delegation"
	gwerrors "github.com/nexusgate/resource-gateway/pkg/errors"
	"github.com/nexusgate/resource-gateway/pkg/tokenexchange"
	"github.com/nexusgate/resource-gateway/pkg/tokenexchange/cache"
)

// DefaultSessionNameClaim is the delegation-token claim used as the STS
// RoleSessionName when AWSConfig.SessionNameClaim is unset. It falls back
// to a synthetic name when the claim is absent.
const DefaultSessionNameClaim = "sub"

// httpDoer is the subset of *http.Client this module uses, narrowed to an
// interface so tests can substitute a fake transport.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures one generic HTTP delegation module instance.
type Config struct {
	// TargetBaseURL is the downstream API's base URL; each call's path is
	// resolved against it.
	TargetBaseURL string

	TokenExchange       tokenexchange.Config
	DelegationValidator *jwtvalidate.Validator

	// AWS, when non-nil, switches the module from bearer-token forwarding
	// to SigV4 signing: a role is selected from the delegation token's
	// claims and fronted through STS AssumeRoleWithWebIdentity.
	AWS *AWSConfig

	// Cache, when set, coalesces and caches this module's delegation token
	// exchanges per (session, requestor token) for CacheTTL.
	Cache    *cache.Cache
	CacheTTL time.Duration

	HTTPClient *http.Client
	Sink       audit.Sink
}

// AWSConfig carries the role-mapping and signing configuration used when
// a call should be forwarded as an AWS SigV4-signed request instead of a
// bearer-token request.
type AWSConfig struct {
	Region           string
	Service          string
	RoleMappings     []awssts.RoleMapping
	RoleClaim        string
	FallbackRole     string
	SessionNameClaim string
}

// Module is the generic HTTP delegation module.
type Module struct {
	name       string
	targetBase *url.URL
	exchange   *tokenexchange.Client
	validate   *jwtvalidate.Validator

	roleMapper       *awssts.RoleMapper
	sts              *awssts.Exchanger
	signer           *awssts.Signer
	credCache        *awssts.CredentialCache
	sessionNameClaim string

	cache    *cache.Cache
	cacheTTL time.Duration

	client httpDoer
	sink   audit.Sink
}

// New builds a Module. When cfg.AWS is set, it also builds the STS
// exchanger, role mapper, SigV4 signer, and credential cache used to sign
// outbound calls.
func New(ctx context.Context, name string, cfg Config) (*Module, error) {
	if cfg.TargetBaseURL == "" {
		return nil, fmt.Errorf("httpapi module %q: TargetBaseURL is required", name)
	}
	base, err := url.Parse(cfg.TargetBaseURL)
	if err != nil {
		return nil, fmt.Errorf("httpapi module %q: invalid TargetBaseURL: %w", name, err)
	}
	if cfg.DelegationValidator == nil {
		return nil, fmt.Errorf("httpapi module %q: DelegationValidator is required", name)
	}

	exchange, err := tokenexchange.New(cfg.TokenExchange)
	if err != nil {
		return nil, fmt.Errorf("httpapi module %q: %w", name, err)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	sink := cfg.Sink
	if sink == nil {
		sink = audit.LoggingSink{}
	}

	m := &Module{
		name:       name,
		targetBase: base,
		exchange:   exchange,
		validate:   cfg.DelegationValidator,
		cache:      cfg.Cache,
		cacheTTL:   cfg.CacheTTL,
		client:     client,
		sink:       sink,
	}

	if cfg.AWS != nil {
		stsExchanger, err := awssts.NewExchanger(ctx, cfg.AWS.Region)
		if err != nil {
			return nil, fmt.Errorf("httpapi module %q: %w", name, err)
		}
		awsCfg := &awssts.Config{
			Region:           cfg.AWS.Region,
			FallbackRoleArn:  cfg.AWS.FallbackRole,
			RoleMappings:     cfg.AWS.RoleMappings,
			RoleClaim:        cfg.AWS.RoleClaim,
			SessionNameClaim: cfg.AWS.SessionNameClaim,
		}
		roleMapper, err := awssts.NewRoleMapper(awsCfg)
		if err != nil {
			return nil, fmt.Errorf("httpapi module %q: %w", name, err)
		}
		m.sts = stsExchanger
		m.roleMapper = roleMapper
		m.signer = awssts.NewSigner(cfg.AWS.Region, cfg.AWS.Service)
		m.credCache = awssts.NewCredentialCache(awssts.DefaultCacheSize)
		m.sessionNameClaim = awsCfg.GetSessionNameClaim()
	}

	return m, nil
}

// NewFactory returns a delegation.Factory that builds generic HTTP
// delegation modules from a configuration document's per-module JSON
// block, injecting the shared delegation-token validator, token-exchange
// cache, and audit sink every instance in the registry shares.
func NewFactory(ctx context.Context, validator *jwtvalidate.Validator, tokCache *cache.Cache, cacheTTL time.Duration, sink audit.Sink) delegation.Factory {
	return func(raw json.RawMessage) (delegation.Module, error) {
		var wire struct {
			Name string `json:"name"`
			Config
		}
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("httpapi module config: %w", err)
		}
		cfg := wire.Config
		cfg.DelegationValidator = validator
		cfg.Cache = tokCache
		cfg.CacheTTL = cacheTTL
		cfg.Sink = sink
		return New(ctx, wire.Name, cfg)
	}
}

// Name implements delegation.Module.
func (m *Module) Name() string { return m.name }

// Close implements delegation.Module.
func (m *Module) Close() error { return nil }

// CallSpec is the shape read from delegation.Request.Metadata["call"] to
// describe the HTTP call being delegated.
type CallSpec struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
}

// Authorize implements delegation.Module: it exchanges a delegation token,
// validates it, builds the outbound request from the call spec, signs or
// bearer-authenticates it, and executes it against the downstream API.
func (m *Module) Authorize(ctx context.Context, req *delegation.Request) (*delegation.Result, error) {
	spec, err := callSpecFrom(req.Metadata)
	if err != nil {
		return nil, err
	}
	if req.RequestorToken == nil {
		return nil, gwerrors.New(gwerrors.KindDelegationFailed, "httpapi module requires a requestor token")
	}

	dt, err := m.exchangeDelegationToken(ctx, req)
	if err != nil {
		return nil, err
	}
	validated, err := m.validate.Validate(ctx, dt.AccessToken)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindDelegationFailed, "delegation token failed validation", err)
	}

	httpReq, err := m.buildRequest(ctx, spec)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindDelegationFailed, "failed to build outbound request", err)
	}

	if m.roleMapper != nil {
		if err := m.signWithAWS(ctx, httpReq, validated.Claims, dt.AccessToken); err != nil {
			m.emit(req, false)
			return nil, err
		}
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+dt.AccessToken)
	}

	resp, err := m.client.Do(httpReq)
	if err != nil {
		m.emit(req, false)
		return nil, gwerrors.Wrap(gwerrors.KindDelegationFailed, "outbound request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		m.emit(req, false)
		return nil, gwerrors.Wrap(gwerrors.KindDelegationFailed, "failed reading downstream response", err)
	}

	success := resp.StatusCode < 400
	m.emit(req, success)

	principal := validated.Subject
	return &delegation.Result{
		Principal: principal,
		Extra: map[string]any{
			"statusCode": resp.StatusCode,
			"headers":    flattenHeader(resp.Header),
			"body":       body,
		},
	}, nil
}

func (m *Module) buildRequest(ctx context.Context, spec *CallSpec) (*http.Request, error) {
	ref, err := url.Parse(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", spec.Path, err)
	}
	target := m.targetBase.ResolveReference(ref)

	var body io.Reader
	if len(spec.Body) > 0 {
		body = bytes.NewReader(spec.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, spec.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range spec.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (m *Module) signWithAWS(ctx context.Context, httpReq *http.Request, claims map[string]any, delegationToken string) error {
	mapping, err := m.roleMapper.SelectMapping(claims)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindDelegationDenied, "no IAM role mapping matched the delegation token's claims", err)
	}

	creds := m.credCache.Get(mapping, delegationToken)
	if creds == nil {
		sessionName, _ := claims[m.sessionNameClaim].(string)
		if sessionName == "" {
			sessionName = "gateway-session"
		}
		if err := awssts.ValidateSessionName(sessionName); err != nil {
			sessionName = "gateway-session"
		}

		awsCreds, err := m.sts.ExchangeToken(ctx, delegationToken, mapping.RoleArn, sessionName, awssts.DefaultSessionDuration)
		if err != nil {
			return gwerrors.Wrap(gwerrors.KindDelegationFailed, "STS AssumeRoleWithWebIdentity failed", err)
		}
		creds = &awssts.Credentials{
			AccessKeyID:     awsCreds.AccessKeyID,
			SecretAccessKey: awsCreds.SecretAccessKey,
			SessionToken:    awsCreds.SessionToken,
			Expiration:      awsCreds.Expires,
		}
		m.credCache.Set(mapping, delegationToken, creds)
	}

	if err := m.signer.SignRequest(ctx, httpReq, creds); err != nil {
		return gwerrors.Wrap(gwerrors.KindDelegationFailed, "SigV4 signing failed", err)
	}
	return nil
}

// exchangeDelegationToken exchanges the requestor token for this module's
// delegation token, routing through the session-scoped cache when one is
// configured and the dispatcher attached session identity to the request.
func (m *Module) exchangeDelegationToken(ctx context.Context, req *delegation.Request) (*tokenexchange.DelegationToken, error) {
	sessionID, _ := req.Metadata["sessionId"].(string)
	if m.cache == nil || sessionID == "" {
		return m.exchange.Exchange(ctx, req.RequestorToken.Raw, "")
	}
	sessionKey, _ := req.Metadata["sessionKey"].([32]byte)

	cached, err := m.cache.GetOrExchange(ctx, sessionID, sessionKey, m.name, req.RequestorToken.Raw, m.cacheTTL,
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

func callSpecFrom(metadata map[string]any) (*CallSpec, error) {
	raw, ok := metadata["call"].(*CallSpec)
	if !ok || raw == nil {
		return nil, gwerrors.New(gwerrors.KindDelegationFailed, "httpapi module requires a call spec")
	}
	if raw.Method == "" {
		return nil, gwerrors.New(gwerrors.KindDelegationFailed, "httpapi module call spec requires a method")
	}
	if raw.Path == "" {
		return nil, gwerrors.New(gwerrors.KindDelegationFailed, "httpapi module call spec requires a path")
	}
	return raw, nil
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func (m *Module) emit(req *delegation.Request, success bool) {
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
		WithTarget(map[string]string{"moduleName": m.name}))
}
