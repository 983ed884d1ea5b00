// Package relational implements the Postgres role-switching delegation
// module: a connection pool authenticated as a service principal that
// holds SET ROLE privilege on every delegated role, switching into the
// caller's delegated role for the duration of one statement.
package relational

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexusgate/resource-gateway/pkg/audit"
	"github.com/nexusgate/resource-gateway/pkg/auth/jwtvalidate"
	"github.com/nexusgate/resource-gateway/pkg/delegation"
	gwerrors "github.com/nexusgate/resource-gateway/pkg/errors"
	"github.com/nexusgate/resource-gateway/pkg/policy"
	"github.com/nexusgate/resource-gateway/pkg/tokenexchange"
	"github.com/nexusgate/resource-gateway/pkg/tokenexchange/cache"
)

// LegacyUsernameClaim and DelegationRolesClaimKey are the delegation
// token claims this module reads to decide what to SET ROLE to and what
// it is permitted to do once there.
const (
	LegacyUsernameClaim     = "legacyUsername"
	DelegationRolesClaimKey = DelegationRolesClaim
)

// conn is the subset of *pgxpool.Conn this module uses, narrowed to an
// interface so tests can substitute a fake without a live database.
type conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Release()
}

// dbPool is the subset of *pgxpool.Pool this module uses.
type dbPool interface {
	Acquire(ctx context.Context) (conn, error)
	Close()
}

type pgxPoolAdapter struct{ p *pgxpool.Pool }

func (a *pgxPoolAdapter) Acquire(ctx context.Context) (conn, error) {
	c, err := a.p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (a *pgxPoolAdapter) Close() { a.p.Close() }

// Config configures one relational delegation module instance.
type Config struct {
	DSN string

	// TokenExchange builds the client used to obtain this module's
	// delegation token for each call.
	TokenExchange tokenexchange.Config

	// DelegationValidator verifies the exchanged delegation token and
	// produces its claim tree (legacyUsername, delegationRoles).
	DelegationValidator *jwtvalidate.Validator

	// PolicyTable overrides DefaultPolicyTable; nil uses the default.
	PolicyTable map[StatementKind][]string

	// Cache, when set, coalesces and caches this module's delegation token
	// exchanges per (session, requestor token) for CacheTTL, avoiding a
	// round trip to the token-exchange endpoint on every call. Nil skips
	// caching and exchanges on every call.
	Cache    *cache.Cache
	CacheTTL time.Duration

	Sink audit.Sink
}

// Module is the relational (role-switching) delegation module.
type Module struct {
	name     string
	pool     dbPool
	exchange *tokenexchange.Client
	validate *jwtvalidate.Validator
	policy   *Policy
	cache    *cache.Cache
	cacheTTL time.Duration
	sink     audit.Sink
}

// New builds a Module, connecting its pool eagerly so configuration
// errors surface at startup rather than on first call.
func New(ctx context.Context, name string, cfg Config) (*Module, error) {
	if cfg.DelegationValidator == nil {
		return nil, fmt.Errorf("relational module %q: DelegationValidator is required", name)
	}

	pgxCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("relational module %q: parse DSN: %w", name, err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, fmt.Errorf("relational module %q: connect: %w", name, err)
	}

	exchange, err := tokenexchange.New(cfg.TokenExchange)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("relational module %q: %w", name, err)
	}

	engine, err := policy.NewEngine()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("relational module %q: build policy engine: %w", name, err)
	}
	pol, err := NewPolicy(engine, cfg.PolicyTable)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("relational module %q: %w", name, err)
	}

	sink := cfg.Sink
	if sink == nil {
		sink = audit.LoggingSink{}
	}

	return &Module{
		name:     name,
		pool:     &pgxPoolAdapter{p: pool},
		exchange: exchange,
		validate: cfg.DelegationValidator,
		policy:   pol,
		cache:    cfg.Cache,
		cacheTTL: cfg.CacheTTL,
		sink:     sink,
	}, nil
}

// NewFactory returns a delegation.Factory that builds relational modules
// from a configuration document's per-module JSON block, injecting the
// shared delegation-token validator, token-exchange cache, and audit sink
// every instance in the registry shares.
func NewFactory(ctx context.Context, validator *jwtvalidate.Validator, tokCache *cache.Cache, cacheTTL time.Duration, sink audit.Sink) delegation.Factory {
	return func(raw json.RawMessage) (delegation.Module, error) {
		var wire struct {
			Name string `json:"name"`
			Config
		}
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("relational module config: %w", err)
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
func (m *Module) Close() error {
	m.pool.Close()
	return nil
}

// Authorize implements delegation.Module: it performs the token
// exchange, classifies and authorizes the SQL statement carried in
// req.Metadata, switches role, executes, and unconditionally resets role
// before releasing the connection.
func (m *Module) Authorize(ctx context.Context, req *delegation.Request) (*delegation.Result, error) {
	sql, _ := req.Metadata["sql"].(string)
	if sql == "" {
		return nil, gwerrors.New(gwerrors.KindDelegationFailed, "relational module requires a sql statement")
	}
	params, _ := req.Metadata["params"].([]any)

	legacyUsername, delegationRoles, err := m.resolveIdentity(ctx, req)
	if err != nil {
		return nil, err
	}

	kind := Classify(sql)
	allowed, err := m.policy.Authorize(kind, delegationRoles)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInternal, "policy evaluation failed", err)
	}
	if !allowed {
		m.emit(req, kind, false)
		return nil, gwerrors.New(gwerrors.KindDelegationDenied,
			fmt.Sprintf("Insufficient permissions to execute %s", kind))
	}

	dbConn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindDelegationFailed, "failed to acquire database connection", err)
	}
	defer dbConn.Release()

	quotedRole := pgx.Identifier{legacyUsername}.Sanitize()
	if _, err := dbConn.Exec(ctx, "SET ROLE "+quotedRole); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindDelegationFailed, "failed to switch role", err)
	}
	defer func() {
		// RESET ROLE unconditionally, on every exit path, before the
		// connection returns to the pool.
		_, _ = dbConn.Exec(context.Background(), "RESET ROLE")
	}()

	result, err := m.execute(ctx, dbConn, kind, sql, params)
	if err != nil {
		m.emit(req, kind, false)
		return nil, err
	}

	m.emit(req, kind, true)
	return &delegation.Result{
		Principal: legacyUsername,
		Extra:     result,
	}, nil
}

func (m *Module) resolveIdentity(ctx context.Context, req *delegation.Request) (string, []string, error) {
	if req.RequestorToken == nil {
		return "", nil, gwerrors.New(gwerrors.KindDelegationFailed, "relational module requires a requestor token")
	}

	dt, err := m.exchangeDelegationToken(ctx, req)
	if err != nil {
		return "", nil, err
	}

	validated, err := m.validate.Validate(ctx, dt.AccessToken)
	if err != nil {
		return "", nil, gwerrors.Wrap(gwerrors.KindDelegationFailed, "delegation token failed validation", err)
	}

	legacyUsername, _ := validated.Claims[LegacyUsernameClaim].(string)
	if legacyUsername == "" {
		return "", nil, gwerrors.New(gwerrors.KindDelegationFailed, "delegation token missing legacyUsername claim")
	}

	delegationRoles := stringSlice(validated.Claims[DelegationRolesClaimKey])
	return legacyUsername, delegationRoles, nil
}

// exchangeDelegationToken exchanges the requestor token for this module's
// delegation token, routing through the session-scoped cache when one is
// configured and the dispatcher attached session identity to the request.
// It falls back to an uncached exchange whenever either is missing, so the
// module works the same with or without a cache wired in.
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

func (m *Module) execute(ctx context.Context, c conn, kind StatementKind, sql string, params []any) (map[string]any, error) {
	switch kind {
	case KindSelect:
		rows, err := c.Query(ctx, sql, params...)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindDelegationFailed, "query failed", err)
		}
		defer rows.Close()
		out, err := rowsToMaps(rows)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindDelegationFailed, "failed reading query results", err)
		}
		return map[string]any{"rows": out}, nil
	default:
		tag, err := c.Exec(ctx, sql, params...)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindDelegationFailed, "statement execution failed", err)
		}
		verb := verbFor(kind)
		noun := "rows"
		if tag.RowsAffected() == 1 {
			noun = "row"
		}
		return map[string]any{
			"success":  true,
			"rowCount": tag.RowsAffected(),
			"command":  string(kind),
			"message":  fmt.Sprintf("Successfully %s %d %s", verb, tag.RowsAffected(), noun),
		}, nil
	}
}

func verbFor(kind StatementKind) string {
	switch kind {
	case KindInsert:
		return "inserted"
	case KindUpdate:
		return "updated"
	case KindDelete:
		return "deleted"
	default:
		return strings.ToLower(string(kind))
	}
}

func rowsToMaps(rows pgx.Rows) ([]map[string]any, error) {
	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (m *Module) emit(req *delegation.Request, kind StatementKind, success bool) {
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
		WithTarget(map[string]string{"commandKind": string(kind), "moduleName": m.name}))
}
