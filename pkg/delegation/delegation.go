// Package delegation defines the contract every backend delegation
// module implements (relational role-switching, Kerberos constrained
// delegation, generic HTTP) and the factory registry the dispatcher uses
// to build them from configuration without a compile-time dependency on
// any one backend.
package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nexusgate/resource-gateway/pkg/auth"
	gwerrors "github.com/nexusgate/resource-gateway/pkg/errors"
)

// Request carries everything a delegation module needs to decide whether
// and how to act on behalf of the caller.
type Request struct {
	// RequestorToken is the original caller's validated token (stage
	// requestor). DelegationToken is the RFC 8693-exchanged token for
	// this backend's audience, if a token exchange step ran ahead of
	// delegation; nil for modules that delegate directly off claims
	// (e.g. role-switching keyed by the requestor's own claims).
	RequestorToken  *auth.ValidatedToken
	DelegationToken *auth.ValidatedToken

	// Target names the backend-specific resource being accessed (a
	// connection string, an SPN, a base URL), interpreted by the module.
	Target string

	// Metadata carries module-specific request detail that doesn't merit
	// a first-class field (SQL statement kind, HTTP method, etc).
	Metadata map[string]any
}

// Result is what a delegation module hands back once access has been
// granted: enough for the dispatcher to actually reach the backend.
type Result struct {
	// Principal is the backend-local identity now in effect (a Postgres
	// role, a Kerberos SPN's impersonated principal, an IAM role ARN).
	Principal string

	// Cleanup, if non-nil, must be called once the delegated action
	// completes, and reverts whatever the module put in effect (RESET
	// ROLE, discarding a ticket, etc). Modules that have nothing to
	// revert return a nil Cleanup.
	Cleanup func(context.Context) error

	// Extra carries module-specific detail for audit attachment.
	Extra map[string]any
}

// Module is the contract every backend delegation mechanism implements.
type Module interface {
	// Name identifies the module for audit events and dispatcher
	// routing; it is also the key modules are registered under.
	Name() string

	// Authorize decides whether req is permitted and, if so, puts the
	// backend-local delegated identity into effect and returns how to
	// reach it.
	Authorize(ctx context.Context, req *Request) (*Result, error)

	// Close releases any resources the module holds (connection pools,
	// ticket caches, cached credentials).
	Close() error
}

// Factory builds a Module from its raw JSON configuration. Each backend
// package exposes a constructor for its Factory; the gateway's startup
// wiring registers them under their module type name.
type Factory func(rawConfig json.RawMessage) (Module, error)

// Registry holds every delegation module factory the gateway process
// knows how to build, keyed by module type name (e.g. "relational").
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds factory under name, overwriting any previous
// registration for that name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Build constructs a Module of the type registered under name from rawConfig.
func (r *Registry) Build(name string, rawConfig json.RawMessage) (Module, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, gwerrors.New(gwerrors.KindUnknownModule, fmt.Sprintf("unknown delegation module %q", name))
	}
	return factory(rawConfig)
}

// Names returns the registered module names, primarily for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
