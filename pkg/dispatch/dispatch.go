// Package dispatch is the tool-call dispatch glue described in spec.md
// §6: it accepts a raw bearer token, a tool name, and tool arguments from
// an external transport, drives the requestor-token validation, the
// session lookup, and the named delegation module's own token-exchange
// and backend call, and returns a structured result or error. It carries
// no transport of its own — that remains an external collaborator.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nexusgate/resource-gateway/pkg/audit"
	"github.com/nexusgate/resource-gateway/pkg/auth"
	"github.com/nexusgate/resource-gateway/pkg/auth/jwtvalidate"
	"github.com/nexusgate/resource-gateway/pkg/delegation"
	gwerrors "github.com/nexusgate/resource-gateway/pkg/errors"
	"github.com/nexusgate/resource-gateway/pkg/session"
)

// Dispatcher routes a validated caller to the delegation module registered
// under the tool name it invoked.
type Dispatcher struct {
	validator *jwtvalidate.Validator
	sessions  *session.Manager
	modules   map[string]delegation.Module
	sink      audit.Sink
}

// New builds a Dispatcher over a fixed set of already-constructed
// delegation modules, keyed by the tool name the dispatcher routes to
// them. validator must validate requestor-stage tokens.
func New(validator *jwtvalidate.Validator, sessions *session.Manager, modules map[string]delegation.Module, sink audit.Sink) *Dispatcher {
	if sink == nil {
		sink = audit.LoggingSink{}
	}
	return &Dispatcher{validator: validator, sessions: sessions, modules: modules, sink: sink}
}

// Dispatch validates rawToken, establishes or resumes the caller's
// session, resolves toolName to a registered delegation module, and
// forwards the call with the session's identity attached so the module's
// own token-exchange cache lookup can key off it. args is decoded into
// the delegation request's Metadata; a nil or empty args is treated as no
// metadata.
func (d *Dispatcher) Dispatch(ctx context.Context, rawToken, toolName string, args json.RawMessage) (*delegation.Result, error) {
	validated, err := d.validator.Validate(ctx, rawToken)
	if err != nil {
		d.emitTokenEvent(audit.EventTypeTokenRejected, audit.OutcomeDenied, nil, toolName)
		return nil, err
	}
	d.emitTokenEvent(audit.EventTypeTokenValidated, audit.OutcomeSuccess, validated, toolName)

	sess, err := d.sessions.GetOrCreate(validated)
	if err != nil {
		return nil, err
	}

	module, ok := d.modules[toolName]
	if !ok {
		return nil, gwerrors.New(gwerrors.KindUnknownModule, fmt.Sprintf("unknown tool %q", toolName))
	}

	metadata, err := decodeArgs(args)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInvalidToken, "tool arguments are not valid JSON", err)
	}
	metadata["sessionId"] = sess.ID
	metadata["sessionKey"] = sess.EncryptionKey

	req := &delegation.Request{
		RequestorToken: validated,
		Target:         toolName,
		Metadata:       metadata,
	}

	result, err := module.Authorize(ctx, req)
	if err != nil {
		return nil, err
	}
	if result.Cleanup != nil {
		if cerr := result.Cleanup(ctx); cerr != nil {
			return nil, gwerrors.Wrap(gwerrors.KindDelegationFailed, "post-dispatch cleanup failed", cerr)
		}
	}
	return result, nil
}

func decodeArgs(args json.RawMessage) (map[string]any, error) {
	if len(args) == 0 {
		return map[string]any{}, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal(args, &metadata); err != nil {
		return nil, err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return metadata, nil
}

func (d *Dispatcher) emitTokenEvent(eventType, outcome string, validated *auth.ValidatedToken, toolName string) {
	subject := ""
	if validated != nil {
		subject = validated.Subject
	}
	d.sink.Emit(audit.New(eventType, audit.EventSource{Type: "internal"}, outcome,
		map[string]string{"user_id": subject}, "dispatcher").
		WithTarget(map[string]string{"toolName": toolName}))
}
