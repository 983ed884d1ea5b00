// Package auth holds the gateway's validated-token representation and the
// context plumbing that carries it from the JWT validator through to
// delegation dispatch. It intentionally does not perform validation
// itself — see pkg/auth/jwtvalidate for that.
package auth

import (
	"encoding/json"
	"fmt"
)

// Stage distinguishes the two bearer tokens a request can carry through
// the gateway's two-stage authorization: the caller's own requestor token,
// and (once minted) the RFC 8693 delegation token used against a backend.
type Stage string

const (
	StageRequestor  Stage = "requestor"
	StageDelegation Stage = "delegation"
)

// ValidatedToken is the result of successfully validating a bearer token
// against a TrustedIDP: its claims, the issuer that vouched for it, and
// which stage of the flow it belongs to. The raw token text is kept only
// for pass-through to a delegation module that needs it (e.g. as the
// subject_token of a token-exchange call) and is redacted from String()
// and MarshalJSON() so it never leaks into logs or audit data.
type ValidatedToken struct {
	Subject   string
	Username  string
	Issuer    string
	Audience  string
	Stage     Stage
	Claims    map[string]any
	Raw       string
	ExpiresAt int64 // unix seconds
}

func (t *ValidatedToken) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("ValidatedToken{Subject:%q Issuer:%q Stage:%s}", t.Subject, t.Issuer, t.Stage)
}

func (t *ValidatedToken) MarshalJSON() ([]byte, error) {
	if t == nil {
		return []byte("null"), nil
	}
	type safe struct {
		Subject  string         `json:"subject"`
		Username string         `json:"username,omitempty"`
		Issuer   string         `json:"issuer"`
		Audience string         `json:"audience"`
		Stage    Stage          `json:"stage"`
		Claims   map[string]any `json:"claims"`
		Raw      string         `json:"raw"`
	}
	raw := t.Raw
	if raw != "" {
		raw = "REDACTED"
	}
	return json.Marshal(&safe{
		Subject:  t.Subject,
		Username: t.Username,
		Issuer:   t.Issuer,
		Audience: t.Audience,
		Stage:    t.Stage,
		Claims:   t.Claims,
		Raw:      raw,
	})
}
