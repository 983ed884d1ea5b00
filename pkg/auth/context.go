package auth

import "context"

// requestorTokenKey and delegationTokenKey are distinct context keys so a
// handler can hold both the caller's requestor token and a freshly minted
// delegation token at once without one overwriting the other.
type requestorTokenKey struct{}
type delegationTokenKey struct{}

// WithRequestorToken attaches the validated requestor token to ctx.
func WithRequestorToken(ctx context.Context, t *ValidatedToken) context.Context {
	if t == nil {
		return ctx
	}
	return context.WithValue(ctx, requestorTokenKey{}, t)
}

// RequestorTokenFromContext retrieves the validated requestor token.
func RequestorTokenFromContext(ctx context.Context) (*ValidatedToken, bool) {
	t, ok := ctx.Value(requestorTokenKey{}).(*ValidatedToken)
	return t, ok
}

// WithDelegationToken attaches a minted delegation token to ctx.
func WithDelegationToken(ctx context.Context, t *ValidatedToken) context.Context {
	if t == nil {
		return ctx
	}
	return context.WithValue(ctx, delegationTokenKey{}, t)
}

// DelegationTokenFromContext retrieves the minted delegation token.
func DelegationTokenFromContext(ctx context.Context) (*ValidatedToken, bool) {
	t, ok := ctx.Value(delegationTokenKey{}).(*ValidatedToken)
	return t, ok
}
