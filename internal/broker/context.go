package broker

import "context"

type contextKey string

const identityKey contextKey = "identity"

// withIdentity stores the authenticated viewer identity in the context.
func withIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// identityFromContext returns the authenticated viewer identity, or "".
func identityFromContext(ctx context.Context) string {
	identity, _ := ctx.Value(identityKey).(string)
	return identity
}
