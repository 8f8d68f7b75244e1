package shared

import (
	"context"

	"github.com/odyssey-erp/stockflow/internal/approval"
)

type identityContextKey struct{}

// ContextWithIdentity stores the resolved caller in context.
func ContextWithIdentity(ctx context.Context, id approval.ApproverIdentity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the caller resolved by the identity middleware.
func IdentityFromContext(ctx context.Context) (approval.ApproverIdentity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(approval.ApproverIdentity)
	return id, ok
}
