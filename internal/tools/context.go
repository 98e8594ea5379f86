package tools

import (
	"context"

	"github.com/google/uuid"
)

// orgIDKey is an unexported context key for zero-allocation type safety.
type orgIDKey struct{}

// ContextWithOrgID stores the organization scope in context. The
// orchestrator injects it before running tools; search_knowledge reads it so
// retrieval never crosses the organization boundary.
func ContextWithOrgID(ctx context.Context, orgID uuid.UUID) context.Context {
	return context.WithValue(ctx, orgIDKey{}, orgID)
}

// OrgIDFromContext retrieves the organization scope from context.
// ok is false when no scope was injected.
func OrgIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(orgIDKey{}).(uuid.UUID)
	return id, ok
}
