package realtime

import "context"

// MembershipChecker defines the authorization boundary for joining group rooms.
// It is implemented by the durable-store side (group membership lives there).
type MembershipChecker interface {
	// IsGroupMember returns true if userID is a member of groupID.
	IsGroupMember(ctx context.Context, userID, groupID string) (bool, error)
}

// MembershipFunc adapts a function to MembershipChecker.
type MembershipFunc func(ctx context.Context, userID, groupID string) (bool, error)

// IsGroupMember implements MembershipChecker.
func (f MembershipFunc) IsGroupMember(ctx context.Context, userID, groupID string) (bool, error) {
	return f(ctx, userID, groupID)
}
