package membership

import "github.com/msallal/groupbuy/internal/voting"

// JoinRequest represents a request to join a group
type JoinRequest struct {
	GroupID        int64   `json:"group_id" validate:"required"`
	IdempotencyKey *string `json:"idempotency_key,omitempty"`
}

// ResolveRequest represents an admin decision on a join request
type ResolveRequest struct {
	Approve bool `json:"approve"`
}

// CastVoteRequest represents a ballot on a join-approval session
type CastVoteRequest struct {
	Approve bool `json:"approve"`
}

// MembershipResponse represents membership data returned to clients
type MembershipResponse struct {
	ID             int64   `json:"id"`
	GroupID        int64   `json:"group_id"`
	UserID         int64   `json:"user_id"`
	Role           string  `json:"role"`
	Status         string  `json:"status"`
	ApprovalStatus string  `json:"approval_status"`
	JoinedAt       *string `json:"joined_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// JoinRequestResponse pairs a new membership with its approval session
type JoinRequestResponse struct {
	Membership *MembershipResponse     `json:"membership"`
	Session    *voting.SessionResponse `json:"session,omitempty"`
}

// ToResponse converts a Membership to a MembershipResponse
func (m *Membership) ToResponse() *MembershipResponse {
	resp := &MembershipResponse{
		ID:             m.ID,
		GroupID:        m.GroupID,
		UserID:         m.UserID,
		Role:           string(m.Role),
		Status:         string(m.Status),
		ApprovalStatus: string(m.ApprovalStatus),
		CreatedAt:      m.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}
	if m.JoinedAt != nil {
		joined := m.JoinedAt.Format("2006-01-02T15:04:05Z")
		resp.JoinedAt = &joined
	}
	return resp
}
