package membership

import "time"

// Role represents a member's role within a group
type Role string

const (
	RoleMember Role = "MEMBER"
	RoleAdmin  Role = "ADMIN"
)

// Status represents the status of a membership. The first three are live
// states; the rest are terminal retirement markers kept so the audit trail
// survives — membership rows are never deleted.
type Status string

const (
	// StatusAwaitingApproval: join requested, points held, approval vote open.
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	// StatusPending: approved while the group was still recruiting; the
	// hold stays in place until group activation finalizes it.
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"

	StatusRejected Status = "REJECTED"
	StatusLeft     Status = "LEFT"
	StatusRemoved  Status = "REMOVED"
)

// IsTerminal reports whether the membership is retired
func (s Status) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusLeft, StatusRemoved:
		return true
	}
	return false
}

// ApprovalStatus represents the approval decision on a join request
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// Membership represents one user's membership in one group. There is only
// ever one row per (group, user) pair; re-requesting after a terminal state
// revives the same row rather than creating a duplicate.
type Membership struct {
	ID             int64          `json:"id"`
	GroupID        int64          `json:"group_id"`
	UserID         int64          `json:"user_id"`
	Role           Role           `json:"role"`
	Status         Status         `json:"status"`
	ApprovalStatus ApprovalStatus `json:"approval_status"`
	JoinedAt       *time.Time     `json:"joined_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
