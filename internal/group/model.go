package group

import (
	"context"
	"database/sql"
	"time"
)

// Status is the coarse lifecycle state of a group
type Status string

const (
	StatusAwaitingActivation Status = "AWAITING_ACTIVATION"
	StatusPendingMembers     Status = "PENDING_MEMBERS"
	StatusActive             Status = "ACTIVE"
	StatusDissolved          Status = "DISSOLVED"
)

// Phase is the fine-grained lifecycle stage, a strict refinement of Status
type Phase string

const (
	PhasePendingMembers Phase = "PENDING_MEMBERS"
	PhaseActive         Phase = "ACTIVE"
	PhaseNegotiation    Phase = "NEGOTIATION"
	PhaseContract       Phase = "CONTRACT"
	PhaseCompleted      Phase = "COMPLETED"
)

// adminTransitions are the phase moves an admin may trigger. The
// pending_members -> active move is excluded on purpose: it only fires
// synchronously from the membership approval that satisfied min_members.
// Contract -> negotiation is the rollback for another bargaining round.
var adminTransitions = map[Phase][]Phase{
	PhaseActive:      {PhaseNegotiation},
	PhaseNegotiation: {PhaseContract},
	PhaseContract:    {PhaseCompleted, PhaseNegotiation},
}

// CanTransition reports whether an admin may move a group between phases
func CanTransition(from, to Phase) bool {
	for _, next := range adminTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusForPhase derives the coarse status implied by a phase
func StatusForPhase(phase Phase) Status {
	if phase == PhasePendingMembers {
		return StatusPendingMembers
	}
	return StatusActive
}

// Group represents a purchasing group
type Group struct {
	ID             int64     `json:"id"`
	CreatorID      int64     `json:"creator_id"`
	Name           string    `json:"name"`
	Status         Status    `json:"status"`
	CurrentPhase   Phase     `json:"current_phase"`
	PointsRequired int64     `json:"points_required"`
	MinMembers     int       `json:"min_members"`
	MaxMembers     int       `json:"max_members"`
	RoundNumber    int       `json:"round_number"`
	AdminIDs       []int64   `json:"admin_ids,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// IsClosed reports whether the group accepts no further membership changes
func (g *Group) IsClosed() bool {
	return g.Status == StatusDissolved || g.CurrentPhase == PhaseCompleted
}

// Reservation is a membership whose join points are currently held
type Reservation struct {
	MembershipID int64
	UserID       int64
}

// MembershipStore is the slice of the membership aggregate the lifecycle
// machine needs: finalizing reservations on activation, retiring them on
// dissolve, and counting or promoting voters for elections.
type MembershipStore interface {
	// PendingReservationsTx lists approved memberships whose hold has not
	// been finalized yet, oldest first.
	PendingReservationsTx(ctx context.Context, tx *sql.Tx, groupID int64) ([]*Reservation, error)

	// OpenReservationsTx lists every membership still holding points:
	// awaiting approval or approved but unfinalized.
	OpenReservationsTx(ctx context.Context, tx *sql.Tx, groupID int64) ([]*Reservation, error)

	// ActivateTx marks a membership active with joined_at set.
	ActivateTx(ctx context.Context, tx *sql.Tx, membershipID int64) error

	// CloseTx retires a membership when its group dissolves.
	CloseTx(ctx context.Context, tx *sql.Tx, membershipID int64) error

	// PromoteTx gives a member the admin role.
	PromoteTx(ctx context.Context, tx *sql.Tx, groupID, userID int64) error

	// CountEligibleVotersTx counts active members, the electorate for any
	// session in the group.
	CountEligibleVotersTx(ctx context.Context, tx *sql.Tx, groupID int64) (int, error)

	// IsActiveMember reports whether the user is an active member.
	IsActiveMember(ctx context.Context, groupID, userID int64) (bool, error)
}
