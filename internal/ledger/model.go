package ledger

import (
	"time"

	"github.com/google/uuid"
)

// TransactionKind represents the kind of a point transaction
type TransactionKind string

const (
	KindHold    TransactionKind = "HOLD"
	KindRelease TransactionKind = "RELEASE"
	KindDeduct  TransactionKind = "DEDUCT"
	KindEarn    TransactionKind = "EARN"
)

// PointsAccount is a user's points balance. TotalPoints is lifetime earned
// points still owned; HeldPoints is the slice of it currently reserved.
// Invariant: 0 <= HeldPoints <= TotalPoints.
type PointsAccount struct {
	UserID      int64     `json:"user_id"`
	TotalPoints int64     `json:"total_points"`
	HeldPoints  int64     `json:"held_points"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AvailablePoints is the spendable balance: total minus held
func (a *PointsAccount) AvailablePoints() int64 {
	return a.TotalPoints - a.HeldPoints
}

// PointTransaction is one append-only ledger entry. Entries are immutable
// once written; the account counters are mutated in the same transaction
// that appends the entry, so folding the log always reproduces the account.
type PointTransaction struct {
	ID             uuid.UUID       `json:"id"`
	UserID         int64           `json:"user_id"`
	GroupID        *int64          `json:"group_id,omitempty"`
	Amount         int64           `json:"amount"`
	Kind           TransactionKind `json:"kind"`
	Description    string          `json:"description"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Operation describes one escrow mutation to apply to an account
type Operation struct {
	UserID         int64
	GroupID        *int64
	Amount         int64
	Kind           TransactionKind
	Description    string
	IdempotencyKey *string
}

// Result is the outcome of an escrow operation. Replayed is true when the
// operation's idempotency key matched an already-recorded transaction and
// no new mutation happened.
type Result struct {
	Transaction *PointTransaction `json:"transaction"`
	Account     *PointsAccount    `json:"account"`
	Replayed    bool              `json:"replayed"`
}
