package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/msallal/groupbuy/internal/group"
)

// Common errors
var (
	ErrMembershipNotFound  = errors.New("membership not found")
	ErrDuplicateMembership = errors.New("user already has a live membership in this group")
)

// Repository handles membership persistence. It also implements
// group.MembershipStore so the lifecycle machine can finalize and retire
// reservations without importing this package.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new membership repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const membershipColumns = `id, group_id, user_id, role, status, approval_status, joined_at, created_at`

func scanMembership(row interface{ Scan(...interface{}) error }) (*Membership, error) {
	m := &Membership{}
	err := row.Scan(
		&m.ID,
		&m.GroupID,
		&m.UserID,
		&m.Role,
		&m.Status,
		&m.ApprovalStatus,
		&m.JoinedAt,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetByID retrieves a membership by its ID
func (r *Repository) GetByID(ctx context.Context, id int64) (*Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM memberships WHERE id = $1`

	m, err := scanMembership(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}

	return m, nil
}

// GetByIDForUpdateTx retrieves a membership by ID and locks its row
func (r *Repository) GetByIDForUpdateTx(ctx context.Context, tx *sql.Tx, id int64) (*Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM memberships WHERE id = $1 FOR UPDATE`

	m, err := scanMembership(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock membership: %w", err)
	}

	return m, nil
}

// GetByGroupAndUser retrieves the membership for a (group, user) pair
func (r *Repository) GetByGroupAndUser(ctx context.Context, groupID, userID int64) (*Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM memberships WHERE group_id = $1 AND user_id = $2`

	m, err := scanMembership(r.db.QueryRowContext(ctx, query, groupID, userID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}

	return m, nil
}

// GetByGroupAndUserForUpdateTx retrieves and locks the (group, user) row
func (r *Repository) GetByGroupAndUserForUpdateTx(ctx context.Context, tx *sql.Tx, groupID, userID int64) (*Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM memberships WHERE group_id = $1 AND user_id = $2 FOR UPDATE`

	m, err := scanMembership(tx.QueryRowContext(ctx, query, groupID, userID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock membership: %w", err)
	}

	return m, nil
}

// UpsertJoinRequestTx creates a join request for (group, user). A terminal
// row from an earlier rejection or departure is revived in place; a live
// row fails with ErrDuplicateMembership. The caller holds the group lock.
func (r *Repository) UpsertJoinRequestTx(ctx context.Context, tx *sql.Tx, groupID, userID int64) (*Membership, error) {
	existing, err := r.GetByGroupAndUserForUpdateTx(ctx, tx, groupID, userID)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if !existing.Status.IsTerminal() {
			return nil, ErrDuplicateMembership
		}

		query := `
			UPDATE memberships
			SET role = $2, status = $3, approval_status = $4, joined_at = NULL
			WHERE id = $1
			RETURNING ` + membershipColumns

		m, err := scanMembership(tx.QueryRowContext(ctx, query,
			existing.ID, RoleMember, StatusAwaitingApproval, ApprovalPending))
		if err != nil {
			return nil, fmt.Errorf("failed to revive membership: %w", err)
		}
		return m, nil
	}

	query := `
		INSERT INTO memberships (group_id, user_id, role, status, approval_status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + membershipColumns

	m, err := scanMembership(tx.QueryRowContext(ctx, query,
		groupID, userID, RoleMember, StatusAwaitingApproval, ApprovalPending))
	if err != nil {
		return nil, fmt.Errorf("failed to create membership: %w", err)
	}

	return m, nil
}

// UpdateStateTx sets a membership's status and approval status inside tx.
// setJoined additionally stamps joined_at.
func (r *Repository) UpdateStateTx(ctx context.Context, tx *sql.Tx, id int64, status Status, approval ApprovalStatus, setJoined bool) error {
	query := `UPDATE memberships SET status = $2, approval_status = $3 WHERE id = $1`
	if setJoined {
		query = `UPDATE memberships SET status = $2, approval_status = $3, joined_at = now() WHERE id = $1`
	}
	if _, err := tx.ExecContext(ctx, query, id, status, approval); err != nil {
		return fmt.Errorf("failed to update membership state: %w", err)
	}
	return nil
}

// CountOccupiedTx counts live memberships: the number of member slots taken
func (r *Repository) CountOccupiedTx(ctx context.Context, tx *sql.Tx, groupID int64) (int, error) {
	query := `
		SELECT COUNT(*) FROM memberships
		WHERE group_id = $1 AND status IN ($2, $3, $4)
	`

	var count int
	err := tx.QueryRowContext(ctx, query, groupID,
		StatusAwaitingApproval, StatusPending, StatusActive).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count memberships: %w", err)
	}
	return count, nil
}

// CountApprovedTx counts approved memberships, the figure compared against
// min_members for activation
func (r *Repository) CountApprovedTx(ctx context.Context, tx *sql.Tx, groupID int64) (int, error) {
	query := `
		SELECT COUNT(*) FROM memberships
		WHERE group_id = $1 AND approval_status = $2 AND status IN ($3, $4)
	`

	var count int
	err := tx.QueryRowContext(ctx, query, groupID,
		ApprovalApproved, StatusPending, StatusActive).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count approved memberships: %w", err)
	}
	return count, nil
}

// ListByGroup retrieves a group's memberships, optionally filtered by status
func (r *Repository) ListByGroup(ctx context.Context, groupID int64, status *Status) ([]*Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM memberships
		WHERE group_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, groupID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var members []*Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		members = append(members, m)
	}

	return members, nil
}

// --- group.MembershipStore implementation ---

func (r *Repository) reservationsTx(ctx context.Context, tx *sql.Tx, groupID int64, statuses []Status) ([]*group.Reservation, error) {
	query := `
		SELECT id, user_id FROM memberships
		WHERE group_id = $1 AND status = ANY($2)
		ORDER BY created_at
		FOR UPDATE
	`

	vals := make([]string, len(statuses))
	for i, s := range statuses {
		vals[i] = string(s)
	}

	rows, err := tx.QueryContext(ctx, query, groupID, pq.Array(vals))
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	defer rows.Close()

	var reservations []*group.Reservation
	for rows.Next() {
		res := &group.Reservation{}
		if err := rows.Scan(&res.MembershipID, &res.UserID); err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		reservations = append(reservations, res)
	}

	return reservations, nil
}

// PendingReservationsTx lists approved memberships awaiting finalization
func (r *Repository) PendingReservationsTx(ctx context.Context, tx *sql.Tx, groupID int64) ([]*group.Reservation, error) {
	return r.reservationsTx(ctx, tx, groupID, []Status{StatusPending})
}

// OpenReservationsTx lists every membership still holding reserved points
func (r *Repository) OpenReservationsTx(ctx context.Context, tx *sql.Tx, groupID int64) ([]*group.Reservation, error) {
	return r.reservationsTx(ctx, tx, groupID, []Status{StatusAwaitingApproval, StatusPending})
}

// ActivateTx marks a membership active with joined_at stamped
func (r *Repository) ActivateTx(ctx context.Context, tx *sql.Tx, membershipID int64) error {
	return r.UpdateStateTx(ctx, tx, membershipID, StatusActive, ApprovalApproved, true)
}

// CloseTx retires a membership when its group dissolves
func (r *Repository) CloseTx(ctx context.Context, tx *sql.Tx, membershipID int64) error {
	query := `UPDATE memberships SET status = $2 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, membershipID, StatusRemoved); err != nil {
		return fmt.Errorf("failed to close membership: %w", err)
	}
	return nil
}

// PromoteTx gives an active member the admin role
func (r *Repository) PromoteTx(ctx context.Context, tx *sql.Tx, groupID, userID int64) error {
	query := `UPDATE memberships SET role = $3 WHERE group_id = $1 AND user_id = $2 AND status = $4`
	if _, err := tx.ExecContext(ctx, query, groupID, userID, RoleAdmin, StatusActive); err != nil {
		return fmt.Errorf("failed to promote member: %w", err)
	}
	return nil
}

// CountEligibleVotersTx counts active members inside tx
func (r *Repository) CountEligibleVotersTx(ctx context.Context, tx *sql.Tx, groupID int64) (int, error) {
	query := `SELECT COUNT(*) FROM memberships WHERE group_id = $1 AND status = $2`

	var count int
	if err := tx.QueryRowContext(ctx, query, groupID, StatusActive).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count eligible voters: %w", err)
	}
	return count, nil
}

// IsActiveMember reports whether the user is an active member of the group
func (r *Repository) IsActiveMember(ctx context.Context, groupID, userID int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM memberships
			WHERE group_id = $1 AND user_id = $2 AND status = $3
		)
	`

	var active bool
	if err := r.db.QueryRowContext(ctx, query, groupID, userID, StatusActive).Scan(&active); err != nil {
		return false, fmt.Errorf("failed to check active membership: %w", err)
	}
	return active, nil
}
