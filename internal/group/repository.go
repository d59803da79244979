package group

import (
	"context"
	"database/sql"
	"fmt"
)

// Repository handles group data persistence
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new group repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const groupColumns = `id, creator_id, name, status, current_phase, points_required, min_members, max_members, round_number, created_at`

func scanGroup(row interface{ Scan(...interface{}) error }) (*Group, error) {
	g := &Group{}
	err := row.Scan(
		&g.ID,
		&g.CreatorID,
		&g.Name,
		&g.Status,
		&g.CurrentPhase,
		&g.PointsRequired,
		&g.MinMembers,
		&g.MaxMembers,
		&g.RoundNumber,
		&g.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Create inserts a new group and registers the creator as its first admin
func (r *Repository) CreateTx(ctx context.Context, tx *sql.Tx, creatorID int64, req *CreateGroupRequest) (*Group, error) {
	query := `
		INSERT INTO groups (creator_id, name, status, current_phase, points_required, min_members, max_members)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + groupColumns

	group, err := scanGroup(tx.QueryRowContext(ctx, query,
		creatorID,
		req.Name,
		StatusAwaitingActivation,
		PhasePendingMembers,
		req.PointsRequired,
		req.MinMembers,
		req.MaxMembers,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}

	if err := r.AddAdminTx(ctx, tx, group.ID, creatorID); err != nil {
		return nil, err
	}
	group.AdminIDs = []int64{creatorID}

	return group, nil
}

// GetByID retrieves a group by its ID
func (r *Repository) GetByID(ctx context.Context, id int64) (*Group, error) {
	query := `SELECT ` + groupColumns + ` FROM groups WHERE id = $1`

	group, err := scanGroup(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get group: %w", err)
	}

	return group, nil
}

// GetForUpdateTx retrieves a group by ID and locks its row. Every flow that
// checks a capacity or phase boundary takes this lock first, so racing
// callers serialize on the group.
func (r *Repository) GetForUpdateTx(ctx context.Context, tx *sql.Tx, id int64) (*Group, error) {
	query := `SELECT ` + groupColumns + ` FROM groups WHERE id = $1 FOR UPDATE`

	group, err := scanGroup(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock group: %w", err)
	}

	return group, nil
}

// List retrieves groups, optionally filtered by status, newest first
func (r *Repository) List(ctx context.Context, status *Status, limit, offset int) ([]*Group, int, error) {
	var total int
	countQuery := `SELECT COUNT(*) FROM groups WHERE ($1::text IS NULL OR status = $1)`
	if err := r.db.QueryRowContext(ctx, countQuery, status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count groups: %w", err)
	}

	query := `
		SELECT ` + groupColumns + `
		FROM groups
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.QueryContext(ctx, query, status, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, group)
	}

	return groups, total, nil
}

// UpdateStatusTx sets a group's coarse status inside tx
func (r *Repository) UpdateStatusTx(ctx context.Context, tx *sql.Tx, id int64, status Status) error {
	query := `UPDATE groups SET status = $2 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id, status); err != nil {
		return fmt.Errorf("failed to update group status: %w", err)
	}
	return nil
}

// UpdatePhaseTx sets a group's phase, coarse status and round number inside tx
func (r *Repository) UpdatePhaseTx(ctx context.Context, tx *sql.Tx, id int64, phase Phase, status Status, roundNumber int) error {
	query := `UPDATE groups SET current_phase = $2, status = $3, round_number = $4 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id, phase, status, roundNumber); err != nil {
		return fmt.Errorf("failed to update group phase: %w", err)
	}
	return nil
}

// AddAdminTx adds a user to the group's admin set inside tx
func (r *Repository) AddAdminTx(ctx context.Context, tx *sql.Tx, groupID, userID int64) error {
	query := `INSERT INTO group_admins (group_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	if _, err := tx.ExecContext(ctx, query, groupID, userID); err != nil {
		return fmt.Errorf("failed to add group admin: %w", err)
	}
	return nil
}

// IsAdmin reports whether userID is in the group's admin set
func (r *Repository) IsAdmin(ctx context.Context, groupID, userID int64) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM group_admins WHERE group_id = $1 AND user_id = $2)`

	var isAdmin bool
	if err := r.db.QueryRowContext(ctx, query, groupID, userID).Scan(&isAdmin); err != nil {
		return false, fmt.Errorf("failed to check group admin: %w", err)
	}
	return isAdmin, nil
}

// ListAdmins retrieves the group's admin set
func (r *Repository) ListAdmins(ctx context.Context, groupID int64) ([]int64, error) {
	query := `SELECT user_id FROM group_admins WHERE group_id = $1 ORDER BY user_id`

	rows, err := r.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group admins: %w", err)
	}
	defer rows.Close()

	var admins []int64
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan group admin: %w", err)
		}
		admins = append(admins, userID)
	}

	return admins, nil
}
