package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	// ErrInsufficientPoints means the account's available balance cannot
	// cover the requested hold. Expected business condition.
	ErrInsufficientPoints = errors.New("insufficient available points")

	// ErrInvalidReleaseAmount means a release or deduct asked for more than
	// the account currently holds. This indicates a caller bug and is never
	// retried.
	ErrInvalidReleaseAmount = errors.New("amount exceeds held balance")

	// ErrInvalidAmount means the operation amount is not a positive integer.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvariantViolation means the account counters would leave the
	// 0 <= held <= total range. Unrecoverable; the operation aborts.
	ErrInvariantViolation = errors.New("points account invariant violated")

	// ErrReplayed signals that an idempotency key matched an existing
	// transaction; the original result is returned to the caller.
	ErrReplayed = errors.New("idempotent replay")
)

// Repository handles points account and transaction persistence. Every
// mutating method runs against a caller-supplied *sql.Tx so that escrow
// operations, and the multi-account batches built from them, stay atomic.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new ledger repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetAccount retrieves an account outside any transaction
func (r *Repository) GetAccount(ctx context.Context, userID int64) (*PointsAccount, error) {
	query := `
		SELECT user_id, total_points, held_points, created_at, updated_at
		FROM points_accounts
		WHERE user_id = $1
	`

	account := &PointsAccount{}
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&account.UserID,
		&account.TotalPoints,
		&account.HeldPoints,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return account, nil
}

// lockAccountTx creates the account row if missing and locks it for the
// duration of the transaction. Accounts are created lazily on first use.
func (r *Repository) lockAccountTx(ctx context.Context, tx *sql.Tx, userID int64) (*PointsAccount, error) {
	insert := `
		INSERT INTO points_accounts (user_id)
		VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, insert, userID); err != nil {
		return nil, fmt.Errorf("failed to ensure account: %w", err)
	}

	query := `
		SELECT user_id, total_points, held_points, created_at, updated_at
		FROM points_accounts
		WHERE user_id = $1
		FOR UPDATE
	`

	account := &PointsAccount{}
	err := tx.QueryRowContext(ctx, query, userID).Scan(
		&account.UserID,
		&account.TotalPoints,
		&account.HeldPoints,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}

	return account, nil
}

const idempotencyKeyQuery = `
	SELECT id, user_id, group_id, amount, kind, description, idempotency_key, created_at
	FROM point_transactions
	WHERE idempotency_key = $1
`

// FindByIdempotencyKey looks up a previously recorded transaction for key
// outside any transaction
func (r *Repository) FindByIdempotencyKey(ctx context.Context, key string) (*PointTransaction, error) {
	return scanByIdempotencyKey(r.db.QueryRowContext(ctx, idempotencyKeyQuery, key))
}

// findByIdempotencyKeyTx looks up a previously recorded transaction for key
func (r *Repository) findByIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, key string) (*PointTransaction, error) {
	return scanByIdempotencyKey(tx.QueryRowContext(ctx, idempotencyKeyQuery, key))
}

func scanByIdempotencyKey(row *sql.Row) (*PointTransaction, error) {
	txn := &PointTransaction{}
	err := row.Scan(
		&txn.ID,
		&txn.UserID,
		&txn.GroupID,
		&txn.Amount,
		&txn.Kind,
		&txn.Description,
		&txn.IdempotencyKey,
		&txn.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	return txn, nil
}

// ApplyTx applies one escrow operation inside tx: it locks the account,
// checks the operation's precondition, mutates the counters and appends the
// transaction entry. No partial effect survives a rollback. When the
// operation's idempotency key matches an existing entry the recorded
// transaction is returned with ErrReplayed and nothing is mutated.
func (r *Repository) ApplyTx(ctx context.Context, tx *sql.Tx, op *Operation) (*PointTransaction, *PointsAccount, error) {
	if op.Amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	if op.IdempotencyKey != nil {
		existing, err := r.findByIdempotencyKeyTx(ctx, tx, *op.IdempotencyKey)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil {
			return existing, nil, ErrReplayed
		}
	}

	account, err := r.lockAccountTx(ctx, tx, op.UserID)
	if err != nil {
		return nil, nil, err
	}

	switch op.Kind {
	case KindHold:
		if account.AvailablePoints() < op.Amount {
			return nil, nil, ErrInsufficientPoints
		}
		account.HeldPoints += op.Amount
	case KindRelease:
		if account.HeldPoints < op.Amount {
			return nil, nil, ErrInvalidReleaseAmount
		}
		account.HeldPoints -= op.Amount
	case KindDeduct:
		if account.HeldPoints < op.Amount {
			return nil, nil, ErrInvalidReleaseAmount
		}
		account.HeldPoints -= op.Amount
		account.TotalPoints -= op.Amount
	case KindEarn:
		account.TotalPoints += op.Amount
	default:
		return nil, nil, fmt.Errorf("unknown transaction kind %q", op.Kind)
	}

	if account.HeldPoints < 0 || account.HeldPoints > account.TotalPoints {
		return nil, nil, ErrInvariantViolation
	}

	update := `
		UPDATE points_accounts
		SET total_points = $2, held_points = $3, updated_at = now()
		WHERE user_id = $1
		RETURNING updated_at
	`
	if err := tx.QueryRowContext(ctx, update, op.UserID, account.TotalPoints, account.HeldPoints).Scan(&account.UpdatedAt); err != nil {
		return nil, nil, fmt.Errorf("failed to update account: %w", err)
	}

	txn := &PointTransaction{
		ID:             uuid.New(),
		UserID:         op.UserID,
		GroupID:        op.GroupID,
		Amount:         op.Amount,
		Kind:           op.Kind,
		Description:    op.Description,
		IdempotencyKey: op.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}

	insert := `
		INSERT INTO point_transactions (id, user_id, group_id, amount, kind, description, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.ExecContext(ctx, insert,
		txn.ID,
		txn.UserID,
		txn.GroupID,
		txn.Amount,
		txn.Kind,
		txn.Description,
		txn.IdempotencyKey,
		txn.CreatedAt,
	); err != nil {
		return nil, nil, fmt.Errorf("failed to append transaction: %w", err)
	}

	return txn, account, nil
}

// ListTransactions retrieves a user's transaction log, newest first
func (r *Repository) ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]*PointTransaction, int, error) {
	var total int
	countQuery := `SELECT COUNT(*) FROM point_transactions WHERE user_id = $1`
	if err := r.db.QueryRowContext(ctx, countQuery, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	query := `
		SELECT id, user_id, group_id, amount, kind, description, idempotency_key, created_at
		FROM point_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*PointTransaction
	for rows.Next() {
		txn := &PointTransaction{}
		if err := rows.Scan(
			&txn.ID,
			&txn.UserID,
			&txn.GroupID,
			&txn.Amount,
			&txn.Kind,
			&txn.Description,
			&txn.IdempotencyKey,
			&txn.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}

	return txns, total, nil
}
