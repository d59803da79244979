package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/msallal/groupbuy/internal/database"
)

// Service is the escrow engine. Each of the four operations executes as a
// single atomic unit against the ledger store: either the counters move and
// the log entry lands together, or nothing is visible to anyone else.
type Service struct {
	db         *sql.DB
	repo       *Repository
	logger     *zap.Logger
	maxRetries int
}

// NewService creates a new escrow service
func NewService(db *sql.DB, repo *Repository, logger *zap.Logger, maxRetries int) *Service {
	return &Service{
		db:         db,
		repo:       repo,
		logger:     logger,
		maxRetries: maxRetries,
	}
}

// Hold reserves amount points against the user's available balance
func (s *Service) Hold(ctx context.Context, userID int64, groupID *int64, amount int64, reason string, idempotencyKey *string) (*Result, error) {
	return s.apply(ctx, &Operation{
		UserID:         userID,
		GroupID:        groupID,
		Amount:         amount,
		Kind:           KindHold,
		Description:    reason,
		IdempotencyKey: idempotencyKey,
	})
}

// Release cancels a hold, returning amount to the available balance
func (s *Service) Release(ctx context.Context, userID int64, groupID *int64, amount int64, reason string, idempotencyKey *string) (*Result, error) {
	return s.apply(ctx, &Operation{
		UserID:         userID,
		GroupID:        groupID,
		Amount:         amount,
		Kind:           KindRelease,
		Description:    reason,
		IdempotencyKey: idempotencyKey,
	})
}

// Deduct finalizes a previously held amount into a permanent spend
func (s *Service) Deduct(ctx context.Context, userID int64, groupID *int64, amount int64, reason string, idempotencyKey *string) (*Result, error) {
	return s.apply(ctx, &Operation{
		UserID:         userID,
		GroupID:        groupID,
		Amount:         amount,
		Kind:           KindDeduct,
		Description:    reason,
		IdempotencyKey: idempotencyKey,
	})
}

// Earn credits amount to the user's total balance
func (s *Service) Earn(ctx context.Context, userID int64, amount int64, reason string, idempotencyKey *string) (*Result, error) {
	return s.apply(ctx, &Operation{
		UserID:         userID,
		Amount:         amount,
		Kind:           KindEarn,
		Description:    reason,
		IdempotencyKey: idempotencyKey,
	})
}

func (s *Service) apply(ctx context.Context, op *Operation) (*Result, error) {
	var result *Result

	err := database.WithTx(ctx, s.db, s.maxRetries, func(tx *sql.Tx) error {
		txn, account, err := s.repo.ApplyTx(ctx, tx, op)
		if errors.Is(err, ErrReplayed) {
			result = &Result{Transaction: txn, Replayed: true}
			return nil
		}
		if err != nil {
			return err
		}
		result = &Result{Transaction: txn, Account: account}
		return nil
	})
	if err != nil {
		// A concurrent replay of the same idempotency key can lose the
		// insert race; the original result stands.
		if op.IdempotencyKey != nil && database.IsUniqueViolation(err, "point_transactions_idempotency_key_idx") {
			return s.replayResult(ctx, op)
		}
		if errors.Is(err, ErrInvalidReleaseAmount) || errors.Is(err, ErrInvariantViolation) {
			s.logger.Error("ledger invariant breach",
				zap.Int64("user_id", op.UserID),
				zap.String("kind", string(op.Kind)),
				zap.Int64("amount", op.Amount),
				zap.Error(err),
			)
		}
		return nil, err
	}

	if result.Replayed {
		account, aerr := s.repo.GetAccount(ctx, op.UserID)
		if aerr != nil {
			return nil, aerr
		}
		result.Account = account
	}

	return result, nil
}

func (s *Service) replayResult(ctx context.Context, op *Operation) (*Result, error) {
	var txn *PointTransaction
	err := database.WithTx(ctx, s.db, s.maxRetries, func(tx *sql.Tx) error {
		found, err := s.repo.findByIdempotencyKeyTx(ctx, tx, *op.IdempotencyKey)
		if err != nil {
			return err
		}
		if found == nil {
			return fmt.Errorf("idempotency key vanished after conflict")
		}
		txn = found
		return nil
	})
	if err != nil {
		return nil, err
	}

	account, err := s.repo.GetAccount(ctx, op.UserID)
	if err != nil {
		return nil, err
	}

	return &Result{Transaction: txn, Account: account, Replayed: true}, nil
}

// GetAccount retrieves a user's account. A user who never earned or held
// points has no account yet; a zeroed snapshot is returned in that case.
func (s *Service) GetAccount(ctx context.Context, userID int64) (*PointsAccount, error) {
	account, err := s.repo.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return &PointsAccount{UserID: userID}, nil
	}
	return account, nil
}

// ListTransactions retrieves a user's transaction log with pagination
func (s *Service) ListTransactions(ctx context.Context, userID int64, page, perPage int) ([]*PointTransaction, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	offset := (page - 1) * perPage
	return s.repo.ListTransactions(ctx, userID, perPage, offset)
}
