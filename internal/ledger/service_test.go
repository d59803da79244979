package ledger_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/msallal/groupbuy/internal/database"
	"github.com/msallal/groupbuy/internal/ledger"
	"github.com/msallal/groupbuy/internal/testutil"
)

func newEscrow(t *testing.T) *ledger.Service {
	t.Helper()
	db := testutil.SetupTestDB(t)
	repo := ledger.NewRepository(db)
	return ledger.NewService(db, repo, zap.NewNop(), database.DefaultMaxRetries)
}

func TestEscrowFlow(t *testing.T) {
	svc := newEscrow(t)
	ctx := context.Background()
	userID := int64(1)
	groupID := int64(7)

	// Earn 100
	result, err := svc.Earn(ctx, userID, 100, "signup bonus", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), result.Account.TotalPoints)
	assert.Equal(t, int64(0), result.Account.HeldPoints)

	// Hold 60: available drops, total untouched
	result, err = svc.Hold(ctx, userID, &groupID, 60, "join reservation", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), result.Account.TotalPoints)
	assert.Equal(t, int64(60), result.Account.HeldPoints)
	assert.Equal(t, int64(40), result.Account.AvailablePoints())

	// A second hold beyond the available balance is refused
	_, err = svc.Hold(ctx, userID, &groupID, 50, "join reservation", nil)
	assert.ErrorIs(t, err, ledger.ErrInsufficientPoints)

	// Release 20 of the hold
	result, err = svc.Release(ctx, userID, &groupID, 20, "partial refund", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), result.Account.TotalPoints)
	assert.Equal(t, int64(40), result.Account.HeldPoints)

	// Deduct the remaining 40: spent for good
	result, err = svc.Deduct(ctx, userID, &groupID, 40, "reservation finalized", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(60), result.Account.TotalPoints)
	assert.Equal(t, int64(0), result.Account.HeldPoints)
}

func TestHold_InsufficientFromEmptyAccount(t *testing.T) {
	svc := newEscrow(t)

	_, err := svc.Hold(context.Background(), 1, nil, 10, "join reservation", nil)
	assert.ErrorIs(t, err, ledger.ErrInsufficientPoints)
}

func TestRelease_ExceedsHeld(t *testing.T) {
	svc := newEscrow(t)
	ctx := context.Background()

	_, err := svc.Earn(ctx, 1, 100, "signup bonus", nil)
	require.NoError(t, err)
	_, err = svc.Hold(ctx, 1, nil, 30, "reservation", nil)
	require.NoError(t, err)

	_, err = svc.Release(ctx, 1, nil, 31, "refund", nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidReleaseAmount)

	_, err = svc.Deduct(ctx, 1, nil, 31, "finalize", nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidReleaseAmount)
}

func TestEscrow_RejectsNonPositiveAmount(t *testing.T) {
	svc := newEscrow(t)
	ctx := context.Background()

	_, err := svc.Earn(ctx, 1, 0, "nothing", nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = svc.Hold(ctx, 1, nil, -5, "nothing", nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestIdempotentReplay(t *testing.T) {
	svc := newEscrow(t)
	ctx := context.Background()
	key := "earn:test:1"

	first, err := svc.Earn(ctx, 1, 100, "signup bonus", &key)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	// Same key again: no second credit, the original entry comes back
	second, err := svc.Earn(ctx, 1, 100, "signup bonus", &key)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, int64(100), second.Account.TotalPoints)
}

func TestConcurrentHolds_NoOverCommit(t *testing.T) {
	svc := newEscrow(t)
	ctx := context.Background()

	_, err := svc.Earn(ctx, 1, 100, "signup bonus", nil)
	require.NoError(t, err)

	// Ten racing holds of 20 against a balance of 100: exactly five can win
	var wg sync.WaitGroup
	var succeeded int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Hold(ctx, 1, nil, 20, "racing reservation", nil)
			if err == nil {
				atomic.AddInt64(&succeeded, 1)
			} else {
				assert.ErrorIs(t, err, ledger.ErrInsufficientPoints)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), succeeded)

	account, err := svc.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), account.HeldPoints)
	assert.Equal(t, int64(100), account.TotalPoints)
}

func TestGetAccount_MissingReturnsZeroed(t *testing.T) {
	svc := newEscrow(t)

	account, err := svc.GetAccount(context.Background(), 999)
	require.NoError(t, err)
	assert.Equal(t, int64(999), account.UserID)
	assert.Equal(t, int64(0), account.TotalPoints)
	assert.Equal(t, int64(0), account.HeldPoints)
}

func TestListTransactions_Pagination(t *testing.T) {
	svc := newEscrow(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Earn(ctx, 1, 10, "drip", nil)
		require.NoError(t, err)
	}

	page, total, err := svc.ListTransactions(ctx, 1, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 2)

	last, _, err := svc.ListTransactions(ctx, 1, 3, 2)
	require.NoError(t, err)
	assert.Len(t, last, 1)
}
