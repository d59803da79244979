package membership_test

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/msallal/groupbuy/internal/database"
	"github.com/msallal/groupbuy/internal/group"
	"github.com/msallal/groupbuy/internal/ledger"
	"github.com/msallal/groupbuy/internal/membership"
	"github.com/msallal/groupbuy/internal/testutil"
	"github.com/msallal/groupbuy/internal/voting"
)

type workflow struct {
	db          *sql.DB
	ledger      *ledger.Service
	groups      *group.Service
	memberships *membership.Service
}

func newWorkflow(t *testing.T) *workflow {
	t.Helper()
	db := testutil.SetupTestDB(t)
	logger := zap.NewNop()
	retries := database.DefaultMaxRetries
	deadline := 72 * time.Hour

	ledgerRepo := ledger.NewRepository(db)
	ledgerSvc := ledger.NewService(db, ledgerRepo, logger, retries)
	votingRepo := voting.NewRepository(db)
	membershipRepo := membership.NewRepository(db)
	groupRepo := group.NewRepository(db)
	groupSvc := group.NewService(db, groupRepo, ledgerRepo, votingRepo, membershipRepo, logger, retries, deadline)
	membershipSvc := membership.NewService(db, membershipRepo, groupRepo, groupSvc, ledgerSvc, ledgerRepo, votingRepo, logger, retries, deadline)

	return &workflow{
		db:          db,
		ledger:      ledgerSvc,
		groups:      groupSvc,
		memberships: membershipSvc,
	}
}

func (w *workflow) fund(t *testing.T, userID, amount int64) {
	t.Helper()
	_, err := w.ledger.Earn(context.Background(), userID, amount, "test funding", nil)
	require.NoError(t, err)
}

func (w *workflow) createGroup(t *testing.T, creatorID int64, points int64, min, max int) *group.Group {
	t.Helper()
	g, err := w.groups.Create(context.Background(), creatorID, &group.CreateGroupRequest{
		Name:           "bulk coffee",
		PointsRequired: points,
		MinMembers:     min,
		MaxMembers:     max,
	})
	require.NoError(t, err)
	return g
}

func (w *workflow) account(t *testing.T, userID int64) *ledger.PointsAccount {
	t.Helper()
	account, err := w.ledger.GetAccount(context.Background(), userID)
	require.NoError(t, err)
	return account
}

func (w *workflow) membershipOf(t *testing.T, groupID, userID int64) *membership.Membership {
	t.Helper()
	members, err := w.memberships.ListByGroup(context.Background(), groupID, nil)
	require.NoError(t, err)
	for _, m := range members {
		if m.UserID == userID {
			return m
		}
	}
	t.Fatalf("no membership for user %d in group %d", userID, groupID)
	return nil
}

const creatorID = int64(100)

func TestRequestJoin_FirstMemberAutoApproved(t *testing.T) {
	w := newWorkflow(t)
	ctx := context.Background()
	g := w.createGroup(t, creatorID, 50, 2, 3)
	w.fund(t, 2, 100)

	m, session, err := w.memberships.RequestJoin(ctx, g.ID, 2, nil)
	require.NoError(t, err)

	// No active members yet, so the two-thirds quorum is trivially met
	// and the request approves immediately. The group is still short of
	// min_members, so the hold stays in place.
	assert.Equal(t, membership.StatusPending, m.Status)
	assert.Equal(t, voting.SessionStatusCompleted, session.Status)

	account := w.account(t, 2)
	assert.Equal(t, int64(100), account.TotalPoints)
	assert.Equal(t, int64(50), account.HeldPoints)

	// First join request wakes the group up
	refreshed, err := w.groups.GetByID(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, group.StatusPendingMembers, refreshed.Status)
}

func TestActivation_FiresAtMinMembers(t *testing.T) {
	w := newWorkflow(t)
	ctx := context.Background()
	g := w.createGroup(t, creatorID, 50, 2, 3)
	w.fund(t, 2, 100)
	w.fund(t, 3, 80)

	_, _, err := w.memberships.RequestJoin(ctx, g.ID, 2, nil)
	require.NoError(t, err)
	_, _, err = w.memberships.RequestJoin(ctx, g.ID, 3, nil)
	require.NoError(t, err)

	// The second approval satisfied min_members: every reservation is
	// finalized and the group activates in the same transaction.
	refreshed, err := w.groups.GetByID(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, group.StatusActive, refreshed.Status)
	assert.Equal(t, group.PhaseActive, refreshed.CurrentPhase)

	for _, userID := range []int64{2, 3} {
		account := w.account(t, userID)
		assert.Equal(t, int64(0), account.HeldPoints, "user %d", userID)
	}
	assert.Equal(t, int64(50), w.account(t, 2).TotalPoints)
	assert.Equal(t, int64(30), w.account(t, 3).TotalPoints)

	members, err := w.memberships.ListByGroup(ctx, g.ID, nil)
	require.NoError(t, err)
	for _, m := range members {
		assert.Equal(t, membership.StatusActive, m.Status)
		assert.NotNil(t, m.JoinedAt)
	}

	// Activation opens an admin election for the earliest member
	sessions, err := w.groups.ListSessions(ctx, g.ID)
	require.NoError(t, err)
	var election *voting.VotingSession
	for _, s := range sessions {
		if s.Type == voting.SessionTypeAdminElection {
			election = s
		}
	}
	require.NotNil(t, election)
	require.NotNil(t, election.CandidateID)
	assert.Equal(t, int64(2), *election.CandidateID)
}

func TestRequestJoin_InsufficientPoints(t *testing.T) {
	w := newWorkflow(t)
	ctx := context.Background()
	g := w.createGroup(t, creatorID, 50, 2, 3)
	w.fund(t, 2, 20)

	_, _, err := w.memberships.RequestJoin(ctx, g.ID, 2, nil)
	assert.ErrorIs(t, err, ledger.ErrInsufficientPoints)

	members, err := w.memberships.ListByGroup(ctx, g.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestRequestJoin_DuplicateLiveRequest(t *testing.T) {
	w := newWorkflow(t)
	ctx := context.Background()
	g := w.createGroup(t, creatorID, 50, 3, 5)
	w.fund(t, 2, 200)

	_, _, err := w.memberships.RequestJoin(ctx, g.ID, 2, nil)
	require.NoError(t, err)

	_, _, err = w.memberships.RequestJoin(ctx, g.ID, 2, nil)
	assert.ErrorIs(t, err, membership.ErrDuplicateMembership)

	// The failed attempt must not stack a second hold
	assert.Equal(t, int64(50), w.account(t, 2).HeldPoints)
}

func TestRequestJoin_GroupFullCompensatesHold(t *testing.T) {
	w := newWorkflow(t)
	ctx := context.Background()
	g := w.createGroup(t, creatorID, 50, 1, 1)
	w.fund(t, 2, 100)
	w.fund(t, 3, 100)

	_, _, err := w.memberships.RequestJoin(ctx, g.ID, 2, nil)
	require.NoError(t, err)

	_, _, err = w.memberships.RequestJoin(ctx, g.ID, 3, nil)
	assert.ErrorIs(t, err, membership.ErrGroupFull)

	// The hold taken before the capacity check was released again
	account := w.account(t, 3)
	assert.Equal(t, int64(100), account.TotalPoints)
	assert.Equal(t, int64(0), account.HeldPoints)
}

func TestRequestJoin_ResubmitAfterCompensation(t *testing.T) {
	w := newWorkflow(t)
	ctx := context.Background()
	g := w.createGroup(t, creatorID, 50, 1, 1)
	w.fund(t, 2, 100)
	w.fund(t, 3, 100)

	_, _, err := w.memberships.RequestJoin(ctx, g.ID, 2, nil)
	require.NoError(t, err)

	// User 3 races for the last slot and loses; the hold taken under this
	// key is compensated away.
	key := "join-retry-user3"
	_, _, err = w.memberships.RequestJoin(ctx, g.ID, 3, &key)
	require.ErrorIs(t, err, membership.ErrGroupFull)
	require.Equal(t, int64(0), w.account(t, 3).HeldPoints)

	// A slot frees up and the caller resubmits under the same key. The
	// replayed hold is an empty shell, so a fresh hold must back the new
	// request; the group is active, so it finalizes on the spot.
	m2 := w.membershipOf(t, g.ID, 2)
	_, err = w.memberships.Leave(ctx, m2.ID, 2)
	require.NoError(t, err)

	m, _, err := w.memberships.RequestJoin(ctx, g.ID, 3, &key)
	require.NoError(t, err)
	assert.Equal(t, membership.StatusActive, m.Status)

	account := w.account(t, 3)
	assert.Equal(t, int64(50), account.TotalPoints)
	assert.Equal(t, int64(0), account.HeldPoints)
}

func TestRequestJoin_ConcurrentLastSlotRace(t *testing.T) {
	w := newWorkflow(t)
	ctx := context.Background()
	g := w.createGroup(t, creatorID, 50, 2, 3)
	w.fund(t, 2, 100)
	w.fund(t, 3, 100)
	w.fund(t, 4, 100)
	w.fund(t, 5, 100)

	_, _, err := w.memberships.RequestJoin(ctx, g.ID, 2, nil)
	require.NoError(t, err)
	_, _, err = w.memberships.RequestJoin(ctx, g.ID, 3, nil)
	require.NoError(t, err)

	// Two racing requests for the one remaining slot: the group lock
	// serializes the capacity check, so exactly one wins and the loser's
	// hold is compensated back.
	var wg sync.WaitGroup
	var won int64
	errs := make([]error, 2)
	for i, userID := range []int64{4, 5} {
		wg.Add(1)
		go func(i int, userID int64) {
			defer wg.Done()
			_, _, err := w.memberships.RequestJoin(ctx, g.ID, userID, nil)
			errs[i] = err
			if err == nil {
				atomic.AddInt64(&won, 1)
			}
		}(i, userID)
	}
	wg.Wait()

	assert.Equal(t, int64(1), won)
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, membership.ErrGroupFull)
		}
	}

	// The winner's reservation is the only points movement
	assert.Equal(t, int64(50), w.account(t, 4).HeldPoints+w.account(t, 5).HeldPoints)
	assert.Equal(t, int64(100), w.account(t, 4).TotalPoints)
	assert.Equal(t, int64(100), w.account(t, 5).TotalPoints)

	members, err := w.memberships.ListByGroup(ctx, g.ID, nil)
	require.NoError(t, err)
	live := 0
	for _, m := range members {
		if !m.Status.IsTerminal() {
			live++
		}
	}
	assert.Equal(t, 3, live)
}

// activeGroup builds a group with members 2 and 3 active, ready to vote.
func activeGroup(t *testing.T, w *workflow) *group.Group {
	t.Helper()
	ctx := context.Background()
	g := w.createGroup(t, creatorID, 50, 2, 5)
	w.fund(t, 2, 100)
	w.fund(t, 3, 100)

	_, _, err := w.memberships.RequestJoin(ctx, g.ID, 2, nil)
	require.NoError(t, err)
	_, _, err = w.memberships.RequestJoin(ctx, g.ID, 3, nil)
	require.NoError(t, err)

	refreshed, err := w.groups.GetByID(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, group.StatusActive, refreshed.Status)
	return refreshed
}

func TestApprovalVote_QuorumApproves(t *testing.T) {
	w := newWorkflow(t)
	ctx := context.Background()
	g := activeGroup(t, w)
	w.fund(t, 4, 100)

	m, session, err := w.memberships.RequestJoin(ctx, g.ID, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, membership.StatusAwaitingApproval, m.Status)
	assert.Equal(t, 2, session.EligibleVoterCount)

	// Two eligible voters, quorum ceil(4/3) = 2: first ballot pending
	_, outcome, err := w.memberships.CastApprovalVote(ctx, session.ID, 2, true)
	require.NoError(t, err)
	assert.Equal(t, voting.OutcomePending, outcome)

	// Second ballot reaches quorum; the group is already active so the
	// reservation finalizes on the spot.
	_, outcome, err = w.memberships.CastApprovalVote(ctx, session.ID, 3, true)
	require.NoError(t, err)
	assert.Equal(t, voting.OutcomeApproved, outcome)

	approved, err := w.memberships.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, membership.StatusActive, approved.Status)

	account := w.account(t, 4)
	assert.Equal(t, int64(50), account.TotalPoints)
	assert.Equal(t, int64(0), account.HeldPoints)
}

func TestApprovalVote_UnreachableQuorumRejects(t *testing.T) {
	w := newWorkflow(t)
	ctx := context.Background()
	g := activeGroup(t, w)
	w.fund(t, 4, 100)

	m, session, err := w.memberships.RequestJoin(ctx, g.ID, 4, nil)
	require.NoError(t, err)

	// One vote against out of two eligible leaves at most one possible
	// approval, short of the quorum of two: the request fails now.
	_, outcome, err := w.memberships.CastApprovalVote(ctx, session.ID, 2, false)
	require.NoError(t, err)
	assert.Equal(t, voting.OutcomeFailed, outcome)

	rejected, err := w.memberships.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, membership.StatusRejected, rejected.Status)

	// The hold comes back
	account := w.account(t, 4)
	assert.Equal(t, int64(100), account.TotalPoints)
	assert.Equal(t, int64(0), account.HeldPoints)
}

func TestApprovalVote_DuplicateBallotRejected(t *testing.T) {
	w := newWorkflow(t)
	ctx := context.Background()
	g := activeGroup(t, w)
	w.fund(t, 4, 100)

	_, session, err := w.memberships.RequestJoin(ctx, g.ID, 4, nil)
	require.NoError(t, err)

	_, _, err = w.memberships.CastApprovalVote(ctx, session.ID, 2, true)
	require.NoError(t, err)

	_, _, err = w.memberships.CastApprovalVote(ctx, session.ID, 2, true)
	assert.ErrorIs(t, err, voting.ErrDuplicateVote)
}

func TestApprovalVote_NonMemberForbidden(t *testing.T) {
	w := newWorkflow(t)
	ctx := context.Background()
	g := activeGroup(t, w)
	w.fund(t, 4, 100)

	_, session, err := w.memberships.RequestJoin(ctx, g.ID, 4, nil)
	require.NoError(t, err)

	// The creator administers the group but holds no member slot and no vote
	_, _, err = w.memberships.CastApprovalVote(ctx, session.ID, creatorID, true)
	assert.ErrorIs(t, err, membership.ErrNotVoter)
}

func TestResolve_AdminDecision(t *testing.T) {
	w := newWorkflow(t)
	ctx := context.Background()
	g := activeGroup(t, w)
	w.fund(t, 4, 100)
	w.fund(t, 5, 100)

	approveMe, _, err := w.memberships.RequestJoin(ctx, g.ID, 4, nil)
	require.NoError(t, err)
	rejectMe, _, err := w.memberships.RequestJoin(ctx, g.ID, 5, nil)
	require.NoError(t, err)

	resolved, err := w.memberships.Resolve(ctx, approveMe.ID, creatorID, true)
	require.NoError(t, err)
	assert.Equal(t, membership.StatusActive, resolved.Status)
	assert.Equal(t, int64(50), w.account(t, 4).TotalPoints)

	resolved, err = w.memberships.Resolve(ctx, rejectMe.ID, creatorID, false)
	require.NoError(t, err)
	assert.Equal(t, membership.StatusRejected, resolved.Status)
	assert.Equal(t, int64(100), w.account(t, 5).TotalPoints)
	assert.Equal(t, int64(0), w.account(t, 5).HeldPoints)

	// Already decided: a second resolution is refused
	_, err = w.memberships.Resolve(ctx, approveMe.ID, creatorID, true)
	assert.ErrorIs(t, err, membership.ErrAlreadyResolved)
}

func TestResolve_RequiresAdmin(t *testing.T) {
	w := newWorkflow(t)
	ctx := context.Background()
	g := activeGroup(t, w)
	w.fund(t, 4, 100)

	m, _, err := w.memberships.RequestJoin(ctx, g.ID, 4, nil)
	require.NoError(t, err)

	_, err = w.memberships.Resolve(ctx, m.ID, 2, true)
	assert.ErrorIs(t, err, group.ErrNotAuthorized)
}

func TestLeave_BeforeFinalizationRefunds(t *testing.T) {
	w := newWorkflow(t)
	ctx := context.Background()
	g := w.createGroup(t, creatorID, 50, 3, 5)
	w.fund(t, 2, 100)

	m, _, err := w.memberships.RequestJoin(ctx, g.ID, 2, nil)
	require.NoError(t, err)

	// Only the member themselves can withdraw
	_, err = w.memberships.Leave(ctx, m.ID, 3)
	assert.ErrorIs(t, err, group.ErrNotAuthorized)

	left, err := w.memberships.Leave(ctx, m.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, membership.StatusLeft, left.Status)

	account := w.account(t, 2)
	assert.Equal(t, int64(100), account.TotalPoints)
	assert.Equal(t, int64(0), account.HeldPoints)
}

func TestLeave_AfterFinalizationKeepsSpend(t *testing.T) {
	w := newWorkflow(t)
	ctx := context.Background()
	g := activeGroup(t, w)

	m := w.membershipOf(t, g.ID, 2)
	left, err := w.memberships.Leave(ctx, m.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, membership.StatusLeft, left.Status)

	// Finalized points are spent; leaving does not refund them
	account := w.account(t, 2)
	assert.Equal(t, int64(50), account.TotalPoints)
	assert.Equal(t, int64(0), account.HeldPoints)
}

func TestApprovalVote_ExpiredSessionRejects(t *testing.T) {
	w := newWorkflow(t)
	ctx := context.Background()
	g := activeGroup(t, w)
	w.fund(t, 4, 100)

	m, session, err := w.memberships.RequestJoin(ctx, g.ID, 4, nil)
	require.NoError(t, err)

	// Push the deadline into the past; the next ballot trips lazy expiry
	_, err = w.db.ExecContext(ctx,
		`UPDATE voting_sessions SET deadline = now() - interval '1 hour' WHERE id = $1`,
		session.ID)
	require.NoError(t, err)

	_, outcome, err := w.memberships.CastApprovalVote(ctx, session.ID, 2, true)
	assert.ErrorIs(t, err, voting.ErrSessionClosed)
	assert.Equal(t, voting.OutcomeFailed, outcome)

	// The rejection and the refund were committed even though the ballot
	// itself was refused.
	rejected, err := w.memberships.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, membership.StatusRejected, rejected.Status)
	assert.Equal(t, int64(0), w.account(t, 4).HeldPoints)
	assert.Equal(t, int64(100), w.account(t, 4).TotalPoints)
}

func TestLeave_ThenRejoinRevivesSameRow(t *testing.T) {
	w := newWorkflow(t)
	ctx := context.Background()
	g := w.createGroup(t, creatorID, 50, 3, 5)
	w.fund(t, 2, 200)

	first, _, err := w.memberships.RequestJoin(ctx, g.ID, 2, nil)
	require.NoError(t, err)
	_, err = w.memberships.Leave(ctx, first.ID, 2)
	require.NoError(t, err)

	second, _, err := w.memberships.RequestJoin(ctx, g.ID, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.False(t, second.Status.IsTerminal())
}
