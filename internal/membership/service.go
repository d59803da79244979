package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/msallal/groupbuy/internal/database"
	"github.com/msallal/groupbuy/internal/group"
	"github.com/msallal/groupbuy/internal/ledger"
	"github.com/msallal/groupbuy/internal/voting"
)

// Common errors
var (
	ErrGroupFull       = errors.New("group has no open member slots")
	ErrAlreadyResolved = errors.New("join request is no longer awaiting approval")
	ErrWrongSession    = errors.New("session is not a join approval")
	ErrNotVoter        = errors.New("voter is not an active member of this group")
)

// Service runs the membership workflow: join requests reserve points, an
// approval vote (or an admin decision) resolves them, and resolution hands
// off to the group lifecycle machine for activation.
type Service struct {
	db         *sql.DB
	repo       *Repository
	groupRepo  *group.Repository
	groupSvc   *group.Service
	escrow     *ledger.Service
	ledgerRepo *ledger.Repository
	votingRepo *voting.Repository
	logger     *zap.Logger
	maxRetries int

	// votingDeadline is how long a join-approval session stays open.
	votingDeadline time.Duration
}

// NewService creates a new membership service
func NewService(
	db *sql.DB,
	repo *Repository,
	groupRepo *group.Repository,
	groupSvc *group.Service,
	escrow *ledger.Service,
	ledgerRepo *ledger.Repository,
	votingRepo *voting.Repository,
	logger *zap.Logger,
	maxRetries int,
	votingDeadline time.Duration,
) *Service {
	return &Service{
		db:             db,
		repo:           repo,
		groupRepo:      groupRepo,
		groupSvc:       groupSvc,
		escrow:         escrow,
		ledgerRepo:     ledgerRepo,
		votingRepo:     votingRepo,
		logger:         logger,
		maxRetries:     maxRetries,
		votingDeadline: votingDeadline,
	}
}

// RequestJoin asks to join a group. When the group charges points the
// required amount is held first; the membership record and its approval
// session are then written in a second transaction. The hold and the record
// live in different aggregates, so a failure after the hold is compensated
// by releasing it rather than by one cross-aggregate transaction.
func (s *Service) RequestJoin(ctx context.Context, groupID, userID int64, idempotencyKey *string) (*Membership, *voting.VotingSession, error) {
	g, err := s.groupRepo.GetByID(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	if g == nil {
		return nil, nil, group.ErrGroupNotFound
	}
	if g.IsClosed() {
		return nil, nil, group.ErrGroupClosed
	}

	// Cheap pre-checks outside the lock; the authoritative ones repeat
	// under the group lock below.
	if existing, err := s.repo.GetByGroupAndUser(ctx, groupID, userID); err != nil {
		return nil, nil, err
	} else if existing != nil && !existing.Status.IsTerminal() {
		return nil, nil, ErrDuplicateMembership
	}

	var holdTxn *ledger.PointTransaction
	if g.PointsRequired > 0 {
		holdTxn, err = s.acquireHold(ctx, g, userID, idempotencyKey)
		if err != nil {
			return nil, nil, err
		}
	}

	var (
		member  *Membership
		session *voting.VotingSession
	)
	err = database.WithTx(ctx, s.db, s.maxRetries, func(tx *sql.Tx) error {
		locked, err := s.groupRepo.GetForUpdateTx(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if locked == nil {
			return group.ErrGroupNotFound
		}
		if locked.IsClosed() {
			return group.ErrGroupClosed
		}

		occupied, err := s.repo.CountOccupiedTx(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if occupied >= locked.MaxMembers {
			return ErrGroupFull
		}

		m, err := s.repo.UpsertJoinRequestTx(ctx, tx, groupID, userID)
		if err != nil {
			return err
		}

		if locked.Status == group.StatusAwaitingActivation {
			if err := s.groupRepo.UpdateStatusTx(ctx, tx, groupID, group.StatusPendingMembers); err != nil {
				return err
			}
			locked.Status = group.StatusPendingMembers
		}

		eligible, err := s.repo.CountEligibleVotersTx(ctx, tx, groupID)
		if err != nil {
			return err
		}

		created, err := s.votingRepo.CreateSessionTx(ctx, tx, &voting.VotingSession{
			GroupID:            groupID,
			Type:               voting.SessionTypeJoinApproval,
			SubjectID:          &m.ID,
			Deadline:           time.Now().UTC().Add(s.votingDeadline),
			EligibleVoterCount: eligible,
		})
		if err != nil {
			return err
		}

		// With no electorate yet the two-thirds quorum is trivially met
		// and the request approves on the spot.
		if eligible == 0 {
			if err := s.votingRepo.UpdateStatusTx(ctx, tx, created.ID, voting.SessionStatusCompleted); err != nil {
				return err
			}
			created.Status = voting.SessionStatusCompleted
			if err := s.approveTx(ctx, tx, locked, m); err != nil {
				return err
			}
			refreshed, err := s.repo.GetByIDForUpdateTx(ctx, tx, m.ID)
			if err != nil {
				return err
			}
			m = refreshed
		}

		member = m
		session = created
		return nil
	})
	if err != nil {
		s.compensateHold(ctx, g, userID, holdTxn)
		return nil, nil, err
	}

	return member, session, nil
}

// acquireHold reserves the group's required points. A resubmitted request
// replays the earlier hold by idempotency key; when that hold was already
// compensated away by a failed attempt the replay is an empty shell, so a
// fresh hold is taken under a key derived from the dead transaction. The
// derived key chains, so further resubmits replay or re-hold correctly.
func (s *Service) acquireHold(ctx context.Context, g *group.Group, userID int64, idempotencyKey *string) (*ledger.PointTransaction, error) {
	key := idempotencyKey
	for {
		result, err := s.escrow.Hold(ctx, userID, &g.ID, g.PointsRequired, "join reservation", key)
		if err != nil {
			return nil, err
		}
		if !result.Replayed {
			return result.Transaction, nil
		}

		released, err := s.ledgerRepo.FindByIdempotencyKey(ctx, compensationKey(result.Transaction))
		if err != nil {
			return nil, err
		}
		if released == nil {
			return result.Transaction, nil
		}

		retry := fmt.Sprintf("%s:retry:%s", *key, result.Transaction.ID)
		key = &retry
	}
}

func compensationKey(holdTxn *ledger.PointTransaction) string {
	return fmt.Sprintf("release:compensate:%s", holdTxn.ID)
}

// compensateHold releases a join reservation whose follow-up persistence
// failed. The release is keyed on the hold's transaction ID so retries of
// the compensation never double-release.
func (s *Service) compensateHold(ctx context.Context, g *group.Group, userID int64, holdTxn *ledger.PointTransaction) {
	if holdTxn == nil {
		return
	}

	key := compensationKey(holdTxn)
	if _, err := s.escrow.Release(ctx, userID, &g.ID, holdTxn.Amount, "join reservation rolled back", &key); err != nil {
		s.logger.Error("failed to compensate join hold",
			zap.Int64("user_id", userID),
			zap.Int64("group_id", g.ID),
			zap.String("hold_txn", holdTxn.ID.String()),
			zap.Error(err),
		)
	}
}

// approveTx applies an approval decision under the group lock. While the
// group is still recruiting the hold stays in place and the membership
// parks as pending; the activation check runs immediately after, in the
// same transaction, so the approval that satisfies min_members is the one
// that activates the group. Once the group is active the hold finalizes
// right away.
func (s *Service) approveTx(ctx context.Context, tx *sql.Tx, g *group.Group, m *Membership) error {
	if g.CurrentPhase == group.PhasePendingMembers {
		if err := s.repo.UpdateStateTx(ctx, tx, m.ID, StatusPending, ApprovalApproved, false); err != nil {
			return err
		}

		approved, err := s.repo.CountApprovedTx(ctx, tx, g.ID)
		if err != nil {
			return err
		}
		return s.groupSvc.ActivateIfReadyTx(ctx, tx, g, approved)
	}

	// The deduct commits atomically with the status change below; the
	// awaiting-approval guard on the caller makes a double finalize
	// impossible, so no idempotency key is needed here.
	if g.PointsRequired > 0 {
		_, _, err := s.ledgerRepo.ApplyTx(ctx, tx, &ledger.Operation{
			UserID:      m.UserID,
			GroupID:     &g.ID,
			Amount:      g.PointsRequired,
			Kind:        ledger.KindDeduct,
			Description: "join reservation finalized",
		})
		if err != nil {
			return err
		}
	}

	return s.repo.UpdateStateTx(ctx, tx, m.ID, StatusActive, ApprovalApproved, true)
}

// rejectTx applies a rejection or withdrawal under the group lock,
// releasing the reservation the join request held.
func (s *Service) rejectTx(ctx context.Context, tx *sql.Tx, g *group.Group, m *Membership, status Status, approval ApprovalStatus) error {
	if g.PointsRequired > 0 && (m.Status == StatusAwaitingApproval || m.Status == StatusPending) {
		_, _, err := s.ledgerRepo.ApplyTx(ctx, tx, &ledger.Operation{
			UserID:      m.UserID,
			GroupID:     &g.ID,
			Amount:      g.PointsRequired,
			Kind:        ledger.KindRelease,
			Description: "join reservation released",
		})
		if err != nil {
			return err
		}
	}

	return s.repo.UpdateStateTx(ctx, tx, m.ID, status, approval, false)
}

// Resolve lets a group admin decide a join request directly, bypassing the
// open approval session. The session is closed with a matching status.
func (s *Service) Resolve(ctx context.Context, membershipID, actorID int64, approve bool) (*Membership, error) {
	m0, err := s.repo.GetByID(ctx, membershipID)
	if err != nil {
		return nil, err
	}
	if m0 == nil {
		return nil, ErrMembershipNotFound
	}

	isAdmin, err := s.groupRepo.IsAdmin(ctx, m0.GroupID, actorID)
	if err != nil {
		return nil, err
	}
	if !isAdmin {
		return nil, group.ErrNotAuthorized
	}

	var resolved *Membership
	err = database.WithTx(ctx, s.db, s.maxRetries, func(tx *sql.Tx) error {
		g, err := s.groupRepo.GetForUpdateTx(ctx, tx, m0.GroupID)
		if err != nil {
			return err
		}
		if g == nil {
			return group.ErrGroupNotFound
		}
		if g.IsClosed() {
			return group.ErrGroupClosed
		}

		m, err := s.repo.GetByIDForUpdateTx(ctx, tx, membershipID)
		if err != nil {
			return err
		}
		if m == nil {
			return ErrMembershipNotFound
		}
		if m.Status != StatusAwaitingApproval {
			return ErrAlreadyResolved
		}

		if approve {
			if err := s.approveTx(ctx, tx, g, m); err != nil {
				return err
			}
			if err := s.votingRepo.CloseOpenBySubjectTx(ctx, tx, m.ID, voting.SessionStatusCompleted); err != nil {
				return err
			}
		} else {
			if err := s.rejectTx(ctx, tx, g, m, StatusRejected, ApprovalRejected); err != nil {
				return err
			}
			if err := s.votingRepo.CloseOpenBySubjectTx(ctx, tx, m.ID, voting.SessionStatusFailed); err != nil {
				return err
			}
		}

		updated, err := s.repo.GetByIDForUpdateTx(ctx, tx, membershipID)
		if err != nil {
			return err
		}
		resolved = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("join request resolved",
		zap.Int64("membership_id", membershipID),
		zap.Bool("approved", approve),
	)

	return resolved, nil
}

// CastApprovalVote records one ballot on a join request. Reaching quorum
// approves and resolves the request in the same transaction; a deadline
// that has already passed, or a quorum that became unreachable, rejects it
// and releases the reservation.
func (s *Service) CastApprovalVote(ctx context.Context, sessionID, voterID int64, approve bool) (*voting.VotingSession, voting.Outcome, error) {
	peek, err := s.votingRepo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, voting.OutcomePending, err
	}
	if peek == nil {
		return nil, voting.OutcomePending, voting.ErrSessionNotFound
	}
	if peek.Type != voting.SessionTypeJoinApproval || peek.SubjectID == nil {
		return nil, voting.OutcomePending, ErrWrongSession
	}

	isMember, err := s.repo.IsActiveMember(ctx, peek.GroupID, voterID)
	if err != nil {
		return nil, voting.OutcomePending, err
	}
	if !isMember {
		return nil, voting.OutcomePending, ErrNotVoter
	}

	var (
		session *voting.VotingSession
		outcome voting.Outcome
		expired bool
	)
	err = database.WithTx(ctx, s.db, s.maxRetries, func(tx *sql.Tx) error {
		g, err := s.groupRepo.GetForUpdateTx(ctx, tx, peek.GroupID)
		if err != nil {
			return err
		}
		if g == nil {
			return group.ErrGroupNotFound
		}
		if g.IsClosed() {
			return group.ErrGroupClosed
		}

		m, err := s.repo.GetByIDForUpdateTx(ctx, tx, *peek.SubjectID)
		if err != nil {
			return err
		}
		if m == nil {
			return ErrMembershipNotFound
		}
		if m.Status != StatusAwaitingApproval {
			return ErrAlreadyResolved
		}

		voted, result, err := s.votingRepo.CastVoteTx(ctx, tx, sessionID, voterID, approve)
		if err != nil {
			// The deadline passed without quorum: the decision reverts to
			// rejected. Commit that resolution; only the ballot is refused.
			if errors.Is(err, voting.ErrSessionClosed) && voted != nil && voted.Status == voting.SessionStatusFailed {
				if rerr := s.rejectTx(ctx, tx, g, m, StatusRejected, ApprovalRejected); rerr != nil {
					return rerr
				}
				session = voted
				outcome = voting.OutcomeFailed
				expired = true
				return nil
			}
			return err
		}

		switch result {
		case voting.OutcomeApproved:
			if err := s.approveTx(ctx, tx, g, m); err != nil {
				return err
			}
		case voting.OutcomeFailed:
			if err := s.rejectTx(ctx, tx, g, m, StatusRejected, ApprovalRejected); err != nil {
				return err
			}
		}

		session = voted
		outcome = result
		return nil
	})
	if err != nil {
		return session, outcome, err
	}
	if expired {
		return session, outcome, voting.ErrSessionClosed
	}

	return session, outcome, nil
}

// Leave withdraws the caller's own membership. A reservation still held is
// released; points already finalized stay spent. The row is retired, not
// deleted.
func (s *Service) Leave(ctx context.Context, membershipID, userID int64) (*Membership, error) {
	m0, err := s.repo.GetByID(ctx, membershipID)
	if err != nil {
		return nil, err
	}
	if m0 == nil {
		return nil, ErrMembershipNotFound
	}
	if m0.UserID != userID {
		return nil, group.ErrNotAuthorized
	}

	var left *Membership
	err = database.WithTx(ctx, s.db, s.maxRetries, func(tx *sql.Tx) error {
		g, err := s.groupRepo.GetForUpdateTx(ctx, tx, m0.GroupID)
		if err != nil {
			return err
		}
		if g == nil {
			return group.ErrGroupNotFound
		}
		if g.Status == group.StatusDissolved {
			return group.ErrGroupClosed
		}

		m, err := s.repo.GetByIDForUpdateTx(ctx, tx, membershipID)
		if err != nil {
			return err
		}
		if m == nil || m.Status.IsTerminal() {
			return ErrMembershipNotFound
		}

		if err := s.rejectTx(ctx, tx, g, m, StatusLeft, m.ApprovalStatus); err != nil {
			return err
		}
		if err := s.votingRepo.CloseOpenBySubjectTx(ctx, tx, m.ID, voting.SessionStatusFailed); err != nil {
			return err
		}

		updated, err := s.repo.GetByIDForUpdateTx(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		left = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	return left, nil
}

// GetByID retrieves a membership by its ID
func (s *Service) GetByID(ctx context.Context, id int64) (*Membership, error) {
	m, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrMembershipNotFound
	}
	return m, nil
}

// ListByGroup retrieves a group's memberships, optionally filtered by status
func (s *Service) ListByGroup(ctx context.Context, groupID int64, status *Status) ([]*Membership, error) {
	g, err := s.groupRepo.GetByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, group.ErrGroupNotFound
	}
	return s.repo.ListByGroup(ctx, groupID, status)
}
