package group

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/msallal/groupbuy/internal/database"
	"github.com/msallal/groupbuy/internal/ledger"
	"github.com/msallal/groupbuy/internal/voting"
)

// Common errors
var (
	ErrGroupNotFound     = errors.New("group not found")
	ErrGroupClosed       = errors.New("group is dissolved or completed")
	ErrNotAuthorized     = errors.New("not a group admin")
	ErrInvalidTransition = errors.New("phase transition not allowed")
	ErrNotMember         = errors.New("user is not an active member of this group")
	ErrWrongSessionType  = errors.New("session is not an admin election")
)

// Service runs the group lifecycle state machine
type Service struct {
	db          *sql.DB
	repo        *Repository
	ledgerRepo  *ledger.Repository
	votingRepo  *voting.Repository
	memberships MembershipStore
	logger      *zap.Logger
	maxRetries  int

	// votingDeadline is how long an election stays open.
	votingDeadline time.Duration
}

// NewService creates a new group service
func NewService(
	db *sql.DB,
	repo *Repository,
	ledgerRepo *ledger.Repository,
	votingRepo *voting.Repository,
	memberships MembershipStore,
	logger *zap.Logger,
	maxRetries int,
	votingDeadline time.Duration,
) *Service {
	return &Service{
		db:             db,
		repo:           repo,
		ledgerRepo:     ledgerRepo,
		votingRepo:     votingRepo,
		memberships:    memberships,
		logger:         logger,
		maxRetries:     maxRetries,
		votingDeadline: votingDeadline,
	}
}

// Create creates a new group with the creator as its first admin. The
// creator administers the group but does not occupy a member slot.
func (s *Service) Create(ctx context.Context, creatorID int64, req *CreateGroupRequest) (*Group, error) {
	var group *Group
	err := database.WithTx(ctx, s.db, s.maxRetries, func(tx *sql.Tx) error {
		created, err := s.repo.CreateTx(ctx, tx, creatorID, req)
		if err != nil {
			return err
		}
		group = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}

// GetByID retrieves a group with its admin set
func (s *Service) GetByID(ctx context.Context, id int64) (*Group, error) {
	group, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, ErrGroupNotFound
	}

	admins, err := s.repo.ListAdmins(ctx, id)
	if err != nil {
		return nil, err
	}
	group.AdminIDs = admins

	return group, nil
}

// List retrieves groups with pagination, optionally filtered by status
func (s *Service) List(ctx context.Context, status *Status, page, perPage int) ([]*Group, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	offset := (page - 1) * perPage
	return s.repo.List(ctx, status, perPage, offset)
}

// ActivateIfReadyTx fires the pending_members -> active transition when the
// approved member count has reached min_members. It is called inside the
// same transaction as the approval that may have satisfied the threshold,
// so there is no read-after-write race and no background sweep.
//
// On activation every approved-but-unfinalized reservation converts from
// hold to deduct in this one transaction: either the whole group finalizes
// or none of it does. An admin election for the first member opens at the
// same boundary.
func (s *Service) ActivateIfReadyTx(ctx context.Context, tx *sql.Tx, group *Group, approvedCount int) error {
	if group.CurrentPhase != PhasePendingMembers || group.Status == StatusDissolved {
		return nil
	}
	if approvedCount < group.MinMembers {
		return nil
	}

	reservations, err := s.memberships.PendingReservationsTx(ctx, tx, group.ID)
	if err != nil {
		return err
	}

	// The batch commits with the phase flip: a failed deduct rolls the
	// whole activation back, so no reservation can finalize twice.
	for _, res := range reservations {
		if group.PointsRequired > 0 {
			_, _, err := s.ledgerRepo.ApplyTx(ctx, tx, &ledger.Operation{
				UserID:      res.UserID,
				GroupID:     &group.ID,
				Amount:      group.PointsRequired,
				Kind:        ledger.KindDeduct,
				Description: "group activation finalization",
			})
			if err != nil {
				return err
			}
		}
		if err := s.memberships.ActivateTx(ctx, tx, res.MembershipID); err != nil {
			return err
		}
	}

	if err := s.repo.UpdatePhaseTx(ctx, tx, group.ID, PhaseActive, StatusActive, group.RoundNumber); err != nil {
		return err
	}
	group.CurrentPhase = PhaseActive
	group.Status = StatusActive

	// Phase boundary: open an admin election for the earliest member so the
	// group is not governed by the creator alone. Quorum failure retains
	// the incumbent admins.
	if len(reservations) > 0 {
		eligible, err := s.memberships.CountEligibleVotersTx(ctx, tx, group.ID)
		if err != nil {
			return err
		}
		candidate := reservations[0].UserID
		_, err = s.votingRepo.CreateSessionTx(ctx, tx, &voting.VotingSession{
			GroupID:            group.ID,
			Type:               voting.SessionTypeAdminElection,
			CandidateID:        &candidate,
			Deadline:           time.Now().UTC().Add(s.votingDeadline),
			EligibleVoterCount: eligible,
		})
		if err != nil {
			return err
		}
	}

	s.logger.Info("group activated",
		zap.Int64("group_id", group.ID),
		zap.Int("members_finalized", len(reservations)),
	)

	return nil
}

// AdvancePhase moves a group along the administrative phase track. Moving
// back from contract to negotiation starts a new bargaining round.
func (s *Service) AdvancePhase(ctx context.Context, groupID, actorID int64, target Phase) (*Group, error) {
	if err := s.requireAdmin(ctx, groupID, actorID); err != nil {
		return nil, err
	}

	var group *Group
	err := database.WithTx(ctx, s.db, s.maxRetries, func(tx *sql.Tx) error {
		g, err := s.repo.GetForUpdateTx(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if g == nil {
			return ErrGroupNotFound
		}
		if g.IsClosed() {
			return ErrGroupClosed
		}
		if !CanTransition(g.CurrentPhase, target) {
			return ErrInvalidTransition
		}

		round := g.RoundNumber
		if g.CurrentPhase == PhaseContract && target == PhaseNegotiation {
			round++
		}

		if err := s.repo.UpdatePhaseTx(ctx, tx, groupID, target, StatusForPhase(target), round); err != nil {
			return err
		}
		g.CurrentPhase = target
		g.Status = StatusForPhase(target)
		g.RoundNumber = round
		group = g
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("group phase advanced",
		zap.Int64("group_id", groupID),
		zap.String("phase", string(group.CurrentPhase)),
		zap.Int("round", group.RoundNumber),
	)

	return group, nil
}

// Dissolve retires a group from any non-terminal state. Every reservation
// whose approval never finalized is released back to its owner in the same
// transaction; memberships are retired, never deleted, so history survives.
func (s *Service) Dissolve(ctx context.Context, groupID, actorID int64) (*Group, error) {
	if err := s.requireAdmin(ctx, groupID, actorID); err != nil {
		return nil, err
	}

	var group *Group
	err := database.WithTx(ctx, s.db, s.maxRetries, func(tx *sql.Tx) error {
		g, err := s.repo.GetForUpdateTx(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if g == nil {
			return ErrGroupNotFound
		}
		if g.IsClosed() {
			return ErrGroupClosed
		}

		reservations, err := s.memberships.OpenReservationsTx(ctx, tx, groupID)
		if err != nil {
			return err
		}

		for _, res := range reservations {
			if g.PointsRequired > 0 {
				_, _, err := s.ledgerRepo.ApplyTx(ctx, tx, &ledger.Operation{
					UserID:      res.UserID,
					GroupID:     &groupID,
					Amount:      g.PointsRequired,
					Kind:        ledger.KindRelease,
					Description: "group dissolved",
				})
				if err != nil {
					return err
				}
			}
			if err := s.memberships.CloseTx(ctx, tx, res.MembershipID); err != nil {
				return err
			}
		}

		if err := s.repo.UpdateStatusTx(ctx, tx, groupID, StatusDissolved); err != nil {
			return err
		}
		g.Status = StatusDissolved
		group = g
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("group dissolved", zap.Int64("group_id", groupID))

	return group, nil
}

// StartElection opens an admin election for a candidate member
func (s *Service) StartElection(ctx context.Context, groupID, actorID, candidateID int64) (*voting.VotingSession, error) {
	if err := s.requireAdmin(ctx, groupID, actorID); err != nil {
		return nil, err
	}

	isMember, err := s.memberships.IsActiveMember(ctx, groupID, candidateID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, ErrNotMember
	}

	var session *voting.VotingSession
	err = database.WithTx(ctx, s.db, s.maxRetries, func(tx *sql.Tx) error {
		g, err := s.repo.GetForUpdateTx(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if g == nil {
			return ErrGroupNotFound
		}
		if g.IsClosed() {
			return ErrGroupClosed
		}

		eligible, err := s.memberships.CountEligibleVotersTx(ctx, tx, groupID)
		if err != nil {
			return err
		}

		created, err := s.votingRepo.CreateSessionTx(ctx, tx, &voting.VotingSession{
			GroupID:            groupID,
			Type:               voting.SessionTypeAdminElection,
			CandidateID:        &candidateID,
			Deadline:           time.Now().UTC().Add(s.votingDeadline),
			EligibleVoterCount: eligible,
		})
		if err != nil {
			return err
		}
		session = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	return session, nil
}

// CastElectionVote records one ballot in an admin election. When the ballot
// reaches quorum the candidate joins the admin set in the same transaction.
// A deadline that passes without quorum retains the incumbent admins.
func (s *Service) CastElectionVote(ctx context.Context, sessionID, voterID int64, approve bool) (*voting.VotingSession, voting.Outcome, error) {
	var (
		session *voting.VotingSession
		outcome voting.Outcome
		expired bool
	)

	// Peek at the session unlocked to learn its group; every workflow then
	// takes locks in the order group, account, session.
	peek, err := s.votingRepo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, voting.OutcomePending, err
	}
	if peek == nil {
		return nil, voting.OutcomePending, voting.ErrSessionNotFound
	}
	if peek.Type != voting.SessionTypeAdminElection {
		return nil, voting.OutcomePending, ErrWrongSessionType
	}

	err = database.WithTx(ctx, s.db, s.maxRetries, func(tx *sql.Tx) error {
		g, err := s.repo.GetForUpdateTx(ctx, tx, peek.GroupID)
		if err != nil {
			return err
		}
		if g == nil {
			return ErrGroupNotFound
		}
		if g.IsClosed() {
			return ErrGroupClosed
		}

		isMember, err := s.memberships.IsActiveMember(ctx, peek.GroupID, voterID)
		if err != nil {
			return err
		}
		if !isMember {
			return ErrNotMember
		}

		voted, result, err := s.votingRepo.CastVoteTx(ctx, tx, sessionID, voterID, approve)
		if err != nil {
			// Deadline expiry retains the incumbents. Commit the failed
			// marker instead of rolling it back with the vote error.
			if errors.Is(err, voting.ErrSessionClosed) && voted != nil && voted.Status == voting.SessionStatusFailed {
				session = voted
				outcome = voting.OutcomeFailed
				expired = true
				return nil
			}
			return err
		}

		if result == voting.OutcomeApproved && voted.CandidateID != nil {
			if err := s.repo.AddAdminTx(ctx, tx, peek.GroupID, *voted.CandidateID); err != nil {
				return err
			}
			if err := s.memberships.PromoteTx(ctx, tx, peek.GroupID, *voted.CandidateID); err != nil {
				return err
			}
			s.logger.Info("admin elected",
				zap.Int64("group_id", peek.GroupID),
				zap.Int64("user_id", *voted.CandidateID),
			)
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

// ListSessions retrieves a group's voting sessions
func (s *Service) ListSessions(ctx context.Context, groupID int64) ([]*voting.VotingSession, error) {
	group, err := s.repo.GetByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, ErrGroupNotFound
	}
	return s.votingRepo.ListByGroup(ctx, groupID)
}

func (s *Service) requireAdmin(ctx context.Context, groupID, actorID int64) error {
	isAdmin, err := s.repo.IsAdmin(ctx, groupID, actorID)
	if err != nil {
		return err
	}
	if !isAdmin {
		return ErrNotAuthorized
	}
	return nil
}
