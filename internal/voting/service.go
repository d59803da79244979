package voting

import (
	"context"
	"time"
)

// Service exposes the read side of voting sessions. Ballot casting lives on
// the membership and group workflows, which validate voter eligibility and
// apply the consequences of a resolved session in the same transaction.
type Service struct {
	repo *Repository
}

// NewService creates a new voting service
func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

// GetSession retrieves a session by ID along with its evaluated outcome.
// Reading never mutates; a session past its deadline reports OutcomeFailed
// here and is persisted as failed the next time a write path touches it.
func (s *Service) GetSession(ctx context.Context, id int64) (*VotingSession, Outcome, error) {
	session, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, OutcomePending, err
	}
	if session == nil {
		return nil, OutcomePending, ErrSessionNotFound
	}

	return session, session.CurrentOutcome(time.Now().UTC()), nil
}
