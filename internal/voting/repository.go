package voting

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/msallal/groupbuy/internal/database"
)

// Common errors
var (
	ErrSessionNotFound = errors.New("voting session not found")
	ErrSessionClosed   = errors.New("voting session is no longer active")
	ErrDuplicateVote   = errors.New("voter has already cast a ballot in this session")
)

// Repository handles voting session and ballot persistence. Mutations carry
// tx variants so callers can resolve a session and apply its consequences
// in one transaction.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new voting repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const sessionColumns = `id, group_id, type, subject_id, candidate_id, status, deadline, votes_for, votes_against, eligible_voter_count, created_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*VotingSession, error) {
	s := &VotingSession{}
	err := row.Scan(
		&s.ID,
		&s.GroupID,
		&s.Type,
		&s.SubjectID,
		&s.CandidateID,
		&s.Status,
		&s.Deadline,
		&s.VotesFor,
		&s.VotesAgainst,
		&s.EligibleVoterCount,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CreateSessionTx inserts a new active session inside tx
func (r *Repository) CreateSessionTx(ctx context.Context, tx *sql.Tx, session *VotingSession) (*VotingSession, error) {
	query := `
		INSERT INTO voting_sessions (group_id, type, subject_id, candidate_id, status, deadline, eligible_voter_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + sessionColumns

	created, err := scanSession(tx.QueryRowContext(ctx, query,
		session.GroupID,
		session.Type,
		session.SubjectID,
		session.CandidateID,
		SessionStatusActive,
		session.Deadline,
		session.EligibleVoterCount,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create voting session: %w", err)
	}

	return created, nil
}

// GetSession retrieves a session by its ID
func (r *Repository) GetSession(ctx context.Context, id int64) (*VotingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM voting_sessions WHERE id = $1`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get voting session: %w", err)
	}

	return session, nil
}

// GetSessionForUpdateTx retrieves a session by ID and locks its row
func (r *Repository) GetSessionForUpdateTx(ctx context.Context, tx *sql.Tx, id int64) (*VotingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM voting_sessions WHERE id = $1 FOR UPDATE`

	session, err := scanSession(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock voting session: %w", err)
	}

	return session, nil
}

// ListByGroup retrieves all sessions for a group, newest first
func (r *Repository) ListByGroup(ctx context.Context, groupID int64) ([]*VotingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM voting_sessions WHERE group_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list voting sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*VotingSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan voting session: %w", err)
		}
		sessions = append(sessions, session)
	}

	return sessions, nil
}

// UpdateStatusTx sets a session's status inside tx
func (r *Repository) UpdateStatusTx(ctx context.Context, tx *sql.Tx, id int64, status SessionStatus) error {
	query := `UPDATE voting_sessions SET status = $2 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id, status); err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

// CloseOpenBySubjectTx closes the active session attached to a subject,
// if any. Used when a join request is resolved directly by an admin.
func (r *Repository) CloseOpenBySubjectTx(ctx context.Context, tx *sql.Tx, subjectID int64, status SessionStatus) error {
	query := `UPDATE voting_sessions SET status = $2 WHERE subject_id = $1 AND status = $3`
	if _, err := tx.ExecContext(ctx, query, subjectID, status, SessionStatusActive); err != nil {
		return fmt.Errorf("failed to close session for subject: %w", err)
	}
	return nil
}

// CastVoteTx records one ballot inside tx and returns the session with its
// updated tallies and evaluated status. The session row is locked first, so
// concurrent ballots serialize; a duplicate ballot from the same voter
// returns ErrDuplicateVote.
func (r *Repository) CastVoteTx(ctx context.Context, tx *sql.Tx, sessionID, voterID int64, approve bool) (*VotingSession, Outcome, error) {
	session, err := r.GetSessionForUpdateTx(ctx, tx, sessionID)
	if err != nil {
		return nil, OutcomePending, err
	}
	if session == nil {
		return nil, OutcomePending, ErrSessionNotFound
	}
	if session.Status != SessionStatusActive {
		return nil, OutcomePending, ErrSessionClosed
	}

	now := time.Now().UTC()
	if outcome := session.Evaluate(now); outcome == OutcomeFailed {
		// Deadline passed without quorum; expire lazily instead of counting.
		if err := r.UpdateStatusTx(ctx, tx, sessionID, SessionStatusFailed); err != nil {
			return nil, OutcomePending, err
		}
		session.Status = SessionStatusFailed
		return session, OutcomeFailed, ErrSessionClosed
	}

	insert := `INSERT INTO votes (session_id, voter_id, approve) VALUES ($1, $2, $3)`
	if _, err := tx.ExecContext(ctx, insert, sessionID, voterID, approve); err != nil {
		if database.IsUniqueViolation(err, "") {
			return nil, OutcomePending, ErrDuplicateVote
		}
		return nil, OutcomePending, fmt.Errorf("failed to record vote: %w", err)
	}

	if approve {
		session.VotesFor++
	} else {
		session.VotesAgainst++
	}

	update := `UPDATE voting_sessions SET votes_for = $2, votes_against = $3 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, update, sessionID, session.VotesFor, session.VotesAgainst); err != nil {
		return nil, OutcomePending, fmt.Errorf("failed to update tallies: %w", err)
	}

	outcome := session.Evaluate(now)
	switch outcome {
	case OutcomeApproved:
		if err := r.UpdateStatusTx(ctx, tx, sessionID, SessionStatusCompleted); err != nil {
			return nil, OutcomePending, err
		}
		session.Status = SessionStatusCompleted
	case OutcomeFailed:
		if err := r.UpdateStatusTx(ctx, tx, sessionID, SessionStatusFailed); err != nil {
			return nil, OutcomePending, err
		}
		session.Status = SessionStatusFailed
	}

	return session, outcome, nil
}
