package voting

import "time"

// SessionType represents what a voting session decides
type SessionType string

const (
	SessionTypeAdminElection SessionType = "ADMIN_ELECTION"
	SessionTypeJoinApproval  SessionType = "JOIN_APPROVAL"
	SessionTypeOther         SessionType = "OTHER"
)

// SessionStatus represents the status of a voting session
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "ACTIVE"
	SessionStatusCompleted SessionStatus = "COMPLETED"
	SessionStatusFailed    SessionStatus = "FAILED"
)

// Outcome is the evaluated state of a session against the quorum rule
type Outcome string

const (
	OutcomePending  Outcome = "PENDING"
	OutcomeApproved Outcome = "APPROVED"
	OutcomeFailed   Outcome = "FAILED"
)

// VotingSession is one election or approval round within a group.
// SubjectID points at the membership under approval; CandidateID at the
// member standing for admin. Tallies are denormalized onto the row and
// updated in the same transaction as each vote.
type VotingSession struct {
	ID                 int64         `json:"id"`
	GroupID            int64         `json:"group_id"`
	Type               SessionType   `json:"type"`
	SubjectID          *int64        `json:"subject_id,omitempty"`
	CandidateID        *int64        `json:"candidate_id,omitempty"`
	Status             SessionStatus `json:"status"`
	Deadline           time.Time     `json:"deadline"`
	VotesFor           int           `json:"votes_for"`
	VotesAgainst       int           `json:"votes_against"`
	EligibleVoterCount int           `json:"eligible_voter_count"`
	CreatedAt          time.Time     `json:"created_at"`
}

// Vote is one voter's ballot in a session. The (session, voter) pair is
// unique; a second ballot from the same voter is rejected, not recounted.
type Vote struct {
	SessionID int64     `json:"session_id"`
	VoterID   int64     `json:"voter_id"`
	Approve   bool      `json:"approve"`
	CreatedAt time.Time `json:"created_at"`
}

// CurrentOutcome is the session's outcome as of now, trusting a persisted
// terminal status over re-evaluation.
func (s *VotingSession) CurrentOutcome(now time.Time) Outcome {
	switch s.Status {
	case SessionStatusCompleted:
		return OutcomeApproved
	case SessionStatusFailed:
		return OutcomeFailed
	}
	return s.Evaluate(now)
}

// RequiredVotes is the two-thirds quorum: ceil(2 * eligible / 3)
func RequiredVotes(eligibleVoterCount int) int {
	if eligibleVoterCount <= 0 {
		return 0
	}
	return (2*eligibleVoterCount + 2) / 3
}

// Evaluate resolves the session state at the given instant. Approval wins
// as soon as quorum is reached. A session past its deadline fails, as does
// one where quorum is already mathematically unreachable.
func (s *VotingSession) Evaluate(now time.Time) Outcome {
	required := RequiredVotes(s.EligibleVoterCount)

	if s.VotesFor >= required {
		return OutcomeApproved
	}
	if now.After(s.Deadline) {
		return OutcomeFailed
	}

	remaining := s.EligibleVoterCount - s.VotesFor - s.VotesAgainst
	if remaining < 0 {
		remaining = 0
	}
	if s.VotesFor+remaining < required {
		return OutcomeFailed
	}

	return OutcomePending
}
