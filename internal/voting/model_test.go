package voting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequiredVotes(t *testing.T) {
	tests := []struct {
		eligible int
		want     int
	}{
		{0, 0},
		{-1, 0},
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{5, 4},
		{6, 4},
		{9, 6},
		{10, 7},
		{100, 67},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RequiredVotes(tt.eligible), "eligible=%d", tt.eligible)
	}
}

func TestEvaluate_QuorumReached(t *testing.T) {
	session := &VotingSession{
		Status:             SessionStatusActive,
		Deadline:           time.Now().Add(time.Hour),
		EligibleVoterCount: 3,
		VotesFor:           2,
	}

	assert.Equal(t, OutcomeApproved, session.Evaluate(time.Now()))
}

func TestEvaluate_PendingBeforeDeadline(t *testing.T) {
	session := &VotingSession{
		Status:             SessionStatusActive,
		Deadline:           time.Now().Add(time.Hour),
		EligibleVoterCount: 3,
		VotesFor:           1,
	}

	assert.Equal(t, OutcomePending, session.Evaluate(time.Now()))
}

func TestEvaluate_DeadlinePassed(t *testing.T) {
	session := &VotingSession{
		Status:             SessionStatusActive,
		Deadline:           time.Now().Add(-time.Minute),
		EligibleVoterCount: 3,
		VotesFor:           1,
	}

	assert.Equal(t, OutcomeFailed, session.Evaluate(time.Now()))
}

func TestEvaluate_ApprovalBeatsDeadline(t *testing.T) {
	// Quorum reached before the deadline stays approved even when
	// evaluated after it.
	session := &VotingSession{
		Status:             SessionStatusActive,
		Deadline:           time.Now().Add(-time.Minute),
		EligibleVoterCount: 3,
		VotesFor:           2,
	}

	assert.Equal(t, OutcomeApproved, session.Evaluate(time.Now()))
}

func TestEvaluate_QuorumUnreachable(t *testing.T) {
	// 5 eligible, quorum 4: with 3 against, at most 2 can still approve.
	session := &VotingSession{
		Status:             SessionStatusActive,
		Deadline:           time.Now().Add(time.Hour),
		EligibleVoterCount: 5,
		VotesFor:           1,
		VotesAgainst:       3,
	}

	assert.Equal(t, OutcomeFailed, session.Evaluate(time.Now()))
}

func TestEvaluate_ZeroEligibleApproves(t *testing.T) {
	session := &VotingSession{
		Status:   SessionStatusActive,
		Deadline: time.Now().Add(time.Hour),
	}

	assert.Equal(t, OutcomeApproved, session.Evaluate(time.Now()))
}

func TestCurrentOutcome_TrustsPersistedStatus(t *testing.T) {
	now := time.Now()

	completed := &VotingSession{Status: SessionStatusCompleted, Deadline: now.Add(-time.Hour)}
	assert.Equal(t, OutcomeApproved, completed.CurrentOutcome(now))

	failed := &VotingSession{
		Status:             SessionStatusFailed,
		Deadline:           now.Add(time.Hour),
		EligibleVoterCount: 3,
		VotesFor:           2,
	}
	assert.Equal(t, OutcomeFailed, failed.CurrentOutcome(now))
}

func TestCurrentOutcome_EvaluatesActiveSession(t *testing.T) {
	session := &VotingSession{
		Status:             SessionStatusActive,
		Deadline:           time.Now().Add(-time.Minute),
		EligibleVoterCount: 3,
	}

	assert.Equal(t, OutcomeFailed, session.CurrentOutcome(time.Now()))
}
