package voting

// SessionResponse represents a voting session
type SessionResponse struct {
	ID                 int64  `json:"id"`
	GroupID            int64  `json:"group_id"`
	Type               string `json:"type"`
	SubjectID          *int64 `json:"subject_id,omitempty"`
	CandidateID        *int64 `json:"candidate_id,omitempty"`
	Status             string `json:"status"`
	Outcome            string `json:"outcome"`
	Deadline           string `json:"deadline"`
	VotesFor           int    `json:"votes_for"`
	VotesAgainst       int    `json:"votes_against"`
	EligibleVoterCount int    `json:"eligible_voter_count"`
	RequiredVotes      int    `json:"required_votes"`
	CreatedAt          string `json:"created_at"`
}

// ToResponse converts a VotingSession model to a SessionResponse DTO
func (s *VotingSession) ToResponse(outcome Outcome) *SessionResponse {
	return &SessionResponse{
		ID:                 s.ID,
		GroupID:            s.GroupID,
		Type:               string(s.Type),
		SubjectID:          s.SubjectID,
		CandidateID:        s.CandidateID,
		Status:             string(s.Status),
		Outcome:            string(outcome),
		Deadline:           s.Deadline.Format("2006-01-02T15:04:05Z"),
		VotesFor:           s.VotesFor,
		VotesAgainst:       s.VotesAgainst,
		EligibleVoterCount: s.EligibleVoterCount,
		RequiredVotes:      RequiredVotes(s.EligibleVoterCount),
		CreatedAt:          s.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}
}
