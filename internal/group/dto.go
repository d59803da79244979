package group

// CreateGroupRequest represents the request to create a new group
type CreateGroupRequest struct {
	Name           string `json:"name" validate:"required,min=1,max=100"`
	PointsRequired int64  `json:"points_required" validate:"gte=0"`
	MinMembers     int    `json:"min_members" validate:"required,gte=1"`
	MaxMembers     int    `json:"max_members" validate:"required,gtefield=MinMembers"`
}

// AdvancePhaseRequest represents the request to move a group to a new phase
type AdvancePhaseRequest struct {
	Phase Phase `json:"phase" validate:"required"`
}

// StartElectionRequest represents the request to open an admin election
type StartElectionRequest struct {
	CandidateID int64 `json:"candidate_id" validate:"required"`
}

// CastVoteRequest represents one ballot
type CastVoteRequest struct {
	Approve bool `json:"approve"`
}

// GroupResponse represents the response for a group
type GroupResponse struct {
	ID             int64   `json:"id"`
	CreatorID      int64   `json:"creator_id"`
	Name           string  `json:"name"`
	Status         Status  `json:"status"`
	CurrentPhase   Phase   `json:"current_phase"`
	PointsRequired int64   `json:"points_required"`
	MinMembers     int     `json:"min_members"`
	MaxMembers     int     `json:"max_members"`
	RoundNumber    int     `json:"round_number"`
	AdminIDs       []int64 `json:"admin_ids,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// ToResponse converts a Group model to a GroupResponse DTO
func (g *Group) ToResponse() *GroupResponse {
	return &GroupResponse{
		ID:             g.ID,
		CreatorID:      g.CreatorID,
		Name:           g.Name,
		Status:         g.Status,
		CurrentPhase:   g.CurrentPhase,
		PointsRequired: g.PointsRequired,
		MinMembers:     g.MinMembers,
		MaxMembers:     g.MaxMembers,
		RoundNumber:    g.RoundNumber,
		AdminIDs:       g.AdminIDs,
		CreatedAt:      g.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}
}
