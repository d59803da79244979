package ledger

// EscrowRequest is the request body shared by hold, release and deduct
type EscrowRequest struct {
	UserID         int64   `json:"user_id" validate:"required"`
	GroupID        *int64  `json:"group_id,omitempty"`
	Amount         int64   `json:"amount" validate:"required,gt=0"`
	Reason         string  `json:"reason,omitempty"`
	IdempotencyKey *string `json:"idempotency_key,omitempty"`
}

// EarnRequest is the request body for crediting points
type EarnRequest struct {
	UserID         int64   `json:"user_id" validate:"required"`
	Amount         int64   `json:"amount" validate:"required,gt=0"`
	Reason         string  `json:"reason,omitempty"`
	IdempotencyKey *string `json:"idempotency_key,omitempty"`
}

// AccountResponse represents a points account snapshot
type AccountResponse struct {
	UserID          int64 `json:"user_id"`
	TotalPoints     int64 `json:"total_points"`
	HeldPoints      int64 `json:"held_points"`
	AvailablePoints int64 `json:"available_points"`
}

// TransactionResponse represents one ledger entry
type TransactionResponse struct {
	ID          string `json:"id"`
	UserID      int64  `json:"user_id"`
	GroupID     *int64 `json:"group_id,omitempty"`
	Amount      int64  `json:"amount"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

// ResultResponse represents the outcome of an escrow operation
type ResultResponse struct {
	Transaction *TransactionResponse `json:"transaction"`
	Account     *AccountResponse     `json:"account"`
	Replayed    bool                 `json:"replayed"`
}

// ToResponse converts a PointsAccount model to an AccountResponse DTO
func (a *PointsAccount) ToResponse() *AccountResponse {
	return &AccountResponse{
		UserID:          a.UserID,
		TotalPoints:     a.TotalPoints,
		HeldPoints:      a.HeldPoints,
		AvailablePoints: a.AvailablePoints(),
	}
}

// ToResponse converts a PointTransaction model to a TransactionResponse DTO
func (t *PointTransaction) ToResponse() *TransactionResponse {
	return &TransactionResponse{
		ID:          t.ID.String(),
		UserID:      t.UserID,
		GroupID:     t.GroupID,
		Amount:      t.Amount,
		Kind:        string(t.Kind),
		Description: t.Description,
		CreatedAt:   t.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}
}

// ToResponse converts a Result to a ResultResponse DTO
func (r *Result) ToResponse() *ResultResponse {
	resp := &ResultResponse{Replayed: r.Replayed}
	if r.Transaction != nil {
		resp.Transaction = r.Transaction.ToResponse()
	}
	if r.Account != nil {
		resp.Account = r.Account.ToResponse()
	}
	return resp
}
