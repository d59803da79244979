package ledger

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/msallal/groupbuy/internal/database"
	"github.com/msallal/groupbuy/pkg/response"
)

// Handler handles HTTP requests for escrow and ledger operations
type Handler struct {
	service *Service
}

// NewHandler creates a new ledger handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the router for points endpoints
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/earn", h.Earn)
	r.Post("/hold", h.Hold)
	r.Post("/release", h.Release)
	r.Post("/deduct", h.Deduct)
	r.Get("/{userId}", h.GetAccount)
	r.Get("/{userId}/transactions", h.ListTransactions)

	return r
}

// Earn handles POST /points/earn
// @Summary      Credit points to a user
// @Description  Increment a user's total balance, creating the account if needed
// @Tags         points
// @Accept       json
// @Produce      json
// @Param        request body EarnRequest true "Earn request"
// @Success      200 {object} response.APIResponse{data=ResultResponse}
// @Failure      400 {object} response.APIResponse
// @Router       /points/earn [post]
func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	var req EarnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	result, err := h.service.Earn(r.Context(), req.UserID, req.Amount, req.Reason, req.IdempotencyKey)
	if err != nil {
		writeEscrowError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, result.ToResponse())
}

// Hold handles POST /points/hold
// @Summary      Reserve points
// @Description  Reserve points against a user's available balance
// @Tags         points
// @Accept       json
// @Produce      json
// @Param        request body EscrowRequest true "Hold request"
// @Success      200 {object} response.APIResponse{data=ResultResponse}
// @Failure      422 {object} response.APIResponse
// @Router       /points/hold [post]
func (h *Handler) Hold(w http.ResponseWriter, r *http.Request) {
	var req EscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	result, err := h.service.Hold(r.Context(), req.UserID, req.GroupID, req.Amount, req.Reason, req.IdempotencyKey)
	if err != nil {
		writeEscrowError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, result.ToResponse())
}

// Release handles POST /points/release
// @Summary      Release held points
// @Description  Cancel a hold, returning points to the available balance
// @Tags         points
// @Accept       json
// @Produce      json
// @Param        request body EscrowRequest true "Release request"
// @Success      200 {object} response.APIResponse{data=ResultResponse}
// @Failure      422 {object} response.APIResponse
// @Router       /points/release [post]
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	var req EscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	result, err := h.service.Release(r.Context(), req.UserID, req.GroupID, req.Amount, req.Reason, req.IdempotencyKey)
	if err != nil {
		writeEscrowError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, result.ToResponse())
}

// Deduct handles POST /points/deduct
// @Summary      Finalize held points
// @Description  Convert a previously held amount into a permanent spend
// @Tags         points
// @Accept       json
// @Produce      json
// @Param        request body EscrowRequest true "Deduct request"
// @Success      200 {object} response.APIResponse{data=ResultResponse}
// @Failure      422 {object} response.APIResponse
// @Router       /points/deduct [post]
func (h *Handler) Deduct(w http.ResponseWriter, r *http.Request) {
	var req EscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	result, err := h.service.Deduct(r.Context(), req.UserID, req.GroupID, req.Amount, req.Reason, req.IdempotencyKey)
	if err != nil {
		writeEscrowError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, result.ToResponse())
}

// GetAccount handles GET /points/{userId}
// @Summary      Get a points account
// @Description  Get a user's balance snapshot
// @Tags         points
// @Produce      json
// @Param        userId path int true "User ID"
// @Success      200 {object} response.APIResponse{data=AccountResponse}
// @Router       /points/{userId} [get]
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userId"), 10, 64)
	if err != nil {
		response.BadRequest(w, "Invalid user ID")
		return
	}

	account, err := h.service.GetAccount(r.Context(), userID)
	if err != nil {
		response.InternalError(w, "Failed to get account")
		return
	}

	response.JSON(w, http.StatusOK, account.ToResponse())
}

// ListTransactions handles GET /points/{userId}/transactions
// @Summary      List point transactions
// @Description  Get a user's transaction log, newest first
// @Tags         points
// @Produce      json
// @Param        userId path int true "User ID"
// @Param        page query int false "Page number" default(1)
// @Param        per_page query int false "Items per page" default(20)
// @Success      200 {object} response.APIResponse{data=[]TransactionResponse}
// @Router       /points/{userId}/transactions [get]
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userId"), 10, 64)
	if err != nil {
		response.BadRequest(w, "Invalid user ID")
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}

	txns, total, err := h.service.ListTransactions(r.Context(), userID, page, perPage)
	if err != nil {
		response.InternalError(w, "Failed to list transactions")
		return
	}

	responses := make([]*TransactionResponse, len(txns))
	for i, txn := range txns {
		responses[i] = txn.ToResponse()
	}

	totalPages := (total + perPage - 1) / perPage
	meta := &response.Meta{
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages,
	}

	response.JSONWithMeta(w, http.StatusOK, responses, meta)
}

// writeEscrowError maps escrow sentinels to HTTP error kinds
func writeEscrowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInsufficientPoints):
		response.UnprocessableEntity(w, "INSUFFICIENT_POINTS", err.Error())
	case errors.Is(err, ErrInvalidAmount):
		response.BadRequest(w, err.Error())
	case errors.Is(err, ErrInvalidReleaseAmount), errors.Is(err, ErrInvariantViolation):
		response.UnprocessableEntity(w, "INVALID_RELEASE_AMOUNT", err.Error())
	case errors.Is(err, database.ErrConflict):
		response.Conflict(w, "CONFLICT", "Operation conflicted with a concurrent update, please retry")
	default:
		response.InternalError(w, "Escrow operation failed")
	}
}
