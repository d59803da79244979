package group

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/msallal/groupbuy/internal/database"
	"github.com/msallal/groupbuy/internal/voting"
	"github.com/msallal/groupbuy/pkg/middleware"
	"github.com/msallal/groupbuy/pkg/response"
)

// Handler handles HTTP requests for group operations
type Handler struct {
	service *Service
}

// NewHandler creates a new group handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the router for group endpoints
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.GetByID)
	r.Post("/{id}/advance", h.AdvancePhase)
	r.Post("/{id}/dissolve", h.Dissolve)

	// Admin elections
	r.Post("/{id}/elections", h.StartElection)
	r.Get("/{id}/sessions", h.ListSessions)
	r.Post("/elections/{sessionId}/votes", h.CastElectionVote)

	return r
}

// Create handles POST /groups
// @Summary      Create a new group
// @Description  Create a purchasing group; the creator becomes its first admin
// @Tags         groups
// @Accept       json
// @Produce      json
// @Param        request body CreateGroupRequest true "Group creation request"
// @Success      201 {object} response.APIResponse{data=GroupResponse}
// @Failure      400 {object} response.APIResponse
// @Router       /groups [post]
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "Missing user identity")
		return
	}

	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	if req.Name == "" || req.MinMembers < 1 || req.MaxMembers < req.MinMembers || req.PointsRequired < 0 {
		response.BadRequest(w, "Invalid group parameters")
		return
	}

	group, err := h.service.Create(r.Context(), creatorID, &req)
	if err != nil {
		response.InternalError(w, "Failed to create group")
		return
	}

	response.JSON(w, http.StatusCreated, group.ToResponse())
}

// GetByID handles GET /groups/{id}
// @Summary      Get group by ID
// @Description  Get a group with its admin set
// @Tags         groups
// @Produce      json
// @Param        id path int true "Group ID"
// @Success      200 {object} response.APIResponse{data=GroupResponse}
// @Failure      404 {object} response.APIResponse
// @Router       /groups/{id} [get]
func (h *Handler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.BadRequest(w, "Invalid group ID")
		return
	}

	group, err := h.service.GetByID(r.Context(), id)
	if err != nil {
		writeGroupError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, group.ToResponse())
}

// List handles GET /groups
// @Summary      List groups
// @Description  Get a paginated list of groups, optionally filtered by status
// @Tags         groups
// @Produce      json
// @Param        status query string false "Status filter"
// @Param        page query int false "Page number" default(1)
// @Param        per_page query int false "Items per page" default(20)
// @Success      200 {object} response.APIResponse{data=[]GroupResponse}
// @Router       /groups [get]
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}

	var status *Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := Status(raw)
		status = &s
	}

	groups, total, err := h.service.List(r.Context(), status, page, perPage)
	if err != nil {
		response.InternalError(w, "Failed to list groups")
		return
	}

	responses := make([]*GroupResponse, len(groups))
	for i, group := range groups {
		responses[i] = group.ToResponse()
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

// AdvancePhase handles POST /groups/{id}/advance
// @Summary      Advance group phase
// @Description  Move a group along the negotiation track (admin only)
// @Tags         groups
// @Accept       json
// @Produce      json
// @Param        id path int true "Group ID"
// @Param        request body AdvancePhaseRequest true "Target phase"
// @Success      200 {object} response.APIResponse{data=GroupResponse}
// @Failure      403 {object} response.APIResponse
// @Failure      422 {object} response.APIResponse
// @Router       /groups/{id}/advance [post]
func (h *Handler) AdvancePhase(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.BadRequest(w, "Invalid group ID")
		return
	}

	actorID, _ := middleware.GetUserID(r.Context())

	var req AdvancePhaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	group, err := h.service.AdvancePhase(r.Context(), id, actorID, req.Phase)
	if err != nil {
		writeGroupError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, group.ToResponse())
}

// Dissolve handles POST /groups/{id}/dissolve
// @Summary      Dissolve a group
// @Description  Retire a group and release all outstanding held reservations (admin only)
// @Tags         groups
// @Produce      json
// @Param        id path int true "Group ID"
// @Success      200 {object} response.APIResponse{data=GroupResponse}
// @Failure      403 {object} response.APIResponse
// @Router       /groups/{id}/dissolve [post]
func (h *Handler) Dissolve(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.BadRequest(w, "Invalid group ID")
		return
	}

	actorID, _ := middleware.GetUserID(r.Context())

	group, err := h.service.Dissolve(r.Context(), id, actorID)
	if err != nil {
		writeGroupError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, group.ToResponse())
}

// StartElection handles POST /groups/{id}/elections
// @Summary      Start an admin election
// @Description  Open an admin election for a candidate member (admin only)
// @Tags         groups
// @Accept       json
// @Produce      json
// @Param        id path int true "Group ID"
// @Param        request body StartElectionRequest true "Candidate"
// @Success      201 {object} response.APIResponse{data=voting.SessionResponse}
// @Failure      403 {object} response.APIResponse
// @Router       /groups/{id}/elections [post]
func (h *Handler) StartElection(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.BadRequest(w, "Invalid group ID")
		return
	}

	actorID, _ := middleware.GetUserID(r.Context())

	var req StartElectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	session, err := h.service.StartElection(r.Context(), id, actorID, req.CandidateID)
	if err != nil {
		writeGroupError(w, err)
		return
	}

	response.JSON(w, http.StatusCreated, session.ToResponse(voting.OutcomePending))
}

// CastElectionVote handles POST /groups/elections/{sessionId}/votes
// @Summary      Vote in an admin election
// @Description  Cast one ballot; quorum approval promotes the candidate
// @Tags         groups
// @Accept       json
// @Produce      json
// @Param        sessionId path int true "Session ID"
// @Param        request body CastVoteRequest true "Ballot"
// @Success      200 {object} response.APIResponse{data=voting.SessionResponse}
// @Failure      409 {object} response.APIResponse
// @Router       /groups/elections/{sessionId}/votes [post]
func (h *Handler) CastElectionVote(w http.ResponseWriter, r *http.Request) {
	sessionID, err := strconv.ParseInt(chi.URLParam(r, "sessionId"), 10, 64)
	if err != nil {
		response.BadRequest(w, "Invalid session ID")
		return
	}

	voterID, _ := middleware.GetUserID(r.Context())

	var req CastVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	session, outcome, err := h.service.CastElectionVote(r.Context(), sessionID, voterID, req.Approve)
	if err != nil {
		writeGroupError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, session.ToResponse(outcome))
}

// ListSessions handles GET /groups/{id}/sessions
// @Summary      List voting sessions
// @Description  Get every voting session in a group, newest first
// @Tags         groups
// @Produce      json
// @Param        id path int true "Group ID"
// @Success      200 {object} response.APIResponse{data=[]voting.SessionResponse}
// @Router       /groups/{id}/sessions [get]
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.BadRequest(w, "Invalid group ID")
		return
	}

	sessions, err := h.service.ListSessions(r.Context(), id)
	if err != nil {
		writeGroupError(w, err)
		return
	}

	now := time.Now().UTC()
	responses := make([]*voting.SessionResponse, len(sessions))
	for i, session := range sessions {
		responses[i] = session.ToResponse(session.CurrentOutcome(now))
	}

	response.JSON(w, http.StatusOK, responses)
}

// writeGroupError maps group sentinels to HTTP error kinds
func writeGroupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrGroupNotFound), errors.Is(err, voting.ErrSessionNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, ErrNotAuthorized):
		response.Forbidden(w, err.Error())
	case errors.Is(err, ErrGroupClosed):
		response.UnprocessableEntity(w, "GROUP_CLOSED", err.Error())
	case errors.Is(err, ErrInvalidTransition):
		response.UnprocessableEntity(w, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, ErrNotMember):
		response.Forbidden(w, err.Error())
	case errors.Is(err, ErrWrongSessionType):
		response.BadRequest(w, err.Error())
	case errors.Is(err, voting.ErrDuplicateVote):
		response.Conflict(w, "DUPLICATE_VOTE", err.Error())
	case errors.Is(err, voting.ErrSessionClosed):
		response.Conflict(w, "SESSION_CLOSED", err.Error())
	case errors.Is(err, database.ErrConflict):
		response.Conflict(w, "CONFLICT", "Operation conflicted with a concurrent update, please retry")
	default:
		response.InternalError(w, "Group operation failed")
	}
}
