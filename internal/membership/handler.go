package membership

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/msallal/groupbuy/internal/database"
	"github.com/msallal/groupbuy/internal/group"
	"github.com/msallal/groupbuy/internal/ledger"
	"github.com/msallal/groupbuy/internal/voting"
	"github.com/msallal/groupbuy/pkg/middleware"
	"github.com/msallal/groupbuy/pkg/response"
)

// Handler handles HTTP requests for membership operations
type Handler struct {
	service *Service
}

// NewHandler creates a new membership handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the router for membership endpoints
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.RequestJoin)
	r.Get("/", h.ListByGroup)
	r.Post("/{id}/resolve", h.Resolve)
	r.Post("/{id}/leave", h.Leave)
	r.Post("/votes/{sessionId}", h.CastApprovalVote)

	return r
}

// RequestJoin handles POST /memberships
// @Summary      Request to join a group
// @Description  Reserve the group's required points and open a join-approval vote among active members
// @Tags         memberships
// @Accept       json
// @Produce      json
// @Param        request body JoinRequest true "Join request"
// @Success      201 {object} response.APIResponse{data=JoinRequestResponse}
// @Failure      400 {object} response.APIResponse
// @Failure      409 {object} response.APIResponse
// @Failure      422 {object} response.APIResponse
// @Router       /memberships [post]
func (h *Handler) RequestJoin(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "Missing user identity")
		return
	}

	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	if req.GroupID <= 0 {
		response.BadRequest(w, "group_id is required")
		return
	}

	member, session, err := h.service.RequestJoin(r.Context(), req.GroupID, userID, req.IdempotencyKey)
	if err != nil {
		writeMembershipError(w, err)
		return
	}

	resp := &JoinRequestResponse{Membership: member.ToResponse()}
	if session != nil {
		resp.Session = session.ToResponse(session.CurrentOutcome(time.Now().UTC()))
	}

	response.JSON(w, http.StatusCreated, resp)
}

// ListByGroup handles GET /memberships?group_id=
// @Summary      List a group's memberships
// @Description  List memberships for a group, optionally filtered by status
// @Tags         memberships
// @Produce      json
// @Param        group_id query int true "Group ID"
// @Param        status query string false "Membership status filter"
// @Success      200 {object} response.APIResponse{data=[]MembershipResponse}
// @Failure      400 {object} response.APIResponse
// @Failure      404 {object} response.APIResponse
// @Router       /memberships [get]
func (h *Handler) ListByGroup(w http.ResponseWriter, r *http.Request) {
	groupID, err := strconv.ParseInt(r.URL.Query().Get("group_id"), 10, 64)
	if err != nil || groupID <= 0 {
		response.BadRequest(w, "group_id query parameter is required")
		return
	}

	var status *Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := Status(raw)
		status = &s
	}

	members, err := h.service.ListByGroup(r.Context(), groupID, status)
	if err != nil {
		writeMembershipError(w, err)
		return
	}

	responses := make([]*MembershipResponse, len(members))
	for i, m := range members {
		responses[i] = m.ToResponse()
	}

	response.JSON(w, http.StatusOK, responses)
}

// Resolve handles POST /memberships/{id}/resolve
// @Summary      Resolve a join request
// @Description  Approve or reject a pending join request as a group admin, closing its approval session
// @Tags         memberships
// @Accept       json
// @Produce      json
// @Param        id path int true "Membership ID"
// @Param        request body ResolveRequest true "Resolution"
// @Success      200 {object} response.APIResponse{data=MembershipResponse}
// @Failure      403 {object} response.APIResponse
// @Failure      404 {object} response.APIResponse
// @Failure      409 {object} response.APIResponse
// @Router       /memberships/{id}/resolve [post]
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "Missing user identity")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.BadRequest(w, "Invalid membership ID")
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	member, err := h.service.Resolve(r.Context(), id, actorID, req.Approve)
	if err != nil {
		writeMembershipError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, member.ToResponse())
}

// Leave handles POST /memberships/{id}/leave
// @Summary      Leave a group
// @Description  Withdraw the caller's own membership; an unfinalized reservation is released, finalized points stay spent
// @Tags         memberships
// @Produce      json
// @Param        id path int true "Membership ID"
// @Success      200 {object} response.APIResponse{data=MembershipResponse}
// @Failure      403 {object} response.APIResponse
// @Failure      404 {object} response.APIResponse
// @Failure      422 {object} response.APIResponse
// @Router       /memberships/{id}/leave [post]
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "Missing user identity")
		return
	}

	membershipID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.BadRequest(w, "Invalid membership ID")
		return
	}

	member, err := h.service.Leave(r.Context(), membershipID, userID)
	if err != nil {
		writeMembershipError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, member.ToResponse())
}

// CastApprovalVote handles POST /memberships/votes/{sessionId}
// @Summary      Vote on a join request
// @Description  Cast one ballot on a join-approval session; reaching quorum approves the request
// @Tags         memberships
// @Accept       json
// @Produce      json
// @Param        sessionId path int true "Voting session ID"
// @Param        request body CastVoteRequest true "Ballot"
// @Success      200 {object} response.APIResponse{data=voting.SessionResponse}
// @Failure      403 {object} response.APIResponse
// @Failure      404 {object} response.APIResponse
// @Failure      409 {object} response.APIResponse
// @Router       /memberships/votes/{sessionId} [post]
func (h *Handler) CastApprovalVote(w http.ResponseWriter, r *http.Request) {
	voterID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "Missing user identity")
		return
	}

	sessionID, err := strconv.ParseInt(chi.URLParam(r, "sessionId"), 10, 64)
	if err != nil {
		response.BadRequest(w, "Invalid session ID")
		return
	}

	var req CastVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	session, outcome, err := h.service.CastApprovalVote(r.Context(), sessionID, voterID, req.Approve)
	if err != nil {
		writeMembershipError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, session.ToResponse(outcome))
}

// writeMembershipError maps membership sentinels to HTTP error kinds
func writeMembershipError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrMembershipNotFound), errors.Is(err, group.ErrGroupNotFound), errors.Is(err, voting.ErrSessionNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, ErrDuplicateMembership):
		response.Conflict(w, "DUPLICATE_MEMBERSHIP", err.Error())
	case errors.Is(err, ErrAlreadyResolved):
		response.Conflict(w, "ALREADY_RESOLVED", err.Error())
	case errors.Is(err, ErrGroupFull):
		response.UnprocessableEntity(w, "GROUP_FULL", err.Error())
	case errors.Is(err, group.ErrGroupClosed):
		response.UnprocessableEntity(w, "GROUP_CLOSED", err.Error())
	case errors.Is(err, group.ErrNotAuthorized), errors.Is(err, ErrNotVoter):
		response.Forbidden(w, err.Error())
	case errors.Is(err, ErrWrongSession):
		response.BadRequest(w, err.Error())
	case errors.Is(err, ledger.ErrInsufficientPoints):
		response.UnprocessableEntity(w, "INSUFFICIENT_POINTS", err.Error())
	case errors.Is(err, voting.ErrDuplicateVote):
		response.Conflict(w, "DUPLICATE_VOTE", err.Error())
	case errors.Is(err, voting.ErrSessionClosed):
		response.Conflict(w, "SESSION_CLOSED", err.Error())
	case errors.Is(err, database.ErrConflict):
		response.Conflict(w, "CONFLICT", "Operation conflicted with a concurrent update, please retry")
	default:
		response.InternalError(w, "Membership operation failed")
	}
}
