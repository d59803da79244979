package voting

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/msallal/groupbuy/pkg/response"
)

// Handler handles HTTP requests for voting session reads
type Handler struct {
	service *Service
}

// NewHandler creates a new voting handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the router for voting endpoints
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{id}", h.GetSession)

	return r
}

// GetSession handles GET /sessions/{id}
// @Summary      Get a voting session
// @Description  Get a session with its tallies and evaluated outcome
// @Tags         voting
// @Produce      json
// @Param        id path int true "Session ID"
// @Success      200 {object} response.APIResponse{data=SessionResponse}
// @Failure      404 {object} response.APIResponse
// @Router       /sessions/{id} [get]
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.BadRequest(w, "Invalid session ID")
		return
	}

	session, outcome, err := h.service.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			response.NotFound(w, err.Error())
			return
		}
		response.InternalError(w, "Failed to get session")
		return
	}

	response.JSON(w, http.StatusOK, session.ToResponse(outcome))
}
