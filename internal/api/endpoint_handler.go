package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/vdavid/mailhook/internal/guard"
	"github.com/vdavid/mailhook/internal/logger"
	"github.com/vdavid/mailhook/internal/models"
)

// Endpoints is implemented by db.GuardStore. Unknown or foreign ids yield
// guard.ErrEndpointNotFound.
type Endpoints interface {
	CreateEndpoint(ctx context.Context, endpoint *models.Endpoint) error
	GetEndpoint(ctx context.Context, userID, endpointID string) (*models.Endpoint, error)
	SetEndpointActive(ctx context.Context, userID, endpointID string, active bool) error
}

type EndpointHandler struct {
	users     UserLookup
	endpoints Endpoints
}

func NewEndpointHandler(users UserLookup, endpoints Endpoints) *EndpointHandler {
	return &EndpointHandler{users: users, endpoints: endpoints}
}

type endpointRequest struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	IsActive *bool  `json:"is_active,omitempty"`
}

type endpointActiveRequest struct {
	IsActive bool `json:"is_active"`
}

// CreateEndpoint handles POST /api/v1/endpoints. New endpoints are active
// unless is_active is false.
func (h *EndpointHandler) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, h.users)
	if !ok {
		return
	}

	var req endpointRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !validEndpointURL(req.URL) {
		writeError(w, http.StatusBadRequest, "url must be an absolute http or https URL")
		return
	}

	endpoint := &models.Endpoint{
		UserID:   userID,
		Name:     name,
		URL:      req.URL,
		IsActive: req.IsActive == nil || *req.IsActive,
	}
	if err := h.endpoints.CreateEndpoint(ctx, endpoint); err != nil {
		writeEndpointError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, endpoint)
}

// GetEndpoint handles GET /api/v1/endpoints/{id}.
func (h *EndpointHandler) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, h.users)
	if !ok {
		return
	}

	endpoint, err := h.endpoints.GetEndpoint(ctx, userID, mux.Vars(r)["id"])
	if err != nil {
		writeEndpointError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, endpoint)
}

// SetActive handles PUT /api/v1/endpoints/{id}/active.
func (h *EndpointHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, h.users)
	if !ok {
		return
	}

	var req endpointActiveRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	endpointID := mux.Vars(r)["id"]
	if err := h.endpoints.SetEndpointActive(ctx, userID, endpointID, req.IsActive); err != nil {
		writeEndpointError(w, err)
		return
	}

	endpoint, err := h.endpoints.GetEndpoint(ctx, userID, endpointID)
	if err != nil {
		writeEndpointError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, endpoint)
}

func validEndpointURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func writeEndpointError(w http.ResponseWriter, err error) {
	if errors.Is(err, guard.ErrEndpointNotFound) {
		writeError(w, http.StatusNotFound, "Endpoint not found")
		return
	}
	logger.Error("EndpointHandler: Request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}
