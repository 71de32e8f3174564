package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/vdavid/mailhook/internal/guard"
	"github.com/vdavid/mailhook/internal/logger"
	"github.com/vdavid/mailhook/internal/models"
	"github.com/vdavid/mailhook/internal/parser"
	"github.com/vdavid/mailhook/internal/storage"
)

// GuardRules is implemented by guard.Service.
type GuardRules interface {
	CreateRule(ctx context.Context, userID string, in guard.RuleInput) (*models.GuardRule, error)
	UpdateRule(ctx context.Context, userID, ruleID string, in guard.RuleInput) (*models.GuardRule, error)
	DeleteRule(ctx context.Context, userID, ruleID string) error
	GetRule(ctx context.Context, userID, ruleID string) (*models.GuardRule, error)
	ListRules(ctx context.Context, userID string) ([]*models.GuardRule, error)
	DryRun(ctx context.Context, userID string, email *models.Email) (guard.Decision, error)
}

type GuardHandler struct {
	users UserLookup
	rules GuardRules
}

func NewGuardHandler(users UserLookup, rules GuardRules) *GuardHandler {
	return &GuardHandler{users: users, rules: rules}
}

// ListRules handles GET /api/v1/guard/rules. Rules come in evaluation order.
func (h *GuardHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, h.users)
	if !ok {
		return
	}

	rules, err := h.rules.ListRules(ctx, userID)
	if err != nil {
		writeGuardError(w, err)
		return
	}
	if rules == nil {
		rules = []*models.GuardRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

// CreateRule handles POST /api/v1/guard/rules.
func (h *GuardHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, h.users)
	if !ok {
		return
	}

	var in guard.RuleInput
	if !decodeJSON(w, r, &in) {
		return
	}

	rule, err := h.rules.CreateRule(ctx, userID, in)
	if err != nil {
		writeGuardError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// GetRule handles GET /api/v1/guard/rules/{id}.
func (h *GuardHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, h.users)
	if !ok {
		return
	}

	rule, err := h.rules.GetRule(ctx, userID, mux.Vars(r)["id"])
	if err != nil {
		writeGuardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// UpdateRule handles PUT /api/v1/guard/rules/{id}. The whole rule is replaced;
// trigger statistics are kept.
func (h *GuardHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, h.users)
	if !ok {
		return
	}

	var in guard.RuleInput
	if !decodeJSON(w, r, &in) {
		return
	}

	rule, err := h.rules.UpdateRule(ctx, userID, mux.Vars(r)["id"], in)
	if err != nil {
		writeGuardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// DeleteRule handles DELETE /api/v1/guard/rules/{id}.
func (h *GuardHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, h.users)
	if !ok {
		return
	}

	if err := h.rules.DeleteRule(ctx, userID, mux.Vars(r)["id"]); err != nil {
		writeGuardError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Check handles POST /api/v1/guard/check: the body is a raw message, and the
// response is what the user's rules would decide for it. Nothing is recorded.
func (h *GuardHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, h.users)
	if !ok {
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, storage.MaxMessageSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	email, err := parser.Parse(raw, userID, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	decision, err := h.rules.DryRun(ctx, userID, email)
	if err != nil {
		writeGuardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func writeGuardError(w http.ResponseWriter, err error) {
	var validation *guard.ValidationError
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": validation.Error(),
			"field": validation.Field,
		})
	case errors.Is(err, guard.ErrInvalidRule):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, guard.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, "Rule not found")
	default:
		logger.Error("GuardHandler: Request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
