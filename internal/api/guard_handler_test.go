package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailhook/internal/guard"
	"github.com/vdavid/mailhook/internal/models"
)

type fakeGuardRules struct {
	rules     map[string]*models.GuardRule
	createErr error
	checked   *models.Email
	decision  guard.Decision
}

func newFakeGuardRules() *fakeGuardRules {
	return &fakeGuardRules{rules: map[string]*models.GuardRule{}}
}

func (f *fakeGuardRules) CreateRule(_ context.Context, userID string, in guard.RuleInput) (*models.GuardRule, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	rule := &models.GuardRule{
		ID:       "rule-" + in.Name,
		UserID:   userID,
		Name:     in.Name,
		Type:     in.Type,
		Config:   in.Config,
		Action:   in.Action,
		IsActive: true,
		Priority: in.Priority,
	}
	f.rules[rule.ID] = rule
	return rule, nil
}

func (f *fakeGuardRules) UpdateRule(_ context.Context, userID, ruleID string, in guard.RuleInput) (*models.GuardRule, error) {
	rule, ok := f.rules[ruleID]
	if !ok || rule.UserID != userID {
		return nil, guard.ErrRuleNotFound
	}
	rule.Name = in.Name
	rule.Priority = in.Priority
	rule.Action = in.Action
	return rule, nil
}

func (f *fakeGuardRules) DeleteRule(_ context.Context, userID, ruleID string) error {
	rule, ok := f.rules[ruleID]
	if !ok || rule.UserID != userID {
		return guard.ErrRuleNotFound
	}
	delete(f.rules, ruleID)
	return nil
}

func (f *fakeGuardRules) GetRule(_ context.Context, userID, ruleID string) (*models.GuardRule, error) {
	rule, ok := f.rules[ruleID]
	if !ok || rule.UserID != userID {
		return nil, guard.ErrRuleNotFound
	}
	return rule, nil
}

func (f *fakeGuardRules) ListRules(_ context.Context, userID string) ([]*models.GuardRule, error) {
	var out []*models.GuardRule
	for _, rule := range f.rules {
		if rule.UserID == userID {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (f *fakeGuardRules) DryRun(_ context.Context, _ string, email *models.Email) (guard.Decision, error) {
	f.checked = email
	return f.decision, nil
}

const blockRuleBody = `{
	"name": "newsletters",
	"type": "explicit",
	"config": {"criteria": [{"field": "subject", "operator": "contains", "value": "newsletter"}]},
	"action": "block",
	"priority": 10
}`

func TestGuardHandler_Rules(t *testing.T) {
	const user = "alice@example.com"

	t.Run("returns 401 when no user email in context", func(t *testing.T) {
		handler := NewGuardHandler(testUsers, newFakeGuardRules())
		VerifyAuthCheck(t, handler.ListRules, http.MethodGet, "/api/v1/guard/rules")
	})

	t.Run("empty list is an empty array", func(t *testing.T) {
		handler := NewGuardHandler(testUsers, newFakeGuardRules())

		req := createRequestWithUser(http.MethodGet, "/api/v1/guard/rules", user, nil, nil)
		rr := httptest.NewRecorder()

		handler.ListRules(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `[]`, rr.Body.String())
	})

	t.Run("create, get, update and delete", func(t *testing.T) {
		rules := newFakeGuardRules()
		handler := NewGuardHandler(testUsers, rules)

		req := createRequestWithUser(http.MethodPost, "/api/v1/guard/rules", user, strings.NewReader(blockRuleBody), nil)
		rr := httptest.NewRecorder()
		handler.CreateRule(rr, req)

		require.Equal(t, http.StatusCreated, rr.Code)
		var created models.GuardRule
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&created))
		assert.Equal(t, "rule-newsletters", created.ID)
		assert.Equal(t, models.GuardBlock, created.Action)
		assert.Equal(t, 10, created.Priority)
		assert.Equal(t, "user:"+user, created.UserID)

		vars := map[string]string{"id": created.ID}

		req = createRequestWithUser(http.MethodGet, "/api/v1/guard/rules/"+created.ID, user, nil, vars)
		rr = httptest.NewRecorder()
		handler.GetRule(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)

		update := `{"name":"renamed","type":"explicit","config":{},"action":"allow","priority":1}`
		req = createRequestWithUser(http.MethodPut, "/api/v1/guard/rules/"+created.ID, user, strings.NewReader(update), vars)
		rr = httptest.NewRecorder()
		handler.UpdateRule(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var updated models.GuardRule
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&updated))
		assert.Equal(t, "renamed", updated.Name)
		assert.Equal(t, models.GuardAllow, updated.Action)

		req = createRequestWithUser(http.MethodDelete, "/api/v1/guard/rules/"+created.ID, user, nil, vars)
		rr = httptest.NewRecorder()
		handler.DeleteRule(rr, req)
		assert.Equal(t, http.StatusNoContent, rr.Code)

		req = createRequestWithUser(http.MethodGet, "/api/v1/guard/rules/"+created.ID, user, nil, vars)
		rr = httptest.NewRecorder()
		handler.GetRule(rr, req)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("another user's rule is not found", func(t *testing.T) {
		rules := newFakeGuardRules()
		rules.rules["rule-1"] = &models.GuardRule{ID: "rule-1", UserID: "user:bob@example.com"}
		handler := NewGuardHandler(testUsers, rules)

		req := createRequestWithUser(http.MethodDelete, "/api/v1/guard/rules/rule-1", user, nil, map[string]string{"id": "rule-1"})
		rr := httptest.NewRecorder()
		handler.DeleteRule(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Contains(t, rules.rules, "rule-1")
	})

	t.Run("validation errors name the field", func(t *testing.T) {
		rules := newFakeGuardRules()
		rules.createErr = &guard.ValidationError{Field: "config", Message: "criteria must not be empty"}
		handler := NewGuardHandler(testUsers, rules)

		req := createRequestWithUser(http.MethodPost, "/api/v1/guard/rules", user, strings.NewReader(blockRuleBody), nil)
		rr := httptest.NewRecorder()
		handler.CreateRule(rr, req)

		require.Equal(t, http.StatusBadRequest, rr.Code)
		var body map[string]string
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
		assert.Equal(t, "config", body["field"])
		assert.Contains(t, body["error"], "criteria must not be empty")
	})

	t.Run("other errors", func(t *testing.T) {
		cases := []struct {
			err        error
			wantStatus int
		}{
			{guard.ErrInvalidRule, http.StatusBadRequest},
			{guard.ErrRuleNotFound, http.StatusNotFound},
			{errors.New("db down"), http.StatusInternalServerError},
		}
		for _, tc := range cases {
			rules := newFakeGuardRules()
			rules.createErr = tc.err
			handler := NewGuardHandler(testUsers, rules)

			req := createRequestWithUser(http.MethodPost, "/api/v1/guard/rules", user, strings.NewReader(blockRuleBody), nil)
			rr := httptest.NewRecorder()
			handler.CreateRule(rr, req)

			assert.Equal(t, tc.wantStatus, rr.Code, tc.err.Error())
		}
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		rules := newFakeGuardRules()
		handler := NewGuardHandler(testUsers, rules)

		req := createRequestWithUser(http.MethodPost, "/api/v1/guard/rules", user, strings.NewReader(`{"name":"x","colour":"red"}`), nil)
		rr := httptest.NewRecorder()
		handler.CreateRule(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Empty(t, rules.rules)
	})
}

func TestGuardHandler_Check(t *testing.T) {
	rules := newFakeGuardRules()
	rules.decision = guard.Decision{Action: models.GuardBlock, Blocked: true, Reason: "newsletters", RuleID: "rule-1"}
	handler := NewGuardHandler(testUsers, rules)

	raw := "From: News <news@example.com>\r\n" +
		"To: alice@example.com\r\n" +
		"Subject: Weekly newsletter\r\n" +
		"Message-ID: <n1@example.com>\r\n" +
		"\r\n" +
		"Read all about it.\r\n"

	req := createRequestWithUser(http.MethodPost, "/api/v1/guard/check", "alice@example.com", strings.NewReader(raw), nil)
	rr := httptest.NewRecorder()

	handler.Check(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, rules.checked)
	assert.Equal(t, "Weekly newsletter", rules.checked.Subject)
	assert.Equal(t, "news@example.com", rules.checked.FromAddress)

	var got guard.Decision
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.True(t, got.Blocked)
	assert.Equal(t, "rule-1", got.RuleID)
}
