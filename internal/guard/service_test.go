package guard

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailhook/internal/models"
)

func strPtr(s string) *string {
	return &s
}

func TestServiceCreateRule(t *testing.T) {
	ctx := context.Background()
	activeEndpoint := uuid.NewString()
	inactiveEndpoint := uuid.NewString()
	foreignEndpoint := uuid.NewString()

	setup := func() (*memoryStore, *fakeGenerator) {
		store := newMemoryStore()
		store.endpoints[activeEndpoint] = &models.Endpoint{ID: activeEndpoint, UserID: ownerID, IsActive: true}
		store.endpoints[inactiveEndpoint] = &models.Endpoint{ID: inactiveEndpoint, UserID: ownerID, IsActive: false}
		store.endpoints[foreignEndpoint] = &models.Endpoint{ID: foreignEndpoint, UserID: otherID, IsActive: true}
		return store, &fakeGenerator{criteria: &Criteria{From: orCond("*@news.example.com")}}
	}

	tests := []struct {
		name        string
		input       RuleInput
		noGenerator bool
		wantField   string
		checkResult func(*testing.T, *models.GuardRule, *memoryStore, *fakeGenerator)
	}{
		{
			name: "explicit block rule",
			input: RuleInput{
				Name:   "  Block spam  ",
				Type:   models.GuardRuleExplicit,
				Config: json.RawMessage(`{"from":{"operator":"or","values":["*@spam.com"]}}`),
				Action: models.GuardBlock,
			},
			checkResult: func(t *testing.T, rule *models.GuardRule, store *memoryStore, _ *fakeGenerator) {
				assert.NotEmpty(t, rule.ID)
				assert.Equal(t, "Block spam", rule.Name)
				assert.True(t, rule.IsActive)
				assert.JSONEq(t, `{"from":{"operator":"OR","values":["*@spam.com"]}}`, string(rule.Config))
				assert.NotNil(t, store.rule(rule.ID))
			},
		},
		{
			name: "route to active owned endpoint",
			input: RuleInput{
				Name:       "Route invoices",
				Type:       models.GuardRuleExplicit,
				Config:     json.RawMessage(`{"hasWords":{"operator":"OR","values":["invoice"]}}`),
				Action:     models.GuardRoute,
				EndpointID: &activeEndpoint,
				Priority:   7,
			},
			checkResult: func(t *testing.T, rule *models.GuardRule, _ *memoryStore, _ *fakeGenerator) {
				require.NotNil(t, rule.EndpointID)
				assert.Equal(t, activeEndpoint, *rule.EndpointID)
				assert.Equal(t, 7, rule.Priority)
			},
		},
		{
			name: "ai prompt criteria generated once",
			input: RuleInput{
				Name:   "No newsletters",
				Type:   models.GuardRuleAIPrompt,
				Config: json.RawMessage(`{"prompt":"block all newsletters"}`),
				Action: models.GuardBlock,
			},
			checkResult: func(t *testing.T, rule *models.GuardRule, _ *memoryStore, gen *fakeGenerator) {
				assert.Equal(t, 1, gen.calls)
				assert.JSONEq(t, `{"prompt":"block all newsletters","criteria":{"from":{"operator":"OR","values":["*@news.example.com"]}}}`, string(rule.Config))
			},
		},
		{
			name: "ai prompt with supplied criteria skips generator",
			input: RuleInput{
				Name:   "Attachments",
				Type:   models.GuardRuleAIPrompt,
				Config: json.RawMessage(`{"prompt":"anything with files","criteria":{"hasAttachment":true}}`),
				Action: models.GuardAllow,
			},
			checkResult: func(t *testing.T, _ *models.GuardRule, _ *memoryStore, gen *fakeGenerator) {
				assert.Equal(t, 0, gen.calls)
			},
		},
		{
			name:      "empty name",
			input:     RuleInput{Name: " ", Type: models.GuardRuleExplicit, Config: json.RawMessage(`{"hasAttachment":true}`), Action: models.GuardBlock},
			wantField: "name",
		},
		{
			name:      "zero criteria rejected",
			input:     RuleInput{Name: "empty", Type: models.GuardRuleExplicit, Config: json.RawMessage(`{}`), Action: models.GuardBlock},
			wantField: "config",
		},
		{
			name:      "unknown action",
			input:     RuleInput{Name: "x", Type: models.GuardRuleExplicit, Config: json.RawMessage(`{"hasAttachment":true}`), Action: "quarantine"},
			wantField: "action",
		},
		{
			name:      "route without endpoint",
			input:     RuleInput{Name: "x", Type: models.GuardRuleExplicit, Config: json.RawMessage(`{"hasAttachment":true}`), Action: models.GuardRoute},
			wantField: "endpoint_id",
		},
		{
			name:      "route to inactive endpoint",
			input:     RuleInput{Name: "x", Type: models.GuardRuleExplicit, Config: json.RawMessage(`{"hasAttachment":true}`), Action: models.GuardRoute, EndpointID: &inactiveEndpoint},
			wantField: "endpoint_id",
		},
		{
			name:      "route to another user's endpoint",
			input:     RuleInput{Name: "x", Type: models.GuardRuleExplicit, Config: json.RawMessage(`{"hasAttachment":true}`), Action: models.GuardRoute, EndpointID: &foreignEndpoint},
			wantField: "endpoint_id",
		},
		{
			name:      "endpoint on block action",
			input:     RuleInput{Name: "x", Type: models.GuardRuleExplicit, Config: json.RawMessage(`{"hasAttachment":true}`), Action: models.GuardBlock, EndpointID: &activeEndpoint},
			wantField: "endpoint_id",
		},
		{
			name:        "ai prompt without generator",
			input:       RuleInput{Name: "x", Type: models.GuardRuleAIPrompt, Config: json.RawMessage(`{"prompt":"no spam"}`), Action: models.GuardBlock},
			noGenerator: true,
			wantField:   "config.criteria",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, gen := setup()
			var generator CriteriaGenerator = gen
			if tt.noGenerator {
				generator = nil
			}
			svc := NewService(store, store, generator)

			rule, err := svc.CreateRule(ctx, ownerID, tt.input)
			if tt.wantField != "" {
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, tt.wantField, verr.Field)
				assert.ErrorIs(t, err, ErrInvalidRule)
				assert.Empty(t, store.rules)
				return
			}
			require.NoError(t, err)
			tt.checkResult(t, rule, store, gen)
		})
	}
}

func TestServiceGeneratorFailure(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, store, &fakeGenerator{err: errGeneratorDown})

	_, err := svc.CreateRule(context.Background(), ownerID, RuleInput{
		Name:   "x",
		Type:   models.GuardRuleAIPrompt,
		Config: json.RawMessage(`{"prompt":"no spam"}`),
		Action: models.GuardBlock,
	})
	assert.ErrorIs(t, err, errGeneratorDown)
	assert.Empty(t, store.rules)
}

func TestServiceRuleLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	svc := NewService(store, store, nil)

	created, err := svc.CreateRule(ctx, ownerID, RuleInput{
		Name:        "Urgent",
		Description: strPtr("flag urgent mail"),
		Type:        models.GuardRuleExplicit,
		Config:      json.RawMessage(urgentConfig),
		Action:      models.GuardAllow,
		Priority:    1,
	})
	require.NoError(t, err)

	// A match bumps the trigger count, which an update must keep.
	svc.Pipeline().Evaluate(ctx, inboundEmail(), ownerID)
	require.Equal(t, int64(1), store.rule(created.ID).TriggerCount)

	inactive := false
	updated, err := svc.UpdateRule(ctx, ownerID, created.ID, RuleInput{
		Name:     "Urgent (paused)",
		Type:     models.GuardRuleExplicit,
		Config:   json.RawMessage(urgentConfig),
		Action:   models.GuardBlock,
		IsActive: &inactive,
		Priority: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, int64(1), updated.TriggerCount)
	assert.False(t, updated.IsActive)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)

	got, err := svc.GetRule(ctx, ownerID, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Urgent (paused)", got.Name)

	_, err = svc.GetRule(ctx, otherID, created.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)

	_, err = svc.UpdateRule(ctx, otherID, created.ID, RuleInput{Name: "hijack", Type: models.GuardRuleExplicit, Config: json.RawMessage(urgentConfig), Action: models.GuardAllow})
	assert.ErrorIs(t, err, ErrRuleNotFound)

	assert.ErrorIs(t, svc.DeleteRule(ctx, otherID, created.ID), ErrRuleNotFound)
	require.NoError(t, svc.DeleteRule(ctx, ownerID, created.ID))

	rules, err := svc.ListRules(ctx, ownerID)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestServiceListRulesOrder(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	svc := NewService(store, store, nil)

	for _, p := range []int{1, 5, 5, 3} {
		_, err := svc.CreateRule(ctx, ownerID, RuleInput{
			Name:     "rule",
			Type:     models.GuardRuleExplicit,
			Config:   json.RawMessage(`{"hasAttachment":true}`),
			Action:   models.GuardAllow,
			Priority: p,
		})
		require.NoError(t, err)
	}

	rules, err := svc.ListRules(ctx, ownerID)
	require.NoError(t, err)
	require.Len(t, rules, 4)
	assert.Equal(t, []int{5, 5, 3, 1}, []int{rules[0].Priority, rules[1].Priority, rules[2].Priority, rules[3].Priority})
	assert.True(t, rules[0].CreatedAt.After(rules[1].CreatedAt))
}

func TestServiceDryRun(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	svc := NewService(store, store, nil)

	rule, err := svc.CreateRule(ctx, ownerID, RuleInput{
		Name:   "Spam",
		Type:   models.GuardRuleExplicit,
		Config: json.RawMessage(spamConfig),
		Action: models.GuardBlock,
	})
	require.NoError(t, err)

	email := inboundEmail()
	decision, err := svc.DryRun(ctx, ownerID, email)
	require.NoError(t, err)
	assert.Equal(t, rule.ID, decision.RuleID)
	assert.True(t, decision.Blocked)

	assert.Equal(t, int64(0), store.rule(rule.ID).TriggerCount)
	assert.Empty(t, store.annotations)
	assert.False(t, email.GuardBlocked)
}
