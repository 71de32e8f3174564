package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vdavid/mailhook/internal/logger"
	"github.com/vdavid/mailhook/internal/models"
)

const maxRuleNameLength = 200

// CriteriaGenerator turns an ai_prompt rule's natural-language prompt into
// structured criteria. It is called once, when the rule is saved.
type CriteriaGenerator interface {
	GenerateCriteria(ctx context.Context, prompt string) (*Criteria, error)
}

// RuleInput is a rule as submitted by a user, before validation.
type RuleInput struct {
	Name        string               `json:"name"`
	Description *string              `json:"description,omitempty"`
	Type        models.GuardRuleType `json:"type"`
	Config      json.RawMessage      `json:"config"`
	Action      models.GuardAction   `json:"action"`
	EndpointID  *string              `json:"endpoint_id,omitempty"`
	IsActive    *bool                `json:"is_active,omitempty"`
	Priority    int                  `json:"priority"`
}

// Service manages a user's guard rules and validates them on the way in, so that
// stored rules are always in their resolved structured form.
type Service struct {
	rules     RuleStore
	endpoints EndpointRegistry
	generator CriteriaGenerator
	pipeline  *Pipeline
}

// NewService creates a rule service. generator may be nil, in which case ai_prompt
// rules must be submitted with their criteria already filled in.
func NewService(rules RuleStore, endpoints EndpointRegistry, generator CriteriaGenerator) *Service {
	return &Service{
		rules:     rules,
		endpoints: endpoints,
		generator: generator,
		pipeline:  NewPipeline(rules),
	}
}

// Pipeline returns the evaluation pipeline over the same rule store.
func (s *Service) Pipeline() *Pipeline {
	return s.pipeline
}

func (s *Service) CreateRule(ctx context.Context, userID string, in RuleInput) (*models.GuardRule, error) {
	rule, err := s.buildRule(ctx, userID, in)
	if err != nil {
		return nil, err
	}
	if err := s.rules.CreateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to create guard rule: %w", err)
	}
	logger.Info("Guard: rule created", "rule_id", rule.ID, "user_id", userID, "type", rule.Type, "action", rule.Action)
	return rule, nil
}

// UpdateRule replaces the rule's definition. Trigger statistics are kept.
func (s *Service) UpdateRule(ctx context.Context, userID, ruleID string, in RuleInput) (*models.GuardRule, error) {
	existing, err := s.rules.GetRule(ctx, userID, ruleID)
	if err != nil {
		return nil, err
	}

	rule, err := s.buildRule(ctx, userID, in)
	if err != nil {
		return nil, err
	}
	rule.ID = existing.ID
	rule.TriggerCount = existing.TriggerCount
	rule.LastTriggeredAt = existing.LastTriggeredAt
	rule.CreatedAt = existing.CreatedAt

	if err := s.rules.UpdateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to update guard rule: %w", err)
	}
	return rule, nil
}

func (s *Service) DeleteRule(ctx context.Context, userID, ruleID string) error {
	return s.rules.DeleteRule(ctx, userID, ruleID)
}

func (s *Service) GetRule(ctx context.Context, userID, ruleID string) (*models.GuardRule, error) {
	return s.rules.GetRule(ctx, userID, ruleID)
}

// ListRules returns all of the user's rules, active or not, in evaluation order.
func (s *Service) ListRules(ctx context.Context, userID string) ([]*models.GuardRule, error) {
	rules, err := s.rules.ListRules(ctx, userID)
	if err != nil {
		return nil, err
	}
	SortRules(rules)
	return rules, nil
}

// DryRun reports what the pipeline would decide for the email, without
// touching trigger counts or the email record.
func (s *Service) DryRun(ctx context.Context, userID string, email *models.Email) (Decision, error) {
	decision, _, err := s.pipeline.decide(ctx, email, userID)
	return decision, err
}

func (s *Service) buildRule(ctx context.Context, userID string, in RuleInput) (*models.GuardRule, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, invalid("name", "must not be empty")
	}
	if len(name) > maxRuleNameLength {
		return nil, invalid("name", "must be at most %d characters", maxRuleNameLength)
	}

	cfg, err := DecodeConfig(in.Type, in.Config)
	if err != nil {
		return nil, err
	}
	if cfg.Type == models.GuardRuleAIPrompt && cfg.AIPrompt.Criteria == nil && strings.TrimSpace(cfg.AIPrompt.Prompt) != "" {
		if s.generator == nil {
			return nil, invalid("config.criteria", "no criteria given and no generator is configured")
		}
		generated, err := s.generator.GenerateCriteria(ctx, cfg.AIPrompt.Prompt)
		if err != nil {
			return nil, fmt.Errorf("failed to generate criteria from prompt: %w", err)
		}
		cfg.AIPrompt.Criteria = generated
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	encoded, err := cfg.Encode()
	if err != nil {
		return nil, err
	}

	if err := s.validateAction(ctx, userID, in.Action, in.EndpointID); err != nil {
		return nil, err
	}

	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}

	return &models.GuardRule{
		UserID:      userID,
		Name:        name,
		Description: in.Description,
		Type:        cfg.Type,
		Config:      encoded,
		Action:      in.Action,
		EndpointID:  in.EndpointID,
		IsActive:    active,
		Priority:    in.Priority,
	}, nil
}

// validateAction requires a route action to name an active endpoint the user owns,
// and other actions to name none.
func (s *Service) validateAction(ctx context.Context, userID string, action models.GuardAction, endpointID *string) error {
	switch action {
	case models.GuardAllow, models.GuardBlock:
		if endpointID != nil {
			return invalid("endpoint_id", "only allowed with the route action")
		}
		return nil
	case models.GuardRoute:
	default:
		return invalid("action", "must be allow, block, or route, got %q", action)
	}

	if endpointID == nil || *endpointID == "" {
		return invalid("endpoint_id", "required with the route action")
	}
	endpoint, err := s.endpoints.GetEndpoint(ctx, userID, *endpointID)
	if err != nil {
		if errors.Is(err, ErrEndpointNotFound) {
			return invalid("endpoint_id", "endpoint %s does not exist", *endpointID)
		}
		return fmt.Errorf("failed to look up endpoint: %w", err)
	}
	if !endpoint.IsActive {
		return invalid("endpoint_id", "endpoint %s is inactive", *endpointID)
	}
	return nil
}
