package guard

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/vdavid/mailhook/internal/logger"
	"github.com/vdavid/mailhook/internal/metrics"
	"github.com/vdavid/mailhook/internal/models"
)

// FailOpen is the disposition when rules cannot be evaluated at all, for example
// when they cannot be loaded. Mail is never held back because of an internal error.
const FailOpen = models.GuardAllow

// Decision is the delivery disposition for one inbound email.
type Decision struct {
	Action     models.GuardAction `json:"action"`
	Blocked    bool               `json:"blocked"`
	Reason     string             `json:"reason,omitempty"`
	RuleID     string             `json:"rule_id,omitempty"`
	EndpointID string             `json:"endpoint_id,omitempty"`
}

// Matched reports whether a rule decided the outcome.
func (d Decision) Matched() bool {
	return d.RuleID != ""
}

type Pipeline struct {
	store Store
	now   func() time.Time
}

func NewPipeline(store Store) *Pipeline {
	return &Pipeline{store: store, now: time.Now}
}

// SortRules orders rules for evaluation: priority descending, then newest first,
// then id ascending. The sort is stable.
func SortRules(rules []*models.GuardRule) {
	slices.SortStableFunc(rules, func(a, b *models.GuardRule) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Evaluate runs the user's active rules against the email in priority order and
// stops at the first match. A match increments the rule's trigger count and
// annotates the email, both in storage and on the passed struct. Rules with bad
// config are skipped. If the rules cannot be loaded the result is FailOpen.
func (p *Pipeline) Evaluate(ctx context.Context, email *models.Email, userID string) Decision {
	if email.UserID != userID {
		logger.Warn("Guard: email owner mismatch, allowing without evaluation",
			"email_id", email.ID, "user_id", userID)
		return p.failOpen()
	}

	decision, rule, err := p.decide(ctx, email, userID)
	if err != nil {
		logger.Error("Guard: evaluation failed, failing open", "email_id", email.ID, "user_id", userID, "error", err)
		return p.failOpen()
	}
	metrics.GuardEvaluations.WithLabelValues(string(decision.Action)).Inc()
	if rule == nil {
		return decision
	}

	if err := p.store.RecordTrigger(ctx, userID, rule.ID, p.now()); err != nil {
		logger.Warn("Guard: failed to record rule trigger", "rule_id", rule.ID, "error", err)
	}

	annotation := models.GuardAnnotation{
		Blocked: decision.Blocked,
		Reason:  decision.Reason,
		Action:  decision.Action,
		RuleID:  decision.RuleID,
	}
	if err := p.store.AnnotateEmail(ctx, userID, email.ID, annotation); err != nil {
		logger.Warn("Guard: failed to annotate email", "email_id", email.ID, "rule_id", rule.ID, "error", err)
	}
	applyAnnotation(email, annotation)

	logger.Info("Guard: rule matched",
		"email_id", email.ID, "rule_id", rule.ID, "action", decision.Action, "reason", decision.Reason)
	return decision
}

func (p *Pipeline) failOpen() Decision {
	metrics.GuardEvaluations.WithLabelValues(string(FailOpen)).Inc()
	return Decision{Action: FailOpen}
}

// decide finds the first matching rule without side effects.
func (p *Pipeline) decide(ctx context.Context, email *models.Email, userID string) (Decision, *models.GuardRule, error) {
	rules, err := p.store.ListActiveRules(ctx, userID)
	if err != nil {
		return Decision{}, nil, fmt.Errorf("failed to load guard rules: %w", err)
	}
	SortRules(rules)

	for _, rule := range rules {
		if !rule.IsActive || rule.UserID != userID {
			continue
		}

		result, err := CheckRule(rule, email)
		if err != nil {
			logger.Warn("Guard: skipping rule with unusable config", "rule_id", rule.ID, "error", err)
			metrics.GuardRuleErrors.Inc()
			continue
		}
		if !result.Matched {
			continue
		}

		decision := Decision{
			Action:  rule.Action,
			Blocked: rule.Action == models.GuardBlock,
			Reason:  fmt.Sprintf("%s: %s", rule.Name, result.Reason),
			RuleID:  rule.ID,
		}
		switch rule.Action {
		case models.GuardAllow, models.GuardBlock:
		case models.GuardRoute:
			if rule.EndpointID == nil || *rule.EndpointID == "" {
				logger.Warn("Guard: skipping route rule without endpoint", "rule_id", rule.ID)
				metrics.GuardRuleErrors.Inc()
				continue
			}
			decision.EndpointID = *rule.EndpointID
		default:
			logger.Warn("Guard: skipping rule with unknown action", "rule_id", rule.ID, "action", rule.Action)
			metrics.GuardRuleErrors.Inc()
			continue
		}
		return decision, rule, nil
	}

	return Decision{Action: models.GuardAllow}, nil, nil
}

func applyAnnotation(email *models.Email, a models.GuardAnnotation) {
	email.GuardBlocked = a.Blocked
	reason, action, ruleID := a.Reason, a.Action, a.RuleID
	email.GuardReason = &reason
	email.GuardAction = &action
	email.GuardRuleID = &ruleID
}
