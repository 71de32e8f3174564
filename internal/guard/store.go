package guard

import (
	"context"
	"time"

	"github.com/vdavid/mailhook/internal/models"
)

// Store is what the evaluation pipeline reads and writes. All methods are scoped to the owning user.
type Store interface {
	// ListActiveRules returns the user's active rules ordered by priority
	// descending, then creation time descending, then id ascending.
	ListActiveRules(ctx context.Context, userID string) ([]*models.GuardRule, error)

	// RecordTrigger atomically increments the rule's trigger count and sets its
	// last-triggered time.
	RecordTrigger(ctx context.Context, userID, ruleID string, at time.Time) error

	// AnnotateEmail writes the guard outcome onto the inbound email record.
	AnnotateEmail(ctx context.Context, userID, emailID string, annotation models.GuardAnnotation) error
}

// RuleStore adds rule management to Store. Get, Update, and Delete return
// ErrRuleNotFound for rules the user does not own.
type RuleStore interface {
	Store
	CreateRule(ctx context.Context, rule *models.GuardRule) error
	UpdateRule(ctx context.Context, rule *models.GuardRule) error
	DeleteRule(ctx context.Context, userID, ruleID string) error
	GetRule(ctx context.Context, userID, ruleID string) (*models.GuardRule, error)
	ListRules(ctx context.Context, userID string) ([]*models.GuardRule, error)
}

// EndpointRegistry resolves route targets. GetEndpoint returns ErrEndpointNotFound
// for endpoints the user does not own.
type EndpointRegistry interface {
	GetEndpoint(ctx context.Context, userID, endpointID string) (*models.Endpoint, error)
}
