package models

import (
	"encoding/json"
	"time"
)

type GuardRuleType string

const (
	GuardRuleExplicit GuardRuleType = "explicit"
	GuardRuleAIPrompt GuardRuleType = "ai_prompt"
)

type GuardAction string

const (
	GuardAllow GuardAction = "allow"
	GuardBlock GuardAction = "block"
	GuardRoute GuardAction = "route"
)

// GuardRule is a user-defined filter evaluated against inbound mail.
// Config holds the type-specific payload exactly as stored; the guard package decodes it.
type GuardRule struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Name            string          `json:"name"`
	Description     *string         `json:"description,omitempty"`
	Type            GuardRuleType   `json:"type"`
	Config          json.RawMessage `json:"config"`
	Action          GuardAction     `json:"action"`
	EndpointID      *string         `json:"endpoint_id,omitempty"`
	IsActive        bool            `json:"is_active"`
	Priority        int             `json:"priority"`
	TriggerCount    int64           `json:"trigger_count"`
	LastTriggeredAt *time.Time      `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// GuardAnnotation is written onto an inbound email when a guard rule matches it.
type GuardAnnotation struct {
	Blocked bool
	Reason  string
	Action  GuardAction
	RuleID  string
}

// Endpoint is a delivery target that "route" guard rules point at.
type Endpoint struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}
