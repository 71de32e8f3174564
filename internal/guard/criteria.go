// Package guard evaluates user-defined filter rules against inbound mail and
// decides whether a message is allowed, blocked, or routed to an endpoint.
package guard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/vdavid/mailhook/internal/models"
)

var (
	ErrInvalidRule      = errors.New("invalid guard rule")
	ErrRuleNotFound     = errors.New("guard rule not found")
	ErrEndpointNotFound = errors.New("endpoint not found")
)

// ValidationError names the rule field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRule
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type Operator string

const (
	OperatorAnd Operator = "AND"
	OperatorOr  Operator = "OR"
)

// UnmarshalJSON accepts the operator in any case.
func (o *Operator) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operator(strings.ToUpper(strings.TrimSpace(s)))
	return nil
}

// Condition is a list of values combined with AND (all must match) or OR (any must match).
type Condition struct {
	Operator Operator `json:"operator"`
	Values   []string `json:"values"`
}

func (c *Condition) validate(field string) error {
	if c.Operator != OperatorAnd && c.Operator != OperatorOr {
		return invalid(field+".operator", "must be AND or OR, got %q", c.Operator)
	}
	if len(c.Values) == 0 {
		return invalid(field+".values", "must not be empty")
	}
	for i, v := range c.Values {
		if strings.TrimSpace(v) == "" {
			return invalid(fmt.Sprintf("%s.values[%d]", field, i), "must not be blank")
		}
	}
	return nil
}

// Criteria is the structured form every rule is evaluated in. Absent criteria are ignored.
type Criteria struct {
	Subject       *Condition `json:"subject,omitempty"`
	From          *Condition `json:"from,omitempty"`
	HasAttachment *bool      `json:"hasAttachment,omitempty"`
	HasWords      *Condition `json:"hasWords,omitempty"`
}

// Empty reports whether no criterion is present. Such a rule can never match.
func (c *Criteria) Empty() bool {
	return c == nil || (c.Subject == nil && c.From == nil && c.HasAttachment == nil && c.HasWords == nil)
}

// Validate checks that at least one criterion is present and every present one is well formed.
func (c *Criteria) Validate(field string) error {
	if c.Empty() {
		return invalid(field, "at least one of subject, from, hasAttachment, hasWords is required")
	}
	if c.Subject != nil {
		if err := c.Subject.validate(field + ".subject"); err != nil {
			return err
		}
	}
	if c.From != nil {
		if err := c.From.validate(field + ".from"); err != nil {
			return err
		}
		for i, pattern := range c.From.Values {
			if !validFromPattern(pattern) {
				return invalid(fmt.Sprintf("%s.from.values[%d]", field, i),
					"%q is neither an email address nor a *@domain wildcard", pattern)
			}
		}
	}
	if c.HasWords != nil {
		if err := c.HasWords.validate(field + ".hasWords"); err != nil {
			return err
		}
	}
	return nil
}

func validFromPattern(pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if domain, ok := wildcardDomain(pattern); ok {
		return domain != "" && !strings.ContainsAny(domain, "@ ") && strings.Contains(domain, ".")
	}
	addr, err := mail.ParseAddress(pattern)
	return err == nil && addr.Address == pattern
}

// wildcardDomain returns the domain of a "*@domain" or "@domain" pattern.
func wildcardDomain(pattern string) (string, bool) {
	if rest, ok := strings.CutPrefix(pattern, "*@"); ok {
		return rest, true
	}
	if rest, ok := strings.CutPrefix(pattern, "@"); ok {
		return rest, true
	}
	return "", false
}

// AIPromptConfig is the payload of an ai_prompt rule: the user's natural-language
// prompt and the criteria derived from it once, at rule creation.
type AIPromptConfig struct {
	Prompt   string    `json:"prompt"`
	Criteria *Criteria `json:"criteria,omitempty"`
}

// Config is the decoded rule payload. Exactly one of Explicit and AIPrompt is set,
// according to Type.
type Config struct {
	Type     models.GuardRuleType
	Explicit *Criteria
	AIPrompt *AIPromptConfig
}

// DecodeConfig decodes a stored rule payload. Unknown fields are rejected.
func DecodeConfig(ruleType models.GuardRuleType, raw json.RawMessage) (Config, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Config{}, invalid("config", "must not be empty")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	switch ruleType {
	case models.GuardRuleExplicit:
		var criteria Criteria
		if err := dec.Decode(&criteria); err != nil {
			return Config{}, invalid("config", "%v", err)
		}
		return Config{Type: ruleType, Explicit: &criteria}, nil
	case models.GuardRuleAIPrompt:
		var prompt AIPromptConfig
		if err := dec.Decode(&prompt); err != nil {
			return Config{}, invalid("config", "%v", err)
		}
		return Config{Type: ruleType, AIPrompt: &prompt}, nil
	default:
		return Config{}, invalid("type", "must be explicit or ai_prompt, got %q", ruleType)
	}
}

// Criteria returns the structured criteria the rule is evaluated with.
func (c Config) Criteria() (*Criteria, error) {
	switch c.Type {
	case models.GuardRuleExplicit:
		if c.Explicit == nil {
			return nil, invalid("config", "missing criteria")
		}
		return c.Explicit, nil
	case models.GuardRuleAIPrompt:
		if c.AIPrompt == nil || c.AIPrompt.Criteria == nil {
			return nil, invalid("config.criteria", "ai_prompt rule has no generated criteria")
		}
		return c.AIPrompt.Criteria, nil
	default:
		return nil, invalid("type", "unknown rule type %q", c.Type)
	}
}

// Validate checks the payload for its rule type.
func (c Config) Validate() error {
	switch c.Type {
	case models.GuardRuleExplicit:
		return c.Explicit.Validate("config")
	case models.GuardRuleAIPrompt:
		if c.AIPrompt == nil || strings.TrimSpace(c.AIPrompt.Prompt) == "" {
			return invalid("config.prompt", "must not be empty")
		}
		if c.AIPrompt.Criteria == nil {
			return invalid("config.criteria", "ai_prompt rule has no generated criteria")
		}
		return c.AIPrompt.Criteria.Validate("config.criteria")
	default:
		return invalid("type", "must be explicit or ai_prompt, got %q", c.Type)
	}
}

// Encode returns the payload in its stored JSON form.
func (c Config) Encode() (json.RawMessage, error) {
	var v any
	switch c.Type {
	case models.GuardRuleExplicit:
		v = c.Explicit
	case models.GuardRuleAIPrompt:
		v = c.AIPrompt
	default:
		return nil, invalid("type", "unknown rule type %q", c.Type)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule config: %w", err)
	}
	return data, nil
}
