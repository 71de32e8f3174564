package guard

import (
	"fmt"
	"strings"

	"github.com/k3a/html2text"

	"github.com/vdavid/mailhook/internal/models"
)

// MatchResult is the outcome of checking one rule against one email.
type MatchResult struct {
	Matched bool
	Reason  string
}

// CheckRule decodes the rule's stored config and checks it against the email.
// A config that cannot be decoded or validated is returned as an error.
func CheckRule(rule *models.GuardRule, email *models.Email) (MatchResult, error) {
	cfg, err := DecodeConfig(rule.Type, rule.Config)
	if err != nil {
		return MatchResult{}, err
	}
	if err := cfg.Validate(); err != nil {
		return MatchResult{}, err
	}
	criteria, err := cfg.Criteria()
	if err != nil {
		return MatchResult{}, err
	}
	return Check(criteria, email), nil
}

// Check evaluates criteria against an email. Every present criterion must match;
// criteria with nothing present never match. Comparisons are case-insensitive.
func Check(criteria *Criteria, email *models.Email) MatchResult {
	if criteria.Empty() {
		return MatchResult{Reason: "rule has no criteria"}
	}

	var reasons []string

	if criteria.Subject != nil {
		matched, reason := matchCondition("subject", criteria.Subject, func(v string) bool {
			return containsFold(email.Subject, v)
		})
		if !matched {
			return MatchResult{Reason: reason}
		}
		reasons = append(reasons, reason)
	}

	if criteria.From != nil {
		senders := email.SenderAddresses()
		matched, reason := matchCondition("from", criteria.From, func(pattern string) bool {
			for _, sender := range senders {
				if matchFromPattern(pattern, sender) {
					return true
				}
			}
			return false
		})
		if !matched {
			return MatchResult{Reason: reason}
		}
		reasons = append(reasons, reason)
	}

	if criteria.HasAttachment != nil {
		has := len(email.Attachments) > 0
		if has != *criteria.HasAttachment {
			return MatchResult{Reason: fmt.Sprintf("hasAttachment is %t", has)}
		}
		reasons = append(reasons, fmt.Sprintf("hasAttachment is %t", has))
	}

	if criteria.HasWords != nil {
		body := searchableBody(email)
		matched, reason := matchCondition("body", criteria.HasWords, func(v string) bool {
			return strings.Contains(body, strings.ToLower(v))
		})
		if !matched {
			return MatchResult{Reason: reason}
		}
		reasons = append(reasons, reason)
	}

	return MatchResult{Matched: true, Reason: strings.Join(reasons, "; ")}
}

// matchCondition applies the condition's operator over its values.
func matchCondition(field string, cond *Condition, match func(string) bool) (bool, string) {
	var hits []string
	for _, v := range cond.Values {
		if match(v) {
			hits = append(hits, v)
			if cond.Operator == OperatorOr {
				break
			}
		} else if cond.Operator == OperatorAnd {
			return false, fmt.Sprintf("%s does not match %q", field, v)
		}
	}

	if len(hits) == 0 {
		return false, fmt.Sprintf("%s matches none of %q", field, cond.Values)
	}
	return true, fmt.Sprintf(`%s matches "%s"`, field, strings.Join(hits, `", "`))
}

// matchFromPattern matches a full address exactly or a "*@domain" wildcard by domain.
func matchFromPattern(pattern, sender string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	sender = strings.ToLower(strings.TrimSpace(sender))
	if sender == "" {
		return false
	}
	if domain, ok := wildcardDomain(pattern); ok {
		return strings.HasSuffix(sender, "@"+domain)
	}
	return sender == pattern
}

// searchableBody is the lower-cased text body followed by the HTML body as plain text.
func searchableBody(email *models.Email) string {
	var b strings.Builder
	b.WriteString(email.BodyText)
	if email.SafeBodyHTML != "" {
		b.WriteString("\n")
		b.WriteString(html2text.HTML2Text(email.SafeBodyHTML))
	}
	return strings.ToLower(b.String())
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
