package threading

import (
	"regexp"
	"strings"
)

// replyPrefix matches one leading reply or forward marker: "re:", "fwd:", "fw:",
// counted forms such as "re[2]:" or "re(3):", and common localized markers
// (aw, sv, antw, wg, tr, rif, vs, odp).
var replyPrefix = regexp.MustCompile(`(?i)^\s*(?:re|fwd?|aw|sv|antw|wg|tr|rif|vs|odp)\s*(?:\[\d+\]|\(\d+\))?\s*:`)

// NormalizeSubject reduces a subject to its conversation key: lower-cased, with
// every leading reply/forward marker removed and whitespace collapsed.
// It returns nil for nil input and for subjects that are empty once stripped.
func NormalizeSubject(subject *string) *string {
	if subject == nil {
		return nil
	}

	s := *subject
	for {
		loc := replyPrefix.FindStringIndex(s)
		if loc == nil {
			break
		}
		s = s[loc[1]:]
	}

	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	if s == "" {
		return nil
	}
	return &s
}

// answerPrefix is the reply-only subset of replyPrefix; a forwarded subject still gets "Re: ".
var answerPrefix = regexp.MustCompile(`(?i)^\s*(?:re|aw|sv|antw|rif|vs|odp)\s*(?:\[\d+\]|\(\d+\))?\s*:`)

func hasReplyPrefix(subject string) bool {
	return answerPrefix.MatchString(subject)
}
