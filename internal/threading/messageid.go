package threading

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// NormalizeMessageID returns the canonical "<...>" form of an RFC 5322 identifier.
// Surrounding whitespace is trimmed and missing angle brackets are added. Empty
// input, "<>", and ids with internal whitespace normalize to "" ("no id").
// Case is preserved: the local part of a Message-ID is case-sensitive.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if !strings.HasPrefix(id, "<") {
		id = "<" + id
	}
	if !strings.HasSuffix(id, ">") {
		id += ">"
	}

	inner := id[1 : len(id)-1]
	if inner == "" || strings.ContainsFunc(inner, unicode.IsSpace) || strings.ContainsAny(inner, "<>") {
		return ""
	}
	return id
}

// ParseMessageIDList splits a raw In-Reply-To or References header value into
// normalized ids, in header order, without duplicates. It accepts bracketed ids
// with or without separators ("<a@x> <b@x>", "<a@x>,<b@x>", "<a@x><b@x>") and
// bare whitespace- or comma-separated ids, in any mix. Malformed entries are
// dropped.
func ParseMessageIDList(header string) []string {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}

	var raw []string
	rest := header
	for rest != "" {
		switch c := rest[0]; {
		case c == ',' || unicode.IsSpace(rune(c)):
			rest = rest[1:]
		case c == '(':
			rest = skipComment(rest)
		case c == '<':
			rest = rest[1:]
			end := strings.IndexAny(rest, "<>")
			if end < 0 {
				// Unterminated entry runs to the end of the header.
				rest = ""
				break
			}
			if rest[end] == '<' {
				// Truncated entry; resume at the next "<".
				rest = rest[end:]
				continue
			}
			raw = append(raw, rest[:end])
			rest = rest[end+1:]
		default:
			end := strings.IndexFunc(rest, func(r rune) bool {
				return r == ',' || r == '<' || r == '(' || unicode.IsSpace(r)
			})
			if end < 0 {
				end = len(rest)
			}
			raw = append(raw, rest[:end])
			rest = rest[end:]
		}
	}

	ids := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		id := NormalizeMessageID(r)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// skipComment drops a leading, possibly nested, parenthesized comment.
func skipComment(s string) string {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return s[i+1:]
			}
		}
	}
	return ""
}

// normalizeReferences flattens a References list whose entries may each hold
// one or several ids.
func normalizeReferences(refs []string) []string {
	if len(refs) == 0 {
		return nil
	}
	return ParseMessageIDList(strings.Join(refs, " "))
}

// GenerateMessageID returns a fresh "<uuid@domain>" identifier. It is used for
// outbound Message-ID headers and as the surrogate root of threads whose first
// message carried no Message-ID.
func GenerateMessageID(domain string) string {
	return "<" + uuid.NewString() + "@" + domain + ">"
}
