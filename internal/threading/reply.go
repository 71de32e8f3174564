package threading

import (
	"strings"

	"github.com/vdavid/mailhook/internal/models"
)

// maxReplyReferences caps how many trailing ancestors a reply carries in
// References. The root id is always kept in front of them.
const maxReplyReferences = 20

// ReplyHeaders are the threading headers for a reply to an existing message.
type ReplyHeaders struct {
	InReplyTo  string
	References []string
	Subject    string
}

// BuildReplyHeaders derives RFC 5322 reply headers from the message being replied to:
// In-Reply-To is the parent's Message-ID and References is the parent's References
// followed by the parent's Message-ID.
func BuildReplyHeaders(parent models.Threadable) ReplyHeaders {
	headers := parent.ThreadHeaders()
	parentID := NormalizeMessageID(headers.MessageID)

	refs := normalizeReferences(headers.References)
	if parentID != "" {
		filtered := refs[:0]
		for _, ref := range refs {
			if ref != parentID {
				filtered = append(filtered, ref)
			}
		}
		refs = append(filtered, parentID)
	}
	if len(refs) > maxReplyReferences+1 {
		trimmed := make([]string, 0, maxReplyReferences+1)
		trimmed = append(trimmed, refs[0])
		refs = append(trimmed, refs[len(refs)-maxReplyReferences:]...)
	}

	return ReplyHeaders{
		InReplyTo:  parentID,
		References: refs,
		Subject:    ReplySubject(parent.ThreadSubject()),
	}
}

// ReplySubject prefixes "Re: " unless the subject already carries a reply or forward marker.
func ReplySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if hasReplyPrefix(subject) {
		return subject
	}
	if subject == "" {
		return "Re:"
	}
	return "Re: " + subject
}
