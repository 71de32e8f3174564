// Package parser turns raw RFC 5322 messages into structured inbound emails.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/microcosm-cc/bluemonday"
	"github.com/vdavid/mailhook/internal/logger"
	"github.com/vdavid/mailhook/internal/models"
	"github.com/vdavid/mailhook/internal/threading"
)

// ErrEmptyMessage is returned for a zero-length or whitespace-only message.
var ErrEmptyMessage = errors.New("empty message")

var htmlPolicy = newHTMLPolicy()

func newHTMLPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()

	p.AllowElements("p", "br", "div", "span", "h1", "h2", "h3", "h4", "h5", "h6")
	p.AllowElements("strong", "em", "u", "s", "code", "pre", "blockquote")
	p.AllowElements("table", "thead", "tbody", "tr", "th", "td")
	p.AllowAttrs("style").OnElements("span", "div", "p", "td")
	p.AllowAttrs("src", "alt", "title", "width", "height").OnElements("img")

	p.RequireParseableURLs(true)
	p.AllowURLSchemes("http", "https", "mailto", "cid")

	return p
}

// SanitizeHTML strips scripts, event handlers, and unsafe URLs from message HTML.
func SanitizeHTML(html string) string {
	return htmlPolicy.Sanitize(html)
}

// Parse converts a raw message into an email owned by userID. Threading headers
// are normalized, addresses lower-cased, and HTML sanitized. receivedAt wins over
// the Date header; when both are missing the current time is used.
func Parse(raw []byte, userID string, receivedAt time.Time) (*models.Email, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyMessage
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	for _, perr := range env.Errors {
		logger.Debug("Parser: recoverable MIME problem", "error", perr.Error())
	}

	email := &models.Email{
		UserID:          userID,
		MessageIDHeader: threading.NormalizeMessageID(env.GetHeader("Message-ID")),
		References:      threading.ParseMessageIDList(env.GetHeader("References")),
		Subject:         strings.TrimSpace(env.GetHeader("Subject")),
		BodyText:        env.Text,
		SafeBodyHTML:    SanitizeHTML(env.HTML),
		ReceivedAt:      receivedAt,
	}

	if parents := threading.ParseMessageIDList(env.GetHeader("In-Reply-To")); len(parents) > 0 {
		email.InReplyTo = parents[0]
	}

	if from := addressList(env, "From"); len(from) > 0 {
		email.FromName = from[0].Name
		email.FromAddress = NormalizeAddress(from[0].Address)
	}
	email.ToAddresses = addresses(addressList(env, "To"))
	email.CCAddresses = addresses(addressList(env, "Cc"))
	email.BCCAddresses = addresses(addressList(env, "Bcc"))

	if email.ReceivedAt.IsZero() {
		if date, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
			email.ReceivedAt = date
		} else {
			email.ReceivedAt = time.Now()
		}
	}
	email.ReceivedAt = email.ReceivedAt.UTC()

	for _, part := range env.Attachments {
		email.Attachments = append(email.Attachments, attachment(part, false))
	}
	for _, part := range env.Inlines {
		email.Attachments = append(email.Attachments, attachment(part, true))
	}

	return email, nil
}

// NormalizeAddress lower-cases and trims a bare email address.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func addressList(env *enmime.Envelope, header string) []*mail.Address {
	list, err := env.AddressList(header)
	if err != nil && !errors.Is(err, mail.ErrHeaderNotPresent) {
		logger.Debug("Parser: unreadable address header", "header", header, "error", err)
	}
	return list
}

func addresses(list []*mail.Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if addr := NormalizeAddress(a.Address); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

func attachment(part *enmime.Part, inline bool) models.Attachment {
	return models.Attachment{
		Filename:    part.FileName,
		ContentType: part.ContentType,
		SizeBytes:   int64(len(part.Content)),
		IsInline:    inline,
		ContentID:   strings.Trim(part.ContentID, "<>"),
	}
}
