package outbound

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
	"github.com/vdavid/mailhook/internal/models"
)

// Compose renders a sent email as an RFC 5322 message. Bcc recipients are
// never written to the headers. A message with HTML gets a text/plain
// alternative derived from it when no text body was given.
func Compose(sent *models.SentEmail) ([]byte, error) {
	var h mail.Header
	h.SetDate(sent.SentAt)
	h.SetSubject(sent.Subject)
	h.SetMessageID(bareID(sent.MessageIDHeader))

	from, err := mail.ParseAddress(sent.FromAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", sent.FromAddress, err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	to, err := addressList(sent.ToAddresses)
	if err != nil {
		return nil, err
	}
	h.SetAddressList("To", to)

	if len(sent.CCAddresses) > 0 {
		cc, err := addressList(sent.CCAddresses)
		if err != nil {
			return nil, err
		}
		h.SetAddressList("Cc", cc)
	}

	if sent.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{bareID(sent.InReplyTo)})
	}
	if len(sent.References) > 0 {
		refs := make([]string, 0, len(sent.References))
		for _, ref := range sent.References {
			refs = append(refs, bareID(ref))
		}
		h.SetMsgIDList("References", refs)
	}

	text := sent.BodyText
	if text == "" && sent.BodyHTML != "" {
		text = html2text.HTML2Text(sent.BodyHTML)
	}

	var buf bytes.Buffer
	if sent.BodyHTML == "" {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to create message writer: %w", err)
		}
		if _, err := io.WriteString(w, text); err != nil {
			return nil, fmt.Errorf("failed to write body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to close message: %w", err)
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create inline part: %w", err)
	}
	if err := writePart(iw, "text/plain", text); err != nil {
		return nil, err
	}
	if err := writePart(iw, "text/html", sent.BodyHTML); err != nil {
		return nil, err
	}
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close inline part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message: %w", err)
	}

	return buf.Bytes(), nil
}

func writePart(iw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return pw.Close()
}

func addressList(addrs []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", a, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}

// bareID strips the angle brackets go-message adds back itself.
func bareID(id string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(id), "<"), ">")
}
