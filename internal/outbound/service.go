// Package outbound composes, sends, and threads messages written by the user.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/vdavid/mailhook/internal/logger"
	"github.com/vdavid/mailhook/internal/metrics"
	"github.com/vdavid/mailhook/internal/models"
	"github.com/vdavid/mailhook/internal/parser"
	"github.com/vdavid/mailhook/internal/threading"
	"github.com/vdavid/mailhook/internal/websocket"
)

var (
	ErrInvalidRequest = errors.New("invalid send request")
	ErrSendFailed     = errors.New("failed to send message")
)

// MessageStore reads reply parents and records what was sent. Missing or
// foreign ids yield threading.ErrNotFound.
type MessageStore interface {
	SaveSentEmail(ctx context.Context, sent *models.SentEmail) error
	GetEmail(ctx context.Context, userID, id string) (*models.Email, error)
	GetSentEmail(ctx context.Context, userID, id string) (*models.SentEmail, error)
}

// Threader is the subset of threading.Resolver the service uses.
type Threader interface {
	AssignMessageToThread(ctx context.Context, msg models.Threadable, userID string) threading.Assignment
	ResolveID(ctx context.Context, opaqueID, userID string) (*threading.ResolvedID, error)
}

type Publisher interface {
	Publish(userID string, event websocket.Event)
}

type SendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	CC      []string `json:"cc,omitempty"`
	BCC     []string `json:"bcc,omitempty"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
	HTML    string   `json:"html,omitempty"`
}

// ReplyRequest is a reply body. To defaults to the parent's sender.
type ReplyRequest struct {
	From string   `json:"from"`
	To   []string `json:"to,omitempty"`
	CC   []string `json:"cc,omitempty"`
	BCC  []string `json:"bcc,omitempty"`
	Text string   `json:"text"`
	HTML string   `json:"html,omitempty"`
}

type Result struct {
	Sent           *models.SentEmail `json:"sent"`
	ThreadID       string            `json:"thread_id,omitempty"`
	ThreadPosition int               `json:"thread_position,omitempty"`
	// InReplyTo is the record id of the message a reply answered.
	InReplyTo string `json:"in_reply_to,omitempty"`
}

type Service struct {
	store           MessageStore
	threads         Threader
	sender          Sender
	publisher       Publisher
	messageIDDomain string
	now             func() time.Time
}

// NewService creates the outbound service. publisher may be nil.
func NewService(store MessageStore, threads Threader, sender Sender, publisher Publisher, messageIDDomain string) *Service {
	return &Service{
		store:           store,
		threads:         threads,
		sender:          sender,
		publisher:       publisher,
		messageIDDomain: messageIDDomain,
		now:             time.Now,
	}
}

// Send transmits a new message and threads it like any other.
func (s *Service) Send(ctx context.Context, userID string, req SendRequest) (*Result, error) {
	sent := &models.SentEmail{
		UserID:       userID,
		Subject:      strings.TrimSpace(req.Subject),
		FromAddress:  req.From,
		ToAddresses:  req.To,
		CCAddresses:  req.CC,
		BCCAddresses: req.BCC,
		BodyText:     req.Text,
		BodyHTML:     req.HTML,
	}
	return s.deliver(ctx, sent)
}

// Reply answers the message named by opaqueID, or the latest inbound message of
// the thread it names. Headers follow RFC 5322 so the reply lands in the same
// conversation on the recipient's side too.
func (s *Service) Reply(ctx context.Context, userID, opaqueID string, req ReplyRequest) (*Result, error) {
	resolved, err := s.threads.ResolveID(ctx, opaqueID, userID)
	if err != nil {
		return nil, err
	}

	parent, defaultTo, err := s.loadParent(ctx, userID, resolved)
	if err != nil {
		return nil, err
	}

	headers := threading.BuildReplyHeaders(parent)
	to := req.To
	if len(to) == 0 {
		to = defaultTo
	}

	sent := &models.SentEmail{
		UserID:       userID,
		InReplyTo:    headers.InReplyTo,
		References:   headers.References,
		Subject:      headers.Subject,
		FromAddress:  req.From,
		ToAddresses:  to,
		CCAddresses:  req.CC,
		BCCAddresses: req.BCC,
		BodyText:     req.Text,
		BodyHTML:     req.HTML,
	}

	result, err := s.deliver(ctx, sent)
	if err != nil {
		return nil, err
	}
	result.InReplyTo = resolved.MessageID
	return result, nil
}

// loadParent returns the message being replied to and who a reply goes to by
// default: the sender of an inbound message, or the recipients of one of our own.
func (s *Service) loadParent(ctx context.Context, userID string, resolved *threading.ResolvedID) (models.Threadable, []string, error) {
	if resolved.Kind == models.KindOutbound {
		sent, err := s.store.GetSentEmail(ctx, userID, resolved.MessageID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load reply parent: %w", err)
		}
		return sent, sent.ToAddresses, nil
	}

	email, err := s.store.GetEmail(ctx, userID, resolved.MessageID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load reply parent: %w", err)
	}
	return email, email.SenderAddresses(), nil
}

func (s *Service) deliver(ctx context.Context, sent *models.SentEmail) (*Result, error) {
	if err := normalizeRecipients(sent); err != nil {
		return nil, err
	}

	sent.MessageIDHeader = threading.GenerateMessageID(s.messageIDDomain)
	sent.SentAt = s.now().UTC()
	sent.Status = "sent"

	raw, err := Compose(sent)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	rcpts := make([]string, 0, len(sent.ToAddresses)+len(sent.CCAddresses)+len(sent.BCCAddresses))
	rcpts = append(rcpts, sent.ToAddresses...)
	rcpts = append(rcpts, sent.CCAddresses...)
	rcpts = append(rcpts, sent.BCCAddresses...)

	if err := s.sender.Send(ctx, sent.FromAddress, rcpts, raw); err != nil {
		metrics.OutboundMessages.WithLabelValues("failed").Inc()
		logger.WarnContext(ctx, "Outbound send failed", "user_id", sent.UserID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	metrics.OutboundMessages.WithLabelValues("sent").Inc()

	if err := s.store.SaveSentEmail(ctx, sent); err != nil {
		logger.ErrorContext(ctx, "Sent message could not be recorded",
			"user_id", sent.UserID, "message_id", sent.MessageIDHeader, "error", err)
		return nil, fmt.Errorf("failed to record sent message: %w", err)
	}

	assignment := s.threads.AssignMessageToThread(ctx, sent, sent.UserID)
	if assignment.OK() {
		sent.ThreadID = &assignment.ThreadID
		sent.ThreadPosition = &assignment.ThreadPosition
	}

	if s.publisher != nil {
		s.publisher.Publish(sent.UserID, websocket.Event{
			Type:     websocket.EventEmailSent,
			EmailID:  sent.ID,
			ThreadID: assignment.ThreadID,
		})
	}

	return &Result{
		Sent:           sent,
		ThreadID:       assignment.ThreadID,
		ThreadPosition: assignment.ThreadPosition,
	}, nil
}

func normalizeRecipients(sent *models.SentEmail) error {
	from, err := bareAddress(sent.FromAddress)
	if err != nil {
		return fmt.Errorf("%w: from: %w", ErrInvalidRequest, err)
	}
	sent.FromAddress = from

	lists := []*[]string{&sent.ToAddresses, &sent.CCAddresses, &sent.BCCAddresses}
	for _, list := range lists {
		out := make([]string, 0, len(*list))
		for _, a := range *list {
			addr, err := bareAddress(a)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
			}
			out = append(out, addr)
		}
		*list = out
	}

	if len(sent.ToAddresses)+len(sent.CCAddresses)+len(sent.BCCAddresses) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", ErrInvalidRequest)
	}
	return nil
}

func bareAddress(a string) (string, error) {
	parsed, err := mail.ParseAddress(a)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", a, err)
	}
	return parser.NormalizeAddress(parsed.Address), nil
}
