// Package inbound turns raw received mail into stored, guarded, threaded emails.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vdavid/mailhook/internal/guard"
	"github.com/vdavid/mailhook/internal/logger"
	"github.com/vdavid/mailhook/internal/metrics"
	"github.com/vdavid/mailhook/internal/models"
	"github.com/vdavid/mailhook/internal/parser"
	"github.com/vdavid/mailhook/internal/storage"
	"github.com/vdavid/mailhook/internal/threading"
	"github.com/vdavid/mailhook/internal/websocket"
)

var (
	// ErrInvalidMessage wraps every reason a raw message could not be accepted.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrNoObjectStore is returned by ReceiveObject when no object storage is configured.
	ErrNoObjectStore = errors.New("object storage is not configured")
)

// EmailStore persists inbound emails.
type EmailStore interface {
	// FindEmailByContentHash returns the id of the user's email with this hash, or "".
	FindEmailByContentHash(ctx context.Context, userID, contentHash string) (string, error)

	// SaveEmail inserts the email and sets its ID. duplicate is true when an email
	// with the same content hash already existed; email.ID then names that one.
	SaveEmail(ctx context.Context, email *models.Email) (duplicate bool, err error)
}

// Evaluator decides what happens to an email. guard.Pipeline implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, email *models.Email, userID string) guard.Decision
}

// Threader assigns a stored message to a conversation. threading.Resolver implements it.
type Threader interface {
	AssignMessageToThread(ctx context.Context, msg models.Threadable, userID string) threading.Assignment
}

// Publisher pushes events to the user's live connections. websocket.Hub implements it.
type Publisher interface {
	Publish(userID string, event websocket.Event)
}

// ObjectFetcher loads a raw message dropped into object storage.
type ObjectFetcher interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Result is the outcome of receiving one message.
type Result struct {
	EmailID        string         `json:"email_id"`
	Duplicate      bool           `json:"duplicate"`
	ThreadID       string         `json:"thread_id,omitempty"`
	ThreadPosition int            `json:"thread_position,omitempty"`
	Decision       guard.Decision `json:"guard"`
}

type Service struct {
	store     EmailStore
	evaluator Evaluator
	threader  Threader
	publisher Publisher
	objects   ObjectFetcher
	now       func() time.Time
}

// NewService creates the inbound pipeline. publisher and objects may be nil.
func NewService(store EmailStore, evaluator Evaluator, threader Threader, publisher Publisher, objects ObjectFetcher) *Service {
	return &Service{
		store:     store,
		evaluator: evaluator,
		threader:  threader,
		publisher: publisher,
		objects:   objects,
		now:       time.Now,
	}
}

// Receive stores one raw RFC 5322 message for the user, runs the guard rules
// over it, and threads it. A message whose exact bytes were already received is
// reported as a duplicate and nothing else happens.
func (s *Service) Receive(ctx context.Context, userID string, raw []byte) (*Result, error) {
	if len(raw) > storage.MaxMessageSize {
		metrics.InboundMessages.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, storage.ErrMessageTooLarge)
	}

	hash := storage.ContentHash(raw)
	existing, err := s.store.FindEmailByContentHash(ctx, userID, hash)
	if err != nil {
		metrics.InboundMessages.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to check for duplicate: %w", err)
	}
	if existing != "" {
		metrics.InboundMessages.WithLabelValues("duplicate").Inc()
		return &Result{EmailID: existing, Duplicate: true}, nil
	}

	email, err := parser.Parse(raw, userID, s.now())
	if err != nil {
		metrics.InboundMessages.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	email.ContentHash = hash

	duplicate, err := s.store.SaveEmail(ctx, email)
	if err != nil {
		metrics.InboundMessages.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to save email: %w", err)
	}
	if duplicate {
		// A concurrent delivery of the same bytes won the insert.
		metrics.InboundMessages.WithLabelValues("duplicate").Inc()
		return &Result{EmailID: email.ID, Duplicate: true}, nil
	}

	decision := s.evaluator.Evaluate(ctx, email, userID)
	assignment := s.threader.AssignMessageToThread(ctx, email, userID)

	result := &Result{
		EmailID:        email.ID,
		ThreadID:       assignment.ThreadID,
		ThreadPosition: assignment.ThreadPosition,
		Decision:       decision,
	}

	if s.publisher != nil {
		s.publisher.Publish(userID, websocket.Event{
			Type:        websocket.EventNewEmail,
			EmailID:     email.ID,
			ThreadID:    assignment.ThreadID,
			GuardAction: string(decision.Action),
			Blocked:     decision.Blocked,
		})
	}

	outcome := "accepted"
	if decision.Blocked {
		outcome = "blocked"
	}
	metrics.InboundMessages.WithLabelValues(outcome).Inc()

	logger.InfoContext(ctx, "Inbound email received",
		"user_id", userID,
		"email_id", email.ID,
		"thread_id", assignment.ThreadID,
		"guard_action", decision.Action)

	return result, nil
}

// ReceiveObject fetches the raw message stored under key and receives it.
func (s *Service) ReceiveObject(ctx context.Context, userID, key string) (*Result, error) {
	if s.objects == nil {
		return nil, ErrNoObjectStore
	}
	raw, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch object %s: %w", key, err)
	}
	return s.Receive(ctx, userID, raw)
}
