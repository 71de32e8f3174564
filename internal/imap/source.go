package imap

import (
	"context"
	"errors"
	"fmt"
	"time"

	imapclient "github.com/emersion/go-imap/client"
	"github.com/vdavid/mailhook/internal/config"
	"github.com/vdavid/mailhook/internal/inbound"
	"github.com/vdavid/mailhook/internal/logger"
	"github.com/vdavid/mailhook/internal/retry"
)

// reconnectBackoff spaces out reconnects after consecutive failed sessions.
var reconnectBackoff = retry.BackoffConfig{
	InitialInterval: 2 * time.Second,
	MaxInterval:     5 * time.Minute,
	Multiplier:      2,
	Jitter:          true,
}

// Receiver accepts raw inbound mail. inbound.Service implements it.
type Receiver interface {
	Receive(ctx context.Context, userID string, raw []byte) (*inbound.Result, error)
}

// Source feeds the messages of one mailbox to a Receiver on behalf of one user.
// It remembers the highest UID delivered so each message is received once per
// UIDVALIDITY epoch; after a reset the inbound duplicate check absorbs replays.
// A Source is not safe for concurrent use.
type Source struct {
	cfg      config.IMAPConfig
	userID   string
	receiver Receiver
	mailbox  string

	uidValidity uint32
	lastUID     uint32
}

func NewSource(cfg config.IMAPConfig, userID string, receiver Receiver) *Source {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	return &Source{
		cfg:      cfg,
		userID:   userID,
		receiver: receiver,
		mailbox:  "INBOX",
	}
}

// LastUID returns the highest UID delivered so far.
func (s *Source) LastUID() uint32 {
	return s.lastUID
}

func (s *Source) connect() (*imapclient.Client, error) {
	c, err := ConnectToIMAP(s.cfg.Address, s.cfg.UseTLS)
	if err != nil {
		return nil, err
	}
	if err := Login(c, s.cfg.Username, s.cfg.Password); err != nil {
		_ = c.Logout()
		return nil, err
	}
	return c, nil
}

// selectMailbox opens the mailbox read-only and resets the UID cursor when the
// server's UIDVALIDITY changed.
func (s *Source) selectMailbox(c *imapclient.Client) error {
	status, err := c.Select(s.mailbox, true)
	if err != nil {
		return fmt.Errorf("failed to select %s: %w", s.mailbox, err)
	}
	if status.UidValidity != s.uidValidity {
		if s.uidValidity != 0 {
			logger.Warn("IMAP source: UIDVALIDITY changed, rescanning mailbox",
				"mailbox", s.mailbox, "old", s.uidValidity, "new", status.UidValidity)
		}
		s.uidValidity = status.UidValidity
		s.lastUID = 0
	}
	return nil
}

// Poll connects once, delivers every message newer than the last seen UID,
// and returns how many were handed to the receiver.
func (s *Source) Poll(ctx context.Context) (int, error) {
	c, err := s.connect()
	if err != nil {
		return 0, err
	}
	defer func() { _ = c.Logout() }()

	if err := s.selectMailbox(c); err != nil {
		return 0, err
	}
	return s.deliverNew(ctx, c)
}

// deliverNew receives new messages in UID order. A message the pipeline rejects
// as malformed is skipped; any other failure stops the batch so the message is
// retried next time.
func (s *Source) deliverNew(ctx context.Context, c *imapclient.Client) (int, error) {
	uids, err := SearchUIDsAfter(c, s.lastUID)
	if err != nil {
		return 0, err
	}
	messages, err := FetchRawMessages(c, uids)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}

		result, err := s.receiver.Receive(ctx, s.userID, msg.Body)
		switch {
		case errors.Is(err, inbound.ErrInvalidMessage):
			logger.Warn("IMAP source: skipping unparseable message", "uid", msg.UID, "error", err)
		case err != nil:
			return delivered, fmt.Errorf("failed to receive message %d: %w", msg.UID, err)
		default:
			delivered++
			logger.Debug("IMAP source: message received",
				"uid", msg.UID, "email_id", result.EmailID, "duplicate", result.Duplicate)
		}
		s.lastUID = msg.UID
	}

	return delivered, nil
}

// Run keeps a session open, delivering new mail whenever the server signals it
// and at least once per poll interval. It reconnects after failures and
// returns when ctx is done.
func (s *Source) Run(ctx context.Context) {
	logger.Info("IMAP source: starting", "address", s.cfg.Address, "mailbox", s.mailbox)
	backoff := retry.ExponentialBackoff(reconnectBackoff)
	failures := 0
	for {
		started := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		// A session that outlived a poll interval was healthy; start over.
		if time.Since(started) > s.cfg.PollInterval {
			failures = 0
		}
		failures++
		delay := backoff(failures)
		logger.Warn("IMAP source: session ended", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Source) session(ctx context.Context) error {
	c, err := s.connect()
	if err != nil {
		return err
	}
	defer func() { _ = c.Logout() }()

	updates := make(chan imapclient.Update, 16)
	c.Updates = updates
	wake := make(chan struct{}, 1)
	go forwardMailboxUpdates(updates, wake, c.LoggedOut())

	if err := s.selectMailbox(c); err != nil {
		return err
	}

	for {
		if _, err := s.deliverNew(ctx, c); err != nil {
			return err
		}
		if err := waitForMail(ctx, c, wake, s.cfg.PollInterval); err != nil {
			return fmt.Errorf("idle failed: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
