package outbound

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailhook/internal/config"
	"github.com/vdavid/mailhook/internal/models"
	"github.com/vdavid/mailhook/internal/testutil"
	"github.com/vdavid/mailhook/internal/threading"
	"github.com/vdavid/mailhook/internal/websocket"
)

type fakeStore struct {
	emails map[string]*models.Email
	sent   map[string]*models.SentEmail
	saved  []*models.SentEmail
	err    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{emails: map[string]*models.Email{}, sent: map[string]*models.SentEmail{}}
}

func (f *fakeStore) SaveSentEmail(_ context.Context, sent *models.SentEmail) error {
	if f.err != nil {
		return f.err
	}
	sent.ID = "sent-" + string(rune('a'+len(f.saved)))
	f.saved = append(f.saved, sent)
	return nil
}

func (f *fakeStore) GetEmail(_ context.Context, userID, id string) (*models.Email, error) {
	e, ok := f.emails[id]
	if !ok || e.UserID != userID {
		return nil, threading.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) GetSentEmail(_ context.Context, userID, id string) (*models.SentEmail, error) {
	s, ok := f.sent[id]
	if !ok || s.UserID != userID {
		return nil, threading.ErrNotFound
	}
	return s, nil
}

type fakeThreader struct {
	resolved   map[string]*threading.ResolvedID
	assignment threading.Assignment
	assigned   []models.Threadable
}

func (f *fakeThreader) AssignMessageToThread(_ context.Context, msg models.Threadable, _ string) threading.Assignment {
	f.assigned = append(f.assigned, msg)
	return f.assignment
}

func (f *fakeThreader) ResolveID(_ context.Context, opaqueID, _ string) (*threading.ResolvedID, error) {
	r, ok := f.resolved[opaqueID]
	if !ok {
		return nil, threading.ErrNotFound
	}
	return r, nil
}

type recordingSender struct {
	from string
	to   []string
	msg  []byte
	err  error
}

func (r *recordingSender) Send(_ context.Context, from string, to []string, msg []byte) error {
	r.from, r.to, r.msg = from, to, msg
	return r.err
}

type fakePublisher struct {
	events []websocket.Event
}

func (f *fakePublisher) Publish(_ string, event websocket.Event) {
	f.events = append(f.events, event)
}

func newTestService(store MessageStore, threads Threader, sender Sender, publisher Publisher) *Service {
	s := NewService(store, threads, sender, publisher, "mailhook.test")
	s.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("sends, records, threads, and publishes", func(t *testing.T) {
		store := newFakeStore()
		threads := &fakeThreader{assignment: threading.Assignment{ThreadID: "thread-1", ThreadPosition: 1}}
		sender := &recordingSender{}
		publisher := &fakePublisher{}

		result, err := newTestService(store, threads, sender, publisher).Send(ctx, "user-1", SendRequest{
			From:    "Me <Me@Example.com>",
			To:      []string{"alice@example.com"},
			BCC:     []string{"hidden@example.com"},
			Subject: "  Hello  ",
			Text:    "Hi Alice",
		})
		require.NoError(t, err)

		assert.Equal(t, "me@example.com", sender.from)
		assert.Equal(t, []string{"alice@example.com", "hidden@example.com"}, sender.to)

		require.Len(t, store.saved, 1)
		sent := store.saved[0]
		assert.Equal(t, "Hello", sent.Subject)
		assert.Regexp(t, `^<[0-9a-f-]{36}@mailhook\.test>$`, sent.MessageIDHeader)
		assert.Equal(t, "sent", sent.Status)
		assert.Empty(t, sent.InReplyTo)

		assert.Equal(t, "thread-1", result.ThreadID)
		require.NotNil(t, sent.ThreadID)
		assert.Equal(t, "thread-1", *sent.ThreadID)
		require.Len(t, threads.assigned, 1)

		require.Len(t, publisher.events, 1)
		assert.Equal(t, websocket.EventEmailSent, publisher.events[0].Type)
		assert.Equal(t, sent.ID, publisher.events[0].EmailID)
	})

	t.Run("requires a recipient", func(t *testing.T) {
		sender := &recordingSender{}
		_, err := newTestService(newFakeStore(), &fakeThreader{}, sender, nil).Send(ctx, "user-1", SendRequest{
			From: "me@example.com",
		})
		assert.ErrorIs(t, err, ErrInvalidRequest)
		assert.Nil(t, sender.msg)
	})

	t.Run("rejects a bad from address", func(t *testing.T) {
		_, err := newTestService(newFakeStore(), &fakeThreader{}, &recordingSender{}, nil).Send(ctx, "user-1", SendRequest{
			From: "nobody",
			To:   []string{"alice@example.com"},
		})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("transmission failure records nothing", func(t *testing.T) {
		store := newFakeStore()
		threads := &fakeThreader{}
		sender := &recordingSender{err: errors.New("relay down")}

		_, err := newTestService(store, threads, sender, nil).Send(ctx, "user-1", SendRequest{
			From: "me@example.com",
			To:   []string{"alice@example.com"},
		})
		assert.ErrorIs(t, err, ErrSendFailed)
		assert.Empty(t, store.saved)
		assert.Empty(t, threads.assigned)
	})

	t.Run("threading failure does not fail the send", func(t *testing.T) {
		store := newFakeStore()
		result, err := newTestService(store, &fakeThreader{}, &recordingSender{}, nil).Send(ctx, "user-1", SendRequest{
			From: "me@example.com",
			To:   []string{"alice@example.com"},
		})
		require.NoError(t, err)
		assert.Empty(t, result.ThreadID)
		assert.Nil(t, result.Sent.ThreadID)
	})
}

func TestReply(t *testing.T) {
	ctx := context.Background()

	parent := &models.Email{
		ID:              "email-1",
		UserID:          "user-1",
		MessageIDHeader: "<parent@example.com>",
		References:      []string{"<root@example.com>"},
		Subject:         "Lunch?",
		FromAddress:     "alice@example.com",
		ToAddresses:     []string{"me@example.com"},
	}
	ownSent := &models.SentEmail{
		ID:              "sent-1",
		UserID:          "user-1",
		MessageIDHeader: "<mine@mailhook.test>",
		Subject:         "Re: Lunch?",
		FromAddress:     "me@example.com",
		ToAddresses:     []string{"alice@example.com", "bob@example.com"},
	}

	newStore := func() *fakeStore {
		store := newFakeStore()
		store.emails[parent.ID] = parent
		store.sent[ownSent.ID] = ownSent
		return store
	}
	threads := func() *fakeThreader {
		return &fakeThreader{
			resolved: map[string]*threading.ResolvedID{
				"email-1":  {MessageID: "email-1", Kind: models.KindInbound, ThreadID: "thread-1"},
				"thread-1": {MessageID: "email-1", Kind: models.KindInbound, IsThreadID: true, ThreadID: "thread-1"},
				"sent-1":   {MessageID: "sent-1", Kind: models.KindOutbound, ThreadID: "thread-1"},
			},
			assignment: threading.Assignment{ThreadID: "thread-1", ThreadPosition: 2},
		}
	}

	t.Run("reply to a message builds RFC 5322 headers", func(t *testing.T) {
		store := newStore()
		sender := &recordingSender{}

		result, err := newTestService(store, threads(), sender, nil).Reply(ctx, "user-1", "email-1", ReplyRequest{
			From: "me@example.com",
			Text: "Sure",
		})
		require.NoError(t, err)

		sent := result.Sent
		assert.Equal(t, "<parent@example.com>", sent.InReplyTo)
		assert.Equal(t, []string{"<root@example.com>", "<parent@example.com>"}, sent.References)
		assert.Equal(t, "Re: Lunch?", sent.Subject)
		assert.Equal(t, []string{"alice@example.com"}, sent.ToAddresses)
		assert.Equal(t, "email-1", result.InReplyTo)
		assert.Equal(t, "thread-1", result.ThreadID)

		env, err := enmime.ReadEnvelope(bytes.NewReader(sender.msg))
		require.NoError(t, err)
		assert.Equal(t, "<parent@example.com>", env.GetHeader("In-Reply-To"))
	})

	t.Run("thread id replies to the latest inbound message", func(t *testing.T) {
		result, err := newTestService(newStore(), threads(), &recordingSender{}, nil).Reply(ctx, "user-1", "thread-1", ReplyRequest{
			From: "me@example.com",
		})
		require.NoError(t, err)
		assert.Equal(t, "email-1", result.InReplyTo)
		assert.Equal(t, "<parent@example.com>", result.Sent.InReplyTo)
	})

	t.Run("reply to own sent message goes to its recipients", func(t *testing.T) {
		result, err := newTestService(newStore(), threads(), &recordingSender{}, nil).Reply(ctx, "user-1", "sent-1", ReplyRequest{
			From: "me@example.com",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, result.Sent.ToAddresses)
		assert.Equal(t, "Re: Lunch?", result.Sent.Subject)
		assert.Equal(t, []string{"<mine@mailhook.test>"}, result.Sent.References)
	})

	t.Run("explicit recipients win", func(t *testing.T) {
		result, err := newTestService(newStore(), threads(), &recordingSender{}, nil).Reply(ctx, "user-1", "email-1", ReplyRequest{
			From: "me@example.com",
			To:   []string{"dave@example.com"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"dave@example.com"}, result.Sent.ToAddresses)
	})

	t.Run("unknown id", func(t *testing.T) {
		sender := &recordingSender{}
		_, err := newTestService(newStore(), threads(), sender, nil).Reply(ctx, "user-1", "missing", ReplyRequest{
			From: "me@example.com",
		})
		assert.ErrorIs(t, err, threading.ErrNotFound)
		assert.Nil(t, sender.msg)
	})
}

func TestSMTPSender(t *testing.T) {
	ctx := context.Background()

	newSender := func(t *testing.T, server *testutil.TestSMTPServer, password string) *SMTPSender {
		host, port, err := net.SplitHostPort(server.Address)
		require.NoError(t, err)
		return NewSMTPSender(config.SMTPConfig{
			Host:     host,
			Port:     port,
			Username: server.Username(),
			Password: password,
		})
	}

	t.Run("delivers to every recipient", func(t *testing.T) {
		server := testutil.NewTestSMTPServer(t)
		sender := newSender(t, server, server.Password())

		msg := []byte("Subject: hi\r\n\r\nbody\r\n")
		err := sender.Send(ctx, "me@example.com", []string{"a@example.com", "b@example.com"}, msg)
		require.NoError(t, err)

		received := server.GetMessages()
		require.Len(t, received, 1)
		assert.Equal(t, "me@example.com", received[0].From)
		assert.Equal(t, []string{"a@example.com", "b@example.com"}, received[0].To)
		assert.Contains(t, string(received[0].Data), "body")
	})

	t.Run("wrong password is permanent", func(t *testing.T) {
		server := testutil.NewTestSMTPServer(t)
		sender := newSender(t, server, "wrong")

		err := sender.Send(ctx, "me@example.com", []string{"a@example.com"}, []byte("x\r\n"))
		var sendErr *SendError
		require.ErrorAs(t, err, &sendErr)
		assert.True(t, sendErr.Permanent)
		assert.Empty(t, server.GetMessages())
	})

	t.Run("rejected data is permanent", func(t *testing.T) {
		server := testutil.NewTestSMTPServer(t)
		server.Backend.RejectData = true
		sender := newSender(t, server, server.Password())

		err := sender.Send(ctx, "me@example.com", []string{"a@example.com"}, []byte("x\r\n"))
		var sendErr *SendError
		require.ErrorAs(t, err, &sendErr)
		assert.True(t, sendErr.Permanent)
	})

	t.Run("unreachable server is temporary", func(t *testing.T) {
		sender := NewSMTPSender(config.SMTPConfig{Host: "127.0.0.1", Port: "1"})

		err := sender.Send(ctx, "me@example.com", []string{"a@example.com"}, []byte("x\r\n"))
		var sendErr *SendError
		require.ErrorAs(t, err, &sendErr)
		assert.False(t, sendErr.Permanent)
	})

	t.Run("no recipients", func(t *testing.T) {
		err := NewSMTPSender(config.SMTPConfig{Host: "127.0.0.1", Port: "1"}).Send(ctx, "me@example.com", nil, nil)
		assert.Error(t, err)
	})
}
