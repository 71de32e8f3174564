package testutil

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// TestIMAPServer represents a test IMAP server instance.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	cleanup  func()
	username string
	password string
}

// NewTestIMAPServer starts an IMAP server on a random local port with an in-memory backend.
// The memory backend creates a default user with username "username" and password "password",
// whose INBOX already holds one sample message.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	be := memory.New()

	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		_ = s.Serve(listener)
	}()

	// Give server time to start
	time.Sleep(50 * time.Millisecond)

	srv := &TestIMAPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		username: "username",
		password: "password",
		cleanup: func() {
			_ = s.Close()
		},
	}
	t.Cleanup(srv.Close)

	return srv
}

// Close shuts down the test IMAP server.
func (s *TestIMAPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Connect creates a new IMAP client connection to the test server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	return client, func() { _ = client.Logout() }
}

// AppendRaw appends a raw RFC 822 message to the folder.
func (s *TestIMAPServer) AppendRaw(t *testing.T, folderName string, raw []byte) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if err := client.Append(folderName, []string{imap.SeenFlag}, time.Now(), bytes.NewReader(raw)); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}
}

// AddMessage appends a plain-text message with the given headers to the folder.
// inReplyTo may be empty.
func (s *TestIMAPServer) AddMessage(t *testing.T, folderName, messageID, inReplyTo, subject, from, to string, sentAt time.Time) {
	t.Helper()

	headers := fmt.Sprintf("Message-ID: %s\r\nDate: %s\r\nFrom: %s\r\nTo: %s\r\nSubject: %s\r\n",
		messageID, sentAt.Format(time.RFC1123Z), from, to, subject)
	if inReplyTo != "" {
		headers += fmt.Sprintf("In-Reply-To: %s\r\nReferences: %s\r\n", inReplyTo, inReplyTo)
	}
	raw := headers + "Content-Type: text/plain; charset=utf-8\r\n\r\nTest message body.\r\n"

	s.AppendRaw(t, folderName, []byte(raw))
}
