// Command devserver runs Mailhook against a throwaway Postgres container and an
// in-memory SMTP sink, seeds a demo mailbox, and prints a bearer token for it.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailhook/internal/config"
	"github.com/vdavid/mailhook/internal/db"
	"github.com/vdavid/mailhook/internal/db/migrations"
	"github.com/vdavid/mailhook/internal/inbound"
	"github.com/vdavid/mailhook/internal/logger"
	"github.com/vdavid/mailhook/internal/server"
	"github.com/vdavid/mailhook/internal/testutil"
)

const devEmail = "dev@example.com"

func main() {
	if _, err := logger.Initialize(config.LoggingConfig{Output: "stderr", Format: "console", Level: "debug"}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(); err != nil {
		logger.Fatal("Dev server failed", "error", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting Postgres container...")
	container, connStr, err := testutil.StartPostgres(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := container.Terminate(context.Background()); err != nil {
			logger.Warn("Failed to terminate Postgres container", "error", err)
		}
	}()

	if err := migrations.Up(connStr); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}
	db.ConfigurePool(poolConfig)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	smtpServer, err := testutil.StartSMTPServer("dev", "dev")
	if err != nil {
		return fmt.Errorf("failed to start SMTP sink: %w", err)
	}
	defer smtpServer.Close()

	cfg, err := devConfig(smtpServer.Address)
	if err != nil {
		return err
	}

	app, err := server.NewApp(cfg, pool)
	if err != nil {
		return err
	}

	userID, err := db.GetOrCreateUser(ctx, pool, devEmail)
	if err != nil {
		return fmt.Errorf("failed to create dev user: %w", err)
	}
	if err := seedMailbox(ctx, app.Inbound, userID, time.Now()); err != nil {
		return err
	}

	token, err := app.Authenticator.IssueToken(devEmail, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("Dev server ready",
		"address", srv.Addr,
		"user", devEmail,
		"smtp_sink", smtpServer.Address)
	fmt.Printf("\nexport MAILHOOK_TOKEN=%s\n\n", token)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down", "captured_messages", len(smtpServer.GetMessages()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func devConfig(smtpAddress string) (*config.Config, error) {
	host, port, err := net.SplitHostPort(smtpAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP sink address %q: %w", smtpAddress, err)
	}

	listenPort := os.Getenv("PORT")
	if listenPort == "" {
		listenPort = "8080"
	}

	return &config.Config{
		Environment:         "development",
		JWTSecret:           "mailhook-dev-secret",
		Port:                listenPort,
		Timezone:            "UTC",
		MessageIDDomain:     "mailhook.dev",
		ThreadRecencyWindow: config.DefaultThreadRecencyWindow,
		WSMaxConnsPerUser:   10,
		SMTP: config.SMTPConfig{
			Host:     host,
			Port:     port,
			Username: "dev",
			Password: "dev",
		},
	}, nil
}

type demoMessage struct {
	messageID  string
	inReplyTo  string
	references string
	from       string
	subject    string
	body       string
	age        time.Duration
}

// demoMessages covers each way a message can join a thread: In-Reply-To,
// References only, and the subject+participant fallback.
var demoMessages = []demoMessage{
	{
		messageID: "<kickoff@partner.example>",
		from:      "Dana <dana@partner.example>",
		subject:   "Project kickoff",
		body:      "Shall we meet on Thursday?",
		age:       72 * time.Hour,
	},
	{
		messageID: "<kickoff-2@partner.example>",
		inReplyTo: "<kickoff@partner.example>",
		from:      "Dana <dana@partner.example>",
		subject:   "Re: Project kickoff",
		body:      "Adding the agenda.",
		age:       48 * time.Hour,
	},
	{
		messageID:  "<kickoff-3@partner.example>",
		references: "<kickoff@partner.example> <kickoff-2@partner.example>",
		from:       "Lee <lee@partner.example>",
		subject:    "Re: Project kickoff",
		body:       "Thursday works for me.",
		age:        24 * time.Hour,
	},
	{
		messageID: "<invoice-1@billing.example>",
		from:      "Billing <billing@billing.example>",
		subject:   "Invoice 1042",
		body:      "Your invoice is attached.",
		age:       6 * time.Hour,
	},
	{
		messageID: "<invoice-1-resend@billing.example>",
		from:      "Billing <billing@billing.example>",
		subject:   "Fwd: Invoice 1042",
		body:      "Resending in case you missed it.",
		age:       time.Hour,
	},
}

func seedMailbox(ctx context.Context, receiver *inbound.Service, userID string, now time.Time) error {
	for _, msg := range demoMessages {
		result, err := receiver.Receive(ctx, userID, msg.raw(now))
		if err != nil {
			return fmt.Errorf("failed to seed %s: %w", msg.messageID, err)
		}
		logger.Debug("Seeded message", "message_id", msg.messageID, "thread_id", result.ThreadID, "position", result.ThreadPosition)
	}
	return nil
}

func (m demoMessage) raw(now time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.from)
	fmt.Fprintf(&b, "To: %s\r\n", devEmail)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.subject)
	fmt.Fprintf(&b, "Date: %s\r\n", now.Add(-m.age).Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", m.messageID)
	if m.inReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", m.inReplyTo)
	}
	if m.references != "" {
		fmt.Fprintf(&b, "References: %s\r\n", m.references)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(m.body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
