// Package server wires the stores and services into the HTTP API.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vdavid/mailhook/internal/api"
	"github.com/vdavid/mailhook/internal/auth"
	"github.com/vdavid/mailhook/internal/config"
	"github.com/vdavid/mailhook/internal/db"
	"github.com/vdavid/mailhook/internal/guard"
	"github.com/vdavid/mailhook/internal/imap"
	"github.com/vdavid/mailhook/internal/inbound"
	"github.com/vdavid/mailhook/internal/logger"
	"github.com/vdavid/mailhook/internal/outbound"
	"github.com/vdavid/mailhook/internal/storage"
	"github.com/vdavid/mailhook/internal/threading"
	ws "github.com/vdavid/mailhook/internal/websocket"
)

// App holds the services behind the HTTP routes.
type App struct {
	Authenticator *auth.Authenticator
	Inbound       *inbound.Service

	users     api.UserLookup
	hub       *ws.Hub
	threads   api.ThreadReader
	resolver  api.IDResolver
	receiver  api.Receiver
	mailer    api.Mailer // nil when no SMTP relay is configured
	rules     api.GuardRules
	endpoints api.Endpoints
}

// NewApp builds every service on top of the given pool. Object storage and
// outbound SMTP are only wired when configured.
func NewApp(cfg *config.Config, pool *pgxpool.Pool) (*App, error) {
	threadStore := db.NewThreadStore(pool)
	guardStore := db.NewGuardStore(pool)
	messageStore := db.NewMessageStore(pool)

	resolver := threading.NewResolver(threadStore, cfg.ThreadRecencyWindow, cfg.MessageIDDomain)
	rules := guard.NewService(guardStore, guardStore, nil)
	hub := ws.NewHub(cfg.WSMaxConnsPerUser)

	var objects inbound.ObjectFetcher
	if cfg.S3Enabled() {
		s3, err := storage.New(cfg.S3)
		if err != nil {
			return nil, err
		}
		objects = s3
		logger.Info("Object storage enabled", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	}

	receiver := inbound.NewService(messageStore, rules.Pipeline(), resolver, hub, objects)

	a := &App{
		Authenticator: auth.NewAuthenticator(cfg.JWTSecret),
		Inbound:       receiver,
		users:         api.DBUserLookup(pool),
		hub:           hub,
		threads:       threadStore,
		resolver:      resolver,
		receiver:      receiver,
		rules:         rules,
		endpoints:     guardStore,
	}

	if cfg.SMTPEnabled() {
		sender := outbound.NewSMTPSender(cfg.SMTP)
		a.mailer = outbound.NewService(messageStore, resolver, sender, hub, cfg.MessageIDDomain)
		logger.Info("Outbound SMTP enabled", "host", cfg.SMTP.Host, "port", cfg.SMTP.Port)
	} else {
		logger.Warn("MAILHOOK_SMTP_HOST is not set, send and reply are disabled")
	}

	return a, nil
}

// StartIMAPSource feeds the configured mailbox into the inbound pipeline as the
// configured user until ctx is done.
func (a *App) StartIMAPSource(ctx context.Context, cfg config.IMAPConfig, pool *pgxpool.Pool) error {
	userID, err := db.GetOrCreateUser(ctx, pool, cfg.UserEmail)
	if err != nil {
		return fmt.Errorf("failed to resolve IMAP user: %w", err)
	}

	source := imap.NewSource(cfg, userID, a.Inbound)
	go source.Run(ctx)

	logger.Info("IMAP source started", "address", cfg.Address, "user_email", cfg.UserEmail)
	return nil
}

// Handler returns the HTTP handler for the Mailhook API.
func (a *App) Handler() http.Handler {
	threadHandler := api.NewThreadHandler(a.users, a.threads, a.resolver)
	inboundHandler := api.NewInboundHandler(a.users, a.receiver)
	guardHandler := api.NewGuardHandler(a.users, a.rules)
	endpointHandler := api.NewEndpointHandler(a.users, a.endpoints)
	wsHandler := api.NewWebSocketHandler(a.users, a.Authenticator, a.hub)

	router := mux.NewRouter()
	router.HandleFunc("/", handleRoot).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// The WebSocket handler authenticates on its own, since browsers can't set
	// headers on WebSocket connections.
	router.HandleFunc("/api/v1/ws", wsHandler.Handle).Methods(http.MethodGet)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(a.Authenticator.RequireAuth)

	v1.HandleFunc("/inbound", inboundHandler.Receive).Methods(http.MethodPost)
	v1.HandleFunc("/threads/{id}", threadHandler.GetThread).Methods(http.MethodGet)
	v1.HandleFunc("/resolve/{id}", threadHandler.Resolve).Methods(http.MethodGet)

	if a.mailer != nil {
		sendHandler := api.NewSendHandler(a.users, a.mailer)
		v1.HandleFunc("/send", sendHandler.Send).Methods(http.MethodPost)
		v1.HandleFunc("/reply/{id}", sendHandler.Reply).Methods(http.MethodPost)
	} else {
		v1.HandleFunc("/send", handleSendDisabled).Methods(http.MethodPost)
		v1.HandleFunc("/reply/{id}", handleSendDisabled).Methods(http.MethodPost)
	}

	v1.HandleFunc("/guard/rules", guardHandler.ListRules).Methods(http.MethodGet)
	v1.HandleFunc("/guard/rules", guardHandler.CreateRule).Methods(http.MethodPost)
	v1.HandleFunc("/guard/rules/{id}", guardHandler.GetRule).Methods(http.MethodGet)
	v1.HandleFunc("/guard/rules/{id}", guardHandler.UpdateRule).Methods(http.MethodPut)
	v1.HandleFunc("/guard/rules/{id}", guardHandler.DeleteRule).Methods(http.MethodDelete)
	v1.HandleFunc("/guard/check", guardHandler.Check).Methods(http.MethodPost)

	v1.HandleFunc("/endpoints", endpointHandler.CreateEndpoint).Methods(http.MethodPost)
	v1.HandleFunc("/endpoints/{id}", endpointHandler.GetEndpoint).Methods(http.MethodGet)
	v1.HandleFunc("/endpoints/{id}/active", endpointHandler.SetActive).Methods(http.MethodPut)

	return router
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Mailhook API is running")
}

func handleSendDisabled(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotImplemented)
	_, _ = fmt.Fprint(w, `{"error":"Outbound mail is not configured"}`)
}
