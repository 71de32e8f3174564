package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vdavid/mailhook/internal/auth"
	ws "github.com/vdavid/mailhook/internal/websocket"
)

// newTestApp returns an App whose routes can be exercised up to the point where
// a service would be called.
func newTestApp() *App {
	return &App{
		Authenticator: auth.NewAuthenticator("server-test-secret"),
		users: func(_ context.Context, email string) (string, error) {
			return "user:" + email, nil
		},
		hub: ws.NewHub(5),
	}
}

func TestHandleRoot(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	handleRoot(w, req)

	res := w.Result()
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			t.Fatalf("failed to close response body: %v", err)
		}
	}(res.Body)

	if res.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", res.StatusCode)
	}

	contentType := res.Header.Get("Content-Type")
	if contentType != "text/plain" {
		t.Errorf("expected Content-Type 'text/plain', got '%s'", contentType)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}

	expected := "Mailhook API is running"
	if string(body) != expected {
		t.Errorf("expected body '%s', got '%s'", expected, string(body))
	}
}

func TestHandlerRoutes(t *testing.T) {
	app := newTestApp()
	handler := app.Handler()

	token, err := app.Authenticator.IssueToken("alice@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		wantStatus int
	}{
		{"root", http.MethodGet, "/", "", http.StatusOK},
		{"metrics are public", http.MethodGet, "/metrics", "", http.StatusOK},
		{"thread requires auth", http.MethodGet, "/api/v1/threads/abc", "", http.StatusUnauthorized},
		{"inbound requires auth", http.MethodPost, "/api/v1/inbound", "", http.StatusUnauthorized},
		{"guard rules require auth", http.MethodGet, "/api/v1/guard/rules", "", http.StatusUnauthorized},
		{"endpoints require auth", http.MethodPost, "/api/v1/endpoints", "", http.StatusUnauthorized},
		{"bad token is rejected", http.MethodGet, "/api/v1/resolve/abc", "garbage", http.StatusUnauthorized},
		{"websocket without token", http.MethodGet, "/api/v1/ws", "", http.StatusUnauthorized},
		{"send without SMTP", http.MethodPost, "/api/v1/send", token, http.StatusNotImplemented},
		{"reply without SMTP", http.MethodPost, "/api/v1/reply/abc", token, http.StatusNotImplemented},
		{"wrong method", http.MethodDelete, "/api/v1/guard/check", token, http.StatusMethodNotAllowed},
		{"unknown route", http.MethodGet, "/api/v1/nope", token, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader("{}"))
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d (body: %s)", tt.wantStatus, w.Code, w.Body.String())
			}
		})
	}
}
