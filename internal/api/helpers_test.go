package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/vdavid/mailhook/internal/auth"
)

// testUsers resolves every email to a deterministic fake user id.
func testUsers(_ context.Context, email string) (string, error) {
	return "user:" + email, nil
}

// failingUsers simulates a database outage during user resolution.
func failingUsers(context.Context, string) (string, error) {
	return "", errors.New("database unavailable")
}

// createRequestWithUser creates an HTTP request with user email in context and
// optional mux route variables.
func createRequestWithUser(method, url, email string, body io.Reader, vars map[string]string) *http.Request {
	req := httptest.NewRequest(method, url, body)
	req = req.WithContext(auth.WithUserEmail(req.Context(), email))
	if vars != nil {
		req = mux.SetURLVars(req, vars)
	}
	return req
}

// VerifyAuthCheck verifies that the handler returns 401 Unauthorized when no user is in context.
func VerifyAuthCheck(t *testing.T, handlerFunc http.HandlerFunc, method, url string) {
	t.Helper()
	req := httptest.NewRequest(method, url, nil)
	rr := httptest.NewRecorder()
	handlerFunc(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "Expected status 401 when no user email in context")
}
