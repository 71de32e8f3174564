package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailhook/internal/auth"
	"github.com/vdavid/mailhook/internal/db"
	"github.com/vdavid/mailhook/internal/logger"
)

// UserLookup maps an authenticated email address to its user id, creating the
// user the first time it is seen.
type UserLookup func(ctx context.Context, email string) (string, error)

// DBUserLookup returns a UserLookup backed by the users table.
func DBUserLookup(pool *pgxpool.Pool) UserLookup {
	return func(ctx context.Context, email string) (string, error) {
		return db.GetOrCreateUser(ctx, pool, email)
	}
}

// GetUserIDFromContext extracts the user's email from context, resolves/creates the DB user,
// and writes appropriate HTTP errors when it fails. Returns (userID, true) on success.
func GetUserIDFromContext(ctx context.Context, w http.ResponseWriter, users UserLookup) (string, bool) {
	email, ok := auth.GetUserEmailFromContext(ctx)
	if !ok {
		logger.Warn("API: No user email in context")
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return "", false
	}

	userID, err := users(ctx, email)
	if err != nil {
		logger.Error("API: Failed to get/create user", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return "", false
	}

	return userID, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("API: Failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a JSON request body into v, rejecting unknown fields. It
// writes a 400 response and returns false when the body is unusable.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

const maxJSONBodySize = 1 << 20
