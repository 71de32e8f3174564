package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/vdavid/mailhook/internal/logger"
	"github.com/vdavid/mailhook/internal/models"
	"github.com/vdavid/mailhook/internal/threading"
)

// ThreadReader loads a thread with its messages in position order.
// Unknown or foreign ids yield threading.ErrNotFound.
type ThreadReader interface {
	GetThread(ctx context.Context, userID, threadID string) (*models.Thread, error)
}

// IDResolver is implemented by threading.Resolver.
type IDResolver interface {
	ResolveID(ctx context.Context, opaqueID, userID string) (*threading.ResolvedID, error)
}

type ThreadHandler struct {
	users    UserLookup
	threads  ThreadReader
	resolver IDResolver
}

func NewThreadHandler(users UserLookup, threads ThreadReader, resolver IDResolver) *ThreadHandler {
	return &ThreadHandler{
		users:    users,
		threads:  threads,
		resolver: resolver,
	}
}

// GetThread handles GET /api/v1/threads/{id}.
func (h *ThreadHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.users)
	if !ok {
		return
	}

	threadID := mux.Vars(r)["id"]
	if threadID == "" {
		writeError(w, http.StatusBadRequest, "thread id is required")
		return
	}

	thread, err := h.threads.GetThread(ctx, userID, threadID)
	if err != nil {
		if errors.Is(err, threading.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Thread not found")
			return
		}
		logger.Error("ThreadHandler: Failed to get thread", "thread_id", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, thread)
}

type resolveResponse struct {
	MessageID  string             `json:"message_id"`
	Kind       models.MessageKind `json:"kind"`
	IsThreadID bool               `json:"is_thread_id"`
	ThreadID   string             `json:"thread_id,omitempty"`
}

// Resolve handles GET /api/v1/resolve/{id}: a message id resolves to itself,
// a thread id to the thread's latest inbound message.
func (h *ThreadHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.users)
	if !ok {
		return
	}

	resolved, err := h.resolver.ResolveID(ctx, mux.Vars(r)["id"], userID)
	if err != nil {
		if errors.Is(err, threading.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Not found")
			return
		}
		logger.Error("ThreadHandler: Failed to resolve id", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, resolveResponse{
		MessageID:  resolved.MessageID,
		Kind:       resolved.Kind,
		IsThreadID: resolved.IsThreadID,
		ThreadID:   resolved.ThreadID,
	})
}
