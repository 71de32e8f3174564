package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/vdavid/mailhook/internal/auth"
	"github.com/vdavid/mailhook/internal/logger"
	"github.com/vdavid/mailhook/internal/outbound"
	"github.com/vdavid/mailhook/internal/threading"
)

// Mailer is implemented by outbound.Service.
type Mailer interface {
	Send(ctx context.Context, userID string, req outbound.SendRequest) (*outbound.Result, error)
	Reply(ctx context.Context, userID, opaqueID string, req outbound.ReplyRequest) (*outbound.Result, error)
}

type SendHandler struct {
	users  UserLookup
	mailer Mailer
}

func NewSendHandler(users UserLookup, mailer Mailer) *SendHandler {
	return &SendHandler{users: users, mailer: mailer}
}

// Send handles POST /api/v1/send. From defaults to the authenticated address.
func (h *SendHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.users)
	if !ok {
		return
	}

	var req outbound.SendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.From == "" {
		req.From, _ = auth.GetUserEmailFromContext(ctx)
	}

	result, err := h.mailer.Send(ctx, userID, req)
	if err != nil {
		writeSendError(w, userID, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// Reply handles POST /api/v1/reply/{id}, where id is a message id or a thread id.
func (h *SendHandler) Reply(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.users)
	if !ok {
		return
	}

	var req outbound.ReplyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.From == "" {
		req.From, _ = auth.GetUserEmailFromContext(ctx)
	}

	result, err := h.mailer.Reply(ctx, userID, mux.Vars(r)["id"], req)
	if err != nil {
		writeSendError(w, userID, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func writeSendError(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, threading.ErrNotFound):
		writeError(w, http.StatusNotFound, "Message or thread not found")
	case errors.Is(err, outbound.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, outbound.ErrSendFailed):
		writeError(w, http.StatusBadGateway, "Failed to send message")
	default:
		logger.Error("SendHandler: Failed to send", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
