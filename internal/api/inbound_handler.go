package api

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/vdavid/mailhook/internal/inbound"
	"github.com/vdavid/mailhook/internal/logger"
	"github.com/vdavid/mailhook/internal/storage"
)

// Receiver is implemented by inbound.Service.
type Receiver interface {
	Receive(ctx context.Context, userID string, raw []byte) (*inbound.Result, error)
	ReceiveObject(ctx context.Context, userID, key string) (*inbound.Result, error)
}

type InboundHandler struct {
	users    UserLookup
	receiver Receiver
}

func NewInboundHandler(users UserLookup, receiver Receiver) *InboundHandler {
	return &InboundHandler{users: users, receiver: receiver}
}

type objectRequest struct {
	ObjectKey string `json:"object_key"`
}

// Receive handles POST /api/v1/inbound. The body is either a raw RFC 5322
// message or, with a JSON content type, {"object_key": "..."} naming a message
// already dropped into object storage. New mail answers 201, a duplicate 200.
func (h *InboundHandler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.users)
	if !ok {
		return
	}

	var result *inbound.Result
	var err error

	if isJSON(r) {
		var req objectRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.ObjectKey) == "" {
			writeError(w, http.StatusBadRequest, "object_key is required")
			return
		}
		result, err = h.receiver.ReceiveObject(ctx, userID, req.ObjectKey)
	} else {
		raw, readErr := io.ReadAll(http.MaxBytesReader(w, r.Body, storage.MaxMessageSize))
		if readErr != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(readErr, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "Message too large")
				return
			}
			writeError(w, http.StatusBadRequest, "Failed to read request body")
			return
		}
		result, err = h.receiver.Receive(ctx, userID, raw)
	}

	if err != nil {
		switch {
		case errors.Is(err, storage.ErrMessageTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "Message too large")
		case errors.Is(err, inbound.ErrInvalidMessage):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, storage.ErrObjectNotFound):
			writeError(w, http.StatusNotFound, "Object not found")
		case errors.Is(err, inbound.ErrNoObjectStore):
			writeError(w, http.StatusNotImplemented, "Object storage is not configured")
		default:
			logger.Error("InboundHandler: Failed to receive message", "user_id", userID, "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}
