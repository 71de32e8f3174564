package threading

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vdavid/mailhook/internal/models"
)

// ResolvedID is what an opaque API id stands for: a message to act on, and the
// thread it came from when the caller passed a thread id.
type ResolvedID struct {
	MessageID  string
	Kind       models.MessageKind
	IsThreadID bool
	ThreadID   string
}

// ResolveID turns a message id or thread id into the message a reply should
// target. A thread id resolves to its inbound message with the highest position.
// Ids that do not exist, are not UUIDs, or belong to another user all yield ErrNotFound.
func (r *Resolver) ResolveID(ctx context.Context, opaqueID, userID string) (*ResolvedID, error) {
	if _, err := uuid.Parse(opaqueID); err != nil {
		return nil, ErrNotFound
	}

	msg, err := r.store.GetMessageRef(ctx, userID, opaqueID)
	if err == nil {
		resolved := &ResolvedID{MessageID: msg.ID, Kind: msg.Kind}
		if msg.ThreadID != nil {
			resolved.ThreadID = *msg.ThreadID
		}
		return resolved, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to look up message: %w", err)
	}

	latest, err := r.store.GetLatestInboundMessage(ctx, userID, opaqueID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up thread: %w", err)
	}

	return &ResolvedID{
		MessageID:  latest.ID,
		Kind:       latest.Kind,
		IsThreadID: true,
		ThreadID:   opaqueID,
	}, nil
}
