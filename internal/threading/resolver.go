// Package threading groups inbound and outbound messages into conversations.
//
// A message joins a thread, in order of preference, through its In-Reply-To
// header, its References chain (direct parent first), a stored reply that
// already references it, or a recent thread with the same normalized subject and
// overlapping participants. Otherwise it starts a new thread.
package threading

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/vdavid/mailhook/internal/logger"
	"github.com/vdavid/mailhook/internal/metrics"
	"github.com/vdavid/mailhook/internal/models"
	"github.com/vdavid/mailhook/internal/retry"
)

// MatchKind records which rule placed a message in its thread.
type MatchKind string

const (
	MatchInReplyTo  MatchKind = "in_reply_to"
	MatchReferences MatchKind = "references"
	MatchMessageID  MatchKind = "message_id"
	MatchChild      MatchKind = "child"
	MatchSubject    MatchKind = "subject"
	MatchNew        MatchKind = "new"
)

// Assignment is the result of threading one message. The zero value means the
// message was left unthreaded; callers that do not care can ignore it.
type Assignment struct {
	ThreadID       string
	ThreadPosition int
	Created        bool
	MatchedBy      MatchKind
}

// OK reports whether the message was assigned to a thread.
func (a Assignment) OK() bool {
	return a.ThreadID != ""
}

type Resolver struct {
	store           Store
	recencyWindow   time.Duration
	messageIDDomain string
	backoff         retry.BackoffConfig
	now             func() time.Time
}

func NewResolver(store Store, recencyWindow time.Duration, messageIDDomain string) *Resolver {
	return &Resolver{
		store:           store,
		recencyWindow:   recencyWindow,
		messageIDDomain: messageIDDomain,
		backoff: retry.BackoffConfig{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     200 * time.Millisecond,
			Multiplier:      2,
			Jitter:          true,
			MaxRetries:      3,
		},
		now: time.Now,
	}
}

// AssignMessageToThread places an already-stored message into a thread. Storage
// failures are logged and reported as a zero Assignment: threading never blocks delivery.
func (r *Resolver) AssignMessageToThread(ctx context.Context, msg models.Threadable, userID string) Assignment {
	if msg.OwnerID() != userID {
		logger.Warn("Threading: message owner mismatch, not threading",
			"message_id", msg.RecordID(), "user_id", userID)
		metrics.ThreadAssignmentFailures.Inc()
		return Assignment{}
	}

	var assignment Assignment
	err := retry.WithRetry(ctx, func() error {
		a, err := r.assign(ctx, msg, userID)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				return err
			}
			return retry.Stop(err)
		}
		assignment = a
		return nil
	}, r.backoff)
	if err != nil {
		logger.Warn("Threading: failed to assign message to thread",
			"message_id", msg.RecordID(), "kind", msg.Kind(), "user_id", userID, "error", err)
		metrics.ThreadAssignmentFailures.Inc()
		return Assignment{}
	}

	if assignment.Created {
		metrics.ThreadsCreated.Inc()
	}
	metrics.ThreadAssignments.WithLabelValues(string(assignment.MatchedBy)).Inc()
	logger.Debug("Threading: assigned message",
		"message_id", msg.RecordID(), "thread_id", assignment.ThreadID,
		"position", assignment.ThreadPosition, "matched_by", assignment.MatchedBy)

	return assignment
}

func (r *Resolver) assign(ctx context.Context, msg models.Threadable, userID string) (Assignment, error) {
	headers := msg.ThreadHeaders()
	messageID := NormalizeMessageID(headers.MessageID)
	participants := normalizeAddresses(msg.Participants())
	subject := msg.ThreadSubject()
	normalizedSubject := NormalizeSubject(&subject)

	threadID, matchedBy, err := r.findThread(ctx, msg, userID, messageID, normalizedSubject, participants)
	if err != nil {
		return Assignment{}, err
	}

	req := AttachRequest{
		UserID:            userID,
		Kind:              msg.Kind(),
		MessageRecordID:   msg.RecordID(),
		ThreadID:          threadID,
		NormalizedSubject: normalizedSubject,
		Participants:      participants,
		Timestamp:         msg.Timestamp(),
	}
	if threadID == "" {
		req.RootMessageID = messageID
		if req.RootMessageID == "" {
			req.RootMessageID = GenerateMessageID(r.messageIDDomain)
		}
	}

	result, err := r.store.Attach(ctx, req)
	if err != nil {
		return Assignment{}, fmt.Errorf("failed to attach message: %w", err)
	}

	if threadID == "" && !result.Created {
		// Another message with the same root id got there first.
		matchedBy = MatchMessageID
	}

	return Assignment{
		ThreadID:       result.ThreadID,
		ThreadPosition: result.ThreadPosition,
		Created:        result.Created,
		MatchedBy:      matchedBy,
	}, nil
}

// findThread returns the thread the message should join, or "" with MatchNew.
func (r *Resolver) findThread(ctx context.Context, msg models.Threadable, userID, messageID string, normalizedSubject *string, participants []string) (string, MatchKind, error) {
	headers := msg.ThreadHeaders()

	// Ancestors in preference order: direct parent, then References from last to first.
	type candidate struct {
		id   string
		kind MatchKind
	}
	var ancestors []candidate
	seen := map[string]struct{}{}
	add := func(id string, kind MatchKind) {
		if id == "" || id == messageID {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ancestors = append(ancestors, candidate{id: id, kind: kind})
	}
	for _, id := range ParseMessageIDList(headers.InReplyTo) {
		add(id, MatchInReplyTo)
	}
	refs := normalizeReferences(headers.References)
	for i := len(refs) - 1; i >= 0; i-- {
		add(refs[i], MatchReferences)
	}
	// A second copy of a known message (for example sent and received) joins its thread.
	if messageID != "" {
		ancestors = append(ancestors, candidate{id: messageID, kind: MatchMessageID})
	}

	if len(ancestors) > 0 {
		ids := make([]string, len(ancestors))
		for i, c := range ancestors {
			ids[i] = c.id
		}
		found, err := r.store.FindThreadsByMessageIDs(ctx, userID, ids)
		if err != nil {
			return "", "", fmt.Errorf("failed to look up ancestors: %w", err)
		}
		for _, c := range ancestors {
			if threadID, ok := found[c.id]; ok && threadID != "" {
				return threadID, c.kind, nil
			}
		}
	}

	if messageID != "" {
		threadID, err := r.store.FindThreadByReferencingMessage(ctx, userID, messageID)
		if err != nil {
			return "", "", fmt.Errorf("failed to look up replies: %w", err)
		}
		if threadID != "" {
			return threadID, MatchChild, nil
		}
	}

	if normalizedSubject != nil && len(participants) > 0 {
		threadID, err := r.findBySubject(ctx, msg, userID, *normalizedSubject, participants)
		if err != nil {
			return "", "", err
		}
		if threadID != "" {
			return threadID, MatchSubject, nil
		}
	}

	return "", MatchNew, nil
}

// findBySubject picks among recent same-subject threads: largest participant
// overlap, then most recent activity, then lowest id.
func (r *Resolver) findBySubject(ctx context.Context, msg models.Threadable, userID, normalizedSubject string, participants []string) (string, error) {
	reference := msg.Timestamp()
	if reference.IsZero() {
		reference = r.now()
	}
	since := reference.Add(-r.recencyWindow)

	candidates, err := r.store.FindThreadsBySubject(ctx, userID, normalizedSubject, participants, since)
	if err != nil {
		return "", fmt.Errorf("failed to look up threads by subject: %w", err)
	}

	best := ""
	bestOverlap := 0
	var bestLast time.Time
	for _, c := range candidates {
		if c.LastMessageAt.Before(since) {
			continue
		}
		overlap := countOverlap(participants, c.Participants)
		if overlap == 0 {
			continue
		}
		better := best == "" ||
			overlap > bestOverlap ||
			(overlap == bestOverlap && c.LastMessageAt.After(bestLast)) ||
			(overlap == bestOverlap && c.LastMessageAt.Equal(bestLast) && c.ID < best)
		if better {
			best, bestOverlap, bestLast = c.ID, overlap, c.LastMessageAt
		}
	}
	return best, nil
}

// normalizeAddresses lower-cases, trims, and deduplicates addresses, sorted.
func normalizeAddresses(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			out = append(out, a)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func countOverlap(a, b []string) int {
	set := make(map[string]struct{}, len(b))
	for _, addr := range b {
		set[strings.ToLower(addr)] = struct{}{}
	}
	n := 0
	for _, addr := range a {
		if _, ok := set[addr]; ok {
			n++
		}
	}
	return n
}
