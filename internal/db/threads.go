package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailhook/internal/models"
	"github.com/vdavid/mailhook/internal/threading"
)

// ErrThreadNotFound is returned when a requested thread cannot be found.
var ErrThreadNotFound = errors.New("thread not found")

func messageTable(kind models.MessageKind) (string, error) {
	switch kind {
	case models.KindInbound:
		return "emails", nil
	case models.KindOutbound:
		return "sent_emails", nil
	}
	return "", fmt.Errorf("unknown message kind %q", kind)
}

// AttachMessageToThread assigns a stored message to a thread in one transaction.
// When req.ThreadID is empty, the thread keyed by (user, root Message-ID) is
// created or, if a concurrent writer created it first, joined.
func AttachMessageToThread(ctx context.Context, pool *pgxpool.Pool, req threading.AttachRequest) (threading.AttachResult, error) {
	defer observe("attach_message")()

	table, err := messageTable(req.Kind)
	if err != nil {
		return threading.AttachResult{}, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return threading.AttachResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existingThreadID *string
	var existingPosition *int
	err = tx.QueryRow(ctx, `
		SELECT thread_id, thread_position FROM `+table+`
		WHERE id = $1 AND user_id = $2
		FOR UPDATE
	`, req.MessageRecordID, req.UserID).Scan(&existingThreadID, &existingPosition)
	if notFound(err) {
		return threading.AttachResult{}, ErrMessageNotFound
	}
	if err != nil {
		return threading.AttachResult{}, fmt.Errorf("failed to lock message: %w", err)
	}
	if existingThreadID != nil && existingPosition != nil {
		return threading.AttachResult{ThreadID: *existingThreadID, ThreadPosition: *existingPosition}, nil
	}

	result := threading.AttachResult{ThreadID: req.ThreadID}
	if result.ThreadID == "" {
		err = tx.QueryRow(ctx, `
			INSERT INTO threads (user_id, root_message_id, normalized_subject, last_message_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, root_message_id) DO UPDATE SET updated_at = threads.updated_at
			RETURNING id, (xmax = 0) AS inserted
		`, req.UserID, req.RootMessageID, req.NormalizedSubject, req.Timestamp).Scan(&result.ThreadID, &result.Created)
		if err != nil {
			return threading.AttachResult{}, conflictOr(err, "failed to create thread")
		}
	}

	err = tx.QueryRow(ctx, `
		UPDATE threads SET
			next_position = next_position + 1,
			message_count = message_count + 1,
			participants = ARRAY(SELECT DISTINCT p FROM unnest(participants || $3::text[]) AS p ORDER BY p),
			last_message_at = GREATEST(last_message_at, $4),
			updated_at = now()
		WHERE id = $1 AND user_id = $2
		RETURNING next_position - 1
	`, result.ThreadID, req.UserID, emptyIfNil(req.Participants), req.Timestamp).Scan(&result.ThreadPosition)
	if notFound(err) {
		return threading.AttachResult{}, ErrThreadNotFound
	}
	if err != nil {
		return threading.AttachResult{}, conflictOr(err, "failed to allocate thread position")
	}

	_, err = tx.Exec(ctx, `
		UPDATE `+table+` SET thread_id = $1, thread_position = $2
		WHERE id = $3 AND user_id = $4
	`, result.ThreadID, result.ThreadPosition, req.MessageRecordID, req.UserID)
	if err != nil {
		return threading.AttachResult{}, conflictOr(err, "failed to assign message to thread")
	}

	if err := tx.Commit(ctx); err != nil {
		return threading.AttachResult{}, conflictOr(err, "failed to commit thread assignment")
	}

	return result, nil
}

func conflictOr(err error, msg string) error {
	if isRetryable(err) {
		return fmt.Errorf("%s: %w: %v", msg, threading.ErrConflict, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// FindThreadsByMessageIDs maps normalized Message-IDs of threaded messages to their threads.
func FindThreadsByMessageIDs(ctx context.Context, pool *pgxpool.Pool, userID string, messageIDs []string) (map[string]string, error) {
	defer observe("find_threads_by_message_ids")()

	found := make(map[string]string)
	if len(messageIDs) == 0 {
		return found, nil
	}

	rows, err := pool.Query(ctx, `
		SELECT message_id_header, thread_id FROM emails
		WHERE user_id = $1 AND message_id_header = ANY($2) AND thread_id IS NOT NULL
		UNION ALL
		SELECT message_id_header, thread_id FROM sent_emails
		WHERE user_id = $1 AND message_id_header = ANY($2) AND thread_id IS NOT NULL
	`, userID, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to find threads by message id: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, threadID string
		if err := rows.Scan(&messageID, &threadID); err != nil {
			return nil, fmt.Errorf("failed to scan thread match: %w", err)
		}
		if _, ok := found[messageID]; !ok {
			found[messageID] = threadID
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating thread matches: %w", err)
	}

	return found, nil
}

// FindThreadByReferencingMessage returns the thread of the earliest threaded
// message that replies to or references messageID, or "" when there is none.
func FindThreadByReferencingMessage(ctx context.Context, pool *pgxpool.Pool, userID, messageID string) (string, error) {
	defer observe("find_thread_by_referencing_message")()

	var threadID string
	err := pool.QueryRow(ctx, `
		SELECT thread_id FROM (
			SELECT thread_id, received_at AS ts FROM emails
			WHERE user_id = $1 AND thread_id IS NOT NULL
				AND (in_reply_to = $2 OR $2 = ANY(reference_ids))
			UNION ALL
			SELECT thread_id, sent_at AS ts FROM sent_emails
			WHERE user_id = $1 AND thread_id IS NOT NULL
				AND (in_reply_to = $2 OR $2 = ANY(reference_ids))
		) referencing
		ORDER BY ts
		LIMIT 1
	`, userID, messageID).Scan(&threadID)

	if notFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find referencing message: %w", err)
	}

	return threadID, nil
}

// FindThreadsBySubject returns recent threads with the given normalized subject
// that share at least one participant.
func FindThreadsBySubject(ctx context.Context, pool *pgxpool.Pool, userID, normalizedSubject string, participants []string, since time.Time) ([]threading.CandidateThread, error) {
	defer observe("find_threads_by_subject")()

	rows, err := pool.Query(ctx, `
		SELECT id, participants, last_message_at
		FROM threads
		WHERE user_id = $1
			AND normalized_subject = $2
			AND last_message_at >= $3
			AND participants && $4::text[]
	`, userID, normalizedSubject, since, emptyIfNil(participants))
	if err != nil {
		return nil, fmt.Errorf("failed to find threads by subject: %w", err)
	}
	defer rows.Close()

	var candidates []threading.CandidateThread
	for rows.Next() {
		var c threading.CandidateThread
		if err := rows.Scan(&c.ID, &c.Participants, &c.LastMessageAt); err != nil {
			return nil, fmt.Errorf("failed to scan candidate thread: %w", err)
		}
		candidates = append(candidates, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidate threads: %w", err)
	}

	return candidates, nil
}

// GetThread returns a thread with its messages ordered by position.
func GetThread(ctx context.Context, pool *pgxpool.Pool, userID, threadID string) (*models.Thread, error) {
	defer observe("get_thread")()

	var thread models.Thread
	err := pool.QueryRow(ctx, `
		SELECT id, user_id, root_message_id, normalized_subject, participants,
			message_count, last_message_at, created_at
		FROM threads
		WHERE id = $1 AND user_id = $2
	`, threadID, userID).Scan(
		&thread.ID,
		&thread.UserID,
		&thread.RootMessageID,
		&thread.NormalizedSubject,
		&thread.Participants,
		&thread.MessageCount,
		&thread.LastMessageAt,
		&thread.CreatedAt,
	)

	if notFound(err) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	rows, err := pool.Query(ctx, `
		SELECT id, 'inbound', thread_position, message_id_header, from_address, subject, received_at, guard_blocked
		FROM emails
		WHERE thread_id = $1 AND user_id = $2
		UNION ALL
		SELECT id, 'outbound', thread_position, message_id_header, from_address, subject, sent_at, false
		FROM sent_emails
		WHERE thread_id = $1 AND user_id = $2
		ORDER BY 3
	`, threadID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry models.ThreadEntry
		var kind string
		if err := rows.Scan(
			&entry.ID,
			&kind,
			&entry.ThreadPosition,
			&entry.MessageID,
			&entry.FromAddress,
			&entry.Subject,
			&entry.Timestamp,
			&entry.GuardBlocked,
		); err != nil {
			return nil, fmt.Errorf("failed to scan thread message: %w", err)
		}
		entry.Kind = models.MessageKind(kind)
		thread.Messages = append(thread.Messages, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating thread messages: %w", err)
	}

	return &thread, nil
}

// GetMessageRef finds a message by record id, inbound first, then outbound.
func GetMessageRef(ctx context.Context, pool *pgxpool.Pool, userID, id string) (*threading.MessageRef, error) {
	defer observe("get_message_ref")()

	for _, kind := range []models.MessageKind{models.KindInbound, models.KindOutbound} {
		table, _ := messageTable(kind)
		ref := threading.MessageRef{ID: id, Kind: kind}
		err := pool.QueryRow(ctx, `
			SELECT thread_id, thread_position FROM `+table+`
			WHERE id = $1 AND user_id = $2
		`, id, userID).Scan(&ref.ThreadID, &ref.ThreadPosition)
		if notFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get message: %w", err)
		}
		return &ref, nil
	}

	return nil, ErrMessageNotFound
}

// GetLatestInboundMessage returns the inbound message with the highest position in the thread.
func GetLatestInboundMessage(ctx context.Context, pool *pgxpool.Pool, userID, threadID string) (*threading.MessageRef, error) {
	defer observe("get_latest_inbound_message")()

	ref := threading.MessageRef{Kind: models.KindInbound}
	err := pool.QueryRow(ctx, `
		SELECT e.id, e.thread_id, e.thread_position
		FROM threads t
		INNER JOIN emails e ON e.thread_id = t.id AND e.user_id = t.user_id
		WHERE t.id = $1 AND t.user_id = $2
		ORDER BY e.thread_position DESC
		LIMIT 1
	`, threadID, userID).Scan(&ref.ID, &ref.ThreadID, &ref.ThreadPosition)

	if notFound(err) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest inbound message: %w", err)
	}

	return &ref, nil
}
