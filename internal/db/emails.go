package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailhook/internal/models"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

// SaveEmail inserts an inbound email and its attachments and populates email.ID.
// If the user already has an email with the same content hash, nothing is
// written, email.ID is set to the stored email's id, and duplicate is true.
func SaveEmail(ctx context.Context, pool *pgxpool.Pool, email *models.Email) (duplicate bool, err error) {
	defer observe("save_email")()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO emails (
			user_id,
			message_id_header,
			in_reply_to,
			reference_ids,
			subject,
			from_name,
			from_address,
			to_addresses,
			cc_addresses,
			bcc_addresses,
			body_text,
			safe_body_html,
			content_hash,
			received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (user_id, content_hash) DO NOTHING
		RETURNING id, created_at
	`,
		email.UserID,
		email.MessageIDHeader,
		email.InReplyTo,
		emptyIfNil(email.References),
		email.Subject,
		email.FromName,
		email.FromAddress,
		emptyIfNil(email.ToAddresses),
		emptyIfNil(email.CCAddresses),
		emptyIfNil(email.BCCAddresses),
		email.BodyText,
		email.SafeBodyHTML,
		email.ContentHash,
		email.ReceivedAt,
	).Scan(&email.ID, &email.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		id, findErr := FindEmailByContentHash(ctx, pool, email.UserID, email.ContentHash)
		if findErr != nil {
			return false, findErr
		}
		email.ID = id
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to save email: %w", err)
	}

	for i := range email.Attachments {
		att := &email.Attachments[i]
		att.EmailID = email.ID
		err := tx.QueryRow(ctx, `
			INSERT INTO attachments (email_id, filename, content_type, size_bytes, is_inline, content_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, att.EmailID, att.Filename, att.ContentType, att.SizeBytes, att.IsInline, att.ContentID).Scan(&att.ID)
		if err != nil {
			return false, fmt.Errorf("failed to save attachment: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit email: %w", err)
	}

	return false, nil
}

// FindEmailByContentHash returns the id of the user's email with the given content hash.
func FindEmailByContentHash(ctx context.Context, pool *pgxpool.Pool, userID, contentHash string) (string, error) {
	var id string
	err := pool.QueryRow(ctx, `
		SELECT id FROM emails WHERE user_id = $1 AND content_hash = $2
	`, userID, contentHash).Scan(&id)

	if notFound(err) {
		return "", ErrMessageNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find email by content hash: %w", err)
	}

	return id, nil
}

// GetEmail returns an inbound email with its attachments.
func GetEmail(ctx context.Context, pool *pgxpool.Pool, userID, id string) (*models.Email, error) {
	defer observe("get_email")()

	var email models.Email
	var guardAction *string
	err := pool.QueryRow(ctx, `
		SELECT id, user_id, thread_id, thread_position, message_id_header, in_reply_to, reference_ids,
			subject, from_name, from_address, to_addresses, cc_addresses, bcc_addresses,
			body_text, safe_body_html, content_hash, received_at,
			guard_blocked, guard_reason, guard_action, guard_rule_id, created_at
		FROM emails
		WHERE id = $1 AND user_id = $2
	`, id, userID).Scan(
		&email.ID,
		&email.UserID,
		&email.ThreadID,
		&email.ThreadPosition,
		&email.MessageIDHeader,
		&email.InReplyTo,
		&email.References,
		&email.Subject,
		&email.FromName,
		&email.FromAddress,
		&email.ToAddresses,
		&email.CCAddresses,
		&email.BCCAddresses,
		&email.BodyText,
		&email.SafeBodyHTML,
		&email.ContentHash,
		&email.ReceivedAt,
		&email.GuardBlocked,
		&email.GuardReason,
		&guardAction,
		&email.GuardRuleID,
		&email.CreatedAt,
	)

	if notFound(err) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}

	if guardAction != nil {
		action := models.GuardAction(*guardAction)
		email.GuardAction = &action
	}

	rows, err := pool.Query(ctx, `
		SELECT id, email_id, filename, content_type, size_bytes, is_inline, content_id
		FROM attachments
		WHERE email_id = $1
		ORDER BY filename, id
	`, email.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var att models.Attachment
		if err := rows.Scan(&att.ID, &att.EmailID, &att.Filename, &att.ContentType, &att.SizeBytes, &att.IsInline, &att.ContentID); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		email.Attachments = append(email.Attachments, att)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}

	return &email, nil
}

// AnnotateEmail writes a guard outcome onto an inbound email.
func AnnotateEmail(ctx context.Context, pool *pgxpool.Pool, userID, emailID string, annotation models.GuardAnnotation) error {
	defer observe("annotate_email")()

	var ruleID *string
	if annotation.RuleID != "" {
		ruleID = &annotation.RuleID
	}

	tag, err := pool.Exec(ctx, `
		UPDATE emails SET
			guard_blocked = $3,
			guard_reason = NULLIF($4, ''),
			guard_action = NULLIF($5, ''),
			guard_rule_id = $6
		WHERE id = $1 AND user_id = $2
	`, emailID, userID, annotation.Blocked, annotation.Reason, string(annotation.Action), ruleID)
	if err != nil {
		return fmt.Errorf("failed to annotate email: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}

	return nil
}

// SaveSentEmail inserts an outbound email and populates its ID.
func SaveSentEmail(ctx context.Context, pool *pgxpool.Pool, sent *models.SentEmail) error {
	defer observe("save_sent_email")()

	err := pool.QueryRow(ctx, `
		INSERT INTO sent_emails (
			user_id,
			message_id_header,
			in_reply_to,
			reference_ids,
			subject,
			from_address,
			to_addresses,
			cc_addresses,
			bcc_addresses,
			body_text,
			body_html,
			status,
			sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at
	`,
		sent.UserID,
		sent.MessageIDHeader,
		sent.InReplyTo,
		emptyIfNil(sent.References),
		sent.Subject,
		sent.FromAddress,
		emptyIfNil(sent.ToAddresses),
		emptyIfNil(sent.CCAddresses),
		emptyIfNil(sent.BCCAddresses),
		sent.BodyText,
		sent.BodyHTML,
		sent.Status,
		sent.SentAt,
	).Scan(&sent.ID, &sent.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to save sent email: %w", err)
	}

	return nil
}

// GetSentEmail returns an outbound email.
func GetSentEmail(ctx context.Context, pool *pgxpool.Pool, userID, id string) (*models.SentEmail, error) {
	defer observe("get_sent_email")()

	var sent models.SentEmail
	err := pool.QueryRow(ctx, `
		SELECT id, user_id, thread_id, thread_position, message_id_header, in_reply_to, reference_ids,
			subject, from_address, to_addresses, cc_addresses, bcc_addresses,
			body_text, body_html, status, sent_at, created_at
		FROM sent_emails
		WHERE id = $1 AND user_id = $2
	`, id, userID).Scan(
		&sent.ID,
		&sent.UserID,
		&sent.ThreadID,
		&sent.ThreadPosition,
		&sent.MessageIDHeader,
		&sent.InReplyTo,
		&sent.References,
		&sent.Subject,
		&sent.FromAddress,
		&sent.ToAddresses,
		&sent.CCAddresses,
		&sent.BCCAddresses,
		&sent.BodyText,
		&sent.BodyHTML,
		&sent.Status,
		&sent.SentAt,
		&sent.CreatedAt,
	)

	if notFound(err) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sent email: %w", err)
	}

	return &sent, nil
}
