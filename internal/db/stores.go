package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailhook/internal/guard"
	"github.com/vdavid/mailhook/internal/models"
	"github.com/vdavid/mailhook/internal/threading"
)

// ThreadStore implements threading.Store using a database pool.
type ThreadStore struct {
	pool *pgxpool.Pool
}

// NewThreadStore creates a threading.Store backed by the given pool.
func NewThreadStore(pool *pgxpool.Pool) *ThreadStore {
	return &ThreadStore{pool: pool}
}

var _ threading.Store = (*ThreadStore)(nil)

func (s *ThreadStore) FindThreadsByMessageIDs(ctx context.Context, userID string, messageIDs []string) (map[string]string, error) {
	return FindThreadsByMessageIDs(ctx, s.pool, userID, messageIDs)
}

func (s *ThreadStore) FindThreadByReferencingMessage(ctx context.Context, userID, messageID string) (string, error) {
	return FindThreadByReferencingMessage(ctx, s.pool, userID, messageID)
}

func (s *ThreadStore) FindThreadsBySubject(ctx context.Context, userID, normalizedSubject string, participants []string, since time.Time) ([]threading.CandidateThread, error) {
	return FindThreadsBySubject(ctx, s.pool, userID, normalizedSubject, participants, since)
}

func (s *ThreadStore) Attach(ctx context.Context, req threading.AttachRequest) (threading.AttachResult, error) {
	result, err := AttachMessageToThread(ctx, s.pool, req)
	if errors.Is(err, ErrMessageNotFound) || errors.Is(err, ErrThreadNotFound) {
		return threading.AttachResult{}, threading.ErrNotFound
	}
	return result, err
}

func (s *ThreadStore) GetMessageRef(ctx context.Context, userID, id string) (*threading.MessageRef, error) {
	ref, err := GetMessageRef(ctx, s.pool, userID, id)
	if errors.Is(err, ErrMessageNotFound) {
		return nil, threading.ErrNotFound
	}
	return ref, err
}

func (s *ThreadStore) GetLatestInboundMessage(ctx context.Context, userID, threadID string) (*threading.MessageRef, error) {
	ref, err := GetLatestInboundMessage(ctx, s.pool, userID, threadID)
	if errors.Is(err, ErrMessageNotFound) {
		return nil, threading.ErrNotFound
	}
	return ref, err
}

// GetThread returns the thread with its messages in position order.
func (s *ThreadStore) GetThread(ctx context.Context, userID, threadID string) (*models.Thread, error) {
	thread, err := GetThread(ctx, s.pool, userID, threadID)
	if errors.Is(err, ErrThreadNotFound) {
		return nil, threading.ErrNotFound
	}
	return thread, err
}

// GuardStore implements guard.RuleStore and guard.EndpointRegistry using a database pool.
type GuardStore struct {
	pool *pgxpool.Pool
}

// NewGuardStore creates a guard rule store backed by the given pool.
func NewGuardStore(pool *pgxpool.Pool) *GuardStore {
	return &GuardStore{pool: pool}
}

var (
	_ guard.RuleStore        = (*GuardStore)(nil)
	_ guard.EndpointRegistry = (*GuardStore)(nil)
)

func (s *GuardStore) ListActiveRules(ctx context.Context, userID string) ([]*models.GuardRule, error) {
	return ListGuardRules(ctx, s.pool, userID, true)
}

func (s *GuardStore) ListRules(ctx context.Context, userID string) ([]*models.GuardRule, error) {
	return ListGuardRules(ctx, s.pool, userID, false)
}

func (s *GuardStore) RecordTrigger(ctx context.Context, userID, ruleID string, at time.Time) error {
	return guardErr(RecordGuardRuleTrigger(ctx, s.pool, userID, ruleID, at))
}

func (s *GuardStore) AnnotateEmail(ctx context.Context, userID, emailID string, annotation models.GuardAnnotation) error {
	return AnnotateEmail(ctx, s.pool, userID, emailID, annotation)
}

func (s *GuardStore) CreateRule(ctx context.Context, rule *models.GuardRule) error {
	return CreateGuardRule(ctx, s.pool, rule)
}

func (s *GuardStore) UpdateRule(ctx context.Context, rule *models.GuardRule) error {
	return guardErr(UpdateGuardRule(ctx, s.pool, rule))
}

func (s *GuardStore) DeleteRule(ctx context.Context, userID, ruleID string) error {
	return guardErr(DeleteGuardRule(ctx, s.pool, userID, ruleID))
}

func (s *GuardStore) GetRule(ctx context.Context, userID, ruleID string) (*models.GuardRule, error) {
	rule, err := GetGuardRule(ctx, s.pool, userID, ruleID)
	return rule, guardErr(err)
}

func (s *GuardStore) GetEndpoint(ctx context.Context, userID, endpointID string) (*models.Endpoint, error) {
	endpoint, err := GetEndpoint(ctx, s.pool, userID, endpointID)
	if errors.Is(err, ErrEndpointNotFound) {
		return nil, guard.ErrEndpointNotFound
	}
	return endpoint, err
}

func (s *GuardStore) CreateEndpoint(ctx context.Context, endpoint *models.Endpoint) error {
	return CreateEndpoint(ctx, s.pool, endpoint)
}

func (s *GuardStore) SetEndpointActive(ctx context.Context, userID, endpointID string, active bool) error {
	err := SetEndpointActive(ctx, s.pool, userID, endpointID, active)
	if errors.Is(err, ErrEndpointNotFound) {
		return guard.ErrEndpointNotFound
	}
	return err
}

func guardErr(err error) error {
	if errors.Is(err, ErrGuardRuleNotFound) {
		return guard.ErrRuleNotFound
	}
	return err
}

// MessageStore persists inbound and outbound messages for the delivery pipelines.
// Lookups of ids the user does not own return threading.ErrNotFound.
type MessageStore struct {
	pool *pgxpool.Pool
}

// NewMessageStore creates a message store backed by the given pool.
func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

// FindEmailByContentHash returns "" when the user has no email with this hash.
func (s *MessageStore) FindEmailByContentHash(ctx context.Context, userID, contentHash string) (string, error) {
	id, err := FindEmailByContentHash(ctx, s.pool, userID, contentHash)
	if errors.Is(err, ErrMessageNotFound) {
		return "", nil
	}
	return id, err
}

func (s *MessageStore) SaveEmail(ctx context.Context, email *models.Email) (bool, error) {
	return SaveEmail(ctx, s.pool, email)
}

func (s *MessageStore) SaveSentEmail(ctx context.Context, sent *models.SentEmail) error {
	return SaveSentEmail(ctx, s.pool, sent)
}

func (s *MessageStore) GetEmail(ctx context.Context, userID, id string) (*models.Email, error) {
	email, err := GetEmail(ctx, s.pool, userID, id)
	return email, messageErr(err)
}

func (s *MessageStore) GetSentEmail(ctx context.Context, userID, id string) (*models.SentEmail, error) {
	sent, err := GetSentEmail(ctx, s.pool, userID, id)
	return sent, messageErr(err)
}

func messageErr(err error) error {
	if errors.Is(err, ErrMessageNotFound) {
		return threading.ErrNotFound
	}
	return err
}
