package guard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vdavid/mailhook/internal/models"
)

type memoryStore struct {
	mu          sync.Mutex
	rules       map[string]*models.GuardRule
	endpoints   map[string]*models.Endpoint
	annotations map[string]models.GuardAnnotation
	listErr     error
	clock       time.Time
	// unfiltered makes ListActiveRules return every stored rule.
	unfiltered bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		rules:       map[string]*models.GuardRule{},
		endpoints:   map[string]*models.Endpoint{},
		annotations: map[string]models.GuardAnnotation{},
		clock:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *memoryStore) ListActiveRules(_ context.Context, userID string) ([]*models.GuardRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*models.GuardRule
	for _, r := range s.rules {
		if s.unfiltered || (r.UserID == userID && r.IsActive) {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *memoryStore) RecordTrigger(_ context.Context, userID, ruleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok || r.UserID != userID {
		return ErrRuleNotFound
	}
	r.TriggerCount++
	r.LastTriggeredAt = &at
	return nil
}

func (s *memoryStore) AnnotateEmail(_ context.Context, _ string, emailID string, annotation models.GuardAnnotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.annotations[emailID] = annotation
	return nil
}

func (s *memoryStore) CreateRule(_ context.Context, rule *models.GuardRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.clock.Add(time.Second)
	rule.ID = uuid.NewString()
	rule.CreatedAt = s.clock
	rule.UpdatedAt = s.clock
	c := *rule
	s.rules[rule.ID] = &c
	return nil
}

func (s *memoryStore) UpdateRule(_ context.Context, rule *models.GuardRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rules[rule.ID]
	if !ok || existing.UserID != rule.UserID {
		return ErrRuleNotFound
	}
	c := *rule
	s.rules[rule.ID] = &c
	return nil
}

func (s *memoryStore) DeleteRule(_ context.Context, userID, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok || r.UserID != userID {
		return ErrRuleNotFound
	}
	delete(s.rules, ruleID)
	return nil
}

func (s *memoryStore) GetRule(_ context.Context, userID, ruleID string) (*models.GuardRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok || r.UserID != userID {
		return nil, ErrRuleNotFound
	}
	c := *r
	return &c, nil
}

func (s *memoryStore) ListRules(_ context.Context, userID string) ([]*models.GuardRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.GuardRule
	for _, r := range s.rules {
		if r.UserID == userID {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *memoryStore) GetEndpoint(_ context.Context, userID, endpointID string) (*models.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[endpointID]
	if !ok || e.UserID != userID {
		return nil, ErrEndpointNotFound
	}
	return e, nil
}

func (s *memoryStore) rule(id string) *models.GuardRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules[id]
}

// put stores a rule as-is, bypassing validation, the way old or corrupted rows look.
func (s *memoryStore) put(rule *models.GuardRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = rule
}

type fakeGenerator struct {
	criteria *Criteria
	err      error
	calls    int
}

func (g *fakeGenerator) GenerateCriteria(_ context.Context, _ string) (*Criteria, error) {
	g.calls++
	return g.criteria, g.err
}

var errGeneratorDown = errors.New("model unavailable")
