package threading

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vdavid/mailhook/internal/models"
)

type memMessage struct {
	ID        string
	UserID    string
	Kind      models.MessageKind
	MessageID string
	InReplyTo []string
	Refs      []string
	ThreadID  *string
	Position  *int
}

type memThread struct {
	ID                string
	UserID            string
	RootMessageID     string
	NormalizedSubject *string
	Participants      []string
	MessageCount      int
	NextPosition      int
	LastMessageAt     time.Time
}

// memoryStore is an in-memory Store whose Attach holds one lock for the whole
// unit, mirroring the database transaction.
type memoryStore struct {
	mu       sync.Mutex
	messages map[string]*memMessage
	threads  map[string]*memThread
	// conflicts makes the next n Attach calls fail with ErrConflict.
	conflicts int
	attachErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		messages: map[string]*memMessage{},
		threads:  map[string]*memThread{},
	}
}

// put stores a message the way the inbound and outbound paths do before threading.
func (s *memoryStore) put(msg models.Threadable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := msg.ThreadHeaders()
	s.messages[msg.RecordID()] = &memMessage{
		ID:        msg.RecordID(),
		UserID:    msg.OwnerID(),
		Kind:      msg.Kind(),
		MessageID: NormalizeMessageID(h.MessageID),
		InReplyTo: ParseMessageIDList(h.InReplyTo),
		Refs:      normalizeReferences(h.References),
	}
}

func (s *memoryStore) thread(id string) memThread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.threads[id]
}

func (s *memoryStore) threadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}

func (s *memoryStore) assignedCount(threadID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.ThreadID != nil && *m.ThreadID == threadID {
			n++
		}
	}
	return n
}

func (s *memoryStore) FindThreadsByMessageIDs(_ context.Context, userID string, messageIDs []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]string{}
	for _, m := range s.messages {
		if m.UserID != userID || m.ThreadID == nil {
			continue
		}
		if slices.Contains(messageIDs, m.MessageID) {
			out[m.MessageID] = *m.ThreadID
		}
	}
	return out, nil
}

func (s *memoryStore) FindThreadByReferencingMessage(_ context.Context, userID, messageID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.UserID != userID || m.ThreadID == nil {
			continue
		}
		if slices.Contains(m.InReplyTo, messageID) || slices.Contains(m.Refs, messageID) {
			return *m.ThreadID, nil
		}
	}
	return "", nil
}

func (s *memoryStore) FindThreadsBySubject(_ context.Context, userID, normalizedSubject string, participants []string, since time.Time) ([]CandidateThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CandidateThread
	for _, t := range s.threads {
		if t.UserID != userID || t.NormalizedSubject == nil || *t.NormalizedSubject != normalizedSubject {
			continue
		}
		if t.LastMessageAt.Before(since) || countOverlap(participants, t.Participants) == 0 {
			continue
		}
		out = append(out, CandidateThread{ID: t.ID, Participants: slices.Clone(t.Participants), LastMessageAt: t.LastMessageAt})
	}
	return out, nil
}

func (s *memoryStore) Attach(_ context.Context, req AttachRequest) (AttachResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attachErr != nil {
		return AttachResult{}, s.attachErr
	}
	if s.conflicts > 0 {
		s.conflicts--
		return AttachResult{}, ErrConflict
	}

	msg, ok := s.messages[req.MessageRecordID]
	if !ok || msg.UserID != req.UserID || msg.Kind != req.Kind {
		return AttachResult{}, ErrNotFound
	}
	if msg.ThreadID != nil {
		return AttachResult{ThreadID: *msg.ThreadID, ThreadPosition: *msg.Position}, nil
	}

	created := false
	var t *memThread
	if req.ThreadID != "" {
		t = s.threads[req.ThreadID]
		if t == nil || t.UserID != req.UserID {
			return AttachResult{}, ErrNotFound
		}
	} else {
		for _, existing := range s.threads {
			if existing.UserID == req.UserID && existing.RootMessageID == req.RootMessageID {
				t = existing
			}
		}
		if t == nil {
			t = &memThread{
				ID:                uuid.NewString(),
				UserID:            req.UserID,
				RootMessageID:     req.RootMessageID,
				NormalizedSubject: req.NormalizedSubject,
				NextPosition:      1,
				LastMessageAt:     req.Timestamp,
			}
			s.threads[t.ID] = t
			created = true
		}
	}

	position := t.NextPosition
	t.NextPosition++
	t.MessageCount++
	t.Participants = normalizeAddresses(append(slices.Clone(t.Participants), req.Participants...))
	if req.Timestamp.After(t.LastMessageAt) {
		t.LastMessageAt = req.Timestamp
	}

	threadID := t.ID
	msg.ThreadID = &threadID
	msg.Position = &position

	return AttachResult{ThreadID: threadID, ThreadPosition: position, Created: created}, nil
}

func (s *memoryStore) GetMessageRef(_ context.Context, userID, id string) (*MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.UserID != userID {
		return nil, ErrNotFound
	}
	return &MessageRef{ID: m.ID, Kind: m.Kind, ThreadID: m.ThreadID, ThreadPosition: m.Position}, nil
}

func (s *memoryStore) GetLatestInboundMessage(_ context.Context, userID, threadID string) (*MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok || t.UserID != userID {
		return nil, ErrNotFound
	}
	var inbound []*memMessage
	for _, m := range s.messages {
		if m.Kind == models.KindInbound && m.ThreadID != nil && *m.ThreadID == threadID {
			inbound = append(inbound, m)
		}
	}
	if len(inbound) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(inbound, func(i, j int) bool { return *inbound[i].Position > *inbound[j].Position })
	m := inbound[0]
	return &MessageRef{ID: m.ID, Kind: m.Kind, ThreadID: m.ThreadID, ThreadPosition: m.Position}, nil
}
