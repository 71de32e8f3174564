package threading

import (
	"context"
	"errors"
	"time"

	"github.com/vdavid/mailhook/internal/models"
)

var (
	// ErrNotFound is returned when an id names nothing the user owns.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a storage conflict (a concurrent writer won a race) after
	// which the whole assignment can be retried from scratch.
	ErrConflict = errors.New("threading conflict")
)

// MessageRef locates one stored message, inbound or outbound.
type MessageRef struct {
	ID             string
	Kind           models.MessageKind
	ThreadID       *string
	ThreadPosition *int
}

// CandidateThread is a thread that may receive a message by subject and participant match.
type CandidateThread struct {
	ID            string
	Participants  []string
	LastMessageAt time.Time
}

// AttachRequest describes one message joining a thread. An empty ThreadID asks
// the store to create the thread keyed by (UserID, RootMessageID), or to join
// the thread that already holds that key.
type AttachRequest struct {
	UserID            string
	Kind              models.MessageKind
	MessageRecordID   string
	ThreadID          string
	RootMessageID     string
	NormalizedSubject *string
	Participants      []string
	Timestamp         time.Time
}

// AttachResult is what the store actually did. Created is true only when a new
// thread row was inserted.
type AttachResult struct {
	ThreadID       string
	ThreadPosition int
	Created        bool
}

// Store is the persistence the thread and ID resolvers need. Every method is
// scoped to the owning user.
type Store interface {
	// FindThreadsByMessageIDs maps each given normalized Message-ID to the thread
	// of a threaded message (either kind) carrying it. Unknown ids are absent.
	FindThreadsByMessageIDs(ctx context.Context, userID string, messageIDs []string) (map[string]string, error)

	// FindThreadByReferencingMessage returns the thread of a threaded message
	// whose In-Reply-To or References names messageID, or "" when there is none.
	FindThreadByReferencingMessage(ctx context.Context, userID, messageID string) (string, error)

	// FindThreadsBySubject returns threads with the given normalized subject whose
	// participants overlap the given addresses and whose last message is not
	// older than since.
	FindThreadsBySubject(ctx context.Context, userID, normalizedSubject string, participants []string, since time.Time) ([]CandidateThread, error)

	// Attach assigns the message to a thread in one atomic unit: position
	// allocation, count increment, participant union, last-message update, and
	// the message row update. A message that already has a thread keeps it and
	// its existing assignment is returned. A lost race is reported as ErrConflict.
	Attach(ctx context.Context, req AttachRequest) (AttachResult, error)

	// GetMessageRef finds a message by record id, inbound first, then outbound.
	// Returns ErrNotFound when absent or owned by another user.
	GetMessageRef(ctx context.Context, userID, id string) (*MessageRef, error)

	// GetLatestInboundMessage returns the inbound message with the highest
	// position in the thread. Returns ErrNotFound when the thread is absent,
	// owned by another user, or holds no inbound message.
	GetLatestInboundMessage(ctx context.Context, userID, threadID string) (*MessageRef, error)
}
