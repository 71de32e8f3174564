package imap

import (
	"cmp"
	"fmt"
	"io"
	"slices"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// RawMessage is the full RFC 822 content of one mailbox message.
type RawMessage struct {
	UID  uint32
	Body []byte
}

// SearchUIDsAfter returns the UIDs greater than after in the selected mailbox, ascending.
func SearchUIDsAfter(c *client.Client, after uint32) ([]uint32, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(after+1, 0)

	criteria := imap.NewSearchCriteria()
	criteria.Uid = seqSet

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}

	// "n:*" always matches the highest UID, even when it is below n.
	out := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		if uid > after {
			out = append(out, uid)
		}
	}
	slices.Sort(out)

	return out, nil
}

// FetchRawMessages fetches the full bodies of the given UIDs without setting \Seen.
// Results are ordered by UID.
func FetchRawMessages(c *client.Client, uids []uint32) ([]RawMessage, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	if len(uids) == 0 {
		return []RawMessage{}, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)

	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	result := make([]RawMessage, 0, len(uids))
	var readErr error
	for msg := range messages {
		literal := msg.GetBody(section)
		if literal == nil {
			continue
		}
		body, err := io.ReadAll(literal)
		if err != nil && readErr == nil {
			readErr = fmt.Errorf("failed to read message %d: %w", msg.Uid, err)
			continue
		}
		result = append(result, RawMessage{UID: msg.Uid, Body: body})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	if readErr != nil {
		return nil, readErr
	}

	slices.SortFunc(result, func(a, b RawMessage) int {
		return cmp.Compare(a.UID, b.UID)
	})

	return result, nil
}
