package models

import "time"

// MessageKind tells inbound (received) messages apart from outbound (sent) ones.
type MessageKind string

const (
	KindInbound  MessageKind = "inbound"
	KindOutbound MessageKind = "outbound"
)

// ThreadHeaders holds the RFC 5322 identifiers used for threading, as found on the message.
type ThreadHeaders struct {
	MessageID  string
	InReplyTo  string
	References []string
}

// Threadable is implemented by every message kind that can be assigned to a thread.
type Threadable interface {
	Kind() MessageKind
	RecordID() string
	OwnerID() string
	ThreadHeaders() ThreadHeaders
	ThreadSubject() string
	// Participants returns the sender and recipient addresses, in no particular order.
	Participants() []string
	Timestamp() time.Time
}

type Thread struct {
	ID                string        `json:"id"`
	UserID            string        `json:"user_id"`
	RootMessageID     string        `json:"root_message_id"`
	NormalizedSubject *string       `json:"normalized_subject"`
	Participants      []string      `json:"participants"`
	MessageCount      int           `json:"message_count"`
	LastMessageAt     time.Time     `json:"last_message_at"`
	CreatedAt         time.Time     `json:"created_at"`
	Messages          []ThreadEntry `json:"messages,omitempty"`
}

// ThreadEntry is a lightweight view of one message inside a thread, inbound or outbound.
type ThreadEntry struct {
	ID             string      `json:"id"`
	Kind           MessageKind `json:"kind"`
	ThreadPosition int         `json:"thread_position"`
	MessageID      string      `json:"message_id"`
	FromAddress    string      `json:"from_address"`
	Subject        string      `json:"subject"`
	Timestamp      time.Time   `json:"timestamp"`
	GuardBlocked   bool        `json:"guard_blocked,omitempty"`
}

// Email is a received message after MIME parsing (the "structured email").
type Email struct {
	ID              string       `json:"id"`
	UserID          string       `json:"user_id"`
	ThreadID        *string      `json:"thread_id"`
	ThreadPosition  *int         `json:"thread_position"`
	MessageIDHeader string       `json:"message_id_header"`
	InReplyTo       string       `json:"in_reply_to"`
	References      []string     `json:"references"`
	Subject         string       `json:"subject"`
	FromName        string       `json:"from_name"`
	FromAddress     string       `json:"from_address"`
	ToAddresses     []string     `json:"to_addresses"`
	CCAddresses     []string     `json:"cc_addresses"`
	BCCAddresses    []string     `json:"bcc_addresses"`
	BodyText        string       `json:"body_text"`
	SafeBodyHTML    string       `json:"safe_body_html"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	ContentHash     string       `json:"content_hash"`
	ReceivedAt      time.Time    `json:"received_at"`
	GuardBlocked    bool         `json:"guard_blocked"`
	GuardReason     *string      `json:"guard_reason,omitempty"`
	GuardAction     *GuardAction `json:"guard_action,omitempty"`
	GuardRuleID     *string      `json:"guard_rule_id,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

func (e *Email) Kind() MessageKind { return KindInbound }
func (e *Email) RecordID() string  { return e.ID }
func (e *Email) OwnerID() string   { return e.UserID }

func (e *Email) ThreadHeaders() ThreadHeaders {
	return ThreadHeaders{MessageID: e.MessageIDHeader, InReplyTo: e.InReplyTo, References: e.References}
}

func (e *Email) ThreadSubject() string { return e.Subject }

func (e *Email) Participants() []string {
	out := make([]string, 0, 1+len(e.ToAddresses)+len(e.CCAddresses))
	if e.FromAddress != "" {
		out = append(out, e.FromAddress)
	}
	out = append(out, e.ToAddresses...)
	return append(out, e.CCAddresses...)
}

func (e *Email) Timestamp() time.Time { return e.ReceivedAt }

// SenderAddresses returns the sender address list used by guard "from" criteria.
func (e *Email) SenderAddresses() []string {
	if e.FromAddress == "" {
		return nil
	}
	return []string{e.FromAddress}
}

// SentEmail is a message this user sent through the outbound provider.
type SentEmail struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	ThreadID        *string   `json:"thread_id"`
	ThreadPosition  *int      `json:"thread_position"`
	MessageIDHeader string    `json:"message_id_header"`
	InReplyTo       string    `json:"in_reply_to"`
	References      []string  `json:"references"`
	Subject         string    `json:"subject"`
	FromAddress     string    `json:"from_address"`
	ToAddresses     []string  `json:"to_addresses"`
	CCAddresses     []string  `json:"cc_addresses"`
	BCCAddresses    []string  `json:"bcc_addresses"`
	BodyText        string    `json:"body_text"`
	BodyHTML        string    `json:"body_html"`
	Status          string    `json:"status"`
	SentAt          time.Time `json:"sent_at"`
	CreatedAt       time.Time `json:"created_at"`
}

func (s *SentEmail) Kind() MessageKind { return KindOutbound }
func (s *SentEmail) RecordID() string  { return s.ID }
func (s *SentEmail) OwnerID() string   { return s.UserID }

func (s *SentEmail) ThreadHeaders() ThreadHeaders {
	return ThreadHeaders{MessageID: s.MessageIDHeader, InReplyTo: s.InReplyTo, References: s.References}
}

func (s *SentEmail) ThreadSubject() string { return s.Subject }

func (s *SentEmail) Participants() []string {
	out := make([]string, 0, 1+len(s.ToAddresses)+len(s.CCAddresses)+len(s.BCCAddresses))
	if s.FromAddress != "" {
		out = append(out, s.FromAddress)
	}
	out = append(out, s.ToAddresses...)
	out = append(out, s.CCAddresses...)
	return append(out, s.BCCAddresses...)
}

func (s *SentEmail) Timestamp() time.Time { return s.SentAt }

type Attachment struct {
	ID          string `json:"id"`
	EmailID     string `json:"email_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	IsInline    bool   `json:"is_inline"`
	ContentID   string `json:"content_id,omitempty"`
}
