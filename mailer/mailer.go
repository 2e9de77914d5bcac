package mailer

import (
	"context"
	"time"

	"leadpilot/config"
)

// Metadata is what classification needs to know about one inbound message.
type Metadata struct {
	ID        string // provider handle (IMAP UID)
	MessageID string // RFC 5322 Message-Id, stable across polls
	From      string
	To        string
	Subject   string
	Date      time.Time
	// InternalMS is the provider-native received time in milliseconds,
	// used as the watermark position.
	InternalMS int64
	ThreadID   string
	Snippet    string

	// Automation signals from the headers.
	AutoSubmitted string
	Precedence    string
	ListID        string
}

// Searcher lists and describes inbound mail for one inbox.
type Searcher interface {
	ListMessageIDs(ctx context.Context, inbox *config.Inbox, since time.Time) ([]string, error)
	GetMetadata(ctx context.Context, inbox *config.Inbox, id string) (*Metadata, error)
}

// SendResult reports one outbound send. ThreadRef must be persisted by the
// caller so the next step lands in the same conversation.
type SendResult struct {
	Status    string
	SentAt    time.Time
	ThreadRef string
}

// Transport delivers one message. A non-empty threadRef means "reply within
// this conversation"; empty means a new conversation may be started.
type Transport interface {
	Send(ctx context.Context, inbox *config.Inbox, to, subject, body, threadRef string) (*SendResult, error)
}
