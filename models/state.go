package models

import (
	"time"
)

// Lead status values tracked in LeadState
const (
	StatusActive  = "ACTIVE"
	StatusPaused  = "PAUSED"
	StatusStopped = "STOPPED"
	StatusDone    = "DONE"
	StatusReplied = "REPLIED"
)

// GlobalSequenceID is the sequence key of a lead's cross-sequence record.
// A stop written there blocks sends for every sequence the lead is in.
const GlobalSequenceID = "__all__"

// LeadState is the durable per-lead, per-sequence record. The row keyed by
// GlobalSequenceID supersedes whatever the CRM row still says about the lead.
type LeadState struct {
	LeadID     string `gorm:"primaryKey;size:320" json:"lead_id"`
	SequenceID string `gorm:"primaryKey;size:64" json:"sequence_id"`

	Status    string `gorm:"not null;default:'ACTIVE'" json:"status"`
	Responded bool   `gorm:"not null;default:false" json:"responded"`
	StopAll   bool   `gorm:"not null;default:false" json:"stop_all"`

	// ========= Sequence pointer =========
	CurrentStep  string     `json:"current_step"`
	NextActionAt *time.Time `json:"next_action_at"`

	LastEventAt *time.Time `json:"last_event_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// MustStop reports whether this record blocks future sends.
func (s *LeadState) MustStop() bool {
	switch {
	case s.StopAll, s.Responded:
		return true
	case s.Status == StatusReplied, s.Status == StatusStopped, s.Status == StatusDone:
		return true
	}
	return false
}

// ProcessedEvent records that an inbound message has already been acted on,
// so redelivery of the same message id across polls or restarts is a no-op.
type ProcessedEvent struct {
	Provider  string    `gorm:"primaryKey;size:32" json:"provider"`
	EventID   string    `gorm:"primaryKey;size:255" json:"event_id"`
	CreatedAt time.Time `json:"created_at"`
}

// SentStep marks that a specific step's content has been committed for a
// lead; a retry with the same content hash must not send again.
type SentStep struct {
	LeadID     string `gorm:"primaryKey;size:320" json:"lead_id"`
	SequenceID string `gorm:"primaryKey;size:64" json:"sequence_id"`
	StepID     string `gorm:"primaryKey;size:32" json:"step_id"`
	IdemHash   string `gorm:"primaryKey;size:64" json:"idem_hash"`

	SentAt time.Time `json:"sent_at"`
}

// SendCounter is a per-day send count. Inbox is empty for the global row.
// Counters for past days are simply never read again, so a date rollover
// needs no reset pass.
type SendCounter struct {
	Day   string `gorm:"primaryKey;size:10" json:"day"`
	Inbox string `gorm:"primaryKey;size:320" json:"inbox"`

	Sent      int       `gorm:"not null;default:0" json:"sent"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InboxOffset stores the reply-watch watermark for one inbox, in
// provider-native milliseconds. It only ever moves forward.
type InboxOffset struct {
	Inbox     string    `gorm:"primaryKey;size:320" json:"inbox"`
	SinceMS   int64     `gorm:"not null;default:0" json:"since_ms"`
	UpdatedAt time.Time `json:"updated_at"`
}
