package crm

import (
	"time"

	"leadpilot/utils"
)

// Messaging status values written to the CRM row.
const (
	MessagingPending = "Pending"
	MessagingSent    = "Sent"
	MessagingPaused  = "Paused"
)

// Deliverability classifications.
const (
	DeliverabilitySafe     = "Safe"
	DeliverabilityRisky    = "Risky"
	DeliverabilityCatchAll = "Catch-All"
	DeliverabilityUnknown  = "Unknown"
)

// Lead is a typed view over one CRM row.
type Lead struct {
	Row    Row
	Fields *FieldsMap
}

func NewLead(row Row, fields *FieldsMap) *Lead {
	if fields == nil {
		fields = DefaultFieldsMap()
	}
	return &Lead{Row: row, Fields: fields}
}

func (l *Lead) get(col string) string {
	return l.Row[col]
}

func (l *Lead) Email() string      { return utils.NormalizeEmail(l.get(l.Fields.Email)) }
func (l *Lead) Client() string     { return l.get(l.Fields.Client) }
func (l *Lead) FirstName() string  { return l.get(l.Fields.FirstName) }
func (l *Lead) LastName() string   { return l.get(l.Fields.LastName) }
func (l *Lead) Company() string    { return l.get(l.Fields.Company) }
func (l *Lead) Stage() string      { return l.get(l.Fields.Stage) }
func (l *Lead) Owner() string      { return utils.NormalizeEmail(l.get(l.Fields.Owner)) }
func (l *Lead) ThreadLink() string { return l.get(l.Fields.ThreadLink) }

func (l *Lead) MessagingStatus() string { return l.get(l.Fields.MessagingStatus) }
func (l *Lead) Deliverability() string  { return l.get(l.Fields.Deliverability) }

func (l *Lead) Responded() bool {
	return normFlag(l.get(l.Fields.RespondedFlag))
}

// LastSentAt reads the last-send timestamp, accepting either of the two
// duplicated column spellings.
func (l *Lead) LastSentAt() (time.Time, bool) {
	for _, col := range []string{l.Fields.LastSentA, l.Fields.LastSentB} {
		if v := l.get(col); v != "" {
			if t, ok := ParseTimestamp(v); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// PriorTouch returns the subject and body of the lead's most recent sent
// step, used as drafting context. step is the number about to be sent.
func (l *Lead) PriorTouch(step int) (subject, body string) {
	if step <= 1 {
		return l.get(l.Fields.OpenerSubject), l.get(l.Fields.OpenerBody)
	}
	prev := step - 1
	subject = l.get(l.Fields.FollowupSubject(prev))
	body = l.get(l.Fields.FollowupBody(prev))
	if subject == "" && body == "" {
		return l.get(l.Fields.OpenerSubject), l.get(l.Fields.OpenerBody)
	}
	return subject, body
}

// LastSentFields builds the merge-write for a send time, keeping both
// timestamp spellings in lockstep.
func (f *FieldsMap) LastSentFields(t time.Time) map[string]string {
	v := FormatTimestamp(t)
	return map[string]string{
		f.LastSentA: v,
		f.LastSentB: v,
	}
}
