package crm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FieldsMap names the CRM columns the engine reads and writes. Everything
// not named here passes through merge-writes untouched.
//
// LastSentA and LastSentB are two historically duplicated spellings of the
// same logical "last sent at" field; both are always written together and
// either may be read.
type FieldsMap struct {
	Client    string `json:"client"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`

	Stage           string `json:"stage"`
	MessagingStatus string `json:"messaging_status"`
	Deliverability  string `json:"deliverability"`
	Owner           string `json:"owner"`
	ThreadLink      string `json:"thread_link"`
	RespondedFlag   string `json:"responded_flag"`

	LastSentA   string `json:"last_sent_a"`
	LastSentB   string `json:"last_sent_b"`
	LastInbound string `json:"last_inbound"`
	RepliedAt   string `json:"replied_at"`
	StopReason  string `json:"stop_reason"`

	OpenerSubject string `json:"opener_subject"`
	OpenerBody    string `json:"opener_body"`
	OpenerDate    string `json:"opener_date"`
}

func DefaultFieldsMap() *FieldsMap {
	return &FieldsMap{
		Client:    "Client Name",
		Email:     "Email",
		FirstName: "First Name",
		LastName:  "Last Name",
		Company:   "Company Name",

		Stage:           "Sequence Stage",
		MessagingStatus: "Messaging Status",
		Deliverability:  "Email Deliverability",
		Owner:           "Assigned Inbox",
		ThreadLink:      "Email Thread Link",
		RespondedFlag:   "Responded?",

		LastSentA:   "Last Message Sent Time Stamp",
		LastSentB:   "Last Message Sent Timestamp",
		LastInbound: "Last Inbound Timestamp",
		RepliedAt:   "Replied Timestamp",
		StopReason:  "Stop Reason",

		OpenerSubject: "Opener Subject Sent",
		OpenerBody:    "Opener Body Sent",
		OpenerDate:    "Opener Date Sent",
	}
}

// LoadFieldsMap reads fields_map.json from the settings dir, falling back
// to the defaults when absent. Overrides are partial.
func LoadFieldsMap(dir string) (*FieldsMap, error) {
	f := DefaultFieldsMap()
	raw, err := os.ReadFile(filepath.Join(dir, "fields_map.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("read fields map: %w", err)
	}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("parse fields map: %w", err)
	}
	return f, nil
}

// Per-followup result columns, one group per follow-up number.

func (f *FieldsMap) FollowupSubject(n int) string {
	return fmt.Sprintf("Follow Up %d Subject Sent", n)
}

func (f *FieldsMap) FollowupBody(n int) string {
	return fmt.Sprintf("Follow Up %d Body Sent", n)
}

func (f *FieldsMap) FollowupTime(n int) string {
	return fmt.Sprintf("Follow Up %d Time Sent", n)
}

func (f *FieldsMap) FollowupDate(n int) string {
	return fmt.Sprintf("Follow Up %d Date Sent", n)
}

func (f *FieldsMap) FollowupBounce(n int) string {
	return fmt.Sprintf("Follow Up %d Bounce Status", n)
}

// timestampLayouts covers the formats seen in CRM exports over time.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"2006-01-02",
	"01/02/2006",
}

// ParseTimestamp parses a CRM timestamp cell permissively.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatTimestamp is the canonical spelling written back to the CRM.
func FormatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}
