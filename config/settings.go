package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"leadpilot/sendwindow"
)

var validate = validator.New()

// Inbox is a sending identity with its own credentials and daily cap.
type Inbox struct {
	Email      string `json:"email" validate:"required,email"`
	FromName   string `json:"from_name"`
	DailyLimit int    `json:"daily_limit" validate:"gte=0"`

	// ========= SMTP Configuration =========
	SMTPHost     string `json:"smtp_host" validate:"required"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"smtp_password"`
	Encryption   string `json:"encryption"` // SSL, STARTTLS

	// ========= IMAP Configuration =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"imap_password"`
	IMAPEncryption string `json:"imap_encryption"`
	IMAPMailbox    string `json:"imap_mailbox"`
}

// InboxPool is the configured set of sending identities.
type InboxPool []Inbox

func (p InboxPool) ByEmail(email string) (*Inbox, bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	for i := range p {
		if strings.ToLower(p[i].Email) == email {
			return &p[i], true
		}
	}
	return nil, false
}

func (p InboxPool) Emails() []string {
	out := make([]string, 0, len(p))
	for i := range p {
		out = append(out, strings.ToLower(p[i].Email))
	}
	return out
}

// ThreadSettings controls the thread continuity resolver.
type ThreadSettings struct {
	Enabled        bool `json:"enabled"`
	MaxCandidates  int  `json:"max_candidates" validate:"gte=0"`
	UseFingerprint bool `json:"use_fingerprint"`
}

// Controls is the operator-editable runtime policy file.
type Controls struct {
	SendWindow sendwindow.Config `json:"send_window"`
	Thread     ThreadSettings    `json:"thread_resolver"`
}

// DefaultControls matches the behavior of a missing controls file:
// sending disabled until an operator turns it on.
func DefaultControls() Controls {
	return Controls{
		SendWindow: sendwindow.Config{
			Enabled:       false,
			StartTime:     "08:00",
			EndTime:       "17:00",
			DaysAllowed:   []string{"Mon", "Tue", "Wed", "Thu", "Fri"},
			DailyLimit:    100,
			PerInboxLimit: 25,
			Timezone:      "America/New_York",
		},
		Thread: ThreadSettings{
			Enabled:        true,
			MaxCandidates:  10,
			UseFingerprint: true,
		},
	}
}

// LoadControls reads controls.json from the settings dir, falling back to
// defaults when the file is absent.
func LoadControls(dir string) (Controls, error) {
	c := DefaultControls()
	raw, err := os.ReadFile(filepath.Join(dir, "controls.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, fmt.Errorf("read controls: %w", err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("parse controls: %w", err)
	}
	if err := validate.Struct(c.SendWindow); err != nil {
		return c, fmt.Errorf("invalid send window controls: %w", err)
	}
	return c, nil
}

// SequenceSettings is the per-stage delay table, loaded from sequences.yml.
type SequenceSettings struct {
	SequenceID string         `yaml:"sequence_id"`
	Delays     map[string]int `yaml:"delays"` // canonical stage -> required wait in days
}

func LoadSequences(dir string) (SequenceSettings, error) {
	s := SequenceSettings{SequenceID: "opener_followups", Delays: map[string]int{}}
	raw, err := os.ReadFile(filepath.Join(dir, "sequences.yml"))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("read sequences: %w", err)
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("parse sequences: %w", err)
	}
	if s.SequenceID == "" {
		s.SequenceID = "opener_followups"
	}
	return s, nil
}

// LoadInboxes reads the identity pool from inboxes.json.
func LoadInboxes(dir string) (InboxPool, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "inboxes.json"))
	if err != nil {
		return nil, fmt.Errorf("read inboxes: %w", err)
	}
	var pool InboxPool
	if err := json.Unmarshal(raw, &pool); err != nil {
		return nil, fmt.Errorf("parse inboxes: %w", err)
	}
	for i := range pool {
		if pool[i].IMAPMailbox == "" {
			pool[i].IMAPMailbox = "INBOX"
		}
		if pool[i].IMAPPort == 0 {
			pool[i].IMAPPort = 993
		}
		if pool[i].SMTPPort == 0 {
			pool[i].SMTPPort = 587
		}
		if err := validate.Struct(pool[i]); err != nil {
			return nil, fmt.Errorf("invalid inbox %q: %w", pool[i].Email, err)
		}
	}
	return pool, nil
}
