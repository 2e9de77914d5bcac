package audit

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is one line in the audit trail: a decision, a send outcome, or a
// confirmed reply.
type Event struct {
	Timestamp  string `json:"ts"`
	Kind       string `json:"kind"` // send, skip, failure, reply
	Client     string `json:"client,omitempty"`
	Lead       string `json:"lead"`
	Step       int    `json:"step,omitempty"`
	Inbox      string `json:"inbox,omitempty"`
	Reason     string `json:"reason,omitempty"`
	ThreadLink string `json:"thread_link,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Trail is an append-only JSON-line file. It is observability, not state:
// a write failure is logged and swallowed, never aborting a run.
type Trail struct {
	path string
	log  *logrus.Logger
	mu   sync.Mutex
}

func NewTrail(path string, log *logrus.Logger) *Trail {
	return &Trail{path: path, log: log}
}

func (t *Trail) Append(ev Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.warn(err)
		return
	}
	defer f.Close()

	line, err := json.Marshal(ev)
	if err != nil {
		t.warn(err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		t.warn(err)
	}
}

func (t *Trail) warn(err error) {
	if t.log != nil {
		t.log.WithError(err).Warn("audit write failed")
	}
}
