package watcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"leadpilot/audit"
	"leadpilot/config"
	"leadpilot/crm"
	"leadpilot/mailer"
	"leadpilot/models"
	"leadpilot/state"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&models.LeadState{},
		&models.ProcessedEvent{},
		&models.SentStep{},
		&models.InboxOffset{},
	)
	if err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// memStore is an in-memory CRM for tests, counting merge writes.
type memStore struct {
	mu     sync.Mutex
	rows   map[string]crm.Row
	fields *crm.FieldsMap
	merges map[string]int
}

func newMemStore(fields *crm.FieldsMap, rows ...crm.Row) *memStore {
	s := &memStore{
		rows:   make(map[string]crm.Row),
		fields: fields,
		merges: make(map[string]int),
	}
	for _, row := range rows {
		s.rows[strings.ToLower(row[fields.Email])] = row
	}
	return s
}

func (s *memStore) All() ([]crm.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crm.Row, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	return out, nil
}

func (s *memStore) Get(email string) (crm.Row, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[strings.ToLower(email)]
	return row, ok, nil
}

func (s *memStore) Merge(email string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[strings.ToLower(email)]
	if !ok {
		return errors.New("lead not found")
	}
	for k, v := range fields {
		row[k] = v
	}
	s.merges[strings.ToLower(email)]++
	return nil
}

// fakeSearcher serves a fixed set of messages.
type fakeSearcher struct {
	messages []*mailer.Metadata
	listErrs int
}

func (f *fakeSearcher) ListMessageIDs(_ context.Context, _ *config.Inbox, _ time.Time) ([]string, error) {
	if f.listErrs > 0 {
		f.listErrs--
		return nil, errors.New("connection reset")
	}
	ids := make([]string, 0, len(f.messages))
	for _, m := range f.messages {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (f *fakeSearcher) GetMetadata(_ context.Context, _ *config.Inbox, id string) (*mailer.Metadata, error) {
	for _, m := range f.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, errors.New("not found")
}

func testInbox() *config.Inbox {
	return &config.Inbox{Email: "sender@ourco.com", SMTPHost: "smtp.ourco.com"}
}

func replyFrom(id, from string, ms int64) *mailer.Metadata {
	return &mailer.Metadata{
		ID:         id,
		MessageID:  "<" + id + "@prospect.com>",
		From:       from,
		To:         "sender@ourco.com",
		Subject:    "Re: Intro to Acme",
		Date:       time.UnixMilli(ms),
		InternalMS: ms,
	}
}

func newTestWatcher(t *testing.T, db *gorm.DB, search mailer.Searcher, rows ...crm.Row) (*Watcher, *memStore, string) {
	t.Helper()
	fields := crm.DefaultFieldsMap()
	store := newMemStore(fields, rows...)
	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	return &Watcher{
		DB:        db,
		State:     state.NewStore(db),
		CRM:       store,
		Fields:    fields,
		Search:    search,
		Audit:     audit.NewTrail(auditPath, nil),
		Lookback:  48 * time.Hour,
		RetryBase: time.Millisecond,
	}, store, auditPath
}

func leadRow(email string) crm.Row {
	f := crm.DefaultFieldsMap()
	return crm.Row{
		f.Email: email,
		f.Stage: "Follow Up 1 Sent",
		f.Owner: "sender@ourco.com",
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n
}

func TestRunOnce_ConfirmedReplyStopsLead(t *testing.T) {
	db := newTestDB(t)
	ms := time.Now().UnixMilli()
	search := &fakeSearcher{messages: []*mailer.Metadata{
		replyFrom("101", "jane@prospect.com", ms),
	}}
	w, store, auditPath := newTestWatcher(t, db, search, leadRow("jane@prospect.com"))

	counts, err := w.RunOnce(context.Background(), testInbox())
	require.NoError(t, err)
	require.Equal(t, 1, counts.Matched)

	stop, err := w.State.ShouldStopAll("jane@prospect.com")
	require.NoError(t, err)
	require.True(t, stop)

	row, _, _ := store.Get("jane@prospect.com")
	require.Equal(t, "Yes", row[w.Fields.RespondedFlag])
	require.Equal(t, crm.MessagingPaused, row[w.Fields.MessagingStatus])
	require.Equal(t, "REPLIED", row[w.Fields.StopReason])
	require.Equal(t, 1, countLines(t, auditPath))
}

func TestRunOnce_RedeliveryIsNoOp(t *testing.T) {
	db := newTestDB(t)
	ms := time.Now().UnixMilli()
	search := &fakeSearcher{messages: []*mailer.Metadata{
		replyFrom("101", "jane@prospect.com", ms),
	}}
	w, store, auditPath := newTestWatcher(t, db, search, leadRow("jane@prospect.com"))

	_, err := w.RunOnce(context.Background(), testInbox())
	require.NoError(t, err)

	// Rewind the watermark so the same message id is offered again.
	require.NoError(t, db.Where("1 = 1").Delete(&models.InboxOffset{}).Error)
	counts, err := w.RunOnce(context.Background(), testInbox())
	require.NoError(t, err)
	require.Equal(t, 0, counts.Matched)
	require.Equal(t, 1, counts.Skipped)

	require.Equal(t, 1, store.merges["jane@prospect.com"],
		"exactly one responded write for one underlying event")
	require.Equal(t, 1, countLines(t, auditPath),
		"exactly one audit entry for one underlying event")
}

func TestRunOnce_WatermarkAdvancesPastNewest(t *testing.T) {
	db := newTestDB(t)
	base := time.Now().UnixMilli()
	search := &fakeSearcher{messages: []*mailer.Metadata{
		replyFrom("101", "jane@prospect.com", base),
		replyFrom("102", "unknown@elsewhere.com", base+5000),
	}}
	w, _, _ := newTestWatcher(t, db, search, leadRow("jane@prospect.com"))

	_, err := w.RunOnce(context.Background(), testInbox())
	require.NoError(t, err)

	got, err := w.offset("sender@ourco.com")
	require.NoError(t, err)
	require.Equal(t, base+5001, got, "watermark is max observed plus one")
}

func TestRunOnce_ZeroCandidatesLeavesWatermark(t *testing.T) {
	db := newTestDB(t)
	w, _, _ := newTestWatcher(t, db, &fakeSearcher{})
	require.NoError(t, w.saveOffset("sender@ourco.com", 12345))

	counts, err := w.RunOnce(context.Background(), testInbox())
	require.NoError(t, err)
	require.Equal(t, 0, counts.Checked)

	got, err := w.offset("sender@ourco.com")
	require.NoError(t, err)
	require.Equal(t, int64(12345), got)
}

func TestSaveOffset_NeverMovesBackward(t *testing.T) {
	db := newTestDB(t)
	w, _, _ := newTestWatcher(t, db, &fakeSearcher{})

	require.NoError(t, w.saveOffset("sender@ourco.com", 2000))
	require.NoError(t, w.saveOffset("sender@ourco.com", 1000))

	got, err := w.offset("sender@ourco.com")
	require.NoError(t, err)
	require.Equal(t, int64(2000), got)
}

func TestRunOnce_StaleMessagesSkipped(t *testing.T) {
	db := newTestDB(t)
	w, store, _ := newTestWatcher(t, db, nil, leadRow("jane@prospect.com"))
	require.NoError(t, w.saveOffset("sender@ourco.com", 5000))
	w.Search = &fakeSearcher{messages: []*mailer.Metadata{
		replyFrom("101", "jane@prospect.com", 4000),
	}}

	counts, err := w.RunOnce(context.Background(), testInbox())
	require.NoError(t, err)
	require.Equal(t, 0, counts.Matched)
	require.Equal(t, 1, counts.Skipped)
	require.Equal(t, 0, store.merges["jane@prospect.com"])
}

func TestRunOnce_AutomatedMailCountsForWatermarkOnly(t *testing.T) {
	db := newTestDB(t)
	ms := time.Now().UnixMilli()
	ooo := replyFrom("101", "jane@prospect.com", ms)
	ooo.AutoSubmitted = "auto-replied"
	bounce := replyFrom("102", "mailer-daemon@prospect.com", ms+1000)
	search := &fakeSearcher{messages: []*mailer.Metadata{ooo, bounce}}
	w, store, _ := newTestWatcher(t, db, search, leadRow("jane@prospect.com"))

	counts, err := w.RunOnce(context.Background(), testInbox())
	require.NoError(t, err)
	require.Equal(t, 2, counts.Auto)
	require.Equal(t, 0, counts.Matched)
	require.Equal(t, 0, store.merges["jane@prospect.com"])

	got, err := w.offset("sender@ourco.com")
	require.NoError(t, err)
	require.Equal(t, ms+1001, got, "dropped mail still advances the watermark")
}

func TestRunOnce_SelfSentAndUnknownSkipped(t *testing.T) {
	db := newTestDB(t)
	ms := time.Now().UnixMilli()
	search := &fakeSearcher{messages: []*mailer.Metadata{
		replyFrom("101", "sender@ourco.com", ms),
		replyFrom("102", "unknown@elsewhere.com", ms+1),
	}}
	w, _, _ := newTestWatcher(t, db, search, leadRow("jane@prospect.com"))

	counts, err := w.RunOnce(context.Background(), testInbox())
	require.NoError(t, err)
	require.Equal(t, 0, counts.Matched)
	require.Equal(t, 2, counts.Skipped)
}

func TestRunOnce_OwnerMismatchPolicy(t *testing.T) {
	ms := time.Now().UnixMilli()
	row := leadRow("jane@prospect.com")
	row[crm.DefaultFieldsMap().Owner] = "other@ourco.com"

	db := newTestDB(t)
	search := &fakeSearcher{messages: []*mailer.Metadata{
		replyFrom("101", "jane@prospect.com", ms),
	}}
	w, _, _ := newTestWatcher(t, db, search, row)
	w.StrictOwner = true

	counts, err := w.RunOnce(context.Background(), testInbox())
	require.NoError(t, err)
	require.Equal(t, 0, counts.Matched, "strict mode hard-skips mismatched owners")

	// Soft mode warns and continues. The strict run advanced the shared
	// watermark past the first message, so the soft run gets a fresh one.
	search2 := &fakeSearcher{messages: []*mailer.Metadata{
		replyFrom("102", "jane@prospect.com", ms+1000),
	}}
	row2 := leadRow("jane@prospect.com")
	row2[crm.DefaultFieldsMap().Owner] = "other@ourco.com"
	w2, _, _ := newTestWatcher(t, db, search2, row2)

	counts, err = w2.RunOnce(context.Background(), testInbox())
	require.NoError(t, err)
	require.Equal(t, 1, counts.Matched)
}

func TestRunOnce_TransientListErrorRetried(t *testing.T) {
	db := newTestDB(t)
	ms := time.Now().UnixMilli()
	search := &fakeSearcher{
		messages: []*mailer.Metadata{replyFrom("101", "jane@prospect.com", ms)},
		listErrs: 2,
	}
	w, _, _ := newTestWatcher(t, db, search, leadRow("jane@prospect.com"))

	counts, err := w.RunOnce(context.Background(), testInbox())
	require.NoError(t, err, "two transient failures are within the retry budget")
	require.Equal(t, 1, counts.Matched)
}

func TestMarkNotResponded(t *testing.T) {
	db := newTestDB(t)
	w, store, _ := newTestWatcher(t, db, &fakeSearcher{}, leadRow("jane@prospect.com"))
	require.NoError(t, w.State.MarkReplied("jane@prospect.com", time.Now()))

	require.NoError(t, w.MarkNotResponded("jane@prospect.com"))

	stop, err := w.State.ShouldStopAll("jane@prospect.com")
	require.NoError(t, err)
	require.False(t, stop)
	row, _, _ := store.Get("jane@prospect.com")
	require.Equal(t, "No", row[w.Fields.RespondedFlag])
}
