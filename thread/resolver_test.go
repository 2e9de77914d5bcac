package thread

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"leadpilot/config"
	"leadpilot/crm"
	"leadpilot/mailer"
)

func TestLinks_RoundTrip(t *testing.T) {
	link := IDToLink("18c2f9a7b3d")
	require.Equal(t, "https://mail.google.com/mail/u/0/#all/18c2f9a7b3d", link)
	require.Equal(t, "18c2f9a7b3d", LinkToID(link))

	// Message-id style thread identifiers survive the trip too.
	id := "abc-123@mail.prospect.com"
	require.Equal(t, id, LinkToID(IDToLink(id)))
}

func TestLinkToID_LegacyForms(t *testing.T) {
	require.Equal(t, "deadbeef", LinkToID("https://mail.google.com/mail?th=deadbeef"))
	require.Equal(t, "bare-id", LinkToID("bare-id"))
	require.Equal(t, "bare-id", LinkToID("<bare-id>"))
	require.Equal(t, "", LinkToID(""))
}

type fakeSearch struct {
	mu       sync.Mutex
	messages []*mailer.Metadata
	listErr  error
	calls    int
}

func (f *fakeSearch) ListMessageIDs(_ context.Context, _ *config.Inbox, _ time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	ids := make([]string, 0, len(f.messages))
	for _, m := range f.messages {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (f *fakeSearch) GetMetadata(_ context.Context, _ *config.Inbox, id string) (*mailer.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, errors.New("not found")
}

type memCRM struct {
	mu   sync.Mutex
	rows map[string]crm.Row
}

func (s *memCRM) All() ([]crm.Row, error) { return nil, nil }

func (s *memCRM) Get(email string) (crm.Row, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[strings.ToLower(email)]
	return row, ok, nil
}

func (s *memCRM) Merge(email string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[strings.ToLower(email)]
	if !ok {
		return errors.New("lead not found")
	}
	for k, v := range fields {
		row[k] = v
	}
	return nil
}

func sentCopy(id, threadID, to, subject string, at time.Time) *mailer.Metadata {
	return &mailer.Metadata{
		ID:       id,
		From:     "sender@ourco.com",
		To:       to,
		Subject:  subject,
		Date:     at,
		ThreadID: threadID,
	}
}

func testResolver(search mailer.Searcher, store crm.Store) *Resolver {
	return &Resolver{
		Search: search,
		CRM:    store,
		Settings: config.ThreadSettings{
			Enabled:        true,
			MaxCandidates:  10,
			UseFingerprint: true,
		},
	}
}

func testLead(overrides map[string]string) (*crm.Lead, *memCRM) {
	f := crm.DefaultFieldsMap()
	row := crm.Row{
		f.Email:         "jane@prospect.com",
		f.OpenerSubject: "Intro to Acme",
	}
	for k, v := range overrides {
		row[k] = v
	}
	store := &memCRM{rows: map[string]crm.Row{"jane@prospect.com": row}}
	return crm.NewLead(row, f), store
}

func TestEnsureThread_ExistingLinkNoIO(t *testing.T) {
	f := crm.DefaultFieldsMap()
	lead, store := testLead(map[string]string{f.ThreadLink: "https://mail.google.com/mail/u/0/#all/known"})
	search := &fakeSearch{}
	r := testResolver(search, store)

	link, err := r.EnsureThread(context.Background(), lead, &config.Inbox{Email: "sender@ourco.com"})
	require.NoError(t, err)
	require.Equal(t, "https://mail.google.com/mail/u/0/#all/known", link)
	require.Equal(t, 0, search.calls, "cheapest path must do no I/O")
}

func TestEnsureThread_RecoversByFingerprint(t *testing.T) {
	now := time.Now()
	lead, store := testLead(nil)
	search := &fakeSearch{messages: []*mailer.Metadata{
		sentCopy("1", "thread-old", "jane@prospect.com", "Totally unrelated", now.Add(-48*time.Hour)),
		sentCopy("2", "thread-match", "jane@prospect.com", "Re: Intro to Acme", now.Add(-24*time.Hour)),
		sentCopy("3", "thread-other-lead", "bob@other.com", "Intro to Acme", now),
	}}
	r := testResolver(search, store)

	link, err := r.EnsureThread(context.Background(), lead, &config.Inbox{Email: "sender@ourco.com"})
	require.NoError(t, err)
	require.Equal(t, IDToLink("thread-match"), link)

	// The recovered link is written back for future calls.
	row, _, _ := store.Get("jane@prospect.com")
	require.Equal(t, link, row[crm.DefaultFieldsMap().ThreadLink])
	require.Equal(t, link, lead.ThreadLink())
}

func TestEnsureThread_UnmatchedFingerprintIsMissing(t *testing.T) {
	lead, store := testLead(nil)
	search := &fakeSearch{messages: []*mailer.Metadata{
		sentCopy("1", "thread-x", "jane@prospect.com", "Totally unrelated", time.Now()),
	}}
	r := testResolver(search, store)

	_, err := r.EnsureThread(context.Background(), lead, &config.Inbox{Email: "sender@ourco.com"})
	require.ErrorIs(t, err, ErrMissing,
		"an unmatched fingerprint must not fall back to the most recent thread")
}

func TestEnsureThread_NewestWinsWithoutFingerprint(t *testing.T) {
	f := crm.DefaultFieldsMap()
	lead, store := testLead(map[string]string{f.OpenerSubject: ""})
	search := &fakeSearch{messages: []*mailer.Metadata{
		sentCopy("1", "thread-older", "jane@prospect.com", "a", time.Now().Add(-time.Hour)),
		sentCopy("2", "thread-newest", "jane@prospect.com", "b", time.Now()),
	}}
	r := testResolver(search, store)

	link, err := r.EnsureThread(context.Background(), lead, &config.Inbox{Email: "sender@ourco.com"})
	require.NoError(t, err)
	require.Equal(t, IDToLink("thread-newest"), link)
}

func TestEnsureThread_NoCandidatesIsMissing(t *testing.T) {
	lead, store := testLead(nil)
	r := testResolver(&fakeSearch{}, store)
	_, err := r.EnsureThread(context.Background(), lead, &config.Inbox{Email: "sender@ourco.com"})
	require.ErrorIs(t, err, ErrMissing)
}

func TestEnsureThread_DisabledIsMissing(t *testing.T) {
	lead, store := testLead(nil)
	r := testResolver(&fakeSearch{}, store)
	r.Settings.Enabled = false
	_, err := r.EnsureThread(context.Background(), lead, &config.Inbox{Email: "sender@ourco.com"})
	require.ErrorIs(t, err, ErrMissing)
}

func TestEnsureThread_ConcurrentCallsConverge(t *testing.T) {
	now := time.Now()
	lead, store := testLead(nil)
	search := &fakeSearch{messages: []*mailer.Metadata{
		sentCopy("1", "thread-match", "jane@prospect.com", "Re: Intro to Acme", now),
	}}
	r := testResolver(search, store)

	const callers = 8
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, _ := testLead(nil)
			link, err := r.EnsureThread(context.Background(), l, &config.Inbox{Email: "sender@ourco.com"})
			if err != nil {
				t.Errorf("EnsureThread: %v", err)
				return
			}
			results[i] = link
		}(i)
	}
	wg.Wait()

	want := IDToLink("thread-match")
	for i, got := range results {
		require.Equal(t, want, got, "caller %d diverged", i)
	}
	row, _, _ := store.Get("jane@prospect.com")
	require.Equal(t, want, row[crm.DefaultFieldsMap().ThreadLink], "no corruption or concatenation")
	_ = lead
}
