package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"

	"leadpilot/config"
)

// IMAPSearcher implements Searcher against IMAP mailboxes. Connections are
// kept per inbox and re-dialed when a call fails.
type IMAPSearcher struct {
	log *logrus.Logger

	mu    sync.Mutex
	conns map[string]*client.Client
}

func NewIMAPSearcher(log *logrus.Logger) *IMAPSearcher {
	return &IMAPSearcher{
		log:   log,
		conns: make(map[string]*client.Client),
	}
}

func (s *IMAPSearcher) conn(inbox *config.Inbox) (*client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.conns[inbox.Email]; ok {
		return c, nil
	}
	c, err := dialIMAP(inbox)
	if err != nil {
		return nil, err
	}
	s.conns[inbox.Email] = c
	return c, nil
}

func (s *IMAPSearcher) drop(inbox *config.Inbox) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[inbox.Email]; ok {
		_ = c.Logout()
		delete(s.conns, inbox.Email)
	}
}

func dialIMAP(inbox *config.Inbox) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", inbox.IMAPHost, inbox.IMAPPort)

	var (
		c   *client.Client
		err error
	)
	switch strings.ToUpper(inbox.IMAPEncryption) {
	case "SSL", "TLS":
		c, err = client.DialTLS(addr, &tls.Config{
			ServerName: inbox.IMAPHost,
		})
	case "STARTTLS":
		c, err = client.Dial(addr)
		if err == nil {
			err = c.StartTLS(&tls.Config{
				ServerName: inbox.IMAPHost,
			})
		}
	default:
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	username := inbox.IMAPUsername
	if username == "" {
		username = inbox.Email
	}
	if err := c.Login(username, inbox.IMAPPassword); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := inbox.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := c.Select(mailbox, true); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to select mailbox: %w", err)
	}
	return c, nil
}

// ListMessageIDs returns the UIDs of messages received since the given
// time, as opaque id strings.
func (s *IMAPSearcher) ListMessageIDs(ctx context.Context, inbox *config.Inbox, since time.Time) ([]string, error) {
	c, err := s.conn(inbox)
	if err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = since.Truncate(24 * time.Hour)
	uids, err := c.UidSearch(criteria)
	if err != nil {
		s.drop(inbox)
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}

	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	return ids, nil
}

// GetMetadata fetches the envelope, internal date and the automation
// headers for one message.
func (s *IMAPSearcher) GetMetadata(ctx context.Context, inbox *config.Inbox, id string) (*Metadata, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("bad message id %q: %w", id, err)
	}

	c, err := s.conn(inbox)
	if err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(uid))

	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier},
		Peek:         true,
	}
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchInternalDate,
		imap.FetchUid,
		section.FetchItem(),
	}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	var msg *imap.Message
	for m := range messages {
		msg = m
	}
	if err := <-done; err != nil {
		s.drop(inbox)
		return nil, fmt.Errorf("error during fetch: %w", err)
	}
	if msg == nil || msg.Envelope == nil {
		return nil, fmt.Errorf("message %s not found", id)
	}

	md := &Metadata{
		ID:         id,
		MessageID:  msg.Envelope.MessageId,
		From:       firstAddress(msg.Envelope.From),
		To:         firstAddress(msg.Envelope.To),
		Subject:    msg.Envelope.Subject,
		Date:       msg.Envelope.Date,
		InternalMS: msg.InternalDate.UnixMilli(),
		ThreadID:   msg.Envelope.InReplyTo,
	}
	if md.ThreadID == "" {
		md.ThreadID = msg.Envelope.MessageId
	}
	if md.InternalMS <= 0 {
		md.InternalMS = msg.Envelope.Date.UnixMilli()
	}

	applyAutomationHeaders(md, msg, section)
	return md, nil
}

// applyAutomationHeaders reads Auto-Submitted, Precedence and List-Id off
// the fetched header section. The body map is keyed by the section names
// the server response carried, so the lookup must go through GetBody.
func applyAutomationHeaders(md *Metadata, msg *imap.Message, section *imap.BodySectionName) {
	literal := msg.GetBody(section)
	if literal == nil {
		return
	}
	mr, err := mail.CreateReader(literal)
	if err != nil {
		return
	}
	md.AutoSubmitted = mr.Header.Get("Auto-Submitted")
	md.Precedence = mr.Header.Get("Precedence")
	md.ListID = mr.Header.Get("List-Id")
}

// Close logs out of every cached connection.
func (s *IMAPSearcher) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for email, c := range s.conns {
		_ = c.Logout()
		delete(s.conns, email)
	}
}

func firstAddress(addrs []*imap.Address) string {
	for _, addr := range addrs {
		if addr.MailboxName != "" && addr.HostName != "" {
			return strings.ToLower(addr.MailboxName + "@" + addr.HostName)
		}
	}
	return ""
}
