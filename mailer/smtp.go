package mailer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"leadpilot/config"
)

// SMTPTransport implements Transport over plain SMTP credentials.
type SMTPTransport struct {
	Timeout time.Duration
	Log     *logrus.Logger
}

func NewSMTPTransport(timeout time.Duration, log *logrus.Logger) *SMTPTransport {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &SMTPTransport{Timeout: timeout, Log: log}
}

// Send delivers one message. The send itself is never interrupted mid-call;
// the timeout bounds how long we wait for the dial-and-send to finish.
func (t *SMTPTransport) Send(ctx context.Context, inbox *config.Inbox, to, subject, body, threadRef string) (*SendResult, error) {
	messageID := newMessageID(inbox.Email)

	m := gomail.NewMessage()
	if inbox.FromName != "" {
		m.SetHeader("From", m.FormatAddress(inbox.Email, inbox.FromName))
	} else {
		m.SetHeader("From", inbox.Email)
	}
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetHeader("Message-ID", messageID)
	if threadRef != "" {
		ref := bracket(threadRef)
		m.SetHeader("In-Reply-To", ref)
		m.SetHeader("References", ref)
	}
	m.SetBody("text/plain", body)

	username := inbox.SMTPUsername
	if username == "" {
		username = inbox.Email
	}
	d := gomail.NewDialer(inbox.SMTPHost, inbox.SMTPPort, username, inbox.SMTPPassword)
	d.SSL = strings.EqualFold(inbox.Encryption, "SSL")

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.DialAndSend(m)
	}()

	timer := time.NewTimer(t.Timeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("smtp send to %s via %s: %w", to, inbox.Email, err)
		}
	case <-timer.C:
		return nil, fmt.Errorf("smtp send to %s via %s: timed out after %s", to, inbox.Email, t.Timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	threadOut := threadRef
	if threadOut == "" {
		threadOut = strings.Trim(messageID, "<>")
	}
	if t.Log != nil {
		t.Log.WithFields(logrus.Fields{
			"inbox": inbox.Email,
			"to":    to,
		}).Info("message sent")
	}
	return &SendResult{
		Status:    "ok",
		SentAt:    time.Now(),
		ThreadRef: threadOut,
	}, nil
}

func newMessageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 {
		domain = from[i+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

func bracket(ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "<") {
		return ref
	}
	return "<" + ref + ">"
}
