package thread

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"leadpilot/config"
	"leadpilot/crm"
	"leadpilot/mailer"
)

// ErrMissing means no thread reference could be established; callers must
// skip the lead rather than start a detached conversation.
var ErrMissing = errors.New("thread reference missing")

const defaultSearchBack = 30 * 24 * time.Hour

// Resolver guarantees a follow-up lands in the lead's existing
// conversation. Recovery is best-effort and idempotent: concurrent
// attempts for the same lead just overwrite the link with the same value.
type Resolver struct {
	Search   mailer.Searcher
	CRM      crm.Store
	Settings config.ThreadSettings
	Log      *logrus.Logger
	Now      func() time.Time
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// EnsureThread returns the lead's thread link, recovering it from the
// mailbox when the CRM cell is empty.
func (r *Resolver) EnsureThread(ctx context.Context, lead *crm.Lead, inbox *config.Inbox) (string, error) {
	if link := lead.ThreadLink(); link != "" {
		return link, nil
	}
	if !r.Settings.Enabled || r.Search == nil {
		return "", ErrMissing
	}

	since := r.now().Add(-defaultSearchBack)
	if last, ok := lead.LastSentAt(); ok {
		since = last.Add(-24 * time.Hour)
	}

	ids, err := r.Search.ListMessageIDs(ctx, inbox, since)
	if err != nil {
		return "", err
	}

	max := r.Settings.MaxCandidates
	if max <= 0 {
		max = 10
	}
	// Provider order is oldest first; walk newest first.
	if len(ids) > max {
		ids = ids[len(ids)-max:]
	}

	fingerprint := ""
	if r.Settings.UseFingerprint {
		subject, _ := lead.PriorTouch(1)
		fingerprint = normalizeSubject(subject)
	}

	var best *mailer.Metadata
	for i := len(ids) - 1; i >= 0; i-- {
		md, err := r.Search.GetMetadata(ctx, inbox, ids[i])
		if err != nil {
			if r.Log != nil {
				r.Log.WithError(err).WithField("id", ids[i]).Debug("candidate fetch failed")
			}
			continue
		}
		if !involvesLead(md, lead.Email()) || md.ThreadID == "" {
			continue
		}
		if fingerprint != "" {
			// With a fingerprint available, only a matching candidate may
			// win; accepting a mismatch risks merging unrelated threads.
			if strings.Contains(normalizeSubject(md.Subject), fingerprint) {
				best = md
				break
			}
			continue
		}
		if best == nil {
			best = md
			break
		}
	}
	if best == nil {
		return "", ErrMissing
	}

	link := IDToLink(best.ThreadID)
	if link == "" {
		return "", ErrMissing
	}

	// Last write wins; a concurrent resolver writing the same value is
	// harmless.
	lead.Row[lead.Fields.ThreadLink] = link
	if r.CRM != nil {
		if err := r.CRM.Merge(lead.Email(), map[string]string{lead.Fields.ThreadLink: link}); err != nil {
			if r.Log != nil {
				r.Log.WithError(err).WithField("lead", lead.Email()).Warn("failed to persist recovered thread link")
			}
		}
	}
	return link, nil
}

func involvesLead(md *mailer.Metadata, leadEmail string) bool {
	return strings.EqualFold(md.To, leadEmail) || strings.EqualFold(md.From, leadEmail)
}

func normalizeSubject(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, prefix := range []string{"re:", "fwd:", "fw:"} {
		for strings.HasPrefix(s, prefix) {
			s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
		}
	}
	return s
}
