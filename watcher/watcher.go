package watcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"leadpilot/audit"
	"leadpilot/config"
	"leadpilot/crm"
	"leadpilot/mailer"
	"leadpilot/models"
	"leadpilot/state"
	"leadpilot/thread"
)

const eventProvider = "imap"

// Counts summarizes one poll cycle for one inbox.
type Counts struct {
	Checked int
	Matched int
	Auto    int
	Skipped int
	Errors  int
}

// Watcher is the reply-detection loop. Each cycle polls one inbox from its
// stored watermark, classifies candidates, and flips genuinely-replied
// leads exactly once.
type Watcher struct {
	DB     *gorm.DB
	State  *state.Store
	CRM    crm.Store
	Fields *crm.FieldsMap
	Search mailer.Searcher
	Audit  *audit.Trail
	Log    *logrus.Logger

	Lookback      time.Duration
	StrictOwner   bool
	EnforceThread bool
	RetryBase     time.Duration
	Now           func() time.Time
}

func (w *Watcher) retryBase() time.Duration {
	if w.RetryBase > 0 {
		return w.RetryBase
	}
	return time.Second
}

func (w *Watcher) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// RunOnce polls one inbox. Per-message failures are counted, not fatal;
// only being unable to list messages at all fails the cycle.
func (w *Watcher) RunOnce(ctx context.Context, inbox *config.Inbox) (Counts, error) {
	var counts Counts

	watermark, err := w.offset(inbox.Email)
	if err != nil {
		return counts, err
	}
	if watermark <= 0 {
		lookback := w.Lookback
		if lookback <= 0 {
			lookback = 48 * time.Hour
		}
		watermark = w.now().Add(-lookback).UnixMilli()
	}
	since := time.UnixMilli(watermark)

	var ids []string
	err = withRetry(ctx, 3, w.retryBase(), func() error {
		var lerr error
		ids, lerr = w.Search.ListMessageIDs(ctx, inbox, since)
		return lerr
	})
	if err != nil {
		return counts, fmt.Errorf("list messages for %s: %w", inbox.Email, err)
	}

	rows, err := w.CRM.All()
	if err != nil {
		return counts, fmt.Errorf("load crm rows: %w", err)
	}
	idx := crm.IndexByEmail(rows, w.Fields)

	var (
		newest   int64
		observed bool
	)
	for _, id := range ids {
		var md *mailer.Metadata
		err := withRetry(ctx, 3, w.retryBase(), func() error {
			var gerr error
			md, gerr = w.Search.GetMetadata(ctx, inbox, id)
			return gerr
		})
		if err != nil {
			counts.Errors++
			w.warn(inbox.Email, "", err, "metadata fetch failed")
			continue
		}

		counts.Checked++
		observed = true
		if md.InternalMS > newest {
			newest = md.InternalMS
		}

		// Provider search can return stale hits at the boundary.
		if md.InternalMS <= watermark {
			counts.Skipped++
			continue
		}
		if strings.EqualFold(md.From, inbox.Email) {
			counts.Skipped++
			continue
		}
		if IsAutomated(md) || IsBulkSender(md.From) {
			counts.Auto++
			continue
		}

		row, ok := idx[strings.ToLower(md.From)]
		if !ok {
			counts.Skipped++
			continue
		}
		lead := crm.NewLead(row, w.Fields)

		if owner := lead.Owner(); owner != "" && !strings.EqualFold(owner, inbox.Email) {
			if w.StrictOwner {
				counts.Skipped++
				continue
			}
			w.warn(inbox.Email, lead.Email(), nil, "reply arrived at a different inbox than the lead's owner")
		}
		if link := lead.ThreadLink(); link != "" && md.ThreadID != "" {
			stored := thread.LinkToID(link)
			incoming := strings.Trim(md.ThreadID, "<>")
			if stored != "" && stored != incoming {
				if w.EnforceThread {
					counts.Skipped++
					continue
				}
				w.warn(inbox.Email, lead.Email(), nil, "reply thread differs from the stored link")
			}
		}

		eventID := md.MessageID
		if eventID == "" {
			eventID = inbox.Email + "/" + md.ID
		}
		seen, err := w.State.EventSeen(eventProvider, eventID)
		if err != nil {
			counts.Errors++
			w.warn(inbox.Email, lead.Email(), err, "event dedupe check failed")
			continue
		}
		if seen {
			counts.Skipped++
			continue
		}

		if err := w.markResponded(lead, md, inbox.Email); err != nil {
			counts.Errors++
			w.warn(inbox.Email, lead.Email(), err, "failed to record reply")
			continue
		}
		counts.Matched++
	}

	if observed && newest+1 > watermark {
		if err := w.saveOffset(inbox.Email, newest+1); err != nil {
			return counts, err
		}
	}
	return counts, nil
}

func (w *Watcher) markResponded(lead *crm.Lead, md *mailer.Metadata, inbox string) error {
	if err := w.State.MarkReplied(lead.Email(), md.Date); err != nil {
		return err
	}

	f := w.Fields
	updates := map[string]string{
		f.RespondedFlag:   "Yes",
		f.MessagingStatus: crm.MessagingPaused,
		f.LastInbound:     crm.FormatTimestamp(md.Date),
		f.RepliedAt:       crm.FormatTimestamp(md.Date),
		f.StopReason:      "REPLIED",
	}
	if err := w.CRM.Merge(lead.Email(), updates); err != nil {
		return err
	}

	if w.Audit != nil {
		w.Audit.Append(audit.Event{
			Kind:   "reply",
			Lead:   lead.Email(),
			Inbox:  inbox,
			Reason: "replied",
			Detail: md.Subject,
		})
	}
	if w.Log != nil {
		w.Log.WithFields(logrus.Fields{
			"lead":  lead.Email(),
			"inbox": inbox,
		}).Info("reply confirmed, lead stopped")
	}
	return nil
}

// MarkNotResponded reverses a reply flag set by mistake, reactivating the
// lead's sequences.
func (w *Watcher) MarkNotResponded(leadEmail string) error {
	if err := w.State.ClearReplied(leadEmail); err != nil {
		return err
	}
	f := w.Fields
	return w.CRM.Merge(leadEmail, map[string]string{
		f.RespondedFlag: "No",
		f.StopReason:    "",
	})
}

func (w *Watcher) offset(inbox string) (int64, error) {
	var rec models.InboxOffset
	err := w.DB.Where("inbox = ?", strings.ToLower(inbox)).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return rec.SinceMS, nil
}

// saveOffset persists a watermark, never moving it backward.
func (w *Watcher) saveOffset(inbox string, sinceMS int64) error {
	cur, err := w.offset(inbox)
	if err != nil {
		return err
	}
	if sinceMS <= cur {
		return nil
	}
	rec := models.InboxOffset{Inbox: strings.ToLower(inbox), SinceMS: sinceMS, UpdatedAt: time.Now()}
	err = w.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "inbox"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"since_ms":   sinceMS,
			"updated_at": time.Now(),
		}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	return nil
}

func (w *Watcher) warn(inbox, lead string, err error, msg string) {
	if w.Log == nil {
		return
	}
	entry := w.Log.WithFields(logrus.Fields{"inbox": inbox, "lead": lead})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn(msg)
}
