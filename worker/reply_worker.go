package worker

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"leadpilot/config"
	"leadpilot/utils"
	"leadpilot/watcher"
)

// ReplyWorker drives the reply-detection loop on an interval with jitter.
// Inboxes are polled sequentially within one tick; one inbox failing never
// blocks the others.
type ReplyWorker struct {
	watcher  *watcher.Watcher
	inboxes  config.InboxPool
	interval time.Duration
	logger   *logrus.Logger
	sentryOn bool
}

func NewReplyWorker(w *watcher.Watcher, inboxes config.InboxPool, interval time.Duration, logger *logrus.Logger, sentryOn bool) *ReplyWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ReplyWorker{
		watcher:  w,
		inboxes:  inboxes,
		interval: interval,
		logger:   logger,
		sentryOn: sentryOn,
	}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	rw.logger.Info("Starting reply watch worker...")
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Small jitter so polls don't land on the exact interval.
			select {
			case <-time.After(utils.JitterBetween(0, 15*time.Second)):
			case <-ctx.Done():
				return
			}
			rw.pollAll(ctx)
		case <-ctx.Done():
			rw.logger.Info("Stopping reply watch worker...")
			return
		}
	}
}

func (rw *ReplyWorker) pollAll(ctx context.Context) {
	for i := range rw.inboxes {
		inbox := &rw.inboxes[i]
		counts, err := rw.watcher.RunOnce(ctx, inbox)
		if err != nil {
			rw.logger.WithError(err).WithField("inbox", inbox.Email).Error("reply poll failed")
			if rw.sentryOn {
				sentry.CaptureException(err)
			}
			continue
		}
		rw.logger.WithFields(logrus.Fields{
			"inbox":   inbox.Email,
			"checked": counts.Checked,
			"matched": counts.Matched,
			"auto":    counts.Auto,
			"skipped": counts.Skipped,
			"errors":  counts.Errors,
		}).Debug("reply poll finished")
	}
}
