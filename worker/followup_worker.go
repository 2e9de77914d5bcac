package worker

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"leadpilot/engine"
)

// FollowupWorker ticks the follow-up engine for one client scope.
type FollowupWorker struct {
	engine   *engine.Engine
	client   string
	interval time.Duration
	logger   *logrus.Logger
	sentryOn bool
}

func NewFollowupWorker(e *engine.Engine, client string, interval time.Duration, logger *logrus.Logger, sentryOn bool) *FollowupWorker {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &FollowupWorker{
		engine:   e,
		client:   client,
		interval: interval,
		logger:   logger,
		sentryOn: sentryOn,
	}
}

func (fw *FollowupWorker) Start(ctx context.Context) {
	fw.logger.Info("Starting follow-up worker...")
	ticker := time.NewTicker(fw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fw.tick(ctx)
		case <-ctx.Done():
			fw.logger.Info("Stopping follow-up worker...")
			return
		}
	}
}

func (fw *FollowupWorker) tick(ctx context.Context) {
	stats, err := fw.engine.RunTick(ctx, fw.client)
	if err != nil {
		fw.logger.WithError(err).Error("follow-up tick failed")
		if fw.sentryOn {
			sentry.CaptureException(err)
		}
		return
	}
	entry := fw.logger.WithFields(logrus.Fields{
		"loaded":     stats.Loaded,
		"eligible":   stats.Eligible,
		"actionable": stats.Actionable,
		"sent":       stats.Sent,
		"failed":     stats.Failed,
		"skipped":    stats.Skipped,
		"leftover":   stats.Leftover,
	})
	if stats.WindowReason != "" {
		entry = entry.WithField("window", stats.WindowReason)
	}
	entry.Info("follow-up tick finished")
}
