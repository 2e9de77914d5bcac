package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"leadpilot/audit"
	"leadpilot/config"
	"leadpilot/crm"
	"leadpilot/dispatch"
	"leadpilot/engine"
	"leadpilot/generation"
	"leadpilot/mailer"
	"leadpilot/sendwindow"
	"leadpilot/sequence"
	"leadpilot/state"
	"leadpilot/thread"
	"leadpilot/verifier"
	"leadpilot/watcher"
	"leadpilot/worker"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	cfg := config.AppConfig

	sentryOn := cfg.SentryDSN != ""
	if sentryOn {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			logger.Fatalf("Failed to init sentry: %v", err)
		}
		defer sentry.Flush(5 * time.Second)
	}

	controls, err := config.LoadControls(cfg.SettingsDir)
	if err != nil {
		logger.Fatalf("Failed to load controls: %v", err)
	}
	seqs, err := config.LoadSequences(cfg.SettingsDir)
	if err != nil {
		logger.Fatalf("Failed to load sequences: %v", err)
	}
	inboxes, err := config.LoadInboxes(cfg.SettingsDir)
	if err != nil {
		logger.Fatalf("Failed to load inboxes: %v", err)
	}
	fields, err := crm.LoadFieldsMap(cfg.SettingsDir)
	if err != nil {
		logger.Fatalf("Failed to load fields map: %v", err)
	}

	var redisOpts *sendwindow.RedisOptions
	if cfg.Redis.Enabled {
		redisOpts = &sendwindow.RedisOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
	}
	policy, err := sendwindow.NewPolicy(controls.SendWindow, sendwindow.NewCounterStore(config.DB, redisOpts))
	if err != nil {
		logger.Fatalf("Failed to build send window policy: %v", err)
	}

	store := state.NewStore(config.DB)
	crmStore := crm.NewFileStore(cfg.CRMPath, fields)
	trail := audit.NewTrail(cfg.AuditPath, logger)
	search := mailer.NewIMAPSearcher(logger)
	defer search.Close()

	resolver := &thread.Resolver{
		Search:   search,
		CRM:      crmStore,
		Settings: controls.Thread,
		Log:      logger,
	}
	decider := &sequence.Decider{
		State:   store,
		Delays:  sequence.NewDelayTable(seqs.Delays),
		Inboxes: inboxes,
		Threads: resolver,
		Log:     logger,
	}
	dispatcher := &dispatch.Dispatcher{
		Pool:        inboxes.Emails(),
		JitterMin:   time.Duration(cfg.SendJitterMinSecs) * time.Second,
		JitterMax:   time.Duration(cfg.SendJitterMaxSecs) * time.Second,
		PerInboxCap: controls.SendWindow.PerInboxLimit,
		GlobalCap:   controls.SendWindow.DailyLimit,
		Log:         logger,
	}

	eng := &engine.Engine{
		CRM:        crmStore,
		Fields:     fields,
		State:      store,
		Policy:     policy,
		Decider:    decider,
		Drafter:    &generation.TemplateWriter{},
		Transport:  mailer.NewSMTPTransport(time.Duration(cfg.SendTimeoutSecs)*time.Second, logger),
		Dispatcher: dispatcher,
		Inboxes:    inboxes,
		Verifier:   verifier.New(logger),
		Audit:      trail,
		Log:        logger,
		SequenceID: seqs.SequenceID,
	}

	watch := &watcher.Watcher{
		DB:            config.DB,
		State:         store,
		CRM:           crmStore,
		Fields:        fields,
		Search:        search,
		Audit:         trail,
		Log:           logger,
		Lookback:      time.Duration(cfg.LookbackHours) * time.Hour,
		StrictOwner:   cfg.StrictOwnerMatch,
		EnforceThread: cfg.EnforceThreadMatch,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	replyWorker := worker.NewReplyWorker(watch, inboxes, time.Duration(cfg.ReplyPollMinutes)*time.Minute, logger, sentryOn)
	go replyWorker.Start(ctx)

	followupWorker := worker.NewFollowupWorker(eng, cfg.ClientName, time.Duration(cfg.FollowupTickMinutes)*time.Minute, logger, sentryOn)
	go followupWorker.Start(ctx)

	logger.Info("leadpilot running")
	<-ctx.Done()
	logger.Info("shutting down")
}
