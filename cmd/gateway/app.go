package main

import (
	"context"
	"fmt"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/alerts"
	"github.com/lalithlochan/marquee/internal/api"
	"github.com/lalithlochan/marquee/internal/arr"
	"github.com/lalithlochan/marquee/internal/circuitbreaker"
	"github.com/lalithlochan/marquee/internal/config"
	"github.com/lalithlochan/marquee/internal/db"
	"github.com/lalithlochan/marquee/internal/email"
	"github.com/lalithlochan/marquee/internal/inbox"
	"github.com/lalithlochan/marquee/internal/ingest"
	"github.com/lalithlochan/marquee/internal/issues"
	"github.com/lalithlochan/marquee/internal/maintenance"
	"github.com/lalithlochan/marquee/internal/monitor"
	"github.com/lalithlochan/marquee/internal/plex"
	"github.com/lalithlochan/marquee/internal/reconcile"
	"github.com/lalithlochan/marquee/internal/redis"
	"github.com/lalithlochan/marquee/internal/seerr"
	"github.com/lalithlochan/marquee/internal/summary"
	"github.com/lalithlochan/marquee/internal/supervisor"
	"github.com/lalithlochan/marquee/internal/worker"
)

const summaryCheckInterval = time.Hour

// app is everything run() mounts: HTTP handlers, the optional queue
// consumer and the background workers.
type app struct {
	webhooks *api.WebhookHandler
	operator *api.Handler
	limiter  api.Limiter
	consumer *inbox.Consumer
	workers  []suture.Service
}

func build(ctx context.Context, cfg *config.Config, repo *db.Repository, redisClient *redis.Client, logger *zap.Logger) (*app, error) {
	renderer, err := email.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("failed to parse email templates: %w", err)
	}

	sender, err := newSender(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create email sender: %w", err)
	}

	// Upstream clients. Unconfigured ones are left as nil interfaces so the
	// services that take them skip that media type.
	sonarr := arr.NewSonarr(arr.Config{
		URL: cfg.SonarrURL, APIKey: cfg.SonarrAPIKey, Timeout: cfg.UpstreamTimeout, RPS: cfg.UpstreamRPS,
	}, logger)
	radarr := arr.NewRadarr(arr.Config{
		URL: cfg.RadarrURL, APIKey: cfg.RadarrAPIKey, Timeout: cfg.UpstreamTimeout, RPS: cfg.UpstreamRPS,
	}, logger)
	tracker := seerr.New(seerr.Config{
		URL: cfg.SeerrURL, APIKey: cfg.SeerrAPIKey, Timeout: cfg.UpstreamTimeout, RPS: cfg.UpstreamRPS,
	}, logger)
	presence := plex.New(plex.Config{
		URL: cfg.PlexURL, Token: cfg.PlexToken, Timeout: cfg.UpstreamTimeout, RPS: cfg.UpstreamRPS,
	}, logger)

	logger.Info("upstream integrations",
		zap.Bool("sonarr", sonarr.Configured()),
		zap.Bool("radarr", radarr.Configured()),
		zap.Bool("jellyseerr", tracker.Configured()),
		zap.Bool("plex", cfg.PlexURL != ""),
	)

	maint := maintenance.New(repo, renderer, maintenance.Config{}, logger)

	var (
		issuesTV      issues.TV
		issuesMovies  issues.Movies
		issuesTracker issues.Tracker
		queueChecker  worker.QueueChecker
		syncTV        seerr.TVLibrary
		qualityTV     monitor.TVLibrary
		qualityMovies monitor.MovieLibrary
		ingestOpts    []ingest.Option
		stuckSources  []monitor.Source
	)
	reconcileOpts := []reconcile.Option{reconcile.WithGate(maint)}
	if sonarr.Configured() {
		issuesTV = sonarr
		queueChecker = sonarr
		syncTV = sonarr
		qualityTV = sonarr
		reconcileOpts = append(reconcileOpts, reconcile.WithTV(sonarr))
		stuckSources = append(stuckSources, monitor.Source{Name: "sonarr", Queue: sonarr, Rescanner: sonarr})
	}
	if radarr.Configured() {
		issuesMovies = radarr
		qualityMovies = radarr
		reconcileOpts = append(reconcileOpts, reconcile.WithMovies(radarr))
		stuckSources = append(stuckSources, monitor.Source{Name: "radarr", Queue: radarr})
	}
	if tracker.Configured() {
		issuesTracker = tracker
		ingestOpts = append(ingestOpts, ingest.WithPosters(tracker))
	}

	issueSvc := issues.New(repo, issuesTV, issuesMovies, issuesTracker, renderer, issues.Config{
		AutoFix:       cfg.IssueAutoFix,
		FixingStale:   cfg.IssueFixingStale,
		ReportedStale: cfg.IssueReportedStale,
		AbandonAfter:  cfg.IssueAbandonAfter,
	}, logger)
	reconcileOpts = append(reconcileOpts, reconcile.WithIssues(issueSvc))

	dispatcher := worker.New(repo, sender, renderer, queueChecker, maint, worker.Config{
		PollInterval: cfg.DispatchInterval,
		MaxWait:      cfg.MaxWait,
		ExtendStep:   cfg.ExtendStep,
		Lookahead:    cfg.BatchLookahead,
		RetryLimit:   cfg.SendRetryLimit,
	}, logger)

	var syncer *seerr.Syncer
	if tracker.Configured() {
		syncer = seerr.NewSyncer(tracker, repo, syncTV, logger)
		ingestOpts = append(ingestOpts, ingest.WithImporter(syncer))
	}
	ingestOpts = append(ingestOpts, ingest.WithIssues(issueSvc), ingest.WithNudger(dispatcher))

	ingestSvc := ingest.New(repo, renderer, ingest.Config{SettleDelay: cfg.SettleDelay}, logger, ingestOpts...)
	reconciler := reconcile.New(repo, ingestSvc, presence, logger, reconcileOpts...)

	var publisher *alerts.Publisher
	if cfg.AdminAlertTopicARN != "" {
		publisher, err = alerts.NewPublisher(ctx, cfg.AdminAlertTopicARN, cfg.AWSRegion)
		if err != nil {
			logger.Warn("sns publisher unavailable, admin alerts go by email only", zap.Error(err))
			publisher = nil
		}
	}
	alerter := alerts.New(sender, renderer, cfg.AdminRecipient(), publisher, logger)

	stuck := monitor.NewStuckMonitor(stuckSources, repo, alerter, maint, monitor.StuckConfig{
		SlowAfter:    cfg.StuckSlowAfter,
		RealertAfter: cfg.StuckRealertAfter,
	}, logger)

	weekly := summary.New(repo, renderer, cfg.AdminRecipient(), logger)

	a := &app{}

	// Replay protection and the shared limiter need redis.
	var replay api.ReplayGuard
	if redisClient != nil {
		replay = redis.NewReplayGuard(redisClient, logger)
		a.limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.WebhookRateLimit,
			Window: time.Minute,
		})
	}

	// With a queue configured webhooks are accepted into SQS and processed
	// by the consumer; otherwise they are processed inline.
	var enqueuer api.Enqueuer
	if cfg.WebhookQueueURL != "" {
		client, err := inbox.NewClient(ctx, cfg.AWSRegion, "")
		if err != nil {
			return nil, fmt.Errorf("failed to create sqs client: %w", err)
		}
		enqueuer = inbox.NewProducer(client, cfg.WebhookQueueURL)
		a.consumer = inbox.NewConsumer(client, cfg.WebhookQueueURL, func(ctx context.Context, source string, body []byte) error {
			_, err := ingestSvc.Process(ctx, source, body)
			return err
		}, logger)
		logger.Info("webhook inbox enabled", zap.String("queue_url", cfg.WebhookQueueURL))
	}

	a.webhooks = api.NewWebhookHandler(logger, ingestSvc, enqueuer, replay)

	operatorOpts := []api.HandlerOption{
		api.WithReconciler(reconciler),
		api.WithMaintenance(maint),
		api.WithIssueResolver(issueSvc),
		api.WithSummary(weekly),
	}
	if syncer != nil {
		operatorOpts = append(operatorOpts, api.WithSyncer(syncer))
	}
	a.operator = api.NewHandler(logger, repo, operatorOpts...)

	a.workers = append(a.workers,
		supervisor.Func{Name: "dispatcher", Fn: func(ctx context.Context) error {
			dispatcher.Start(ctx)
			return ctx.Err()
		}},
		&supervisor.Periodic{Name: "maintenance", Interval: cfg.MaintenanceInterval, Run: maint.RunOnce, Immediate: true, Logger: logger},
		&supervisor.Periodic{Name: "reconcile", Interval: cfg.ReconcileInterval, Run: reconciler.RunOnce, Logger: logger},
		&supervisor.Periodic{Name: "stuck", Interval: cfg.StuckInterval, Run: stuck.RunOnce, Logger: logger},
		&supervisor.Periodic{Name: "summary", Interval: summaryCheckInterval, Run: weekly.RunOnce, Immediate: true, Logger: logger},
	)
	if syncer != nil {
		a.workers = append(a.workers, &supervisor.Periodic{Name: "sync", Interval: cfg.SyncInterval, Run: syncer.RunOnce, Immediate: true, Logger: logger})
	}
	if cfg.QualityMonitorEnabled {
		var posters monitor.Posters
		if tracker.Configured() {
			posters = tracker
		}
		quality := monitor.NewQualityMonitor(repo, qualityTV, qualityMovies, posters, renderer, maint, monitor.QualityConfig{
			WaitingDelay: cfg.QualityWaitingDelay,
		}, logger)
		a.workers = append(a.workers, &supervisor.Periodic{Name: "quality", Interval: cfg.QualityInterval, Run: quality.RunOnce, Logger: logger})
	}

	return a, nil
}

// newSender builds the configured transport, each wrapped in its own
// breaker, with EMAIL_FALLBACK tried when the primary fails.
func newSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (email.Sender, error) {
	primary, err := transport(ctx, cfg.EmailProvider, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.EmailFallback == "" {
		return primary, nil
	}
	fallback, err := transport(ctx, cfg.EmailFallback, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}
	return email.NewFailoverSender(logger, primary, fallback), nil
}

func transport(ctx context.Context, provider string, cfg *config.Config, logger *zap.Logger) (email.Sender, error) {
	var s email.Sender
	switch provider {
	case "log":
		return email.NewLogSender(logger), nil
	case "ses":
		ses, err := email.NewSESSender(ctx, email.SESConfig{Region: cfg.AWSRegion, FromEmail: cfg.SESFromEmail}, logger)
		if err != nil {
			return nil, err
		}
		s = ses
	case "smtp":
		s = email.NewSMTPSender(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			StartTLS: cfg.SMTPStartTLS,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown email provider %q", provider)
	}
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(provider), logger)
	return circuitbreaker.NewProtectedSender(s, breaker, logger), nil
}
