package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (webhook replay protection and rate limiting)
	RedisURL      string // overrides the host fields when set
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Upstream services. An empty URL disables the integration.
	SonarrURL    string
	SonarrAPIKey string
	RadarrURL    string
	RadarrAPIKey string
	PlexURL      string
	PlexToken    string
	SeerrURL     string
	SeerrAPIKey  string

	UpstreamTimeout time.Duration
	UpstreamRPS     float64

	// Email
	EmailProvider string // smtp, ses or log
	EmailFallback string // optional second transport, tried when the first fails
	SMTPHost      string
	SMTPPort      int
	SMTPUsername  string
	SMTPPassword  string
	SMTPFrom      string
	SMTPStartTLS  bool
	AWSRegion     string
	SESFromEmail  string
	AdminEmail    string

	// Optional AWS integrations
	AdminAlertTopicARN string
	WebhookQueueURL    string

	// Dispatcher
	DispatchInterval time.Duration
	SettleDelay      time.Duration
	MaxWait          time.Duration
	ExtendStep       time.Duration
	BatchLookahead   time.Duration
	SendRetryLimit   int // 0 retries failed sends forever

	// Periodic workers
	ReconcileInterval     time.Duration
	StuckInterval         time.Duration
	StuckSlowAfter        time.Duration
	StuckRealertAfter     time.Duration
	QualityMonitorEnabled bool
	QualityInterval       time.Duration
	QualityWaitingDelay   time.Duration
	SyncInterval          time.Duration
	MaintenanceInterval   time.Duration

	// Reported issues
	IssueFixingStale   time.Duration
	IssueReportedStale time.Duration
	IssueAbandonAfter  time.Duration
	IssueAutoFix       bool

	WebhookRateLimit int // requests per minute per client
}

// AdminRecipient is where operational mail goes.
func (c *Config) AdminRecipient() string {
	if c.AdminEmail != "" {
		return c.AdminEmail
	}
	return c.SMTPFrom
}

func defaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ENV", "development")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "marquee")
	v.SetDefault("DB_NAME", "marquee")
	v.SetDefault("DB_SSLMODE", "disable")

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("UPSTREAM_TIMEOUT", "30s")
	v.SetDefault("UPSTREAM_RPS", 5)

	v.SetDefault("EMAIL_PROVIDER", "smtp")
	v.SetDefault("SMTP_HOST", "localhost")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_FROM", "noreply@marquee.local")
	v.SetDefault("SMTP_STARTTLS", true)
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("SES_FROM_EMAIL", "noreply@marquee.local")

	v.SetDefault("DISPATCH_INTERVAL", "60s")
	v.SetDefault("SETTLE_DELAY", "5m")
	v.SetDefault("MAX_WAIT", "30m")
	v.SetDefault("EXTEND_STEP", "3m")
	v.SetDefault("BATCH_LOOKAHEAD", "2m")
	v.SetDefault("SEND_RETRY_LIMIT", 0)

	v.SetDefault("RECONCILE_INTERVAL", "2h")
	v.SetDefault("STUCK_INTERVAL", "30m")
	v.SetDefault("STUCK_SLOW_AFTER", "4h")
	v.SetDefault("STUCK_REALERT_AFTER", "24h")
	v.SetDefault("QUALITY_MONITOR_ENABLED", true)
	v.SetDefault("QUALITY_INTERVAL", "6h")
	v.SetDefault("QUALITY_WAITING_DELAY", "1h")
	v.SetDefault("SYNC_INTERVAL", "15m")
	v.SetDefault("MAINTENANCE_INTERVAL", "60s")

	v.SetDefault("ISSUE_FIXING_STALE", "2h")
	v.SetDefault("ISSUE_REPORTED_STALE", "24h")
	v.SetDefault("ISSUE_ABANDON_AFTER", "72h")
	v.SetDefault("ISSUE_AUTOFIX", true)

	v.SetDefault("WEBHOOK_RATE_LIMIT", 120)
}

// Load reads configuration from environment variables, optionally overlaid
// on a file named by MARQUEE_CONFIG.
func Load() (*Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	if path := v.GetString("MARQUEE_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	p := parser{v: v}

	cfg := &Config{
		Port:     p.int("PORT"),
		LogLevel: v.GetString("LOG_LEVEL"),
		Env:      v.GetString("ENV"),

		DBHost:     v.GetString("DB_HOST"),
		DBPort:     p.int("DB_PORT"),
		DBUser:     v.GetString("DB_USER"),
		DBPassword: v.GetString("DB_PASSWORD"),
		DBName:     v.GetString("DB_NAME"),
		DBSSLMode:  v.GetString("DB_SSLMODE"),

		RedisURL:      v.GetString("REDIS_URL"),
		RedisHost:     v.GetString("REDIS_HOST"),
		RedisPort:     p.int("REDIS_PORT"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       p.int("REDIS_DB"),

		SonarrURL:    trimURL(v.GetString("SONARR_URL")),
		SonarrAPIKey: v.GetString("SONARR_API_KEY"),
		RadarrURL:    trimURL(v.GetString("RADARR_URL")),
		RadarrAPIKey: v.GetString("RADARR_API_KEY"),
		PlexURL:      trimURL(v.GetString("PLEX_URL")),
		PlexToken:    v.GetString("PLEX_TOKEN"),
		SeerrURL:     trimURL(v.GetString("JELLYSEERR_URL")),
		SeerrAPIKey:  v.GetString("JELLYSEERR_API_KEY"),

		UpstreamTimeout: p.duration("UPSTREAM_TIMEOUT"),
		UpstreamRPS:     p.float("UPSTREAM_RPS"),

		EmailProvider: strings.ToLower(v.GetString("EMAIL_PROVIDER")),
		EmailFallback: strings.ToLower(v.GetString("EMAIL_FALLBACK")),
		SMTPHost:      v.GetString("SMTP_HOST"),
		SMTPPort:      p.int("SMTP_PORT"),
		SMTPUsername:  v.GetString("SMTP_USERNAME"),
		SMTPPassword:  v.GetString("SMTP_PASSWORD"),
		SMTPFrom:      v.GetString("SMTP_FROM"),
		SMTPStartTLS:  p.bool("SMTP_STARTTLS"),
		AWSRegion:     v.GetString("AWS_REGION"),
		SESFromEmail:  v.GetString("SES_FROM_EMAIL"),
		AdminEmail:    v.GetString("ADMIN_EMAIL"),

		AdminAlertTopicARN: v.GetString("ADMIN_ALERT_TOPIC_ARN"),
		WebhookQueueURL:    v.GetString("WEBHOOK_QUEUE_URL"),

		DispatchInterval: p.duration("DISPATCH_INTERVAL"),
		SettleDelay:      p.duration("SETTLE_DELAY"),
		MaxWait:          p.duration("MAX_WAIT"),
		ExtendStep:       p.duration("EXTEND_STEP"),
		BatchLookahead:   p.duration("BATCH_LOOKAHEAD"),
		SendRetryLimit:   p.int("SEND_RETRY_LIMIT"),

		ReconcileInterval:     p.duration("RECONCILE_INTERVAL"),
		StuckInterval:         p.duration("STUCK_INTERVAL"),
		StuckSlowAfter:        p.duration("STUCK_SLOW_AFTER"),
		StuckRealertAfter:     p.duration("STUCK_REALERT_AFTER"),
		QualityMonitorEnabled: p.bool("QUALITY_MONITOR_ENABLED"),
		QualityInterval:       p.duration("QUALITY_INTERVAL"),
		QualityWaitingDelay:   p.duration("QUALITY_WAITING_DELAY"),
		SyncInterval:          p.duration("SYNC_INTERVAL"),
		MaintenanceInterval:   p.duration("MAINTENANCE_INTERVAL"),

		IssueFixingStale:   p.duration("ISSUE_FIXING_STALE"),
		IssueReportedStale: p.duration("ISSUE_REPORTED_STALE"),
		IssueAbandonAfter:  p.duration("ISSUE_ABANDON_AFTER"),
		IssueAutoFix:       p.bool("ISSUE_AUTOFIX"),

		WebhookRateLimit: p.int("WEBHOOK_RATE_LIMIT"),
	}

	if p.err != nil {
		return nil, p.err
	}

	switch cfg.EmailProvider {
	case "smtp", "ses", "log":
	default:
		return nil, fmt.Errorf("invalid EMAIL_PROVIDER: %q (want smtp, ses or log)", cfg.EmailProvider)
	}

	switch cfg.EmailFallback {
	case "":
	case "smtp", "ses":
		if cfg.EmailFallback == cfg.EmailProvider {
			return nil, fmt.Errorf("invalid EMAIL_FALLBACK: same as EMAIL_PROVIDER")
		}
	default:
		return nil, fmt.Errorf("invalid EMAIL_FALLBACK: %q (want smtp or ses)", cfg.EmailFallback)
	}

	if cfg.SendRetryLimit < 0 {
		return nil, fmt.Errorf("invalid SEND_RETRY_LIMIT: must be >= 0")
	}
	if cfg.MaxWait < cfg.SettleDelay {
		return nil, fmt.Errorf("invalid MAX_WAIT: %s is shorter than SETTLE_DELAY %s", cfg.MaxWait, cfg.SettleDelay)
	}

	return cfg, nil
}

// parser keeps the first conversion error so Load can report it.
type parser struct {
	v   *viper.Viper
	err error
}

func (p *parser) int(key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(p.v.GetString(key)))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return n
}

func (p *parser) float(key string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(p.v.GetString(key)), 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return f
}

func (p *parser) bool(key string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(p.v.GetString(key)))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return b
}

func (p *parser) duration(key string) time.Duration {
	raw := strings.TrimSpace(p.v.GetString(key))
	// bare numbers are seconds
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return d
}

func trimURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}
