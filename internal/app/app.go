// Package app wires configuration into the services shared by the server
// and worker binaries.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/portal28/academy/internal/automation"
	"github.com/portal28/academy/internal/config"
	"github.com/portal28/academy/internal/domain"
	"github.com/portal28/academy/internal/mailing"
	"github.com/portal28/academy/internal/notify"
	"github.com/portal28/academy/internal/pkg/clock"
	"github.com/portal28/academy/internal/pkg/httpretry"
	"github.com/portal28/academy/internal/pkg/logger"
	"github.com/portal28/academy/internal/repository/postgres"
	"github.com/portal28/academy/internal/segmentation"
	"github.com/portal28/academy/internal/snowflake"
)

// App holds the long-lived services.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Redis  *redis.Client

	Persons   *postgres.PersonRepo
	Segments  *segmentation.Engine
	Manager   *automation.Manager
	Scheduler *automation.Scheduler
	Bridge    *automation.Bridge
	warehouse *snowflake.Client
}

// ConfigureLogging applies the logging section to the default logger.
func ConfigureLogging(cfg config.LoggingConfig) {
	logger.SetLevel(logger.ParseLevel(cfg.Level))
	logger.SetRedactPII(cfg.Redact())
}

// New connects to Postgres (and Redis, Snowflake when configured) and builds
// the segmentation and automation services.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.Lifetime())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	a := &App{Config: cfg, DB: db}
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.Redis = redis.NewClient(opts)
	}

	mailer, err := NewMailer(ctx, cfg.Mail)
	if err != nil {
		a.Close()
		return nil, err
	}

	var features segmentation.FeatureSource = postgres.NewFeatureRepo(db)
	if cfg.Snowflake.Enabled {
		wh, err := snowflake.NewClient(snowflake.Config{
			Account:   cfg.Snowflake.Account,
			User:      cfg.Snowflake.User,
			Password:  cfg.Snowflake.Password,
			Database:  cfg.Snowflake.Database,
			Schema:    cfg.Snowflake.Schema,
			Warehouse: cfg.Snowflake.Warehouse,
			Table:     cfg.Snowflake.Table,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.warehouse = wh
		features = wh
	}

	a.wire(db, features, mailer)
	return a, nil
}

func (a *App) wire(db *sql.DB, features segmentation.FeatureSource, mailer mailing.Mailer) {
	cfg := a.Config
	clk := clock.Real{}
	segments := postgres.NewSegmentRepo(db)
	automations := postgres.NewAutomationRepo(db)
	a.Persons = postgres.NewPersonRepo(db)

	a.Manager = automation.NewManager(automations, a.Persons, clk)
	a.Bridge = automation.NewBridge(segments, a.Manager, NewNotifiers(cfg.Notify))
	a.Segments = segmentation.NewEngine(
		segments,
		features,
		postgres.NewPredicateRunner(db, cfg.Segmentation.PredicateTimeout(), cfg.Segmentation.PredicateRole),
		segmentation.WithTransitionHandler(a.Bridge),
		// single-person checks read Postgres like SQL predicates do
		segmentation.WithFeatureLookup(postgres.NewFeatureRepo(db)),
		segmentation.WithClock(clk),
		segmentation.WithPageSize(cfg.Segmentation.PageSize),
	)
	a.Scheduler = automation.NewScheduler(automations, mailer, mailing.NewRenderer(), clk, automation.SchedulerConfig{
		BatchSize:        cfg.Scheduler.BatchSize,
		SendTimeout:      cfg.Scheduler.SendTimeout(),
		LeaseDuration:    cfg.Scheduler.Lease(),
		DefaultFromName:  cfg.Mail.FromName,
		DefaultFromEmail: cfg.Mail.FromEmail,
	})
}

// NewMailer picks the delivery provider named in cfg.Provider.
func NewMailer(ctx context.Context, cfg config.MailConfig) (mailing.Mailer, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "log":
		return mailing.NewLogMailer(), nil
	case "resend":
		if cfg.Resend.APIKey == "" {
			return nil, fmt.Errorf("%w: resend api key is required", domain.ErrValidation)
		}
		client := httpretry.NewRetryClient(&http.Client{Timeout: cfg.Resend.Timeout()}, 2)
		m := mailing.NewResendMailer(cfg.Resend.APIKey, client)
		if cfg.Resend.BaseURL != "" {
			m = m.WithEndpoint(cfg.Resend.BaseURL)
		}
		return m, nil
	case "ses":
		m, err := mailing.NewSESMailer(ctx, cfg.SES.Region, cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.ConfigurationSet)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: unknown mail provider %q", domain.ErrValidation, cfg.Provider)
}

// NewNotifiers builds the bridge notifiers. The Meta notifier is only
// registered when an access token is configured.
func NewNotifiers(cfg config.NotifyConfig) map[domain.AutomationType]notify.Notifier {
	client := httpretry.NewRetryClient(&http.Client{Timeout: cfg.Timeout()}, 2)
	out := map[domain.AutomationType]notify.Notifier{
		domain.AutomationWebhook: notify.NewWebhookNotifier(client),
	}
	if cfg.MetaAccessToken != "" {
		meta := notify.NewMetaAudienceNotifier(cfg.MetaAccessToken, client)
		if cfg.MetaBaseURL != "" {
			meta = meta.WithBaseURL(cfg.MetaBaseURL)
		}
		out[domain.AutomationMetaAudience] = meta
	}
	return out
}

// Close releases connections.
func (a *App) Close() {
	if a.warehouse != nil {
		a.warehouse.Close()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
