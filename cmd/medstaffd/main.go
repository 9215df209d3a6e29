package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"medstaff/internal/api"
	"medstaff/internal/auth"
	"medstaff/internal/cache"
	"medstaff/internal/chat"
	"medstaff/internal/config"
	"medstaff/internal/crm"
	"medstaff/internal/dashboard"
	"medstaff/internal/finance"
	"medstaff/internal/hr"
	"medstaff/internal/notify"
	"medstaff/internal/observability/metrics"
	"medstaff/internal/storage/sqlstore"
	"medstaff/internal/tenant"
	"medstaff/internal/timetrack"
	"medstaff/pkg/logger"
)

const reminderInterval = 24 * time.Hour

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("medstaffd failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(os.Getenv("MEDSTAFF_CONFIG"))
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("medstaffd")

	db, err := sqlstore.Open(ctx, sqlstore.Config{
		Driver:          cfg.Storage.Driver,
		DSN:             cfg.Storage.DSN,
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.ConnMaxLifetime(),
		SkipMigrations:  cfg.Storage.SkipMigrations,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	tenants := tenant.NewRegistry(db)
	if _, err := tenants.EnsureDefault(ctx, tenant.ID(cfg.Tenant.DefaultID), cfg.Tenant.DefaultName); err != nil {
		return err
	}

	authSvc, err := auth.NewService(ctx, authConfig(cfg), auth.NewSQLStore(db))
	if err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.Queue.Driver == "redis" || cfg.Cache.Driver == "redis" || cfg.Chat.Broker == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
	}

	queue, err := buildQueue(cfg, redisClient)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Warn("close notification queue", "error", err)
		}
	}()

	hrSvc := hr.NewService(hr.NewSQLStore(db))
	notifyStore := notify.NewSQLStore(db,
		notify.WithClaimLease(time.Duration(cfg.Notify.LeaseSeconds)*time.Second))
	notifySvc := notify.NewService(notifyStore, queue, cfg.Notify.MaxRetries)
	channels, err := buildChannels(cfg, hrSvc)
	if err != nil {
		return err
	}
	processor := notify.NewProcessor(notifyStore, queue, queue,
		notify.WithWorkerCount(cfg.Notify.Workers),
		notify.WithChannels(channels...),
		notify.WithRecorder(metrics.Recorder{}),
	)

	crmSvc := crm.NewService(crm.NewSQLStore(db), notifySvc)
	timeSvc := timetrack.NewService(timetrack.NewSQLStore(db), hrSvc,
		timetrack.WithThresholds(timetrack.Thresholds{
			LateTolerance:      cfg.Timetrack.LateToleranceMinutes,
			EarlyTolerance:     cfg.Timetrack.EarlyToleranceMinutes,
			LunchTolerance:     cfg.Timetrack.LunchToleranceMinutes,
			MaxOvertime:        cfg.Timetrack.MaxOvertimeMinutes,
			LunchRequiredAfter: cfg.Timetrack.LunchRequiredAfterMin,
			MinRest:            cfg.Timetrack.MinRestMinutes,
		}),
		timetrack.WithValidators(authSvc),
		timetrack.WithNotifier(notifySvc),
		timetrack.WithRecorder(metrics.Recorder{}),
	)
	financeSvc := finance.NewService(finance.NewSQLStore(db))

	var broker chat.Broker = chat.NewLocalBroker(64)
	if cfg.Chat.Broker == "redis" {
		broker = chat.NewRedisBroker(redisClient, cfg.Chat.Channel+":")
	}
	chatSvc := chat.NewService(chat.NewSQLStore(db),
		chat.WithBroker(broker),
		chat.WithNotifier(notifySvc),
		chat.WithDirectory(authSvc),
	)

	var overviewCache cache.Cache
	var memoryCache *cache.Memory
	if cfg.Cache.Driver == "redis" {
		overviewCache = cache.NewRedis(redisClient, cfg.Cache.KeyPrefix)
	} else {
		memoryCache = cache.NewMemory()
		overviewCache = memoryCache
	}
	dashboardSvc := dashboard.NewService(dashboard.Sources{
		CRM:     crmSvc,
		HR:      hrSvc,
		Time:    timeSvc,
		Finance: financeSvc,
	}, overviewCache, dashboard.Config{
		TTL:            cfg.Dashboard.CacheTTL(),
		ExpiringWithin: time.Duration(cfg.Dashboard.ExpiringWithinDays) * 24 * time.Hour,
	})

	server := api.NewServer(api.Config{
		Address:         cfg.Server.Address,
		ReadTimeout:     cfg.Server.ReadTimeout(),
		WriteTimeout:    cfg.Server.WriteTimeout(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout(),
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}, api.Services{
		Auth:      authSvc,
		CRM:       crmSvc,
		HR:        hrSvc,
		Time:      timeSvc,
		Finance:   financeSvc,
		Chat:      chatSvc,
		Notify:    notifySvc,
		Dashboard: dashboardSvc,
		DB:        db,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(server.Start(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(processor.Start(gctx))
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return ignoreCanceled(metrics.StartServer(gctx, cfg.Metrics.Address))
		})
	}
	if memoryCache != nil {
		g.Go(func() error {
			sweep(gctx, memoryCache, cfg.Dashboard.CacheTTL())
			return nil
		})
	}
	g.Go(func() error {
		remindExpiring(gctx, tenants, crmSvc, time.Duration(cfg.Dashboard.ExpiringWithinDays)*24*time.Hour)
		return nil
	})

	log.Info("medstaffd started",
		"address", cfg.Server.Address,
		"storage", cfg.Storage.Driver,
		"auth_mode", cfg.Auth.Mode,
		"queue", cfg.Queue.Driver,
		"chat_broker", cfg.Chat.Broker,
	)
	return g.Wait()
}

func authConfig(cfg *config.Config) auth.Config {
	out := auth.Config{
		Mode: auth.Mode(cfg.Auth.Mode),
		JWT: auth.JWTOptions{
			Secret:     cfg.Auth.Secret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			AccessTTL:  int64(cfg.Auth.AccessTokenTTLSeconds),
			RefreshTTL: int64(cfg.Auth.RefreshTokenTTLSeconds),
		},
		DefaultTenant: tenant.ID(cfg.Tenant.DefaultID),
	}
	if cfg.Auth.AdminUsername != "" && cfg.Auth.AdminPassword != "" {
		out.Seeds = append(out.Seeds, auth.Seed{
			TenantID:    tenant.ID(cfg.Tenant.DefaultID),
			Username:    cfg.Auth.AdminUsername,
			DisplayName: "Administrador",
			Password:    cfg.Auth.AdminPassword,
			Roles:       []auth.Role{auth.RoleAdmin},
		})
	}
	return out
}

func buildQueue(cfg *config.Config, client *redis.Client) (notify.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return notify.NewMemoryQueue(cfg.Queue.Buffer), nil
	case "redis":
		return notify.NewRedisQueueWithClient(client, cfg.Queue.Name, 0), nil
	case "rabbitmq":
		return notify.NewRabbitMQQueue(notify.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQURL,
			Queue:    cfg.Queue.Name,
			Prefetch: cfg.Notify.Workers,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("unknown queue driver: %s", cfg.Queue.Driver)
	}
}

func buildChannels(cfg *config.Config, book notify.AddressBook) ([]notify.Channel, error) {
	var channels []notify.Channel
	if cfg.Notify.Webhook.URL != "" {
		webhook, err := notify.NewWebhookChannel(notify.WebhookConfig{
			URL:      cfg.Notify.Webhook.URL,
			Attempts: cfg.Notify.Webhook.Attempts,
			Delay:    cfg.Notify.Webhook.Delay(),
			Timeout:  cfg.Notify.Webhook.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		channels = append(channels, webhook)
	}
	if cfg.Notify.SMTP.Host != "" {
		email, err := notify.NewEmailChannel(notify.SMTPConfig{
			Host:     cfg.Notify.SMTP.Host,
			Port:     cfg.Notify.SMTP.Port,
			Username: cfg.Notify.SMTP.Username,
			Password: cfg.Notify.SMTP.Password,
			From:     cfg.Notify.SMTP.From,
		}, book)
		if err != nil {
			return nil, err
		}
		channels = append(channels, email)
	}
	return channels, nil
}

func sweep(ctx context.Context, m *cache.Memory, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// remindExpiring runs the contract expiry reminders for every active tenant
// once at startup and then daily.
func remindExpiring(ctx context.Context, tenants *tenant.Registry, crmSvc *crm.Service, within time.Duration) {
	log := logger.Named("reminders")
	runOnce := func() {
		list, err := tenants.List(ctx)
		if err != nil {
			log.Error("list tenants", "error", err)
			return
		}
		for _, t := range list {
			if !t.Active {
				continue
			}
			sent, err := crmSvc.RemindExpiring(tenant.WithTenant(ctx, t.ID), within)
			if err != nil {
				log.Error("contract reminders failed", "tenant_id", string(t.ID), "error", err)
				continue
			}
			if sent > 0 {
				log.Info("contract reminders sent", "tenant_id", string(t.ID), "count", sent)
			}
		}
	}

	runOnce()
	ticker := time.NewTicker(reminderInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
