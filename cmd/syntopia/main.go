// Command syntopia runs the subscription and license orchestration service:
// the billing HTTP surface plus the scheduled downgrade worker.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/activation"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/config"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/email"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/gateway"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/httpserver"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/inventory"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/ledger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/logger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/pg"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/plans"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/ratelimiter"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/redis"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/requestid"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/subscription"
	"github.com/dev-geek/syntopia-v1-sub001/svc/billing"
)

func main() {
	var logCfg logger.Config
	config.MustLoad(&logCfg)
	log := logger.New(
		logger.FromConfig(logCfg),
		logger.WithContextExtractors(requestid.LoggerExtractor()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("syntopia stopped", logger.Error(err))
		os.Exit(1)
	}
}

type appConfig struct {
	PG           pg.Config
	Redis        redis.Config
	HTTP         httpserver.Config
	Inventory    inventory.Config
	Paddle       gateway.PaddleConfig
	FastSpring   gateway.FastSpringConfig
	PayProGlobal gateway.PayProGlobalConfig
	Email        email.Config
	Subscription subscription.Config
	Billing      billing.Config
	RateLimit    ratelimiter.Config
}

func loadConfig() (appConfig, error) {
	var cfg appConfig
	return cfg, errors.Join(
		config.Load(&cfg.PG),
		config.Load(&cfg.Redis),
		config.Load(&cfg.HTTP),
		config.Load(&cfg.Inventory),
		config.Load(&cfg.Paddle),
		config.Load(&cfg.FastSpring),
		config.Load(&cfg.PayProGlobal),
		config.Load(&cfg.Email),
		config.Load(&cfg.Subscription),
		config.Load(&cfg.Billing),
		config.Load(&cfg.RateLimit),
	)
}

func run(ctx context.Context, log *slog.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pool, err := pg.Connect(ctx, cfg.PG)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pg.Migrate(ctx, pool, cfg.PG, log, ledger.Migrations()); err != nil {
		return err
	}
	readiness := []httpserver.Check{pg.Healthcheck(pool)}

	var rdb goredis.UniversalClient
	if cfg.Redis.Enabled() {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		rdb = client
		readiness = append(readiness, redis.Healthcheck(client))
	}

	store := ledger.NewPostgresStore(pool)
	catalog, err := plans.NewCatalog(ctx, plans.NewPostgresSource(pool))
	if err != nil {
		return err
	}

	inv, err := newInventory(cfg, rdb, log)
	if err != nil {
		return err
	}
	tenants := subscription.NewTenantProvisioner(inv, store, log)

	registry, err := newGateways(cfg, gateway.Dependencies{
		Tenants:  tenants,
		Licenses: inv,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	activator := activation.New(inv,
		activation.WithLogger(log),
		activation.WithPlaceholderGateways(subscription.FreeGateway, "manual"),
	)

	opts := []subscription.ServiceOption{
		subscription.WithLogger(log),
		subscription.WithTokenStore(newTokenStore(cfg, rdb)),
		subscription.WithTenantAssigner(tenants),
		subscription.WithDowngradeBatch(cfg.Subscription.DowngradeBatch),
	}
	if alerter, err := newAlerter(cfg.Email, log); err != nil {
		return err
	} else if alerter != nil {
		opts = append(opts, subscription.WithAlerter(alerter))
	}
	svc := subscription.NewService(store, catalog, registry, activator, opts...)

	var limitStore ratelimiter.Store = ratelimiter.NewMemoryStore()
	if rdb != nil {
		limitStore = ratelimiter.NewRedisStore(rdb, cfg.Redis.KeyPrefix)
	}
	limiter, err := ratelimiter.New(limitStore, cfg.RateLimit)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	handler := billing.NewHandler(svc, billing.NewHeaderResolver(cfg.Billing.UserHeader),
		billing.WithLogger(log),
		billing.WithConfig(cfg.Billing),
		billing.WithMetrics(billing.NewMetrics(reg)),
		billing.WithReadinessChecks(readiness...),
		billing.WithRateLimiter(limiter),
		billing.WithGatewayLabels(append(registry.Names(), subscription.FreeGateway)...),
	)

	worker := subscription.NewDowngradeWorker(svc, cfg.Subscription.DowngradeInterval, log)
	server := httpserver.NewFromConfig(cfg.HTTP, httpserver.WithLogger(log))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx, handler.Routes()) })
	g.Go(func() error { return worker.Run(ctx) })
	return g.Wait()
}

func newInventory(cfg appConfig, rdb goredis.UniversalClient, log *slog.Logger) (*inventory.Client, error) {
	opts := []inventory.Option{inventory.WithLogger(log)}
	if rdb != nil {
		opts = append(opts, inventory.WithCache(inventory.NewRedisCache(rdb, cfg.Redis.KeyPrefix)))
	} else {
		opts = append(opts, inventory.WithCache(inventory.NewMemoryCache(1024)))
	}
	if cfg.Inventory.AliasFile != "" {
		aliases, err := inventory.LoadAliases(cfg.Inventory.AliasFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, inventory.WithAliases(aliases))
	}
	return inventory.New(cfg.Inventory, opts...), nil
}

// newGateways registers every provider that has credentials.
func newGateways(cfg appConfig, deps gateway.Dependencies) (*gateway.Registry, error) {
	registry := gateway.NewRegistry()
	if cfg.Paddle.Enabled() {
		gw, err := gateway.NewPaddle(cfg.Paddle, deps)
		if err != nil {
			return nil, err
		}
		registry.Register(gw)
	}
	if cfg.FastSpring.Enabled() {
		gw, err := gateway.NewFastSpring(cfg.FastSpring, deps)
		if err != nil {
			return nil, err
		}
		registry.Register(gw)
	}
	if cfg.PayProGlobal.Enabled() {
		gw, err := gateway.NewPayProGlobal(cfg.PayProGlobal, deps)
		if err != nil {
			return nil, err
		}
		registry.Register(gw)
	}
	return registry, nil
}

// newTokenStore prefers stateless signed tokens, then Redis, then memory.
func newTokenStore(cfg appConfig, rdb goredis.UniversalClient) subscription.TokenStore {
	switch {
	case cfg.Subscription.TokenSecret != "":
		return subscription.NewSignedTokenStore(cfg.Subscription.TokenSecret, cfg.Subscription.TokenTTL)
	case rdb != nil:
		return subscription.NewRedisTokenStore(rdb, cfg.Redis.KeyPrefix, cfg.Subscription.TokenTTL)
	}
	return subscription.NewMemoryTokenStore(cfg.Subscription.TokenCapacity, cfg.Subscription.TokenTTL)
}

// newAlerter returns nil when no support address is configured; the
// orchestrator still logs every pending activation.
func newAlerter(cfg email.Config, log *slog.Logger) (subscription.Alerter, error) {
	if cfg.SupportEmail == "" {
		log.Warn("SUPPORT_EMAIL not set, activation alerts are only logged")
		return nil, nil
	}
	switch {
	case cfg.PostmarkEnabled():
		sender, err := email.NewPostmarkClient(cfg)
		if err != nil {
			return nil, err
		}
		return email.NewSupportAlerter(sender, cfg.SupportEmail), nil
	case cfg.DevDir != "":
		return email.NewSupportAlerter(email.NewDevSender(cfg.DevDir), cfg.SupportEmail), nil
	}
	log.Warn("no mail transport configured, activation alerts are only logged")
	return nil, nil
}
