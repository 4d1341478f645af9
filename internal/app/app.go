// Package app wires configuration, storage, event publishing and the HTTP
// server together.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/auth"
	"github.com/xenking/kart-orders/internal/domain/cart"
	"github.com/xenking/kart-orders/internal/domain/inventory"
	"github.com/xenking/kart-orders/internal/domain/order"
	"github.com/xenking/kart-orders/internal/domain/product"
	"github.com/xenking/kart-orders/internal/events/rabbitmq"
	"github.com/xenking/kart-orders/internal/events/redisstream"
	"github.com/xenking/kart-orders/internal/handler"
	"github.com/xenking/kart-orders/internal/seed"
	"github.com/xenking/kart-orders/internal/storage/memory"
	"github.com/xenking/kart-orders/internal/storage/postgres"
	"github.com/xenking/kart-orders/internal/storage/sqlite"
	"github.com/xenking/kart-orders/pkg/health"
	"github.com/xenking/kart-orders/pkg/httpmiddleware"
)

// backend is the set of storage contracts the order service runs on.
type backend struct {
	carts    cart.Repository
	products product.Repository
	ledger   inventory.Ledger
	orders   order.Repository
	apikeys  auth.Repository
	tx       order.Transactor
	ping     health.CheckFunc
	close    func()
}

func openStorage(ctx context.Context, lg *zap.Logger, cfg *Config) (*backend, error) {
	switch cfg.Storage {
	case StoragePostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "create db pool")
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "run migrations")
		}
		s := postgres.NewStore(pool)
		return &backend{
			carts:    s.Carts,
			products: s.Products,
			ledger:   s.Products,
			orders:   s.Orders,
			apikeys:  s.APIKeys,
			tx:       s,
			ping:     health.PingCheck(s),
			close:    pool.Close,
		}, nil

	case StorageSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite")
		}
		if err := applySeed(ctx, lg, cfg, s); err != nil {
			_ = s.Close()
			return nil, err
		}
		return &backend{
			carts:    s.Carts,
			products: s,
			ledger:   s,
			orders:   s.Orders,
			apikeys:  s.APIKeys,
			tx:       s,
			ping:     health.PingCheck(s),
			close:    func() { _ = s.Close() },
		}, nil

	case StorageMemory:
		s := memory.New()
		if err := applySeed(ctx, lg, cfg, s); err != nil {
			return nil, err
		}
		return &backend{
			carts:    s.Carts,
			products: s.Products,
			ledger:   s.Products,
			orders:   s.Orders,
			apikeys:  s.APIKeys,
			ping:     health.PingCheck(s),
			close:    func() {},
		}, nil
	}
	return nil, errors.Errorf("unknown storage %q", cfg.Storage)
}

func applySeed(ctx context.Context, lg *zap.Logger, cfg *Config, w seed.Writer) error {
	if cfg.SeedFile == "" {
		return nil
	}
	doc, err := seed.LoadFile(cfg.SeedFile)
	if err != nil {
		return errors.Wrap(err, "load seed")
	}
	st, err := seed.Apply(ctx, w, doc, []byte(cfg.APIKeyPepper))
	if err != nil {
		return errors.Wrap(err, "apply seed")
	}
	lg.Info("Seed applied",
		zap.String("file", cfg.SeedFile),
		zap.Int("products", st.Products),
		zap.Int("carts", st.Carts),
		zap.Int("api_keys", st.APIKeys),
	)
	return nil
}

// broker is the configured event publisher with its readiness check.
type broker struct {
	publisher order.Publisher
	ping      health.CheckFunc
	close     func()
}

func openEvents(ctx context.Context, lg *zap.Logger, cfg EventsConfig) (*broker, error) {
	switch cfg.Driver {
	case EventsRedis:
		client, err := redisstream.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "connect redis")
		}
		return &broker{
			publisher: redisstream.NewPublisher(client, cfg.Stream, cfg.StreamMaxLen),
			ping: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
			close: func() { _ = client.Close() },
		}, nil

	case EventsRabbitMQ:
		conn, err := rabbitmq.Dial(ctx, lg, cfg.AMQPURL, cfg.Exchange)
		if err != nil {
			return nil, errors.Wrap(err, "connect rabbitmq")
		}
		return &broker{
			publisher: conn,
			ping:      health.PingCheck(conn),
			close: func() {
				if err := conn.Close(); err != nil {
					lg.Warn("Close rabbitmq", zap.Error(err))
				}
			},
		}, nil
	}
	return &broker{publisher: order.NopPublisher{}, close: func() {}}, nil
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
		zap.String("events", cfg.Events.Driver),
	)

	store, err := openStorage(ctx, lg, cfg)
	if err != nil {
		return err
	}
	defer store.close()

	events, err := openEvents(ctx, lg, cfg.Events)
	if err != nil {
		return err
	}
	defer events.close()

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("storage", 5*time.Second, store.ping)
	if events.ping != nil {
		healthSvc.AddReadinessCheck("events", 5*time.Second, events.ping)
	}
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	opts := []order.Option{
		order.WithPublisher(events.publisher),
		order.WithMeterProvider(m.MeterProvider()),
		order.WithTracerProvider(m.TracerProvider()),
	}
	if store.tx != nil {
		opts = append(opts, order.WithTransactor(store.tx))
	}
	orderService, err := order.NewService(store.carts, store.products, store.ledger, store.orders, opts...)
	if err != nil {
		return errors.Wrap(err, "create order service")
	}

	mux := http.NewServeMux()
	mux.Handle("GET /livez", healthSvc.Handler(health.Liveness))
	mux.Handle("GET /readyz", healthSvc.Handler(health.Readiness))
	handler.NewHandler(orderService, store.products).
		Register(mux, handler.NewSecurityHandler(store.apikeys, []byte(cfg.APIKeyPepper)))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.Recovery(),
			httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
				Key:    httpmiddleware.HeaderOrIP(handler.APIKeyHeader),
			}),
			httpmiddleware.Instrument("orders-api", m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.LogRequests(),
		),
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
