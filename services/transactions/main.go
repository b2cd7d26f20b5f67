package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// application reúne as dependências montadas a partir da configuração
type application struct {
	cfg       Config
	logger    *zap.Logger
	useCase   *TransactionUseCase
	scheduler *Scheduler
	handler   *TransactionHandler

	closers []func(context.Context) error
}

func newLogger(cfg Config) (*zap.Logger, error) {
	if cfg.Environment == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// buildApplication inicializa telemetria, banco, mensageria e os casos de uso
func buildApplication(ctx context.Context, cfg Config, logger *zap.Logger) (_ *application, err error) {
	app := &application{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.Close(context.Background())
		}
	}()

	// Initialize OpenTelemetry
	tp, err := initTracer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	app.closers = append(app.closers, tp.Shutdown)

	mp, err := initMetrics(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	app.closers = append(app.closers, mp.Shutdown)

	metrics, err := NewMetrics(mp.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}

	// Initialize database
	pool, err := initDB(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app.closers = append(app.closers, func(context.Context) error {
		pool.Close()
		return nil
	})
	repository := NewPostgresRepository(pool)

	notifier, err := app.initNotifier()
	if err != nil {
		return nil, err
	}

	remover, err := app.initVehicleRemover(repository)
	if err != nil {
		return nil, err
	}

	// Initialize dependencies
	notifications := NewNotificationDispatcher(notifier, repository, cfg.NotifyTimeout, metrics, logger)
	lifecycle := NewVehicleLifecycle(remover, logger)
	provider := NewMercadoPagoClient(cfg.MercadoPagoBaseURL, cfg.MercadoPagoAccessToken, cfg.PaymentTimeout, logger)
	reconciler := NewPaymentReconciler(repository, provider, notifications, metrics, logger)
	app.useCase = NewTransactionUseCase(repository, repository, lifecycle, notifications, metrics, logger)
	app.handler = NewTransactionHandler(app.useCase, reconciler, tp.Tracer(cfg.ServiceName), logger)

	sweeper := NewSweeper(repository, repository, lifecycle, notifications, metrics, logger, cfg.SweepTaskTimeout)
	locker, err := app.initTickLocker(ctx)
	if err != nil {
		return nil, err
	}
	app.scheduler, err = NewScheduler(cfg.SweepSchedule, sweeper, locker, cfg.SweepLockTTL, logger)
	if err != nil {
		return nil, err
	}

	return app, nil
}

func (app *application) initNotifier() (Notifier, error) {
	if app.cfg.RabbitMQURL == "" {
		app.logger.Warn("⚠️ RABBITMQ_URL not set, notifications will only be logged")
		return NewLogNotifier(app.logger), nil
	}

	conn, err := amqp.Dial(app.cfg.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	notifier, err := NewRabbitMQNotifier(conn, app.cfg.NotificationExchange)
	if err != nil {
		conn.Close()
		return nil, err
	}
	app.closers = append(app.closers, func(context.Context) error {
		notifier.Close()
		return conn.Close()
	})

	app.logger.Info("✅ Connected to rabbitmq", zap.String("exchange", app.cfg.NotificationExchange))
	return notifier, nil
}

func (app *application) initVehicleRemover(catalog VehicleCatalog) (VehicleRemover, error) {
	if app.cfg.DTMServer != "" && app.cfg.VehicleServiceURL != "" {
		app.logger.Info("✅ Vehicle removal orchestrated by DTM", zap.String("dtm_server", app.cfg.DTMServer))
		return NewDTMVehicleRemover(app.cfg.DTMServer, app.cfg.VehicleServiceURL, app.logger), nil
	}

	media, err := NewFileMediaStore(app.cfg.MediaDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize media store: %w", err)
	}
	return NewLocalVehicleRemover(catalog, media, app.logger), nil
}

// initTickLocker retorna nil sem REDIS_URL; nesse caso só uma réplica deve rodar o sweeper
func (app *application) initTickLocker(ctx context.Context) (TickLocker, error) {
	if app.cfg.RedisURL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(app.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	app.closers = append(app.closers, func(context.Context) error {
		return client.Close()
	})

	return NewRedisTickLocker(client), nil
}

// Close libera os recursos na ordem inversa da criação
func (app *application) Close(ctx context.Context) {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](ctx); err != nil {
			app.logger.Warn("⚠️ Error during shutdown", zap.Error(err))
		}
	}
	app.closers = nil
}

// serve sobe a API HTTP e o agendador até o contexto ser cancelado
func (app *application) serve(ctx context.Context) error {
	if app.cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Setup Gin router
	r := gin.Default()
	r.Use(otelgin.Middleware(app.cfg.ServiceName))
	app.handler.Register(r)

	srv := &http.Server{
		Addr:         ":" + app.cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	app.scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("🚀 Transactions Service listening", zap.String("port", app.cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	app.logger.Info("🛑 Shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.logger.Warn("⚠️ HTTP shutdown failed", zap.Error(err))
	}
	if err := app.scheduler.Stop(shutdownCtx); err != nil {
		app.logger.Warn("⚠️ Scheduler did not stop in time", zap.Error(err))
	}

	if serveErr != nil {
		return fmt.Errorf("failed to start server: %w", serveErr)
	}
	return nil
}

func initDB(ctx context.Context, cfg Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Configure connection pool
	config.MaxConns = cfg.DatabaseMaxConns
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Wait for database to be ready
	for i := 0; i < 30; i++ {
		if err := pool.Ping(ctx); err == nil {
			logger.Info("✅ Connected to transactions database with connection pool")
			return pool, nil
		}
		logger.Info("⏳ Waiting for database...", zap.Int("attempt", i+1))

		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after 30 attempts")
}
