package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/kstore/order-api/configs"
	"github.com/kstore/order-api/internal/adapter/cache"
	httpadapter "github.com/kstore/order-api/internal/adapter/http"
	"github.com/kstore/order-api/internal/adapter/http/middleware"
	"github.com/kstore/order-api/internal/adapter/kafka"
	"github.com/kstore/order-api/internal/adapter/notify"
	"github.com/kstore/order-api/internal/adapter/observ"
	"github.com/kstore/order-api/internal/adapter/queue"
	"github.com/kstore/order-api/internal/adapter/repo"
	"github.com/kstore/order-api/internal/logging"
	"github.com/kstore/order-api/internal/usecase"
)

type App struct {
	cfg     configs.Config
	log     *slog.Logger
	server  *http.Server
	relay   *usecase.OutboxRelay
	rmq     *queue.Router
	kafka   *kafka.Consumer
	limiter *middleware.RateLimiter
}

func InitWithConfig(cfg configs.Config) (*App, func(), error) {
	log := logging.New("app")
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn("cleanup", "err", err)
			}
		}
	}
	fail := func(err error) (*App, func(), error) {
		cleanup()
		return nil, nil, err
	}

	// init database
	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		return fail(fmt.Errorf("open mysql: %w", err))
	}
	closers = append(closers, db.Close)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fail(fmt.Errorf("ping mysql: %w", err))
	}

	// init redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	closers = append(closers, rdb.Close)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fail(fmt.Errorf("ping redis: %w", err))
	}

	// init rabbitmq: one confirm-mode channel for the relay, one for consumers
	conn, err := amqp.Dial(cfg.Rabbit.URL)
	if err != nil {
		return fail(fmt.Errorf("dial rabbitmq: %w", err))
	}
	closers = append(closers, conn.Close)
	pubCh, err := conn.Channel()
	if err != nil {
		return fail(fmt.Errorf("publisher channel: %w", err))
	}
	consCh, err := conn.Channel()
	if err != nil {
		return fail(fmt.Errorf("consumer channel: %w", err))
	}
	publisher, err := queue.NewRabbitPublisher(pubCh, cfg.Rabbit.Exchange)
	if err != nil {
		return fail(err)
	}

	// infra
	metrics := observ.NewOrderMetrics(prometheus.DefaultRegisterer)
	store := repo.NewMySQLStore(db)
	orderRepo := repo.NewMySQLOrderRepo(db)
	cartRepo := repo.NewMySQLCartRepo(db)
	outboxRepo := repo.NewMySQLOutboxRepo(db, cfg.Outbox.Lease)
	idem := cache.NewRedisIdempotencyStore(rdb, cfg.Idempotency.TTL)
	statusCache := cache.NewRedisCache(rdb, cfg.Cache.TTL)

	// use cases
	placeUC := usecase.NewPlaceOrder(store,
		usecase.WithIdempotency(idem),
		usecase.WithStatusCache(statusCache),
		usecase.WithMetrics(metrics),
	)
	manageUC := usecase.NewManageOrder(store, statusCache, metrics)
	queryUC := usecase.NewQueryOrder(orderRepo, statusCache)
	cartUC := usecase.NewCart(cartRepo)

	relay := usecase.NewOutboxRelay(outboxRepo, publisher,
		usecase.WithPollInterval(cfg.Outbox.PollInterval),
		usecase.WithBatchSize(cfg.Outbox.BatchSize),
		usecase.WithBackoff(cfg.Outbox.BaseBackoff, cfg.Outbox.MaxBackoff),
		usecase.WithRelayMetrics(metrics),
	)

	// notification consumers
	var notifier queue.Notifier = notify.NewLogNotifier()
	if cfg.Telegram.Enabled {
		notifier = notify.NewTelegram(cfg.Telegram.APIBase, cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.Timeout)
	}
	nh := queue.NewNotificationHandler(notifier, metrics)
	rmq := queue.NewRouter(consCh, queue.WithPrefetch(cfg.Rabbit.Prefetch), queue.WithTimeout(cfg.Rabbit.Timeout))
	rmq.Register(queue.QueueOrderPlaced, queue.JSONHandler[usecase.OrderPlacedMsg]{HandleFunc: nh.HandlePlaced})
	rmq.Register(queue.QueueOrderStatusChanged, queue.JSONHandler[usecase.OrderStatusChangedMsg]{HandleFunc: nh.HandleStatusChanged})

	// fulfillment listener
	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		grp, err := kafka.NewGroup(cfg.Kafka.Brokers, cfg.Kafka.GroupID)
		if err != nil {
			return fail(fmt.Errorf("kafka group: %w", err))
		}
		closers = append(closers, grp.Close)
		fh := kafka.NewFulfillmentHandler(manageUC, metrics)
		consumer = kafka.NewConsumer(grp, []string{cfg.Kafka.FulfillmentTopic}, fh.Handle)
	}

	// init handlers + routers + middleware
	var limiter *middleware.RateLimiter
	if cfg.RateLimit.RPS > 0 {
		limiter = middleware.NewRateLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst, 10*time.Minute)
	}
	router := httpadapter.NewRouter(httpadapter.RouterDeps{
		Orders:  httpadapter.NewOrderHandler(placeUC, queryUC, manageUC, cfg.HTTP.RequestTimeout),
		Cart:    httpadapter.NewCartHandler(cartUC),
		Authz:   middleware.NewAuthz(cfg),
		Limiter: limiter,
		Logger:  logging.New("http"),
		Health: map[string]httpadapter.HealthCheck{
			"mysql": db.PingContext,
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			"rabbitmq": func(context.Context) error {
				if conn.IsClosed() {
					return amqp.ErrClosed
				}
				return nil
			},
		},
	})

	return &App{
		cfg: cfg,
		log: log,
		server: &http.Server{
			Addr:         cfg.App.HTTPAddr,
			Handler:      router,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
			IdleTimeout:  cfg.HTTP.IdleTimeout,
		},
		relay:   relay,
		rmq:     rmq,
		kafka:   consumer,
		limiter: limiter,
	}, cleanup, nil
}

// Run serves HTTP and the background workers until ctx is cancelled, then drains them.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 4)
	goWorker := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errc <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	if err := a.rmq.Start(ctx); err != nil {
		return fmt.Errorf("start rabbitmq consumers: %w", err)
	}
	goWorker("outbox-relay", a.relay.Run)
	if a.kafka != nil {
		goWorker("kafka", a.kafka.Start)
	}
	if a.limiter != nil {
		goWorker("ratelimit-sweep", func(ctx context.Context) error {
			a.limiter.Sweep(ctx)
			return nil
		})
	}
	goWorker("http", func(context.Context) error {
		a.log.Info("listening", "addr", a.cfg.App.HTTPAddr, "env", a.cfg.App.Env)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	<-ctx.Done()
	a.log.Info("shutting down")

	sctx, scancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer scancel()
	if err := a.server.Shutdown(sctx); err != nil {
		a.log.Warn("http shutdown", "err", err)
	}
	wg.Wait()
	a.rmq.Wait()

	close(errc)
	var errs []error
	for err := range errc {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
