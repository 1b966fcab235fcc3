// README: Entry point; loads config, wires stores, dispatch and realtime, and serves HTTP until signalled.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"eats/internal/clock"
	"eats/internal/config"
	httptransport "eats/internal/http"
	"eats/internal/infra"
	"eats/internal/modules/dispatch"
	"eats/internal/modules/driver"
	"eats/internal/modules/order"
	"eats/internal/modules/presence"
	"eats/internal/notify"
	"eats/internal/realtime"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := infra.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("eats-api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		return errors.New("EATS_FIREBASE_PROJECT_ID is required")
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		return err
	}

	var orderStore order.Repository
	if cfg.DB.DSN != "" {
		if err := infra.Migrate(cfg.DB.DSN); err != nil {
			return err
		}
		pool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		orderStore = order.NewStore(pool)
	} else {
		logger.Warn("EATS_DB_DSN not set, orders are kept in memory")
		orderStore = order.NewMemoryStore()
	}

	var (
		roster  driver.Roster
		journal dispatch.Journal
	)
	if cfg.Redis.Addr != "" {
		rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		roster = driver.NewRedisRoster(rdb)
		journal = dispatch.NewRedisJournal(rdb)
	} else {
		logger.Warn("EATS_REDIS_ADDR not set, driver roster is kept in memory")
		roster = driver.NewMemoryRoster()
	}

	registry := presence.NewRegistry()
	sessions := realtime.NewSessions(cfg.Realtime.SendBuffer)
	hub := realtime.NewHub(registry, sessions, logger.Named("hub"))

	notifiers := order.Notifiers{hub}
	if cfg.AMQP.URL != "" {
		mq, err := infra.NewAMQP(cfg.AMQP.URL)
		if err != nil {
			return err
		}
		defer mq.Close()
		publisher := notify.NewPublisher(mq.Channel, infra.NotificationsExchange, 256, logger.Named("notify"))
		go publisher.Run(ctx)
		notifiers = append(notifiers, publisher)
	}

	orderSvc := order.NewService(orderStore, notifiers, clock.Real(), logger.Named("order"))
	directory := driver.NewDirectory(roster, orderSvc)
	coordinator := dispatch.NewCoordinator(dispatch.Deps{
		Orders:  orderSvc,
		Drivers: directory,
		Channel: hub,
		Journal: journal,
		Log:     logger.Named("dispatch"),
	}, cfg.Dispatch)
	defer coordinator.Close()

	gateway := realtime.NewGateway(hub, registry, coordinator, orderSvc, logger.Named("gateway"))
	rtServer := realtime.NewServer(sessions, gateway, logger.Named("ws"))

	handler := httptransport.NewServer(httptransport.ServerDeps{
		Orders:   orderSvc,
		Dispatch: coordinator,
		Drivers:  directory,
		Realtime: rtServer,
		Verifier: verifier,
		Log:      logger.Named("http"),
	})
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler.Routes()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rtServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("close websocket sessions", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
