package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	"github.com/sourcepark/testpark/controller"
	"github.com/sourcepark/testpark/internal/observability"
	"github.com/sourcepark/testpark/state"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "controller failed: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("controller", flag.ExitOnError)
	configPath := flags.String("config", "", "Path to YAML config file")
	databaseURL := flags.String("database-url", os.Getenv("DATABASE_URL"), "Postgres DSN")
	listen := flags.String("listen", "", "Listen address (overrides config)")
	_ = flags.Parse(args)

	cfg, err := controller.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *databaseURL != "" {
		cfg.DatabaseURL = *databaseURL
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if cfg.DatabaseURL == "" {
		return errors.New("database-url flag, DATABASE_URL, or config database_url required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	store := state.NewStore(db)
	if err := store.ApplyMigrations(ctx); err != nil {
		return err
	}

	logger := observability.NewLogger("controller")
	metrics := observability.NewMetrics(nil)

	if cfg.PlansFile != "" {
		plans, err := controller.LoadPlans(cfg.PlansFile)
		if err != nil {
			return err
		}
		for _, plan := range plans {
			if _, err := store.UpsertPlan(ctx, plan); err != nil {
				return fmt.Errorf("seed plan %s: %w", plan.ID, err)
			}
		}
		logger.Info("plan catalog seeded", "event", "plans_seeded", "count", len(plans))
	}

	client := controller.NewHTTPRunnerClient(cfg.ProbeTimeout())
	service := controller.NewService(store, client, logger, metrics, controller.ServiceConfig{
		HeartbeatMinInterval: cfg.HeartbeatMinInterval(),
	})
	handler := controller.NewHTTPHandler(service, observability.NewLogger("controller.http"))

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	liveness := controller.NewLivenessMonitor(store, observability.NewLogger("controller.liveness"), metrics,
		cfg.LivenessInterval(), cfg.HeartbeatStaleness())
	reconciler := controller.NewReconciler(store, observability.NewLogger("controller.reconciler"), metrics,
		cfg.ReconcileInterval(), cfg.Retention())

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("server listening", "event", "server_started", "addr", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		err := liveness.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	group.Go(func() error {
		err := reconciler.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}
