package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"lienflow/conflict"
	"lienflow/contract"
	"lienflow/db"
	"lienflow/lender"
	"lienflow/notify"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(logger); err != nil {
		logger.Error("exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		return err
	}
	defer pool.Close()

	lenderRepo := lender.NewRepository(pool)
	lenderService := lender.NewService(lenderRepo)

	notifyRepo := notify.NewRepository(pool)
	linkRepo := conflict.NewRepository(pool)
	ledger := conflict.NewLedger(linkRepo, notifyRepo)

	contractRepo := contract.NewRepository(pool)
	contractService := contract.NewService(pool, contractRepo, ledger)
	statusService := contract.NewStatusService(pool, contractRepo, ledger)

	sender := notify.NewWebhookSender(envDuration("WEBHOOK_TIMEOUT", 30*time.Second))
	dispatcher := notify.NewDispatcher(logger, notifyRepo, sender, notify.DispatcherConfig{
		Interval:    envDuration("DISPATCH_INTERVAL", 2*time.Second),
		MaxAttempts: envInt("WEBHOOK_MAX_ATTEMPTS", 3),
	})

	server := &Server{
		logger:          logger,
		contractService: contractService,
		statusService:   statusService,
		conflictService: ledger,
		lenderService:   lenderService,
		events:          notifyRepo,
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("dispatcher started")
		if err := dispatcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("api listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
