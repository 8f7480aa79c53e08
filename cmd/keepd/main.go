package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/astromechza/keeplists/pkg/config"
	"github.com/astromechza/keeplists/pkg/devserver"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "the address to listen on")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite file for state snapshots, empty keeps state in memory")
	flag.Parse()
	if err := config.Validate(cfg); err != nil {
		return err
	}
	slog.SetDefault(config.NewLogger(os.Stderr, cfg.LogLevel))

	srv, err := devserver.New(devserver.Options{Logger: slog.Default(), DBPath: cfg.DBPath})
	if err != nil {
		return fmt.Errorf("failed to set up server: %w", err)
	}
	httpServer := &http.Server{Addr: cfg.Addr, Handler: srv.Handler()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		srv.RunBackups(ctx, cfg.BackupInterval)
		return nil
	})

	eg.Go(func() error {
		slog.Info("listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
		signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(exit)
		select {
		case sig := <-exit:
			slog.Info("signal caught", "sig", sig)
		case <-ctx.Done():
		}
		cancel()
		_ = httpServer.Close()
		return nil
	})

	runErr := eg.Wait()
	if err := srv.Close(); err != nil {
		slog.Error("failed to close server", "err", err)
	}
	return runErr
}
