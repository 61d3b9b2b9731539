package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/astromechza/listsync/pkg/config"
	"github.com/astromechza/listsync/pkg/rooms"
	"github.com/astromechza/listsync/pkg/server"
	"github.com/astromechza/listsync/pkg/store"
	"github.com/astromechza/listsync/pkg/store/docstore"
	"github.com/astromechza/listsync/pkg/store/neo4jstore"
	"github.com/astromechza/listsync/pkg/store/sqlitestore"
	"github.com/astromechza/listsync/pkg/synceng"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg := &config.Config{}
	cmd := &cli.Command{
		Name:  "listsync-server",
		Usage: "serve shared task lists over websockets",
		Flags: cfg.Flags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(ctx, cfg)
		},
	}
	return cmd.Run(context.Background(), os.Args)
}

func openGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Gateway, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		return sqlitestore.Open(ctx, cfg.SQLitePath, logger)
	case config.StoreAutomerge:
		return docstore.Open(ctx, cfg.SQLitePath, logger)
	case config.StoreNeo4j:
		return neo4jstore.Open(ctx, neo4jstore.Config{
			URI:      cfg.Neo4jURI,
			Username: cfg.Neo4jUser,
			Password: cfg.Neo4jPassword,
			Database: cfg.Neo4jDatabase,
		})
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

func run(ctx context.Context, cfg *config.Config) error {
	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("Opening store", "store", cfg.Store)
	gateway, err := openGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := gateway.Close(); err != nil {
			logger.Error("failed to close store", "err", err)
		}
	}()

	registry := rooms.New()
	engine := synceng.New(gateway, registry, logger)
	srv := server.New(engine, gateway, registry, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := new(sync.WaitGroup)

	if flusher, ok := gateway.(store.Flusher); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(cfg.FlushInterval)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					if err := flusher.Flush(ctx); err != nil {
						logger.Error("failed to flush store", "err", err)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	httpServer := &http.Server{Addr: cfg.Addr, Handler: srv.Router()}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen failed", "err", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1) // buffered so the notifier is never blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		logger.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()
	_ = httpServer.Close()

	wg.Wait()

	if ds, ok := gateway.(*docstore.Store); ok && cfg.DumpDir != "" {
		paths, err := ds.Dump(cfg.DumpDir)
		for _, p := range paths {
			logger.Info("dumped", "path", p)
		}
		if err != nil {
			logger.Error("failed to dump documents", "err", err)
		}
	}
	return nil
}
