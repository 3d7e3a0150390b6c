// Command ssedemo serves named event channels over SSE. Messages posted to
// /publish/:channel are broadcast to every client of /events/:channel, and
// reconnecting clients receive the messages they missed.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/advbet/sse"
	"github.com/advbet/sse/redisstore"
)

type serveCommander struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:          "ssedemo",
		Short:        "Serve named event channels over SSE",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&cmder.configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVar(&cmder.debug, "debug", false, "Enable debug logging")

	return cmd
}

func (c *serveCommander) run(ctx context.Context) error {
	appConfig, err := loadConfig(c.configPath)
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(appConfig.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if c.debug {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)

	streamConfig, err := appConfig.streamConfig()
	if err != nil {
		return err
	}
	streamConfig.Logger = log

	store, closeStore, err := newHistoryStore(appConfig, log)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := NewApp(streamConfig, sse.NewHistory(store, sse.WithHistoryLogger(log)), log)
	srv := &http.Server{
		Addr:              appConfig.Addr,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end with the request context, cancelling it on
		// shutdown lets Shutdown finish.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", appConfig.Addr).Info("Listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// newHistoryStore selects Redis when an address is configured and the
// in-memory store otherwise.
func newHistoryStore(cfg *Config, log logrus.FieldLogger) (sse.HistoryStore, func(), error) {
	if cfg.Redis.Addr != "" {
		store := redisstore.New(redisstore.Config{
			Client:    redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr}),
			KeyPrefix: cfg.Redis.KeyPrefix,
			MaxEvents: int64(cfg.History.MaxEvents),
		})
		log.WithField("redis", cfg.Redis.Addr).Info("Using Redis history")
		return store, func() { store.Close() }, nil
	}

	ttl, err := parseDuration("history.ttl", cfg.History.TTL)
	if err != nil {
		return nil, nil, err
	}
	store := sse.NewMemoryStore(sse.MemoryStoreConfig{
		MaxEvents: cfg.History.MaxEvents,
		TTL:       ttl,
	})
	return store, func() { store.Close() }, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
