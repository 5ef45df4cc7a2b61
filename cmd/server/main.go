// Command server runs one coordination node: consensus, locks, cache, and
// the partitioned queue, all behind one HTTP listener.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mathdee/coordnode/internal/cache"
	"github.com/mathdee/coordnode/internal/config"
	"github.com/mathdee/coordnode/internal/consensus"
	"github.com/mathdee/coordnode/internal/failuredetector"
	"github.com/mathdee/coordnode/internal/lock"
	"github.com/mathdee/coordnode/internal/metrics"
	"github.com/mathdee/coordnode/internal/queue"
	"github.com/mathdee/coordnode/internal/server"
)

const (
	cacheCapacity = 1024
	shutdownGrace = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("node", cfg.NodeID).Logger()

	met := metrics.New()
	locks := lock.New(lock.NopSink{})
	engine := consensus.New(cfg.NodeID, cfg.Peers, locks, log)
	c := cache.New(cfg.NodeID, cfg.Peers, cacheCapacity, met, log)
	fd := failuredetector.New(cfg.NodeID, cfg.Peers, met, log)

	store := queueStore(cfg, log)
	q := queue.New(cfg.NodeID, cfg.Peers, cfg.NodeIDs(), store, met, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Start(ctx)
	fd.Start(ctx)
	go q.Monitor().Start(ctx)

	srv := server.New(engine, locks, c, q, fd, met, log)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.NodeHost, cfg.Port),
		Handler: srv.Router(),
	}

	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

func queueStore(cfg config.Config, log zerolog.Logger) queue.Store {
	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unreachable, falling back to in-memory queue store")
		return queue.NewMemStore()
	}
	return queue.NewRedisStore(client)
}
