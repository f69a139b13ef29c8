// Command oracle runs the Bitcoin-native BTC/USD price oracle: it connects
// to a Bitcoin Core node's ZMQ publisher, estimates price from on-chain
// economic activity alone, and serves the result over HTTP/WebSocket.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rawblock/utxoracle/internal/api"
	"github.com/rawblock/utxoracle/internal/cache"
	"github.com/rawblock/utxoracle/internal/config"
	"github.com/rawblock/utxoracle/internal/orchestrator"
	"github.com/rawblock/utxoracle/internal/source"
	"github.com/rawblock/utxoracle/internal/store"
)

// shutdownBudget bounds how long the HTTP server's graceful shutdown may take
// once the orchestrator's Run has returned.
const shutdownBudget = 2 * time.Second

func main() {
	log, err := newLogger()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch := orchestrator.New(cfg, log)

	if cfg.SourceRPCHost != "" {
		probe, err := source.NewNodeProbe(source.ProbeConfig{
			Host:       cfg.SourceRPCHost,
			User:       cfg.SourceRPCUser,
			Pass:       cfg.SourceRPCPass,
			CookieFile: cfg.SourceRPCCookieFile,
		}, log)
		if err != nil {
			log.Warn("node probe unavailable, starting height sequence from zero", zap.Error(err))
		} else {
			defer probe.Shutdown()
			if height, err := probe.Height(); err != nil {
				log.Warn("node probe height read failed", zap.Error(err))
			} else {
				orch.SeedHeight(height + 1)
				log.Info("seeded block height from node probe", zap.Int64("height", height))
			}
		}
	}

	var redisCache *cache.Cache
	if cfg.RedisAddr != "" {
		redisCache, err = cache.New(cfg.RedisAddr)
		if err != nil {
			log.Warn("redis cache unavailable", zap.Error(err))
			redisCache = nil
		} else {
			defer redisCache.Close()
		}
	}

	var snapshots *store.SnapshotStore
	if cfg.PostgresDSN != "" {
		snapshots, err = store.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Warn("postgres snapshot store unavailable", zap.Error(err))
			snapshots = nil
		} else {
			defer snapshots.Close()
			if err := snapshots.InitSchema(ctx); err != nil {
				log.Warn("snapshot schema init failed", zap.Error(err))
			}
		}
	}

	if redisCache != nil || snapshots != nil {
		go mirrorUpdates(ctx, orch, redisCache, snapshots, log)
	}

	hub := api.NewHub(orch.Publisher(), log)
	go hub.Run(ctx)

	router := api.SetupRouter(orch, hub)
	httpSrv := &http.Server{
		Addr:    addrForPort(cfg.HTTPPort),
		Handler: router,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", zap.Error(err))
		}
	}()

	log.Info("oracle starting", zap.String("source_endpoint", cfg.SourceEndpoint))
	orch.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", zap.Error(err))
	}
	log.Info("oracle stopped")
}

func newLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}

func addrForPort(port int) string {
	if port <= 0 {
		port = 8080
	}
	return ":" + strconv.Itoa(port)
}

// mirrorUpdates subscribes to the publisher's update channel and relays each
// emission to the optional Redis cache (last baseline price + Pub/Sub) and
// Postgres snapshot store. Both are best-effort side channels: their errors
// are logged, never fatal.
func mirrorUpdates(ctx context.Context, orch *orchestrator.Orchestrator, redisCache *cache.Cache, snapshots *store.SnapshotStore, log *zap.Logger) {
	ch := orch.Publisher().Subscribe()
	defer orch.Publisher().Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-ch:
			if !ok {
				return
			}
			if redisCache != nil {
				if err := redisCache.SetLastBaselinePrice(ctx, update.BaselinePrice); err != nil {
					log.Debug("redis set last baseline price failed", zap.Error(err))
				}
				if err := redisCache.PublishUpdate(ctx, update); err != nil {
					log.Debug("redis publish update failed", zap.Error(err))
				}
			}
			if snapshots != nil {
				baseEstimate := orch.Baseline().Snapshot().Estimate
				if err := snapshots.SaveEstimate(ctx, baseEstimate); err != nil {
					log.Debug("snapshot save failed", zap.Error(err))
				}
				if err := snapshots.SaveEstimate(ctx, orch.Live().Last()); err != nil {
					log.Debug("snapshot save failed", zap.Error(err))
				}
			}
		}
	}
}
