package jobrunner

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/voxlane/voxlane/internal/config"
	"github.com/voxlane/voxlane/internal/settlement"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewRedisClient returns nil when no redis address is configured; the
// trigger then runs without a distributed lock and the queue is unavailable.
func NewRedisClient(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func provideRunLock(client *redis.Client) *RunLock {
	return NewRunLock(client, time.Hour)
}

func provideWorker(client *redis.Client, engine *settlement.Engine, log *zap.Logger) *Worker {
	return NewWorker(client, engine, log, WorkerConfig{})
}

var Module = fx.Module("jobrunner",
	fx.Provide(
		NewRedisClient,
		provideRunLock,
		NewQueue,
		NewTrigger,
		provideWorker,
	),
	fx.Invoke(registerTrigger),
	fx.Invoke(registerWorker),
)

func registerTrigger(lc fx.Lifecycle, cfg config.Config, trigger *Trigger) {
	if !cfg.SettlementEnabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return trigger.Start()
		},
		OnStop: func(ctx context.Context) error {
			select {
			case <-trigger.Stop().Done():
			case <-ctx.Done():
			}
			return nil
		},
	})
}

func registerWorker(lc fx.Lifecycle, cfg config.Config, worker *Worker) {
	if !cfg.WorkerEnabled {
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				defer close(done)
				if err := worker.Run(runCtx); err != nil && runCtx.Err() == nil {
					zap.L().Error("renewal worker stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}
