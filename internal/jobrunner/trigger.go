// Package jobrunner exposes the settlement procedures as scheduled and
// queued units of work: a daily cron trigger for the full batch, and a
// retryable per-organization renewal queue for worker-based scaling.
package jobrunner

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/voxlane/voxlane/internal/config"
	"github.com/voxlane/voxlane/internal/settlement"
	"go.uber.org/zap"
)

// Trigger runs the settlement batch on a cron schedule, renewals before
// refills. When a run lock is configured, only one replica executes a given
// day's batch.
type Trigger struct {
	cron    *cron.Cron
	engine  *settlement.Engine
	lock    *RunLock
	log     *zap.Logger
	spec    string
	appName string
}

func NewTrigger(engine *settlement.Engine, lock *RunLock, log *zap.Logger, cfg config.Config) *Trigger {
	log = log.Named("jobrunner.trigger")
	cronLogger := cron.PrintfLogger(zap.NewStdLog(log))
	return &Trigger{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger))),
		engine:  engine,
		lock:    lock,
		log:     log,
		spec:    cfg.SettlementCron,
		appName: cfg.AppName,
	}
}

// Start registers the settlement entry and starts the cron loop.
func (t *Trigger) Start() error {
	if _, err := t.cron.AddFunc(t.spec, t.runSettlement); err != nil {
		return err
	}
	t.cron.Start()
	t.log.Info("scheduled settlement run", zap.String("schedule", t.spec))
	return nil
}

// Stop stops the cron loop; the returned context is done once running jobs
// finish.
func (t *Trigger) Stop() context.Context {
	return t.cron.Stop()
}

func (t *Trigger) runSettlement() {
	ctx := context.Background()

	if t.lock != nil {
		token, ok, err := t.lock.TryLock(ctx)
		if err != nil {
			t.log.Error("settlement run lock failed", zap.Error(err))
			return
		}
		if !ok {
			t.log.Info("settlement already running elsewhere, skipping")
			return
		}
		defer func() {
			if err := t.lock.Release(ctx, token); err != nil {
				t.log.Warn("failed to release settlement run lock", zap.Error(err))
			}
		}()
	}

	if err := t.engine.RunOnce(ctx); err != nil {
		t.log.Error("settlement run failed", zap.Error(err))
	}
}
