// Package settlement runs the daily batch jobs that move credits down the
// reseller -> organization -> user hierarchy: subscription renewals first,
// then per-user auto-refills, so renewals feed the pools the refills draw
// from.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voxlane/voxlane/internal/clock"
	creditdomain "github.com/voxlane/voxlane/internal/credit/domain"
	obsmetrics "github.com/voxlane/voxlane/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("settlement: missing required dependency")

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	CreditSvc creditdomain.Service
	Config    Config `optional:"true"`
}

// Engine is a sequential batch loop; every per-entity mutation goes through
// the credit service's locked transactions, so live usage deductions
// interleave safely with a running batch.
type Engine struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       Config
	clock     clock.Clock
	creditSvc creditdomain.Service
}

func New(p Params) (*Engine, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.CreditSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Engine{
		db:        p.DB,
		log:       p.Log.Named("settlement").With(zap.String("component", "settlement")),
		cfg:       p.Config.withDefaults(),
		clock:     p.Clock,
		creditSvc: p.CreditSvc,
	}, nil
}

// RunOnce executes one full settlement pass: renewals, then refills.
func (e *Engine) RunOnce(ctx context.Context) error {
	var err error
	err = errors.Join(err, e.runJob(ctx, obsmetrics.JobRenewals, func(ctx context.Context) (*BatchResult, error) {
		return e.ProcessSubscriptionRenewals(ctx)
	}))
	err = errors.Join(err, e.runJob(ctx, obsmetrics.JobRefills, func(ctx context.Context) (*BatchResult, error) {
		return e.ProcessUserAutoRefills(ctx)
	}))
	return err
}

func (e *Engine) runJob(parent context.Context, name string, fn func(ctx context.Context) (*BatchResult, error)) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, e.cfg.JobTimeout)
	defer cancel()

	m := obsmetrics.Settlement()
	m.IncJobRun(name)

	result, err := fn(ctx)
	m.ObserveJobDuration(name, time.Since(start))
	if result != nil {
		m.AddEntities(name, obsmetrics.OutcomeSuccessful, result.Successful)
		m.AddEntities(name, obsmetrics.OutcomeSkipped, result.Skipped)
		m.AddEntities(name, obsmetrics.OutcomeFailed, result.Failed)
		e.log.Info("settlement job finished",
			zap.String("job", name),
			zap.Int("processed", result.Processed),
			zap.Int("successful", result.Successful),
			zap.Int("skipped", result.Skipped),
			zap.Int("failed", result.Failed),
		)
	}
	if err == nil {
		return nil
	}

	m.IncJobError(name)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// Soft timeout: entities not reached stay due and are retried on the
		// next run.
		e.log.Warn("settlement job timed out",
			zap.String("job", name),
			zap.Duration("timeout", e.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}
