package jobrunner

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	redis "github.com/redis/go-redis/v9"
	"github.com/voxlane/voxlane/internal/settlement"
	"go.uber.org/zap"
)

const renewalQueueKey = "voxlane:renewal_queue"

// popTimeout bounds BRPOP so the worker notices context cancellation.
const popTimeout = 5 * time.Second

var ErrQueueNotConfigured = errors.New("renewal queue requires redis")

// RenewalExecutor is the single-organization renewal state machine; it is
// identical to what the daily batch runs per organization.
type RenewalExecutor interface {
	RenewOrganization(ctx context.Context, orgID snowflake.ID) (*settlement.Detail, error)
}

// Queue pushes single-organization renewals onto a redis list for
// worker-based execution. Queueing exists only to scale the batch
// horizontally; semantics never differ from the batch path.
type Queue struct {
	client *redis.Client
}

func NewQueue(client *redis.Client) *Queue {
	if client == nil {
		return nil
	}
	return &Queue{client: client}
}

func (q *Queue) EnqueueRenewal(ctx context.Context, orgID snowflake.ID) error {
	if q == nil || q.client == nil {
		return ErrQueueNotConfigured
	}
	return q.client.LPush(ctx, renewalQueueKey, orgID.String()).Err()
}

// WorkerConfig bounds the retry policy for a dequeued renewal.
type WorkerConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 2 * time.Second
	}
	return c
}

// Worker drains the renewal queue. Infrastructure errors are retried with
// exponential backoff up to the bound; business outcomes (skipped, failed)
// are terminal here because the daily batch re-evaluates those organizations
// anyway.
type Worker struct {
	client   *redis.Client
	executor RenewalExecutor
	log      *zap.Logger
	cfg      WorkerConfig
}

func NewWorker(client *redis.Client, executor RenewalExecutor, log *zap.Logger, cfg WorkerConfig) *Worker {
	return &Worker{
		client:   client,
		executor: executor,
		log:      log.Named("jobrunner.worker"),
		cfg:      cfg.withDefaults(),
	}
}

// Run blocks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if w.client == nil {
		return ErrQueueNotConfigured
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		values, err := w.client.BRPop(ctx, popTimeout, renewalQueueKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn("renewal queue pop failed", zap.Error(err))
			continue
		}
		if len(values) != 2 {
			continue
		}

		orgID, err := snowflake.ParseString(values[1])
		if err != nil {
			w.log.Warn("dropping malformed renewal job", zap.String("payload", values[1]))
			continue
		}

		w.process(ctx, orgID)
	}
}

func (w *Worker) process(ctx context.Context, orgID snowflake.ID) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.cfg.InitialInterval

	var detail *settlement.Detail
	operation := func() error {
		var err error
		detail, err = w.executor.RenewOrganization(ctx, orgID)
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, w.cfg.MaxRetries), ctx))
	if err != nil {
		w.log.Error("queued renewal exhausted retries",
			zap.String("org_id", orgID.String()),
			zap.Error(err),
		)
		return
	}

	w.log.Info("queued renewal processed",
		zap.String("org_id", orgID.String()),
		zap.String("status", string(detail.Status)),
		zap.String("reason", detail.Reason),
		zap.Int64("amount", detail.Amount),
	)
}
