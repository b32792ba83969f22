package settlement

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/voxlane/voxlane/internal/credit/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProcessUserAutoRefills tops every due member allocation up to its target,
// funded by the organization pool. Due means: auto-refill enabled and the
// configured day-of-month equals today's UTC day.
func (e *Engine) ProcessUserAutoRefills(ctx context.Context) (*BatchResult, error) {
	now := e.clock.Now()
	result := &BatchResult{}
	var jobErr error

	var cursor snowflake.ID
	for {
		if ctx.Err() != nil {
			return result, errors.Join(jobErr, ctx.Err())
		}

		allocations, err := e.fetchDueUserCredits(ctx, now, cursor)
		if err != nil {
			return result, errors.Join(jobErr, err)
		}
		if len(allocations) == 0 {
			break
		}

		for i := range allocations {
			uc := &allocations[i]
			cursor = uc.ID

			detail := e.refillUserCredit(ctx, uc, now)
			result.add(detail)
			if detail.Status == StatusFailed {
				e.log.Warn("auto-refill failed",
					zap.String("org_id", uc.OrgID.String()),
					zap.String("user_id", uc.UserID.String()),
					zap.String("reason", detail.Reason),
				)
			}
		}
	}

	return result, jobErr
}

func (e *Engine) refillUserCredit(ctx context.Context, uc *creditdomain.UserCredit, now time.Time) Detail {
	detail := Detail{OrgID: uc.OrgID, UserID: uc.UserID}

	// Idempotency guard: refill at most once per UTC calendar day, so a
	// re-run of the same day's batch is a no-op.
	if uc.LastRefillAt != nil && withinDayUTC(*uc.LastRefillAt, now) {
		detail.Status = StatusSkipped
		detail.Reason = "already refilled today"
		return detail
	}

	var org creditdomain.Organization
	err := e.db.WithContext(ctx).First(&org, "id = ?", uc.OrgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		detail.Status = StatusFailed
		detail.Reason = "organization not found"
		return detail
	}
	if err != nil {
		detail.Status = StatusFailed
		detail.Reason = err.Error()
		return detail
	}

	// A leftover allocation under a shared-mode organization should not
	// exist; mode switches recover and delete them. Skip defensively.
	if org.CreditMode != creditdomain.CreditModeIndividual {
		detail.Status = StatusSkipped
		detail.Reason = "organization is shared mode"
		return detail
	}

	if uc.AutoRefillAmount == nil || *uc.AutoRefillAmount <= 0 {
		detail.Status = StatusSkipped
		detail.Reason = "no refill target"
		return detail
	}

	// The refill target is a desired balance; the transfer is the shortfall,
	// clamped to whatever headroom the credit cap leaves.
	needed := *uc.AutoRefillAmount - uc.Balance
	if uc.CreditCap != nil {
		headroom := *uc.CreditCap - uc.Balance
		if needed > headroom {
			needed = headroom
		}
	}
	if needed <= 0 {
		// Still stamp the guard so this allocation is not re-evaluated
		// today.
		if err := e.stampLastRefill(ctx, uc, now); err != nil {
			detail.Status = StatusFailed
			detail.Reason = err.Error()
			return detail
		}
		detail.Status = StatusSkipped
		detail.Reason = "already at target"
		return detail
	}

	// Guard not updated on shortfall: the daily run retries until the pool
	// can cover the refill.
	if org.Credits < needed {
		detail.Status = StatusFailed
		detail.Reason = "insufficient org credits"
		return detail
	}

	_, err = e.creditSvc.DistributeToUser(ctx, creditdomain.DistributeToUserRequest{
		OrgID:       uc.OrgID,
		UserID:      uc.UserID,
		Amount:      needed,
		Description: "monthly auto-refill",
		Metadata: datatypes.JSONMap{
			"job":            "user_auto_refills",
			"target_balance": strconv.FormatInt(*uc.AutoRefillAmount, 10),
			"refill_day":     StartOfDayUTC(now).Format(time.RFC3339),
		},
	})
	if errors.Is(err, creditdomain.ErrInsufficientBalance) {
		detail.Status = StatusFailed
		detail.Reason = "insufficient org credits"
		return detail
	}
	if err != nil {
		detail.Status = StatusFailed
		detail.Reason = err.Error()
		return detail
	}

	if err := e.stampLastRefill(ctx, uc, now); err != nil {
		detail.Status = StatusFailed
		detail.Reason = err.Error()
		return detail
	}
	detail.Status = StatusSuccessful
	detail.Amount = needed
	return detail
}

func (e *Engine) stampLastRefill(ctx context.Context, uc *creditdomain.UserCredit, now time.Time) error {
	return e.db.WithContext(ctx).Exec(
		`UPDATE user_credits SET last_refill_at = ?, updated_at = ? WHERE id = ?`,
		now, now, uc.ID,
	).Error
}

func (e *Engine) fetchDueUserCredits(ctx context.Context, now time.Time, after snowflake.ID) ([]creditdomain.UserCredit, error) {
	var allocations []creditdomain.UserCredit
	err := e.db.WithContext(ctx).
		Raw(`SELECT * FROM user_credits
		     WHERE auto_refill_enabled = ?
		       AND auto_refill_day = ?
		       AND id > ?
		     ORDER BY id
		     LIMIT ?`,
			true, now.UTC().Day(), after, e.cfg.BatchSize).
		Scan(&allocations).Error
	if err != nil {
		return nil, err
	}
	return allocations, nil
}
