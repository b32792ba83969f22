package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/voxlane/voxlane/internal/credit/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProcessSubscriptionRenewals tops every due organization up to its monthly
// credits target, funded by its reseller. Due means: subscription enabled,
// not paused, a positive target configured, and next_renewal_at at or before
// now (or never set). Target-less subscriptions never advance their dates and
// are filtered out in the query.
func (e *Engine) ProcessSubscriptionRenewals(ctx context.Context) (*BatchResult, error) {
	now := e.clock.Now()
	result := &BatchResult{}
	var jobErr error

	var cursor snowflake.ID
	for {
		if ctx.Err() != nil {
			return result, errors.Join(jobErr, ctx.Err())
		}

		orgs, err := e.fetchDueOrganizations(ctx, now, cursor)
		if err != nil {
			return result, errors.Join(jobErr, err)
		}
		if len(orgs) == 0 {
			break
		}

		for i := range orgs {
			org := &orgs[i]
			cursor = org.ID

			detail := e.renewOrganization(ctx, org, now)
			result.add(detail)
			if detail.Status == StatusFailed {
				e.log.Warn("subscription renewal failed",
					zap.String("org_id", org.ID.String()),
					zap.String("reason", detail.Reason),
				)
			}
		}
	}

	return result, jobErr
}

// RenewOrganization runs the renewal state machine for a single organization.
// The queued job-runner path calls this; semantics are identical to the batch.
func (e *Engine) RenewOrganization(ctx context.Context, orgID snowflake.ID) (*Detail, error) {
	var org creditdomain.Organization
	err := e.db.WithContext(ctx).First(&org, "id = ?", orgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, creditdomain.ErrOrganizationNotFound
	}
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	if !org.SubscriptionEnabled || org.SubscriptionPausedAt != nil {
		return &Detail{OrgID: org.ID, Status: StatusSkipped, Reason: "subscription not active"}, nil
	}
	if org.NextRenewalAt != nil && org.NextRenewalAt.After(now) {
		return &Detail{OrgID: org.ID, Status: StatusSkipped, Reason: "not due"}, nil
	}

	detail := e.renewOrganization(ctx, &org, now)
	return &detail, nil
}

func (e *Engine) renewOrganization(ctx context.Context, org *creditdomain.Organization, now time.Time) Detail {
	if org.MonthlyCreditsTarget == nil || *org.MonthlyCreditsTarget <= 0 {
		return Detail{OrgID: org.ID, Status: StatusSkipped, Reason: "no monthly credits target"}
	}

	// Targets are desired balances, not increments.
	needed := *org.MonthlyCreditsTarget - org.Credits
	if needed <= 0 {
		if err := e.advanceRenewalDates(ctx, org, now); err != nil {
			return Detail{OrgID: org.ID, Status: StatusFailed, Reason: err.Error()}
		}
		return Detail{OrgID: org.ID, Status: StatusSkipped, Reason: "already at target"}
	}

	if org.ResellerID == nil {
		return Detail{OrgID: org.ID, Status: StatusFailed, Reason: "reseller not found"}
	}
	var reseller creditdomain.Reseller
	err := e.db.WithContext(ctx).First(&reseller, "id = ?", *org.ResellerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Detail{OrgID: org.ID, Status: StatusFailed, Reason: "reseller not found"}
	}
	if err != nil {
		return Detail{OrgID: org.ID, Status: StatusFailed, Reason: err.Error()}
	}

	// On shortfall the renewal date is deliberately left unchanged so the
	// organization is retried daily until the reseller is topped up.
	if reseller.CreditBalance < needed {
		return Detail{OrgID: org.ID, Status: StatusFailed, Reason: "insufficient reseller credits"}
	}

	_, err = e.creditSvc.DistributeToOrganization(ctx, creditdomain.DistributeToOrganizationRequest{
		ResellerID:  reseller.ID,
		OrgID:       org.ID,
		Amount:      needed,
		Description: "subscription renewal",
		Metadata: datatypes.JSONMap{
			"job":          "subscription_renewals",
			"renewal_type": string(org.RenewalType),
			"period_start": StartOfDayUTC(now).Format(time.RFC3339),
		},
	})
	if errors.Is(err, creditdomain.ErrInsufficientBalance) {
		return Detail{OrgID: org.ID, Status: StatusFailed, Reason: "insufficient reseller credits"}
	}
	if err != nil {
		return Detail{OrgID: org.ID, Status: StatusFailed, Reason: err.Error()}
	}

	if err := e.advanceRenewalDates(ctx, org, now); err != nil {
		return Detail{OrgID: org.ID, Status: StatusFailed, Reason: err.Error()}
	}
	return Detail{OrgID: org.ID, Status: StatusSuccessful, Amount: needed}
}

func (e *Engine) advanceRenewalDates(ctx context.Context, org *creditdomain.Organization, now time.Time) error {
	next := NextRenewalAt(org.RenewalType, org.RenewalDay, now)
	return e.db.WithContext(ctx).Exec(
		`UPDATE organizations SET last_renewal_at = ?, next_renewal_at = ?, updated_at = ? WHERE id = ?`,
		now, next, now, org.ID,
	).Error
}

func (e *Engine) fetchDueOrganizations(ctx context.Context, now time.Time, after snowflake.ID) ([]creditdomain.Organization, error) {
	var orgs []creditdomain.Organization
	err := e.db.WithContext(ctx).
		Raw(`SELECT * FROM organizations
		     WHERE subscription_enabled = ?
		       AND subscription_paused_at IS NULL
		       AND monthly_credits_target IS NOT NULL
		       AND monthly_credits_target > 0
		       AND (next_renewal_at IS NULL OR next_renewal_at <= ?)
		       AND id > ?
		     ORDER BY id
		     LIMIT ?`,
			true, now, after, e.cfg.BatchSize).
		Scan(&orgs).Error
	if err != nil {
		return nil, err
	}
	return orgs, nil
}
