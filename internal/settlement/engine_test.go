package settlement

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/voxlane/voxlane/internal/clock"
	creditdomain "github.com/voxlane/voxlane/internal/credit/domain"
	creditservice "github.com/voxlane/voxlane/internal/credit/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_settlement_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	// SQLite support hack: remove FOR UPDATE clauses
	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	if err := db.Callback().Query().Before("gorm:query").Register("sqlite_skip_for_update", stripForUpdate); err != nil {
		t.Fatalf("register callback: %v", err)
	}
	if err := db.Callback().Row().Before("gorm:row").Register("sqlite_skip_for_update_row", stripForUpdate); err != nil {
		t.Fatalf("register callback: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	schema := []string{
		`CREATE TABLE resellers (
			id BIGINT PRIMARY KEY,
			name TEXT NOT NULL,
			credit_balance BIGINT NOT NULL DEFAULT 0,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE TABLE organizations (
			id BIGINT PRIMARY KEY,
			reseller_id BIGINT,
			name TEXT NOT NULL,
			credits BIGINT NOT NULL DEFAULT 0,
			credit_mode TEXT NOT NULL DEFAULT 'shared',
			subscription_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			monthly_credits_target BIGINT,
			renewal_type TEXT NOT NULL DEFAULT 'first_of_month',
			renewal_day SMALLINT,
			next_renewal_at DATETIME,
			last_renewal_at DATETIME,
			subscription_paused_at DATETIME,
			auto_refill_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			auto_refill_default_amount BIGINT,
			auto_refill_default_day SMALLINT,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE TABLE organization_members (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			created_at DATETIME
		)`,
		`CREATE TABLE user_credits (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			balance BIGINT NOT NULL DEFAULT 0,
			credit_cap BIGINT,
			auto_refill_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			auto_refill_amount BIGINT,
			auto_refill_day SMALLINT,
			last_refill_at DATETIME,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE TABLE credit_transactions (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			type TEXT NOT NULL,
			description TEXT,
			usage_ref TEXT,
			acting_user_id BIGINT,
			metadata TEXT,
			created_at DATETIME
		)`,
		`CREATE TABLE user_credit_transactions (
			id BIGINT PRIMARY KEY,
			user_credit_id BIGINT NOT NULL,
			org_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			type TEXT NOT NULL,
			description TEXT,
			usage_ref TEXT,
			acting_user_id BIGINT,
			metadata TEXT,
			created_at DATETIME
		)`,
		`CREATE TABLE reseller_transactions (
			id BIGINT PRIMARY KEY,
			reseller_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			type TEXT NOT NULL,
			description TEXT,
			acting_user_id BIGINT,
			metadata TEXT,
			created_at DATETIME
		)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema exec failed: %v", err)
		}
	}

	return db
}

type testEnv struct {
	db     *gorm.DB
	engine *Engine
	node   *snowflake.Node
	clock  *clock.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(8)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	fake := clock.NewFakeClock(time.Date(2024, 3, 15, 2, 0, 0, 0, time.UTC))
	svc := creditservice.NewService(creditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})
	engine, err := New(Params{
		DB:        db,
		Log:       zap.NewNop(),
		Clock:     fake,
		CreditSvc: svc,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &testEnv{db: db, engine: engine, node: node, clock: fake}
}

func (env *testEnv) seedReseller(t *testing.T, balance int64) *creditdomain.Reseller {
	t.Helper()
	reseller := &creditdomain.Reseller{ID: env.node.Generate(), Name: "Reseller", CreditBalance: balance}
	if err := env.db.Create(reseller).Error; err != nil {
		t.Fatalf("seed reseller: %v", err)
	}
	return reseller
}

type orgOpts struct {
	resellerID *snowflake.ID
	credits    int64
	mode       creditdomain.CreditMode
	target     *int64
	renewal    creditdomain.RenewalType
	renewalDay *int
	nextAt     *time.Time
	pausedAt   *time.Time
	enabled    bool
}

func (env *testEnv) seedOrganization(t *testing.T, opts orgOpts) *creditdomain.Organization {
	t.Helper()
	if opts.mode == "" {
		opts.mode = creditdomain.CreditModeShared
	}
	if opts.renewal == "" {
		opts.renewal = creditdomain.RenewalFirstOfMonth
	}
	org := &creditdomain.Organization{
		ID:                   env.node.Generate(),
		ResellerID:           opts.resellerID,
		Name:                 "Org",
		Credits:              opts.credits,
		CreditMode:           opts.mode,
		SubscriptionEnabled:  opts.enabled,
		MonthlyCreditsTarget: opts.target,
		RenewalType:          opts.renewal,
		RenewalDay:           opts.renewalDay,
		NextRenewalAt:        opts.nextAt,
		SubscriptionPausedAt: opts.pausedAt,
	}
	if err := env.db.Create(org).Error; err != nil {
		t.Fatalf("seed organization: %v", err)
	}
	return org
}

func (env *testEnv) seedMemberWithCredit(t *testing.T, orgID snowflake.ID, balance int64, cap *int64, refillAmount int64, refillDay int) *creditdomain.UserCredit {
	t.Helper()
	userID := env.node.Generate()
	member := &creditdomain.OrganizationMember{ID: env.node.Generate(), OrgID: orgID, UserID: userID}
	if err := env.db.Create(member).Error; err != nil {
		t.Fatalf("seed member: %v", err)
	}
	uc := &creditdomain.UserCredit{
		ID:                env.node.Generate(),
		OrgID:             orgID,
		UserID:            userID,
		Balance:           balance,
		CreditCap:         cap,
		AutoRefillEnabled: true,
		AutoRefillAmount:  &refillAmount,
		AutoRefillDay:     &refillDay,
	}
	if err := env.db.Create(uc).Error; err != nil {
		t.Fatalf("seed user credit: %v", err)
	}
	return uc
}

func (env *testEnv) reloadOrg(t *testing.T, id snowflake.ID) *creditdomain.Organization {
	t.Helper()
	var org creditdomain.Organization
	if err := env.db.First(&org, "id = ?", id).Error; err != nil {
		t.Fatalf("reload organization: %v", err)
	}
	return &org
}

func (env *testEnv) reloadUserCredit(t *testing.T, id snowflake.ID) *creditdomain.UserCredit {
	t.Helper()
	var uc creditdomain.UserCredit
	if err := env.db.First(&uc, "id = ?", id).Error; err != nil {
		t.Fatalf("reload user credit: %v", err)
	}
	return &uc
}

func target(v int64) *int64 { return &v }

func TestRenewalTopsUpToTarget(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	reseller := env.seedReseller(t, 500)
	org := env.seedOrganization(t, orgOpts{
		resellerID: &reseller.ID,
		credits:    50,
		enabled:    true,
		target:     target(200),
	})

	result, err := env.engine.ProcessSubscriptionRenewals(ctx)
	if err != nil {
		t.Fatalf("renewals: %v", err)
	}
	if result.Processed != 1 || result.Successful != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Details[0].Amount != 150 {
		t.Fatalf("expected transfer of 150, got %d", result.Details[0].Amount)
	}

	reloaded := env.reloadOrg(t, org.ID)
	if reloaded.Credits != 200 {
		t.Fatalf("expected org credits 200, got %d", reloaded.Credits)
	}
	var rb creditdomain.Reseller
	if err := env.db.First(&rb, "id = ?", reseller.ID).Error; err != nil {
		t.Fatalf("reload reseller: %v", err)
	}
	if rb.CreditBalance != 350 {
		t.Fatalf("expected reseller balance 350, got %d", rb.CreditBalance)
	}

	// Dates advance: renewed on March 15 with first_of_month -> April 1.
	wantNext := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	if reloaded.NextRenewalAt == nil || !reloaded.NextRenewalAt.UTC().Equal(wantNext) {
		t.Fatalf("expected next renewal %v, got %v", wantNext, reloaded.NextRenewalAt)
	}
	if reloaded.LastRenewalAt == nil {
		t.Fatal("expected last renewal stamped")
	}

	// The transfer is logged on both sides.
	var otxn creditdomain.CreditTransaction
	if err := env.db.First(&otxn, "org_id = ?", org.ID).Error; err != nil {
		t.Fatalf("load org transaction: %v", err)
	}
	if otxn.Type != creditdomain.TransactionTypeDistribution || otxn.Amount != 150 || otxn.BalanceAfter != 200 {
		t.Fatalf("unexpected org transaction: %+v", otxn)
	}
	// Scheduled transfers stamp the producing job on the ledger row.
	if got := otxn.Metadata["job"]; got != "subscription_renewals" {
		t.Fatalf("renewal metadata not stamped: %v", otxn.Metadata)
	}

	// The org is no longer due on a same-day re-run.
	again, err := env.engine.ProcessSubscriptionRenewals(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if again.Processed != 0 {
		t.Fatalf("expected nothing due on re-run, got %+v", again)
	}
}

func TestRenewalResellerShortfallRetriesDaily(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	reseller := env.seedReseller(t, 100)
	org := env.seedOrganization(t, orgOpts{
		resellerID: &reseller.ID,
		credits:    50,
		enabled:    true,
		target:     target(200),
	})

	result, err := env.engine.ProcessSubscriptionRenewals(ctx)
	if err != nil {
		t.Fatalf("renewals: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("expected 1 failure, got %+v", result)
	}
	if result.Details[0].Reason != "insufficient reseller credits" {
		t.Fatalf("unexpected reason: %q", result.Details[0].Reason)
	}

	// Balances untouched and the renewal date left unchanged, so tomorrow's
	// run picks the organization up again.
	reloaded := env.reloadOrg(t, org.ID)
	if reloaded.Credits != 50 {
		t.Fatalf("org credits mutated: %d", reloaded.Credits)
	}
	if reloaded.NextRenewalAt != nil {
		t.Fatalf("renewal date advanced on failure: %v", reloaded.NextRenewalAt)
	}

	// Reseller topped up overnight; the next day's run succeeds.
	env.db.Exec(`UPDATE resellers SET credit_balance = ? WHERE id = ?`, 1000, reseller.ID)
	env.clock.Advance(24 * time.Hour)

	result, err = env.engine.ProcessSubscriptionRenewals(ctx)
	if err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if result.Successful != 1 {
		t.Fatalf("expected success on retry, got %+v", result)
	}
	if got := env.reloadOrg(t, org.ID).Credits; got != 200 {
		t.Fatalf("expected org credits 200 after retry, got %d", got)
	}
}

func TestRenewalAlreadyAtTargetAdvancesDates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	reseller := env.seedReseller(t, 500)
	org := env.seedOrganization(t, orgOpts{
		resellerID: &reseller.ID,
		credits:    250,
		enabled:    true,
		target:     target(200),
	})

	result, err := env.engine.ProcessSubscriptionRenewals(ctx)
	if err != nil {
		t.Fatalf("renewals: %v", err)
	}
	if result.Skipped != 1 {
		t.Fatalf("expected skip, got %+v", result)
	}
	if result.Details[0].Reason != "already at target" {
		t.Fatalf("unexpected reason: %q", result.Details[0].Reason)
	}

	reloaded := env.reloadOrg(t, org.ID)
	if reloaded.Credits != 250 {
		t.Fatalf("credits mutated: %d", reloaded.Credits)
	}
	if reloaded.NextRenewalAt == nil {
		t.Fatal("expected renewal date advanced on at-target skip")
	}
}

func TestRenewalSkipsPausedAndDisabled(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	reseller := env.seedReseller(t, 500)
	paused := env.clock.Now().Add(-time.Hour)
	env.seedOrganization(t, orgOpts{
		resellerID: &reseller.ID, credits: 0, enabled: true, target: target(100), pausedAt: &paused,
	})
	env.seedOrganization(t, orgOpts{
		resellerID: &reseller.ID, credits: 0, enabled: false, target: target(100),
	})

	result, err := env.engine.ProcessSubscriptionRenewals(ctx)
	if err != nil {
		t.Fatalf("renewals: %v", err)
	}
	if result.Processed != 0 {
		t.Fatalf("expected nothing due, got %+v", result)
	}
}

func TestRenewalIgnoresOrgsWithoutTarget(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	reseller := env.seedReseller(t, 500)
	// Enabled but never given a target; it must not be refetched run after
	// run, since a target-less skip never advances the renewal dates.
	org := env.seedOrganization(t, orgOpts{
		resellerID: &reseller.ID, credits: 0, enabled: true,
	})

	result, err := env.engine.ProcessSubscriptionRenewals(ctx)
	if err != nil {
		t.Fatalf("renewals: %v", err)
	}
	if result.Processed != 0 {
		t.Fatalf("expected target-less org excluded, got %+v", result)
	}
	if reloaded := env.reloadOrg(t, org.ID); reloaded.NextRenewalAt != nil {
		t.Fatalf("dates advanced for target-less org: %v", reloaded.NextRenewalAt)
	}
}

func TestRenewOrganizationSingle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	reseller := env.seedReseller(t, 500)
	due := env.seedOrganization(t, orgOpts{
		resellerID: &reseller.ID, credits: 0, enabled: true, target: target(100),
	})
	future := env.clock.Now().Add(48 * time.Hour)
	notDue := env.seedOrganization(t, orgOpts{
		resellerID: &reseller.ID, credits: 0, enabled: true, target: target(100), nextAt: &future,
	})

	detail, err := env.engine.RenewOrganization(ctx, due.ID)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if detail.Status != StatusSuccessful || detail.Amount != 100 {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	detail, err = env.engine.RenewOrganization(ctx, notDue.ID)
	if err != nil {
		t.Fatalf("renew not due: %v", err)
	}
	if detail.Status != StatusSkipped || detail.Reason != "not due" {
		t.Fatalf("unexpected detail: %+v", detail)
	}
}

func TestRefillClampsToCreditCap(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	org := env.seedOrganization(t, orgOpts{credits: 1000, mode: creditdomain.CreditModeIndividual})
	capVal := int64(50)
	uc := env.seedMemberWithCredit(t, org.ID, 40, &capVal, 100, 15)

	result, err := env.engine.ProcessUserAutoRefills(ctx)
	if err != nil {
		t.Fatalf("refills: %v", err)
	}
	if result.Successful != 1 {
		t.Fatalf("expected 1 success, got %+v", result)
	}
	// Target 100 wants 60 more, but the cap leaves only 10 of headroom.
	if result.Details[0].Amount != 10 {
		t.Fatalf("expected clamped transfer of 10, got %d", result.Details[0].Amount)
	}

	reloaded := env.reloadUserCredit(t, uc.ID)
	if reloaded.Balance != 50 {
		t.Fatalf("expected balance 50, got %d", reloaded.Balance)
	}
	if reloaded.LastRefillAt == nil {
		t.Fatal("expected last refill stamped")
	}
	if got := env.reloadOrg(t, org.ID).Credits; got != 990 {
		t.Fatalf("expected org credits 990, got %d", got)
	}

	var utxn creditdomain.UserCreditTransaction
	if err := env.db.First(&utxn, "user_credit_id = ?", uc.ID).Error; err != nil {
		t.Fatalf("load user transaction: %v", err)
	}
	if got := utxn.Metadata["job"]; got != "user_auto_refills" {
		t.Fatalf("refill metadata not stamped: %v", utxn.Metadata)
	}
	if got := utxn.Metadata["target_balance"]; got != "100" {
		t.Fatalf("refill target not recorded: %v", utxn.Metadata)
	}
}

func TestRefillIdempotentWithinDay(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	org := env.seedOrganization(t, orgOpts{credits: 1000, mode: creditdomain.CreditModeIndividual})
	uc := env.seedMemberWithCredit(t, org.ID, 20, nil, 100, 15)

	result, err := env.engine.ProcessUserAutoRefills(ctx)
	if err != nil {
		t.Fatalf("refills: %v", err)
	}
	if result.Successful != 1 || result.Details[0].Amount != 80 {
		t.Fatalf("unexpected first run: %+v", result)
	}

	// A re-run later the same day is a no-op even after more usage.
	env.db.Exec(`UPDATE user_credits SET balance = ? WHERE id = ?`, int64(5), uc.ID)
	env.clock.Advance(6 * time.Hour)

	result, err = env.engine.ProcessUserAutoRefills(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if result.Skipped != 1 || result.Details[0].Reason != "already refilled today" {
		t.Fatalf("expected same-day skip, got %+v", result)
	}
	if got := env.reloadUserCredit(t, uc.ID).Balance; got != 5 {
		t.Fatalf("balance mutated by same-day re-run: %d", got)
	}
}

func TestRefillPoolShortfallRetriesSameDay(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	org := env.seedOrganization(t, orgOpts{credits: 5, mode: creditdomain.CreditModeIndividual})
	uc := env.seedMemberWithCredit(t, org.ID, 10, nil, 100, 15)

	result, err := env.engine.ProcessUserAutoRefills(ctx)
	if err != nil {
		t.Fatalf("refills: %v", err)
	}
	if result.Failed != 1 || result.Details[0].Reason != "insufficient org credits" {
		t.Fatalf("unexpected result: %+v", result)
	}
	// The guard is only stamped on success, so the allocation stays eligible.
	if got := env.reloadUserCredit(t, uc.ID); got.LastRefillAt != nil {
		t.Fatalf("guard stamped on shortfall: %v", got.LastRefillAt)
	}

	env.db.Exec(`UPDATE organizations SET credits = ? WHERE id = ?`, int64(500), org.ID)

	result, err = env.engine.ProcessUserAutoRefills(ctx)
	if err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if result.Successful != 1 || result.Details[0].Amount != 90 {
		t.Fatalf("expected success after top-up, got %+v", result)
	}
	if got := env.reloadUserCredit(t, uc.ID).Balance; got != 100 {
		t.Fatalf("expected balance 100, got %d", got)
	}
}

func TestRefillSkipsSharedModeLeftover(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	org := env.seedOrganization(t, orgOpts{credits: 1000, mode: creditdomain.CreditModeShared})
	env.seedMemberWithCredit(t, org.ID, 0, nil, 100, 15)

	result, err := env.engine.ProcessUserAutoRefills(ctx)
	if err != nil {
		t.Fatalf("refills: %v", err)
	}
	if result.Skipped != 1 || result.Details[0].Reason != "organization is shared mode" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRefillAtTargetStampsGuard(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	org := env.seedOrganization(t, orgOpts{credits: 1000, mode: creditdomain.CreditModeIndividual})
	uc := env.seedMemberWithCredit(t, org.ID, 100, nil, 100, 15)

	result, err := env.engine.ProcessUserAutoRefills(ctx)
	if err != nil {
		t.Fatalf("refills: %v", err)
	}
	if result.Skipped != 1 || result.Details[0].Reason != "already at target" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := env.reloadUserCredit(t, uc.ID); got.LastRefillAt == nil {
		t.Fatal("expected guard stamped on at-target skip")
	}
}

func TestRefillIgnoresOtherDays(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	org := env.seedOrganization(t, orgOpts{credits: 1000, mode: creditdomain.CreditModeIndividual})
	// Clock says the 15th; this allocation refills on the 20th.
	env.seedMemberWithCredit(t, org.ID, 0, nil, 100, 20)

	result, err := env.engine.ProcessUserAutoRefills(ctx)
	if err != nil {
		t.Fatalf("refills: %v", err)
	}
	if result.Processed != 0 {
		t.Fatalf("expected nothing due, got %+v", result)
	}
}

func TestRunOnceRenewsThenRefills(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	reseller := env.seedReseller(t, 1000)
	// Pool is empty; the renewal must land before the refill can draw on it.
	org := env.seedOrganization(t, orgOpts{
		resellerID: &reseller.ID,
		credits:    0,
		mode:       creditdomain.CreditModeIndividual,
		enabled:    true,
		target:     target(300),
	})
	uc := env.seedMemberWithCredit(t, org.ID, 0, nil, 50, 15)

	if err := env.engine.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if got := env.reloadOrg(t, org.ID).Credits; got != 250 {
		t.Fatalf("expected org credits 250 after renewal and refill, got %d", got)
	}
	if got := env.reloadUserCredit(t, uc.ID).Balance; got != 50 {
		t.Fatalf("expected user balance 50, got %d", got)
	}
}
