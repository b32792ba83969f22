// Package domain contains persistence models for credit balances and their
// append-only transaction logs.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// CreditMode selects how an organization bills usage: against the shared
// pool or against per-member allocations.
type CreditMode string

const (
	CreditModeShared     CreditMode = "shared"
	CreditModeIndividual CreditMode = "individual"
)

// RenewalType controls how the next subscription renewal date is computed.
type RenewalType string

const (
	RenewalFirstOfMonth RenewalType = "first_of_month"
	RenewalAnniversary  RenewalType = "anniversary"
)

// TransactionType classifies ledger mutations.
type TransactionType string

const (
	TransactionTypeUsage        TransactionType = "usage"
	TransactionTypePurchase     TransactionType = "purchase"
	TransactionTypeDistribution TransactionType = "distribution"
	TransactionTypeRecovery     TransactionType = "recovery"
	TransactionTypeRefund       TransactionType = "refund"
	TransactionTypeSubscription TransactionType = "subscription"
	TransactionTypeRefill       TransactionType = "refill"
	TransactionTypeAdjustment   TransactionType = "adjustment"
)

// Reseller is the top of the funding hierarchy.
type Reseller struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	Name          string       `gorm:"type:text;not null"`
	CreditBalance int64        `gorm:"not null;default:0"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Reseller) TableName() string { return "resellers" }

// Organization holds the shared credit pool and subscription/auto-refill
// configuration. Credits never go negative; deductions that would do so are
// rejected inside the ledger transaction.
type Organization struct {
	ID         snowflake.ID  `gorm:"primaryKey"`
	ResellerID *snowflake.ID `gorm:"index"`
	Name       string        `gorm:"type:text;not null"`
	Credits    int64         `gorm:"not null;default:0"`
	CreditMode CreditMode    `gorm:"type:text;not null;default:shared"`

	SubscriptionEnabled  bool        `gorm:"not null;default:false"`
	MonthlyCreditsTarget *int64      `gorm:""`
	RenewalType          RenewalType `gorm:"type:text;not null;default:first_of_month"`
	RenewalDay           *int        `gorm:""`
	NextRenewalAt        *time.Time  `gorm:"index"`
	LastRenewalAt        *time.Time  `gorm:""`
	SubscriptionPausedAt *time.Time  `gorm:""`

	// Defaults applied to new members while the organization is in
	// individual mode.
	AutoRefillEnabled       bool   `gorm:"not null;default:false"`
	AutoRefillDefaultAmount *int64 `gorm:""`
	AutoRefillDefaultDay    *int   `gorm:""`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Organization) TableName() string { return "organizations" }

// OrganizationMember records membership; distribution targets must be members.
type OrganizationMember struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	OrgID     snowflake.ID `gorm:"not null;index;uniqueIndex:ux_org_members_org_user,priority:1"`
	UserID    snowflake.ID `gorm:"not null;index;uniqueIndex:ux_org_members_org_user,priority:2"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (OrganizationMember) TableName() string { return "organization_members" }

// UserCredit is a member's individual allocation. AutoRefillAmount is the
// desired balance after a refill, not an increment.
type UserCredit struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	OrgID             snowflake.ID `gorm:"not null;index;uniqueIndex:ux_user_credits_org_user,priority:1"`
	UserID            snowflake.ID `gorm:"not null;index;uniqueIndex:ux_user_credits_org_user,priority:2"`
	Balance           int64        `gorm:"not null;default:0"`
	CreditCap         *int64       `gorm:""`
	AutoRefillEnabled bool         `gorm:"not null;default:false"`
	AutoRefillAmount  *int64       `gorm:""`
	AutoRefillDay     *int         `gorm:""`
	LastRefillAt      *time.Time   `gorm:""`
	CreatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UserCredit) TableName() string { return "user_credits" }

// CreditTransaction is the append-only log for an organization's pool.
// Amount is signed (negative = debit); BalanceAfter snapshots the pool right
// after the mutation so replaying the log reconstructs the balance.
type CreditTransaction struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	OrgID        snowflake.ID      `gorm:"not null;index"`
	Amount       int64             `gorm:"not null"`
	BalanceAfter int64             `gorm:"not null"`
	Type         TransactionType   `gorm:"type:text;not null;index"`
	Description  string            `gorm:"type:text"`
	UsageRef     *string           `gorm:"type:text;index"`
	ActingUserID *snowflake.ID     `gorm:""`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }

// UserCreditTransaction mirrors mutations of a member allocation.
type UserCreditTransaction struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	UserCreditID snowflake.ID      `gorm:"not null;index"`
	OrgID        snowflake.ID      `gorm:"not null;index"`
	UserID       snowflake.ID      `gorm:"not null;index"`
	Amount       int64             `gorm:"not null"`
	BalanceAfter int64             `gorm:"not null"`
	Type         TransactionType   `gorm:"type:text;not null;index"`
	Description  string            `gorm:"type:text"`
	UsageRef     *string           `gorm:"type:text;index"`
	ActingUserID *snowflake.ID     `gorm:""`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (UserCreditTransaction) TableName() string { return "user_credit_transactions" }

// ResellerTransaction mirrors mutations of a reseller balance. A nil
// ActingUserID denotes a system/scheduled action.
type ResellerTransaction struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	ResellerID   snowflake.ID      `gorm:"not null;index"`
	Amount       int64             `gorm:"not null"`
	BalanceAfter int64             `gorm:"not null"`
	Type         TransactionType   `gorm:"type:text;not null;index"`
	Description  string            `gorm:"type:text"`
	ActingUserID *snowflake.ID     `gorm:""`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (ResellerTransaction) TableName() string { return "reseller_transactions" }
