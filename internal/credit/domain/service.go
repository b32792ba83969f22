package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// BalanceSubject identifies whose balance a usage operation acts on. The
// organization's credit mode decides whether the pool or the member
// allocation is charged.
type BalanceSubject struct {
	OrgID  snowflake.ID
	UserID snowflake.ID
}

type DeductForUsageRequest struct {
	Subject     BalanceSubject
	Amount      int64
	Description string
	// UsageRef links the row to the triggering usage event, e.g. an audio
	// processing job id.
	UsageRef *string
}

// TransactionRecord summarizes the ledger row appended by an operation.
type TransactionRecord struct {
	ID           snowflake.ID
	Amount       int64
	BalanceAfter int64
	Type         TransactionType
}

type DistributeToOrganizationRequest struct {
	ResellerID   snowflake.ID
	OrgID        snowflake.ID
	Amount       int64
	ActingUserID *snowflake.ID
	Description  string
	// Metadata is stamped onto both transaction rows; scheduled transfers
	// use it to record which job produced the row.
	Metadata datatypes.JSONMap
}

type DistributeToUserRequest struct {
	OrgID        snowflake.ID
	UserID       snowflake.ID
	Amount       int64
	ActingUserID *snowflake.ID
	Description  string
	Metadata     datatypes.JSONMap
}

type RecoverFromUserRequest struct {
	OrgID        snowflake.ID
	UserID       snowflake.ID
	Amount       int64
	ActingUserID *snowflake.ID
	Description  string
}

type RecoverFromOrganizationRequest struct {
	OrgID        snowflake.ID
	ResellerID   snowflake.ID
	Amount       int64
	ActingUserID *snowflake.ID
	Description  string
}

// TransferResult reports both post-transfer balances.
type TransferResult struct {
	FromBalance int64
	ToBalance   int64
}

type SwitchModeRequest struct {
	OrgID        snowflake.ID
	NewMode      CreditMode
	ActingUserID *snowflake.ID
}

type SwitchModeResult struct {
	PreviousMode CreditMode
	// RecoveredAmount is the total pulled back into the pool when leaving
	// individual mode.
	RecoveredAmount int64
}

type MemberJoinRequest struct {
	OrgID        snowflake.ID
	UserID       snowflake.ID
	ActingUserID *snowflake.ID
}

// MemberInitResult describes the allocation created on join. Nil result from
// InitializeMemberOnJoin means nothing was done.
type MemberInitResult struct {
	UserCreditID     snowflake.ID
	InitialBalance   int64
	AutoRefillAmount int64
}

type MemberLeaveRequest struct {
	OrgID        snowflake.ID
	UserID       snowflake.ID
	ActingUserID *snowflake.ID
}

type MemberCleanupResult struct {
	RecoveredAmount int64
	HadAutoRefill   bool
}

//go:generate mockgen -source=service.go -destination=./mocks/mock_service.go -package=mocks
type Service interface {
	// HasEnoughBalance is a pure read; callers must still treat a later
	// deduction failure as a hard stop, since the balance can move in
	// between.
	HasEnoughBalance(ctx context.Context, subject BalanceSubject, amount int64) (bool, error)
	DeductForUsage(ctx context.Context, req DeductForUsageRequest) (*TransactionRecord, error)

	DistributeToOrganization(ctx context.Context, req DistributeToOrganizationRequest) (*TransferResult, error)
	DistributeToUser(ctx context.Context, req DistributeToUserRequest) (*TransferResult, error)
	RecoverFromUser(ctx context.Context, req RecoverFromUserRequest) (*TransferResult, error)
	RecoverFromOrganization(ctx context.Context, req RecoverFromOrganizationRequest) (*TransferResult, error)

	SwitchMode(ctx context.Context, req SwitchModeRequest) (*SwitchModeResult, error)
	InitializeMemberOnJoin(ctx context.Context, req MemberJoinRequest) (*MemberInitResult, error)
	CleanupMemberOnLeave(ctx context.Context, req MemberLeaveRequest) (*MemberCleanupResult, error)
}
