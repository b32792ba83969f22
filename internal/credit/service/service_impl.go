package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/voxlane/voxlane/internal/clock"
	"github.com/voxlane/voxlane/internal/credit/domain"
	pkgdb "github.com/voxlane/voxlane/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

// Service performs every balance mutation inside a database transaction with
// row locks taken in fixed order: reseller, then organization, then user.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("credit.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) HasEnoughBalance(ctx context.Context, subject domain.BalanceSubject, amount int64) (bool, error) {
	if amount <= 0 {
		return false, domain.ErrInvalidAmount
	}

	var org domain.Organization
	err := s.db.WithContext(ctx).First(&org, "id = ?", subject.OrgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, domain.ErrOrganizationNotFound
	}
	if err != nil {
		return false, err
	}

	balance, err := s.accountFor(org.CreditMode).balance(ctx, s.db, subject)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

func (s *Service) DeductForUsage(ctx context.Context, req domain.DeductForUsageRequest) (*domain.TransactionRecord, error) {
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	var record *domain.TransactionRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, err := s.lockOrganization(ctx, tx, req.Subject.OrgID)
		if err != nil {
			return err
		}
		// The balance check happens here, under the row lock, so a prior
		// HasEnoughBalance cannot leave a race window open.
		record, err = s.accountFor(org.CreditMode).deduct(ctx, tx, org, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("usage deducted",
		zap.String("org_id", req.Subject.OrgID.String()),
		zap.String("user_id", req.Subject.UserID.String()),
		zap.Int64("amount", req.Amount),
		zap.Int64("balance_after", record.BalanceAfter),
	)
	return record, nil
}

func (s *Service) DistributeToOrganization(ctx context.Context, req domain.DistributeToOrganizationRequest) (*domain.TransferResult, error) {
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	var result domain.TransferResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reseller, err := s.lockReseller(ctx, tx, req.ResellerID)
		if err != nil {
			return err
		}
		org, err := s.lockOrganization(ctx, tx, req.OrgID)
		if err != nil {
			return err
		}
		if org.ResellerID == nil || *org.ResellerID != reseller.ID {
			return domain.ErrNotAMember
		}
		if reseller.CreditBalance < req.Amount {
			return domain.ErrInsufficientBalance
		}

		reseller.CreditBalance -= req.Amount
		org.Credits += req.Amount
		if err := s.saveResellerBalance(ctx, tx, reseller); err != nil {
			return err
		}
		if err := s.saveOrganizationBalance(ctx, tx, org); err != nil {
			return err
		}

		// Giver side keeps a usage-typed audit row; the receiver records
		// the distribution.
		if _, err := s.appendResellerTransaction(ctx, tx, reseller, resellerTxn{
			amount:       -req.Amount,
			txnType:      domain.TransactionTypeUsage,
			description:  req.Description,
			actingUserID: req.ActingUserID,
			metadata:     req.Metadata,
		}); err != nil {
			return err
		}
		if _, err := s.appendOrgTransaction(ctx, tx, org, orgTxn{
			amount:       req.Amount,
			txnType:      domain.TransactionTypeDistribution,
			description:  req.Description,
			actingUserID: req.ActingUserID,
			metadata:     req.Metadata,
		}); err != nil {
			return err
		}

		result = domain.TransferResult{FromBalance: reseller.CreditBalance, ToBalance: org.Credits}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Service) DistributeToUser(ctx context.Context, req domain.DistributeToUserRequest) (*domain.TransferResult, error) {
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	var result domain.TransferResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, err := s.lockOrganization(ctx, tx, req.OrgID)
		if err != nil {
			return err
		}
		if org.CreditMode != domain.CreditModeIndividual {
			return domain.ErrInvalidModeForOperation
		}
		member, err := s.isMember(ctx, tx, req.OrgID, req.UserID)
		if err != nil {
			return err
		}
		if !member {
			return domain.ErrNotAMember
		}

		uc, err := s.lockUserCredit(ctx, tx, req.OrgID, req.UserID)
		if errors.Is(err, domain.ErrUserCreditNotFound) {
			uc, err = s.createUserCredit(ctx, tx, req.OrgID, req.UserID)
		}
		if err != nil {
			return err
		}

		if uc.CreditCap != nil && uc.Balance+req.Amount > *uc.CreditCap {
			return domain.ErrCreditCapExceeded
		}
		if org.Credits < req.Amount {
			return domain.ErrInsufficientBalance
		}

		org.Credits -= req.Amount
		uc.Balance += req.Amount
		if err := s.saveOrganizationBalance(ctx, tx, org); err != nil {
			return err
		}
		if err := s.saveUserCreditBalance(ctx, tx, uc); err != nil {
			return err
		}

		if _, err := s.appendOrgTransaction(ctx, tx, org, orgTxn{
			amount:       -req.Amount,
			txnType:      domain.TransactionTypeUsage,
			description:  req.Description,
			actingUserID: req.ActingUserID,
			metadata:     req.Metadata,
		}); err != nil {
			return err
		}
		if _, err := s.appendUserTransaction(ctx, tx, uc, userTxn{
			amount:       req.Amount,
			txnType:      domain.TransactionTypeDistribution,
			description:  req.Description,
			actingUserID: req.ActingUserID,
			metadata:     req.Metadata,
		}); err != nil {
			return err
		}

		result = domain.TransferResult{FromBalance: org.Credits, ToBalance: uc.Balance}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Service) RecoverFromUser(ctx context.Context, req domain.RecoverFromUserRequest) (*domain.TransferResult, error) {
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	var result domain.TransferResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, err := s.lockOrganization(ctx, tx, req.OrgID)
		if err != nil {
			return err
		}
		uc, err := s.lockUserCredit(ctx, tx, req.OrgID, req.UserID)
		if err != nil {
			return err
		}
		if uc.Balance < req.Amount {
			return domain.ErrInsufficientBalance
		}

		uc.Balance -= req.Amount
		org.Credits += req.Amount
		if err := s.saveUserCreditBalance(ctx, tx, uc); err != nil {
			return err
		}
		if err := s.saveOrganizationBalance(ctx, tx, org); err != nil {
			return err
		}

		if _, err := s.appendUserTransaction(ctx, tx, uc, userTxn{
			amount:       -req.Amount,
			txnType:      domain.TransactionTypeRecovery,
			description:  req.Description,
			actingUserID: req.ActingUserID,
		}); err != nil {
			return err
		}
		if _, err := s.appendOrgTransaction(ctx, tx, org, orgTxn{
			amount:       req.Amount,
			txnType:      domain.TransactionTypeRecovery,
			description:  req.Description,
			actingUserID: req.ActingUserID,
		}); err != nil {
			return err
		}

		result = domain.TransferResult{FromBalance: uc.Balance, ToBalance: org.Credits}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Service) RecoverFromOrganization(ctx context.Context, req domain.RecoverFromOrganizationRequest) (*domain.TransferResult, error) {
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	var result domain.TransferResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reseller, err := s.lockReseller(ctx, tx, req.ResellerID)
		if err != nil {
			return err
		}
		org, err := s.lockOrganization(ctx, tx, req.OrgID)
		if err != nil {
			return err
		}
		if org.Credits < req.Amount {
			return domain.ErrInsufficientBalance
		}

		org.Credits -= req.Amount
		reseller.CreditBalance += req.Amount
		if err := s.saveOrganizationBalance(ctx, tx, org); err != nil {
			return err
		}
		if err := s.saveResellerBalance(ctx, tx, reseller); err != nil {
			return err
		}

		if _, err := s.appendOrgTransaction(ctx, tx, org, orgTxn{
			amount:       -req.Amount,
			txnType:      domain.TransactionTypeRecovery,
			description:  req.Description,
			actingUserID: req.ActingUserID,
		}); err != nil {
			return err
		}
		if _, err := s.appendResellerTransaction(ctx, tx, reseller, resellerTxn{
			amount:       req.Amount,
			txnType:      domain.TransactionTypeRecovery,
			description:  req.Description,
			actingUserID: req.ActingUserID,
		}); err != nil {
			return err
		}

		result = domain.TransferResult{FromBalance: org.Credits, ToBalance: reseller.CreditBalance}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Service) SwitchMode(ctx context.Context, req domain.SwitchModeRequest) (*domain.SwitchModeResult, error) {
	if req.NewMode != domain.CreditModeShared && req.NewMode != domain.CreditModeIndividual {
		return nil, fmt.Errorf("unknown credit mode %q", req.NewMode)
	}

	var result domain.SwitchModeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, err := s.lockOrganization(ctx, tx, req.OrgID)
		if err != nil {
			return err
		}
		result.PreviousMode = org.CreditMode
		if org.CreditMode == req.NewMode {
			return nil
		}

		if req.NewMode == domain.CreditModeShared {
			recovered, err := s.recoverAllAllocations(ctx, tx, org, req.ActingUserID)
			if err != nil {
				return err
			}
			result.RecoveredAmount = recovered
			org.AutoRefillEnabled = false
		}

		org.CreditMode = req.NewMode
		return s.saveOrganizationMode(ctx, tx, org)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("credit mode switched",
		zap.String("org_id", req.OrgID.String()),
		zap.String("previous_mode", string(result.PreviousMode)),
		zap.String("new_mode", string(req.NewMode)),
		zap.Int64("recovered", result.RecoveredAmount),
	)
	return &result, nil
}

// recoverAllAllocations pulls every member balance back into the pool and
// deletes the allocation rows, dropping their auto-refill configuration.
// Each non-zero recovery gets its own pair of log rows.
func (s *Service) recoverAllAllocations(ctx context.Context, tx *gorm.DB, org *domain.Organization, actingUserID *snowflake.ID) (int64, error) {
	var allocations []domain.UserCredit
	if err := tx.WithContext(ctx).
		Raw(`SELECT * FROM user_credits WHERE org_id = ? ORDER BY id FOR UPDATE`, org.ID).
		Scan(&allocations).Error; err != nil {
		return 0, err
	}

	var recovered int64
	for i := range allocations {
		uc := &allocations[i]
		if uc.Balance > 0 {
			amount := uc.Balance
			uc.Balance = 0
			org.Credits += amount
			recovered += amount

			if err := s.saveUserCreditBalance(ctx, tx, uc); err != nil {
				return 0, err
			}
			if err := s.saveOrganizationBalance(ctx, tx, org); err != nil {
				return 0, err
			}
			if _, err := s.appendUserTransaction(ctx, tx, uc, userTxn{
				amount:       -amount,
				txnType:      domain.TransactionTypeRecovery,
				description:  "credit mode switch to shared",
				actingUserID: actingUserID,
			}); err != nil {
				return 0, err
			}
			if _, err := s.appendOrgTransaction(ctx, tx, org, orgTxn{
				amount:       amount,
				txnType:      domain.TransactionTypeRecovery,
				description:  "credit mode switch to shared",
				actingUserID: actingUserID,
			}); err != nil {
				return 0, err
			}
		}
		if err := tx.WithContext(ctx).Delete(&domain.UserCredit{}, "id = ?", uc.ID).Error; err != nil {
			return 0, err
		}
	}
	return recovered, nil
}

func (s *Service) InitializeMemberOnJoin(ctx context.Context, req domain.MemberJoinRequest) (*domain.MemberInitResult, error) {
	var result *domain.MemberInitResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, err := s.lockOrganization(ctx, tx, req.OrgID)
		if err != nil {
			return err
		}
		if org.CreditMode != domain.CreditModeIndividual {
			return nil
		}
		if !org.AutoRefillEnabled || org.AutoRefillDefaultAmount == nil || *org.AutoRefillDefaultAmount <= 0 {
			return nil
		}

		if _, err := s.lockUserCredit(ctx, tx, req.OrgID, req.UserID); err == nil {
			// Allocation already exists; join hooks may fire redundantly.
			return nil
		} else if !errors.Is(err, domain.ErrUserCreditNotFound) {
			return err
		}

		target := *org.AutoRefillDefaultAmount
		now := s.clock.Now()
		uc := &domain.UserCredit{
			ID:                s.genID.Generate(),
			OrgID:             req.OrgID,
			UserID:            req.UserID,
			AutoRefillEnabled: true,
			AutoRefillAmount:  org.AutoRefillDefaultAmount,
			AutoRefillDay:     org.AutoRefillDefaultDay,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.WithContext(ctx).Create(uc).Error; err != nil {
			if pkgdb.IsDuplicateKeyErr(err) {
				return nil
			}
			return err
		}

		// Fund up to the target, or as far as the pool allows. A short pool
		// must not fail the join; the member just starts lower.
		initial := target
		if org.Credits < initial {
			initial = org.Credits
		}
		if initial > 0 {
			org.Credits -= initial
			uc.Balance = initial
			if err := s.saveOrganizationBalance(ctx, tx, org); err != nil {
				return err
			}
			if err := s.saveUserCreditBalance(ctx, tx, uc); err != nil {
				return err
			}
			if _, err := s.appendOrgTransaction(ctx, tx, org, orgTxn{
				amount:       -initial,
				txnType:      domain.TransactionTypeUsage,
				description:  "initial member allocation",
				actingUserID: req.ActingUserID,
			}); err != nil {
				return err
			}
			if _, err := s.appendUserTransaction(ctx, tx, uc, userTxn{
				amount:       initial,
				txnType:      domain.TransactionTypeDistribution,
				description:  "initial member allocation",
				actingUserID: req.ActingUserID,
			}); err != nil {
				return err
			}
		}

		result = &domain.MemberInitResult{
			UserCreditID:     uc.ID,
			InitialBalance:   uc.Balance,
			AutoRefillAmount: target,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) CleanupMemberOnLeave(ctx context.Context, req domain.MemberLeaveRequest) (*domain.MemberCleanupResult, error) {
	result := &domain.MemberCleanupResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, err := s.lockOrganization(ctx, tx, req.OrgID)
		if err != nil {
			return err
		}
		uc, err := s.lockUserCredit(ctx, tx, req.OrgID, req.UserID)
		if errors.Is(err, domain.ErrUserCreditNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		result.HadAutoRefill = uc.AutoRefillEnabled
		if uc.Balance > 0 {
			amount := uc.Balance
			uc.Balance = 0
			org.Credits += amount
			result.RecoveredAmount = amount

			if err := s.saveUserCreditBalance(ctx, tx, uc); err != nil {
				return err
			}
			if err := s.saveOrganizationBalance(ctx, tx, org); err != nil {
				return err
			}
			if _, err := s.appendUserTransaction(ctx, tx, uc, userTxn{
				amount:       -amount,
				txnType:      domain.TransactionTypeRecovery,
				description:  "member left organization",
				actingUserID: req.ActingUserID,
			}); err != nil {
				return err
			}
			if _, err := s.appendOrgTransaction(ctx, tx, org, orgTxn{
				amount:       amount,
				txnType:      domain.TransactionTypeRecovery,
				description:  "member left organization",
				actingUserID: req.ActingUserID,
			}); err != nil {
				return err
			}
		}

		return tx.WithContext(ctx).Delete(&domain.UserCredit{}, "id = ?", uc.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
