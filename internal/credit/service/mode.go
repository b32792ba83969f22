package service

import (
	"context"
	"errors"

	"github.com/voxlane/voxlane/internal/credit/domain"
	"gorm.io/gorm"
)

// usageAccount is the per-mode strategy for usage billing. Adding a credit
// mode means adding one implementation, not another mode switch.
type usageAccount interface {
	// balance reads the subject's spendable balance. Missing member
	// allocations read as zero.
	balance(ctx context.Context, tx *gorm.DB, subject domain.BalanceSubject) (int64, error)
	// deduct re-checks and debits the subject under row locks held by tx.
	deduct(ctx context.Context, tx *gorm.DB, org *domain.Organization, req domain.DeductForUsageRequest) (*domain.TransactionRecord, error)
}

func (s *Service) accountFor(mode domain.CreditMode) usageAccount {
	if mode == domain.CreditModeIndividual {
		return individualAllocation{svc: s}
	}
	return sharedPool{svc: s}
}

type sharedPool struct{ svc *Service }

func (a sharedPool) balance(ctx context.Context, tx *gorm.DB, subject domain.BalanceSubject) (int64, error) {
	var org domain.Organization
	err := tx.WithContext(ctx).First(&org, "id = ?", subject.OrgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, domain.ErrOrganizationNotFound
	}
	if err != nil {
		return 0, err
	}
	return org.Credits, nil
}

func (a sharedPool) deduct(ctx context.Context, tx *gorm.DB, org *domain.Organization, req domain.DeductForUsageRequest) (*domain.TransactionRecord, error) {
	if org.Credits < req.Amount {
		return nil, domain.ErrInsufficientBalance
	}
	org.Credits -= req.Amount
	if err := a.svc.saveOrganizationBalance(ctx, tx, org); err != nil {
		return nil, err
	}
	row, err := a.svc.appendOrgTransaction(ctx, tx, org, orgTxn{
		amount:       -req.Amount,
		txnType:      domain.TransactionTypeUsage,
		description:  req.Description,
		usageRef:     req.UsageRef,
		actingUserID: &req.Subject.UserID,
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

type individualAllocation struct{ svc *Service }

func (a individualAllocation) balance(ctx context.Context, tx *gorm.DB, subject domain.BalanceSubject) (int64, error) {
	var uc domain.UserCredit
	err := tx.WithContext(ctx).First(&uc, "org_id = ? AND user_id = ?", subject.OrgID, subject.UserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uc.Balance, nil
}

func (a individualAllocation) deduct(ctx context.Context, tx *gorm.DB, org *domain.Organization, req domain.DeductForUsageRequest) (*domain.TransactionRecord, error) {
	uc, err := a.svc.lockUserCredit(ctx, tx, req.Subject.OrgID, req.Subject.UserID)
	if errors.Is(err, domain.ErrUserCreditNotFound) {
		// No allocation yet means a zero balance for this member.
		return nil, domain.ErrInsufficientBalance
	}
	if err != nil {
		return nil, err
	}
	if uc.Balance < req.Amount {
		return nil, domain.ErrInsufficientBalance
	}
	uc.Balance -= req.Amount
	if err := a.svc.saveUserCreditBalance(ctx, tx, uc); err != nil {
		return nil, err
	}
	row, err := a.svc.appendUserTransaction(ctx, tx, uc, userTxn{
		amount:       -req.Amount,
		txnType:      domain.TransactionTypeUsage,
		description:  req.Description,
		usageRef:     req.UsageRef,
		actingUserID: &req.Subject.UserID,
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}
