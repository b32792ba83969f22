package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/voxlane/voxlane/internal/credit/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Row locks are always taken reseller -> organization -> user so concurrent
// transfers cannot deadlock on lock order.

func (s *Service) lockReseller(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Reseller, error) {
	var reseller domain.Reseller
	err := tx.WithContext(ctx).
		Raw(`SELECT * FROM resellers WHERE id = ? FOR UPDATE`, id).
		Scan(&reseller).Error
	if err != nil {
		return nil, err
	}
	if reseller.ID == 0 {
		return nil, domain.ErrResellerNotFound
	}
	return &reseller, nil
}

func (s *Service) lockOrganization(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Organization, error) {
	var org domain.Organization
	err := tx.WithContext(ctx).
		Raw(`SELECT * FROM organizations WHERE id = ? FOR UPDATE`, id).
		Scan(&org).Error
	if err != nil {
		return nil, err
	}
	if org.ID == 0 {
		return nil, domain.ErrOrganizationNotFound
	}
	return &org, nil
}

func (s *Service) lockUserCredit(ctx context.Context, tx *gorm.DB, orgID, userID snowflake.ID) (*domain.UserCredit, error) {
	var uc domain.UserCredit
	err := tx.WithContext(ctx).
		Raw(`SELECT * FROM user_credits WHERE org_id = ? AND user_id = ? FOR UPDATE`, orgID, userID).
		Scan(&uc).Error
	if err != nil {
		return nil, err
	}
	if uc.ID == 0 {
		return nil, domain.ErrUserCreditNotFound
	}
	return &uc, nil
}

func (s *Service) isMember(ctx context.Context, tx *gorm.DB, orgID, userID snowflake.ID) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).
		Raw(`SELECT COUNT(1) FROM organization_members WHERE org_id = ? AND user_id = ?`, orgID, userID).
		Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Service) createUserCredit(ctx context.Context, tx *gorm.DB, orgID, userID snowflake.ID) (*domain.UserCredit, error) {
	now := s.clock.Now()
	uc := &domain.UserCredit{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(uc).Error; err != nil {
		return nil, err
	}
	return uc, nil
}

func (s *Service) saveResellerBalance(ctx context.Context, tx *gorm.DB, reseller *domain.Reseller) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE resellers SET credit_balance = ?, updated_at = ? WHERE id = ?`,
		reseller.CreditBalance, s.clock.Now(), reseller.ID,
	).Error
}

func (s *Service) saveOrganizationBalance(ctx context.Context, tx *gorm.DB, org *domain.Organization) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE organizations SET credits = ?, updated_at = ? WHERE id = ?`,
		org.Credits, s.clock.Now(), org.ID,
	).Error
}

func (s *Service) saveOrganizationMode(ctx context.Context, tx *gorm.DB, org *domain.Organization) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE organizations SET credit_mode = ?, auto_refill_enabled = ?, updated_at = ? WHERE id = ?`,
		org.CreditMode, org.AutoRefillEnabled, s.clock.Now(), org.ID,
	).Error
}

func (s *Service) saveUserCreditBalance(ctx context.Context, tx *gorm.DB, uc *domain.UserCredit) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE user_credits SET balance = ?, updated_at = ? WHERE id = ?`,
		uc.Balance, s.clock.Now(), uc.ID,
	).Error
}

type orgTxn struct {
	amount       int64
	txnType      domain.TransactionType
	description  string
	usageRef     *string
	actingUserID *snowflake.ID
	metadata     datatypes.JSONMap
}

type userTxn = orgTxn

type resellerTxn struct {
	amount       int64
	txnType      domain.TransactionType
	description  string
	actingUserID *snowflake.ID
	metadata     datatypes.JSONMap
}

func (s *Service) appendOrgTransaction(ctx context.Context, tx *gorm.DB, org *domain.Organization, t orgTxn) (*domain.TransactionRecord, error) {
	row := &domain.CreditTransaction{
		ID:           s.genID.Generate(),
		OrgID:        org.ID,
		Amount:       t.amount,
		BalanceAfter: org.Credits,
		Type:         t.txnType,
		Description:  t.description,
		UsageRef:     t.usageRef,
		ActingUserID: t.actingUserID,
		Metadata:     t.metadata,
		CreatedAt:    s.clock.Now(),
	}
	if err := tx.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return recordOf(row.ID, row.Amount, row.BalanceAfter, row.Type), nil
}

func (s *Service) appendUserTransaction(ctx context.Context, tx *gorm.DB, uc *domain.UserCredit, t userTxn) (*domain.TransactionRecord, error) {
	row := &domain.UserCreditTransaction{
		ID:           s.genID.Generate(),
		UserCreditID: uc.ID,
		OrgID:        uc.OrgID,
		UserID:       uc.UserID,
		Amount:       t.amount,
		BalanceAfter: uc.Balance,
		Type:         t.txnType,
		Description:  t.description,
		UsageRef:     t.usageRef,
		ActingUserID: t.actingUserID,
		Metadata:     t.metadata,
		CreatedAt:    s.clock.Now(),
	}
	if err := tx.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return recordOf(row.ID, row.Amount, row.BalanceAfter, row.Type), nil
}

func (s *Service) appendResellerTransaction(ctx context.Context, tx *gorm.DB, reseller *domain.Reseller, t resellerTxn) (*domain.TransactionRecord, error) {
	row := &domain.ResellerTransaction{
		ID:           s.genID.Generate(),
		ResellerID:   reseller.ID,
		Amount:       t.amount,
		BalanceAfter: reseller.CreditBalance,
		Type:         t.txnType,
		Description:  t.description,
		ActingUserID: t.actingUserID,
		Metadata:     t.metadata,
		CreatedAt:    s.clock.Now(),
	}
	if err := tx.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return recordOf(row.ID, row.Amount, row.BalanceAfter, row.Type), nil
}

func recordOf(id snowflake.ID, amount, after int64, t domain.TransactionType) *domain.TransactionRecord {
	return &domain.TransactionRecord{ID: id, Amount: amount, BalanceAfter: after, Type: t}
}
