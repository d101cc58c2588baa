package billing

import (
	"context"
	"time"

	"github.com/ManuelReschke/PayRecon/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides the DB operations used by the reconciliation engine.
// Lookups return gorm.ErrRecordNotFound when nothing matches.
type Repository interface {
	// Transaction runs fn against a repository bound to one DB transaction.
	Transaction(ctx context.Context, fn func(repo Repository) error) error

	LockUser(userID uint) (*models.User, error)
	GetUser(userID uint) (*models.User, error)
	UpdateUserPlan(userID uint, planType string, expiresAt *time.Time) error
	SetUserStatus(userID uint, status string) error
	AddCredits(userID uint, amount int64) error
	SubtractCreditsClamped(userID uint, amount int64) error

	FindPlan(planID string) (*models.Plan, error)
	FindPlanByGatewayRef(gateway, ref string) (*models.Plan, error)
	FindCreditPackage(packageID string) (*models.CreditPackage, error)

	ClaimTransaction(txn *models.PaymentTransaction) (bool, error)
	FindTransaction(gateway, gatewayTransactionID string) (*models.PaymentTransaction, error)
	FindTransactionByID(id uint) (*models.PaymentTransaction, error)
	UpdateTransactionStatus(id uint, status string) error
	RekeyTransaction(id uint, gatewayTransactionID, gatewayOrderID string, amount int64) error
	ListTransactionsByUser(userID uint, limit int) ([]models.PaymentTransaction, error)

	GetSubscriptionByUser(userID uint) (*models.Subscription, error)
	FindSubscriptionByGatewayID(gateway, gatewaySubscriptionID string) (*models.Subscription, error)
	SaveSubscription(sub *models.Subscription) error

	ClaimRefund(refund *models.Refund) (bool, error)
	FindRefundByTransaction(transactionID uint) (*models.Refund, error)

	AppendAudit(entry *models.AuditEntry) error
	ListAudit(filter AuditFilter) ([]models.AuditEntry, error)

	UpsertRetryRecord(rec *models.WebhookRetryRecord) error
	GetRetryRecord(id uint) (*models.WebhookRetryRecord, error)
	FindRetryRecord(gateway, externalEventID string) (*models.WebhookRetryRecord, error)
	ListDueRetryRecords(now time.Time, limit int) ([]models.WebhookRetryRecord, error)
	ListRetryRecords(deadLettered bool, limit int) ([]models.WebhookRetryRecord, error)
	SaveRetryRecord(rec *models.WebhookRetryRecord) error
	DeleteRetryRecord(id uint) error
}

// AuditFilter narrows ListAudit. Zero values match everything.
type AuditFilter struct {
	UserID        uint
	TransactionID uint
	Action        string
	Limit         int
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(repo Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) LockUser(userID uint) (*models.User, error) {
	var u models.User
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", userID).
		First(&u).Error
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) GetUser(userID uint) (*models.User, error) {
	var u models.User
	if err := r.db.Where("id = ?", userID).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) UpdateUserPlan(userID uint, planType string, expiresAt *time.Time) error {
	return r.updateUser(userID, map[string]interface{}{
		"plan_type":       planType,
		"plan_expires_at": expiresAt,
	})
}

func (r *gormRepository) SetUserStatus(userID uint, status string) error {
	return r.updateUser(userID, map[string]interface{}{"status": status})
}

func (r *gormRepository) AddCredits(userID uint, amount int64) error {
	return r.updateUser(userID, map[string]interface{}{
		"credits": gorm.Expr("credits + ?", amount),
	})
}

// SubtractCreditsClamped lowers the balance by amount but never below zero,
// in a single statement.
func (r *gormRepository) SubtractCreditsClamped(userID uint, amount int64) error {
	return r.updateUser(userID, map[string]interface{}{
		"credits": gorm.Expr("CASE WHEN credits > ? THEN credits - ? ELSE 0 END", amount, amount),
	})
}

func (r *gormRepository) updateUser(userID uint, updates map[string]interface{}) error {
	tx := r.db.Model(&models.User{}).Where("id = ?", userID).UpdateColumns(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		// MySQL reports 0 for unchanged rows, so confirm the user exists.
		var count int64
		if err := r.db.Model(&models.User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return gorm.ErrRecordNotFound
		}
	}
	return nil
}

func (r *gormRepository) FindPlan(planID string) (*models.Plan, error) {
	var p models.Plan
	if err := r.db.Where("id = ? AND is_active = ?", planID, true).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) FindPlanByGatewayRef(gateway, ref string) (*models.Plan, error) {
	var p models.Plan
	column := "razorpay_plan_id"
	if gateway == models.GatewayStripe {
		column = "stripe_price_id"
	}
	if err := r.db.Where(column+" = ? AND is_active = ?", ref, true).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) FindCreditPackage(packageID string) (*models.CreditPackage, error) {
	var p models.CreditPackage
	if err := r.db.Where("id = ? AND is_active = ?", packageID, true).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// ClaimTransaction inserts txn unless (gateway, gateway_transaction_id) exists.
// It reports false when another delivery already claimed the key; the unique
// index decides, so concurrent duplicates cannot both win.
func (r *gormRepository) ClaimTransaction(txn *models.PaymentTransaction) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "gateway"},
			{Name: "gateway_transaction_id"},
		},
		DoNothing: true,
	}).Create(txn)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) FindTransaction(gateway, gatewayTransactionID string) (*models.PaymentTransaction, error) {
	var t models.PaymentTransaction
	err := r.db.Where("gateway = ? AND gateway_transaction_id = ?", gateway, gatewayTransactionID).First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *gormRepository) FindTransactionByID(id uint) (*models.PaymentTransaction, error) {
	var t models.PaymentTransaction
	if err := r.db.Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *gormRepository) UpdateTransactionStatus(id uint, status string) error {
	return r.db.Model(&models.PaymentTransaction{}).Where("id = ?", id).Update("status", status).Error
}

// RekeyTransaction moves a transaction onto another gateway id. The unique
// index rejects an id that is already taken.
func (r *gormRepository) RekeyTransaction(id uint, gatewayTransactionID, gatewayOrderID string, amount int64) error {
	updates := map[string]interface{}{
		"gateway_transaction_id": gatewayTransactionID,
		"amount":                 amount,
	}
	if gatewayOrderID != "" {
		updates["gateway_order_id"] = gatewayOrderID
	}
	return r.db.Model(&models.PaymentTransaction{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) ListTransactionsByUser(userID uint, limit int) ([]models.PaymentTransaction, error) {
	var txns []models.PaymentTransaction
	err := r.db.Where("user_id = ?", userID).Order("id DESC").Limit(normalizeLimit(limit)).Find(&txns).Error
	return txns, err
}

func (r *gormRepository) GetSubscriptionByUser(userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.Where("user_id = ?", userID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) FindSubscriptionByGatewayID(gateway, gatewaySubscriptionID string) (*models.Subscription, error) {
	column := models.SubscriptionColumn(gateway)
	if column == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var sub models.Subscription
	if err := r.db.Where(column+" = ?", gatewaySubscriptionID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) SaveSubscription(sub *models.Subscription) error {
	return r.db.Save(sub).Error
}

// ClaimRefund inserts refund unless its transaction already has one.
func (r *gormRepository) ClaimRefund(refund *models.Refund) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transaction_id"}},
		DoNothing: true,
	}).Create(refund)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) FindRefundByTransaction(transactionID uint) (*models.Refund, error) {
	var refund models.Refund
	if err := r.db.Where("transaction_id = ?", transactionID).First(&refund).Error; err != nil {
		return nil, err
	}
	return &refund, nil
}

func (r *gormRepository) AppendAudit(entry *models.AuditEntry) error {
	return r.db.Create(entry).Error
}

func (r *gormRepository) ListAudit(filter AuditFilter) ([]models.AuditEntry, error) {
	q := r.db.Model(&models.AuditEntry{})
	if filter.UserID != 0 {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.TransactionID != 0 {
		q = q.Where("transaction_id = ?", filter.TransactionID)
	}
	if filter.Action != "" {
		q = q.Where("action = ?", filter.Action)
	}
	var entries []models.AuditEntry
	err := q.Order("id DESC").Limit(normalizeLimit(filter.Limit)).Find(&entries).Error
	return entries, err
}

// UpsertRetryRecord stores a failed delivery. A repeated failure of the same
// event refreshes payload and error but keeps its schedule and expiry.
func (r *gormRepository) UpsertRetryRecord(rec *models.WebhookRetryRecord) error {
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "gateway"},
			{Name: "external_event_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"event_type",
			"raw_payload",
			"last_error",
			"updated_at",
		}),
	}).Create(rec).Error
}

func (r *gormRepository) GetRetryRecord(id uint) (*models.WebhookRetryRecord, error) {
	var rec models.WebhookRetryRecord
	if err := r.db.Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *gormRepository) FindRetryRecord(gateway, externalEventID string) (*models.WebhookRetryRecord, error) {
	var rec models.WebhookRetryRecord
	err := r.db.Where("gateway = ? AND external_event_id = ?", gateway, externalEventID).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *gormRepository) ListDueRetryRecords(now time.Time, limit int) ([]models.WebhookRetryRecord, error) {
	var recs []models.WebhookRetryRecord
	err := r.db.Where("dead_lettered_at IS NULL AND next_attempt_at <= ?", now).
		Order("next_attempt_at ASC").
		Limit(normalizeLimit(limit)).
		Find(&recs).Error
	return recs, err
}

func (r *gormRepository) ListRetryRecords(deadLettered bool, limit int) ([]models.WebhookRetryRecord, error) {
	q := r.db.Model(&models.WebhookRetryRecord{})
	if deadLettered {
		q = q.Where("dead_lettered_at IS NOT NULL")
	} else {
		q = q.Where("dead_lettered_at IS NULL")
	}
	var recs []models.WebhookRetryRecord
	err := q.Order("id ASC").Limit(normalizeLimit(limit)).Find(&recs).Error
	return recs, err
}

func (r *gormRepository) SaveRetryRecord(rec *models.WebhookRetryRecord) error {
	return r.db.Save(rec).Error
}

func (r *gormRepository) DeleteRetryRecord(id uint) error {
	return r.db.Delete(&models.WebhookRetryRecord{}, id).Error
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
