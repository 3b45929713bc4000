package refunds

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aveline-shop/aveline-backend/internal/repo"
	"github.com/aveline-shop/aveline-backend/pkg/db/models"
	"github.com/aveline-shop/aveline-backend/pkg/enums"
)

// Repository persists Refund rows and their append-only history.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByID(ctx context.Context, id uuid.UUID) (*models.Refund, error)
	FindByStripeID(ctx context.Context, stripeRefundID string) (*models.Refund, error)
	CreateIfAbsent(ctx context.Context, refund *models.Refund) (bool, error)
	Update(ctx context.Context, id uuid.UUID, updates map[string]any) error
	AppendHistory(ctx context.Context, entry *models.RefundHistory) error
	SumCompletedByOrder(ctx context.Context, orderID uuid.UUID) (int64, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Refund, error)
}

type repository struct {
	repo.Base
}

// NewRepository builds a refunds repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: repo.NewBase(tx)}
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Refund, error) {
	var refund models.Refund
	err := r.DB(ctx).
		Where("id = ?", id).
		First(&refund).Error
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

func (r *repository) FindByStripeID(ctx context.Context, stripeRefundID string) (*models.Refund, error) {
	var refund models.Refund
	err := r.DB(ctx).
		Where("stripe_refund_id = ?", stripeRefundID).
		First(&refund).Error
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

// CreateIfAbsent inserts the refund unless a row with the same gateway
// refund id already exists. Replayed events therefore land on the existing
// row. Reports whether an insert actually happened.
func (r *repository) CreateIfAbsent(ctx context.Context, refund *models.Refund) (bool, error) {
	res := r.DB(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stripe_refund_id"}},
			DoNothing: true,
		}).
		Create(refund)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return r.DB(ctx).
		Model(&models.Refund{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repository) AppendHistory(ctx context.Context, entry *models.RefundHistory) error {
	return r.DB(ctx).Create(entry).Error
}

func (r *repository) SumCompletedByOrder(ctx context.Context, orderID uuid.UUID) (int64, error) {
	var total int64
	err := r.DB(ctx).
		Model(&models.Refund{}).
		Where("order_id = ? AND status = ?", orderID, enums.RefundStatusCompleted).
		Select("COALESCE(SUM(amount_cents), 0)").
		Scan(&total).Error
	return total, err
}

func (r *repository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Refund, error) {
	var list []models.Refund
	err := r.DB(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&list).Error
	return list, err
}
