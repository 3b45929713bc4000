package discounts

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/aveline-shop/aveline-backend/internal/repo"
	"github.com/aveline-shop/aveline-backend/pkg/db/models"
)

// Repository releases discount usage counters when a pending order expires.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	ReleaseForOrder(ctx context.Context, orderID uuid.UUID) (int64, error)
	CountForOrder(ctx context.Context, orderID uuid.UUID) (int64, error)
}

type repository struct {
	repo.Base
}

// NewRepository builds a discount usage repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: repo.NewBase(tx)}
}

// ReleaseForOrder deletes the usage rows for the order and reports how many
// were removed. Callers run this inside the cancellation transaction so a
// replayed expiry event reads zero rows and cannot double-release.
func (r *repository) ReleaseForOrder(ctx context.Context, orderID uuid.UUID) (int64, error) {
	res := r.DB(ctx).
		Where("order_id = ?", orderID).
		Delete(&models.DiscountUsage{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repository) CountForOrder(ctx context.Context, orderID uuid.UUID) (int64, error) {
	var count int64
	err := r.DB(ctx).
		Model(&models.DiscountUsage{}).
		Where("order_id = ?", orderID).
		Count(&count).Error
	return count, err
}
