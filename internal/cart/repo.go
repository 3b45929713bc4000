package cart

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/aveline-shop/aveline-backend/internal/repo"
	"github.com/aveline-shop/aveline-backend/pkg/db/models"
)

// Repository clears the ephemeral cart once an order is paid. Carts are
// deleted, not archived.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	ClearForUser(ctx context.Context, userID uuid.UUID) error
	ClearForGuestSession(ctx context.Context, guestSessionID string) error
}

type repository struct {
	repo.Base
}

// NewRepository builds a cart repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: repo.NewBase(tx)}
}

func (r *repository) ClearForUser(ctx context.Context, userID uuid.UUID) error {
	return r.clear(ctx, "user_id = ?", userID)
}

func (r *repository) ClearForGuestSession(ctx context.Context, guestSessionID string) error {
	return r.clear(ctx, "guest_session_id = ?", guestSessionID)
}

func (r *repository) clear(ctx context.Context, cond string, arg any) error {
	var carts []models.CartRecord
	if err := r.DB(ctx).Where(cond, arg).Find(&carts).Error; err != nil {
		return err
	}
	if len(carts) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(carts))
	for _, c := range carts {
		ids = append(ids, c.ID)
	}
	if err := r.DB(ctx).Where("cart_id IN ?", ids).Delete(&models.CartItem{}).Error; err != nil {
		return err
	}
	return r.DB(ctx).Where("id IN ?", ids).Delete(&models.CartRecord{}).Error
}
