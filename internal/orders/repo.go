package orders

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aveline-shop/aveline-backend/internal/repo"
	"github.com/aveline-shop/aveline-backend/pkg/db/models"
)

// Repository exposes the order reads and writes used by the fulfillment
// pipeline. All mutations happen through Update maps so handlers decide the
// exact column set inside their transaction.
//
// The ForUpdate variants take a row lock on the order so two concurrent
// deliveries for the same order serialize at the load instead of both
// passing the payment-status guard. Postgres honors the lock; the sqlite
// driver used in tests drops the clause.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindBySessionID(ctx context.Context, sessionID string) (*models.Order, error)
	FindBySessionIDForUpdate(ctx context.Context, sessionID string) (*models.Order, error)
	FindByPaymentIntentID(ctx context.Context, paymentIntentID string) (*models.Order, error)
	FindByPaymentIntentIDForUpdate(ctx context.Context, paymentIntentID string) (*models.Order, error)
	Update(ctx context.Context, orderID uuid.UUID, updates map[string]any) error
}

type repository struct {
	repo.Base
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: repo.NewBase(tx)}
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return r.findOne(r.DB(ctx), "id = ?", id)
}

func (r *repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return r.findOne(r.locked(ctx), "id = ?", id)
}

func (r *repository) FindBySessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	return r.findOne(r.DB(ctx), "stripe_session_id = ?", sessionID)
}

func (r *repository) FindBySessionIDForUpdate(ctx context.Context, sessionID string) (*models.Order, error) {
	return r.findOne(r.locked(ctx), "stripe_session_id = ?", sessionID)
}

func (r *repository) FindByPaymentIntentID(ctx context.Context, paymentIntentID string) (*models.Order, error) {
	return r.findOne(r.DB(ctx), "payment_intent_id = ?", paymentIntentID)
}

func (r *repository) FindByPaymentIntentIDForUpdate(ctx context.Context, paymentIntentID string) (*models.Order, error) {
	return r.findOne(r.locked(ctx), "payment_intent_id = ?", paymentIntentID)
}

func (r *repository) Update(ctx context.Context, orderID uuid.UUID, updates map[string]any) error {
	return r.DB(ctx).
		Model(&models.Order{}).
		Where("id = ?", orderID).
		Updates(updates).Error
}

// locked applies FOR UPDATE to the order row only; the preloads run as
// separate unlocked queries.
func (r *repository) locked(ctx context.Context) *gorm.DB {
	return r.DB(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}

func (r *repository) findOne(db *gorm.DB, cond string, arg any) (*models.Order, error) {
	var order models.Order
	err := db.
		Preload("Items").
		Preload("Items.Sku").
		Where(cond, arg).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}
