package disputes

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aveline-shop/aveline-backend/internal/repo"
	"github.com/aveline-shop/aveline-backend/pkg/db/models"
)

// Repository persists Dispute rows keyed by the gateway's dispute id.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByStripeID(ctx context.Context, stripeDisputeID string) (*models.Dispute, error)
	Upsert(ctx context.Context, dispute *models.Dispute) error
	Update(ctx context.Context, id uuid.UUID, updates map[string]any) error
}

type repository struct {
	repo.Base
}

// NewRepository builds a disputes repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: repo.NewBase(tx)}
}

func (r *repository) FindByStripeID(ctx context.Context, stripeDisputeID string) (*models.Dispute, error) {
	var dispute models.Dispute
	err := r.DB(ctx).
		Where("stripe_dispute_id = ?", stripeDisputeID).
		First(&dispute).Error
	if err != nil {
		return nil, err
	}
	return &dispute, nil
}

// Upsert inserts the dispute or, when the gateway dispute id already exists,
// refreshes its mutable fields. Duplicate delivery of the same event lands on
// one row.
func (r *repository) Upsert(ctx context.Context, dispute *models.Dispute) error {
	return r.DB(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "stripe_dispute_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"amount_cents", "currency", "reason", "status", "evidence_due_at", "updated_at",
			}),
		}).
		Create(dispute).Error
}

func (r *repository) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return r.DB(ctx).
		Model(&models.Dispute{}).
		Where("id = ?", id).
		Updates(updates).Error
}
