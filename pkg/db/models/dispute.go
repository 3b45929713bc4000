package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/aveline-shop/aveline-backend/pkg/enums"
)

// Dispute mirrors a gateway chargeback. StripeDisputeID is unique, so
// duplicate delivery of the same dispute event lands on one row.
type Dispute struct {
	ID              uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	StripeDisputeID string    `gorm:"column:stripe_dispute_id;not null;uniqueIndex"`
	OrderID         uuid.UUID `gorm:"column:order_id;type:uuid;not null;index"`

	AmountCents int64               `gorm:"column:amount_cents;not null"`
	Currency    string              `gorm:"column:currency;not null;default:'usd'"`
	Reason      *string             `gorm:"column:reason"`
	Status      enums.DisputeStatus `gorm:"column:status;not null;default:'needs_response'"`

	EvidenceDueAt *time.Time `gorm:"column:evidence_due_at"`
	ResolvedAt    *time.Time `gorm:"column:resolved_at"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
