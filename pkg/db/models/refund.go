package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/aveline-shop/aveline-backend/pkg/enums"
)

// Refund tracks one refund against an order. StripeRefundID is unique so
// replayed gateway events upsert instead of inserting twice. The sum of
// completed refund amounts for an order never exceeds the order total.
type Refund struct {
	ID      uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	OrderID uuid.UUID `gorm:"column:order_id;type:uuid;not null;index"`

	AmountCents int64              `gorm:"column:amount_cents;not null"`
	Currency    string             `gorm:"column:currency;not null;default:'usd'"`
	Status      enums.RefundStatus `gorm:"column:status;not null;default:'pending'"`

	StripeRefundID *string `gorm:"column:stripe_refund_id;uniqueIndex"`
	Reason         *string `gorm:"column:reason"`
	FailureReason  *string `gorm:"column:failure_reason"`

	// ExternalOrigin marks refunds initiated directly on the gateway
	// console rather than from inside this system.
	ExternalOrigin bool `gorm:"column:external_origin;not null;default:false"`

	ProcessedAt *time.Time `gorm:"column:processed_at"`

	History []RefundHistory `gorm:"foreignKey:RefundID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
