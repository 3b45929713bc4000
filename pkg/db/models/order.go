package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/aveline-shop/aveline-backend/pkg/enums"
	"github.com/aveline-shop/aveline-backend/pkg/types"
)

// Order is the durable record of a checkout. It is created pending when the
// customer starts checkout and only ever mutated by the fulfillment, payment
// and refund handlers; orders are never deleted.
type Order struct {
	ID             uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	OrderNumber    string     `gorm:"column:order_number;not null;uniqueIndex"`
	UserID         *uuid.UUID `gorm:"column:user_id;type:uuid;index"`
	GuestSessionID *string    `gorm:"column:guest_session_id;index"`

	Currency      string `gorm:"column:currency;not null;default:'usd'"`
	SubtotalCents int64  `gorm:"column:subtotal_cents;not null"`
	DiscountCents int64  `gorm:"column:discount_cents;not null;default:0"`
	ShippingCents int64  `gorm:"column:shipping_cents;not null;default:0"`
	TaxCents      int64  `gorm:"column:tax_cents;not null;default:0"`
	TotalCents    int64  `gorm:"column:total_cents;not null"`

	PaymentStatus enums.PaymentStatus `gorm:"column:payment_status;not null;default:'pending'"`
	Status        enums.OrderStatus   `gorm:"column:status;not null;default:'pending'"`

	ShippingAddress *types.Address `gorm:"column:shipping_address;type:jsonb;serializer:json"`
	ShippingMethod  *string        `gorm:"column:shipping_method"`

	StripeSessionID  *string `gorm:"column:stripe_session_id;uniqueIndex"`
	PaymentIntentID  *string `gorm:"column:payment_intent_id;index"`
	StripeCustomerID *string `gorm:"column:stripe_customer_id"`

	DiscountCode *string `gorm:"column:discount_code"`

	FailureCode    *string `gorm:"column:failure_code"`
	FailureMessage *string `gorm:"column:failure_message"`

	PaidAt      *time.Time `gorm:"column:paid_at"`
	CancelledAt *time.Time `gorm:"column:cancelled_at"`

	Items []OrderItem `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
