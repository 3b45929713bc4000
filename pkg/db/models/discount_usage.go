package models

import (
	"time"

	"github.com/google/uuid"
)

// DiscountUsage pins one use of a discount code to an order. Rows are
// deleted (the use released) only when the order expires while still
// pending; a paid order keeps its usage forever.
type DiscountUsage struct {
	ID           uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	OrderID      uuid.UUID `gorm:"column:order_id;type:uuid;not null;index"`
	DiscountCode string    `gorm:"column:discount_code;not null;index"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}
