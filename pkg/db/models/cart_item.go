package models

import (
	"time"

	"github.com/google/uuid"
)

// CartItem is a line in an active cart.
type CartItem struct {
	ID       uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	CartID   uuid.UUID `gorm:"column:cart_id;type:uuid;not null;index"`
	SkuID    uuid.UUID `gorm:"column:sku_id;type:uuid;not null"`
	Quantity int       `gorm:"column:quantity;not null"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}
