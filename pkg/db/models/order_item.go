package models

import (
	"time"

	"github.com/google/uuid"
)

// OrderItem is the immutable snapshot of a purchased SKU. Title, variant
// attributes and price are frozen at checkout; SkuID stays live so stock can
// be re-validated and adjusted at fulfillment time.
type OrderItem struct {
	ID      uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	OrderID uuid.UUID `gorm:"column:order_id;type:uuid;not null;index"`
	SkuID   uuid.UUID `gorm:"column:sku_id;type:uuid;not null;index"`

	Title          string `gorm:"column:title;not null"`
	Color          string `gorm:"column:color"`
	Material       string `gorm:"column:material"`
	Size           string `gorm:"column:size"`
	Quantity       int    `gorm:"column:quantity;not null"`
	UnitPriceCents int64  `gorm:"column:unit_price_cents;not null"`

	Sku *Sku `gorm:"foreignKey:SkuID"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}
