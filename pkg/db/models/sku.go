package models

import (
	"time"

	"github.com/google/uuid"
)

// Sku carries the live, mutable stock state for a sellable variant.
// Inventory never goes below zero; a SKU is deactivated when it sells out
// and reactivated when stock is restored.
type Sku struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Title      string    `gorm:"column:title;not null"`
	Color      string    `gorm:"column:color"`
	Material   string    `gorm:"column:material"`
	Size       string    `gorm:"column:size"`
	PriceCents int64     `gorm:"column:price_cents;not null"`
	Inventory  int       `gorm:"column:inventory;not null;default:0"`
	IsActive   bool      `gorm:"column:is_active;not null;default:true"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
