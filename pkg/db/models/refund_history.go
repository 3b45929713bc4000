package models

import (
	"time"

	"github.com/google/uuid"
)

// RefundHistory is the append-only audit trail of refund status changes.
// Rows are only ever inserted, one per transition.
type RefundHistory struct {
	ID       uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	RefundID uuid.UUID `gorm:"column:refund_id;type:uuid;not null;index"`
	Action   string    `gorm:"column:action;not null"`
	Note     *string   `gorm:"column:note"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}
