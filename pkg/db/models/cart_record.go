package models

import (
	"time"

	"github.com/google/uuid"
)

// CartRecord is the ephemeral cart for a registered user or guest session.
// It is cleared, not archived, the moment its order is paid.
type CartRecord struct {
	ID             uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	UserID         *uuid.UUID `gorm:"column:user_id;type:uuid;index"`
	GuestSessionID *string    `gorm:"column:guest_session_id;index"`

	Items []CartItem `gorm:"foreignKey:CartID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
