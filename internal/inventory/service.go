package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/aveline-shop/aveline-backend/pkg/db/models"
	pkgerrors "github.com/aveline-shop/aveline-backend/pkg/errors"
)

// StockAdjustment pairs a SKU with the quantity being fulfilled or restored.
type StockAdjustment struct {
	SkuID    uuid.UUID
	Quantity int
}

// Service re-validates and adjusts SKU stock inside a fulfillment
// transaction. Every method takes the caller's tx so the adjustments commit
// or roll back with the order mutation they belong to.
type Service interface {
	ValidateItems(ctx context.Context, tx *gorm.DB, items []models.OrderItem) error
	DecrementStock(ctx context.Context, tx *gorm.DB, adjustments []StockAdjustment) error
	RestoreStock(ctx context.Context, tx *gorm.DB, adjustments []StockAdjustment) error
	DeactivateOutOfStock(ctx context.Context, tx *gorm.DB, skuIDs []uuid.UUID) error
	ReactivateRestocked(ctx context.Context, tx *gorm.DB, skuIDs []uuid.UUID) error
}

type service struct{}

// NewService builds the stock validation service.
func NewService() Service {
	return service{}
}

// ValidateItems checks every line item against live SKU state before any
// mutation happens. One stale item fails the whole batch: partial
// fulfillment is never allowed, the caller aborts and the gateway retries.
func (service) ValidateItems(ctx context.Context, tx *gorm.DB, items []models.OrderItem) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "transaction required for stock validation")
	}
	if len(items) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "order has no items to validate")
	}

	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.SkuID)
	}

	var skus []models.Sku
	if err := tx.WithContext(ctx).Where("id IN ?", ids).Find(&skus).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load skus for validation")
	}
	byID := make(map[uuid.UUID]models.Sku, len(skus))
	for _, sku := range skus {
		byID[sku.ID] = sku
	}

	var problems []string
	for _, item := range items {
		sku, ok := byID[item.SkuID]
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: sku missing", item.Title))
			continue
		}
		if !sku.IsActive {
			problems = append(problems, fmt.Sprintf("%s: sku inactive", item.Title))
			continue
		}
		if sku.Inventory < item.Quantity {
			problems = append(problems, fmt.Sprintf("%s: insufficient stock (%d available, %d requested)", item.Title, sku.Inventory, item.Quantity))
		}
	}
	if len(problems) > 0 {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "stock validation failed").
			WithDetails(map[string]any{"items": strings.Join(problems, "; ")})
	}
	return nil
}

func (service) DecrementStock(ctx context.Context, tx *gorm.DB, adjustments []StockAdjustment) error {
	return applyStockDelta(ctx, tx, adjustments, -1)
}

func (service) RestoreStock(ctx context.Context, tx *gorm.DB, adjustments []StockAdjustment) error {
	return applyStockDelta(ctx, tx, adjustments, +1)
}

// applyStockDelta issues one batched CASE update over every affected SKU.
// The decrement path predicates each row on sufficient inventory, so a
// short row simply does not match and the RowsAffected check fails the
// batch; the inventory >= 0 invariant holds even if validation raced a
// concurrent fulfillment.
func applyStockDelta(ctx context.Context, tx *gorm.DB, adjustments []StockAdjustment, sign int) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "transaction required for stock adjustment")
	}
	if len(adjustments) == 0 {
		return nil
	}

	var deltaCase, qtyCase strings.Builder
	deltaArgs := make([]any, 0, len(adjustments)*2)
	qtyArgs := make([]any, 0, len(adjustments)*2)
	ids := make([]any, 0, len(adjustments))
	deltaCase.WriteString("CASE id")
	qtyCase.WriteString("CASE id")
	for _, adj := range adjustments {
		if adj.Quantity <= 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "stock adjustment quantity must be positive")
		}
		deltaCase.WriteString(" WHEN ? THEN ?")
		deltaArgs = append(deltaArgs, adj.SkuID, sign*adj.Quantity)
		qtyCase.WriteString(" WHEN ? THEN ?")
		qtyArgs = append(qtyArgs, adj.SkuID, adj.Quantity)
		ids = append(ids, adj.SkuID)
	}
	deltaCase.WriteString(" ELSE 0 END")
	qtyCase.WriteString(" ELSE 0 END")

	query := fmt.Sprintf(
		"UPDATE skus SET inventory = inventory + %s, updated_at = CURRENT_TIMESTAMP WHERE id IN (%s)",
		deltaCase.String(),
		placeholders(len(ids)),
	)
	args := append(deltaArgs, ids...)
	if sign < 0 {
		query += fmt.Sprintf(" AND inventory >= %s", qtyCase.String())
		args = append(args, qtyArgs...)
	}

	res := tx.WithContext(ctx).Exec(query, args...)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "adjust sku stock")
	}
	if res.RowsAffected != int64(len(adjustments)) {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "stock adjustment rejected for one or more skus")
	}
	return nil
}

// DeactivateOutOfStock flips is_active off for every listed SKU whose
// inventory just reached zero, in a single statement.
func (service) DeactivateOutOfStock(ctx context.Context, tx *gorm.DB, skuIDs []uuid.UUID) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "transaction required")
	}
	if len(skuIDs) == 0 {
		return nil
	}
	err := tx.WithContext(ctx).
		Model(&models.Sku{}).
		Where("id IN ? AND inventory <= 0 AND is_active = ?", skuIDs, true).
		Update("is_active", false).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "deactivate out-of-stock skus")
	}
	return nil
}

// ReactivateRestocked flips is_active back on for SKUs that have stock again.
func (service) ReactivateRestocked(ctx context.Context, tx *gorm.DB, skuIDs []uuid.UUID) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "transaction required")
	}
	if len(skuIDs) == 0 {
		return nil
	}
	err := tx.WithContext(ctx).
		Model(&models.Sku{}).
		Where("id IN ? AND inventory > 0 AND is_active = ?", skuIDs, false).
		Update("is_active", true).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reactivate restocked skus")
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
