package stripewebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/aveline-shop/aveline-backend/internal/cart"
	"github.com/aveline-shop/aveline-backend/internal/discounts"
	"github.com/aveline-shop/aveline-backend/internal/disputes"
	"github.com/aveline-shop/aveline-backend/internal/fulfillment"
	"github.com/aveline-shop/aveline-backend/internal/inventory"
	"github.com/aveline-shop/aveline-backend/internal/orders"
	"github.com/aveline-shop/aveline-backend/internal/refunds"
	"github.com/aveline-shop/aveline-backend/internal/tasks"
	"github.com/aveline-shop/aveline-backend/pkg/config"
	"github.com/aveline-shop/aveline-backend/pkg/db/models"
	"github.com/aveline-shop/aveline-backend/pkg/enums"
	"github.com/aveline-shop/aveline-backend/pkg/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&models.Sku{},
		&models.Order{},
		&models.OrderItem{},
		&models.CartRecord{},
		&models.CartItem{},
		&models.DiscountUsage{},
		&models.Refund{},
		&models.RefundHistory{},
		&models.Dispute{},
	))
	t.Cleanup(func() {
		sqlDB, err := conn.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})
	return conn
}

type testTxRunner struct {
	db *gorm.DB
}

func (r testTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.Transaction(fn)
}

func newDispatcher(t *testing.T, conn *gorm.DB) *Service {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	ordersRepo := orders.NewRepository(conn)
	shop := config.ShopConfig{BaseURL: "https://shop.test", AdminEmail: "ops@shop.test"}

	fulfillmentSvc, err := fulfillment.NewService(fulfillment.ServiceParams{
		TransactionRunner: testTxRunner{db: conn},
		OrdersRepo:        ordersRepo,
		Inventory:         inventory.NewService(),
		CartRepo:          cart.NewRepository(conn),
		DiscountsRepo:     discounts.NewRepository(conn),
		Logger:            logg,
		Shop:              shop,
	})
	require.NoError(t, err)

	refundsSvc, err := refunds.NewService(refunds.ServiceParams{
		TransactionRunner: testTxRunner{db: conn},
		OrdersRepo:        ordersRepo,
		RefundsRepo:       refunds.NewRepository(conn),
		Logger:            logg,
		Shop:              shop,
	})
	require.NoError(t, err)

	disputesSvc, err := disputes.NewService(disputes.ServiceParams{
		OrdersRepo:   ordersRepo,
		DisputesRepo: disputes.NewRepository(conn),
		Logger:       logg,
	})
	require.NoError(t, err)

	svc, err := NewService(ServiceParams{
		Fulfillment: fulfillmentSvc,
		Refunds:     refundsSvc,
		Disputes:    disputesSvc,
		Logger:      logg,
	})
	require.NoError(t, err)
	return svc
}

func seedOrder(t *testing.T, conn *gorm.DB) (*models.Order, *models.Sku) {
	t.Helper()
	sku := &models.Sku{
		ID:         uuid.New(),
		Title:      "Wool Scarf",
		PriceCents: 2500,
		Inventory:  3,
		IsActive:   true,
	}
	require.NoError(t, conn.Create(sku).Error)

	intentID := "pi_" + uuid.NewString()
	order := &models.Order{
		ID:              uuid.New(),
		OrderNumber:     "AV-" + uuid.NewString()[:8],
		SubtotalCents:   5000,
		TotalCents:      5000,
		PaymentStatus:   enums.PaymentStatusPending,
		Status:          enums.OrderStatusPending,
		PaymentIntentID: &intentID,
	}
	require.NoError(t, conn.Create(order).Error)
	require.NoError(t, conn.Create(&models.OrderItem{
		ID:             uuid.New(),
		OrderID:        order.ID,
		SkuID:          sku.ID,
		Title:          sku.Title,
		Quantity:       2,
		UnitPriceCents: sku.PriceCents,
	}).Error)
	return order, sku
}

func eventFor(t *testing.T, eventType string, payload any) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return stripe.Event{
		ID:   "evt_" + uuid.NewString(),
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: raw},
	}
}

func TestHandleEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown event type is acknowledged, not failed", func(t *testing.T) {
		conn := newTestDB(t)
		svc := newDispatcher(t, conn)

		res, err := svc.HandleEvent(ctx, eventFor(t, "customer.subscription.created", map[string]any{"id": "sub_1"}))
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		assert.False(t, res.Handled)
	})

	t.Run("payment_intent.succeeded is a deliberate no-op", func(t *testing.T) {
		conn := newTestDB(t)
		svc := newDispatcher(t, conn)

		res, err := svc.HandleEvent(ctx, eventFor(t, "payment_intent.succeeded", map[string]any{"id": "pi_1"}))
		require.NoError(t, err)
		assert.True(t, res.Handled)
		assert.Empty(t, res.Tasks)
	})

	t.Run("checkout completion settles the order", func(t *testing.T) {
		conn := newTestDB(t)
		order, sku := seedOrder(t, conn)
		svc := newDispatcher(t, conn)

		event := eventFor(t, "checkout.session.completed", map[string]any{
			"id":             "cs_1",
			"payment_status": "paid",
			"metadata":       map[string]string{"order_id": order.ID.String()},
			"payment_intent": map[string]any{"id": *order.PaymentIntentID},
		})

		res, err := svc.HandleEvent(ctx, event)
		require.NoError(t, err)
		assert.True(t, res.Handled)
		assert.NotEmpty(t, res.Tasks)

		var stored models.Sku
		require.NoError(t, conn.First(&stored, "id = ?", sku.ID).Error)
		assert.Equal(t, 1, stored.Inventory)
	})

	t.Run("checkout completion without an order reference errors for redelivery", func(t *testing.T) {
		conn := newTestDB(t)
		svc := newDispatcher(t, conn)

		event := eventFor(t, "checkout.session.completed", map[string]any{
			"id":             "cs_no_ref",
			"payment_status": "paid",
		})

		_, err := svc.HandleEvent(ctx, event)
		require.Error(t, err)
	})

	t.Run("charge.refunded routes to reconciliation", func(t *testing.T) {
		conn := newTestDB(t)
		order, _ := seedOrder(t, conn)
		require.NoError(t, conn.Model(&models.Order{}).
			Where("id = ?", order.ID).
			Update("payment_status", enums.PaymentStatusPaid).Error)
		svc := newDispatcher(t, conn)

		event := eventFor(t, "charge.refunded", map[string]any{
			"id":             "ch_1",
			"payment_intent": map[string]any{"id": *order.PaymentIntentID},
			"refunds": map[string]any{
				"data": []map[string]any{{
					"id":     "re_1",
					"amount": 5000,
					"status": "succeeded",
				}},
			},
		})

		res, err := svc.HandleEvent(ctx, event)
		require.NoError(t, err)
		assert.True(t, res.Handled)

		var stored models.Order
		require.NoError(t, conn.First(&stored, "id = ?", order.ID).Error)
		assert.Equal(t, enums.PaymentStatusRefunded, stored.PaymentStatus)
	})

	t.Run("dispute created routes to the dispute service", func(t *testing.T) {
		conn := newTestDB(t)
		order, _ := seedOrder(t, conn)
		svc := newDispatcher(t, conn)

		event := eventFor(t, "charge.dispute.created", map[string]any{
			"id":             "dp_1",
			"amount":         5000,
			"status":         "needs_response",
			"payment_intent": map[string]any{"id": *order.PaymentIntentID},
		})

		res, err := svc.HandleEvent(ctx, event)
		require.NoError(t, err)
		assert.True(t, res.Handled)
		require.Len(t, res.Tasks, 1)
		assert.Equal(t, tasks.KindAdminDisputeAlert, res.Tasks[0].Kind)
	})

	t.Run("malformed payload is a validation error", func(t *testing.T) {
		conn := newTestDB(t)
		svc := newDispatcher(t, conn)

		event := stripe.Event{
			ID:   "evt_bad",
			Type: "checkout.session.completed",
			Data: &stripe.EventData{Raw: []byte(`{"payment_status": 42}`)},
		}
		_, err := svc.HandleEvent(ctx, event)
		require.Error(t, err)
	})
}
