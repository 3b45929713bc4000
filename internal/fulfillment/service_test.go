package fulfillment

import (
	"context"
	"errors"
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
	"github.com/aveline-shop/aveline-backend/internal/inventory"
	"github.com/aveline-shop/aveline-backend/internal/orders"
	"github.com/aveline-shop/aveline-backend/internal/tasks"
	"github.com/aveline-shop/aveline-backend/pkg/config"
	"github.com/aveline-shop/aveline-backend/pkg/db/models"
	"github.com/aveline-shop/aveline-backend/pkg/enums"
	pkgerrors "github.com/aveline-shop/aveline-backend/pkg/errors"
	"github.com/aveline-shop/aveline-backend/pkg/logger"
	pkgstripe "github.com/aveline-shop/aveline-backend/pkg/stripe"
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
	))
	t.Cleanup(func() {
		sqlDB, err := conn.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})
	return conn
}

func newTestLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

type testTxRunner struct {
	db *gorm.DB
}

func (r testTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.Transaction(fn)
}

type stubGateway struct {
	refundCalls []pkgstripe.RefundRequest
	refundErr   error
	session     *stripe.CheckoutSession
	sessionErr  error
}

func (g *stubGateway) RetrieveSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	if g.sessionErr != nil {
		return nil, g.sessionErr
	}
	return g.session, nil
}

func (g *stubGateway) CreateRefund(ctx context.Context, req pkgstripe.RefundRequest) (*stripe.Refund, error) {
	g.refundCalls = append(g.refundCalls, req)
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &stripe.Refund{ID: "re_test"}, nil
}

func newTestService(t *testing.T, conn *gorm.DB, gateway pkgstripe.Gateway) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		TransactionRunner: testTxRunner{db: conn},
		OrdersRepo:        orders.NewRepository(conn),
		Inventory:         inventory.NewService(),
		CartRepo:          cart.NewRepository(conn),
		DiscountsRepo:     discounts.NewRepository(conn),
		Gateway:           gateway,
		Logger:            newTestLogger(),
		Shop:              config.ShopConfig{BaseURL: "https://shop.test", AdminEmail: "ops@shop.test"},
	})
	require.NoError(t, err)
	return svc
}

type fixture struct {
	order *models.Order
	sku   *models.Sku
	user  uuid.UUID
}

func seedPendingOrder(t *testing.T, conn *gorm.DB, inventoryCount, quantity int) fixture {
	t.Helper()

	userID := uuid.New()
	sku := &models.Sku{
		ID:         uuid.New(),
		Title:      "Linen Shirt",
		PriceCents: 2500,
		Inventory:  inventoryCount,
		IsActive:   true,
	}
	require.NoError(t, conn.Create(sku).Error)

	intentID := "pi_" + uuid.NewString()
	order := &models.Order{
		ID:              uuid.New(),
		OrderNumber:     "AV-" + uuid.NewString()[:8],
		UserID:          &userID,
		SubtotalCents:   5000,
		TotalCents:      5000,
		PaymentStatus:   enums.PaymentStatusPending,
		Status:          enums.OrderStatusPending,
		PaymentIntentID: &intentID,
	}
	require.NoError(t, conn.Create(order).Error)

	item := &models.OrderItem{
		ID:             uuid.New(),
		OrderID:        order.ID,
		SkuID:          sku.ID,
		Title:          sku.Title,
		Quantity:       quantity,
		UnitPriceCents: sku.PriceCents,
	}
	require.NoError(t, conn.Create(item).Error)

	cartRecord := &models.CartRecord{ID: uuid.New(), UserID: &userID}
	require.NoError(t, conn.Create(cartRecord).Error)
	require.NoError(t, conn.Create(&models.CartItem{
		ID:       uuid.New(),
		CartID:   cartRecord.ID,
		SkuID:    sku.ID,
		Quantity: quantity,
	}).Error)

	return fixture{order: order, sku: sku, user: userID}
}

func completedSession(order *models.Order) *stripe.CheckoutSession {
	return &stripe.CheckoutSession{
		ID:            "cs_" + uuid.NewString(),
		PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
		Metadata:      map[string]string{"order_id": order.ID.String()},
		PaymentIntent: &stripe.PaymentIntent{ID: *order.PaymentIntentID},
		Customer:      &stripe.Customer{ID: "cus_123"},
	}
}

func taskKinds(batch []tasks.Task) []tasks.Kind {
	kinds := make([]tasks.Kind, 0, len(batch))
	for _, task := range batch {
		kinds = append(kinds, task.Kind)
	}
	return kinds
}

func TestFulfillCheckout(t *testing.T) {
	ctx := context.Background()

	t.Run("settles a pending order", func(t *testing.T) {
		conn := newTestDB(t)
		fix := seedPendingOrder(t, conn, 3, 2)
		svc := newTestService(t, conn, &stubGateway{})

		res, err := svc.FulfillCheckout(ctx, completedSession(fix.order))
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.False(t, res.AlreadySettled)

		var sku models.Sku
		require.NoError(t, conn.First(&sku, "id = ?", fix.sku.ID).Error)
		assert.Equal(t, 1, sku.Inventory)
		assert.True(t, sku.IsActive)

		var order models.Order
		require.NoError(t, conn.First(&order, "id = ?", fix.order.ID).Error)
		assert.Equal(t, enums.PaymentStatusPaid, order.PaymentStatus)
		assert.Equal(t, enums.OrderStatusProcessing, order.Status)
		assert.NotNil(t, order.PaidAt)
		assert.NotNil(t, order.StripeSessionID)
		assert.NotNil(t, order.StripeCustomerID)

		var cartCount int64
		require.NoError(t, conn.Model(&models.CartRecord{}).Where("user_id = ?", fix.user).Count(&cartCount).Error)
		assert.Zero(t, cartCount)

		kinds := taskKinds(res.Tasks)
		assert.Contains(t, kinds, tasks.KindCacheInvalidation)
		assert.Contains(t, kinds, tasks.KindOrderConfirmationEmail)
		assert.Contains(t, kinds, tasks.KindAdminNewOrderEmail)
	})

	t.Run("redelivery is a no-op", func(t *testing.T) {
		conn := newTestDB(t)
		fix := seedPendingOrder(t, conn, 3, 2)
		svc := newTestService(t, conn, &stubGateway{})
		session := completedSession(fix.order)

		_, err := svc.FulfillCheckout(ctx, session)
		require.NoError(t, err)

		res, err := svc.FulfillCheckout(ctx, session)
		require.NoError(t, err)
		assert.True(t, res.AlreadySettled)
		assert.Empty(t, res.Tasks)

		var sku models.Sku
		require.NoError(t, conn.First(&sku, "id = ?", fix.sku.ID).Error)
		assert.Equal(t, 1, sku.Inventory)
	})

	t.Run("unpaid session waits for async confirmation", func(t *testing.T) {
		conn := newTestDB(t)
		fix := seedPendingOrder(t, conn, 3, 2)
		svc := newTestService(t, conn, &stubGateway{})

		session := completedSession(fix.order)
		session.PaymentStatus = stripe.CheckoutSessionPaymentStatusUnpaid

		res, err := svc.FulfillCheckout(ctx, session)
		require.NoError(t, err)
		assert.Nil(t, res)

		var order models.Order
		require.NoError(t, conn.First(&order, "id = ?", fix.order.ID).Error)
		assert.Equal(t, enums.PaymentStatusPending, order.PaymentStatus)
	})

	t.Run("missing order reference fails loudly", func(t *testing.T) {
		conn := newTestDB(t)
		seedPendingOrder(t, conn, 3, 2)
		svc := newTestService(t, conn, &stubGateway{})

		session := &stripe.CheckoutSession{
			ID:            "cs_no_ref",
			PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
		}
		_, err := svc.FulfillCheckout(ctx, session)
		require.Error(t, err)
		typed := pkgerrors.As(err)
		require.NotNil(t, typed)
		assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
	})

	t.Run("stale sku aborts the whole transaction", func(t *testing.T) {
		conn := newTestDB(t)
		fix := seedPendingOrder(t, conn, 3, 2)
		require.NoError(t, conn.Model(&models.Sku{}).Where("id = ?", fix.sku.ID).Update("is_active", false).Error)
		svc := newTestService(t, conn, &stubGateway{})

		_, err := svc.FulfillCheckout(ctx, completedSession(fix.order))
		require.Error(t, err)

		var order models.Order
		require.NoError(t, conn.First(&order, "id = ?", fix.order.ID).Error)
		assert.Equal(t, enums.PaymentStatusPending, order.PaymentStatus)

		var sku models.Sku
		require.NoError(t, conn.First(&sku, "id = ?", fix.sku.ID).Error)
		assert.Equal(t, 3, sku.Inventory)
	})

	t.Run("insufficient stock aborts without partial fulfillment", func(t *testing.T) {
		conn := newTestDB(t)
		fix := seedPendingOrder(t, conn, 1, 2)
		svc := newTestService(t, conn, &stubGateway{})

		_, err := svc.FulfillCheckout(ctx, completedSession(fix.order))
		require.Error(t, err)
		typed := pkgerrors.As(err)
		require.NotNil(t, typed)
		assert.Equal(t, pkgerrors.CodeStateConflict, typed.Code())

		var sku models.Sku
		require.NoError(t, conn.First(&sku, "id = ?", fix.sku.ID).Error)
		assert.Equal(t, 1, sku.Inventory)
	})

	t.Run("sku selling out is deactivated", func(t *testing.T) {
		conn := newTestDB(t)
		fix := seedPendingOrder(t, conn, 2, 2)
		svc := newTestService(t, conn, &stubGateway{})

		_, err := svc.FulfillCheckout(ctx, completedSession(fix.order))
		require.NoError(t, err)

		var sku models.Sku
		require.NoError(t, conn.First(&sku, "id = ?", fix.sku.ID).Error)
		assert.Equal(t, 0, sku.Inventory)
		assert.False(t, sku.IsActive)
	})
}

func TestFailPayment(t *testing.T) {
	ctx := context.Background()

	payAndLoadIntent := func(t *testing.T, conn *gorm.DB, svc *Service, fix fixture) *stripe.PaymentIntent {
		t.Helper()
		_, err := svc.FulfillCheckout(ctx, completedSession(fix.order))
		require.NoError(t, err)
		return &stripe.PaymentIntent{
			ID:             *fix.order.PaymentIntentID,
			AmountReceived: 2000,
			LastPaymentError: &stripe.Error{
				Code: stripe.ErrorCodeCardDeclined,
				Msg:  "card was declined",
			},
		}
	}

	t.Run("restores stock and issues one idempotent refund", func(t *testing.T) {
		conn := newTestDB(t)
		fix := seedPendingOrder(t, conn, 3, 2)
		gateway := &stubGateway{}
		svc := newTestService(t, conn, gateway)
		intent := payAndLoadIntent(t, conn, svc, fix)

		res, err := svc.FailPayment(ctx, intent)
		require.NoError(t, err)

		var sku models.Sku
		require.NoError(t, conn.First(&sku, "id = ?", fix.sku.ID).Error)
		assert.Equal(t, 3, sku.Inventory)
		assert.True(t, sku.IsActive)

		var order models.Order
		require.NoError(t, conn.First(&order, "id = ?", fix.order.ID).Error)
		assert.Equal(t, enums.PaymentStatusFailed, order.PaymentStatus)
		assert.Equal(t, enums.OrderStatusCancelled, order.Status)
		require.NotNil(t, order.FailureCode)
		assert.Equal(t, string(stripe.ErrorCodeCardDeclined), *order.FailureCode)

		require.Len(t, gateway.refundCalls, 1)
		call := gateway.refundCalls[0]
		assert.Equal(t, intent.ID, call.PaymentIntentID)
		assert.Equal(t, int64(2000), call.AmountCents)
		assert.Equal(t, "payment-failed-refund-"+intent.ID, call.IdempotencyKey)

		kinds := taskKinds(res.Tasks)
		assert.Contains(t, kinds, tasks.KindPaymentFailedEmail)
		assert.NotContains(t, kinds, tasks.KindAdminRefundFailedAlert)
	})

	t.Run("refund failure queues an admin alert instead of retrying", func(t *testing.T) {
		conn := newTestDB(t)
		fix := seedPendingOrder(t, conn, 3, 2)
		gateway := &stubGateway{refundErr: errors.New("gateway down")}
		svc := newTestService(t, conn, gateway)
		intent := payAndLoadIntent(t, conn, svc, fix)

		res, err := svc.FailPayment(ctx, intent)
		require.NoError(t, err)

		require.Len(t, gateway.refundCalls, 1)
		assert.Contains(t, taskKinds(res.Tasks), tasks.KindAdminRefundFailedAlert)
	})

	t.Run("never-decremented order does not restore stock", func(t *testing.T) {
		conn := newTestDB(t)
		fix := seedPendingOrder(t, conn, 3, 2)
		gateway := &stubGateway{}
		svc := newTestService(t, conn, gateway)

		intent := &stripe.PaymentIntent{ID: *fix.order.PaymentIntentID}
		_, err := svc.FailPayment(ctx, intent)
		require.NoError(t, err)

		var sku models.Sku
		require.NoError(t, conn.First(&sku, "id = ?", fix.sku.ID).Error)
		assert.Equal(t, 3, sku.Inventory)
		assert.Empty(t, gateway.refundCalls)
	})

	t.Run("redelivered failure is a no-op", func(t *testing.T) {
		conn := newTestDB(t)
		fix := seedPendingOrder(t, conn, 3, 2)
		gateway := &stubGateway{}
		svc := newTestService(t, conn, gateway)
		intent := payAndLoadIntent(t, conn, svc, fix)

		_, err := svc.FailPayment(ctx, intent)
		require.NoError(t, err)

		res, err := svc.FailPayment(ctx, intent)
		require.NoError(t, err)
		assert.True(t, res.AlreadySettled)

		var sku models.Sku
		require.NoError(t, conn.First(&sku, "id = ?", fix.sku.ID).Error)
		assert.Equal(t, 3, sku.Inventory)
		require.Len(t, gateway.refundCalls, 1)
	})
}

func TestExpireCheckout(t *testing.T) {
	ctx := context.Background()

	seedUsage := func(t *testing.T, conn *gorm.DB, orderID uuid.UUID) {
		t.Helper()
		require.NoError(t, conn.Create(&models.DiscountUsage{
			ID:           uuid.New(),
			OrderID:      orderID,
			DiscountCode: "WELCOME10",
		}).Error)
	}

	t.Run("cancels a pending order and releases discount usage", func(t *testing.T) {
		conn := newTestDB(t)
		fix := seedPendingOrder(t, conn, 3, 2)
		seedUsage(t, conn, fix.order.ID)
		svc := newTestService(t, conn, &stubGateway{})

		session := completedSession(fix.order)
		require.NoError(t, conn.Model(&models.Order{}).
			Where("id = ?", fix.order.ID).
			Update("stripe_session_id", session.ID).Error)

		res, err := svc.ExpireCheckout(ctx, session)
		require.NoError(t, err)
		assert.False(t, res.AlreadySettled)

		var order models.Order
		require.NoError(t, conn.First(&order, "id = ?", fix.order.ID).Error)
		assert.Equal(t, enums.OrderStatusCancelled, order.Status)
		assert.NotNil(t, order.CancelledAt)

		var usage int64
		require.NoError(t, conn.Model(&models.DiscountUsage{}).Where("order_id = ?", fix.order.ID).Count(&usage).Error)
		assert.Zero(t, usage)
	})

	t.Run("paid order keeps its discount usage", func(t *testing.T) {
		conn := newTestDB(t)
		fix := seedPendingOrder(t, conn, 3, 2)
		seedUsage(t, conn, fix.order.ID)
		svc := newTestService(t, conn, &stubGateway{})

		session := completedSession(fix.order)
		_, err := svc.FulfillCheckout(ctx, session)
		require.NoError(t, err)

		res, err := svc.ExpireCheckout(ctx, session)
		require.NoError(t, err)
		assert.True(t, res.AlreadySettled)

		var order models.Order
		require.NoError(t, conn.First(&order, "id = ?", fix.order.ID).Error)
		assert.Equal(t, enums.PaymentStatusPaid, order.PaymentStatus)

		var usage int64
		require.NoError(t, conn.Model(&models.DiscountUsage{}).Where("order_id = ?", fix.order.ID).Count(&usage).Error)
		assert.Equal(t, int64(1), usage)
	})

	t.Run("replayed expiry does not double release", func(t *testing.T) {
		conn := newTestDB(t)
		fix := seedPendingOrder(t, conn, 3, 2)
		seedUsage(t, conn, fix.order.ID)
		svc := newTestService(t, conn, &stubGateway{})

		session := completedSession(fix.order)
		require.NoError(t, conn.Model(&models.Order{}).
			Where("id = ?", fix.order.ID).
			Update("stripe_session_id", session.ID).Error)

		_, err := svc.ExpireCheckout(ctx, session)
		require.NoError(t, err)

		res, err := svc.ExpireCheckout(ctx, session)
		require.NoError(t, err)
		assert.True(t, res.AlreadySettled)
	})
}
