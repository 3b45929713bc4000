package disputes

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/aveline-shop/aveline-backend/internal/orders"
	"github.com/aveline-shop/aveline-backend/internal/tasks"
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
		&models.Order{},
		&models.OrderItem{},
		&models.Sku{},
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

func newTestService(t *testing.T, conn *gorm.DB) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		OrdersRepo:   orders.NewRepository(conn),
		DisputesRepo: NewRepository(conn),
		Logger:       logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	require.NoError(t, err)
	return svc
}

func seedOrder(t *testing.T, conn *gorm.DB) *models.Order {
	t.Helper()
	intentID := "pi_" + uuid.NewString()
	order := &models.Order{
		ID:              uuid.New(),
		OrderNumber:     "AV-" + uuid.NewString()[:8],
		SubtotalCents:   5000,
		TotalCents:      5000,
		PaymentStatus:   enums.PaymentStatusPaid,
		Status:          enums.OrderStatusProcessing,
		PaymentIntentID: &intentID,
	}
	require.NoError(t, conn.Create(order).Error)
	return order
}

func gatewayDispute(order *models.Order, id, status string) *stripe.Dispute {
	return &stripe.Dispute{
		ID:            id,
		Amount:        5000,
		Currency:      "usd",
		Reason:        stripe.DisputeReasonFraudulent,
		Status:        stripe.DisputeStatus(status),
		PaymentIntent: &stripe.PaymentIntent{ID: *order.PaymentIntentID},
	}
}

func TestUpsertFromCreated(t *testing.T) {
	ctx := context.Background()

	t.Run("records the dispute and alerts an admin", func(t *testing.T) {
		conn := newTestDB(t)
		order := seedOrder(t, conn)
		svc := newTestService(t, conn)

		res, err := svc.UpsertFromCreated(ctx, gatewayDispute(order, "dp_1", "needs_response"))
		require.NoError(t, err)

		require.NotNil(t, res.Dispute)
		assert.Equal(t, order.ID, res.Dispute.OrderID)
		assert.Equal(t, enums.DisputeStatusNeedsResponse, res.Dispute.Status)
		require.NotNil(t, res.Dispute.EvidenceDueAt)
		// Gateway omitted the deadline, so the default window applies.
		assert.WithinDuration(t, time.Now().UTC().Add(defaultEvidenceWindow), *res.Dispute.EvidenceDueAt, time.Minute)

		require.Len(t, res.Tasks, 1)
		assert.Equal(t, tasks.KindAdminDisputeAlert, res.Tasks[0].Kind)
	})

	t.Run("duplicate delivery yields one row", func(t *testing.T) {
		conn := newTestDB(t)
		order := seedOrder(t, conn)
		svc := newTestService(t, conn)

		dispute := gatewayDispute(order, "dp_dup", "needs_response")
		_, err := svc.UpsertFromCreated(ctx, dispute)
		require.NoError(t, err)
		_, err = svc.UpsertFromCreated(ctx, dispute)
		require.NoError(t, err)

		var count int64
		require.NoError(t, conn.Model(&models.Dispute{}).Where("stripe_dispute_id = ?", "dp_dup").Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})

	t.Run("dispute with no matching order is an error", func(t *testing.T) {
		conn := newTestDB(t)
		svc := newTestService(t, conn)

		dispute := &stripe.Dispute{
			ID:            "dp_orphan",
			Amount:        100,
			Status:        "needs_response",
			PaymentIntent: &stripe.PaymentIntent{ID: "pi_unknown"},
		}
		_, err := svc.UpsertFromCreated(ctx, dispute)
		require.Error(t, err)
	})

	t.Run("gateway-supplied deadline wins over the default", func(t *testing.T) {
		conn := newTestDB(t)
		order := seedOrder(t, conn)
		svc := newTestService(t, conn)

		due := time.Now().Add(48 * time.Hour).Unix()
		dispute := gatewayDispute(order, "dp_due", "needs_response")
		dispute.EvidenceDetails = &stripe.DisputeEvidenceDetails{DueBy: due}

		res, err := svc.UpsertFromCreated(ctx, dispute)
		require.NoError(t, err)
		require.NotNil(t, res.Dispute.EvidenceDueAt)
		assert.Equal(t, time.Unix(due, 0).UTC(), res.Dispute.EvidenceDueAt.UTC())
	})
}

func TestApplyUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("updates status on an existing dispute", func(t *testing.T) {
		conn := newTestDB(t)
		order := seedOrder(t, conn)
		svc := newTestService(t, conn)

		_, err := svc.UpsertFromCreated(ctx, gatewayDispute(order, "dp_u", "needs_response"))
		require.NoError(t, err)

		res, err := svc.ApplyUpdate(ctx, gatewayDispute(order, "dp_u", "under_review"))
		require.NoError(t, err)
		assert.Equal(t, enums.DisputeStatusUnderReview, res.Dispute.Status)
	})

	t.Run("update before created falls back to the created path", func(t *testing.T) {
		conn := newTestDB(t)
		order := seedOrder(t, conn)
		svc := newTestService(t, conn)

		res, err := svc.ApplyUpdate(ctx, gatewayDispute(order, "dp_ooo", "under_review"))
		require.NoError(t, err)

		require.NotNil(t, res.Dispute)
		assert.Equal(t, enums.DisputeStatusUnderReview, res.Dispute.Status)
		// The fallback runs created logic, so the admin alert still goes out.
		require.Len(t, res.Tasks, 1)
		assert.Equal(t, tasks.KindAdminDisputeAlert, res.Tasks[0].Kind)
	})
}

func TestClose(t *testing.T) {
	ctx := context.Background()

	t.Run("stamps the outcome and resolution time", func(t *testing.T) {
		conn := newTestDB(t)
		order := seedOrder(t, conn)
		svc := newTestService(t, conn)

		_, err := svc.UpsertFromCreated(ctx, gatewayDispute(order, "dp_c", "needs_response"))
		require.NoError(t, err)

		res, err := svc.Close(ctx, gatewayDispute(order, "dp_c", "won"))
		require.NoError(t, err)
		assert.Equal(t, enums.DisputeStatusWon, res.Dispute.Status)
		assert.NotNil(t, res.Dispute.ResolvedAt)
		assert.True(t, res.Dispute.Status.IsResolved())
		assert.Empty(t, res.Tasks)
	})

	t.Run("closed before created still lands on a row and alerts an admin", func(t *testing.T) {
		conn := newTestDB(t)
		order := seedOrder(t, conn)
		svc := newTestService(t, conn)

		res, err := svc.Close(ctx, gatewayDispute(order, "dp_cooo", "lost"))
		require.NoError(t, err)
		assert.Equal(t, enums.DisputeStatusLost, res.Dispute.Status)
		assert.NotNil(t, res.Dispute.ResolvedAt)

		require.Len(t, res.Tasks, 1)
		assert.Equal(t, tasks.KindAdminDisputeAlert, res.Tasks[0].Kind)
	})
}

func TestRecordFundsMovement(t *testing.T) {
	conn := newTestDB(t)
	order := seedOrder(t, conn)
	svc := newTestService(t, conn)

	err := svc.RecordFundsMovement(context.Background(), gatewayDispute(order, "dp_funds", "lost"), "withdrawn")
	require.NoError(t, err)
}
