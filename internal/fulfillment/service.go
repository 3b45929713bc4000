package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/aveline-shop/aveline-backend/internal/cart"
	"github.com/aveline-shop/aveline-backend/internal/discounts"
	"github.com/aveline-shop/aveline-backend/internal/inventory"
	"github.com/aveline-shop/aveline-backend/internal/orders"
	"github.com/aveline-shop/aveline-backend/internal/tasks"
	"github.com/aveline-shop/aveline-backend/pkg/config"
	"github.com/aveline-shop/aveline-backend/pkg/db"
	"github.com/aveline-shop/aveline-backend/pkg/db/models"
	"github.com/aveline-shop/aveline-backend/pkg/enums"
	pkgerrors "github.com/aveline-shop/aveline-backend/pkg/errors"
	"github.com/aveline-shop/aveline-backend/pkg/logger"
	pkgstripe "github.com/aveline-shop/aveline-backend/pkg/stripe"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Result carries the order a handler settled plus the deferred side effects
// the caller must run after responding to the gateway.
type Result struct {
	Order *models.Order
	Tasks []tasks.Task

	// AlreadySettled marks a redelivered event that was absorbed by the
	// idempotency guard: the order is returned unchanged and no tasks are
	// queued.
	AlreadySettled bool
}

// ServiceParams wires the fulfillment service's collaborators.
type ServiceParams struct {
	TransactionRunner txRunner
	OrdersRepo        orders.Repository
	Inventory         inventory.Service
	CartRepo          cart.Repository
	DiscountsRepo     discounts.Repository
	Gateway           pkgstripe.Gateway
	Logger            *logger.Logger
	Shop              config.ShopConfig
}

// Service converts gateway checkout and payment-intent events into
// transactional order state changes. Every entry point is written to run
// concurrently with duplicates of itself: the transaction plus the
// payment-status guard inside it is the only mutual exclusion.
type Service struct {
	tx         txRunner
	ordersRepo orders.Repository
	inventory  inventory.Service
	cartRepo   cart.Repository
	discounts  discounts.Repository
	gateway    pkgstripe.Gateway
	logg       *logger.Logger
	shop       config.ShopConfig
}

// NewService builds the fulfillment service.
func NewService(params ServiceParams) (*Service, error) {
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.OrdersRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders repo required")
	}
	if params.Inventory == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "inventory service required")
	}
	if params.CartRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "cart repo required")
	}
	if params.DiscountsRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "discounts repo required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		tx:         params.TransactionRunner,
		ordersRepo: params.OrdersRepo,
		inventory:  params.Inventory,
		cartRepo:   params.CartRepo,
		discounts:  params.DiscountsRepo,
		gateway:    params.Gateway,
		logg:       params.Logger,
		shop:       params.Shop,
	}, nil
}

// FulfillCheckout settles a completed checkout session. It serves both the
// "checkout completed" and "async payment succeeded" events: some payment
// methods confirm funds after checkout, so both arrive at the same logic.
func (s *Service) FulfillCheckout(ctx context.Context, session *stripe.CheckoutSession) (*Result, error) {
	if session == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout session required")
	}

	orderID, err := orderIDFromSession(session)
	if err != nil {
		// Money may have moved for this session; failing loudly makes the
		// gateway redeliver until an operator intervenes.
		return nil, err
	}

	if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		// Async payment method still pending confirmation; the
		// async_payment_succeeded event will land here again.
		return nil, nil
	}

	ctx = s.logg.WithOrderID(ctx, orderID.String())

	var order *models.Order
	var alreadyPaid bool
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.ordersRepo.WithTx(tx)

		// The row lock serializes concurrent deliveries for the same order;
		// without it two transactions could both read PENDING and decrement
		// stock twice.
		loaded, err := repo.FindByIDForUpdate(ctx, orderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "order not found for checkout session")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
		}
		order = loaded

		// Idempotency guard: redelivery of an already-settled event is a
		// no-op. Post-tasks from the first delivery are NOT re-queued; if
		// the executor died after that commit, the emails are lost until an
		// operator re-triggers them.
		if order.PaymentStatus.IsTerminalForFulfillment() {
			alreadyPaid = true
			s.logg.Warn(ctx, "checkout event redelivered for paid order; skipping (post-tasks not re-queued)")
			return nil
		}

		if err := s.inventory.ValidateItems(ctx, tx, order.Items); err != nil {
			return err
		}

		adjustments := stockAdjustments(order.Items)
		if err := s.inventory.DecrementStock(ctx, tx, adjustments); err != nil {
			return err
		}

		now := time.Now().UTC()
		shippingCents, shippingMethod := s.resolveShipping(ctx, session)
		updates := map[string]any{
			"status":         enums.OrderStatusProcessing,
			"payment_status": enums.PaymentStatusPaid,
			"paid_at":        now,
			"shipping_cents": shippingCents,
		}
		if shippingMethod != nil {
			updates["shipping_method"] = *shippingMethod
		}
		if session.ID != "" {
			updates["stripe_session_id"] = session.ID
		}
		if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
			updates["payment_intent_id"] = session.PaymentIntent.ID
		}
		if session.Customer != nil && session.Customer.ID != "" {
			updates["stripe_customer_id"] = session.Customer.ID
		}
		if err := repo.Update(ctx, order.ID, updates); err != nil {
			if db.IsUniqueViolation(err, "") {
				return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "checkout session already linked to another order")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark order paid")
		}
		order.Status = enums.OrderStatusProcessing
		order.PaymentStatus = enums.PaymentStatusPaid
		order.PaidAt = &now
		order.ShippingCents = shippingCents
		order.ShippingMethod = shippingMethod

		if err := s.inventory.DeactivateOutOfStock(ctx, tx, skuIDs(order.Items)); err != nil {
			return err
		}

		return s.clearCart(ctx, tx, order)
	})
	if err != nil {
		return nil, err
	}

	if alreadyPaid {
		return &Result{Order: order, AlreadySettled: true}, nil
	}

	return &Result{Order: order, Tasks: s.fulfillmentTasks(order)}, nil
}

// FailPayment handles explicit payment-intent failure or cancellation.
func (s *Service) FailPayment(ctx context.Context, intent *stripe.PaymentIntent) (*Result, error) {
	if intent == nil || intent.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment intent required")
	}

	var order *models.Order
	var alreadyFailed bool
	var restoredSkus []uuid.UUID
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.ordersRepo.WithTx(tx)

		loaded, err := repo.FindByPaymentIntentIDForUpdate(ctx, intent.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "order not found for payment intent")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
		}
		order = loaded

		if order.PaymentStatus == enums.PaymentStatusFailed {
			alreadyFailed = true
			return nil
		}

		// Stock was only ever decremented if the order reached paid
		// fulfillment; restoring for a never-decremented order would
		// double-credit inventory.
		shouldRestoreStock := order.PaymentStatus == enums.PaymentStatusPaid ||
			order.Status == enums.OrderStatusProcessing

		now := time.Now().UTC()
		code, message := failureDetails(intent)
		updates := map[string]any{
			"payment_status": enums.PaymentStatusFailed,
			"status":         enums.OrderStatusCancelled,
			"cancelled_at":   now,
		}
		if code != "" {
			updates["failure_code"] = code
		}
		if message != "" {
			updates["failure_message"] = message
		}
		if err := repo.Update(ctx, order.ID, updates); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark order failed")
		}
		order.PaymentStatus = enums.PaymentStatusFailed
		order.Status = enums.OrderStatusCancelled
		order.CancelledAt = &now

		if shouldRestoreStock {
			adjustments := stockAdjustments(order.Items)
			if err := s.inventory.RestoreStock(ctx, tx, adjustments); err != nil {
				return err
			}
			restoredSkus = skuIDs(order.Items)
			if err := s.inventory.ReactivateRestocked(ctx, tx, restoredSkus); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if alreadyFailed {
		return &Result{Order: order, AlreadySettled: true}, nil
	}

	result := &Result{Order: order}
	result.Tasks = append(result.Tasks, tasks.Task{
		Kind: tasks.KindPaymentFailedEmail,
		Payload: map[string]any{
			"order_number": order.OrderNumber,
			"total_cents":  order.TotalCents,
			"currency":     order.Currency,
			"order_url":    s.shop.OrderURL(order.OrderNumber),
		},
	})
	if len(restoredSkus) > 0 {
		result.Tasks = append(result.Tasks, tasks.Task{
			Kind:      tasks.KindCacheInvalidation,
			CacheKeys: stockCacheKeys(restoredSkus),
		})
	}

	// The gateway captured funds before the failure surfaced; push them
	// back. The idempotency key pins retried deliveries of this event to a
	// single gateway refund.
	if intent.AmountReceived > 0 {
		if task := s.refundCapturedFunds(ctx, order, intent); task != nil {
			result.Tasks = append(result.Tasks, *task)
		}
	}

	return result, nil
}

// ExpireCheckout cancels an order whose checkout session expired while
// still pending, releasing any discount usage in the same transaction.
func (s *Service) ExpireCheckout(ctx context.Context, session *stripe.CheckoutSession) (*Result, error) {
	if session == nil || session.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout session required")
	}

	var order *models.Order
	var skipped bool
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.ordersRepo.WithTx(tx)

		loaded, err := repo.FindBySessionIDForUpdate(ctx, session.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				loaded, err = s.findBySessionFallback(ctx, repo, session)
			}
			if err != nil {
				return err
			}
		}
		order = loaded

		// Expiry only applies to orders that never saw money move. A paid
		// order keeps its discount usage forever, even if an expired event
		// for the same session arrives late.
		if order.PaymentStatus != enums.PaymentStatusPending || order.Status == enums.OrderStatusCancelled {
			skipped = true
			return nil
		}

		now := time.Now().UTC()
		updates := map[string]any{
			"status":       enums.OrderStatusCancelled,
			"cancelled_at": now,
		}
		if err := repo.Update(ctx, order.ID, updates); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel expired order")
		}
		order.Status = enums.OrderStatusCancelled
		order.CancelledAt = &now

		released, err := s.discounts.WithTx(tx).ReleaseForOrder(ctx, order.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "release discount usage")
		}
		if released > 0 {
			s.logg.Info(s.logg.WithOrderID(ctx, order.ID.String()), "released discount usage for expired order")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if skipped {
		return &Result{Order: order, AlreadySettled: true}, nil
	}
	return &Result{
		Order: order,
		Tasks: []tasks.Task{{
			Kind:      tasks.KindCacheInvalidation,
			CacheKeys: orderCacheKeys(order),
		}},
	}, nil
}

func (s *Service) findBySessionFallback(ctx context.Context, repo orders.Repository, session *stripe.CheckoutSession) (*models.Order, error) {
	orderID, err := orderIDFromSession(session)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found for expired session")
	}
	loaded, err := repo.FindByIDForUpdate(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found for expired session")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return loaded, nil
}

func (s *Service) clearCart(ctx context.Context, tx *gorm.DB, order *models.Order) error {
	repo := s.cartRepo.WithTx(tx)
	switch {
	case order.UserID != nil:
		if err := repo.ClearForUser(ctx, *order.UserID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear user cart")
		}
	case order.GuestSessionID != nil:
		if err := repo.ClearForGuestSession(ctx, *order.GuestSessionID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear guest cart")
		}
	}
	return nil
}

func (s *Service) refundCapturedFunds(ctx context.Context, order *models.Order, intent *stripe.PaymentIntent) *tasks.Task {
	if s.gateway == nil {
		s.logg.Warn(ctx, "captured funds present but no gateway configured; flagging for manual refund")
		return adminRefundAlert(order, intent, "no gateway client configured")
	}

	_, err := s.gateway.CreateRefund(ctx, pkgstripe.RefundRequest{
		PaymentIntentID: intent.ID,
		AmountCents:     intent.AmountReceived,
		Reason:          "payment_failed",
		IdempotencyKey:  fmt.Sprintf("payment-failed-refund-%s", intent.ID),
	})
	if err != nil {
		// Do not retry here; the idempotency key makes a later manual
		// attempt safe, and an operator has to decide.
		s.logg.Error(ctx, "automatic refund of captured funds failed", err)
		return adminRefundAlert(order, intent, err.Error())
	}
	return nil
}

func adminRefundAlert(order *models.Order, intent *stripe.PaymentIntent, reason string) *tasks.Task {
	return &tasks.Task{
		Kind: tasks.KindAdminRefundFailedAlert,
		Payload: map[string]any{
			"order_number":      order.OrderNumber,
			"payment_intent_id": intent.ID,
			"amount_cents":      intent.AmountReceived,
			"reason":            reason,
		},
	}
}

func (s *Service) fulfillmentTasks(order *models.Order) []tasks.Task {
	keys := orderCacheKeys(order)
	keys = append(keys, stockCacheKeys(skuIDs(order.Items))...)

	return []tasks.Task{
		{
			Kind:      tasks.KindCacheInvalidation,
			CacheKeys: keys,
		},
		{
			Kind: tasks.KindOrderConfirmationEmail,
			Payload: map[string]any{
				"order_number": order.OrderNumber,
				"total_cents":  order.TotalCents,
				"currency":     order.Currency,
				"order_url":    s.shop.OrderURL(order.OrderNumber),
			},
		},
		{
			Kind: tasks.KindAdminNewOrderEmail,
			Payload: map[string]any{
				"order_number": order.OrderNumber,
				"total_cents":  order.TotalCents,
				"admin_url":    s.shop.AdminOrderURL(order.OrderNumber),
			},
		},
	}
}

func (s *Service) resolveShipping(ctx context.Context, session *stripe.CheckoutSession) (int64, *string) {
	resolved := session
	if needsShippingExpansion(session) && s.gateway != nil && session.ID != "" {
		full, err := s.gateway.RetrieveSession(ctx, session.ID)
		if err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "session_id", session.ID), "could not expand session shipping; keeping webhook payload values")
		} else {
			resolved = full
		}
	}

	if resolved.ShippingCost == nil {
		return 0, nil
	}
	var method *string
	if rate := resolved.ShippingCost.ShippingRate; rate != nil && rate.DisplayName != "" {
		name := rate.DisplayName
		method = &name
	}
	return resolved.ShippingCost.AmountTotal, method
}

func needsShippingExpansion(session *stripe.CheckoutSession) bool {
	if session.ShippingCost == nil {
		return false
	}
	rate := session.ShippingCost.ShippingRate
	return rate != nil && rate.DisplayName == ""
}

func orderIDFromSession(session *stripe.CheckoutSession) (uuid.UUID, error) {
	raw := ""
	if session.Metadata != nil {
		raw = session.Metadata["order_id"]
	}
	if raw == "" {
		raw = session.ClientReferenceID
	}
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout session carries no order reference")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid order reference on checkout session")
	}
	return id, nil
}

func failureDetails(intent *stripe.PaymentIntent) (code, message string) {
	if intent.LastPaymentError != nil {
		code = string(intent.LastPaymentError.Code)
		message = intent.LastPaymentError.Msg
	}
	if code == "" && intent.CancellationReason != "" {
		code = string(intent.CancellationReason)
	}
	return code, message
}

func stockAdjustments(items []models.OrderItem) []inventory.StockAdjustment {
	adjustments := make([]inventory.StockAdjustment, 0, len(items))
	for _, item := range items {
		adjustments = append(adjustments, inventory.StockAdjustment{
			SkuID:    item.SkuID,
			Quantity: item.Quantity,
		})
	}
	return adjustments
}

func skuIDs(items []models.OrderItem) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.SkuID)
	}
	return ids
}

func orderCacheKeys(order *models.Order) []string {
	keys := []string{fmt.Sprintf("order:%s", order.ID)}
	if order.UserID != nil {
		keys = append(keys, fmt.Sprintf("cart:user:%s", order.UserID), fmt.Sprintf("orders:user:%s", order.UserID))
	}
	if order.GuestSessionID != nil {
		keys = append(keys, fmt.Sprintf("cart:guest:%s", *order.GuestSessionID))
	}
	return keys
}

func stockCacheKeys(ids []uuid.UUID) []string {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, fmt.Sprintf("stock:sku:%s", id))
	}
	return keys
}
