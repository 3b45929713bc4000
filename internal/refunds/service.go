package refunds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/aveline-shop/aveline-backend/internal/orders"
	"github.com/aveline-shop/aveline-backend/internal/tasks"
	"github.com/aveline-shop/aveline-backend/pkg/config"
	"github.com/aveline-shop/aveline-backend/pkg/db/models"
	"github.com/aveline-shop/aveline-backend/pkg/enums"
	pkgerrors "github.com/aveline-shop/aveline-backend/pkg/errors"
	"github.com/aveline-shop/aveline-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Result carries the reconciled order plus deferred side effects.
type Result struct {
	Order *models.Order
	Tasks []tasks.Task
}

// ServiceParams wires the refund reconciliation service's collaborators.
type ServiceParams struct {
	TransactionRunner txRunner
	OrdersRepo        orders.Repository
	RefundsRepo       Repository
	Logger            *logger.Logger
	Shop              config.ShopConfig
}

// Service maps gateway refund objects onto local Refund rows and keeps the
// owning order's payment status derived from the completed-refund sum.
type Service struct {
	tx          txRunner
	ordersRepo  orders.Repository
	refundsRepo Repository
	logg        *logger.Logger
	shop        config.ShopConfig
}

// NewService builds the refund reconciliation service.
func NewService(params ServiceParams) (*Service, error) {
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.OrdersRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders repo required")
	}
	if params.RefundsRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "refunds repo required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		tx:          params.TransactionRunner,
		ordersRepo:  params.OrdersRepo,
		refundsRepo: params.RefundsRepo,
		logg:        params.Logger,
		shop:        params.Shop,
	}, nil
}

// reconcileOp is one planned write against the local refund rows. Ops are
// classified first from a read of current state, then executed concurrently
// so a charge carrying many refunds does not cost N sequential round trips.
type reconcileOp struct {
	gateway *stripe.Refund
	local   *models.Refund
	// link attaches the gateway refund id to a local row that was created
	// in-system before the gateway confirmed it.
	link bool
}

// ReconcileCharge reconciles every refund attached to a charge against the
// local rows, then re-derives the order's payment status from the completed
// sum.
func (s *Service) ReconcileCharge(ctx context.Context, charge *stripe.Charge) (*Result, error) {
	if charge == nil || charge.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "charge required")
	}
	if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "charge carries no payment intent")
	}

	order, err := s.findOrderByPaymentIntent(ctx, charge.PaymentIntent.ID)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithOrderID(ctx, order.ID.String())

	var gatewayRefunds []*stripe.Refund
	if charge.Refunds != nil {
		gatewayRefunds = charge.Refunds.Data
	}

	ops, err := s.planOps(ctx, order, gatewayRefunds)
	if err != nil {
		return nil, err
	}

	outcome := s.executeOps(ctx, order, ops, "charge.refunded")
	if outcome.err != nil {
		return nil, outcome.err
	}

	return s.finishReconciliation(ctx, order.ID, outcome)
}

// ReconcileRefund reconciles a single refund object from a refund.created or
// refund.updated event.
func (s *Service) ReconcileRefund(ctx context.Context, gatewayRefund *stripe.Refund) (*Result, error) {
	if gatewayRefund == nil || gatewayRefund.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund required")
	}

	order, err := s.findOrderForRefund(ctx, gatewayRefund)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithOrderID(ctx, order.ID.String())

	ops, err := s.planOps(ctx, order, []*stripe.Refund{gatewayRefund})
	if err != nil {
		return nil, err
	}

	outcome := s.executeOps(ctx, order, ops, "refund event")
	if outcome.err != nil {
		return nil, outcome.err
	}

	return s.finishReconciliation(ctx, order.ID, outcome)
}

// MarkRefundFailed records an explicit refund failure. The refund is left
// FAILED with the gateway's reason and an admin alert is queued; nothing is
// retried automatically, the gateway's own retry window is a human decision.
func (s *Service) MarkRefundFailed(ctx context.Context, gatewayRefund *stripe.Refund) (*Result, error) {
	if gatewayRefund == nil || gatewayRefund.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund required")
	}

	order, err := s.findOrderForRefund(ctx, gatewayRefund)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithOrderID(ctx, order.ID.String())

	local, err := s.locateLocalRefund(ctx, gatewayRefund)
	if err != nil {
		return nil, err
	}

	failureReason := gatewayRefund.FailureReason
	switch {
	case local == nil:
		// Never saw this refund before it failed; record it so the audit
		// trail explains the admin alert.
		local = s.externalRefundRow(order, gatewayRefund, enums.RefundStatusFailed)
		inserted, err := s.refundsRepo.CreateIfAbsent(ctx, local)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record failed refund")
		}
		if !inserted {
			// A concurrent delivery won the insert; this one is a replay.
			return &Result{Order: order}, nil
		}
	case local.Status == enums.RefundStatusFailed:
		// Replayed failure; the history row and admin alert already exist.
		return &Result{Order: order}, nil
	default:
		updates := map[string]any{"status": enums.RefundStatusFailed}
		if failureReason != "" {
			updates["failure_reason"] = failureReason
		}
		if err := s.refundsRepo.Update(ctx, local.ID, updates); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark refund failed")
		}
		local.Status = enums.RefundStatusFailed
	}

	note := fmt.Sprintf("gateway reported failure: %s", failureReason)
	if err := s.appendHistory(ctx, local.ID, enums.RefundStatusFailed, note); err != nil {
		return nil, err
	}

	return &Result{
		Order: order,
		Tasks: []tasks.Task{{
			Kind: tasks.KindAdminRefundFailedAlert,
			Payload: map[string]any{
				"order_number":     order.OrderNumber,
				"stripe_refund_id": gatewayRefund.ID,
				"amount_cents":     gatewayRefund.Amount,
				"reason":           failureReason,
			},
		}},
	}, nil
}

// planOps classifies every gateway refund into one of three branches:
// already linked by gateway id, linkable through the local refund id carried
// in metadata, or externally originated and needing an upsert.
func (s *Service) planOps(ctx context.Context, order *models.Order, gatewayRefunds []*stripe.Refund) ([]reconcileOp, error) {
	ops := make([]reconcileOp, 0, len(gatewayRefunds))
	for _, gr := range gatewayRefunds {
		if gr == nil || gr.ID == "" {
			continue
		}

		existing, err := s.refundsRepo.FindByStripeID(ctx, gr.ID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "look up refund by gateway id")
		}
		if existing != nil {
			ops = append(ops, reconcileOp{gateway: gr, local: existing})
			continue
		}

		if local := s.refundFromMetadata(ctx, gr); local != nil && local.OrderID == order.ID {
			ops = append(ops, reconcileOp{gateway: gr, local: local, link: true})
			continue
		}

		ops = append(ops, reconcileOp{gateway: gr})
	}
	return ops, nil
}

type reconcileOutcome struct {
	err            error
	completedCents int64
	reason         string
}

// executeOps runs the planned writes concurrently. Each op is independent
// (distinct refund rows), so failures are collected rather than short
// circuiting.
func (s *Service) executeOps(ctx context.Context, order *models.Order, ops []reconcileOp, source string) reconcileOutcome {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		outcome reconcileOutcome
	)

	for _, op := range ops {
		wg.Add(1)
		go func(op reconcileOp) {
			defer wg.Done()
			completed, reason, err := s.applyOp(ctx, order, op, source)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				outcome.err = multierr.Append(outcome.err, err)
				return
			}
			outcome.completedCents += completed
			if reason != "" {
				outcome.reason = reason
			}
		}(op)
	}
	wg.Wait()

	return outcome
}

// applyOp executes one branch. It reports the amount that newly reached
// COMPLETED in this pass, so the caller can decide whether a confirmation
// email is owed.
func (s *Service) applyOp(ctx context.Context, order *models.Order, op reconcileOp, source string) (int64, string, error) {
	next := enums.RefundStatusFromGateway(string(op.gateway.Status))
	reason := string(op.gateway.Reason)
	now := time.Now().UTC()

	switch {
	case op.local == nil:
		row := s.externalRefundRow(order, op.gateway, next)
		if next == enums.RefundStatusCompleted {
			row.ProcessedAt = &now
		}
		inserted, err := s.refundsRepo.CreateIfAbsent(ctx, row)
		if err != nil {
			return 0, "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "upsert external refund")
		}
		if !inserted {
			// Replay; the earlier delivery already recorded it.
			return 0, "", nil
		}
		note := fmt.Sprintf("created from %s (gateway refund %s)", source, op.gateway.ID)
		if err := s.appendHistory(ctx, row.ID, next, note); err != nil {
			return 0, "", err
		}
		if next == enums.RefundStatusCompleted {
			return op.gateway.Amount, reason, nil
		}
		return 0, "", nil

	case op.link:
		updates := map[string]any{
			"stripe_refund_id": op.gateway.ID,
			"status":           next,
		}
		if next == enums.RefundStatusCompleted {
			updates["processed_at"] = now
		}
		if err := s.refundsRepo.Update(ctx, op.local.ID, updates); err != nil {
			return 0, "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "link refund to gateway id")
		}
		note := fmt.Sprintf("linked to gateway refund %s via %s", op.gateway.ID, source)
		if err := s.appendHistory(ctx, op.local.ID, next, note); err != nil {
			return 0, "", err
		}
		if next == enums.RefundStatusCompleted && op.local.Status != enums.RefundStatusCompleted {
			return op.gateway.Amount, reason, nil
		}
		return 0, "", nil

	default:
		if op.local.Status == next {
			return 0, "", nil
		}
		updates := map[string]any{"status": next}
		if next == enums.RefundStatusCompleted {
			updates["processed_at"] = now
		}
		if err := s.refundsRepo.Update(ctx, op.local.ID, updates); err != nil {
			return 0, "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update refund status")
		}
		note := fmt.Sprintf("gateway status %s via %s", op.gateway.Status, source)
		if err := s.appendHistory(ctx, op.local.ID, next, note); err != nil {
			return 0, "", err
		}
		if next == enums.RefundStatusCompleted {
			return op.gateway.Amount, reason, nil
		}
		return 0, "", nil
	}
}

// finishReconciliation re-derives the order's payment status under a
// transaction and queues the customer confirmation email when an amount
// newly completed.
func (s *Service) finishReconciliation(ctx context.Context, orderID uuid.UUID, outcome reconcileOutcome) (*Result, error) {
	var order *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.ordersRepo.WithTx(tx)
		loaded, err := repo.FindByIDForUpdate(ctx, orderID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
		}
		order = loaded

		sum, err := s.refundsRepo.WithTx(tx).SumCompletedByOrder(ctx, orderID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sum completed refunds")
		}

		next := derivePaymentStatus(order.PaymentStatus, sum, order.TotalCents)
		if next == order.PaymentStatus {
			return nil
		}
		if err := repo.Update(ctx, orderID, map[string]any{"payment_status": next}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order payment status")
		}
		order.PaymentStatus = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &Result{Order: order}
	if outcome.completedCents > 0 {
		result.Tasks = append(result.Tasks, tasks.Task{
			Kind: tasks.KindRefundConfirmationEmail,
			Payload: map[string]any{
				"order_number": order.OrderNumber,
				"amount_cents": outcome.completedCents,
				"currency":     order.Currency,
				"reason":       outcome.reason,
				"order_url":    s.shop.OrderURL(order.OrderNumber),
			},
		})
	}
	return result, nil
}

// derivePaymentStatus computes the order's payment status purely from the
// completed refund sum against the order total. REFUNDED is terminal: a
// late partial-refund event can never downgrade it.
func derivePaymentStatus(current enums.PaymentStatus, completedCents, totalCents int64) enums.PaymentStatus {
	if current == enums.PaymentStatusRefunded {
		return current
	}
	switch {
	case totalCents > 0 && completedCents >= totalCents:
		return enums.PaymentStatusRefunded
	case completedCents > 0:
		return enums.PaymentStatusPartiallyRefunded
	default:
		return current
	}
}

func (s *Service) externalRefundRow(order *models.Order, gr *stripe.Refund, status enums.RefundStatus) *models.Refund {
	row := &models.Refund{
		ID:             uuid.New(),
		OrderID:        order.ID,
		AmountCents:    gr.Amount,
		Currency:       order.Currency,
		Status:         status,
		StripeRefundID: &gr.ID,
		ExternalOrigin: true,
	}
	if gr.Currency != "" {
		row.Currency = string(gr.Currency)
	}
	if reason := string(gr.Reason); reason != "" {
		row.Reason = &reason
	}
	if gr.FailureReason != "" {
		failureReason := string(gr.FailureReason)
		row.FailureReason = &failureReason
	}
	return row
}

// refundFromMetadata resolves the local refund id a gateway refund carries
// when it was initiated from inside this system.
func (s *Service) refundFromMetadata(ctx context.Context, gr *stripe.Refund) *models.Refund {
	raw := gr.Metadata["refund_id"]
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "refund_metadata", raw), "gateway refund carries unparseable local refund id")
		return nil
	}
	local, err := s.refundsRepo.FindByID(ctx, id)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logg.Error(ctx, "look up refund from metadata", err)
		}
		return nil
	}
	return local
}

func (s *Service) locateLocalRefund(ctx context.Context, gr *stripe.Refund) (*models.Refund, error) {
	local, err := s.refundsRepo.FindByStripeID(ctx, gr.ID)
	if err == nil {
		return local, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "look up refund by gateway id")
	}
	return s.refundFromMetadata(ctx, gr), nil
}

func (s *Service) findOrderForRefund(ctx context.Context, gr *stripe.Refund) (*models.Order, error) {
	paymentIntentID := ""
	if gr.PaymentIntent != nil {
		paymentIntentID = gr.PaymentIntent.ID
	}
	if paymentIntentID == "" && gr.Charge != nil && gr.Charge.PaymentIntent != nil {
		paymentIntentID = gr.Charge.PaymentIntent.ID
	}
	if paymentIntentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund carries no payment intent reference")
	}
	return s.findOrderByPaymentIntent(ctx, paymentIntentID)
}

func (s *Service) findOrderByPaymentIntent(ctx context.Context, paymentIntentID string) (*models.Order, error) {
	order, err := s.ordersRepo.FindByPaymentIntentID(ctx, paymentIntentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found for payment intent")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order by payment intent")
	}
	return order, nil
}

func (s *Service) appendHistory(ctx context.Context, refundID uuid.UUID, status enums.RefundStatus, note string) error {
	entry := &models.RefundHistory{
		ID:       uuid.New(),
		RefundID: refundID,
		Action:   string(status),
		Note:     &note,
	}
	if err := s.refundsRepo.AppendHistory(ctx, entry); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append refund history")
	}
	return nil
}
