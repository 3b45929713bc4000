package disputes

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/aveline-shop/aveline-backend/internal/orders"
	"github.com/aveline-shop/aveline-backend/internal/tasks"
	"github.com/aveline-shop/aveline-backend/pkg/db/models"
	"github.com/aveline-shop/aveline-backend/pkg/enums"
	pkgerrors "github.com/aveline-shop/aveline-backend/pkg/errors"
	"github.com/aveline-shop/aveline-backend/pkg/logger"
)

// defaultEvidenceWindow is applied when the gateway omits an evidence
// deadline on a freshly created dispute.
const defaultEvidenceWindow = 7 * 24 * time.Hour

// Result carries the mirrored dispute plus deferred side effects.
type Result struct {
	Dispute *models.Dispute
	Tasks   []tasks.Task
}

// ServiceParams wires the dispute state service's collaborators.
type ServiceParams struct {
	OrdersRepo   orders.Repository
	DisputesRepo Repository
	Logger       *logger.Logger
}

// Service mirrors the gateway's dispute lifecycle onto local rows. It never
// originates a transition; every state change is a reflection of an event.
type Service struct {
	ordersRepo   orders.Repository
	disputesRepo Repository
	logg         *logger.Logger
}

// NewService builds the dispute state service.
func NewService(params ServiceParams) (*Service, error) {
	if params.OrdersRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders repo required")
	}
	if params.DisputesRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "disputes repo required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		ordersRepo:   params.OrdersRepo,
		disputesRepo: params.DisputesRepo,
		logg:         params.Logger,
	}, nil
}

// UpsertFromCreated handles a newly opened dispute. The row is keyed by the
// gateway dispute id so duplicate delivery upserts rather than duplicating,
// and an admin alert is always the first task out: disputes carry real
// financial and reputational risk.
func (s *Service) UpsertFromCreated(ctx context.Context, gatewayDispute *stripe.Dispute) (*Result, error) {
	if gatewayDispute == nil || gatewayDispute.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "dispute required")
	}

	order, err := s.findOrder(ctx, gatewayDispute)
	if err != nil {
		// A dispute with no matching order cannot be resolved from inside
		// this system; log loudly and surface the error so it reaches
		// standard monitoring.
		s.logg.Error(s.logg.WithField(ctx, "stripe_dispute_id", gatewayDispute.ID), "dispute references no known order", err)
		return nil, err
	}
	ctx = s.logg.WithOrderID(ctx, order.ID.String())

	status := enums.DisputeStatusFromGateway(string(gatewayDispute.Status))
	dueAt := evidenceDueAt(gatewayDispute)

	row := &models.Dispute{
		ID:              uuid.New(),
		StripeDisputeID: gatewayDispute.ID,
		OrderID:         order.ID,
		AmountCents:     gatewayDispute.Amount,
		Currency:        string(gatewayDispute.Currency),
		Status:          status,
		EvidenceDueAt:   &dueAt,
	}
	if reason := string(gatewayDispute.Reason); reason != "" {
		row.Reason = &reason
	}
	if err := s.disputesRepo.Upsert(ctx, row); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "upsert dispute")
	}

	stored, err := s.disputesRepo.FindByStripeID(ctx, gatewayDispute.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload dispute")
	}

	return &Result{
		Dispute: stored,
		Tasks: []tasks.Task{{
			Kind: tasks.KindAdminDisputeAlert,
			Payload: map[string]any{
				"order_number":      order.OrderNumber,
				"stripe_dispute_id": gatewayDispute.ID,
				"amount_cents":      gatewayDispute.Amount,
				"currency":          string(gatewayDispute.Currency),
				"reason":            string(gatewayDispute.Reason),
				"evidence_due_at":   dueAt.Format(time.RFC3339),
			},
		}},
	}, nil
}

// ApplyUpdate mirrors a dispute status/reason change. Events can arrive out
// of order; an update for a dispute this system has never seen falls back to
// the created path.
func (s *Service) ApplyUpdate(ctx context.Context, gatewayDispute *stripe.Dispute) (*Result, error) {
	if gatewayDispute == nil || gatewayDispute.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "dispute required")
	}

	existing, err := s.disputesRepo.FindByStripeID(ctx, gatewayDispute.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.UpsertFromCreated(ctx, gatewayDispute)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "look up dispute")
	}

	status := enums.DisputeStatusFromGateway(string(gatewayDispute.Status))
	updates := map[string]any{"status": status}
	if reason := string(gatewayDispute.Reason); reason != "" {
		updates["reason"] = reason
	}
	if due := gatewayDispute.EvidenceDetails; due != nil && due.DueBy > 0 {
		updates["evidence_due_at"] = time.Unix(due.DueBy, 0).UTC()
	}
	if err := s.disputesRepo.Update(ctx, existing.ID, updates); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update dispute")
	}
	existing.Status = status

	return &Result{Dispute: existing}, nil
}

// Close records the gateway's final outcome and stamps the resolution time.
func (s *Service) Close(ctx context.Context, gatewayDispute *stripe.Dispute) (*Result, error) {
	if gatewayDispute == nil || gatewayDispute.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "dispute required")
	}

	var carried []tasks.Task
	existing, err := s.disputesRepo.FindByStripeID(ctx, gatewayDispute.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Closed arrived before created; record the dispute first so the
			// outcome has a row to land on. The created path's admin alert
			// rides along; this is still the operator's first sight of it.
			created, err := s.UpsertFromCreated(ctx, gatewayDispute)
			if err != nil {
				return nil, err
			}
			existing = created.Dispute
			carried = created.Tasks
		} else {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "look up dispute")
		}
	}

	status := enums.DisputeStatusFromGateway(string(gatewayDispute.Status))
	now := time.Now().UTC()
	updates := map[string]any{
		"status":      status,
		"resolved_at": now,
	}
	if err := s.disputesRepo.Update(ctx, existing.ID, updates); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "close dispute")
	}
	existing.Status = status
	existing.ResolvedAt = &now

	outcomeCtx := s.logg.WithFields(ctx, map[string]any{
		"stripe_dispute_id": gatewayDispute.ID,
		"outcome":           string(status),
	})
	s.logg.Info(outcomeCtx, "dispute closed")

	return &Result{Dispute: existing, Tasks: carried}, nil
}

// RecordFundsMovement logs a funds withdrawal or reinstatement. The gateway
// emits these as separate events with their own timing; no local state
// changes beyond what Close already recorded.
func (s *Service) RecordFundsMovement(ctx context.Context, gatewayDispute *stripe.Dispute, direction string) error {
	if gatewayDispute == nil || gatewayDispute.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "dispute required")
	}
	movementCtx := s.logg.WithFields(ctx, map[string]any{
		"stripe_dispute_id": gatewayDispute.ID,
		"amount_cents":      gatewayDispute.Amount,
		"direction":         direction,
	})
	s.logg.Info(movementCtx, "dispute funds movement")
	return nil
}

func (s *Service) findOrder(ctx context.Context, gatewayDispute *stripe.Dispute) (*models.Order, error) {
	paymentIntentID := ""
	if gatewayDispute.PaymentIntent != nil {
		paymentIntentID = gatewayDispute.PaymentIntent.ID
	}
	if paymentIntentID == "" && gatewayDispute.Charge != nil && gatewayDispute.Charge.PaymentIntent != nil {
		paymentIntentID = gatewayDispute.Charge.PaymentIntent.ID
	}
	if paymentIntentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "dispute carries no payment intent reference")
	}

	order, err := s.ordersRepo.FindByPaymentIntentID(ctx, paymentIntentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found for disputed payment")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order for dispute")
	}
	return order, nil
}

func evidenceDueAt(gatewayDispute *stripe.Dispute) time.Time {
	if details := gatewayDispute.EvidenceDetails; details != nil && details.DueBy > 0 {
		return time.Unix(details.DueBy, 0).UTC()
	}
	return time.Now().UTC().Add(defaultEvidenceWindow)
}
