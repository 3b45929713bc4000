package stripewebhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/aveline-shop/aveline-backend/internal/disputes"
	"github.com/aveline-shop/aveline-backend/internal/fulfillment"
	"github.com/aveline-shop/aveline-backend/internal/refunds"
	"github.com/aveline-shop/aveline-backend/internal/tasks"
	"github.com/aveline-shop/aveline-backend/pkg/db/models"
	pkgerrors "github.com/aveline-shop/aveline-backend/pkg/errors"
	"github.com/aveline-shop/aveline-backend/pkg/logger"
	"github.com/aveline-shop/aveline-backend/pkg/metrics"
)

// Result is what one event dispatch produced. A skipped result is still a
// success: unknown event types are acknowledged so the gateway stops
// redelivering them.
type Result struct {
	Handled bool
	Skipped bool
	Order   *models.Order
	Tasks   []tasks.Task
}

// ServiceParams wires the dispatcher's collaborators.
type ServiceParams struct {
	Fulfillment *fulfillment.Service
	Refunds     *refunds.Service
	Disputes    *disputes.Service
	Logger      *logger.Logger
	Metrics     *metrics.WebhookMetrics
}

// Service routes each gateway event to its handler. The supported set is a
// fixed switch; the gateway's event catalog evolves independently, so
// anything else is acknowledged and ignored rather than failed.
type Service struct {
	fulfillment *fulfillment.Service
	refunds     *refunds.Service
	disputes    *disputes.Service
	logg        *logger.Logger
	metrics     *metrics.WebhookMetrics
}

// NewService builds the webhook dispatcher.
func NewService(params ServiceParams) (*Service, error) {
	if params.Fulfillment == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "fulfillment service required")
	}
	if params.Refunds == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "refunds service required")
	}
	if params.Disputes == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "disputes service required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		fulfillment: params.Fulfillment,
		refunds:     params.Refunds,
		disputes:    params.Disputes,
		logg:        params.Logger,
		metrics:     params.Metrics,
	}, nil
}

// HandleEvent dispatches one verified gateway event. An error return tells
// the caller to answer non-2xx so the gateway redelivers; a nil error,
// including the skipped case, acknowledges the event for good.
func (s *Service) HandleEvent(ctx context.Context, event stripe.Event) (*Result, error) {
	ctx = s.logg.WithEventID(ctx, event.ID)
	ctx = s.logg.WithEventType(ctx, string(event.Type))

	start := time.Now()
	result, err := s.route(ctx, event)
	s.metrics.ObserveDuration(string(event.Type), time.Since(start))

	if err != nil {
		s.metrics.IncFailed(string(event.Type))
		s.logg.Error(ctx, "event handler failed", err)
		return nil, err
	}
	if result.Skipped {
		s.metrics.IncSkipped(string(event.Type))
		s.logg.Info(ctx, "unsupported event type acknowledged")
		return result, nil
	}
	s.metrics.IncHandled(string(event.Type))
	return result, nil
}

func (s *Service) route(ctx context.Context, event stripe.Event) (*Result, error) {
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		session, err := parseSession(event)
		if err != nil {
			return nil, err
		}
		res, err := s.fulfillment.FulfillCheckout(ctx, session)
		if err != nil {
			return nil, err
		}
		if res == nil {
			// Async payment method still pending; nothing to do yet.
			return &Result{Handled: true}, nil
		}
		return &Result{Handled: true, Order: res.Order, Tasks: res.Tasks}, nil

	case stripe.EventTypeCheckoutSessionExpired:
		session, err := parseSession(event)
		if err != nil {
			return nil, err
		}
		res, err := s.fulfillment.ExpireCheckout(ctx, session)
		if err != nil {
			return nil, err
		}
		return &Result{Handled: true, Order: res.Order, Tasks: res.Tasks}, nil

	case stripe.EventTypeCheckoutSessionAsyncPaymentFailed:
		session, err := parseSession(event)
		if err != nil {
			return nil, err
		}
		if session.PaymentIntent == nil || session.PaymentIntent.ID == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "failed checkout session carries no payment intent")
		}
		res, err := s.fulfillment.FailPayment(ctx, session.PaymentIntent)
		if err != nil {
			return nil, err
		}
		return &Result{Handled: true, Order: res.Order, Tasks: res.Tasks}, nil

	case stripe.EventTypePaymentIntentSucceeded:
		// Superseded by the checkout-completion handler; acknowledged so
		// the gateway stops redelivering.
		return &Result{Handled: true}, nil

	case stripe.EventTypePaymentIntentPaymentFailed, stripe.EventTypePaymentIntentCanceled:
		intent, err := parseIntent(event)
		if err != nil {
			return nil, err
		}
		res, err := s.fulfillment.FailPayment(ctx, intent)
		if err != nil {
			return nil, err
		}
		return &Result{Handled: true, Order: res.Order, Tasks: res.Tasks}, nil

	case stripe.EventTypeChargeRefunded:
		charge, err := parseCharge(event)
		if err != nil {
			return nil, err
		}
		res, err := s.refunds.ReconcileCharge(ctx, charge)
		if err != nil {
			return nil, err
		}
		return &Result{Handled: true, Order: res.Order, Tasks: res.Tasks}, nil

	case stripe.EventTypeRefundCreated, stripe.EventTypeRefundUpdated:
		refund, err := parseRefund(event)
		if err != nil {
			return nil, err
		}
		res, err := s.refunds.ReconcileRefund(ctx, refund)
		if err != nil {
			return nil, err
		}
		return &Result{Handled: true, Order: res.Order, Tasks: res.Tasks}, nil

	case stripe.EventTypeRefundFailed:
		refund, err := parseRefund(event)
		if err != nil {
			return nil, err
		}
		res, err := s.refunds.MarkRefundFailed(ctx, refund)
		if err != nil {
			return nil, err
		}
		return &Result{Handled: true, Order: res.Order, Tasks: res.Tasks}, nil

	case stripe.EventTypeChargeDisputeCreated:
		dispute, err := parseDispute(event)
		if err != nil {
			return nil, err
		}
		res, err := s.disputes.UpsertFromCreated(ctx, dispute)
		if err != nil {
			return nil, err
		}
		return &Result{Handled: true, Tasks: res.Tasks}, nil

	case stripe.EventTypeChargeDisputeUpdated:
		dispute, err := parseDispute(event)
		if err != nil {
			return nil, err
		}
		res, err := s.disputes.ApplyUpdate(ctx, dispute)
		if err != nil {
			return nil, err
		}
		return &Result{Handled: true, Tasks: res.Tasks}, nil

	case stripe.EventTypeChargeDisputeClosed:
		dispute, err := parseDispute(event)
		if err != nil {
			return nil, err
		}
		res, err := s.disputes.Close(ctx, dispute)
		if err != nil {
			return nil, err
		}
		return &Result{Handled: true, Tasks: res.Tasks}, nil

	case stripe.EventTypeChargeDisputeFundsWithdrawn:
		dispute, err := parseDispute(event)
		if err != nil {
			return nil, err
		}
		if err := s.disputes.RecordFundsMovement(ctx, dispute, "withdrawn"); err != nil {
			return nil, err
		}
		return &Result{Handled: true}, nil

	case stripe.EventTypeChargeDisputeFundsReinstated:
		dispute, err := parseDispute(event)
		if err != nil {
			return nil, err
		}
		if err := s.disputes.RecordFundsMovement(ctx, dispute, "reinstated"); err != nil {
			return nil, err
		}
		return &Result{Handled: true}, nil

	default:
		return &Result{Skipped: true}, nil
	}
}

func parseSession(event stripe.Event) (*stripe.CheckoutSession, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode checkout session payload")
	}
	return &session, nil
}

func parseIntent(event stripe.Event) (*stripe.PaymentIntent, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment intent payload")
	}
	return &intent, nil
}

func parseCharge(event stripe.Event) (*stripe.Charge, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode charge payload")
	}
	return &charge, nil
}

func parseRefund(event stripe.Event) (*stripe.Refund, error) {
	var refund stripe.Refund
	if err := json.Unmarshal(event.Data.Raw, &refund); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode refund payload")
	}
	return &refund, nil
}

func parseDispute(event stripe.Event) (*stripe.Dispute, error) {
	var dispute stripe.Dispute
	if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode dispute payload")
	}
	return &dispute, nil
}
