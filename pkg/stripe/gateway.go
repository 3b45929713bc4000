package stripe

import (
	"context"
	"errors"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/checkout/session"
	"github.com/stripe/stripe-go/v84/refund"
)

// SessionRetriever loads the full checkout session, with the shipping rate
// expanded, when the webhook payload alone is not enough.
type SessionRetriever interface {
	RetrieveSession(ctx context.Context, id string) (*stripe.CheckoutSession, error)
}

// RefundCreator issues a refund against the gateway. Callers must supply an
// idempotency key: this is the one write outside the local transaction
// boundary where a duplicate would have an external financial effect.
type RefundCreator interface {
	CreateRefund(ctx context.Context, req RefundRequest) (*stripe.Refund, error)
}

// Gateway is the full outbound surface the fulfillment pipeline needs.
type Gateway interface {
	SessionRetriever
	RefundCreator
}

// RefundRequest captures the inputs for a gateway refund.
type RefundRequest struct {
	PaymentIntentID string
	AmountCents     int64
	Reason          string
	IdempotencyKey  string
}

type gateway struct{}

// NewGateway wraps the package-level Stripe bindings behind the Gateway
// interface so services stay testable. The provided client guarantees the
// global API key has been configured.
func NewGateway(api *Client) (Gateway, error) {
	if api == nil {
		return nil, errors.New("stripe client is required")
	}
	return &gateway{}, nil
}

func (g *gateway) RetrieveSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	if id == "" {
		return nil, errors.New("session id is required")
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("shipping_cost.shipping_rate")
	params.AddExpand("payment_intent")
	return session.Get(id, params)
}

func (g *gateway) CreateRefund(ctx context.Context, req RefundRequest) (*stripe.Refund, error) {
	if req.PaymentIntentID == "" {
		return nil, errors.New("payment intent id is required")
	}
	if req.IdempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentIntentID),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	if req.AmountCents > 0 {
		params.Amount = stripe.Int64(req.AmountCents)
	}
	if req.Reason != "" {
		params.Reason = stripe.String(req.Reason)
	}
	return refund.New(params)
}
