package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/aveline-shop/aveline-backend/api/responses"
	"github.com/aveline-shop/aveline-backend/internal/tasks"
	stripewebhook "github.com/aveline-shop/aveline-backend/internal/webhooks/stripe"
	pkgerrors "github.com/aveline-shop/aveline-backend/pkg/errors"
	"github.com/aveline-shop/aveline-backend/pkg/logger"
)

// maxBodyBytes bounds webhook payloads, per the gateway's own guidance.
const maxBodyBytes = int64(65536)

// StripeControllerParams wires the webhook controller's collaborators.
type StripeControllerParams struct {
	Dispatcher    *stripewebhook.Service
	Guard         *stripewebhook.IdempotencyGuard
	Executor      *tasks.Executor
	SigningSecret string
	Logger        *logger.Logger
}

// StripeController receives signed gateway events, verifies them, and runs
// the dispatch pipeline. Post-tasks run after the response is written so a
// slow mail provider cannot push the gateway into redelivery.
type StripeController struct {
	dispatcher    *stripewebhook.Service
	guard         *stripewebhook.IdempotencyGuard
	executor      *tasks.Executor
	signingSecret string
	logg          *logger.Logger
}

// NewStripeController builds the webhook controller.
func NewStripeController(params StripeControllerParams) (*StripeController, error) {
	if params.Dispatcher == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "dispatcher required")
	}
	if params.Guard == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "idempotency guard required")
	}
	if params.Executor == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "task executor required")
	}
	if params.SigningSecret == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "signing secret required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &StripeController{
		dispatcher:    params.Dispatcher,
		guard:         params.Guard,
		executor:      params.Executor,
		signingSecret: params.SigningSecret,
		logg:          params.Logger,
	}, nil
}

// Handle is the POST /webhooks/stripe endpoint.
func (c *StripeController) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		responses.WriteError(ctx, c.logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read webhook body"))
		return
	}

	event, err := webhook.ConstructEvent(body, r.Header.Get("Stripe-Signature"), c.signingSecret)
	if err != nil {
		responses.WriteError(ctx, c.logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "verify webhook signature"))
		return
	}

	ctx = c.logg.WithEventID(ctx, event.ID)
	ctx = c.logg.WithEventType(ctx, string(event.Type))

	// Fast replay guard. Redis being down is not a reason to drop a payment
	// event: the transactional guard downstream still makes redelivery safe.
	replayed, err := c.guard.CheckAndMark(ctx, event.ID)
	if err != nil {
		c.logg.Warn(ctx, "replay guard unavailable; relying on transactional idempotency")
	} else if replayed {
		c.logg.Info(ctx, "event already processed; acknowledging replay")
		responses.WriteSuccess(w, map[string]any{"received": true, "duplicate": true})
		return
	}

	result, err := c.dispatcher.HandleEvent(ctx, event)
	if err != nil {
		// Unmark so the gateway's redelivery is not swallowed by the guard.
		if delErr := c.guard.Delete(ctx, event.ID); delErr != nil {
			c.logg.Warn(ctx, "could not release replay guard after handler failure")
		}
		responses.WriteError(ctx, c.logg, w, err)
		return
	}

	responses.WriteSuccess(w, map[string]any{
		"received": true,
		"skipped":  result.Skipped,
	})

	if len(result.Tasks) > 0 {
		// Detach from the request: the gateway already has its 200.
		taskCtx := context.WithoutCancel(ctx)
		go func() {
			summary := c.executor.Run(taskCtx, result.Tasks)
			if summary.Failed > 0 {
				c.logg.Warn(taskCtx, "post-task batch finished with failures")
			}
		}()
	}
}
