package tasks

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/aveline-shop/aveline-backend/pkg/logger"
	"github.com/aveline-shop/aveline-backend/pkg/metrics"
	pkgerrors "github.com/aveline-shop/aveline-backend/pkg/errors"
)

// Summary aggregates the outcome of one post-task batch.
type Summary struct {
	Successful int
	Failed     int
	Errors     []error
}

// Err combines every task failure into one error, or nil when all passed.
func (s Summary) Err() error {
	return multierr.Combine(s.Errors...)
}

// ExecutorParams wires the executor's collaborators.
type ExecutorParams struct {
	Mailer  Mailer
	Cache   CacheInvalidator
	Logger  *logger.Logger
	Metrics *metrics.WebhookMetrics
}

// Executor runs deferred tasks strictly after the triggering transaction has
// committed. Tasks run sequentially; one failure never stops the rest, and
// nothing here is retried automatically.
type Executor struct {
	mailer  Mailer
	cache   CacheInvalidator
	logg    *logger.Logger
	metrics *metrics.WebhookMetrics
}

// NewExecutor builds a post-task executor.
func NewExecutor(params ExecutorParams) (*Executor, error) {
	if params.Mailer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "mailer required")
	}
	if params.Cache == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "cache invalidator required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Executor{
		mailer:  params.Mailer,
		cache:   params.Cache,
		logg:    params.Logger,
		metrics: params.Metrics,
	}, nil
}

// Run executes the batch and reports per-task outcomes. If any
// customer-facing financial email failed, one aggregated admin alert is sent
// describing all of them, so a broken mail provider surfaces once rather
// than once per customer.
func (e *Executor) Run(ctx context.Context, batch []Task) Summary {
	var summary Summary
	var escalations []string

	for _, task := range batch {
		err := e.runOne(ctx, task)
		if err == nil {
			summary.Successful++
			e.metrics.IncTask(string(task.Kind), "success")
			continue
		}

		summary.Failed++
		summary.Errors = append(summary.Errors, fmt.Errorf("%s: %w", task.Kind, err))
		e.metrics.IncTask(string(task.Kind), "failure")

		taskCtx := e.logg.WithField(ctx, "task_kind", string(task.Kind))
		e.logg.Error(taskCtx, "post-task failed", err)

		if task.Kind.IsCustomerFinancial() {
			escalations = append(escalations, fmt.Sprintf("%s: %v", task.Kind, err))
		}
	}

	if len(escalations) > 0 {
		alert := Task{
			Kind: KindAdminTaskFailureAlert,
			Payload: map[string]any{
				"failures": escalations,
			},
		}
		if err := e.mailer.Send(ctx, alert.Kind, alert.Payload); err != nil {
			summary.Errors = append(summary.Errors, fmt.Errorf("%s: %w", alert.Kind, err))
			e.logg.Error(ctx, "failed to escalate post-task failures", err)
		}
	}

	return summary
}

func (e *Executor) runOne(ctx context.Context, task Task) error {
	switch task.Kind {
	case KindCacheInvalidation:
		return e.cache.Invalidate(ctx, task.CacheKeys)
	case KindOrderConfirmationEmail,
		KindAdminNewOrderEmail,
		KindRefundConfirmationEmail,
		KindPaymentFailedEmail,
		KindAdminRefundFailedAlert,
		KindAdminDisputeAlert:
		return e.mailer.Send(ctx, task.Kind, task.Payload)
	default:
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown task kind %q", task.Kind))
	}
}
