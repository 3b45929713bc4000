package tasks

import "context"

// Kind names a deferred side effect queued by a fulfillment handler.
type Kind string

const (
	KindOrderConfirmationEmail  Kind = "order_confirmation_email"
	KindAdminNewOrderEmail      Kind = "admin_new_order_email"
	KindRefundConfirmationEmail Kind = "refund_confirmation_email"
	KindPaymentFailedEmail      Kind = "payment_failed_email"
	KindAdminRefundFailedAlert  Kind = "admin_refund_failed_alert"
	KindAdminDisputeAlert       Kind = "admin_dispute_alert"
	KindCacheInvalidation       Kind = "cache_invalidation"

	// KindAdminTaskFailureAlert is only produced by the executor itself,
	// aggregating customer-facing email failures into one escalation.
	KindAdminTaskFailureAlert Kind = "admin_task_failure_alert"
)

// Task is a deferred, non-transactional side effect. Handlers return tasks
// instead of performing them so a failing email can never roll back a
// payment.
type Task struct {
	Kind      Kind
	Payload   map[string]any
	CacheKeys []string
}

// Mailer is the outbound notification collaborator. Transport (provider,
// templates) lives outside this core.
type Mailer interface {
	Send(ctx context.Context, kind Kind, payload map[string]any) error
}

// CacheInvalidator drops read-through cache keys after a commit.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, keys []string) error
}

// customerFinancialKinds are the emails whose failure must reach an
// operator: a customer who paid, was refunded, or was declined has to hear
// about it.
var customerFinancialKinds = map[Kind]bool{
	KindOrderConfirmationEmail:  true,
	KindRefundConfirmationEmail: true,
	KindPaymentFailedEmail:      true,
}

// IsCustomerFinancial reports whether a task failure requires escalation.
func (k Kind) IsCustomerFinancial() bool {
	return customerFinancialKinds[k]
}
