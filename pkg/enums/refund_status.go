package enums

import "fmt"

// RefundStatus tracks the lifecycle of a single refund.
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusApproved  RefundStatus = "approved"
	RefundStatusCompleted RefundStatus = "completed"
	RefundStatusFailed    RefundStatus = "failed"
	RefundStatusCancelled RefundStatus = "cancelled"
)

var validRefundStatuses = []RefundStatus{
	RefundStatusPending,
	RefundStatusApproved,
	RefundStatusCompleted,
	RefundStatusFailed,
	RefundStatusCancelled,
}

// String implements fmt.Stringer.
func (r RefundStatus) String() string {
	return string(r)
}

// IsValid reports whether the value is a known RefundStatus.
func (r RefundStatus) IsValid() bool {
	for _, candidate := range validRefundStatuses {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseRefundStatus converts raw input into a RefundStatus.
func ParseRefundStatus(value string) (RefundStatus, error) {
	for _, candidate := range validRefundStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid refund status %q", value)
}

// RefundStatusFromGateway maps a gateway refund status string to the
// local lifecycle. Unknown values land in pending so a later event can
// still move the refund forward.
func RefundStatusFromGateway(value string) RefundStatus {
	switch value {
	case "succeeded":
		return RefundStatusCompleted
	case "pending":
		return RefundStatusApproved
	case "failed":
		return RefundStatusFailed
	case "canceled":
		return RefundStatusCancelled
	default:
		return RefundStatusPending
	}
}
