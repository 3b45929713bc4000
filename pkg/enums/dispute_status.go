package enums

import "fmt"

// DisputeStatus mirrors the gateway's dispute lifecycle. This system never
// originates a transition, it only records what the gateway reports.
type DisputeStatus string

const (
	DisputeStatusNeedsResponse  DisputeStatus = "needs_response"
	DisputeStatusUnderReview    DisputeStatus = "under_review"
	DisputeStatusWon            DisputeStatus = "won"
	DisputeStatusLost           DisputeStatus = "lost"
	DisputeStatusAccepted       DisputeStatus = "accepted"
	DisputeStatusChargeRefunded DisputeStatus = "charge_refunded"
)

var validDisputeStatuses = []DisputeStatus{
	DisputeStatusNeedsResponse,
	DisputeStatusUnderReview,
	DisputeStatusWon,
	DisputeStatusLost,
	DisputeStatusAccepted,
	DisputeStatusChargeRefunded,
}

// String implements fmt.Stringer.
func (d DisputeStatus) String() string {
	return string(d)
}

// IsValid reports whether the value is a known DisputeStatus.
func (d DisputeStatus) IsValid() bool {
	for _, candidate := range validDisputeStatuses {
		if candidate == d {
			return true
		}
	}
	return false
}

// IsResolved reports whether the dispute has reached a final outcome.
func (d DisputeStatus) IsResolved() bool {
	switch d {
	case DisputeStatusWon, DisputeStatusLost, DisputeStatusAccepted, DisputeStatusChargeRefunded:
		return true
	default:
		return false
	}
}

// ParseDisputeStatus converts raw input into a DisputeStatus.
func ParseDisputeStatus(value string) (DisputeStatus, error) {
	for _, candidate := range validDisputeStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid dispute status %q", value)
}

// DisputeStatusFromGateway maps a gateway dispute status string onto the
// local lifecycle, defaulting to needs_response for anything unrecognized.
func DisputeStatusFromGateway(value string) DisputeStatus {
	if parsed, err := ParseDisputeStatus(value); err == nil {
		return parsed
	}
	switch value {
	case "warning_needs_response", "warning_under_review":
		return DisputeStatusUnderReview
	default:
		return DisputeStatusNeedsResponse
	}
}
