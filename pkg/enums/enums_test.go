package enums

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRefundStatusFromGateway(t *testing.T) {
	cases := map[string]RefundStatus{
		"succeeded":        RefundStatusCompleted,
		"pending":          RefundStatusApproved,
		"failed":           RefundStatusFailed,
		"canceled":         RefundStatusCancelled,
		"requires_action":  RefundStatusPending,
		"":                 RefundStatusPending,
		"something_future": RefundStatusPending,
	}
	for input, want := range cases {
		assert.Equal(t, want, RefundStatusFromGateway(input), "input %q", input)
	}
}

func TestDisputeStatusFromGateway(t *testing.T) {
	cases := map[string]DisputeStatus{
		"needs_response":         DisputeStatusNeedsResponse,
		"under_review":           DisputeStatusUnderReview,
		"won":                    DisputeStatusWon,
		"lost":                   DisputeStatusLost,
		"warning_needs_response": DisputeStatusUnderReview,
		"unheard_of":             DisputeStatusNeedsResponse,
	}
	for input, want := range cases {
		assert.Equal(t, want, DisputeStatusFromGateway(input), "input %q", input)
	}
}

func TestDisputeStatusIsResolved(t *testing.T) {
	assert.False(t, DisputeStatusNeedsResponse.IsResolved())
	assert.False(t, DisputeStatusUnderReview.IsResolved())
	assert.True(t, DisputeStatusWon.IsResolved())
	assert.True(t, DisputeStatusLost.IsResolved())
	assert.True(t, DisputeStatusAccepted.IsResolved())
	assert.True(t, DisputeStatusChargeRefunded.IsResolved())
}

func TestPaymentStatusParse(t *testing.T) {
	parsed, err := ParsePaymentStatus("partially_refunded")
	assert.NoError(t, err)
	assert.Equal(t, PaymentStatusPartiallyRefunded, parsed)

	_, err = ParsePaymentStatus("definitely_not_a_status")
	assert.Error(t, err)
}

func TestOrderStatusIsValid(t *testing.T) {
	assert.True(t, OrderStatusProcessing.IsValid())
	assert.False(t, OrderStatus("mailed_by_carrier_pigeon").IsValid())
}
