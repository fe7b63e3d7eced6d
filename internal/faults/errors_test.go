package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := &Error{Kind: OrderRejected, Op: "POST /fapi/v1/order", Status: 400, Code: -2027}
	wrapped := fmt.Errorf("placing entry: %w", base)

	assert.True(t, Is(wrapped, OrderRejected))
	assert.False(t, Is(wrapped, RateLimited))
	assert.Equal(t, OrderRejected, KindOf(wrapped))
	assert.Equal(t, -2027, Code(wrapped))
	assert.Equal(t, 400, Status(wrapped))
}

func TestUnclassifiedError(t *testing.T) {
	err := errors.New("boom")

	assert.Equal(t, Unknown, KindOf(err))
	assert.Equal(t, 0, Code(err))
	assert.False(t, Is(err, TransientExchange))
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"code wins over status", &Error{Kind: OrderRejected, Op: "order", Status: 400, Code: -2019}, "order: order_rejected (code -2019)"},
		{"status only", &Error{Kind: TransientExchange, Op: "depth", Status: 503}, "depth: transient_exchange (status 503)"},
		{"wrapped cause", New(ConfigurationInvalid, "risk config", errors.New("missing max_try")), "risk config: configuration_invalid: missing max_try"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}
