package channel

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kefctl/kefctl/internal/deviceerr"
	"github.com/kefctl/kefctl/internal/protocol"
)

func TestRetryPolicy_AttemptsFor(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, 3, p.AttemptsFor(Get(protocol.ParamVolume)))
	assert.Equal(t, 2, p.AttemptsFor(Control(protocol.ParamPlayback, protocol.PlaybackNext)))

	single := Get(protocol.ParamVolume)
	single.MaxAttempts = 1
	assert.Equal(t, 1, p.AttemptsFor(single))

	capped := Control(protocol.ParamPlayback, protocol.PlaybackNext)
	capped.MaxAttempts = 5
	assert.Equal(t, 2, p.AttemptsFor(capped))
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := DefaultRetryPolicy()
	get := Get(protocol.ParamVolume)
	step := Control(protocol.ParamVolume, 0x20)

	tests := []struct {
		name    string
		req     *Request
		err     error
		attempt int
		want    bool
	}{
		{"timeout idempotent", get, deviceerr.NewTimeoutError("x", nil, true), 1, true},
		{"timeout idempotent last attempt", get, deviceerr.NewTimeoutError("x", nil, true), 3, false},
		{"transport idempotent", get, deviceerr.NewTransportError("x", nil, true), 2, true},
		{"timeout non-idempotent sent", step, deviceerr.NewTimeoutError("x", nil, true), 1, false},
		{"transport non-idempotent unsent", step, deviceerr.NewTransportError("x", nil, false), 1, true},
		{"non-idempotent second retry", step, deviceerr.NewTransportError("x", nil, false), 2, false},
		{"protocol", get, deviceerr.NewProtocolError("x", nil, true), 1, false},
		{"rejected", get, deviceerr.NewRejectedError("x"), 1, false},
		{"unreachable", get, deviceerr.NewUnreachableError("h:1", nil), 1, false},
		{"foreign error", get, errors.New("x"), 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ShouldRetry(tt.req, tt.err, tt.attempt))
		})
	}
}

func TestRetryPolicy_BackOffGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{
		Attempts:        5,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     40 * time.Millisecond,
		Multiplier:      2,
		Jitter:          NoJitter,
	}.withDefaults()

	b := p.NewBackOff()
	want := []time.Duration{10, 20, 40, 40}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, b.NextBackOff(), "step %d", i)
	}
}

func TestRetryPolicy_Defaults(t *testing.T) {
	p := RetryPolicy{}.withDefaults()
	assert.Equal(t, DefaultRetryPolicy(), p)
	assert.Equal(t, DefaultJitter, p.NewBackOff().RandomizationFactor)
}

func TestRetryPolicy_Jitter(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"unset", 0, DefaultJitter},
		{"explicit", 0.5, 0.5},
		{"disabled", NoJitter, 0},
		{"out of range", 1, DefaultJitter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := RetryPolicy{Jitter: tt.in}.withDefaults()
			assert.Equal(t, tt.want, p.Jitter)
			assert.Equal(t, tt.want, p.NewBackOff().RandomizationFactor)
		})
	}
}
