package faults

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validation("bad symbol %q", ""), KindValidation},
		{"not found", NotFound("unknown symbol"), KindNotFound},
		{"upstream", Upstream("quote fetch", errors.New("boom")), KindUpstream},
		{"rate limit", RateLimited("throttled", time.Second), KindRateLimit},
		{"timeout", Timeout("quote", 2*time.Second), KindTimeout},
		{"circuit open", CircuitOpen("quotes"), KindCircuitOpen},
		{"plain error", errors.New("boom"), KindInternal},
		{"nil cause internal", Internal("oops", nil), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestKindOf_WrappedFault(t *testing.T) {
	inner := RateLimited("throttled", 30*time.Second)
	wrapped := fmt.Errorf("fetch quote: %w", inner)

	assert.Equal(t, KindRateLimit, KindOf(wrapped))
	assert.Equal(t, 30*time.Second, RetryAfterOf(wrapped))
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(Validation("bad input")))
	assert.False(t, Retryable(NotFound("nope")))
	assert.False(t, Retryable(RateLimited("slow down", time.Minute)))
	assert.False(t, Retryable(CircuitOpen("fx")))

	assert.True(t, Retryable(Upstream("fetch", errors.New("boom"))))
	assert.True(t, Retryable(Timeout("fetch", time.Second)))
	assert.True(t, Retryable(errors.New("unclassified")))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Upstream("quote fetch", cause)

	require.True(t, errors.Is(err, cause))

	var f *Fault
	require.True(t, errors.As(err, &f))
	assert.Equal(t, "quote fetch", f.Message)
}

func TestSuggestions(t *testing.T) {
	err := NotFound("unknown symbol AAPLE", "AAPL", "AAP")
	assert.Equal(t, []string{"AAPL", "AAP"}, SuggestionsOf(err))
	assert.Nil(t, SuggestionsOf(errors.New("boom")))
}

func TestErrorMessage(t *testing.T) {
	err := Upstream("quote fetch", errors.New("boom"))
	assert.Equal(t, "UPSTREAM: quote fetch: boom", err.Error())

	err = Validation("empty symbol")
	assert.Equal(t, "VALIDATION: empty symbol", err.Error())
}
