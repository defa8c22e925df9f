package httpclient

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseAnthropicHeaders(t *testing.T) {
	reset := time.Now().Add(30 * time.Second).UTC()
	h := http.Header{}
	h.Set("retry-after", "12")
	h.Set("anthropic-ratelimit-requests-reset", reset.Format(time.RFC3339))
	h.Set("anthropic-ratelimit-requests-remaining", "99")
	h.Set("anthropic-ratelimit-input-tokens-remaining", "5000")

	info := ParseAnthropicHeaders(h)
	assert.Equal(t, 12*time.Second, info.RetryAfter)
	assert.Equal(t, reset.Unix(), info.ResetTime)
	assert.Equal(t, 99, info.RequestsRemaining)
	assert.Equal(t, 5000, info.TokensRemaining)
}

func TestParseOpenAIHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	h.Set("x-ratelimit-reset-requests", "1700000000")
	h.Set("x-ratelimit-remaining-requests", "42")
	h.Set("x-ratelimit-remaining-tokens", "10000")

	info := ParseOpenAIHeaders(h)
	assert.Equal(t, 7*time.Second, info.RetryAfter)
	assert.Equal(t, int64(1700000000), info.ResetTime)
	assert.Equal(t, 42, info.RequestsRemaining)
	assert.Equal(t, 10000, info.TokensRemaining)
}

func TestParseGenericHeaders(t *testing.T) {
	h := http.Header{}
	assert.Zero(t, ParseGenericHeaders(h).RetryAfter)

	h.Set("Retry-After", "3")
	assert.Equal(t, 3*time.Second, ParseGenericHeaders(h).RetryAfter)

	h.Set("Retry-After", "not-a-number")
	assert.Zero(t, ParseGenericHeaders(h).RetryAfter)
}
