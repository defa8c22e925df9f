package httpclient

import (
	"fmt"
	"time"
)

// RetriesExhaustedError reports a request that kept failing until the retry
// budget ran out. StatusCode comes from the last response and is zero when
// the final failure happened before a response arrived.
type RetriesExhaustedError struct {
	StatusCode int
	Attempts   int
	RetryAfter time.Duration
	Err        error
}

func (e *RetriesExhaustedError) Error() string {
	msg := fmt.Sprintf("request failed after %d attempt(s)", e.Attempts)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("HTTP %d: %s", e.StatusCode, msg)
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", server asked to retry after %v", e.RetryAfter)
	}
	return msg
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}
