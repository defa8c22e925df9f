package llms

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// ProviderError is any network or provider-side failure of an LLM request.
type ProviderError struct {
	Provider Provider
	Endpoint string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// wrapTransportError classifies a transport-level failure into the messages
// callers see. Connection refused gets actionable phrasing because it is
// almost always a service that simply is not running.
func wrapTransportError(provider Provider, endpoint string, err error) *ProviderError {
	switch {
	case isConnectionRefused(err):
		return &ProviderError{
			Provider: provider,
			Endpoint: endpoint,
			Message:  fmt.Sprintf("Cannot connect to %s at %s. Ensure the service is running and the endpoint is reachable.", provider, endpoint),
			Err:      err,
		}
	case isTimeout(err):
		return &ProviderError{
			Provider: provider,
			Endpoint: endpoint,
			Message:  fmt.Sprintf("request to %s timed out: %v", provider, err),
			Err:      err,
		}
	default:
		return &ProviderError{
			Provider: provider,
			Endpoint: endpoint,
			Message:  fmt.Sprintf("%s request failed: %v", provider, err),
			Err:      err,
		}
	}
}

// httpError wraps a non-2xx response with status and a body snippet.
func httpError(provider Provider, endpoint string, status int, body []byte) *ProviderError {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200] + "…"
	}
	return &ProviderError{
		Provider: provider,
		Endpoint: endpoint,
		Message:  fmt.Sprintf("%s returned HTTP %d: %s", provider, status, snippet),
	}
}

func isConnectionRefused(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) && sysErr.Err == syscall.ECONNREFUSED {
		return true
	}
	// url.Error wrapping varies by platform; fall back to the message
	return strings.Contains(err.Error(), "connection refused")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
