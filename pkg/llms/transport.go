package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quillframe/quill/pkg/httpclient"
)

const defaultRequestTimeout = 60 * time.Second

// chatProvider is the internal contract each provider family implements. The
// message list handed to chat may still contain system-role messages; each
// provider shapes them the way its API expects.
type chatProvider interface {
	name() Provider
	chat(ctx context.Context, messages []Message, cfg Config) (string, Usage, error)
}

func newTransport(cfg Config, parser httpclient.RateLimitHeaderParser) *httpclient.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return httpclient.New(
		httpclient.WithTimeout(timeout),
		httpclient.WithHeaderParser(parser),
	)
}

// postJSON issues the request and hands back status plus body. Transport
// errors come back unwrapped so callers can classify them.
func postJSON(ctx context.Context, hc *httpclient.Client, url string, headers map[string]string, payload any) (int, []byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if resp == nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", readErr)
	}
	return resp.StatusCode, body, nil
}

// splitSystem separates system-role messages from the conversation, joining
// their contents. Providers that take a top-level system field use this.
func splitSystem(messages []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
