package toolgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HTTPExecutor builds an ExecuteFunc that POSTs the parameters as a JSON
// object to endpoint and decodes the JSON object reply. HTTP status codes map
// onto the error taxonomy so the gateway's retry policy applies: 429 is
// rate_limited (honoring Retry-After), 408 and 504 are timeouts, other 5xx
// are transient_network, remaining non-2xx are execution failures.
func HTTPExecutor(client *http.Client, endpoint string) ExecuteFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		body, err := json.Marshal(params)
		if err != nil {
			return nil, &Error{Kind: KindValidation, Message: "parameters are not serializable", Err: err}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, &Error{Kind: KindExecution, Message: "failed to build request", Err: err}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			// Context errors pass through so the gateway distinguishes
			// cancellation from a deadline.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, &Error{Kind: KindTransientNetwork, Message: "request failed", Err: err}
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			var out map[string]any
			if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
				return nil, &Error{Kind: KindExecution, Message: "response is not a JSON object", Err: err}
			}
			return out, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, &Error{
				Kind:       KindRateLimited,
				Message:    "upstream rate limited",
				RetryAfter: retryAfter(resp),
			}
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
			return nil, &Error{Kind: KindTimeout, Message: fmt.Sprintf("upstream returned %d", resp.StatusCode)}
		case resp.StatusCode >= 500:
			return nil, &Error{Kind: KindTransientNetwork, Message: fmt.Sprintf("upstream returned %d", resp.StatusCode)}
		default:
			return nil, &Error{Kind: KindExecution, Message: fmt.Sprintf("upstream returned %d", resp.StatusCode)}
		}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
