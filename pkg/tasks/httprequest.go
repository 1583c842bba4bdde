package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stepflow-io/stepflow/pkg/registry"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBytes   = 10 << 20
)

// HTTPRequestTask performs one HTTP call. Inputs: url (required), method
// (default GET), headers (object of strings), body (string or object,
// objects are JSON-encoded), timeout_ms. A connection, when named by the
// step, must be an *http.Client and overrides the default client.
//
// Outputs: status (number), headers (object), body (decoded JSON when the
// response is JSON, raw string otherwise).
//
// 4xx statuses are permanent failures; 5xx and transport errors are left
// retryable so a step retry policy can take effect.
type HTTPRequestTask struct {
	client *http.Client
}

func NewHTTPRequestTask(client *http.Client) *HTTPRequestTask {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &HTTPRequestTask{client: client}
}

func (t *HTTPRequestTask) Invoke(ctx context.Context, inputs map[string]any, conn registry.Connection) (map[string]any, error) {
	url, _ := inputs["url"].(string)
	if url == "" {
		return nil, registry.Permanent(fmt.Errorf("http_request: input %q is required", "url"))
	}

	method, _ := inputs["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	method = strings.ToUpper(method)

	body, contentType, err := encodeBody(inputs["body"])
	if err != nil {
		return nil, registry.Permanent(err)
	}

	if timeout, ok := toMillis(inputs["timeout_ms"]); ok {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, registry.Permanent(fmt.Errorf("http_request: %w", err))
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if headers, ok := inputs["headers"].(map[string]any); ok {
		for key, value := range headers {
			req.Header.Set(key, fmt.Sprintf("%v", value))
		}
	}

	client := t.client

	if conn != nil {
		custom, ok := conn.(*http.Client)
		if !ok {
			return nil, registry.Permanent(fmt.Errorf("http_request: connection must be an *http.Client, got %T", conn))
		}

		client = custom
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http_request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("http_request: reading response: %w", err)
	}

	outputs := map[string]any{
		"status":  float64(resp.StatusCode),
		"headers": flattenHeaders(resp.Header),
		"body":    decodeBody(resp.Header.Get("Content-Type"), raw),
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("http_request: server error (status %d)", resp.StatusCode)
	}

	if resp.StatusCode >= 400 {
		return nil, registry.Permanent(fmt.Errorf("http_request: client error (status %d)", resp.StatusCode))
	}

	return outputs, nil
}

func encodeBody(input any) (io.Reader, string, error) {
	switch body := input.(type) {
	case nil:
		return nil, "", nil
	case string:
		if body == "" {
			return nil, "", nil
		}

		return strings.NewReader(body), "", nil
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("http_request: encoding body: %w", err)
		}

		return strings.NewReader(string(encoded)), "application/json", nil
	}
}

func decodeBody(contentType string, raw []byte) any {
	if strings.Contains(contentType, "application/json") {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			return decoded
		}
	}

	return string(raw)
}

func flattenHeaders(header http.Header) map[string]any {
	flat := make(map[string]any, len(header))

	for key, values := range header {
		flat[key] = strings.Join(values, ", ")
	}

	return flat
}

func toMillis(input any) (time.Duration, bool) {
	switch n := input.(type) {
	case int:
		return time.Duration(n) * time.Millisecond, true
	case float64:
		return time.Duration(n) * time.Millisecond, true
	default:
		return 0, false
	}
}
