// Package config materializes a flow document's declared connections into
// live resource handles for the registry.
package config

import (
	"fmt"
	"net/http"
	"time"

	"github.com/stepflow-io/stepflow/pkg/flow"
	"github.com/stepflow-io/stepflow/pkg/registry"
)

const defaultConnectTimeout = 30 * time.Second

// BuildConnections turns declared connection specs into handles and
// registers them under their declared names. Supported types:
//
//	http:   an *http.Client; config keys timeout_ms (number) and headers
//	        (object of strings, set on every request)
//	static: the config map itself, for tasks that need opaque settings
//	        such as API keys or hostnames
func BuildConnections(specs map[string]flow.ConnectionSpec, reg *registry.Registry) error {
	for name, spec := range specs {
		conn, err := build(spec)
		if err != nil {
			return fmt.Errorf("connection %q: %w", name, err)
		}

		reg.RegisterConnection(name, conn)
	}

	return nil
}

func build(spec flow.ConnectionSpec) (registry.Connection, error) {
	switch spec.Type {
	case "http":
		return buildHTTP(spec.Config)
	case "static":
		return spec.Config, nil
	default:
		return nil, fmt.Errorf("unknown connection type %q", spec.Type)
	}
}

func buildHTTP(config map[string]any) (*http.Client, error) {
	timeout := defaultConnectTimeout

	if raw, ok := config["timeout_ms"]; ok {
		switch n := raw.(type) {
		case int:
			timeout = time.Duration(n) * time.Millisecond
		case float64:
			timeout = time.Duration(n) * time.Millisecond
		default:
			return nil, fmt.Errorf("timeout_ms must be a number, got %T", raw)
		}
	}

	client := &http.Client{Timeout: timeout}

	if raw, ok := config["headers"]; ok {
		headers, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("headers must be an object, got %T", raw)
		}

		fixed := make(map[string]string, len(headers))

		for key, value := range headers {
			text, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("header %q must be a string, got %T", key, value)
			}

			fixed[key] = text
		}

		client.Transport = &headerTransport{headers: fixed, next: http.DefaultTransport}
	}

	return client, nil
}

// headerTransport sets fixed headers on every outgoing request unless the
// request already carries them.
type headerTransport struct {
	headers map[string]string
	next    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())

	for key, value := range t.headers {
		if cloned.Header.Get(key) == "" {
			cloned.Header.Set(key, value)
		}
	}

	return t.next.RoundTrip(cloned)
}
