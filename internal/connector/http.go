package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

const maxResponseBody = 1 << 20

// HTTPExecutor calls connectors of type http.
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor uses client, or a default client without its own timeout since every
// attempt carries a context deadline.
func NewHTTPExecutor(client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPExecutor{client: client}
}

func (e *HTTPExecutor) Invoke(ctx context.Context, req Request) Outcome {
	settings := req.Connector.Settings
	url := stringOpt(req.Options, "url")
	if url == "" {
		url = stringOpt(settings, "base_url") + req.Operation
	}
	method := stringOpt(req.Options, "method")
	if method == "" {
		method = stringOpt(settings, "method")
	}
	if method == "" {
		method = http.MethodPost
	}
	method = strings.ToUpper(method)

	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		input := req.Input
		if input == nil {
			input = map[string]any{}
		}
		b, err := json.Marshal(input)
		if err != nil {
			return Outcome{Err: err}
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Outcome{Err: err}
	}
	httpReq.Header.Set("content-type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Outcome{Err: err, TimedOut: isTimeout(ctx, err)}
	}
	defer resp.Body.Close()
	text, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Outcome{Err: err, TimedOut: isTimeout(ctx, err)}
	}
	return Outcome{HTTPStatus: resp.StatusCode, Body: string(text)}
}

func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func stringOpt(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// AuthHeaderName returns the header a connector's secret is sent in.
func AuthHeaderName(c map[string]any) string {
	if h := stringOpt(c, "auth_header"); h != "" {
		return h
	}
	return "authorization"
}
