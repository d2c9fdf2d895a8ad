package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/forge/internal/model"
)

// maxResponseBody caps how much of a response body is kept as step output.
const maxResponseBody = 1 << 20

// HTTPPayload is the payload of an http_call step.
type HTTPPayload struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	TimeoutMS int               `json:"timeoutMs,omitempty"`
}

// HTTPOutput is the output of an http_call step.
type HTTPOutput struct {
	Success bool            `json:"success"`
	Status  int             `json:"status"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// HTTPHandler performs outbound HTTP calls. The step id is sent as
// Idempotency-Key so receivers can recognise retries.
type HTTPHandler struct {
	client         *http.Client
	defaultTimeout time.Duration
}

// NewHTTPHandler creates an HTTP handler using client.
func NewHTTPHandler(client *http.Client, defaultTimeout time.Duration) *HTTPHandler {
	return &HTTPHandler{client: client, defaultTimeout: defaultTimeout}
}

// Capabilities describes the handler.
func (h *HTTPHandler) Capabilities() Capabilities {
	return Capabilities{Name: "http", StepType: model.StepHTTPCall, Idempotent: "Idempotency-Key header"}
}

// Handle sends the request. Responses with status >= 400 are errors whose
// text carries the status so it can be classified.
func (h *HTTPHandler) Handle(ctx context.Context, req Request) (json.RawMessage, error) {
	var p HTTPPayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, fmt.Errorf("http_call: url is required")
	}
	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}

	timeout := h.defaultTimeout
	if p.TimeoutMS > 0 {
		timeout = time.Duration(p.TimeoutMS) * time.Millisecond
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if len(p.Body) > 0 {
		body = bytes.NewReader(p.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, p.URL, body)
	if err != nil {
		return nil, fmt.Errorf("http_call: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range p.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Idempotency-Key", req.StepID)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		handlerCalls.WithLabelValues("http", outcomeError).Inc()
		return nil, fmt.Errorf("http_call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		handlerCalls.WithLabelValues("http", outcomeError).Inc()
		return nil, fmt.Errorf("http_call: read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		handlerCalls.WithLabelValues("http", outcomeError).Inc()
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.ToLower(http.StatusText(resp.StatusCode)))
	}

	out := HTTPOutput{Success: true, Status: resp.StatusCode}
	if len(bytes.TrimSpace(raw)) > 0 {
		if json.Valid(raw) {
			out.Body = raw
		} else {
			out.Body, _ = json.Marshal(string(raw))
		}
	}
	handlerCalls.WithLabelValues("http", outcomeOK).Inc()
	return json.Marshal(out)
}
