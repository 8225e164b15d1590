package unifiedllm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultResponsesBaseURL = "https://api.openai.com/v1"

// maxSSELine bounds a single server-sent event line. Function call items can
// carry large argument payloads.
const maxSSELine = 4 * 1024 * 1024

// ResponsesAdapter streams turns from a Responses-style HTTP endpoint using
// server-sent events. Conversation state lives on the server; requests carry
// previous_response_id and only new input items.
type ResponsesAdapter struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	headers    map[string]string
	logger     *slog.Logger
}

// ResponsesOption configures a ResponsesAdapter.
type ResponsesOption func(*ResponsesAdapter)

// WithBaseURL overrides the endpoint base URL (without the /responses suffix).
func WithBaseURL(url string) ResponsesOption {
	return func(a *ResponsesAdapter) {
		a.baseURL = strings.TrimRight(url, "/")
	}
}

// WithResponsesAPIKey sets the bearer token.
func WithResponsesAPIKey(key string) ResponsesOption {
	return func(a *ResponsesAdapter) {
		a.apiKey = key
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) ResponsesOption {
	return func(a *ResponsesAdapter) {
		a.httpClient = c
	}
}

// WithRequestRate paces outgoing requests to rps per second with the given
// burst. A non-positive rps disables pacing.
func WithRequestRate(rps float64, burst int) ResponsesOption {
	return func(a *ResponsesAdapter) {
		if rps <= 0 {
			a.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithHeader adds a static header to every request.
func WithHeader(key, value string) ResponsesOption {
	return func(a *ResponsesAdapter) {
		a.headers[key] = value
	}
}

// WithAdapterLogger sets the adapter's logger.
func WithAdapterLogger(logger *slog.Logger) ResponsesOption {
	return func(a *ResponsesAdapter) {
		a.logger = logger
	}
}

// NewResponsesAdapter creates an adapter registered under name.
func NewResponsesAdapter(name string, opts ...ResponsesOption) *ResponsesAdapter {
	a := &ResponsesAdapter{
		name:    name,
		baseURL: defaultResponsesBaseURL,
		// No overall timeout: streams stay open for the whole turn and are
		// bounded by the request context instead.
		httpClient: &http.Client{},
		headers:    make(map[string]string),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the provider identifier.
func (a *ResponsesAdapter) Name() string { return a.name }

// Stream posts the request and decodes the event stream. A non-2xx status is
// returned as an error from ErrorFromStatusCode; failures after the stream is
// open arrive as an EventTransportError event.
func (a *ResponsesAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, &AbortError{SDKError: SDKError{Message: "request pacing interrupted", Cause: err}}
		}
	}

	req.Stream = true
	if req.Input == nil {
		req.Input = []Item{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "encode request", Cause: err}}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "build request", Cause: err}}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: ctx.Err()}}
		}
		return nil, &NetworkError{SDKError: SDKError{Message: "send request", Cause: err}}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, a.statusError(resp, raw)
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		a.consumeSSE(ctx, resp.Body, ch)
	}()
	return ch, nil
}

// consumeSSE decodes "data:" blocks separated by blank lines and forwards
// them as StreamEvents. Function call arguments streamed as deltas are folded
// into the final output_item.done item when the item itself omits them.
func (a *ResponsesAdapter) consumeSSE(ctx context.Context, body io.Reader, ch chan<- StreamEvent) {
	argBuffers := make(map[string]*strings.Builder)

	send := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var dataLines []string
	flush := func() bool {
		defer func() { dataLines = dataLines[:0] }()
		if len(dataLines) == 0 {
			return true
		}
		data := strings.Join(dataLines, "\n")
		if data == "" || data == "[DONE]" {
			return true
		}

		var ev StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			a.logger.Warn("skipping undecodable event", "provider", a.name, "error", err)
			return true
		}

		switch ev.Type {
		case EventOutputItemAdded:
			if ev.Item != nil && ev.Item.Type == ItemFunctionCall {
				buf := &strings.Builder{}
				buf.WriteString(ev.Item.Arguments)
				argBuffers[ev.Item.ID] = buf
			}
		case EventFunctionCallArgsDelta:
			if buf, ok := argBuffers[ev.ItemID]; ok {
				buf.WriteString(ev.Delta)
			}
		case EventFunctionCallArgsDone:
			if buf, ok := argBuffers[ev.ItemID]; ok && ev.Arguments != "" {
				buf.Reset()
				buf.WriteString(ev.Arguments)
			}
		case EventOutputItemDone:
			if ev.Item != nil && ev.Item.Type == ItemFunctionCall {
				if buf, ok := argBuffers[ev.Item.ID]; ok && ev.Item.Arguments == "" {
					ev.Item.Arguments = buf.String()
				}
				delete(argBuffers, ev.Item.ID)
			}
		}
		return send(ev)
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return
			}
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(line[len("data:"):]))
		default:
			// "event:", "id:" and comment lines carry nothing the decoded
			// payload does not already have.
		}
	}
	if !flush() {
		return
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		send(StreamEvent{
			Type: EventTransportError,
			Err:  &StreamErrorType{SDKError: SDKError{Message: "read event stream", Cause: err}},
		})
	}
}

func (a *ResponsesAdapter) statusError(resp *http.Response, raw []byte) error {
	message := strings.TrimSpace(string(raw))
	code := ""
	var envelope struct {
		Error *ResponseError `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil {
		message = envelope.Error.Message
		code = envelope.Error.Code
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	var retryAfter *float64
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			retryAfter = &secs
		} else if at, err := http.ParseTime(v); err == nil {
			secs := time.Until(at).Seconds()
			retryAfter = &secs
		}
	}

	return ErrorFromStatusCode(resp.StatusCode, fmt.Sprintf("responses endpoint: %s", message), a.name, code, nil, retryAfter)
}
