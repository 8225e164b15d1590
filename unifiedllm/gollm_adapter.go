package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM for backends that do not keep conversation
// state. It emulates previous_response_id by storing each response's full
// transcript locally and replaying it into the prompt.
//
// The wrapped LLM holds a single model setting, so requests are serialized
// from the model switch until the provider call has started (streaming) or
// returned (non-streaming). One adapter can serve several sessions.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string

	callMu  sync.Mutex
	current string

	mu          sync.Mutex
	transcripts map[string][]Item
	maxStored   int
	order       []string
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	maxStored   int
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key for the adapter.
func WithAPIKey(key string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.apiKey = key
	}
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithStoredResponses bounds how many transcripts are kept for continuation.
func WithStoredResponses(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxStored = n
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a new GollmAdapter for the given provider.
// If apiKey is empty, gollm reads it from the environment.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		apiKey:      apiKey,
		maxTokens:   4096,
		temperature: 0.7,
		maxStored:   64,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		if info := GetLatestModel(provider, "tools"); info != nil {
			model = info.ID
		} else {
			model = "gpt-4o-mini"
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries belong to the caller
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", provider, err)
	}

	return newGollmAdapter(provider, llm, model, cfg.maxStored), nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider string, llm gollm.LLM) *GollmAdapter {
	return newGollmAdapter(provider, llm, "", 64)
}

func newGollmAdapter(provider string, llm gollm.LLM, model string, maxStored int) *GollmAdapter {
	if maxStored <= 0 {
		maxStored = 64
	}
	return &GollmAdapter{
		provider:    provider,
		llm:         llm,
		model:       model,
		current:     model,
		transcripts: make(map[string][]Item),
		maxStored:   maxStored,
	}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Stream generates a response and emits it as Responses-style events.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	transcript, err := a.transcriptFor(req)
	if err != nil {
		return nil, err
	}

	prompt := a.translateRequest(req, transcript)

	// callMu is released once the provider call no longer reads the model.
	model := req.Model
	if model == "" {
		model = a.model
	}
	a.callMu.Lock()
	if model != "" && model != a.current {
		a.llm.SetOption("model", model)
		a.current = model
	}

	responseID := "resp_" + uuid.NewString()
	ch := make(chan StreamEvent, 64)

	emit := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			if !emit(StreamEvent{Type: EventResponseCreated, Response: &Response{ID: responseID, Model: req.Model, Status: "in_progress"}}) {
				a.callMu.Unlock()
				return
			}
			text, err := a.llm.Generate(ctx, prompt)
			a.callMu.Unlock()
			if err != nil {
				emit(StreamEvent{Type: EventTransportError, Err: a.translateError(err)})
				return
			}
			if !emit(StreamEvent{Type: EventOutputTextDelta, Delta: text}) {
				return
			}
			a.finish(ctx, emit, req, transcript, responseID, text)
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	a.callMu.Unlock()
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		if !emit(StreamEvent{Type: EventResponseCreated, Response: &Response{ID: responseID, Model: req.Model, Status: "in_progress"}}) {
			return
		}

		var full strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				emit(StreamEvent{Type: EventTransportError, Err: a.translateError(err)})
				return
			}
			if token == nil || token.Text == "" {
				continue
			}
			full.WriteString(token.Text)
			// Deltas that may turn out to be a tool-call block are held back.
			if !looksLikeToolCalls(full.String()) {
				if !emit(StreamEvent{Type: EventOutputTextDelta, Delta: token.Text}) {
					return
				}
			}
		}

		a.finish(ctx, emit, req, transcript, responseID, full.String())
	}()

	return ch, nil
}

// finish emits output items and the completion event, then stores the
// transcript under the new response id.
func (a *GollmAdapter) finish(ctx context.Context, emit func(StreamEvent) bool, req Request, transcript []Item, responseID, text string) {
	calls := a.parseToolCalls(text)
	cleaned := a.removeToolCallJSON(text, calls)

	var output []Item
	if cleaned != "" {
		msg := AssistantMessage(cleaned)
		msg.ID = "msg_" + uuid.NewString()[:8]
		output = append(output, msg)
	}
	output = append(output, calls...)

	for i := range output {
		if !emit(StreamEvent{Type: EventOutputItemDone, OutputIndex: i, Item: &output[i]}) {
			return
		}
	}

	full := make([]Item, 0, len(transcript)+len(req.Input)+len(output))
	full = append(full, transcript...)
	full = append(full, req.Input...)
	full = append(full, output...)
	a.store(responseID, full)

	model := req.Model
	if model == "" {
		model = a.model
	}
	in := estimateTokens(full)
	out := len(text) / 4
	emit(StreamEvent{
		Type: EventResponseCompleted,
		Response: &Response{
			ID:     responseID,
			Model:  model,
			Status: "completed",
			Output: output,
			Usage:  &Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
		},
	})
}

func (a *GollmAdapter) transcriptFor(req Request) ([]Item, error) {
	if req.PreviousResponseID == "" {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.transcripts[req.PreviousResponseID]
	if !ok {
		return nil, &NotFoundError{ProviderError: ProviderError{
			SDKError:   SDKError{Message: fmt.Sprintf("previous response %q not found", req.PreviousResponseID)},
			Provider:   a.provider,
			StatusCode: 404,
		}}
	}
	return t, nil
}

func (a *GollmAdapter) store(id string, transcript []Item) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transcripts[id] = transcript
	a.order = append(a.order, id)
	for len(a.order) > a.maxStored {
		delete(a.transcripts, a.order[0])
		a.order = a.order[1:]
	}
}

// translateRequest flattens instructions, the stored transcript and the new
// input into a single gollm prompt.
func (a *GollmAdapter) translateRequest(req Request, transcript []Item) *gollm.Prompt {
	var parts []string
	for _, item := range append(append([]Item{}, transcript...), req.Input...) {
		switch item.Type {
		case ItemMessage:
			text := item.Text()
			if text == "" {
				continue
			}
			if item.Role == RoleAssistant {
				parts = append(parts, "[Assistant]: "+text)
			} else {
				parts = append(parts, text)
			}
		case ItemFunctionCall:
			parts = append(parts, fmt.Sprintf("[Tool Call %s]: %s(%s)", item.CallID, item.Name, item.Arguments))
		case ItemFunctionCallOutput:
			parts = append(parts, fmt.Sprintf("[Tool Result %s]: %s", item.CallID, item.Output))
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	promptOpts := []gollm.PromptOption{}
	if req.Instructions != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(req.Instructions, gollm.CacheTypeEphemeral))
	}

	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
		choice := req.ToolChoice
		if choice == "" {
			choice = "auto"
		}
		promptOpts = append(promptOpts, gollm.WithToolChoice(choice))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

func looksLikeToolCalls(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasPrefix(trimmed, "[{") || strings.Contains(text, `[{"name"`)
}

// parseToolCalls extracts a JSON array of {"name", "arguments"} objects that
// stateless backends return in place of native function call items.
func (a *GollmAdapter) parseToolCalls(text string) []Item {
	start := strings.Index(text, `[{"name"`)
	if start == -1 {
		return nil
	}

	var rawCalls []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(text[start:]), &rawCalls); err != nil {
		return nil
	}

	calls := make([]Item, 0, len(rawCalls))
	for _, rc := range rawCalls {
		args := string(rc.Arguments)
		// Arguments may arrive as an object or as an already-encoded string.
		var encoded string
		if err := json.Unmarshal(rc.Arguments, &encoded); err == nil {
			args = encoded
		}
		short := uuid.NewString()[:8]
		calls = append(calls, FunctionCall("fc_"+short, "call_"+short, rc.Name, args))
	}
	return calls
}

func (a *GollmAdapter) removeToolCallJSON(text string, calls []Item) string {
	if len(calls) == 0 {
		return text
	}
	if idx := strings.Index(text, `[{"name"`); idx != -1 {
		return strings.TrimSpace(text[:idx])
	}
	return text
}

// translateError converts a gollm error into the client error hierarchy.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	pe := func(status int, retryable bool) ProviderError {
		return ProviderError{
			SDKError:   SDKError{Message: msg, Cause: err},
			Provider:   a.provider,
			StatusCode: status,
			Retryable:  retryable,
		}
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		return &AuthenticationError{ProviderError: pe(401, false)}
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		return &AccessDeniedError{ProviderError: pe(403, false)}
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		return &NotFoundError{ProviderError: pe(404, false)}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return &RateLimitError{ProviderError: pe(429, true)}
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		return &ContextLengthError{ProviderError: pe(413, false)}
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "internal server"):
		return &ServerError{ProviderError: pe(500, true)}
	case strings.Contains(lower, "timeout"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(lower, "connection") || strings.Contains(lower, "eof"):
		return &NetworkError{SDKError: SDKError{Message: msg, Cause: err}}
	default:
		p := pe(0, false)
		return &p
	}
}

// estimateTokens gives a rough token count for a transcript.
func estimateTokens(items []Item) int {
	total := 0
	for _, item := range items {
		total += (len(item.Text()) + len(item.Arguments) + len(item.Output)) / 4
	}
	if total == 0 {
		total = 10
	}
	return total
}
