package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/teilomillet/gollm"
	"github.com/teilomillet/gollm/llm"
)

// modelLLM is a non-streaming gollm.LLM that answers with the model it was
// configured for and records model changes made while a call was running.
type modelLLM struct {
	gollm.LLM

	mu       sync.Mutex
	model    string
	inCall   bool
	switched bool
}

func (m *modelLLM) SupportsStreaming() bool { return false }

func (m *modelLLM) SetOption(key string, value interface{}) {
	if key != "model" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inCall {
		m.switched = true
	}
	m.model = value.(string)
}

func (m *modelLLM) Generate(ctx context.Context, prompt *gollm.Prompt, opts ...llm.GenerateOption) (string, error) {
	m.mu.Lock()
	m.inCall = true
	model := m.model
	m.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	m.mu.Lock()
	m.inCall = false
	m.mu.Unlock()
	return "answered by " + model, nil
}

func TestGollmAdapterName(t *testing.T) {
	// Construction may fail without network access; only Name is checked.
	adapter, err := NewGollmAdapter("openai", "test-key-not-real")
	if err != nil {
		t.Logf("skipping adapter creation: %v", err)
		return
	}
	if adapter.Name() != "openai" {
		t.Errorf("expected name %q, got %q", "openai", adapter.Name())
	}
}

func TestGollmAdapterTranslateError(t *testing.T) {
	adapter := &GollmAdapter{provider: "anthropic"}

	tests := []struct {
		msg       string
		check     func(error) bool
		retryable bool
	}{
		{"401 Unauthorized", func(e error) bool { var x *AuthenticationError; return errors.As(e, &x) }, false},
		{"403 Forbidden", func(e error) bool { var x *AccessDeniedError; return errors.As(e, &x) }, false},
		{"404 not found", func(e error) bool { var x *NotFoundError; return errors.As(e, &x) }, false},
		{"429 rate limit exceeded", func(e error) bool { var x *RateLimitError; return errors.As(e, &x) }, true},
		{"context length exceeded", func(e error) bool { var x *ContextLengthError; return errors.As(e, &x) }, false},
		{"502 bad gateway", func(e error) bool { var x *ServerError; return errors.As(e, &x) }, true},
		{"timeout waiting for response", func(e error) bool { var x *RequestTimeoutError; return errors.As(e, &x) }, true},
		{"connection reset by peer", func(e error) bool { var x *NetworkError; return errors.As(e, &x) }, true},
		{"something unknown", func(e error) bool { var x *ProviderError; return errors.As(e, &x) }, false},
	}

	for _, tt := range tests {
		err := adapter.translateError(errors.New(tt.msg))
		if !tt.check(err) {
			t.Errorf("%q: unexpected error type %T", tt.msg, err)
		}
		if got := IsRetryable(err); got != tt.retryable {
			t.Errorf("%q: IsRetryable = %v, want %v", tt.msg, got, tt.retryable)
		}
	}
}

func TestGollmAdapterParseToolCalls(t *testing.T) {
	adapter := &GollmAdapter{provider: "anthropic"}

	text := `Running it now. [{"name": "shell", "arguments": {"command": ["ls", "/tmp"]}}]`
	calls := adapter.parseToolCalls(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	call := calls[0]
	if call.Type != ItemFunctionCall || call.Name != "shell" {
		t.Errorf("unexpected call item: %+v", call)
	}
	if call.Arguments != `{"command": ["ls", "/tmp"]}` {
		t.Errorf("unexpected arguments %q", call.Arguments)
	}
	if call.CallID == "" || call.ID == "" {
		t.Error("expected generated ids")
	}

	if got := adapter.removeToolCallJSON(text, calls); got != "Running it now." {
		t.Errorf("expected cleaned text, got %q", got)
	}

	encoded := `[{"name": "shell", "arguments": "{\"command\":[\"pwd\"]}"}]`
	calls = adapter.parseToolCalls(encoded)
	if len(calls) != 1 || calls[0].Arguments != `{"command":["pwd"]}` {
		t.Errorf("expected string-encoded arguments to be unwrapped, got %+v", calls)
	}

	if calls := adapter.parseToolCalls("no calls here"); calls != nil {
		t.Errorf("expected no calls, got %v", calls)
	}
}

func TestGollmAdapterTranscripts(t *testing.T) {
	adapter := newGollmAdapter("anthropic", nil, "claude-sonnet-4-5", 2)

	if _, err := adapter.transcriptFor(Request{}); err != nil {
		t.Fatalf("fresh request should not need a transcript: %v", err)
	}

	_, err := adapter.transcriptFor(Request{PreviousResponseID: "resp_missing"})
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}

	for i := 0; i < 3; i++ {
		adapter.store(fmt.Sprintf("resp_%d", i), []Item{UserMessage(fmt.Sprint(i))})
	}
	if _, err := adapter.transcriptFor(Request{PreviousResponseID: "resp_0"}); err == nil {
		t.Error("expected oldest transcript to be evicted")
	}
	got, err := adapter.transcriptFor(Request{PreviousResponseID: "resp_2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Text() != "2" {
		t.Errorf("unexpected transcript %+v", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	if n := estimateTokens([]Item{UserMessage("Hello world, this is a test message.")}); n <= 0 {
		t.Errorf("expected positive token estimate, got %d", n)
	}
	if n := estimateTokens(nil); n != 10 {
		t.Errorf("expected default token estimate of 10, got %d", n)
	}
}

func TestGollmAdapterSharedAcrossModels(t *testing.T) {
	fake := &modelLLM{model: "claude-sonnet-4-5"}
	adapter := newGollmAdapter("anthropic", fake, "claude-sonnet-4-5", 8)

	models := []string{"claude-sonnet-4-5", "claude-opus-4-1", "claude-haiku-4-5"}
	texts := make([]string, len(models))
	var wg sync.WaitGroup
	for i, model := range models {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := adapter.Stream(context.Background(), Request{Model: model, Input: []Item{UserMessage("hi")}})
			if err != nil {
				t.Errorf("stream %s: %v", model, err)
				return
			}
			for ev := range ch {
				if ev.Type == EventOutputTextDelta {
					texts[i] += ev.Delta
				}
			}
		}()
	}
	wg.Wait()

	for i, model := range models {
		if want := "answered by " + model; texts[i] != want {
			t.Errorf("request for %s got %q, want %q", model, texts[i], want)
		}
	}
	if fake.switched {
		t.Error("model was switched while a call was running")
	}
}
