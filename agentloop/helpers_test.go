package agentloop

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/martinemde/turnloop/unifiedllm"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway records requests and answers by the joined command line.
type fakeGateway struct {
	mu       sync.Mutex
	requests []ExecRequest
	results  map[string]*ExecutionResult
	errs     map[string]error
	// block makes Execute wait for release, ignoring ctx, for the listed
	// commands.
	block   map[string]bool
	release chan struct{}
	started chan string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		results: make(map[string]*ExecutionResult),
		errs:    make(map[string]error),
		block:   make(map[string]bool),
		release: make(chan struct{}),
		started: make(chan string, 16),
	}
}

func (g *fakeGateway) on(command string, output string, exitCode int) *fakeGateway {
	g.results[command] = &ExecutionResult{OutputText: output, Metadata: ExecMetadata{ExitCode: exitCode}}
	return g
}

func (g *fakeGateway) Execute(ctx context.Context, req ExecRequest) (*ExecutionResult, error) {
	key := strings.Join(req.Command, " ")
	g.mu.Lock()
	g.requests = append(g.requests, req)
	res, err, block := g.results[key], g.errs[key], g.block[key]
	g.mu.Unlock()

	select {
	case g.started <- key:
	default:
	}
	if block {
		<-g.release
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &ExecutionResult{OutputText: "ran " + key}, nil
	}
	cp := *res
	return &cp, nil
}

func (g *fakeGateway) commands() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.requests))
	for _, r := range g.requests {
		out = append(out, strings.Join(r.Command, " "))
	}
	return out
}

func newTestDispatcher(t *testing.T, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	opts = append([]DispatcherOption{WithDispatcherLogger(quietLogger())}, opts...)
	d, err := NewDispatcher(DefaultToolRegistry(), opts...)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

func shellCall(callID string, argv ...string) FunctionCall {
	args, _ := json.Marshal(map[string]any{"command": argv})
	return FunctionCall{ID: "fc_" + callID, CallID: callID, Name: ShellToolName, Arguments: args}
}

func decodeStatusPayload(t *testing.T, payload string) statusPayload {
	t.Helper()
	var p statusPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		t.Fatalf("payload %q is not JSON: %v", payload, err)
	}
	return p
}

// Stream event builders.

func evCreated(id string) unifiedllm.StreamEvent {
	return unifiedllm.StreamEvent{Type: unifiedllm.EventResponseCreated, Response: &unifiedllm.Response{ID: id}}
}

func evTextDelta(delta string) unifiedllm.StreamEvent {
	return unifiedllm.StreamEvent{Type: unifiedllm.EventOutputTextDelta, Delta: delta}
}

func evMessageDone(text string) unifiedllm.StreamEvent {
	item := unifiedllm.AssistantMessage(text)
	return unifiedllm.StreamEvent{Type: unifiedllm.EventOutputItemDone, Item: &item}
}

func evCallAdded(callID string) unifiedllm.StreamEvent {
	item := unifiedllm.Item{Type: unifiedllm.ItemFunctionCall, ID: "fc_" + callID, CallID: callID, Name: ShellToolName}
	return unifiedllm.StreamEvent{Type: unifiedllm.EventOutputItemAdded, Item: &item}
}

func evCallDone(callID, name, args string) unifiedllm.StreamEvent {
	item := unifiedllm.FunctionCall("fc_"+callID, callID, name, args)
	return unifiedllm.StreamEvent{Type: unifiedllm.EventOutputItemDone, Item: &item}
}

func evCompleted(id string) unifiedllm.StreamEvent {
	return unifiedllm.StreamEvent{
		Type: unifiedllm.EventResponseCompleted,
		Response: &unifiedllm.Response{
			ID:     id,
			Status: "completed",
			Usage:  &unifiedllm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		},
	}
}

func evFailed(code, message string) unifiedllm.StreamEvent {
	return unifiedllm.StreamEvent{
		Type:     unifiedllm.EventResponseFailed,
		Response: &unifiedllm.Response{Status: "failed", Error: &unifiedllm.ResponseError{Code: code, Message: message}},
	}
}

// streamOf returns a closed channel holding events.
func streamOf(events ...unifiedllm.StreamEvent) <-chan unifiedllm.StreamEvent {
	ch := make(chan unifiedllm.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}
