package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// DispatchContext carries the per-turn collaborators a call needs.
type DispatchContext struct {
	Gateway       ExecutionGateway
	Ledger        *CallLedger
	Policy        ApprovalPolicy
	WritableRoots []string
	Approve       ApproveFunc
}

// execPayload is the output body for a call that ran.
type execPayload struct {
	Output   string       `json:"output"`
	Metadata ExecMetadata `json:"metadata"`
}

type statusMetadata struct {
	Status CallStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// statusPayload is the output body for a call that did not run to
// completion.
type statusPayload struct {
	Output   string         `json:"output"`
	Metadata statusMetadata `json:"metadata"`
}

// Dispatcher resolves function calls against a closed tool registry. Every
// call yields exactly one FunctionCallOutput; per-call failures are encoded
// in that output and never returned as errors.
type Dispatcher struct {
	registry *ToolRegistry
	parser   *Parser
	logger   *slog.Logger
	metrics  *Metrics
	emitter  *EventEmitter
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithDispatcherMetrics sets the metrics sink.
func WithDispatcherMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDispatcherEvents sets the event emitter for tool call events.
func WithDispatcherEvents(e *EventEmitter) DispatcherOption {
	return func(d *Dispatcher) { d.emitter = e }
}

// WithParser replaces the argument parser. Tool schemas missing from it are
// compiled in.
func WithParser(p *Parser) DispatcherOption {
	return func(d *Dispatcher) { d.parser = p }
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *ToolRegistry, opts ...DispatcherOption) (*Dispatcher, error) {
	d := &Dispatcher{
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.parser == nil {
		d.parser = NewParser()
	}
	if err := registry.RegisterSchemas(d.parser); err != nil {
		return nil, fmt.Errorf("register tool schemas: %w", err)
	}
	return d, nil
}

// Registry returns the dispatcher's tool registry.
func (d *Dispatcher) Registry() *ToolRegistry {
	return d.registry
}

// Dispatch runs one call and returns its FunctionCallOutput followed by any
// additional items the gateway produced. ctx is the call's own context; when
// it is cancelled the call resolves as aborted without waiting for the
// gateway.
func (d *Dispatcher) Dispatch(ctx context.Context, call FunctionCall, dc DispatchContext) []TurnItem {
	start := time.Now()
	d.emitter.Emit(EventToolCallStart, map[string]any{"call_id": call.CallID, "tool": call.Name})

	items, status := d.dispatch(ctx, call, dc)

	elapsed := time.Since(start)
	d.metrics.call(call.Name, status, elapsed)
	d.emitter.Emit(EventToolCallEnd, map[string]any{
		"call_id":  call.CallID,
		"tool":     call.Name,
		"status":   string(status),
		"duration": elapsed.String(),
	})
	d.logger.Debug("function call resolved",
		"call_id", call.CallID,
		"tool", call.Name,
		"status", status,
		"duration", elapsed,
	)
	return items
}

func (d *Dispatcher) dispatch(ctx context.Context, call FunctionCall, dc DispatchContext) ([]TurnItem, CallStatus) {
	tool, err := d.registry.Lookup(call.Name)
	if err != nil {
		d.logger.Warn("unknown tool requested", "call_id", call.CallID, "tool", call.Name, "error", err)
		return []TurnItem{d.output(dc, call.CallID, UnknownToolOutput, CallUnknownTool, nil)}, CallUnknownTool
	}

	args, err := d.parser.Parse(call.Arguments, tool.SchemaName)
	if err != nil {
		return []TurnItem{d.statusOutput(dc, call.CallID, CallMalformedArguments, "failed to parse function arguments", err)}, CallMalformedArguments
	}

	if ctx.Err() != nil {
		return []TurnItem{d.abortedOutput(dc, call.CallID, ctx.Err())}, CallAborted
	}
	if dc.Gateway == nil {
		return []TurnItem{d.statusOutput(dc, call.CallID, CallExecutionFailure, "execution failed", errors.New("no execution gateway configured"))}, CallExecutionFailure
	}

	type outcome struct {
		res *ExecutionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &ExecutionFailure{Reason: "panic", Cause: fmt.Errorf("%v", r)}}
			}
		}()
		res, err := tool.Handler(ctx, call, args, dc)
		done <- outcome{res: res, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		select {
		case o = <-done:
		default:
			return []TurnItem{d.abortedOutput(dc, call.CallID, ctx.Err())}, CallAborted
		}
	}

	var malformed *MalformedArgumentsError
	switch {
	case errors.As(o.err, &malformed):
		return []TurnItem{d.statusOutput(dc, call.CallID, CallMalformedArguments, "failed to parse function arguments", o.err)}, CallMalformedArguments
	case errors.Is(o.err, ErrCallAborted) || errors.Is(o.err, context.Canceled):
		return []TurnItem{d.abortedOutput(dc, call.CallID, o.err)}, CallAborted
	case o.err != nil:
		d.logger.Warn("function call failed", "call_id", call.CallID, "tool", call.Name, "error", o.err)
		return []TurnItem{d.statusOutput(dc, call.CallID, CallExecutionFailure, "execution failed", o.err)}, CallExecutionFailure
	case o.res == nil:
		return []TurnItem{d.statusOutput(dc, call.CallID, CallExecutionFailure, "execution failed", errors.New("gateway returned no result"))}, CallExecutionFailure
	}

	payload := encodePayload(execPayload{Output: o.res.OutputText, Metadata: o.res.Metadata})
	meta := o.res.Metadata
	items := make([]TurnItem, 0, 1+len(o.res.AdditionalItems))
	items = append(items, d.output(dc, call.CallID, payload, CallCompleted, &meta))
	items = append(items, o.res.AdditionalItems...)
	return items, CallCompleted
}

func (d *Dispatcher) abortedOutput(dc DispatchContext, callID string, cause error) TurnItem {
	return d.statusOutput(dc, callID, CallAborted, "function call aborted before completion", cause)
}

func (d *Dispatcher) statusOutput(dc DispatchContext, callID string, status CallStatus, msg string, cause error) TurnItem {
	meta := statusMetadata{Status: status}
	if cause != nil {
		meta.Error = cause.Error()
	}
	return d.output(dc, callID, encodePayload(statusPayload{Output: msg, Metadata: meta}), status, nil)
}

func (d *Dispatcher) output(dc DispatchContext, callID, payload string, status CallStatus, meta *ExecMetadata) TurnItem {
	item, err := NewFunctionCallOutput(dc.Ledger, callID, payload, status, meta)
	if err != nil {
		// The consumer issues every id before dispatch; keep the output
		// rather than lose the call.
		d.logger.Error("output for unissued call id", "call_id", callID, "error", err)
		item, _ = NewFunctionCallOutput(nil, callID, payload, status, meta)
	}
	return item
}

// encodePayload marshals v without HTML escaping so command output reaches
// the model unchanged.
func encodePayload(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return `{"output":` + strconv.Quote("failed to encode output: "+err.Error()) + `}`
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}
