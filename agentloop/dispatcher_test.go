package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestDispatchUnknownTool(t *testing.T) {
	gw := newFakeGateway()
	d := newTestDispatcher(t)
	call := FunctionCall{CallID: "call_1", Name: "apply_patch", Arguments: json.RawMessage(`{}`)}

	items := d.Dispatch(context.Background(), call, DispatchContext{Gateway: gw})
	if len(items) != 1 {
		t.Fatalf("expected one item, got %d", len(items))
	}
	out := items[0].Output
	if out.Output != "no function found" {
		t.Errorf("output = %q", out.Output)
	}
	if out.Status != CallUnknownTool || out.CallID != "call_1" {
		t.Errorf("unexpected output %+v", out)
	}
	if len(gw.commands()) != 0 {
		t.Error("unknown tool must not reach the gateway")
	}
}

func TestDispatchMalformedArguments(t *testing.T) {
	tests := []string{
		`{"command":"ls -la"}`,
		`not json`,
		`{}`,
		// integer-valued, so the schema accepts it, but it overflows int
		`{"command":["ls"],"timeout_ms":1e20}`,
	}
	for _, raw := range tests {
		gw := newFakeGateway()
		d := newTestDispatcher(t)
		call := FunctionCall{CallID: "call_1", Name: ShellToolName, Arguments: json.RawMessage(raw)}

		items := d.Dispatch(context.Background(), call, DispatchContext{Gateway: gw})
		if len(items) != 1 {
			t.Fatalf("%s: expected one item, got %d", raw, len(items))
		}
		if items[0].Output.Status != CallMalformedArguments {
			t.Errorf("%s: status = %s", raw, items[0].Output.Status)
		}
		p := decodeStatusPayload(t, items[0].Output.Output)
		if p.Metadata.Status != CallMalformedArguments || p.Metadata.Error == "" {
			t.Errorf("%s: unexpected payload %+v", raw, p)
		}
		if len(gw.commands()) != 0 {
			t.Errorf("%s: malformed arguments must not reach the gateway", raw)
		}
	}
}

func TestDispatchSuccessPayload(t *testing.T) {
	gw := newFakeGateway().on("ls /tmp", "a.txt\nb.txt", 0)
	d := newTestDispatcher(t)
	ledger := NewCallLedger()
	ledger.Issue("call_1")

	items := d.Dispatch(context.Background(), shellCall("call_1", "ls", "/tmp"), DispatchContext{Gateway: gw, Ledger: ledger})
	if len(items) != 1 {
		t.Fatalf("expected one item, got %d", len(items))
	}
	want := `{"output":"a.txt\nb.txt","metadata":{"exit_code":0}}`
	if got := items[0].Output.Output; got != want {
		t.Errorf("payload = %s, want %s", got, want)
	}
	if items[0].Output.Status != CallCompleted || items[0].Output.Metadata == nil || items[0].Output.Metadata.ExitCode != 0 {
		t.Errorf("unexpected output %+v", items[0].Output)
	}
}

func TestDispatchContainerExecAlias(t *testing.T) {
	gw := newFakeGateway().on("ls /tmp", "a.txt", 0)
	d := newTestDispatcher(t)
	call := shellCall("call_1", "ls", "/tmp")
	call.Name = ContainerExecToolName

	items := d.Dispatch(context.Background(), call, DispatchContext{Gateway: gw})
	if len(items) != 1 || items[0].Output.Status != CallCompleted {
		t.Fatalf("unexpected items %+v", items)
	}
	if want := `{"output":"a.txt","metadata":{"exit_code":0}}`; items[0].Output.Output != want {
		t.Errorf("payload = %s", items[0].Output.Output)
	}
	if len(gw.requests) != 1 || gw.requests[0].ToolName != ContainerExecToolName {
		t.Errorf("gateway requests = %+v", gw.requests)
	}
}

func TestDispatchHandlerDecodeFailureIsMalformed(t *testing.T) {
	// Without a typed target the shell handler decodes the arguments itself.
	p := NewParser()
	if err := p.Register(ShellSchemaName, ShellParameters()); err != nil {
		t.Fatalf("register: %v", err)
	}
	gw := newFakeGateway()
	d := newTestDispatcher(t, WithParser(p))
	call := FunctionCall{CallID: "call_1", Name: ShellToolName, Arguments: json.RawMessage(`{"command":["ls"],"timeout_ms":1e20}`)}

	items := d.Dispatch(context.Background(), call, DispatchContext{Gateway: gw})
	if items[0].Output.Status != CallMalformedArguments {
		t.Errorf("status = %s", items[0].Output.Status)
	}
	payload := decodeStatusPayload(t, items[0].Output.Output)
	if payload.Output != "failed to parse function arguments" || payload.Metadata.Status != CallMalformedArguments {
		t.Errorf("unexpected payload %+v", payload)
	}
	if len(gw.commands()) != 0 {
		t.Error("undecodable arguments must not reach the gateway")
	}
}

func TestDispatchNonZeroExitIsCompleted(t *testing.T) {
	gw := newFakeGateway().on("false", "", 1)
	d := newTestDispatcher(t)
	items := d.Dispatch(context.Background(), shellCall("call_1", "false"), DispatchContext{Gateway: gw})
	if items[0].Output.Status != CallCompleted {
		t.Errorf("status = %s", items[0].Output.Status)
	}
	if want := `{"output":"","metadata":{"exit_code":1}}`; items[0].Output.Output != want {
		t.Errorf("payload = %s", items[0].Output.Output)
	}
}

func TestDispatchDoesNotEscapeHTML(t *testing.T) {
	gw := newFakeGateway().on("cat page.html", "<b>a & b</b>", 0)
	d := newTestDispatcher(t)
	items := d.Dispatch(context.Background(), shellCall("call_1", "cat", "page.html"), DispatchContext{Gateway: gw})
	if !strings.Contains(items[0].Output.Output, "<b>a & b</b>") {
		t.Errorf("payload = %s", items[0].Output.Output)
	}
}

func TestDispatchAdditionalItems(t *testing.T) {
	gw := newFakeGateway()
	gw.results["git status"] = &ExecutionResult{
		OutputText:      "clean",
		AdditionalItems: []TurnItem{NewAssistantMessage("note from gateway")},
	}
	d := newTestDispatcher(t)
	items := d.Dispatch(context.Background(), shellCall("call_1", "git", "status"), DispatchContext{Gateway: gw})
	if len(items) != 2 {
		t.Fatalf("expected output plus additional item, got %d", len(items))
	}
	if items[0].Kind != ItemFunctionCallOutput || items[1].TextContent() != "note from gateway" {
		t.Errorf("unexpected items %+v", items)
	}
}

func TestDispatchGatewayFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.errs["rm x"] = &ExecutionFailure{Reason: "denied", Cause: errors.New("command was not approved")}
	d := newTestDispatcher(t)

	items := d.Dispatch(context.Background(), shellCall("call_1", "rm", "x"), DispatchContext{Gateway: gw})
	if items[0].Output.Status != CallExecutionFailure {
		t.Errorf("status = %s", items[0].Output.Status)
	}
	p := decodeStatusPayload(t, items[0].Output.Output)
	if p.Output != "execution failed" || !strings.Contains(p.Metadata.Error, "not approved") {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestDispatchGatewayAbortError(t *testing.T) {
	gw := newFakeGateway()
	gw.errs["sleep 1"] = ErrCallAborted
	d := newTestDispatcher(t)
	items := d.Dispatch(context.Background(), shellCall("call_1", "sleep", "1"), DispatchContext{Gateway: gw})
	if items[0].Output.Status != CallAborted {
		t.Errorf("status = %s", items[0].Output.Status)
	}
	if p := decodeStatusPayload(t, items[0].Output.Output); p.Metadata.Status != CallAborted {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestDispatchNoGateway(t *testing.T) {
	d := newTestDispatcher(t)
	items := d.Dispatch(context.Background(), shellCall("call_1", "ls"), DispatchContext{})
	if items[0].Output.Status != CallExecutionFailure {
		t.Errorf("status = %s", items[0].Output.Status)
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	gw := ExecutionGatewayFunc(func(ctx context.Context, req ExecRequest) (*ExecutionResult, error) {
		panic("boom")
	})
	d := newTestDispatcher(t)
	items := d.Dispatch(context.Background(), shellCall("call_1", "ls"), DispatchContext{Gateway: gw})
	if items[0].Output.Status != CallExecutionFailure {
		t.Fatalf("status = %s", items[0].Output.Status)
	}
	if p := decodeStatusPayload(t, items[0].Output.Output); !strings.Contains(p.Metadata.Error, "boom") {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestDispatchAbortDoesNotWaitForGateway(t *testing.T) {
	gw := newFakeGateway()
	gw.block["sleep 60"] = true
	defer close(gw.release)
	d := newTestDispatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-gw.started
		cancel()
	}()

	done := make(chan []TurnItem, 1)
	go func() { done <- d.Dispatch(ctx, shellCall("call_1", "sleep", "60"), DispatchContext{Gateway: gw}) }()

	select {
	case items := <-done:
		if items[0].Output.Status != CallAborted {
			t.Errorf("status = %s", items[0].Output.Status)
		}
		p := decodeStatusPayload(t, items[0].Output.Output)
		if p.Output != "function call aborted before completion" {
			t.Errorf("unexpected payload %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return after cancellation")
	}
}

func TestDispatchCancelledBeforeStart(t *testing.T) {
	gw := newFakeGateway()
	d := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	items := d.Dispatch(ctx, shellCall("call_1", "ls"), DispatchContext{Gateway: gw})
	if items[0].Output.Status != CallAborted {
		t.Errorf("status = %s", items[0].Output.Status)
	}
	if len(gw.commands()) != 0 {
		t.Error("cancelled call must not reach the gateway")
	}
}

func TestDispatchUnissuedCallStillYieldsOutput(t *testing.T) {
	d := newTestDispatcher(t)
	items := d.Dispatch(context.Background(), shellCall("call_9", "ls"), DispatchContext{Gateway: newFakeGateway(), Ledger: NewCallLedger()})
	if len(items) != 1 || items[0].Output.CallID != "call_9" {
		t.Errorf("unexpected items %+v", items)
	}
}

func TestDispatchEventsAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	emitter := NewEventEmitter("sess", 8)
	d := newTestDispatcher(t, WithDispatcherMetrics(NewMetrics(reg)), WithDispatcherEvents(emitter))

	d.Dispatch(context.Background(), shellCall("call_1", "ls"), DispatchContext{Gateway: newFakeGateway()})

	start, end := <-emitter.Events(), <-emitter.Events()
	if start.Kind != EventToolCallStart || end.Kind != EventToolCallEnd {
		t.Errorf("events = %s, %s", start.Kind, end.Kind)
	}
	if end.Data["status"] != string(CallCompleted) || end.Data["call_id"] != "call_1" {
		t.Errorf("unexpected end event %+v", end.Data)
	}
	if got := gatherValue(t, reg, "turnloop_function_calls_total", map[string]string{"tool": "shell", "outcome": "completed"}); got != 1 {
		t.Errorf("calls = %v", got)
	}
}

func TestEncodePayload(t *testing.T) {
	got := encodePayload(execPayload{Output: "x", Metadata: ExecMetadata{ExitCode: 2, TimedOut: true}})
	if want := `{"output":"x","metadata":{"exit_code":2,"timed_out":true}}`; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
	got = encodePayload(statusPayload{Output: "m", Metadata: statusMetadata{Status: CallAborted}})
	if want := `{"output":"m","metadata":{"status":"aborted"}}`; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}
