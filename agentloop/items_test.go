package agentloop

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/martinemde/turnloop/unifiedllm"
)

func TestNewFunctionCallOutputRequiresIssuedCall(t *testing.T) {
	ledger := NewCallLedger()
	ledger.Issue("call_1")

	item, err := NewFunctionCallOutput(ledger, "call_1", "ok", CallCompleted, &ExecMetadata{ExitCode: 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if item.Kind != ItemFunctionCallOutput || item.Output.CallID != "call_1" {
		t.Errorf("unexpected item %+v", item)
	}

	_, err = NewFunctionCallOutput(ledger, "call_2", "ok", CallCompleted, nil)
	var argErr *ArgumentError
	if !errors.As(err, &argErr) {
		t.Fatalf("expected ArgumentError for unissued id, got %v", err)
	}
	if argErr.Field != "call_id" {
		t.Errorf("expected call_id field, got %q", argErr.Field)
	}

	if _, err := NewFunctionCallOutput(nil, "", "ok", CallCompleted, nil); !errors.As(err, &argErr) {
		t.Errorf("expected ArgumentError for empty id, got %v", err)
	}
}

func TestNewFunctionCallOutputCopiesMetadata(t *testing.T) {
	meta := &ExecMetadata{ExitCode: 1}
	item, err := NewFunctionCallOutput(nil, "call_1", "x", CallCompleted, meta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	meta.ExitCode = 99
	if item.Output.Metadata.ExitCode != 1 {
		t.Errorf("expected item metadata to be isolated from the caller, got %d", item.Output.Metadata.ExitCode)
	}
}

func TestNewFunctionCallValidation(t *testing.T) {
	args := json.RawMessage(`{"command":["ls"]}`)
	item, err := NewFunctionCall("fc_1", "call_1", "shell", args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	args[2] = 'X'
	if string(item.Call.Arguments) != `{"command":["ls"]}` {
		t.Errorf("expected arguments to be copied, got %s", item.Call.Arguments)
	}

	if _, err := NewFunctionCall("fc_1", "", "shell", nil); err == nil {
		t.Error("expected error for empty call id")
	}
	if _, err := NewFunctionCall("fc_1", "call_1", "", nil); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestToInput(t *testing.T) {
	call, _ := NewFunctionCall("fc_1", "call_1", "shell", json.RawMessage(`{}`))
	out, _ := NewFunctionCallOutput(nil, "call_1", "done", CallCompleted, nil)

	tests := []struct {
		name string
		item TurnItem
		want unifiedllm.ItemType
		ok   bool
	}{
		{"user", NewUserInput("hi"), unifiedllm.ItemMessage, true},
		{"assistant", NewAssistantMessage("hello"), unifiedllm.ItemMessage, true},
		{"call", call, unifiedllm.ItemFunctionCall, true},
		{"output", out, unifiedllm.ItemFunctionCallOutput, true},
		{"reasoning", NewReasoningSummary("thinking"), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, ok := tt.item.ToInput()
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && wire.Type != tt.want {
				t.Errorf("type = %q, want %q", wire.Type, tt.want)
			}
		})
	}

	input := ItemsToInput([]TurnItem{NewReasoningSummary("x"), out})
	if len(input) != 1 || input[0].CallID != "call_1" || input[0].Output != "done" {
		t.Errorf("expected reasoning to be dropped, got %+v", input)
	}
}

func TestItemFromOutput(t *testing.T) {
	msg := unifiedllm.Item{
		Type:    unifiedllm.ItemMessage,
		Role:    unifiedllm.RoleAssistant,
		Content: []unifiedllm.ContentPart{{Type: unifiedllm.PartOutputText, Text: "Listing"}},
	}
	item, ok, err := ItemFromOutput(msg)
	if err != nil || !ok || item.Kind != ItemAssistantMessage || item.TextContent() != "Listing" {
		t.Errorf("unexpected message conversion: %+v ok=%v err=%v", item, ok, err)
	}

	fc := unifiedllm.FunctionCall("fc_1", "call_1", "shell", `{"command":["ls","/tmp"]}`)
	item, ok, err = ItemFromOutput(fc)
	if err != nil || !ok || item.Call.CallID != "call_1" || item.Call.Name != "shell" {
		t.Errorf("unexpected call conversion: %+v ok=%v err=%v", item, ok, err)
	}

	_, _, err = ItemFromOutput(unifiedllm.FunctionCall("fc_2", "", "shell", `{}`))
	if err == nil {
		t.Error("expected error for call without call id")
	}

	_, ok, err = ItemFromOutput(unifiedllm.Item{Type: "web_search_call"})
	if ok || err != nil {
		t.Errorf("expected unknown items to be skipped, got ok=%v err=%v", ok, err)
	}
}
