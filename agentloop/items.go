package agentloop

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/martinemde/turnloop/unifiedllm"
)

// ItemKind discriminates between turn item variants.
type ItemKind string

const (
	ItemUserInput          ItemKind = "user_input"
	ItemAssistantMessage   ItemKind = "assistant_message"
	ItemFunctionCall       ItemKind = "function_call"
	ItemFunctionCallOutput ItemKind = "function_call_output"
	ItemReasoningSummary   ItemKind = "reasoning_summary"
)

// TurnItem is one unit of conversation content. Items are built by the
// constructors below and treated as immutable afterwards: payload pointers
// are never written through once the item exists.
type TurnItem struct {
	Kind      ItemKind            `json:"kind"`
	Timestamp time.Time           `json:"timestamp"`
	User      *UserInput          `json:"user,omitempty"`
	Assistant *AssistantMessage   `json:"assistant,omitempty"`
	Call      *FunctionCall       `json:"call,omitempty"`
	Output    *FunctionCallOutput `json:"output,omitempty"`
	Reasoning *ReasoningSummary   `json:"reasoning,omitempty"`
}

// UserInput holds user-supplied content.
type UserInput struct {
	Content string `json:"content"`
}

// AssistantMessage holds model text.
type AssistantMessage struct {
	Content string `json:"content"`
}

// FunctionCall is a model request to invoke a tool. ID is the service's
// item id; CallID correlates the call with its output.
type FunctionCall struct {
	ID        string          `json:"id,omitempty"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// CallStatus classifies how a function call resolved.
type CallStatus string

const (
	CallCompleted          CallStatus = "completed"
	CallExecutionFailure   CallStatus = "execution_failure"
	CallMalformedArguments CallStatus = "malformed_arguments"
	CallUnknownTool        CallStatus = "unknown_tool"
	CallAborted            CallStatus = "aborted"
)

// FunctionCallOutput is the result sent back for one FunctionCall. Output is
// the exact payload string placed on the wire.
type FunctionCallOutput struct {
	CallID   string        `json:"call_id"`
	Output   string        `json:"output"`
	Status   CallStatus    `json:"status"`
	Metadata *ExecMetadata `json:"metadata,omitempty"`
}

// ReasoningSummary is display-only reasoning text; it is never sent back as
// input.
type ReasoningSummary struct {
	Text string `json:"text"`
}

// CallLedger records the call ids issued by the service in the current turn.
// Outputs can only be built for ids in the ledger.
type CallLedger struct {
	mu     sync.RWMutex
	issued map[string]struct{}
}

// NewCallLedger creates an empty ledger.
func NewCallLedger() *CallLedger {
	return &CallLedger{issued: make(map[string]struct{})}
}

// Issue records a call id.
func (l *CallLedger) Issue(callID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.issued[callID] = struct{}{}
}

// Issued reports whether callID was recorded.
func (l *CallLedger) Issued(callID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.issued[callID]
	return ok
}

// NewUserInput creates a user input item.
func NewUserInput(content string) TurnItem {
	return TurnItem{
		Kind:      ItemUserInput,
		Timestamp: time.Now(),
		User:      &UserInput{Content: content},
	}
}

// NewAssistantMessage creates an assistant message item.
func NewAssistantMessage(content string) TurnItem {
	return TurnItem{
		Kind:      ItemAssistantMessage,
		Timestamp: time.Now(),
		Assistant: &AssistantMessage{Content: content},
	}
}

// NewReasoningSummary creates a reasoning summary item.
func NewReasoningSummary(text string) TurnItem {
	return TurnItem{
		Kind:      ItemReasoningSummary,
		Timestamp: time.Now(),
		Reasoning: &ReasoningSummary{Text: text},
	}
}

// NewFunctionCall creates a function call item. CallID and Name are required.
func NewFunctionCall(id, callID, name string, arguments json.RawMessage) (TurnItem, error) {
	if callID == "" {
		return TurnItem{}, &ArgumentError{Field: "call_id", Message: "must not be empty"}
	}
	if name == "" {
		return TurnItem{}, &ArgumentError{Field: "name", Message: "must not be empty"}
	}
	args := make(json.RawMessage, len(arguments))
	copy(args, arguments)
	return TurnItem{
		Kind:      ItemFunctionCall,
		Timestamp: time.Now(),
		Call:      &FunctionCall{ID: id, CallID: callID, Name: name, Arguments: args},
	}, nil
}

// NewFunctionCallOutput creates an output item for a call id that the ledger
// has seen. A nil ledger skips the check.
func NewFunctionCallOutput(ledger *CallLedger, callID, output string, status CallStatus, metadata *ExecMetadata) (TurnItem, error) {
	if callID == "" {
		return TurnItem{}, &ArgumentError{Field: "call_id", Message: "must not be empty"}
	}
	if ledger != nil && !ledger.Issued(callID) {
		return TurnItem{}, &ArgumentError{Field: "call_id", Message: "no function call with id " + callID + " was issued this turn"}
	}
	var meta *ExecMetadata
	if metadata != nil {
		m := *metadata
		meta = &m
	}
	return TurnItem{
		Kind:      ItemFunctionCallOutput,
		Timestamp: time.Now(),
		Output:    &FunctionCallOutput{CallID: callID, Output: output, Status: status, Metadata: meta},
	}, nil
}

// TextContent returns the text of an item regardless of its kind.
func (t TurnItem) TextContent() string {
	switch t.Kind {
	case ItemUserInput:
		if t.User != nil {
			return t.User.Content
		}
	case ItemAssistantMessage:
		if t.Assistant != nil {
			return t.Assistant.Content
		}
	case ItemFunctionCallOutput:
		if t.Output != nil {
			return t.Output.Output
		}
	case ItemReasoningSummary:
		if t.Reasoning != nil {
			return t.Reasoning.Text
		}
	}
	return ""
}

// ToInput converts an item to its wire form. Reasoning summaries have no
// input form and report false.
func (t TurnItem) ToInput() (unifiedllm.Item, bool) {
	switch t.Kind {
	case ItemUserInput:
		if t.User != nil {
			return unifiedllm.UserMessage(t.User.Content), true
		}
	case ItemAssistantMessage:
		if t.Assistant != nil {
			return unifiedllm.AssistantMessage(t.Assistant.Content), true
		}
	case ItemFunctionCall:
		if t.Call != nil {
			return unifiedllm.FunctionCall(t.Call.ID, t.Call.CallID, t.Call.Name, string(t.Call.Arguments)), true
		}
	case ItemFunctionCallOutput:
		if t.Output != nil {
			return unifiedllm.FunctionCallOutput(t.Output.CallID, t.Output.Output), true
		}
	}
	return unifiedllm.Item{}, false
}

// ItemsToInput converts items to wire input, dropping those without an
// input form.
func ItemsToInput(items []TurnItem) []unifiedllm.Item {
	input := make([]unifiedllm.Item, 0, len(items))
	for _, item := range items {
		if wire, ok := item.ToInput(); ok {
			input = append(input, wire)
		}
	}
	return input
}

// ItemFromOutput converts a completed output item from the stream. Unknown
// item types report false.
func ItemFromOutput(item unifiedllm.Item) (TurnItem, bool, error) {
	switch item.Type {
	case unifiedllm.ItemMessage:
		return NewAssistantMessage(item.Text()), true, nil
	case unifiedllm.ItemReasoning:
		text := item.SummaryText()
		if text == "" {
			return TurnItem{}, false, nil
		}
		return NewReasoningSummary(text), true, nil
	case unifiedllm.ItemFunctionCall:
		call, err := NewFunctionCall(item.ID, item.CallID, item.Name, json.RawMessage(item.Arguments))
		if err != nil {
			return TurnItem{}, false, err
		}
		return call, true, nil
	}
	return TurnItem{}, false, nil
}
