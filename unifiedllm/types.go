// Package unifiedllm provides a provider-agnostic client for streaming
// responses services that keep conversation state server-side and hand back a
// response id to continue from.
package unifiedllm

import (
	"strings"
)

// Role identifies who produced a message item.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
)

// ItemType is the discriminator tag for Item.
type ItemType string

const (
	ItemMessage            ItemType = "message"
	ItemFunctionCall       ItemType = "function_call"
	ItemFunctionCallOutput ItemType = "function_call_output"
	ItemReasoning          ItemType = "reasoning"
)

// Content part types.
const (
	PartInputText   = "input_text"
	PartOutputText  = "output_text"
	PartSummaryText = "summary_text"
)

// ContentPart is one text segment of a message or reasoning item.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Item is the unit of input and output on the wire. Which fields are set
// depends on Type.
type Item struct {
	Type    ItemType      `json:"type"`
	ID      string        `json:"id,omitempty"`
	Status  string        `json:"status,omitempty"`
	Role    Role          `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	Summary []ContentPart `json:"summary,omitempty"`

	// Function call fields.
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// Function call output field.
	Output string `json:"output,omitempty"`
}

// UserMessage creates a user input message item.
func UserMessage(text string) Item {
	return Item{
		Type:    ItemMessage,
		Role:    RoleUser,
		Content: []ContentPart{{Type: PartInputText, Text: text}},
	}
}

// AssistantMessage creates an assistant output message item.
func AssistantMessage(text string) Item {
	return Item{
		Type:    ItemMessage,
		Role:    RoleAssistant,
		Status:  "completed",
		Content: []ContentPart{{Type: PartOutputText, Text: text}},
	}
}

// FunctionCall creates a function call item.
func FunctionCall(id, callID, name, arguments string) Item {
	return Item{
		Type:      ItemFunctionCall,
		ID:        id,
		Status:    "completed",
		CallID:    callID,
		Name:      name,
		Arguments: arguments,
	}
}

// FunctionCallOutput creates a function call output input item.
func FunctionCallOutput(callID, output string) Item {
	return Item{
		Type:   ItemFunctionCallOutput,
		CallID: callID,
		Output: output,
	}
}

// Text returns the concatenation of all text content parts.
func (i Item) Text() string {
	var sb strings.Builder
	for _, part := range i.Content {
		sb.WriteString(part.Text)
	}
	return sb.String()
}

// SummaryText returns the concatenated reasoning summary.
func (i Item) SummaryText() string {
	var sb strings.Builder
	for _, part := range i.Summary {
		sb.WriteString(part.Text)
	}
	return sb.String()
}

// ReasoningConfig controls reasoning effort and summarisation.
type ReasoningConfig struct {
	Effort  string `json:"effort,omitempty"`  // "low", "medium", "high"
	Summary string `json:"summary,omitempty"` // "auto", "concise", "detailed"
}

// ToolDefinition describes a function the model can call.
type ToolDefinition struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
	Strict      bool                   `json:"strict"`
}

// FunctionTool creates a function ToolDefinition.
func FunctionTool(name, description string, parameters map[string]interface{}) ToolDefinition {
	return ToolDefinition{
		Type:        "function",
		Name:        name,
		Description: description,
		Parameters:  parameters,
	}
}

// Request is the body of a single streamed turn. Input carries only the items
// that are new since PreviousResponseID.
type Request struct {
	Model              string            `json:"model"`
	Instructions       string            `json:"instructions,omitempty"`
	PreviousResponseID string            `json:"previous_response_id,omitempty"`
	Input              []Item            `json:"input"`
	Stream             bool              `json:"stream"`
	ParallelToolCalls  bool              `json:"parallel_tool_calls"`
	Reasoning          *ReasoningConfig  `json:"reasoning,omitempty"`
	Tools              []ToolDefinition  `json:"tools,omitempty"`
	ToolChoice         string            `json:"tool_choice,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`

	// Provider selects the adapter; not sent on the wire.
	Provider string `json:"-"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens         int                  `json:"input_tokens"`
	OutputTokens        int                  `json:"output_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	OutputTokensDetails *OutputTokensDetails `json:"output_tokens_details,omitempty"`
}

// OutputTokensDetails breaks down output token usage.
type OutputTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

// Add returns a new Usage that is the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	result := Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
	if u.OutputTokensDetails != nil || other.OutputTokensDetails != nil {
		result.OutputTokensDetails = &OutputTokensDetails{}
		if u.OutputTokensDetails != nil {
			result.OutputTokensDetails.ReasoningTokens += u.OutputTokensDetails.ReasoningTokens
		}
		if other.OutputTokensDetails != nil {
			result.OutputTokensDetails.ReasoningTokens += other.OutputTokensDetails.ReasoningTokens
		}
	}
	return result
}

// ResponseError is the error object a service attaches to a failed response.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the envelope carried by response.created, response.completed
// and response.failed events.
type Response struct {
	ID     string         `json:"id"`
	Model  string         `json:"model,omitempty"`
	Status string         `json:"status,omitempty"`
	Output []Item         `json:"output,omitempty"`
	Usage  *Usage         `json:"usage,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// OutputText returns the concatenated assistant text of the response.
func (r Response) OutputText() string {
	var sb strings.Builder
	for _, item := range r.Output {
		if item.Type == ItemMessage {
			sb.WriteString(item.Text())
		}
	}
	return sb.String()
}

// FunctionCalls returns the function call items of the response in order.
func (r Response) FunctionCalls() []Item {
	var calls []Item
	for _, item := range r.Output {
		if item.Type == ItemFunctionCall {
			calls = append(calls, item)
		}
	}
	return calls
}

// StreamEventType identifies the kind of stream event.
type StreamEventType string

const (
	EventResponseCreated       StreamEventType = "response.created"
	EventResponseInProgress    StreamEventType = "response.in_progress"
	EventOutputItemAdded       StreamEventType = "response.output_item.added"
	EventOutputItemDone        StreamEventType = "response.output_item.done"
	EventOutputTextDelta       StreamEventType = "response.output_text.delta"
	EventReasoningSummaryDelta StreamEventType = "response.reasoning_summary_text.delta"
	EventFunctionCallArgsDelta StreamEventType = "response.function_call_arguments.delta"
	EventFunctionCallArgsDone  StreamEventType = "response.function_call_arguments.done"
	EventResponseCompleted     StreamEventType = "response.completed"
	EventResponseFailed        StreamEventType = "response.failed"
	EventResponseIncomplete    StreamEventType = "response.incomplete"
	EventError                 StreamEventType = "error"

	// EventTransportError is produced locally when the connection breaks
	// mid-stream. It never appears on the wire.
	EventTransportError StreamEventType = "transport_error"
)

// StreamEvent is a single decoded event from a streaming response.
type StreamEvent struct {
	Type           StreamEventType `json:"type"`
	SequenceNumber int             `json:"sequence_number,omitempty"`
	OutputIndex    int             `json:"output_index,omitempty"`
	ItemID         string          `json:"item_id,omitempty"`
	Delta          string          `json:"delta,omitempty"`
	Arguments      string          `json:"arguments,omitempty"`
	Item           *Item           `json:"item,omitempty"`
	Response       *Response       `json:"response,omitempty"`

	// Set on error events.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// Err is set on EventTransportError.
	Err error `json:"-"`
}
