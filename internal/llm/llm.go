// Package llm defines the provider-neutral runtime contract: an opaque
// message history, tool declarations, and a Runtime that turns a history
// plus tool set into text and/or function-call requests.
//
// Histories are provider-shaped. A Runtime both produces entries for its
// own dialect and consumes them back on the next invocation, so callers
// never inspect message internals beyond the role.
package llm

import "context"

// Message is one history entry in the active provider's wire shape.
type Message map[string]any

// Role returns the message's role field, or "" when absent.
func (m Message) Role() string {
	r, _ := m["role"].(string)
	return r
}

// ToolDeclaration describes one callable tool in neutral form. Parameters
// is a JSON-schema object; adapters translate it to their dialect.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// FunctionCallRecord is one tool invocation requested by the model.
// CallID is empty for dialects that do not correlate results by id.
type FunctionCallRecord struct {
	Name   string
	Args   map[string]any
	CallID string
}

// ToolResult pairs an executed call with its string outcome.
type ToolResult struct {
	Call   FunctionCallRecord
	Result string
}

// InvokeResult is the normalized model response. Assistant is the
// provider-shaped payload to append to history verbatim so follow-up
// requests replay exactly what the model produced.
type InvokeResult struct {
	Text      string
	Calls     []FunctionCallRecord
	Assistant Message
}

// Runtime is one provider dialect behind the normalized contract.
type Runtime interface {
	Provider() string
	ModelID() string

	AppendUser(history *[]Message, text string)
	AppendAssistantText(history *[]Message, text string)
	AppendToolResults(history *[]Message, results []ToolResult)

	Invoke(ctx context.Context, history []Message, tools []ToolDeclaration, systemPrompt string) (InvokeResult, error)
}
