// Package completion defines the LLM completion client port (interface).
package completion

import "context"

// Message is one chat turn sent to the completion endpoint.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Result is the model's reply: free text, or a structured tool call when the
// model chose to invoke a capability.
type Result struct {
	Text     string `json:"text,omitempty"`
	ToolCall []byte `json:"tool_call,omitempty"` // raw action descriptor JSON
}

// Client is the port interface for one configured LLM client role.
// Each role (orchestrator, coder, web_surfer, file_surfer, action_guard)
// gets its own Client so models and providers can differ per role.
type Client interface {
	Complete(ctx context.Context, msgs []Message) (*Result, error)
}
