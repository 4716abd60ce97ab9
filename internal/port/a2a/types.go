// Package a2a exposes Magnetar sessions to external agents over the A2A
// protocol: an agent card plus task intake bridging to the orchestrator.
package a2a

// AgentCard describes an agent's capabilities per the A2A protocol.
type AgentCard struct {
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	URL          string  `json:"url"`
	Version      string  `json:"version"`
	Skills       []Skill `json:"skills"`
	Capabilities struct {
		Streaming bool `json:"streaming"`
	} `json:"capabilities"`
}

// Skill describes a single capability of the agent.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	InputModes  []string `json:"inputModes"`
	OutputModes []string `json:"outputModes"`
}

// TaskRequest represents an incoming A2A task request. Input carries the task
// text under the "task" key.
type TaskRequest struct {
	Skill   string         `json:"skill"`
	Input   map[string]any `json:"input"`
	Context map[string]any `json:"context,omitempty"`
}

// TaskResponse represents an A2A task response. ID is the Magnetar session
// id; it is the handle for all follow-up calls.
type TaskResponse struct {
	ID     string         `json:"id"`
	Status string         `json:"status"` // "queued", "running", "completed", "failed"
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}
