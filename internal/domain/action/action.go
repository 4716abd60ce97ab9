// Package action defines the descriptors and results exchanged with the
// capability gateway.
package action

import (
	"encoding/json"

	"github.com/magnetar-ai/magnetar/internal/domain/approval"
)

// Type identifies the kind of side-effecting action.
type Type string

const (
	TypeFileRead    Type = "file.read"
	TypeFileWrite   Type = "file.write"
	TypeFileDelete  Type = "file.delete"
	TypeCodeExecute Type = "code.execute"
	TypeWebNavigate Type = "web.navigate"
	TypeWebClick    Type = "web.click"
	TypeWebType     Type = "web.type"
)

// Descriptor describes one action an agent wants the gateway to perform.
// The risk tag travels with the descriptor so the approval guard stays
// free of action-specific semantics.
type Descriptor struct {
	Type        Type            `json:"type"`
	Risk        approval.Risk   `json:"risk"`
	Description string          `json:"description"`
	Params      json.RawMessage `json:"params,omitempty"`
}

// TargetURL extracts the navigation target from a web action's params.
// Returns an empty string for non-navigation actions or missing params.
func (d *Descriptor) TargetURL() string {
	if d.Type != TypeWebNavigate || len(d.Params) == 0 {
		return ""
	}
	var p struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(d.Params, &p); err != nil {
		return ""
	}
	return p.URL
}

// ResultStatus reports how far an action got before the gateway returned.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusPartial ResultStatus = "partial" // interrupted after side effects began
	StatusError   ResultStatus = "error"
	StatusAborted ResultStatus = "aborted" // cancelled before any side effect
)

// Result is the gateway's report for one invoked action.
type Result struct {
	Status  ResultStatus    `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}
