package a2a

// BuildAgentCard returns a static AgentCard for the Magnetar service.
func BuildAgentCard(baseURL string) AgentCard {
	return AgentCard{
		Name:        "Magnetar",
		Description: "Agent orchestration with approval-gated execution",
		URL:         baseURL,
		Version:     "0.1.0",
		Skills: []Skill{
			{
				ID:          "orchestrate-task",
				Name:        "Orchestrate Task",
				Description: "Plan a task and execute it step by step through role agents",
				InputModes:  []string{"text"},
				OutputModes: []string{"text"},
			},
			{
				ID:          "inspect-session",
				Name:        "Inspect Session",
				Description: "Return the current plan snapshot for a session",
				InputModes:  []string{"text"},
				OutputModes: []string{"text"},
			},
		},
		Capabilities: struct {
			Streaming bool `json:"streaming"`
		}{Streaming: true},
	}
}
