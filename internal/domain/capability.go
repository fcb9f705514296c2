package domain

import "context"

// Capability is a named function the model can invoke. Built-in tools,
// plugin actions, and sub-agent delegation all implement it.
type Capability interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// CapabilityDefinition is the schema form advertised to a provider.
type CapabilityDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}
