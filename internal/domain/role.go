package domain

import "strings"

// RoleProfile bundles a persona's system instructions with the set of
// capabilities it may invoke and the routing keywords that select it.
type RoleProfile struct {
	Name         string `json:"name" yaml:"name"`
	DisplayName  string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Description  string `json:"description,omitempty" yaml:"description,omitempty"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`

	// Capabilities whitelists the capability names the role may call.
	// nil means unrestricted; an empty list means no capabilities at all.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`

	Keywords  []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Provider  string   `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model     string   `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTokens int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// Unrestricted reports whether the role may use every registered capability.
func (r RoleProfile) Unrestricted() bool { return r.Capabilities == nil }

// Label returns the name used when framing delegated output.
func (r RoleProfile) Label() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return strings.ToUpper(r.Name)
}
