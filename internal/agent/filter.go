package agent

import "lanebot/internal/domain"

// CapabilityFilter applies a role's whitelist to capability definitions and
// to execution. A nil whitelist means unrestricted; an empty non-nil list
// permits nothing.
type CapabilityFilter struct {
	allowed      map[string]bool
	unrestricted bool
}

// NewCapabilityFilter creates a filter from a role whitelist.
func NewCapabilityFilter(whitelist []string) *CapabilityFilter {
	if whitelist == nil {
		return &CapabilityFilter{unrestricted: true}
	}
	allowed := make(map[string]bool, len(whitelist))
	for _, name := range whitelist {
		allowed[name] = true
	}
	return &CapabilityFilter{allowed: allowed}
}

// IsAllowed returns true if the role may invoke the named capability.
func (f *CapabilityFilter) IsAllowed(name string) bool {
	if f == nil || f.unrestricted {
		return true
	}
	return f.allowed[name]
}

// FilterDefinitions returns only the definitions the role may be offered.
func (f *CapabilityFilter) FilterDefinitions(defs []domain.CapabilityDefinition) []domain.CapabilityDefinition {
	if f == nil || f.unrestricted {
		return defs
	}
	filtered := make([]domain.CapabilityDefinition, 0, len(defs))
	for _, d := range defs {
		if f.allowed[d.Name] {
			filtered = append(filtered, d)
		}
	}
	return filtered
}
