package agent

import (
	"log/slog"
	"strings"
)

// Router picks a role for an inbound message by matching role keywords.
type Router struct {
	roles  *RoleRegistry
	logger *slog.Logger
}

func NewRouter(roles *RoleRegistry, logger *slog.Logger) *Router {
	return &Router{roles: roles, logger: logger}
}

// Route returns the name of the role whose keywords best match the message.
// Returns empty string when no keyword matches (caller uses the default role).
func (r *Router) Route(message string) string {
	lower := strings.ToLower(message)

	var bestMatch string
	var bestScore int

	// List() is sorted by name, so ties resolve deterministically.
	for _, profile := range r.roles.List() {
		score := 0
		for _, kw := range profile.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			bestMatch = profile.Name
		}
	}

	if bestScore > 0 {
		r.logger.Debug("router matched role", "role", bestMatch, "score", bestScore)
	}
	return bestMatch
}
