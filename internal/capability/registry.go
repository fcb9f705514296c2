package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"lanebot/internal/domain"
)

// Registry holds every invocable capability: built-ins, plugin actions,
// and the delegate hook. Registering a name that already exists replaces
// the previous entry, which is how plugin reloads swap behavior in place.
type Registry struct {
	mu     sync.RWMutex
	caps   map[string]domain.Capability
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		caps:   make(map[string]domain.Capability),
		logger: logger,
	}
}

func (r *Registry) Register(c domain.Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[c.Name()]; exists {
		r.logger.Info("capability replaced", "name", c.Name())
	} else {
		r.logger.Debug("capability registered", "name", c.Name())
	}
	r.caps[c.Name()] = c
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[name]; exists {
		delete(r.caps, name)
		r.logger.Debug("capability unregistered", "name", name)
	}
}

func (r *Registry) Get(name string) domain.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caps[name]
}

// Invoke executes a capability and always returns a printable result.
// Unknown names, execution errors, and panics all come back as error
// strings so the model can read them and adjust course.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (result string) {
	c := r.Get(name)
	if c == nil {
		return fmt.Sprintf("Error: capability '%s' not found.", name)
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("capability panicked", "name", name, "panic", rec)
			result = fmt.Sprintf("Error executing '%s': panic: %v", name, rec)
		}
	}()
	out, err := c.Execute(ctx, args)
	if err != nil {
		return fmt.Sprintf("Error executing '%s': %s", name, err)
	}
	return out
}

// ListSchemas returns capability definitions in OpenAI-compatible format,
// sorted by name so the model sees a stable ordering.
func (r *Registry) ListSchemas() []domain.CapabilityDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]domain.CapabilityDefinition, 0, len(r.caps))
	for _, c := range r.caps {
		defs = append(defs, domain.CapabilityDefinition{
			Name:        c.Name(),
			Description: c.Description(),
			Parameters:  c.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for n := range r.caps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Param describes a single capability parameter.
type Param struct {
	Type        string
	Description string
}

// Schema builds a JSON Schema "parameters" object for a capability.
func Schema(properties map[string]Param, required []string) map[string]any {
	props := make(map[string]any)
	for name, p := range properties {
		props[name] = map[string]any{"type": p.Type, "description": p.Description}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func ArgsString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, ok := args[key]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// ArgsMap extracts a nested object argument, tolerating a JSON-encoded
// string form that some models produce.
func ArgsMap(args map[string]any, key string) map[string]any {
	if args == nil {
		return nil
	}
	switch v := args[key].(type) {
	case map[string]any:
		return v
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err == nil {
			return m
		}
	}
	return nil
}
