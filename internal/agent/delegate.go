package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"lanebot/internal/capability"
	"lanebot/internal/domain"
)

// delegationKey marks a context as already running a delegated mission.
type delegationKey struct{}

// Spawner runs missions under other role profiles on behalf of the primary
// role. Failures come back as strings so the calling model can react to them.
type Spawner struct {
	loop   *Loop
	roles  *RoleRegistry
	logger *slog.Logger
}

func NewSpawner(loop *Loop, roles *RoleRegistry, logger *slog.Logger) *Spawner {
	return &Spawner{loop: loop, roles: roles, logger: logger}
}

// Delegate runs mission under the named role and returns the framed result.
// Only one level of delegation is allowed; a delegated role cannot delegate
// further.
func (s *Spawner) Delegate(ctx context.Context, roleName, mission string) string {
	if ctx.Value(delegationKey{}) != nil {
		return "Error: nested delegation is not allowed."
	}

	profile, ok := s.roles.Get(roleName)
	if !ok {
		return fmt.Sprintf("Error: unknown role '%s'. Available roles: %s",
			roleName, strings.Join(s.roles.Names(), ", "))
	}

	s.logger.Info("delegating mission", "role", roleName, "mission_len", len(mission))

	result, err := s.loop.Run(context.WithValue(ctx, delegationKey{}, true), profile, mission, "")
	if err != nil {
		s.logger.Error("delegated mission failed", "role", roleName, "error", err)
		return fmt.Sprintf("Error executing delegated mission: %s", err.Error())
	}

	rule := strings.Repeat("─", 40)
	return fmt.Sprintf("[%s]\n%s\n%s\n%s", profile.Label(), rule, result, rule)
}

// DelegateCapability exposes delegation to the model as a regular capability.
type DelegateCapability struct {
	spawner *Spawner
	roles   *RoleRegistry
}

var _ domain.Capability = (*DelegateCapability)(nil)

func NewDelegateCapability(spawner *Spawner, roles *RoleRegistry) *DelegateCapability {
	return &DelegateCapability{spawner: spawner, roles: roles}
}

func (d *DelegateCapability) Name() string { return "delegate" }

func (d *DelegateCapability) Description() string {
	return fmt.Sprintf("Delegate a mission to a specialist role and return its result. Available roles: %s",
		strings.Join(d.roles.Names(), ", "))
}

func (d *DelegateCapability) Parameters() map[string]any {
	return capability.Schema(map[string]capability.Param{
		"role":    {Type: "string", Description: "Name of the role to delegate to"},
		"mission": {Type: "string", Description: "What the role should accomplish, with all context it needs"},
	}, []string{"role", "mission"})
}

func (d *DelegateCapability) Execute(ctx context.Context, args map[string]any) (string, error) {
	role, _ := args["role"].(string)
	mission, _ := args["mission"].(string)
	if role == "" || mission == "" {
		return "", fmt.Errorf("delegate requires 'role' and 'mission' arguments")
	}
	return d.spawner.Delegate(ctx, role, mission), nil
}
