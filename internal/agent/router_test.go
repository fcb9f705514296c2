package agent

import (
	"testing"

	"lanebot/internal/domain"
)

func newBuiltinRouter(t *testing.T) *Router {
	t.Helper()
	reg := NewRoleRegistry(testLogger())
	reg.RegisterBuiltins()
	return NewRouter(reg, testLogger())
}

func TestRoute_KeywordMatch(t *testing.T) {
	router := newBuiltinRouter(t)

	cases := []struct {
		message string
		want    string
	}{
		{"please research the history of the Rhine", "researcher"},
		{"there is a bug in my script", "coder"},
		{"write an essay about autumn", "writer"},
		{"how much disk space is left on the server", "sysadmin"},
		{"Can you LOOK UP the current weather?", "researcher"},
	}
	for _, tc := range cases {
		if got := router.Route(tc.message); got != tc.want {
			t.Errorf("Route(%q) = %q, want %q", tc.message, got, tc.want)
		}
	}
}

func TestRoute_NoMatchReturnsEmpty(t *testing.T) {
	router := newBuiltinRouter(t)
	if got := router.Route("hello there"); got != "" {
		t.Fatalf("expected no match, got %q", got)
	}
}

func TestRoute_HighestScoreWins(t *testing.T) {
	reg := NewRoleRegistry(testLogger())
	reg.Register(domain.RoleProfile{Name: "single", Keywords: []string{"report"}})
	reg.Register(domain.RoleProfile{Name: "double", Keywords: []string{"report", "quarterly"}})
	router := NewRouter(reg, testLogger())

	if got := router.Route("prepare the quarterly report"); got != "double" {
		t.Fatalf("expected role with more keyword hits, got %q", got)
	}
}

func TestRoute_TieBreaksAlphabetically(t *testing.T) {
	reg := NewRoleRegistry(testLogger())
	reg.Register(domain.RoleProfile{Name: "zulu", Keywords: []string{"deploy"}})
	reg.Register(domain.RoleProfile{Name: "alpha", Keywords: []string{"deploy"}})
	router := NewRouter(reg, testLogger())

	if got := router.Route("deploy the service"); got != "alpha" {
		t.Fatalf("expected deterministic tie-break, got %q", got)
	}
}
