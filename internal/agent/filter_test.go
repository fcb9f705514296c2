package agent

import (
	"testing"

	"lanebot/internal/domain"
)

func TestFilter_NilWhitelistAllowsEverything(t *testing.T) {
	f := NewCapabilityFilter(nil)
	if !f.IsAllowed("shell") || !f.IsAllowed("anything_at_all") {
		t.Fatal("nil whitelist should allow every capability")
	}
}

func TestFilter_EmptyWhitelistAllowsNothing(t *testing.T) {
	f := NewCapabilityFilter([]string{})
	if f.IsAllowed("shell") {
		t.Fatal("empty whitelist should deny every capability")
	}
}

func TestFilter_SubsetAllowed(t *testing.T) {
	f := NewCapabilityFilter([]string{"web_search", "web_fetch"})
	if !f.IsAllowed("web_search") {
		t.Fatal("listed capability should be allowed")
	}
	if f.IsAllowed("shell") {
		t.Fatal("unlisted capability should be denied")
	}
}

func TestFilter_NilReceiverAllows(t *testing.T) {
	var f *CapabilityFilter
	if !f.IsAllowed("shell") {
		t.Fatal("nil filter should allow")
	}
}

func TestFilterDefinitions(t *testing.T) {
	defs := []domain.CapabilityDefinition{
		{Name: "shell"},
		{Name: "web_search"},
		{Name: "sysinfo"},
	}

	f := NewCapabilityFilter([]string{"web_search"})
	got := f.FilterDefinitions(defs)
	if len(got) != 1 || got[0].Name != "web_search" {
		t.Fatalf("expected only web_search, got %+v", got)
	}

	if got := NewCapabilityFilter(nil).FilterDefinitions(defs); len(got) != 3 {
		t.Fatalf("nil whitelist should pass all definitions, got %d", len(got))
	}
	if got := NewCapabilityFilter([]string{}).FilterDefinitions(defs); len(got) != 0 {
		t.Fatalf("empty whitelist should pass no definitions, got %d", len(got))
	}
}
