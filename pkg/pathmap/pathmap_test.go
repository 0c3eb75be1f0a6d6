package pathmap

import (
	"context"
	"testing"

	"github.com/spf13/afero"
)

func TestResolveRootAppliesLongestMatchingRule(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := New(fs, []Rule{
		{Source: "assets", Destination: "local-assets"},
		{Source: "assets/textures", Destination: "local-textures"},
	})

	local, err := m.ResolveRoot(context.Background(), "assets/textures", "/work")
	if err != nil {
		t.Fatalf("ResolveRoot: %v", err)
	}
	if local != "/work/local-textures" {
		t.Fatalf("expected longest-prefix rule to win, got %q", local)
	}

	ok, err := afero.DirExists(fs, local)
	if err != nil {
		t.Fatalf("DirExists: %v", err)
	}
	if !ok {
		t.Fatal("expected local root directory to be created")
	}
}

func TestResolveRootFallsBackToRemoteName(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := New(fs, nil)

	local, err := m.ResolveRoot(context.Background(), "inputs", "/work")
	if err != nil {
		t.Fatalf("ResolveRoot: %v", err)
	}
	if local != "/work/inputs" {
		t.Fatalf("expected unmapped root to pass through, got %q", local)
	}
}

func TestSortedRulesOrdersByComponentCountDescending(t *testing.T) {
	m := New(afero.NewMemMapFs(), []Rule{
		{Source: "a", Destination: "x"},
		{Source: "a/b/c", Destination: "y"},
		{Source: "a/b", Destination: "z"},
	})

	sorted := m.SortedRules()
	if len(sorted) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(sorted))
	}
	if sorted[0].Source != "a/b/c" || sorted[2].Source != "a" {
		t.Fatalf("unexpected order: %+v", sorted)
	}
}
