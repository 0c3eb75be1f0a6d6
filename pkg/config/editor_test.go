package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEditorSetCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	e, err := OpenEditor(path)
	if err != nil {
		t.Fatalf("OpenEditor: %v", err)
	}
	if err := e.Set("farm_id", "farm-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := e.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "farm_id: farm-1") {
		t.Fatalf("expected farm_id written, got: %s", data)
	}
}

func TestEditorPreservesCommentsAndUpdatesValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	initial := "# worker identity\nfarm_id: old-farm\nfleet_id: fleet-1\n"
	if err := os.WriteFile(path, []byte(initial), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e, err := OpenEditor(path)
	if err != nil {
		t.Fatalf("OpenEditor: %v", err)
	}
	if err := e.Set("farm_id", "new-farm"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := e.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "# worker identity") {
		t.Fatalf("expected comment to survive, got: %s", out)
	}
	if !strings.Contains(out, "farm_id: new-farm") {
		t.Fatalf("expected updated value, got: %s", out)
	}
}

func TestEditorUnsetIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("farm_id: farm-1\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	e, err := OpenEditor(path)
	if err != nil {
		t.Fatalf("OpenEditor: %v", err)
	}
	if err := e.Unset("farm_id"); err != nil {
		t.Fatalf("Unset: %v", err)
	}
	if err := e.Unset("farm_id"); err != nil {
		t.Fatalf("second Unset should be a no-op, got: %v", err)
	}
	if _, ok := e.Get("farm_id"); ok {
		t.Fatal("expected farm_id to be removed")
	}
}

func TestEditorRejectsNonEditableKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	e, err := OpenEditor(path)
	if err != nil {
		t.Fatalf("OpenEditor: %v", err)
	}
	if err := e.Set("capabilities", "nope"); err == nil {
		t.Fatal("expected error for non-editable key")
	}
}

func TestEditorSetCapabilityAmountWritesNestedValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	e, err := OpenEditor(path)
	if err != nil {
		t.Fatalf("OpenEditor: %v", err)
	}
	if err := e.SetCapabilityAmount("amount.worker.gpu", 2); err != nil {
		t.Fatalf("SetCapabilityAmount: %v", err)
	}
	if err := e.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "capabilities:") || !strings.Contains(out, "amounts:") || !strings.Contains(out, "amount.worker.gpu: 2") {
		t.Fatalf("expected nested capability amount written, got: %s", out)
	}
}

func TestEditorSetCapabilityAmountRejectsBadGrammar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	e, err := OpenEditor(path)
	if err != nil {
		t.Fatalf("OpenEditor: %v", err)
	}
	if err := e.SetCapabilityAmount("gpu", 2); err == nil {
		t.Fatal("expected error for a name missing the amount./attr. segment")
	}
}

func TestEditorSetCapabilityAmountRejectsNegativeValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	e, err := OpenEditor(path)
	if err != nil {
		t.Fatalf("OpenEditor: %v", err)
	}
	if err := e.SetCapabilityAmount("amount.worker.gpu", -1); err == nil {
		t.Fatal("expected error for a negative amount")
	}
}

func TestEditorUnsetCapabilityAmountIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	e, err := OpenEditor(path)
	if err != nil {
		t.Fatalf("OpenEditor: %v", err)
	}
	if err := e.SetCapabilityAmount("amount.worker.gpu", 2); err != nil {
		t.Fatalf("SetCapabilityAmount: %v", err)
	}
	if err := e.UnsetCapabilityAmount("amount.worker.gpu"); err != nil {
		t.Fatalf("UnsetCapabilityAmount: %v", err)
	}
	if err := e.UnsetCapabilityAmount("amount.worker.gpu"); err != nil {
		t.Fatalf("second UnsetCapabilityAmount should be a no-op, got: %v", err)
	}
}

func TestEditorSetCapabilityAttributeWritesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	e, err := OpenEditor(path)
	if err != nil {
		t.Fatalf("OpenEditor: %v", err)
	}
	if err := e.SetCapabilityAttribute("attr.worker.os", []string{"linux", "windows"}); err != nil {
		t.Fatalf("SetCapabilityAttribute: %v", err)
	}
	if err := e.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "attributes:") || !strings.Contains(out, "linux") || !strings.Contains(out, "windows") {
		t.Fatalf("expected nested capability attribute sequence written, got: %s", out)
	}
}

func TestEditorSetCapabilityAttributeRejectsBadGrammar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	e, err := OpenEditor(path)
	if err != nil {
		t.Fatalf("OpenEditor: %v", err)
	}
	if err := e.SetCapabilityAttribute("os", []string{"linux"}); err == nil {
		t.Fatal("expected error for a name missing the amount./attr. segment")
	}
}
