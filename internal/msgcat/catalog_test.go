package msgcat

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEmbeddedDefaults(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, err := c.Render("queue.joined", map[string]any{"Mode": "ranked_1v1", "Wait": 45})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(s, "ranked_1v1") || !strings.Contains(s, "45") {
		t.Fatalf("unexpected render: %q", s)
	}
}

func TestMissingKeyFallsBack(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Render("no.such.key", nil); err == nil {
		t.Fatalf("expected error for missing key")
	}
	if got := c.RenderOr("no.such.key", nil, "fallback"); got != "fallback" {
		t.Fatalf("RenderOr: want fallback, got %q", got)
	}
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	override := "queue:\n  cancelled: \"Custom cancel text.\"\n"
	if err := os.WriteFile(filepath.Join(dir, "override.yaml"), []byte(override), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New with overrides: %v", err)
	}
	if got := c.RenderOr("queue.cancelled", nil, ""); got != "Custom cancel text." {
		t.Fatalf("override not applied: %q", got)
	}
	// keys the override does not touch keep their defaults
	if got := c.RenderOr("queue.not_in_queue", nil, ""); got == "" {
		t.Fatalf("default lost after override")
	}
}
