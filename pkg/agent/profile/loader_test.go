package profile

import (
	"strings"
	"testing"
)

func TestResolveSystemProfile(t *testing.T) {
	t.Run("empty name returns main profile", func(t *testing.T) {
		content, err := ResolveSystemProfile("")
		if err != nil {
			t.Fatalf("ResolveSystemProfile error: %v", err)
		}
		if content == "" {
			t.Fatal("expected non-empty profile content")
		}
		if !strings.Contains(content, "{{workspace}}") {
			t.Fatal("main profile should carry a workspace placeholder")
		}
	})

	t.Run("subagent profile carries task placeholder", func(t *testing.T) {
		content, err := ResolveSystemProfile(Subagent)
		if err != nil {
			t.Fatalf("ResolveSystemProfile error: %v", err)
		}
		if !strings.Contains(content, "{{task}}") {
			t.Fatal("subagent profile should carry a task placeholder")
		}
	})

	t.Run("unknown name fails", func(t *testing.T) {
		if _, err := ResolveSystemProfile("nope"); err == nil {
			t.Fatal("expected error for unknown template")
		}
	})
}

func TestRender(t *testing.T) {
	rendered := Render("at {{workspace}} on {{current_time}}", map[string]string{
		"workspace":    "/tmp/ws",
		"current_time": "2026-01-02 15:04",
	})
	if rendered != "at /tmp/ws on 2026-01-02 15:04" {
		t.Fatalf("rendered = %q", rendered)
	}

	if got := Render("untouched {{x}}", nil); got != "untouched {{x}}" {
		t.Fatalf("rendered without vars = %q", got)
	}
}

func TestTemplatePath(t *testing.T) {
	if got := templatePath("default"); got != "templates/default.md" {
		t.Fatalf("templatePath(default) = %q, want %q", got, "templates/default.md")
	}
}
