package tutor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	if err := c.Validate(); err != nil {
		t.Fatalf("embedded catalog invalid: %v", err)
	}

	if len(c.Languages) != 6 {
		t.Errorf("Expected 6 languages, got %d", len(c.Languages))
	}
	if len(c.Difficulties) != 3 || !c.HasDifficulty("Intermediate") {
		t.Errorf("Unexpected difficulties %v", c.Difficulties)
	}
	if len(c.Topics) != 6 {
		t.Errorf("Expected 6 topics, got %d", len(c.Topics))
	}

	personas := map[string]string{"Strict Teacher": "Lin", "Funny Friend": "Alex", "Fine Colleague": "Sam"}
	for name, persona := range personas {
		p, ok := c.Partner(name)
		if !ok {
			t.Errorf("Missing partner %q", name)
			continue
		}
		if p.PersonaName != persona {
			t.Errorf("Partner %q: expected %q, got %q", name, persona, p.PersonaName)
		}
	}

	if l, ok := c.Language("ja-jp"); !ok || l.Name != "Japanese" {
		t.Errorf("Expected case-insensitive language lookup, got %+v %v", l, ok)
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadCatalog_MergesOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "10-languages.yaml", `
languages:
  - code: pt-BR
    name: Portuguese
  - code: es-ES
    name: Spanish (Spain)
`)
	writeFile(t, dir, "20-partners.yml", `
partners:
  - name: Funny Friend
    persona_name: Max
    feedback_title: Tips
topics:
  - Talk about food.
`)
	writeFile(t, dir, "notes.txt", "ignored")

	c, err := LoadCatalog(dir)
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}

	if len(c.Languages) != 7 {
		t.Errorf("Expected 7 languages, got %d", len(c.Languages))
	}
	if l, _ := c.Language("es-ES"); l.Name != "Spanish (Spain)" {
		t.Errorf("Expected overridden language name, got %q", l.Name)
	}
	if p, _ := c.Partner("Funny Friend"); p.PersonaName != "Max" {
		t.Errorf("Expected overridden persona, got %q", p.PersonaName)
	}
	if len(c.Partners) != 3 {
		t.Errorf("Expected partners replaced in place, got %d", len(c.Partners))
	}
	if len(c.Topics) != 1 || c.Topics[0] != "Talk about food." {
		t.Errorf("Expected topics replaced, got %v", c.Topics)
	}
	if len(c.Difficulties) != 3 {
		t.Errorf("Expected difficulties kept, got %v", c.Difficulties)
	}

	if p, _ := DefaultCatalog().Partner("Funny Friend"); p.PersonaName != "Alex" {
		t.Error("Overrides must not leak into the embedded catalog")
	}
}

func TestLoadCatalog_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "languages: [unclosed"},
		{"partner without persona", "partners:\n  - name: Coach\n"},
		{"bad template", "partners:\n  - name: Coach\n    persona_name: Kim\n    tone: \"{{.Language\"\n"},
		{"language without name", "languages:\n  - code: ko-KR\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "override.yaml", tt.content)
			if _, err := LoadCatalog(dir); err == nil {
				t.Error("Expected error")
			}
		})
	}

	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected error for a missing directory")
	}
}

func TestStore_ReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "topics.yaml", "topics:\n  - First topic\n")

	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if got := store.Catalog().Topics; len(got) != 1 || got[0] != "First topic" {
		t.Fatalf("Unexpected topics %v", got)
	}

	writeFile(t, dir, "topics.yaml", "topics: [broken")
	if err := store.Reload(); err == nil {
		t.Fatal("Expected reload error")
	}
	if got := store.Catalog().Topics; got[0] != "First topic" {
		t.Errorf("Expected previous catalog kept, got %v", got)
	}
}

func TestStore_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "topics.yaml", "topics:\n  - Before\n")

	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for store.Catalog().Topics[0] != "After" {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for reload")
		}
		writeFile(t, dir, "topics.yaml", "topics:\n  - After\n")
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Watch did not return after cancel")
	}
}

func TestStore_WatchWithoutDir(t *testing.T) {
	store, err := NewStore("")
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := store.Watch(ctx); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}
