package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStore_DefaultsWhenFileAbsent(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "settings.json"))

	got := s.Get()
	if got.Quality != "320" {
		t.Errorf("quality = %q, expected 320", got.Quality)
	}
	if got.Port != 8765 {
		t.Errorf("port = %d, expected 8765", got.Port)
	}
	if got.Engine != "auto" {
		t.Errorf("engine = %q, expected auto", got.Engine)
	}
	if len(got.RateLimit) == 0 {
		t.Error("expected default rate-limit patterns")
	}
}

func TestStore_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s := NewStore(path)

	next := s.Get()
	next.Quality = "128"
	next.Engine = "ytdlp"
	next.DownloadPath = "/tmp/music"
	if err := s.Save(next); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if got := s.Get(); got.Quality != "128" || got.Engine != "ytdlp" {
		t.Errorf("in-memory settings not updated: %+v", got)
	}

	// a second store reads what the first one wrote
	reloaded := NewStore(path).Get()
	if reloaded.Quality != "128" || reloaded.Engine != "ytdlp" || reloaded.DownloadPath != "/tmp/music" {
		t.Errorf("reloaded = %+v", reloaded)
	}
	if reloaded.Port != 8765 {
		t.Errorf("unset fields should keep defaults, port = %d", reloaded.Port)
	}
}

func TestStore_SaveFillsMissingFields(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "settings.json"))

	if err := s.Save(Settings{Quality: "160"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got := s.Get()
	if got.Quality != "160" {
		t.Errorf("quality = %q", got.Quality)
	}
	if got.Engine != "auto" || got.Port != 8765 || got.DownloadPath == "" {
		t.Errorf("missing fields not defaulted: %+v", got)
	}
	if len(got.RateLimit) == 0 {
		t.Error("empty pattern list should fall back to defaults")
	}
}

func TestStore_IgnoresCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := NewStore(path).Get()
	if got.Quality != "320" || got.Port != 8765 {
		t.Errorf("corrupt file should yield defaults, got %+v", got)
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "settings.json"))

	got := s.Get()
	got.RateLimit[0] = "tampered"

	if s.Get().RateLimit[0] == "tampered" {
		t.Error("pattern slice shared with callers")
	}
}
