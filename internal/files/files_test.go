package files

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"Artist - Title", "Artist - Title"},
		{`What/If: "Remix"?`, "What_If_ _Remix__"},
		{"trailing dots...", "trailing dots"},
		{"  spaced  ", "spaced"},
		{"", "track"},
		{"...", "track"},
		{"tab\there", "tab_here"},
	}

	for _, test := range tests {
		if got := SanitizeName(test.in); got != test.expected {
			t.Errorf("SanitizeName(%q) = %q, expected %q", test.in, got, test.expected)
		}
	}
}

func TestSanitizeName_CapsLength(t *testing.T) {
	got := SanitizeName(strings.Repeat("x", 500))
	if len(got) > 180 {
		t.Errorf("len = %d, expected at most 180", len(got))
	}
}

func TestSanitizeName_TruncatesOnRuneBoundary(t *testing.T) {
	// The leading byte misaligns the 3-byte runes against the byte cap,
	// so a naive slice would split one.
	got := SanitizeName("x" + strings.Repeat("あ", 100))
	if len(got) > 180 {
		t.Errorf("len = %d, expected at most 180", len(got))
	}
	if !utf8.ValidString(got) {
		t.Errorf("truncated name is not valid UTF-8: %q", got)
	}
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()

	first := UniquePath(dir, "song", ".mp3")
	if first != filepath.Join(dir, "song.mp3") {
		t.Fatalf("first path = %q", first)
	}
	if err := os.WriteFile(first, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	second := UniquePath(dir, "song", ".mp3")
	if second != filepath.Join(dir, "song (1).mp3") {
		t.Errorf("second path = %q, expected a (1) suffix", second)
	}
}

func TestSaveCapture(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte{0xAB}, MinCaptureBytes)

	path, err := SaveCapture(dir, `Live: "Bootleg"`, "webm", data)
	if err != nil {
		t.Fatalf("SaveCapture() error = %v", err)
	}
	if filepath.Ext(path) != ".webm" {
		t.Errorf("extension = %q", filepath.Ext(path))
	}
	if strings.ContainsAny(filepath.Base(path), `/:*?"<>|`) {
		t.Errorf("unsanitized name: %q", path)
	}

	written, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(written, data) {
		t.Error("written bytes differ from input")
	}

	// no staging leftovers
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".capture-") {
			t.Errorf("staging file left behind: %s", e.Name())
		}
	}
}

func TestSaveCapture_RejectsTinyPayloads(t *testing.T) {
	dir := t.TempDir()
	if _, err := SaveCapture(dir, "snippet", ".webm", []byte("too small")); err == nil {
		t.Fatal("expected tiny captures to be rejected")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("rejected capture left files: %v", entries)
	}
}

func TestSaveCapture_RejectsOversizedPayloads(t *testing.T) {
	dir := t.TempDir()
	if _, err := SaveCapture(dir, "mix", ".webm", make([]byte, MaxCaptureBytes+1)); err == nil {
		t.Fatal("expected oversized captures to be rejected")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("rejected capture left files: %v", entries)
	}
}

func TestSaveCapture_DefaultExtension(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte{1}, MinCaptureBytes)

	path, err := SaveCapture(dir, "song", "", data)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Ext(path) != ".webm" {
		t.Errorf("default extension = %q, expected .webm", filepath.Ext(path))
	}
}
