// Package files holds filesystem helpers shared by the command builder and
// the captured-audio endpoint: sanitizing free-text names into safe file
// names and writing files without clobbering existing ones.
package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// illegal covers characters rejected by at least one target platform.
const illegal = `/\:*?"<>|`

// SanitizeName makes a free-text track title safe to use as a file name on
// any platform. The result is never empty.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20, strings.ContainsRune(illegal, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), " .")
	if out == "" {
		out = "track"
	}
	// Windows path component limit, leave room for suffix + extension.
	// Cut on a rune boundary so a multi-byte title stays valid UTF-8.
	const maxLen = 180
	if len(out) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = strings.TrimRight(out[:cut], " .")
	}
	return out
}

// UniquePath returns dir/base+ext, appending " (n)" before the extension
// until the name does not collide with an existing file.
func UniquePath(dir, base, ext string) string {
	candidate := filepath.Join(dir, base+ext)
	for n := 1; ; n++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
	}
}

// Capture size bounds: below the floor the payload is not plausibly
// audio, above the ceiling it is not plausibly a single captured track.
const (
	MinCaptureBytes = 16 * 1024
	MaxCaptureBytes = 64 << 20
)

// SaveCapture writes captured raw audio bytes into dir under a sanitized,
// collision-avoided name. The data is staged under a random name first so a
// partially written file never occupies the final path.
func SaveCapture(dir, name, ext string, data []byte) (string, error) {
	if len(data) < MinCaptureBytes {
		return "", fmt.Errorf("capture too small: %d bytes", len(data))
	}
	if len(data) > MaxCaptureBytes {
		return "", fmt.Errorf("capture too large: %d bytes", len(data))
	}
	if ext == "" {
		ext = ".webm"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create capture dir: %w", err)
	}

	staging := filepath.Join(dir, ".capture-"+uuid.NewString()+".tmp")
	if err := os.WriteFile(staging, data, 0o644); err != nil {
		return "", fmt.Errorf("write capture: %w", err)
	}

	final := UniquePath(dir, SanitizeName(name), ext)
	if err := os.Rename(staging, final); err != nil {
		_ = os.Remove(staging)
		return "", fmt.Errorf("finalize capture: %w", err)
	}
	return final, nil
}
