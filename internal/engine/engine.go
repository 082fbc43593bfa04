// Package engine probes, invokes, and interprets the external acquisition
// tools (spotdl, yt-dlp) and the ffmpeg toolchain. The tools are opaque
// versioned child processes: what a given install supports is sniffed at
// runtime, never assumed.
package engine

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"spotify-downloader/internal/domain"
)

var (
	// ErrNotInstalled is returned when neither invocation form of an engine
	// resolves to a runnable executable.
	ErrNotInstalled = errors.New("engine not installed")
)

// Version is a parsed semantic-ish version tuple reported by a tool.
type Version struct {
	Major int
	Minor int
	Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// AtLeast reports whether v >= major.minor.
func (v Version) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// IsZero reports whether no version was detected.
func (v Version) IsZero() bool {
	return v.Major == 0 && v.Minor == 0 && v.Patch == 0
}

var versionRe = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)

// ParseVersion extracts the first version tuple from a tool's
// --version output. The zero Version is returned when nothing matches.
func ParseVersion(output string) Version {
	m := versionRe.FindStringSubmatch(output)
	if m == nil {
		return Version{}
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch := 0
	if m[3] != "" {
		patch, _ = strconv.Atoi(m[3])
	}
	return Version{Major: major, Minor: minor, Patch: patch}
}

// Flag names sniffed from engine help output. Only flags present in a
// Capabilities snapshot may appear in a built command line.
const (
	// spotdl
	FlagBitrate   = "--bitrate"
	FlagOutput    = "--output"
	FlagFormat    = "--format"
	FlagOverwrite = "--overwrite"
	FlagFFmpeg    = "--ffmpeg"
	FlagLogLevel  = "--log-level"

	// yt-dlp
	FlagExtractAudio   = "--extract-audio"
	FlagAudioFormat    = "--audio-format"
	FlagAudioQuality   = "--audio-quality"
	FlagFFmpegLocation = "--ffmpeg-location"
	FlagNewline        = "--newline"
	FlagNoOverwrites   = "--no-overwrites"
	FlagDefaultSearch  = "--default-search"
)

// flagProbe detects one optional flag in a tool's help output. Adding
// support for a new flag or engine release is a table edit, not new code.
type flagProbe struct {
	Flag   string
	Needle string // substring searched for in help text; Flag when empty
}

func (p flagProbe) matches(help string) bool {
	needle := p.Needle
	if needle == "" {
		needle = p.Flag
	}
	return strings.Contains(help, needle)
}

var flagProbes = map[domain.Engine][]flagProbe{
	domain.EngineSpotDL: {
		{Flag: FlagBitrate},
		{Flag: FlagOutput},
		{Flag: FlagFormat},
		{Flag: FlagOverwrite},
		{Flag: FlagFFmpeg},
		{Flag: FlagLogLevel},
	},
	domain.EngineYTDLP: {
		{Flag: FlagExtractAudio, Needle: "-x, --extract-audio"},
		{Flag: FlagAudioFormat},
		{Flag: FlagAudioQuality},
		{Flag: FlagFFmpegLocation},
		{Flag: FlagNewline},
		{Flag: FlagNoOverwrites},
		{Flag: FlagDefaultSearch},
	},
}

// Capabilities is a cached snapshot of one tool's installation state: how
// to invoke it, what version it reports, and which optional flags the
// installed build exposes.
type Capabilities struct {
	Installed bool
	Version   Version
	// Argv is the invocation prefix that resolved: either the bare binary
	// ({"spotdl"}) or the runtime-module form ({"python3", "-m", "spotdl"}).
	Argv []string
	// Path is the absolute executable path for binary invocations.
	Path  string
	Flags map[string]bool
}

// Supports reports whether the installed build exposes the named flag.
func (c Capabilities) Supports(flag string) bool {
	return c.Flags[flag]
}
