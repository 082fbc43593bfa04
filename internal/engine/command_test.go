package engine

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"spotify-downloader/internal/domain"
)

func fullSpotDLCaps() Capabilities {
	return Capabilities{
		Installed: true,
		Version:   Version{Major: 4, Minor: 2, Patch: 5},
		Argv:      []string{"spotdl"},
		Path:      "/usr/local/bin/spotdl",
		Flags: map[string]bool{
			FlagBitrate:   true,
			FlagOutput:    true,
			FlagFormat:    true,
			FlagOverwrite: true,
			FlagFFmpeg:    true,
			FlagLogLevel:  true,
		},
	}
}

func fullYTDLPCaps() Capabilities {
	return Capabilities{
		Installed: true,
		Version:   Version{Major: 2024, Minor: 8},
		Argv:      []string{"yt-dlp"},
		Path:      "/usr/local/bin/yt-dlp",
		Flags: map[string]bool{
			FlagExtractAudio:   true,
			FlagAudioFormat:    true,
			FlagAudioQuality:   true,
			FlagFFmpegLocation: true,
			FlagNewline:        true,
			FlagNoOverwrites:   true,
			FlagDefaultSearch:  true,
		},
	}
}

func argvHasPair(argv []string, flag, value string) bool {
	for i := 0; i < len(argv)-1; i++ {
		if argv[i] == flag && argv[i+1] == value {
			return true
		}
	}
	return false
}

func argvHas(argv []string, flag string) bool {
	for _, a := range argv {
		if a == flag {
			return true
		}
	}
	return false
}

func TestBuild_SpotDLModern(t *testing.T) {
	argv, env, err := Build(domain.EngineSpotDL, fullSpotDLCaps(), BuildParams{
		Reference:  "https://open.spotify.com/playlist/37i9dQZF1DXcBWIGoYBM5M",
		Quality:    "320",
		DestDir:    "/music",
		FFmpegPath: "/opt/ffmpeg/ffmpeg",
		PathEnv:    "/usr/bin",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if argv[0] != "spotdl" || argv[1] != "download" {
		t.Errorf("modern spotdl should use the download subcommand, got %v", argv[:2])
	}
	if argv[2] != "https://open.spotify.com/playlist/37i9dQZF1DXcBWIGoYBM5M" {
		t.Errorf("reference should follow the subcommand, got %q", argv[2])
	}
	if !argvHasPair(argv, FlagBitrate, "320k") {
		t.Errorf("expected --bitrate 320k in %v", argv)
	}
	if !argvHasPair(argv, FlagFormat, "mp3") {
		t.Errorf("expected --format mp3 in %v", argv)
	}
	if !argvHasPair(argv, FlagOverwrite, "skip") {
		t.Errorf("expected --overwrite skip in %v", argv)
	}
	if !argvHasPair(argv, FlagFFmpeg, "/opt/ffmpeg/ffmpeg") {
		t.Errorf("expected --ffmpeg path in %v", argv)
	}

	wantTmpl := filepath.Join("/music", "{artists} - {title}.{output-ext}")
	if !argvHasPair(argv, FlagOutput, wantTmpl) {
		t.Errorf("expected --output %q in %v", wantTmpl, argv)
	}

	if !containsString(env, "FFMPEG_PATH=/opt/ffmpeg/ffmpeg") {
		t.Errorf("expected FFMPEG_PATH in env %v", env)
	}
	foundPath := false
	for _, e := range env {
		if strings.HasPrefix(e, "PATH=") && strings.Contains(e, "/opt/ffmpeg") && strings.Contains(e, "/usr/bin") {
			foundPath = true
		}
	}
	if !foundPath {
		t.Errorf("expected PATH prepended with the ffmpeg dir, got %v", env)
	}
}

func TestBuild_SpotDLLegacy(t *testing.T) {
	caps := Capabilities{
		Installed: true,
		Version:   Version{Major: 3, Minor: 9, Patch: 6},
		Argv:      []string{"python3", "-m", "spotdl"},
		Flags:     map[string]bool{},
	}

	argv, _, err := Build(domain.EngineSpotDL, caps, BuildParams{
		Reference: "spotify:track:4cOdK2wGLETKBW3PvgPWqT",
		Quality:   "320",
		DestDir:   "/music",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	want := []string{"python3", "-m", "spotdl", "spotify:track:4cOdK2wGLETKBW3PvgPWqT", "/music"}
	if len(argv) != len(want) {
		t.Fatalf("legacy build with no sniffed flags = %v, expected %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("legacy build = %v, expected %v", argv, want)
		}
	}
}

// A flag absent from the capability snapshot must never appear in argv,
// whatever the rest of the parameters say.
func TestBuild_UnsupportedFlagsOmitted(t *testing.T) {
	caps := fullSpotDLCaps()
	caps.Flags = map[string]bool{FlagOutput: true}

	argv, _, err := Build(domain.EngineSpotDL, caps, BuildParams{
		Reference:  "https://open.spotify.com/track/4cOdK2wGLETKBW3PvgPWqT",
		Quality:    "320",
		DestDir:    "/music",
		FFmpegPath: "/usr/bin/ffmpeg",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	for _, banned := range []string{FlagBitrate, FlagFormat, FlagOverwrite, FlagFFmpeg, FlagLogLevel} {
		if argvHas(argv, banned) {
			t.Errorf("flag %s not in capabilities but present in %v", banned, argv)
		}
	}
}

func TestBuild_YTDLPWithURL(t *testing.T) {
	argv, _, err := Build(domain.EngineYTDLP, fullYTDLPCaps(), BuildParams{
		Track:      &domain.Track{Name: "Artist - Song", URL: "https://open.spotify.com/track/abc"},
		Quality:    "128",
		DestDir:    "/music",
		FFmpegPath: "/usr/bin/ffmpeg",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if argv[1] != "https://open.spotify.com/track/abc" {
		t.Errorf("expected the track URL as target, got %q", argv[1])
	}
	if !argvHas(argv, "-x") {
		t.Errorf("expected -x in %v", argv)
	}
	if !argvHasPair(argv, FlagAudioQuality, "128K") {
		t.Errorf("expected --audio-quality 128K in %v", argv)
	}
	if !argvHas(argv, FlagNewline) {
		t.Errorf("expected --newline in %v", argv)
	}

	wantOut := filepath.Join("/music", "Artist - Song.%(ext)s")
	if !argvHasPair(argv, "-o", wantOut) {
		t.Errorf("expected -o %q in %v", wantOut, argv)
	}
}

func TestBuild_YTDLPSearchFallback(t *testing.T) {
	argv, _, err := Build(domain.EngineYTDLP, fullYTDLPCaps(), BuildParams{
		Track:   &domain.Track{Name: "Artist - Song"},
		DestDir: "/music",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if argv[1] != "ytsearch1:Artist - Song audio" {
		t.Errorf("URL-less track should become a search query, got %q", argv[1])
	}
}

func TestBuild_YTDLPSanitizesOutputName(t *testing.T) {
	argv, _, err := Build(domain.EngineYTDLP, fullYTDLPCaps(), BuildParams{
		Track:   &domain.Track{Name: `A/B: "C"?`, URL: "https://example.com/t"},
		DestDir: "/music",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for i := 0; i < len(argv)-1; i++ {
		if argv[i] != "-o" {
			continue
		}
		base := filepath.Base(argv[i+1])
		if strings.ContainsAny(base, `/:*?"<>|`) {
			t.Errorf("output name not sanitized: %q", argv[i+1])
		}
		return
	}
	t.Fatal("no -o flag in argv")
}

func TestBuild_Errors(t *testing.T) {
	if _, _, err := Build(domain.EngineSpotDL, Capabilities{}, BuildParams{Reference: "x"}); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("uninstalled engine: error = %v, expected ErrNotInstalled", err)
	}
	if _, _, err := Build(domain.EngineYTDLP, fullYTDLPCaps(), BuildParams{}); err == nil {
		t.Error("yt-dlp without a track should refuse to build")
	}
	if _, _, err := Build(domain.Engine("bogus"), fullSpotDLCaps(), BuildParams{}); err == nil {
		t.Error("unknown engine should refuse to build")
	}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
