package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"spotify-downloader/internal/domain"
	"spotify-downloader/internal/files"
)

// BuildParams carries everything a single invocation depends on. Build is a
// pure function of these inputs plus the capability snapshot, so one job's
// attempts cannot leak state into another's.
type BuildParams struct {
	// Reference is the collection/track reference handed to spotdl, which
	// resolves it natively. Ignored for per-track invocations.
	Reference string
	// Track drives a per-track yt-dlp invocation; its URL is used when the
	// resolver produced one, otherwise the name becomes a search query.
	Track *domain.Track
	// Quality is the requested bitrate tier ("128", "160", "320").
	Quality string
	DestDir string
	// FFmpegPath is the resolved toolchain path. Injected both as a flag
	// (engines that take it on the command line) and via the environment
	// (engines that discover it by PATH search).
	FFmpegPath string
	// PathEnv is the caller's current PATH value, passed in so Build stays
	// free of environment reads.
	PathEnv string
}

// Build constructs argv and extra environment for one engine invocation.
// A flag is appended only when the capability snapshot marked it supported;
// emitting a flag the installed build does not know is a correctness bug,
// not a recoverable condition.
func Build(eng domain.Engine, caps Capabilities, p BuildParams) (argv, env []string, err error) {
	if !caps.Installed || len(caps.Argv) == 0 {
		return nil, nil, fmt.Errorf("%s: %w", eng, ErrNotInstalled)
	}

	switch eng {
	case domain.EngineSpotDL:
		argv = buildSpotDL(caps, p)
	case domain.EngineYTDLP:
		argv, err = buildYTDLP(caps, p)
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("unknown engine %q", eng)
	}

	env = ffmpegEnv(p)
	return argv, env, nil
}

func buildSpotDL(caps Capabilities, p BuildParams) []string {
	argv := append([]string{}, caps.Argv...)

	if caps.Version.AtLeast(4, 0) {
		// v4 moved to subcommands plus a path template.
		argv = append(argv, "download", p.Reference)
		if caps.Supports(FlagOutput) {
			tmpl := filepath.Join(p.DestDir, "{artists} - {title}.{output-ext}")
			argv = append(argv, FlagOutput, tmpl)
		}
	} else {
		// pre-v4 took the reference and a positional output directory.
		argv = append(argv, p.Reference, p.DestDir)
	}

	if caps.Supports(FlagBitrate) && p.Quality != "" {
		argv = append(argv, FlagBitrate, p.Quality+"k")
	}
	if caps.Supports(FlagFormat) {
		argv = append(argv, FlagFormat, "mp3")
	}
	if caps.Supports(FlagOverwrite) {
		// Re-running a job must skip files that already finished.
		argv = append(argv, FlagOverwrite, "skip")
	}
	if caps.Supports(FlagFFmpeg) && p.FFmpegPath != "" {
		argv = append(argv, FlagFFmpeg, p.FFmpegPath)
	}
	if caps.Supports(FlagLogLevel) {
		argv = append(argv, FlagLogLevel, "INFO")
	}
	return argv
}

func buildYTDLP(caps Capabilities, p BuildParams) ([]string, error) {
	if p.Track == nil || (p.Track.Name == "" && p.Track.URL == "") {
		return nil, fmt.Errorf("yt-dlp invocation needs a track")
	}

	target := p.Track.URL
	if target == "" {
		target = "ytsearch1:" + p.Track.Name + " audio"
	}

	argv := append([]string{}, caps.Argv...)
	argv = append(argv, target)

	if caps.Supports(FlagExtractAudio) {
		argv = append(argv, "-x")
	}
	if caps.Supports(FlagAudioFormat) {
		argv = append(argv, FlagAudioFormat, "mp3")
	}
	if caps.Supports(FlagAudioQuality) && p.Quality != "" {
		argv = append(argv, FlagAudioQuality, p.Quality+"K")
	}
	if caps.Supports(FlagFFmpegLocation) && p.FFmpegPath != "" {
		argv = append(argv, FlagFFmpegLocation, p.FFmpegPath)
	}
	if caps.Supports(FlagNewline) {
		// Progress as discrete lines instead of carriage-return redraws.
		argv = append(argv, FlagNewline)
	}
	if caps.Supports(FlagNoOverwrites) {
		argv = append(argv, FlagNoOverwrites)
	}

	name := p.Track.Name
	if name == "" {
		name = p.Track.URL
	}
	out := filepath.Join(p.DestDir, files.SanitizeName(name)+".%(ext)s")
	argv = append(argv, "-o", out)
	return argv, nil
}

// ffmpegEnv exposes the toolchain through the environment for engines that
// locate ffmpeg by searching PATH rather than accepting a flag.
func ffmpegEnv(p BuildParams) []string {
	if p.FFmpegPath == "" {
		return nil
	}
	env := []string{"FFMPEG_PATH=" + p.FFmpegPath}
	if p.PathEnv != "" {
		env = append(env, "PATH="+filepath.Dir(p.FFmpegPath)+string(os.PathListSeparator)+p.PathEnv)
	}
	return env
}
