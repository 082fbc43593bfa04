package engine

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"spotify-downloader/internal/domain"
)

const (
	// DetectTTL bounds how stale a cached capability snapshot may be.
	DetectTTL = 120 * time.Second
	// probeTimeout bounds each child invocation made while probing. A tool
	// that cannot even print --version inside this window is treated as
	// not installed.
	probeTimeout = 15 * time.Second
)

// FFmpeg is the transcoding toolchain both engines delegate to. It is
// probed like an engine but has no optional-flag surface we care about.
const FFmpeg = "ffmpeg"

// commandFunc runs argv and returns its combined output. Injected so tests
// can script probe responses without spawning processes.
type commandFunc func(ctx context.Context, argv []string) (string, error)

func runCommand(ctx context.Context, argv []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// lookPathFunc resolves a binary name to an absolute path.
type lookPathFunc func(name string) (string, error)

// Detector probes installed engines and ffmpeg and caches the results.
// Detection never returns an error to the caller: an absent or hung tool
// is reported as Installed=false.
type Detector struct {
	mu       sync.Mutex
	cache    map[string]cacheEntry
	run      commandFunc
	lookPath lookPathFunc
	ttl      time.Duration
	logger   *logrus.Logger
}

type cacheEntry struct {
	caps    Capabilities
	expires time.Time
}

func NewDetector(logger *logrus.Logger) *Detector {
	if logger == nil {
		logger = logrus.New()
	}
	return &Detector{
		cache:    make(map[string]cacheEntry),
		run:      runCommand,
		lookPath: exec.LookPath,
		ttl:      DetectTTL,
		logger:   logger,
	}
}

// Detect returns the capability snapshot for an engine, probing at most
// once per TTL window.
func (d *Detector) Detect(ctx context.Context, eng domain.Engine) Capabilities {
	return d.cached(ctx, string(eng), func(ctx context.Context) Capabilities {
		return d.probeEngine(ctx, eng)
	})
}

// DetectFFmpeg returns the snapshot for the transcoding toolchain.
func (d *Detector) DetectFFmpeg(ctx context.Context) Capabilities {
	return d.cached(ctx, FFmpeg, d.probeFFmpeg)
}

// Invalidate drops the cached snapshot so the next Detect re-probes.
// Called after a successful install action.
func (d *Detector) Invalidate(name string) {
	d.mu.Lock()
	delete(d.cache, name)
	d.mu.Unlock()
}

func (d *Detector) cached(ctx context.Context, key string, probe func(context.Context) Capabilities) Capabilities {
	d.mu.Lock()
	if entry, ok := d.cache[key]; ok && time.Now().Before(entry.expires) {
		d.mu.Unlock()
		return entry.caps
	}
	d.mu.Unlock()

	// Probing happens outside the lock; a concurrent miss may probe
	// twice, which is harmless and keeps pollers off the critical path.
	caps := probe(ctx)

	d.mu.Lock()
	d.cache[key] = cacheEntry{caps: caps, expires: time.Now().Add(d.ttl)}
	d.mu.Unlock()
	return caps
}

// invocationCandidates lists the forms an engine may resolve under, in
// preference order: system-wide binary first, then the language-runtime
// module invocation.
func invocationCandidates(eng domain.Engine) [][]string {
	switch eng {
	case domain.EngineSpotDL:
		return [][]string{
			{"spotdl"},
			{"python3", "-m", "spotdl"},
			{"python", "-m", "spotdl"},
		}
	case domain.EngineYTDLP:
		return [][]string{
			{"yt-dlp"},
			{"python3", "-m", "yt_dlp"},
			{"python", "-m", "yt_dlp"},
		}
	default:
		return nil
	}
}

func (d *Detector) probeEngine(ctx context.Context, eng domain.Engine) Capabilities {
	for _, argv := range invocationCandidates(eng) {
		path, err := d.lookPath(argv[0])
		if err != nil {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		out, err := d.run(probeCtx, append(append([]string{}, argv...), "--version"))
		cancel()
		if err != nil {
			// Module form with the module missing exits non-zero; try
			// the next candidate.
			continue
		}

		caps := Capabilities{
			Installed: true,
			Version:   ParseVersion(out),
			Argv:      argv,
			Flags:     map[string]bool{},
		}
		if len(argv) == 1 {
			caps.Path = path
		}

		helpCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		help, helpErr := d.run(helpCtx, append(append([]string{}, argv...), "--help"))
		cancel()
		if helpErr == nil {
			for _, probe := range flagProbes[eng] {
				if probe.matches(help) {
					caps.Flags[probe.Flag] = true
				}
			}
		} else {
			d.logger.Debugf("%s help probe failed: %v", eng, helpErr)
		}

		d.logger.Debugf("%s detected: version %s, %d flags", eng, caps.Version, len(caps.Flags))
		return caps
	}

	return Capabilities{Installed: false}
}

func (d *Detector) probeFFmpeg(ctx context.Context) Capabilities {
	path, err := d.lookPath(FFmpeg)
	if err != nil {
		return Capabilities{Installed: false}
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	out, err := d.run(probeCtx, []string{path, "-version"})
	cancel()
	if err != nil {
		return Capabilities{Installed: false}
	}

	// first line is "ffmpeg version N.N.N ..."
	firstLine := out
	if idx := strings.IndexByte(out, '\n'); idx >= 0 {
		firstLine = out[:idx]
	}
	return Capabilities{
		Installed: true,
		Version:   ParseVersion(firstLine),
		Argv:      []string{path},
		Path:      path,
	}
}
