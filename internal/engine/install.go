package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"spotify-downloader/internal/domain"
)

const installTimeout = 120 * time.Second

// installCommands maps a component to the invocations tried in order until
// one succeeds. Engines install through pip; ffmpeg rides on spotdl's
// bundled downloader since there is no portable package-manager story.
var installCommands = map[string][][]string{
	string(domain.EngineSpotDL): {
		{"python3", "-m", "pip", "install", "--quiet", "--upgrade", "spotdl"},
		{"python", "-m", "pip", "install", "--quiet", "--upgrade", "spotdl"},
	},
	string(domain.EngineYTDLP): {
		{"python3", "-m", "pip", "install", "--quiet", "--upgrade", "yt-dlp"},
		{"python", "-m", "pip", "install", "--quiet", "--upgrade", "yt-dlp"},
	},
	FFmpeg: {
		{"spotdl", "--download-ffmpeg"},
		{"python3", "-m", "spotdl", "--download-ffmpeg"},
		{"python", "-m", "spotdl", "--download-ffmpeg"},
	},
}

// Report carries per-component install outcomes plus a combined error
// string for the client.
type Report struct {
	SpotDL bool   `json:"spotdl"`
	YTDLP  bool   `json:"ytdlp"`
	FFmpeg bool   `json:"ffmpeg"`
	Error  string `json:"error,omitempty"`
}

// Installer installs missing engines and the toolchain on demand.
type Installer struct {
	detector *Detector
	run      commandFunc
	logger   *logrus.Logger
}

func NewInstaller(detector *Detector, logger *logrus.Logger) *Installer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Installer{
		detector: detector,
		run:      runCommand,
		logger:   logger,
	}
}

// Install installs one component and invalidates its capability snapshot
// on success so the next detection sees the fresh install.
func (i *Installer) Install(ctx context.Context, component string) error {
	commands, ok := installCommands[component]
	if !ok {
		return fmt.Errorf("unknown component %q", component)
	}

	i.logger.Infof("%s not found, installing", component)
	var lastErr error
	for _, argv := range commands {
		cmdCtx, cancel := context.WithTimeout(ctx, installTimeout)
		out, err := i.run(cmdCtx, argv)
		cancel()
		if err == nil {
			i.detector.Invalidate(component)
			i.logger.Infof("%s installed", component)
			return nil
		}
		lastErr = fmt.Errorf("%s: %v", strings.Join(argv, " "), err)
		if trimmed := strings.TrimSpace(out); trimmed != "" {
			if len(trimmed) > 300 {
				trimmed = trimmed[:300]
			}
			i.logger.Debugf("install output: %s", trimmed)
		}
	}
	return fmt.Errorf("install %s: %w", component, lastErr)
}

// EnsureEngine returns fresh capabilities for an engine, attempting one
// install if it is missing.
func (i *Installer) EnsureEngine(ctx context.Context, eng domain.Engine) (Capabilities, error) {
	caps := i.detector.Detect(ctx, eng)
	if caps.Installed {
		return caps, nil
	}
	if err := i.Install(ctx, string(eng)); err != nil {
		return caps, err
	}
	caps = i.detector.Detect(ctx, eng)
	if !caps.Installed {
		return caps, fmt.Errorf("%s: %w", eng, ErrNotInstalled)
	}
	return caps, nil
}

// InstallAll installs every missing component. target narrows the set to
// one component; "all" (or empty) covers everything.
func (i *Installer) InstallAll(ctx context.Context, target string) Report {
	wanted := func(name string) bool {
		return target == "" || target == "all" || target == name
	}

	var report Report
	var errs []string

	ensure := func(name string, installed func() bool) bool {
		if !wanted(name) {
			return installed()
		}
		if installed() {
			return true
		}
		if err := i.Install(ctx, name); err != nil {
			errs = append(errs, err.Error())
			return false
		}
		return installed()
	}

	report.SpotDL = ensure(string(domain.EngineSpotDL), func() bool {
		return i.detector.Detect(ctx, domain.EngineSpotDL).Installed
	})
	report.YTDLP = ensure(string(domain.EngineYTDLP), func() bool {
		return i.detector.Detect(ctx, domain.EngineYTDLP).Installed
	})
	report.FFmpeg = ensure(FFmpeg, func() bool {
		return i.detector.DetectFFmpeg(ctx).Installed
	})

	report.Error = strings.Join(errs, "; ")
	return report
}
