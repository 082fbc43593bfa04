package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"spotify-downloader/internal/domain"
	"spotify-downloader/internal/engine"
)

// runJob is the worker body: resolve the batch, then walk the fallback
// state machine until the job is terminal.
func (m *Manager) runJob(ctx context.Context, jobID int64, req StartRequest, startEngine domain.Engine) {
	logger := m.cfg.Logger.WithField("job_id", jobID)

	tracks := req.Tracks
	name := req.Name
	if len(tracks) == 0 {
		res, err := m.resolver.Resolve(ctx, req.Reference)
		if err != nil {
			// reference was syntax-checked at accept time, so this is
			// unreachable short of a racing settings change
			m.failJob(jobID, err.Error())
			return
		}
		tracks = res.Tracks
		if name == "" {
			name = res.Name
		}
	}

	m.registry.Mutate(jobID, func(j *domain.Job) {
		j.Status = domain.JobStatusDownloading
		j.Engine = startEngine
		j.Name = name
		if j.Total == 0 {
			j.Total = len(tracks)
		}
	})
	logger.Infof("downloading %q with %s (%d tracks resolved)", req.Reference, startEngine, len(tracks))

	if err := os.MkdirAll(req.DestDir, 0o755); err != nil {
		m.failJob(jobID, fmt.Sprintf("create destination: %v", err))
		return
	}

	if startEngine == domain.EngineSpotDL {
		m.runFromPrimary(ctx, jobID, req, tracks)
	} else {
		m.runFromSecondary(ctx, jobID, req, tracks)
	}
}

// runFromPrimary: whole-job spotdl attempt, then the per-track yt-dlp
// batch on rate-limit or failure, then one recovery pass.
func (m *Manager) runFromPrimary(ctx context.Context, jobID int64, req StartRequest, tracks []domain.Track) {
	res := m.runWhole(ctx, jobID, domain.EngineSpotDL, req)
	if res.cancelled {
		m.failJob(jobID, "cancelled")
		return
	}
	if res.ok() {
		m.completeJob(jobID, "", nil)
		return
	}

	reason := "failed"
	if res.rateLimited {
		reason = "rate limited"
	}

	if _, err := m.installer.EnsureEngine(ctx, domain.EngineYTDLP); err != nil {
		m.failJob(jobID, fmt.Sprintf(
			"both engines unusable: spotdl %s (%s), yt-dlp not installed and install failed",
			reason, res.reason()))
		return
	}

	m.markTransition(jobID, domain.EngineSpotDL, domain.EngineYTDLP, reason, len(tracks))
	batch := m.runBatch(ctx, jobID, domain.EngineYTDLP, req, tracks)
	if batch.cancelled {
		m.failJob(jobID, "cancelled")
		return
	}

	allowRecovery := req.Policy == domain.EngineAuto
	m.finalizeBatch(ctx, jobID, req, tracks, batch, allowRecovery, res.reason())
}

// runFromSecondary: the job starts on yt-dlp (named policy, or auto with
// spotdl unusable). Per-track batch first, one spotdl attempt as the
// single fallback.
func (m *Manager) runFromSecondary(ctx context.Context, jobID int64, req StartRequest, tracks []domain.Track) {
	batch := m.runBatch(ctx, jobID, domain.EngineYTDLP, req, tracks)
	if batch.cancelled {
		m.failJob(jobID, "cancelled")
		return
	}

	if batch.successes > 0 && len(batch.failed) == 0 {
		m.completeJob(jobID, "", nil)
		return
	}

	if batch.successes == 0 {
		// nothing produced: the one-shot fallback decides the job
		if _, err := m.installer.EnsureEngine(ctx, domain.EngineSpotDL); err != nil {
			m.failJob(jobID, fmt.Sprintf(
				"both engines unusable: all %d tracks failed with yt-dlp, spotdl unavailable", len(tracks)))
			return
		}
		m.markTransition(jobID, domain.EngineYTDLP, domain.EngineSpotDL, "no tracks succeeded", 0)
		res := m.runWhole(ctx, jobID, domain.EngineSpotDL, req)
		if res.cancelled {
			m.failJob(jobID, "cancelled")
			return
		}
		if res.ok() {
			m.completeJob(jobID, "", nil)
			return
		}
		m.failJob(jobID, fmt.Sprintf("both engines failed: %s", res.reason()))
		return
	}

	m.finalizeBatch(ctx, jobID, req, tracks, batch, true, "")
}

// finalizeBatch classifies a per-track batch outcome. Partial success is a
// success state: content was produced, so the job completes with a caveat
// rather than failing. When allowed, the primary engine gets one last
// whole-job pass to pick up what the batch could not find.
func (m *Manager) finalizeBatch(ctx context.Context, jobID int64, req StartRequest, tracks []domain.Track, batch batchResult, allowRecovery bool, primaryReason string) {
	if batch.successes == 0 {
		msg := fmt.Sprintf("all %d tracks failed", len(tracks))
		if primaryReason != "" {
			msg = fmt.Sprintf("%s (primary engine: %s)", msg, primaryReason)
		}
		m.failJob(jobID, msg)
		return
	}
	if len(batch.failed) == 0 {
		m.completeJob(jobID, "", nil)
		return
	}

	if allowRecovery && m.detector.Detect(ctx, domain.EngineSpotDL).Installed {
		m.markTransition(jobID, domain.EngineYTDLP, domain.EngineSpotDL,
			fmt.Sprintf("retrying whole job, %d tracks missing", len(batch.failed)), 0)
		res := m.runWhole(ctx, jobID, domain.EngineSpotDL, req)
		if res.cancelled {
			m.failJob(jobID, "cancelled")
			return
		}
		if res.ok() {
			m.completeJob(jobID, "", nil)
			return
		}
		// recovery changed nothing; restore the batch counters it reset
		m.registry.Mutate(jobID, func(j *domain.Job) {
			j.Done = batch.successes
			j.Total = len(tracks)
		})
	}

	m.completeJob(jobID,
		fmt.Sprintf("%d/%d tracks failed", len(batch.failed), len(tracks)),
		batch.failed)
}

// markTransition is the logged, counter-resetting engine switch. The
// marker line lets pollers surface "switched from X to Y".
func (m *Manager) markTransition(jobID int64, from, to domain.Engine, reason string, newTotal int) {
	m.registry.Mutate(jobID, func(j *domain.Job) {
		j.AppendLog(fmt.Sprintf("switching engine: %s -> %s (%s)", from, to, reason))
		j.Status = domain.JobStatusDownloading
		j.Engine = to
		j.Done = 0
		j.Total = newTotal
	})
	m.cfg.Logger.WithField("job_id", jobID).Infof("engine fallback: %s -> %s (%s)", from, to, reason)
}

// wholeResult classifies one whole-job engine attempt.
type wholeResult struct {
	err         error
	rateLimited bool
	cancelled   bool
	lastErrLine string
	lastLine    string
}

func (r wholeResult) ok() bool {
	return r.err == nil && !r.rateLimited
}

// reason returns the most recent non-diagnostic output as the
// human-readable failure cause.
func (r wholeResult) reason() string {
	if r.lastErrLine != "" {
		return r.lastErrLine
	}
	if r.lastLine != "" {
		return r.lastLine
	}
	if r.err != nil {
		return r.err.Error()
	}
	return "unknown error"
}

// runWhole runs one engine over the whole reference, streaming progress
// into the registry. On a rate-limit phrase the child is terminated
// immediately rather than waiting for natural exit.
func (m *Manager) runWhole(ctx context.Context, jobID int64, eng domain.Engine, req StartRequest) wholeResult {
	caps := m.detector.Detect(ctx, eng)
	if !caps.Installed {
		return wholeResult{err: fmt.Errorf("%s: %w", eng, engine.ErrNotInstalled)}
	}

	argv, env, err := engine.Build(eng, caps, engine.BuildParams{
		Reference:  req.Reference,
		Quality:    req.Quality,
		DestDir:    req.DestDir,
		FFmpegPath: m.detector.DetectFFmpeg(ctx).Path,
		PathEnv:    os.Getenv("PATH"),
	})
	if err != nil {
		return wholeResult{err: err}
	}

	parser := engine.NewParser(eng, m.settings.Get().RateLimit)
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	var res wholeResult
	onLine := func(line string) {
		u := parser.ParseLine(line)
		m.registry.Mutate(jobID, func(j *domain.Job) {
			j.AppendLog(line)
			applyUpdate(j, u)
		})
		if u.ErrorText != "" {
			res.lastErrLine = u.ErrorText
		}
		if !diagnosticLine(line) {
			res.lastLine = line
		}
		if u.RateLimited && !res.rateLimited {
			res.rateLimited = true
			cancelAttempt()
		}
	}

	err = m.runner.Run(attemptCtx, engine.Spec{
		Argv:    argv,
		Env:     env,
		Timeout: m.cfg.PrimaryTimeout,
	}, onLine)

	switch {
	case res.rateLimited:
		// exit status is irrelevant once throttling was observed
	case ctx.Err() != nil:
		res.cancelled = true
	case errors.Is(err, engine.ErrTimeout):
		res.err = err
		res.lastErrLine = fmt.Sprintf("%s timed out", eng)
	case err != nil:
		res.err = err
	}
	return res
}

// batchResult classifies a per-track batch.
type batchResult struct {
	successes int
	failed    []domain.Track
	cancelled bool
}

// runBatch downloads every track with its own isolated invocation: one
// track failing never aborts the rest.
func (m *Manager) runBatch(ctx context.Context, jobID int64, eng domain.Engine, req StartRequest, tracks []domain.Track) batchResult {
	caps := m.detector.Detect(ctx, eng)
	if !caps.Installed {
		return batchResult{failed: tracks}
	}

	ffmpegPath := m.detector.DetectFFmpeg(ctx).Path
	logger := m.cfg.Logger.WithField("job_id", jobID)

	m.registry.Mutate(jobID, func(j *domain.Job) {
		if j.Total < len(tracks) {
			j.Total = len(tracks)
		}
	})

	var res batchResult
	for i := range tracks {
		track := tracks[i]
		if ctx.Err() != nil {
			res.cancelled = true
			res.failed = append(res.failed, tracks[i:]...)
			return res
		}

		argv, env, err := engine.Build(eng, caps, engine.BuildParams{
			Track:      &track,
			Quality:    req.Quality,
			DestDir:    req.DestDir,
			FFmpegPath: ffmpegPath,
			PathEnv:    os.Getenv("PATH"),
		})
		if err != nil {
			res.failed = append(res.failed, track)
			continue
		}

		// per-track progress is counted on process exit, not parsed output
		runErr := m.runner.Run(ctx, engine.Spec{
			Argv:    argv,
			Env:     env,
			Timeout: m.cfg.TrackTimeout,
		}, func(line string) {
			m.registry.Mutate(jobID, func(j *domain.Job) {
				j.AppendLog(line)
			})
		})

		if ctx.Err() != nil {
			res.cancelled = true
			res.failed = append(res.failed, tracks[i:]...)
			return res
		}
		if runErr != nil {
			logger.Warnf("track failed with %s: %s (%v)", eng, track.Name, runErr)
			res.failed = append(res.failed, track)
			m.registry.Mutate(jobID, func(j *domain.Job) {
				j.AppendLog(fmt.Sprintf("track failed: %s", track.Name))
			})
			continue
		}

		res.successes++
		m.registry.Mutate(jobID, func(j *domain.Job) {
			if j.Done < j.Total {
				j.Done++
			}
		})
	}
	return res
}

// applyUpdate folds a parsed update into the job. Counters only ever move
// forward within an attempt; the explicit fallback transition is the one
// place they reset.
func applyUpdate(j *domain.Job, u engine.Update) {
	if u.Total > j.Total {
		j.Total = u.Total
	}
	if u.Done > j.Done {
		j.Done = u.Done
	} else if u.Tick {
		j.Done++
	}
	if j.Total > 0 && j.Done > j.Total {
		j.Done = j.Total
	}
}

// diagnosticLine filters lines that make poor error messages: bare
// progress redraws and debug chatter.
func diagnosticLine(line string) bool {
	l := strings.ToLower(strings.TrimSpace(line))
	if l == "" {
		return true
	}
	for _, prefix := range []string{"[debug", "[info", "deprecationwarning", "warning:"} {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}
