// Package orchestrator drives download jobs end to end: engine selection,
// fallback transitions, and terminal classification. One worker goroutine
// owns each job; everything it shares with pollers goes through the
// registry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"spotify-downloader/internal/config"
	"spotify-downloader/internal/domain"
	"spotify-downloader/internal/engine"
	"spotify-downloader/internal/registry"
	"spotify-downloader/internal/repository"
	"spotify-downloader/internal/resolver"
	"spotify-downloader/internal/storage"
)

var (
	// ErrNoUsableEngine is returned when no engine is installed and
	// auto-install failed; the job is never created.
	ErrNoUsableEngine = errors.New("no usable download engine")
)

type Config struct {
	MaxConcurrent  int
	PrimaryTimeout time.Duration
	TrackTimeout   time.Duration
	Logger         *logrus.Logger
}

// Detector is the capability-probing surface the orchestrator needs.
type Detector interface {
	Detect(ctx context.Context, eng domain.Engine) engine.Capabilities
	DetectFFmpeg(ctx context.Context) engine.Capabilities
}

// Installer installs a missing engine on demand.
type Installer interface {
	EnsureEngine(ctx context.Context, eng domain.Engine) (engine.Capabilities, error)
}

// Resolver expands a reference into a display name and track list.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (resolver.Result, error)
}

// Manager owns the fallback state machine and the per-job workers.
type Manager struct {
	cfg       Config
	registry  *registry.Registry
	detector  Detector
	runner    engine.Runner
	resolver  Resolver
	installer Installer
	settings  *config.Store
	history   repository.HistoryRepository // optional
	archive   storage.Archive              // optional

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[int64]*jobHandle
}

type jobHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(
	cfg Config,
	reg *registry.Registry,
	detector Detector,
	runner engine.Runner,
	res Resolver,
	installer Installer,
	settings *config.Store,
	history repository.HistoryRepository,
	archive storage.Archive,
) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.PrimaryTimeout == 0 {
		cfg.PrimaryTimeout = engine.DefaultRunTimeout
	}
	if cfg.TrackTimeout == 0 {
		cfg.TrackTimeout = engine.TrackRunTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Manager{
		cfg:       cfg,
		registry:  reg,
		detector:  detector,
		runner:    runner,
		resolver:  res,
		installer: installer,
		settings:  settings,
		history:   history,
		archive:   archive,
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		active:    make(map[int64]*jobHandle),
	}
}

func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.cfg.Logger.Infof("orchestrator started, max %d concurrent jobs", m.cfg.MaxConcurrent)
}

func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.cfg.Logger.Info("orchestrator stopped")
}

// StartRequest is one accepted download request.
type StartRequest struct {
	Reference string
	Quality   string
	DestDir   string
	Policy    domain.Engine
	// Tracks optionally carries a pre-resolved track list supplied by the
	// caller (the client already knows the queue it is looking at).
	Tracks []domain.Track
	// Name optionally carries the collection display name.
	Name string
}

type StartResult struct {
	JobID  int64
	Engine domain.Engine
	Total  int
}

// StartJob validates the request synchronously (input-invalid and
// dependency-unavailable are rejected before any job exists), creates the
// registry entry, and hands the job to a worker.
func (m *Manager) StartJob(ctx context.Context, req StartRequest) (*StartResult, error) {
	if _, _, err := resolver.ParseReference(req.Reference); err != nil {
		return nil, err
	}

	settings := m.settings.Get()
	if req.Quality == "" {
		req.Quality = settings.Quality
	}
	if !validQuality(req.Quality) {
		return nil, fmt.Errorf("unknown quality tier %q", req.Quality)
	}
	if req.DestDir == "" {
		req.DestDir = settings.DownloadPath
	}
	if req.Policy == "" {
		req.Policy = domain.Engine(settings.Engine)
	}
	if !req.Policy.Valid() {
		return nil, fmt.Errorf("unknown engine policy %q", req.Policy)
	}

	startEngine, err := m.chooseEngine(ctx, req.Policy)
	if err != nil {
		return nil, err
	}

	job := m.registry.Create(req.Reference, req.Quality, req.DestDir, req.Policy)
	m.registry.Mutate(job.ID, func(j *domain.Job) {
		j.Engine = startEngine
		j.Total = len(req.Tracks)
	})

	m.spawn(job.ID, req, startEngine)
	return &StartResult{JobID: job.ID, Engine: startEngine, Total: len(req.Tracks)}, nil
}

func validQuality(q string) bool {
	return q == "128" || q == "160" || q == "320"
}

// chooseEngine resolves the policy to the engine the job starts on,
// attempting one install when the preferred engine is missing.
func (m *Manager) chooseEngine(ctx context.Context, policy domain.Engine) (domain.Engine, error) {
	if policy == domain.EngineAuto {
		if _, err := m.installer.EnsureEngine(ctx, domain.EngineSpotDL); err == nil {
			return domain.EngineSpotDL, nil
		}
		if _, err := m.installer.EnsureEngine(ctx, domain.EngineYTDLP); err == nil {
			return domain.EngineYTDLP, nil
		}
		return "", fmt.Errorf("%w: neither spotdl nor yt-dlp could be installed", ErrNoUsableEngine)
	}

	if _, err := m.installer.EnsureEngine(ctx, policy); err != nil {
		return "", fmt.Errorf("%w: %s is not installed and install failed", ErrNoUsableEngine, policy)
	}
	return policy, nil
}

func (m *Manager) spawn(jobID int64, req StartRequest, startEngine domain.Engine) {
	jobCtx, cancel := context.WithCancel(m.ctx)
	handle := &jobHandle{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.active[jobID] = handle
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.active, jobID)
			m.mu.Unlock()
			close(handle.done)
			cancel()
		}()
		// Any panic inside a worker becomes that job's terminal failure;
		// it must never take down the listener or other jobs.
		defer func() {
			if r := recover(); r != nil {
				m.cfg.Logger.WithField("job_id", jobID).Errorf("worker panic: %v", r)
				m.failJob(jobID, fmt.Sprintf("internal error: %v", r))
			}
		}()

		select {
		case <-jobCtx.Done():
			m.failJob(jobID, "cancelled before start")
			return
		case m.sem <- struct{}{}:
			defer func() { <-m.sem }()
		}

		m.runJob(jobCtx, jobID, req, startEngine)
	}()
}

// Cancel terminates the active child of a job and marks it failed.
func (m *Manager) Cancel(ctx context.Context, jobID int64) error {
	m.mu.Lock()
	handle, ok := m.active[jobID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %d is not active", jobID)
	}

	handle.cancel()

	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failJob marks a job terminally failed; no-op if already terminal.
func (m *Manager) failJob(jobID int64, msg string) {
	mutated := m.registry.Mutate(jobID, func(j *domain.Job) {
		j.Status = domain.JobStatusFailed
		j.Error = msg
	})
	if mutated {
		m.cfg.Logger.WithField("job_id", jobID).Error(msg)
		m.afterTerminal(jobID)
	}
}

func (m *Manager) completeJob(jobID int64, errText string, failed []domain.Track) {
	mutated := m.registry.Mutate(jobID, func(j *domain.Job) {
		j.Status = domain.JobStatusCompleted
		j.Error = errText
		j.FailedTracks = failed
	})
	if mutated {
		logger := m.cfg.Logger.WithField("job_id", jobID)
		if errText != "" {
			logger.Warnf("completed with caveat: %s", errText)
		} else {
			logger.Info("completed")
		}
		m.afterTerminal(jobID)
	}
}

// afterTerminal records the finished job to history and syncs the archive.
// Both are best-effort side channels.
func (m *Manager) afterTerminal(jobID int64) {
	job, ok := m.registry.Get(jobID)
	if !ok {
		return
	}

	if m.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := m.history.Record(ctx, &domain.HistoryEntry{
			JobID:      job.ID,
			Reference:  job.Reference,
			Name:       job.Name,
			Engine:     job.Engine,
			Status:     job.Status,
			Done:       job.Done,
			Total:      job.Total,
			Error:      job.Error,
			CreatedAt:  job.CreatedAt,
			FinishedAt: job.FinishedAt,
		})
		if err != nil {
			m.cfg.Logger.WithField("job_id", jobID).Warnf("record history: %v", err)
		}
	}

	if m.archive != nil && job.Status == domain.JobStatusCompleted {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		dest, err := m.archive.SyncJob(ctx, job.ID, job.DestDir)
		if err != nil {
			m.cfg.Logger.WithField("job_id", jobID).Warnf("archive sync: %v", err)
		} else {
			m.cfg.Logger.WithField("job_id", jobID).Infof("archived to %s", dest)
		}
	}
}
