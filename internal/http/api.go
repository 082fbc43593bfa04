// Package http exposes the local control surface consumed by the browser
// client. All handlers are thin: validation plus a call into the
// orchestrator or registry, never blocking on a running download.
package http

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"spotify-downloader/internal/config"
	"spotify-downloader/internal/domain"
	"spotify-downloader/internal/engine"
	"spotify-downloader/internal/files"
	"spotify-downloader/internal/orchestrator"
	"spotify-downloader/internal/registry"
	"spotify-downloader/internal/repository"
	"spotify-downloader/internal/resolver"
	"spotify-downloader/internal/storage"
)

// Handler wires HTTP routes to the orchestrator and its satellites.
type Handler struct {
	manager   *orchestrator.Manager
	registry  *registry.Registry
	settings  *config.Store
	detector  *engine.Detector
	installer *engine.Installer
	history   repository.HistoryRepository // optional
	archive   storage.Archive              // optional
	logger    *logrus.Logger
}

func NewHandler(
	manager *orchestrator.Manager,
	reg *registry.Registry,
	settings *config.Store,
	detector *engine.Detector,
	installer *engine.Installer,
	history repository.HistoryRepository,
	archive storage.Archive,
	logger *logrus.Logger,
) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		manager:   manager,
		registry:  reg,
		settings:  settings,
		detector:  detector,
		installer: installer,
		history:   history,
		archive:   archive,
		logger:    logger,
	}
}

// RegisterRoutes mounts the flat route set the extension client expects.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())
	router.Use(h.requestTag())

	router.POST("/download", h.startDownload)
	router.GET("/progress/:id", h.progress)
	router.GET("/log/:id", h.jobLog)
	router.POST("/cancel/:id", h.cancel)
	router.GET("/status", h.status)
	router.GET("/config", h.getConfig)
	router.POST("/save-config", h.saveConfig)
	router.POST("/install-deps", h.installDeps)
	router.GET("/check-deps", h.checkDeps)
	router.POST("/save-capture", h.saveCapture)
	router.GET("/history", h.listHistory)
	router.GET("/archive/:id", h.archiveObjects)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": "ok"})
	})
}

// corsMiddleware admits the extension origin; the listener binds loopback
// only, so the permissive origin is not an exposure.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestTag assigns every request a correlation id for log lines.
func (h *Handler) requestTag() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()[:8]
		c.Set("request_id", id)
		start := time.Now()
		c.Next()
		h.logger.WithField("request_id", id).Debugf("%s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

type trackPayload struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type downloadRequest struct {
	URL          string         `json:"url" binding:"required"`
	Quality      string         `json:"quality"`
	Engine       string         `json:"engine"`
	DownloadPath string         `json:"download_path"`
	Name         string         `json:"name"`
	Tracks       []trackPayload `json:"tracks"`
}

type jobResponse struct {
	JobID        int64          `json:"job_id"`
	Status       string         `json:"status"`
	Engine       string         `json:"engine,omitempty"`
	Name         string         `json:"name,omitempty"`
	Done         int            `json:"done"`
	Total        int            `json:"total"`
	Percent      int            `json:"percent"`
	Error        string         `json:"error,omitempty"`
	FailedTracks []domain.Track `json:"failed_tracks,omitempty"`
}

func jobToResponse(job domain.Job) jobResponse {
	return jobResponse{
		JobID:        job.ID,
		Status:       string(job.Status),
		Engine:       string(job.Engine),
		Name:         job.Name,
		Done:         job.Done,
		Total:        job.Total,
		Percent:      job.Percent(),
		Error:        job.Error,
		FailedTracks: job.FailedTracks,
	}
}

func (h *Handler) startDownload(c *gin.Context) {
	var req downloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tracks := make([]domain.Track, 0, len(req.Tracks))
	for _, t := range req.Tracks {
		if t.Name == "" && t.URL == "" {
			continue
		}
		tracks = append(tracks, domain.Track{Name: t.Name, URL: t.URL})
	}

	result, err := h.manager.StartJob(c.Request.Context(), orchestrator.StartRequest{
		Reference: req.URL,
		Quality:   req.Quality,
		DestDir:   req.DownloadPath,
		Policy:    domain.Engine(req.Engine),
		Tracks:    tracks,
		Name:      req.Name,
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, resolver.ErrBadReference) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": result.JobID,
		"status": string(domain.JobStatusStarting),
		"engine": string(result.Engine),
		"total":  result.Total,
	})
}

func (h *Handler) jobID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) progress(c *gin.Context) {
	id, ok := h.jobID(c)
	if !ok {
		return
	}

	job, ok := h.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
		return
	}
	c.JSON(http.StatusOK, jobToResponse(job))
}

func (h *Handler) jobLog(c *gin.Context) {
	id, ok := h.jobID(c)
	if !ok {
		return
	}

	job, ok := h.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "log": job.Log})
}

func (h *Handler) cancel(c *gin.Context) {
	id, ok := h.jobID(c)
	if !ok {
		return
	}

	if err := h.manager.Cancel(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": id, "status": string(domain.JobStatusFailed)})
}

func (h *Handler) status(c *gin.Context) {
	jobs := h.registry.List()
	resp := make([]jobResponse, len(jobs))
	for i := range jobs {
		resp[i] = jobToResponse(jobs[i])
	}
	c.JSON(http.StatusOK, gin.H{"jobs": resp})
}

type configResponse struct {
	config.Settings
	SpotDLInstalled bool   `json:"spotdl_installed"`
	SpotDLVersion   string `json:"spotdl_version,omitempty"`
	YTDLPInstalled  bool   `json:"ytdlp_installed"`
	YTDLPVersion    string `json:"ytdlp_version,omitempty"`
	FFmpegInstalled bool   `json:"ffmpeg_installed"`
}

// getConfig returns persisted settings plus live capability booleans so
// the client can render setup state from one call.
func (h *Handler) getConfig(c *gin.Context) {
	ctx := c.Request.Context()
	spotdl := h.detector.Detect(ctx, domain.EngineSpotDL)
	ytdlp := h.detector.Detect(ctx, domain.EngineYTDLP)
	ffmpeg := h.detector.DetectFFmpeg(ctx)

	resp := configResponse{
		Settings:        h.settings.Get(),
		SpotDLInstalled: spotdl.Installed,
		YTDLPInstalled:  ytdlp.Installed,
		FFmpegInstalled: ffmpeg.Installed,
	}
	if spotdl.Installed {
		resp.SpotDLVersion = spotdl.Version.String()
	}
	if ytdlp.Installed {
		resp.YTDLPVersion = ytdlp.Version.String()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) saveConfig(c *gin.Context) {
	var next config.Settings
	if err := c.ShouldBindJSON(&next); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if next.Quality != "" && next.Quality != "128" && next.Quality != "160" && next.Quality != "320" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown quality tier"})
		return
	}
	if next.Engine != "" && !domain.Engine(next.Engine).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown engine policy"})
		return
	}

	if err := h.settings.Save(next); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": true, "config": h.settings.Get()})
}

type installRequest struct {
	Target string `json:"target"`
}

func (h *Handler) installDeps(c *gin.Context) {
	var req installRequest
	_ = c.ShouldBindJSON(&req) // empty body means "all"

	report := h.installer.InstallAll(c.Request.Context(), req.Target)
	status := http.StatusOK
	if report.Error != "" {
		status = http.StatusBadGateway
	}
	c.JSON(status, report)
}

func (h *Handler) checkDeps(c *gin.Context) {
	ctx := c.Request.Context()
	spotdl := h.detector.Detect(ctx, domain.EngineSpotDL)
	ytdlp := h.detector.Detect(ctx, domain.EngineYTDLP)
	ffmpeg := h.detector.DetectFFmpeg(ctx)

	c.JSON(http.StatusOK, gin.H{
		"spotdl": gin.H{"installed": spotdl.Installed, "version": spotdl.Version.String()},
		"ytdlp":  gin.H{"installed": ytdlp.Installed, "version": ytdlp.Version.String()},
		"ffmpeg": gin.H{"installed": ffmpeg.Installed},
	})
}

type captureRequest struct {
	Name         string `json:"name" binding:"required"`
	Ext          string `json:"ext"`
	Data         string `json:"data" binding:"required"`
	DownloadPath string `json:"download_path"`
}

// captureBodyLimit bounds the save-capture request body: the decoded
// ceiling inflated by base64's 4/3, plus room for the JSON envelope.
const captureBodyLimit = files.MaxCaptureBytes/3*4 + 64*1024

// saveCapture persists audio captured in the browser when no engine could
// produce the track. The payload arrives base64-encoded.
func (h *Handler) saveCapture(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, captureBodyLimit)

	var req captureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "capture payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "data is not valid base64"})
		return
	}

	dir := req.DownloadPath
	if dir == "" {
		dir = h.settings.Get().DownloadPath
	}

	path, err := files.SaveCapture(dir, req.Name, req.Ext, data)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	h.logger.Infof("saved capture %s (%d bytes)", path, len(data))
	c.JSON(http.StatusCreated, gin.H{"path": path, "bytes": len(data)})
}

func (h *Handler) listHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusOK, gin.H{"entries": []domain.HistoryEntry{}})
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	entries, err := h.history.ListRecent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type objectResponse struct {
	Key          string `json:"key"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified,omitempty"`
}

// archiveObjects lists what a finished job's sync pass actually put in the
// bucket, keyed the same way SyncJob keys its uploads.
func (h *Handler) archiveObjects(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive not configured"})
		return
	}

	id, ok := h.jobID(c)
	if !ok {
		return
	}

	objects, err := h.archive.ListObjects(c.Request.Context(), fmt.Sprintf("jobs/%d", id))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	resp := make([]objectResponse, len(objects))
	for i, obj := range objects {
		resp[i] = objectResponse{Key: obj.Key, Size: obj.Size}
		if obj.LastModified != nil {
			resp[i].LastModified = obj.LastModified.UTC().Format(time.RFC3339)
		}
	}
	c.JSON(http.StatusOK, gin.H{"job_id": id, "objects": resp})
}
