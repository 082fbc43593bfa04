package domain

import "time"

type JobStatus string

const (
	JobStatusStarting    JobStatus = "starting"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
)

// IsTerminal reports whether the status admits no further transition.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Engine identifies an external acquisition tool invoked as a child process.
type Engine string

const (
	EngineSpotDL Engine = "spotdl"
	EngineYTDLP  Engine = "ytdlp"
	// EngineAuto is a policy value, not a runnable engine: try spotdl
	// first, fall back to yt-dlp.
	EngineAuto Engine = "auto"
)

// Other returns the engine used as fallback for e.
func (e Engine) Other() Engine {
	if e == EngineYTDLP {
		return EngineSpotDL
	}
	return EngineYTDLP
}

func (e Engine) Valid() bool {
	return e == EngineSpotDL || e == EngineYTDLP || e == EngineAuto
}

// Track is a resolved unit of work inside a batch: a searchable display
// name plus an optional source-canonical URL. Immutable once produced.
type Track struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// MaxLogLines bounds the rolling log retained per job.
const MaxLogLines = 50

// Job is one user-visible download request tracked by the registry.
// Fields are mutated only under the registry lock.
type Job struct {
	ID        int64
	Reference string
	// Name is the resolved display name of the track or collection,
	// filled in once resolution succeeds.
	Name    string
	Quality string
	DestDir string
	Policy  Engine

	Status JobStatus
	Engine Engine
	Done   int
	Total  int
	Error  string

	// Log holds the most recent MaxLogLines raw output lines.
	Log []string

	// FailedTracks lists tracks that failed within a per-track batch.
	FailedTracks []Track

	CreatedAt  time.Time
	FinishedAt time.Time
}

// Percent returns rounded progress, 0 while the total is unknown.
func (j *Job) Percent() int {
	if j.Total <= 0 {
		return 0
	}
	p := (j.Done*100 + j.Total/2) / j.Total
	if p > 100 {
		p = 100
	}
	return p
}

// AppendLog appends a raw output line, discarding the oldest beyond the cap.
func (j *Job) AppendLog(line string) {
	j.Log = append(j.Log, line)
	if len(j.Log) > MaxLogLines {
		j.Log = j.Log[len(j.Log)-MaxLogLines:]
	}
}
