package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

// Settings are the user-tunable values the client can read and rewrite at
// runtime. They are persisted as a small JSON record next to the database.
type Settings struct {
	DownloadPath string   `json:"download_path" mapstructure:"download_path"`
	Quality      string   `json:"quality" mapstructure:"quality"`
	Port         int      `json:"port" mapstructure:"port"`
	Engine       string   `json:"engine" mapstructure:"engine"`
	RateLimit    []string `json:"rate_limit_patterns" mapstructure:"rate_limit_patterns"`
}

// DefaultRateLimitPatterns are the throttling phrases known to appear in
// spotdl and yt-dlp output. The set is engine/version specific and may
// drift, which is why it is settings data rather than a constant: a false
// negative here silently skips the engine fallback path.
func DefaultRateLimitPatterns() []string {
	return []string{
		"rate limit",
		"rate-limit",
		"ratelimit",
		"429",
		"too many requests",
		"temporarily blocked",
		"sign in to confirm",
	}
}

// Store owns the persisted settings record. All access goes through the
// store so concurrent readers never observe a half-written update.
type Store struct {
	mu   sync.RWMutex
	path string
	cur  Settings
}

// NewStore loads settings from path, falling back to defaults when the file
// is absent or unreadable (matching first-run behavior).
func NewStore(path string) *Store {
	s := &Store{path: path, cur: defaultSettings()}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err == nil {
		var loaded Settings
		if err := v.Unmarshal(&loaded); err == nil {
			s.cur = mergeDefaults(loaded)
		}
	}
	return s
}

func defaultSettings() Settings {
	return Settings{
		DownloadPath: DefaultDownloadPath(),
		Quality:      "320",
		Port:         8765,
		Engine:       "auto",
		RateLimit:    DefaultRateLimitPatterns(),
	}
}

func mergeDefaults(s Settings) Settings {
	def := defaultSettings()
	if s.DownloadPath == "" {
		s.DownloadPath = def.DownloadPath
	}
	if s.Quality == "" {
		s.Quality = def.Quality
	}
	if s.Port == 0 {
		s.Port = def.Port
	}
	if s.Engine == "" {
		s.Engine = def.Engine
	}
	if len(s.RateLimit) == 0 {
		s.RateLimit = def.RateLimit
	}
	return s
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.cur
	cur.RateLimit = append([]string(nil), s.cur.RateLimit...)
	return cur
}

// Save replaces the current settings and persists them.
func (s *Store) Save(next Settings) error {
	next = mergeDefaults(next)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("json")
	v.Set("download_path", next.DownloadPath)
	v.Set("quality", next.Quality)
	v.Set("port", next.Port)
	v.Set("engine", next.Engine)
	v.Set("rate_limit_patterns", next.RateLimit)
	if err := v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	s.cur = next
	return nil
}
