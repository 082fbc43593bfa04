package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds process level configuration aggregated from env/config files.
// Mutable user settings (download folder, quality, engine policy) live in
// Store instead, because the client can rewrite those at runtime.
type Config struct {
	Server struct {
		Host string
	}
	Database struct {
		Path string
	}
	Settings struct {
		Path string
	}
	Download struct {
		MaxConcurrent int
	}
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("SPOTDLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("database.path", "data/history.db")
	v.SetDefault("settings.path", "data/settings.json")
	v.SetDefault("download.maxconcurrent", 3)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "music")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}

// DefaultDownloadPath returns ~/Music/Spotify Downloads, the folder the
// player client is told to watch for local files.
func DefaultDownloadPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("data", "downloads")
	}
	return filepath.Join(home, "Music", "Spotify Downloads")
}
