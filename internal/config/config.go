// Package config loads the daemon's static configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables. Settings that operators may change at runtime live
// in the settings table instead (see package settings).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DownloaderCommand = "command"
	DownloaderAria2   = "aria2"
)

// Config defines configuration for tapedeckd.
type Config struct {
	Bind               string           `yaml:"bind"`
	DatabasePath       string           `yaml:"database_path"`
	OutputDir          string           `yaml:"output_dir"`
	MaxConcurrent      int              `yaml:"max_concurrent"`
	MaxDownloadRetries int              `yaml:"max_download_retries"`
	SchedulerInterval  time.Duration    `yaml:"scheduler_interval"`
	HeartbeatInterval  time.Duration    `yaml:"heartbeat_interval"`
	BackoffUnit        time.Duration    `yaml:"backoff_unit"`
	CORSOrigins        []string         `yaml:"cors_origins"`
	Log                LogConfig        `yaml:"log"`
	Downloader         DownloaderConfig `yaml:"downloader"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DownloaderConfig selects and configures the Downloader backend.
type DownloaderConfig struct {
	Kind         string        `yaml:"kind"`
	Path         string        `yaml:"path"`
	Args         []string      `yaml:"args"`
	SubtitlesArg string        `yaml:"subtitles_arg"`
	Aria2RPC     string        `yaml:"aria2_rpc"`
	Aria2Secret  string        `yaml:"aria2_secret"`
	PollEvery    time.Duration `yaml:"poll_every"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Bind:               "0.0.0.0:3000",
		DatabasePath:       "/data/tapedeck.db",
		OutputDir:          "/downloads",
		MaxConcurrent:      2,
		MaxDownloadRetries: 3,
		SchedulerInterval:  60 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		BackoffUnit:        time.Second,
		CORSOrigins:        []string{"http://localhost:3000", "http://localhost:5173"},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Downloader: DownloaderConfig{
			Kind: DownloaderCommand,
			Path: "get_iplayer",
			Args: []string{
				"--pid", "{source}",
				"--type", "{media_type}",
				"--output", "{output_dir}",
				"--force", "--overwrite", "--log-progress",
			},
			SubtitlesArg: "--subtitles",
			Aria2RPC:     "http://127.0.0.1:6800/jsonrpc",
			PollEvery:    time.Second,
		},
	}
}

// yamlConfig mirrors Config with durations as strings.
type yamlConfig struct {
	Bind               string         `yaml:"bind"`
	DatabasePath       string         `yaml:"database_path"`
	OutputDir          string         `yaml:"output_dir"`
	MaxConcurrent      int            `yaml:"max_concurrent"`
	MaxDownloadRetries *int           `yaml:"max_download_retries"`
	SchedulerInterval  string         `yaml:"scheduler_interval"`
	HeartbeatInterval  string         `yaml:"heartbeat_interval"`
	BackoffUnit        string         `yaml:"backoff_unit"`
	CORSOrigins        []string       `yaml:"cors_origins"`
	Log                LogConfig      `yaml:"log"`
	Downloader         yamlDownloader `yaml:"downloader"`
}

type yamlDownloader struct {
	Kind         string   `yaml:"kind"`
	Path         string   `yaml:"path"`
	Args         []string `yaml:"args"`
	SubtitlesArg *string  `yaml:"subtitles_arg"`
	Aria2RPC     string   `yaml:"aria2_rpc"`
	Aria2Secret  string   `yaml:"aria2_secret"`
	PollEvery    string   `yaml:"poll_every"`
}

// Load builds the configuration from defaults, the YAML file named by
// TAPEDECK_CONFIG (if set) and environment overrides.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("TAPEDECK_CONFIG"); path != "" {
		fileCfg, err := LoadFromFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = fileCfg
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	if yc.Bind != "" {
		cfg.Bind = yc.Bind
	}
	if yc.DatabasePath != "" {
		cfg.DatabasePath = yc.DatabasePath
	}
	if yc.OutputDir != "" {
		cfg.OutputDir = yc.OutputDir
	}
	if yc.MaxConcurrent != 0 {
		cfg.MaxConcurrent = yc.MaxConcurrent
	}
	if yc.MaxDownloadRetries != nil {
		cfg.MaxDownloadRetries = *yc.MaxDownloadRetries
	}
	if len(yc.CORSOrigins) > 0 {
		cfg.CORSOrigins = yc.CORSOrigins
	}
	if yc.Log.Level != "" {
		cfg.Log.Level = yc.Log.Level
	}
	if yc.Log.Format != "" {
		cfg.Log.Format = yc.Log.Format
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"scheduler_interval", yc.SchedulerInterval, &cfg.SchedulerInterval},
		{"heartbeat_interval", yc.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"backoff_unit", yc.BackoffUnit, &cfg.BackoffUnit},
		{"downloader.poll_every", yc.Downloader.PollEvery, &cfg.Downloader.PollEvery},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}

	dl := yc.Downloader
	if dl.Kind != "" {
		cfg.Downloader.Kind = dl.Kind
	}
	if dl.Path != "" {
		cfg.Downloader.Path = dl.Path
	}
	if len(dl.Args) > 0 {
		cfg.Downloader.Args = dl.Args
	}
	if dl.SubtitlesArg != nil {
		cfg.Downloader.SubtitlesArg = *dl.SubtitlesArg
	}
	if dl.Aria2RPC != "" {
		cfg.Downloader.Aria2RPC = dl.Aria2RPC
	}
	if dl.Aria2Secret != "" {
		cfg.Downloader.Aria2Secret = dl.Aria2Secret
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Bind = getenv("TAPEDECK_BIND", cfg.Bind)
	cfg.DatabasePath = getenv("TAPEDECK_DB", cfg.DatabasePath)
	cfg.OutputDir = getenv("TAPEDECK_OUTPUT_DIR", cfg.OutputDir)
	cfg.Log.Level = getenv("TAPEDECK_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenv("TAPEDECK_LOG_FORMAT", cfg.Log.Format)
	cfg.Downloader.Kind = getenv("TAPEDECK_DOWNLOADER", cfg.Downloader.Kind)
	cfg.Downloader.Path = getenv("TAPEDECK_DOWNLOADER_PATH", cfg.Downloader.Path)
	cfg.Downloader.Aria2RPC = getenv("TAPEDECK_ARIA2_RPC", cfg.Downloader.Aria2RPC)
	cfg.Downloader.Aria2Secret = getenv("TAPEDECK_ARIA2_SECRET", cfg.Downloader.Aria2Secret)
	if v := os.Getenv("TAPEDECK_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = strings.Split(v, ",")
	}

	var err error
	if cfg.MaxConcurrent, err = getenvInt("TAPEDECK_MAX_CONCURRENT", cfg.MaxConcurrent); err != nil {
		return err
	}
	if cfg.MaxDownloadRetries, err = getenvInt("TAPEDECK_MAX_DOWNLOAD_RETRIES", cfg.MaxDownloadRetries); err != nil {
		return err
	}
	if cfg.SchedulerInterval, err = getenvDuration("TAPEDECK_SCHEDULER_INTERVAL", cfg.SchedulerInterval); err != nil {
		return err
	}
	if cfg.HeartbeatInterval, err = getenvDuration("TAPEDECK_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return err
	}
	if cfg.BackoffUnit, err = getenvDuration("TAPEDECK_BACKOFF_UNIT", cfg.BackoffUnit); err != nil {
		return err
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return errors.New("max_concurrent must be at least 1")
	}
	if c.MaxDownloadRetries < 0 {
		return errors.New("max_download_retries must not be negative")
	}
	if c.SchedulerInterval <= 0 || c.HeartbeatInterval <= 0 || c.BackoffUnit <= 0 {
		return errors.New("intervals must be positive")
	}
	if c.DatabasePath == "" {
		return errors.New("database_path is required")
	}
	if c.OutputDir == "" {
		return errors.New("output_dir is required")
	}
	switch c.Downloader.Kind {
	case DownloaderCommand:
		if c.Downloader.Path == "" {
			return errors.New("downloader.path is required for the command downloader")
		}
	case DownloaderAria2:
		if c.Downloader.Aria2RPC == "" {
			return errors.New("downloader.aria2_rpc is required for the aria2 downloader")
		}
	default:
		return fmt.Errorf("unknown downloader kind %q", c.Downloader.Kind)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
