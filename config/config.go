// Package config loads webrun settings from defaults, a YAML file, a .env
// file and the process environment, in that order of precedence.
package config

import (
	"time"
)

// Config is the full set of settings for a webrun server process.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Scheduler SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`
	Execution ExecutionConfig `yaml:"execution" env:"EXECUTION"`
	Worker    WorkerConfig    `yaml:"worker" env:"WORKER"`
	Browser   BrowserConfig   `yaml:"browser" env:"BROWSER"`
	Events    EventsConfig    `yaml:"events" env:"EVENTS"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
}

// ServerConfig is the HTTP transport.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// AllowedOrigins are websocket origin patterns.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	MetricsEnabled bool     `yaml:"metrics_enabled" env:"METRICS_ENABLED"`
}

type SchedulerConfig struct {
	MaxConcurrent    int           `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	MaxRetries       int           `yaml:"max_retries" env:"MAX_RETRIES"`
	HistoryRetention time.Duration `yaml:"history_retention" env:"HISTORY_RETENTION"`
	MaxHistory       int           `yaml:"max_history" env:"MAX_HISTORY"`
}

// ExecutionConfig holds the per-command timeouts and the screenshot policy.
type ExecutionConfig struct {
	StartTimeout       time.Duration `yaml:"start_timeout" env:"START_TIMEOUT"`
	TaskTimeout        time.Duration `yaml:"task_timeout" env:"TASK_TIMEOUT"`
	ActionTimeout      time.Duration `yaml:"action_timeout" env:"ACTION_TIMEOUT"`
	ScreenshotTimeout  time.Duration `yaml:"screenshot_timeout" env:"SCREENSHOT_TIMEOUT"`
	ScreenshotInterval int           `yaml:"screenshot_interval" env:"SCREENSHOT_INTERVAL"`
	DisableScreenshots bool          `yaml:"disable_screenshots" env:"DISABLE_SCREENSHOTS"`
	ScreenshotRate     float64       `yaml:"screenshot_rate" env:"SCREENSHOT_RATE"`
	ScreenshotMaxWidth int           `yaml:"screenshot_max_width" env:"SCREENSHOT_MAX_WIDTH"`
	ScreenshotQuality  int           `yaml:"screenshot_quality" env:"SCREENSHOT_QUALITY"`
}

// WorkerConfig describes the worker executable.
type WorkerConfig struct {
	Path         string        `yaml:"path" env:"PATH"`
	Args         []string      `yaml:"args" env:"ARGS"`
	Dir          string        `yaml:"dir" env:"DIR"`
	PortMin      int           `yaml:"port_min" env:"PORT_MIN"`
	PortMax      int           `yaml:"port_max" env:"PORT_MAX"`
	KillGrace    time.Duration `yaml:"kill_grace" env:"KILL_GRACE"`
	CloseTimeout time.Duration `yaml:"close_timeout" env:"CLOSE_TIMEOUT"`
}

type BrowserConfig struct {
	ChromePath     string `yaml:"chrome_path" env:"CHROME_PATH"`
	Headless       bool   `yaml:"headless" env:"HEADLESS"`
	EnableStealth  bool   `yaml:"enable_stealth" env:"ENABLE_STEALTH"`
	ViewportWidth  int    `yaml:"viewport_width" env:"VIEWPORT_WIDTH"`
	ViewportHeight int    `yaml:"viewport_height" env:"VIEWPORT_HEIGHT"`
	UserAgent      string `yaml:"user_agent" env:"USER_AGENT"`
	Locale         string `yaml:"locale" env:"LOCALE"`
	Timezone       string `yaml:"timezone" env:"TIMEZONE"`
}

// EventsConfig covers log batching and subscriber queues.
type EventsConfig struct {
	BatchEnabled  bool          `yaml:"batch_enabled" env:"BATCH_ENABLED"`
	BatchInterval time.Duration `yaml:"batch_interval" env:"BATCH_INTERVAL"`
	BatchSize     int           `yaml:"batch_size" env:"BATCH_SIZE"`
	QueueSize     int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	WriteTimeout  time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// RedisConfig enables the archive and event forwarding when Addr is set.
type RedisConfig struct {
	Addr             string        `yaml:"addr" env:"ADDR"`
	Password         string        `yaml:"password" env:"PASSWORD"`
	DB               int           `yaml:"db" env:"DB"`
	ArchiveRetention time.Duration `yaml:"archive_retention" env:"ARCHIVE_RETENTION"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format      string   `yaml:"format" env:"FORMAT"`
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MetricsEnabled:  true,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:    3,
			MaxRetries:       0,
			HistoryRetention: 24 * time.Hour,
			MaxHistory:       1000,
		},
		Execution: ExecutionConfig{
			StartTimeout:       30 * time.Second,
			ActionTimeout:      30 * time.Second,
			ScreenshotTimeout:  5 * time.Second,
			ScreenshotInterval: 1,
			ScreenshotMaxWidth: 1280,
			ScreenshotQuality:  70,
		},
		Worker: WorkerConfig{
			Path:         "webrun-worker",
			PortMin:      9222,
			PortMax:      9299,
			KillGrace:    3 * time.Second,
			CloseTimeout: 2 * time.Second,
		},
		Browser: BrowserConfig{
			Headless:       true,
			ViewportWidth:  1280,
			ViewportHeight: 800,
		},
		Events: EventsConfig{
			BatchEnabled:  true,
			BatchInterval: 100 * time.Millisecond,
			BatchSize:     10,
			QueueSize:     64,
			WriteTimeout:  15 * time.Second,
		},
		Redis: RedisConfig{
			ArchiveRetention: 7 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
	}
}
