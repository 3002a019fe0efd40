package config

import (
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/UniQw/webrun"
)

// NewLogger builds a zap logger from the log section.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
		return nil, err
	}

	var enc zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		enc = zap.NewDevelopmentEncoderConfig()
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		enc = zap.NewProductionEncoderConfig()
		enc.TimeKey = "timestamp"
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	out := cfg.OutputPaths
	if len(out) == 0 {
		out = []string{"stdout"}
	}
	zc := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    enc,
		OutputPaths:      out,
		ErrorOutputPaths: []string{"stderr"},
	}
	return zc.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
}

// RedisClient returns a client for the redis section, or nil when no
// address is configured.
func (c *Config) RedisClient() redis.UniversalClient {
	if c.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
}

// ServerConfig maps the settings onto a webrun.ServerConfig. Redis, Launcher
// and Mux are left for the caller.
func (c *Config) ServerConfig(log webrun.Logger, metrics *webrun.Metrics) webrun.ServerConfig {
	return webrun.ServerConfig{
		MaxConcurrent:    c.Scheduler.MaxConcurrent,
		MaxRetries:       c.Scheduler.MaxRetries,
		HistoryRetention: c.Scheduler.HistoryRetention,
		MaxHistory:       c.Scheduler.MaxHistory,
		Engine: webrun.EngineConfig{
			StartTimeout:       c.Execution.StartTimeout,
			ActionTimeout:      c.Execution.ActionTimeout,
			TaskTimeout:        c.Execution.TaskTimeout,
			ScreenshotTimeout:  c.Execution.ScreenshotTimeout,
			ScreenshotInterval: c.Execution.ScreenshotInterval,
			DisableScreenshots: c.Execution.DisableScreenshots,
			ScreenshotRate:     c.Execution.ScreenshotRate,
			FrameMaxWidth:      c.Execution.ScreenshotMaxWidth,
			FrameQuality:       c.Execution.ScreenshotQuality,
			Browser: webrun.BrowserOptions{
				ChromePath:     c.Browser.ChromePath,
				Headless:       c.Browser.Headless,
				EnableStealth:  c.Browser.EnableStealth,
				ViewportWidth:  c.Browser.ViewportWidth,
				ViewportHeight: c.Browser.ViewportHeight,
				UserAgent:      c.Browser.UserAgent,
				Locale:         c.Browser.Locale,
				Timezone:       c.Browser.Timezone,
			},
		},
		Batch: webrun.BatchConfig{
			Enabled:  c.Events.BatchEnabled,
			Interval: c.Events.BatchInterval,
			Size:     c.Events.BatchSize,
		},
		Hub: webrun.HubConfig{
			QueueSize:    c.Events.QueueSize,
			WriteTimeout: c.Events.WriteTimeout,
		},
		Process: webrun.ProcessConfig{
			Path:         c.Worker.Path,
			Args:         c.Worker.Args,
			Dir:          c.Worker.Dir,
			PortMin:      c.Worker.PortMin,
			PortMax:      c.Worker.PortMax,
			KillGrace:    c.Worker.KillGrace,
			CloseTimeout: c.Worker.CloseTimeout,
		},
		ArchiveRetention: c.Redis.ArchiveRetention,
		Metrics:          metrics,
		Logger:           log,
	}
}
