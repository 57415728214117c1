package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-jobrun/internal/controller"
	"github.com/ChuLiYu/beaver-jobrun/internal/database"
)

// 後端名稱
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQL      = "sql"
	BackendRedis    = "redis"
	defaultGRPCPort = 50051
	defaultMetrics  = 9090
)

// ErrInvalidConfig 配置不合法
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Worker struct {
		ScanWorkers       int           `yaml:"scan_workers"`
		ScanBuffer        int           `yaml:"scan_buffer"`
		KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
		PollInterval      time.Duration `yaml:"poll_interval"`
		ScanRate          float64       `yaml:"scan_rate"`
		ScanBurst         int           `yaml:"scan_burst"`
		TaskTimeout       time.Duration `yaml:"task_timeout"`
		TickInterval      time.Duration `yaml:"tick_interval"` // 處理器 tick 間隔
	} `yaml:"worker"`

	Lease struct {
		Backend string        `yaml:"backend"` // memory | sql | redis
		TTL     time.Duration `yaml:"ttl"`
	} `yaml:"lease"`

	Store struct {
		Backend string `yaml:"backend"` // memory | file | sql | redis
		Path    string `yaml:"path"`    // file 後端的 JSON 檔
	} `yaml:"store"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Postgres database.Option `yaml:"postgres"`

	GRPC struct {
		Port int `yaml:"port"`
	} `yaml:"grpc"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Profiling struct {
		Enabled         bool              `yaml:"enabled"`
		ApplicationName string            `yaml:"application_name"`
		ServerAddress   string            `yaml:"server_address"`
		Tags            map[string]string `yaml:"tags"`
	} `yaml:"profiling"`

	Log struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`

	Simulation struct {
		Seed       int64   `yaml:"seed"`
		Volatility float64 `yaml:"volatility"`
	} `yaml:"simulation"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 零值欄位使用預設值
func (c *Config) applyDefaults() {
	def := controller.DefaultConfig()
	w := &c.Worker
	if w.ScanWorkers == 0 {
		w.ScanWorkers = def.ScanWorkers
	}
	if w.ScanBuffer == 0 {
		w.ScanBuffer = def.ScanBuffer
	}
	if w.KeepAliveInterval == 0 {
		w.KeepAliveInterval = def.KeepAliveInterval
	}
	if w.PollInterval == 0 {
		w.PollInterval = def.PollInterval
	}
	if w.ScanRate == 0 {
		w.ScanRate = def.ScanRate
	}
	if w.ScanBurst == 0 {
		w.ScanBurst = def.ScanBurst
	}
	if w.TaskTimeout == 0 {
		w.TaskTimeout = def.TaskTimeout
	}

	if c.Lease.Backend == "" {
		c.Lease.Backend = BackendMemory
	}
	if c.Lease.TTL == 0 {
		c.Lease.TTL = 30 * time.Second
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/jobs.json"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.GRPC.Port == 0 {
		c.GRPC.Port = defaultGRPCPort
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = defaultMetrics
	}
	if c.Profiling.ApplicationName == "" {
		c.Profiling.ApplicationName = "beaver-jobrun"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Simulation.Seed == 0 {
		c.Simulation.Seed = time.Now().UnixNano()
	}
}

func (c *Config) validate() error {
	switch c.Lease.Backend {
	case BackendMemory, BackendSQL, BackendRedis:
	default:
		return fmt.Errorf("%w: unknown lease backend %q", ErrInvalidConfig, c.Lease.Backend)
	}
	switch c.Store.Backend {
	case BackendMemory, BackendFile, BackendSQL, BackendRedis:
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}

	if c.Lease.TTL <= 0 || c.Worker.KeepAliveInterval <= 0 || c.Worker.PollInterval <= 0 || c.Worker.TaskTimeout <= 0 {
		return fmt.Errorf("%w: durations must be positive", ErrInvalidConfig)
	}
	if c.Lease.TTL <= c.Worker.KeepAliveInterval {
		return fmt.Errorf("%w: lease ttl %s must exceed keep-alive interval %s",
			ErrInvalidConfig, c.Lease.TTL, c.Worker.KeepAliveInterval)
	}
	if c.Worker.TickInterval < 0 {
		return fmt.Errorf("%w: tick interval must not be negative", ErrInvalidConfig)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

// controllerConfig 轉換成 controller.Config
func (c *Config) controllerConfig() controller.Config {
	return controller.Config{
		ScanWorkers:       c.Worker.ScanWorkers,
		ScanBuffer:        c.Worker.ScanBuffer,
		KeepAliveInterval: c.Worker.KeepAliveInterval,
		PollInterval:      c.Worker.PollInterval,
		ScanRate:          c.Worker.ScanRate,
		ScanBurst:         c.Worker.ScanBurst,
		TaskTimeout:       c.Worker.TaskTimeout,
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, s)
	}
	return level, nil
}

// newLogger 依配置建立 root logger
func newLogger(c *Config, w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
