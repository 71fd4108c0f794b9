package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Watch struct {
		Dir         string        `yaml:"dir"`
		Prefix      string        `yaml:"prefix"`
		Extension   string        `yaml:"extension"`
		MaxAge      time.Duration `yaml:"max_age"`
		Debounce    time.Duration `yaml:"debounce"`
		StartupScan *bool         `yaml:"startup_scan"`
	} `yaml:"watch"`

	Output struct {
		Dir string `yaml:"dir"`
	} `yaml:"output"`

	Stability struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		QuietPeriod  time.Duration `yaml:"quiet_period"`
		Timeout      time.Duration `yaml:"timeout"`
		MaxAttempts  int           `yaml:"max_attempts"`
		RetryBackoff time.Duration `yaml:"retry_backoff"`
	} `yaml:"stability"`

	Transform struct {
		Sheet     string `yaml:"sheet"`
		Column    int    `yaml:"column"`
		StartRow  int    `yaml:"start_row"`
		Separator string `yaml:"separator"`
		PlainURLs bool   `yaml:"plain_urls"`
	} `yaml:"transform"`

	Converter struct {
		Command string        `yaml:"command"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"converter"`

	Pipeline struct {
		MaxWorkers      int           `yaml:"max_workers"`
		QueueSize       int           `yaml:"queue_size"`
		Retention       time.Duration `yaml:"retention"`
		ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
		PublishAttempts int           `yaml:"publish_attempts"`
	} `yaml:"pipeline"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Logging struct {
		Dir    string `yaml:"dir"`
		AppLog string `yaml:"app_log"`
	} `yaml:"logging"`

	Server struct {
		Enabled *bool  `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
	} `yaml:"server"`
}

// DefaultCommand converts with a headless LibreOffice
const DefaultCommand = "soffice --headless --convert-to xlsx --outdir ${{ output_dir }} ${{ input_path }}"

// Dir returns the per-user directory holding settings, database and logs
func Dir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "data")
	}
	return filepath.Join(base, "reportflow")
}

// DefaultPath returns $CONFIG_PATH or the per-user settings file
func DefaultPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return filepath.Join(Dir(), "config.yaml")
}

// DefaultWatchDir returns the user's download directory
func DefaultWatchDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "Downloads")
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// StartupScanEnabled reports whether the watch directory is scanned on start
func (c *Config) StartupScanEnabled() bool {
	return c.Watch.StartupScan == nil || *c.Watch.StartupScan
}

// ServerEnabled reports whether the status server should run
func (c *Config) ServerEnabled() bool {
	return c.Server.Enabled == nil || *c.Server.Enabled
}

func (c *Config) applyDefaults() {
	dir := Dir()

	if c.Watch.Dir == "" {
		c.Watch.Dir = DefaultWatchDir()
	}
	if c.Watch.Prefix == "" {
		c.Watch.Prefix = "ETSA-TSA-"
	}
	if c.Watch.Extension == "" {
		c.Watch.Extension = ".xls"
	}
	if c.Watch.MaxAge == 0 {
		c.Watch.MaxAge = 12 * time.Hour
	}
	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = 500 * time.Millisecond
	}
	if c.Stability.PollInterval == 0 {
		c.Stability.PollInterval = time.Second
	}
	if c.Stability.QuietPeriod == 0 {
		c.Stability.QuietPeriod = 5 * time.Second
	}
	if c.Stability.Timeout == 0 {
		c.Stability.Timeout = 2 * time.Minute
	}
	if c.Stability.MaxAttempts == 0 {
		c.Stability.MaxAttempts = 3
	}
	if c.Stability.RetryBackoff == 0 {
		c.Stability.RetryBackoff = 10 * time.Second
	}
	if c.Transform.Column == 0 {
		c.Transform.Column = 2
	}
	if c.Transform.StartRow == 0 {
		c.Transform.StartRow = 19
	}
	if c.Transform.Separator == "" {
		c.Transform.Separator = " ### "
	}
	if c.Converter.Command == "" {
		c.Converter.Command = DefaultCommand
	}
	if c.Converter.Timeout == 0 {
		c.Converter.Timeout = 5 * time.Minute
	}
	if c.Pipeline.MaxWorkers == 0 {
		c.Pipeline.MaxWorkers = 2
	}
	if c.Pipeline.QueueSize == 0 {
		c.Pipeline.QueueSize = 64
	}
	if c.Pipeline.Retention == 0 {
		c.Pipeline.Retention = 24 * time.Hour
	}
	if c.Pipeline.ShutdownGrace == 0 {
		c.Pipeline.ShutdownGrace = 30 * time.Second
	}
	if c.Pipeline.PublishAttempts == 0 {
		c.Pipeline.PublishAttempts = 3
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(dir, "reportflow.db")
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = filepath.Join(dir, "logs")
	}
	if c.Logging.AppLog == "" {
		c.Logging.AppLog = filepath.Join(c.Logging.Dir, "app.log")
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8089
	}
}

// Load loads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides
func LoadFromEnv(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if set
	if watchDir := os.Getenv("REPORTFLOW_WATCH_DIR"); watchDir != "" {
		cfg.Watch.Dir = watchDir
	}
	if outputDir := os.Getenv("REPORTFLOW_OUTPUT_DIR"); outputDir != "" {
		cfg.Output.Dir = outputDir
	}
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if logDir := os.Getenv("LOG_DIR"); logDir != "" {
		cfg.Logging.Dir = logDir
		cfg.Logging.AppLog = filepath.Join(logDir, "app.log")
	}
	if maxWorkers := os.Getenv("MAX_WORKERS"); maxWorkers != "" {
		if val, err := strconv.Atoi(maxWorkers); err == nil && val > 0 {
			cfg.Pipeline.MaxWorkers = val
		}
	}

	return cfg, nil
}

// Exists reports whether a settings file has been saved at path
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Save persists cfg to path, creating the parent directory
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Reset removes the saved settings so the next run starts from defaults
func Reset(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Validate checks that the resolved configuration can run
func (c *Config) Validate() error {
	var errs []error

	if c.Output.Dir == "" {
		errs = append(errs, errors.New("output.dir is required"))
	} else if err := checkDir(c.Output.Dir); err != nil {
		errs = append(errs, fmt.Errorf("output.dir: %w", err))
	}
	if err := checkDir(c.Watch.Dir); err != nil {
		errs = append(errs, fmt.Errorf("watch.dir: %w", err))
	}
	if c.Output.Dir != "" && filepath.Clean(c.Output.Dir) == filepath.Clean(c.Watch.Dir) {
		errs = append(errs, errors.New("output.dir must differ from watch.dir"))
	}

	durations := []struct {
		key   string
		value time.Duration
	}{
		{"watch.max_age", c.Watch.MaxAge},
		{"watch.debounce", c.Watch.Debounce},
		{"stability.poll_interval", c.Stability.PollInterval},
		{"stability.quiet_period", c.Stability.QuietPeriod},
		{"stability.timeout", c.Stability.Timeout},
		{"stability.retry_backoff", c.Stability.RetryBackoff},
		{"converter.timeout", c.Converter.Timeout},
		{"pipeline.retention", c.Pipeline.Retention},
		{"pipeline.shutdown_grace", c.Pipeline.ShutdownGrace},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.key))
		}
	}

	if c.Transform.Column < 1 {
		errs = append(errs, fmt.Errorf("transform.column must be >= 1, got %d", c.Transform.Column))
	}
	if c.Transform.StartRow < 1 {
		errs = append(errs, fmt.Errorf("transform.start_row must be >= 1, got %d", c.Transform.StartRow))
	}
	if c.Stability.MaxAttempts < 1 {
		errs = append(errs, errors.New("stability.max_attempts must be >= 1"))
	}
	if c.Pipeline.MaxWorkers < 1 {
		errs = append(errs, errors.New("pipeline.max_workers must be >= 1"))
	}
	if c.Pipeline.QueueSize < 1 {
		errs = append(errs, errors.New("pipeline.queue_size must be >= 1"))
	}
	if c.Pipeline.PublishAttempts < 1 {
		errs = append(errs, errors.New("pipeline.publish_attempts must be >= 1"))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	return errors.Join(errs...)
}

func checkDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}
