// Package model defines the configuration and on-disk records of dirpoller.
package model

import (
	"fmt"
	"path/filepath"
	"strings"
)

type Config struct {
	Poller     PollerConfig               `yaml:"poller"`
	Folders    []FolderConfig             `yaml:"folders"`
	Submitters map[string]SubmitterConfig `yaml:"submitters"`
	Daemon     DaemonConfig               `yaml:"daemon"`
	Logging    LoggingConfig              `yaml:"logging"`
	History    HistoryConfig              `yaml:"history"`
}

type PollerConfig struct {
	ProcessingFolder    string `yaml:"processing_folder"`
	AppProcessingFolder string `yaml:"app_processing_folder"`
	ErrorFolder         string `yaml:"error_folder"`
	PollIntervalSec     int    `yaml:"poll_interval_sec"`
	MaxFilesInProcess   int    `yaml:"max_files_in_process"`
	MinWorkers          int    `yaml:"min_workers"`
	MaxWorkers          int    `yaml:"max_workers"`
	QueueSize           int    `yaml:"queue_size"`
	IdleTimeoutSec      int    `yaml:"idle_timeout_sec"`
	// Notify wakes the poller early when a watched folder changes.
	Notify bool `yaml:"notify"`
}

type FolderConfig struct {
	Name         string    `yaml:"name"`
	Path         string    `yaml:"path"`
	TrackTimeSec int       `yaml:"track_time_sec"`
	Filter       string    `yaml:"filter"`
	FilterType   string    `yaml:"filter_type"` // glob (default) or regex
	CanRetry     bool      `yaml:"can_retry"`
	MoveFile     bool      `yaml:"move_file"`
	Submitter    string    `yaml:"submitter"`
	Job          JobConfig `yaml:"job"`
	ErrorHandler string    `yaml:"error_handler"` // alert (default) or log
}

type JobConfig struct {
	Name string `yaml:"name"`
	// Parameters maps a job parameter name to its type, e.g. "path: filepath".
	Parameters map[string]string `yaml:"parameters"`
}

// SubmitterConfig configures one downstream submitter. Only the fields of the
// selected Type are read.
type SubmitterConfig struct {
	Type       string `yaml:"type"`
	TimeoutSec int    `yaml:"timeout_sec"`

	// http
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`

	// redis
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	List     string `yaml:"list,omitempty"`

	// kafka
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty"`

	// s3, gcs
	Bucket   string `yaml:"bucket,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
	// CredentialsFile is a GCS service account key; empty uses default credentials.
	CredentialsFile string `yaml:"credentials_file,omitempty"`

	// postgres
	DSN   string `yaml:"dsn,omitempty"`
	Table string `yaml:"table,omitempty"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
	StateDir           string `yaml:"state_dir"`
	MetricsAddr        string `yaml:"metrics_addr"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Submitter types.
const (
	SubmitterHTTP     = "http"
	SubmitterRedis    = "redis"
	SubmitterKafka    = "kafka"
	SubmitterS3       = "s3"
	SubmitterGCS      = "gcs"
	SubmitterPostgres = "postgres"
	SubmitterLog      = "log"
)

// ApplyDefaults fills zero values. baseDir resolves relative paths.
func (c *Config) ApplyDefaults(baseDir string) {
	p := &c.Poller
	if p.PollIntervalSec <= 0 {
		p.PollIntervalSec = 5
	}
	if p.MaxFilesInProcess <= 0 {
		p.MaxFilesInProcess = 100
	}
	if p.MinWorkers <= 0 {
		p.MinWorkers = 1
	}
	if p.MaxWorkers <= 0 {
		p.MaxWorkers = 10
	}
	if p.MaxWorkers < p.MinWorkers {
		p.MaxWorkers = p.MinWorkers
	}
	if p.QueueSize <= 0 {
		p.QueueSize = 30
	}
	if p.IdleTimeoutSec <= 0 {
		p.IdleTimeoutSec = 60
	}
	p.ProcessingFolder = resolve(baseDir, p.ProcessingFolder)
	p.AppProcessingFolder = resolve(baseDir, p.AppProcessingFolder)
	p.ErrorFolder = resolve(baseDir, p.ErrorFolder)

	for i := range c.Folders {
		f := &c.Folders[i]
		f.Path = resolve(baseDir, f.Path)
		if f.Name == "" {
			f.Name = filepath.Base(f.Path)
		}
		if f.Filter == "" {
			f.Filter = "*"
		}
		if f.FilterType == "" {
			f.FilterType = "glob"
		}
		if f.ErrorHandler == "" {
			f.ErrorHandler = "alert"
		}
	}

	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Daemon.StateDir == "" {
		c.Daemon.StateDir = ".dirpoller"
	}
	c.Daemon.StateDir = resolve(baseDir, c.Daemon.StateDir)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 50
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 5
	}

	if c.History.Path == "" {
		c.History.Path = "history.db"
	}
	if !filepath.IsAbs(c.History.Path) {
		c.History.Path = filepath.Join(c.Daemon.StateDir, c.History.Path)
	}
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if c.Poller.ProcessingFolder == "" {
		return fmt.Errorf("poller.processing_folder is required")
	}
	if c.Poller.ErrorFolder == "" {
		return fmt.Errorf("poller.error_folder is required")
	}
	if len(c.Folders) == 0 {
		return fmt.Errorf("at least one folder is required")
	}

	names := make(map[string]string)
	for i, f := range c.Folders {
		if f.Path == "" {
			return fmt.Errorf("folders[%d]: path is required", i)
		}
		if f.TrackTimeSec < 0 {
			return fmt.Errorf("folders[%d]: track_time_sec must be >= 0", i)
		}
		switch f.FilterType {
		case "glob", "regex":
		default:
			return fmt.Errorf("folders[%d]: unknown filter_type %q", i, f.FilterType)
		}
		switch f.ErrorHandler {
		case "alert", "log":
		default:
			return fmt.Errorf("folders[%d]: unknown error_handler %q", i, f.ErrorHandler)
		}
		if _, ok := c.Submitters[f.Submitter]; !ok {
			return fmt.Errorf("folders[%d]: unknown submitter %q", i, f.Submitter)
		}
		if f.MoveFile && c.Poller.AppProcessingFolder == "" {
			return fmt.Errorf("folders[%d]: move_file requires poller.app_processing_folder", i)
		}
		key := strings.ToUpper(f.Name)
		if prev, dup := names[key]; dup {
			return fmt.Errorf("folders[%d]: name %q collides with folder %s", i, f.Name, prev)
		}
		names[key] = f.Path
	}

	for name, s := range c.Submitters {
		switch s.Type {
		case SubmitterHTTP, SubmitterRedis, SubmitterKafka, SubmitterS3, SubmitterGCS, SubmitterPostgres, SubmitterLog:
		default:
			return fmt.Errorf("submitters.%s: unknown type %q", name, s.Type)
		}
	}
	return nil
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}
