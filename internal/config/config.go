package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gluk-w/claworc/termkeep/internal/checkpoint"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable, e.g. TERMKEEP_STATE_DIR.
const EnvPrefix = "TERMKEEP"

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":7681" yaml:"listen_addr"`
	StateDir     string `envconfig:"STATE_DIR" default:"/var/lib/termkeep/sessions" yaml:"state_dir"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/var/lib/termkeep/termkeep.db" yaml:"database_path"`
	LogPath      string `envconfig:"LOG_PATH" default:"" yaml:"log_path"`

	// Session registry
	BufferSize      int           `envconfig:"BUFFER_SIZE" default:"1048576" yaml:"buffer_size"`
	HistoryLines    int           `envconfig:"HISTORY_LINES" default:"1000" yaml:"history_lines"`
	MaxSessions     int           `envconfig:"MAX_SESSIONS" default:"100" yaml:"max_sessions"`
	MaxInactiveAge  time.Duration `envconfig:"MAX_INACTIVE_AGE" default:"168h" yaml:"max_inactive_age"`
	SaveInterval    time.Duration `envconfig:"SAVE_INTERVAL" default:"30s" yaml:"save_interval"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h" yaml:"cleanup_interval"`
	DefaultCommand  string        `envconfig:"DEFAULT_COMMAND" default:"/bin/bash" yaml:"default_command"`
	Compression     string        `envconfig:"COMPRESSION" default:"none" yaml:"compression"`

	// Reattachment
	ReplayChunkSize int           `envconfig:"REPLAY_CHUNK_SIZE" default:"8192" yaml:"replay_chunk_size"`
	ReplayDelay     time.Duration `envconfig:"REPLAY_DELAY" default:"1ms" yaml:"replay_delay"`

	// Scheduling (robfig/cron schedule strings)
	MaintenanceSchedule string `envconfig:"MAINTENANCE_SCHEDULE" default:"@every 1s" yaml:"maintenance_schedule"`
	AuditPurgeSchedule  string `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily" yaml:"audit_purge_schedule"`
	AuditRetentionDays  int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90" yaml:"audit_retention_days"`
}

var Cfg Settings

// Load reads the environment into Cfg and then overlays the YAML file at
// path, if path is non-empty.
func Load(path string) error {
	s, err := Parse(path)
	if err != nil {
		return err
	}
	Cfg = s
	return nil
}

// Parse is Load without touching Cfg.
func Parse(path string) (Settings, error) {
	var s Settings
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return s, fmt.Errorf("load environment: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Validate reports settings the server cannot run with.
func (s Settings) Validate() error {
	var errs []error
	if s.StateDir == "" {
		errs = append(errs, errors.New("state_dir must be set"))
	}
	if s.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("buffer_size must be positive, got %d", s.BufferSize))
	}
	if s.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("max_sessions must be positive, got %d", s.MaxSessions))
	}
	if s.ReplayChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("replay_chunk_size must be positive, got %d", s.ReplayChunkSize))
	}
	if _, err := checkpoint.ParseEncoding(s.Compression); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Encoding returns the checkpoint encoding named by Compression.
func (s Settings) Encoding() checkpoint.Encoding {
	enc, err := checkpoint.ParseEncoding(s.Compression)
	if err != nil {
		return checkpoint.EncodingNone
	}
	return enc
}
