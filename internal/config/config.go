package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir     string `toml:"data_dir"`
	LogDir      string `toml:"log_dir"`
	EvidenceDir string `toml:"evidence_dir"`
}

// Store selects the durable store backing jobs, artifacts and entities.
type Store struct {
	Driver   string `toml:"driver"` // "sqlite" or "postgres"
	Path     string `toml:"path"`   // sqlite database file; defaults to <data_dir>/casegraph.db
	DSN      string `toml:"dsn"`    // postgres connection string
	MaxConns int    `toml:"max_conns"`
}

// Queue selects the work queue backend.
type Queue struct {
	Backend        string `toml:"backend"` // "redis" or "sql"
	RedisAddr      string `toml:"redis_addr"`
	RedisPassword  string `toml:"redis_password"`
	RedisDB        int    `toml:"redis_db"`
	KeyPrefix      string `toml:"key_prefix"`
	DequeueTimeout int    `toml:"dequeue_timeout"` // seconds
	PollInterval   int    `toml:"poll_interval_ms"`
}

// Retry contains backoff and dead-letter settings.
type Retry struct {
	MaxAttempts        int `toml:"max_attempts"`
	BaseBackoff        int `toml:"base_backoff"`   // seconds
	SweepInterval      int `toml:"sweep_interval"` // seconds
	SweepBatch         int `toml:"sweep_batch"`
	DLQRetentionHours  int `toml:"dlq_retention_hours"`
	StaleAfterSeconds  int `toml:"stale_after"`
	RedispatchInterval int `toml:"redispatch_interval"` // seconds; 0 disables automatic re-dispatch in the sweeper
}

// Worker contains runtime timing for the pull loop.
type Worker struct {
	ErrorRetryInterval int `toml:"error_retry_interval"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
}

// Graph selects the graph sink.
type Graph struct {
	Sink            string `toml:"sink"` // "sql" or "surrealdb"
	SurrealURL      string `toml:"surreal_url"`
	SurrealNS       string `toml:"surreal_namespace"`
	SurrealDB       string `toml:"surreal_database"`
	SurrealUser     string `toml:"surreal_username"`
	SurrealPassword string `toml:"surreal_password"`
	SurrealAuth     string `toml:"surreal_auth_level"` // "root" or "database"
}

// LLM contains the model settings used by translation, summarization,
// embedding and graph extraction.
type LLM struct {
	Provider       string `toml:"provider"` // "ollama", "openai", "anthropic" or "" to disable
	Model          string `toml:"model"`
	EmbeddingModel string `toml:"embedding_model"`
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	TargetLanguage string `toml:"target_language"`
	ChunkSize      int    `toml:"chunk_size"`
}

// Executors configures the external commands used by extraction stages.
type Executors struct {
	DocumentCommand      []string `toml:"document_command"`
	TranscriptionCommand []string `toml:"transcription_command"`
	FrameSamplingCommand []string `toml:"frame_sampling_command"`
	CommandTimeout       int      `toml:"command_timeout"` // seconds
}

// Status configures status event fan-out.
type Status struct {
	RedisChannel string `toml:"redis_channel"`
	BufferSize   int    `toml:"buffer_size"`
}

// Admin configures the administrative HTTP server.
type Admin struct {
	Bind string `toml:"bind"`
	// Token enables bearer authentication on /api routes when set.
	Token string `toml:"token"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for casegraph.
//
// Configuration sections by subsystem:
//   - Paths: data, log and evidence directories
//   - Store: durable store driver (sqlite/postgres)
//   - Queue: work queue backend (redis/sql) and dequeue timing
//   - Retry: backoff, sweeper and dead-letter retention
//   - Worker: pull loop timing and heartbeats
//   - Graph: graph sink (sql/surrealdb)
//   - LLM: model provider for language stages
//   - Executors: external extraction commands
//   - Status: status event fan-out
//   - Admin: HTTP bind address
//   - Logging: log format, level, and retention
type Config struct {
	Paths     Paths     `toml:"paths"`
	Store     Store     `toml:"store"`
	Queue     Queue     `toml:"queue"`
	Retry     Retry     `toml:"retry"`
	Worker    Worker    `toml:"worker"`
	Graph     Graph     `toml:"graph"`
	LLM       LLM       `toml:"llm"`
	Executors Executors `toml:"executors"`
	Status    Status    `toml:"status"`
	Admin     Admin     `toml:"admin"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/casegraph/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("casegraph.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the data and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if c.Store.Driver == StoreSQLite {
		if err := os.MkdirAll(filepath.Dir(c.Store.Path), 0o755); err != nil {
			return fmt.Errorf("create store directory: %w", err)
		}
	}
	return nil
}

// DequeueTimeout returns the blocking pop timeout used by workers.
func (c *Config) DequeueTimeout() time.Duration {
	return time.Duration(c.Queue.DequeueTimeout) * time.Second
}

// BaseBackoff returns the retry base delay.
func (c *Config) BaseBackoff() time.Duration {
	return time.Duration(c.Retry.BaseBackoff) * time.Second
}

// DLQRetention returns how long dead-letter records are kept.
func (c *Config) DLQRetention() time.Duration {
	return time.Duration(c.Retry.DLQRetentionHours) * time.Hour
}

// ResolveEvidencePath maps an artifact reference onto the evidence directory
// when it is relative.
func (c *Config) ResolveEvidencePath(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || filepath.IsAbs(ref) || strings.Contains(ref, "://") {
		return ref
	}
	return filepath.Join(c.Paths.EvidenceDir, ref)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return "", nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		pathValue = filepath.Join(home, strings.TrimPrefix(pathValue, "~"))
	}
	abs, err := filepath.Abs(pathValue)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", pathValue, err)
	}
	return abs, nil
}

// ExpandPath resolves ~ and relative segments into an absolute path.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
