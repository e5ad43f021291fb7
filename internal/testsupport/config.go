package testsupport

import (
	"path/filepath"
	"testing"

	"casegraph/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It uses the SQL queue backend and short timings so tests run quickly.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.EvidenceDir = filepath.Join(base, "evidence")
	cfgVal.Store.Driver = config.StoreSQLite
	cfgVal.Store.Path = filepath.Join(base, "data", "casegraph.db")
	cfgVal.Queue.Backend = config.QueueSQL
	cfgVal.Queue.DequeueTimeout = 1
	cfgVal.Queue.PollInterval = 10
	cfgVal.Retry.BaseBackoff = 1
	cfgVal.Retry.SweepInterval = 1
	cfgVal.Retry.StaleAfterSeconds = 60
	cfgVal.Worker.ErrorRetryInterval = 1
	cfgVal.Worker.HeartbeatInterval = 1
	cfgVal.Admin.Bind = "127.0.0.1:0"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithMaxAttempts overrides retry.max_attempts.
func WithMaxAttempts(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Retry.MaxAttempts = n
	}
}

// WithRedis selects the Redis queue backend at addr.
func WithRedis(addr string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.Backend = config.QueueRedis
		b.cfg.Queue.RedisAddr = addr
	}
}

// WithConfig applies an arbitrary mutation.
func WithConfig(fn func(*config.Config)) ConfigOption {
	return func(b *configBuilder) {
		fn(b.cfg)
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
