package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateGraph(); err != nil {
		return err
	}
	if err := c.validateLLM(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case StoreSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return errors.New("store.path must be set for the sqlite driver")
		}
	case StorePostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return errors.New("store.dsn is required for the postgres driver. Set CASEGRAPH_DATABASE_URL or edit the config file")
		}
	default:
		return fmt.Errorf("store.driver: unsupported value %q (expected sqlite or postgres)", c.Store.Driver)
	}
	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case QueueRedis:
		if c.Queue.RedisAddr == "" {
			return errors.New("queue.redis_addr must be set when queue.backend is redis")
		}
		if c.Queue.RedisDB < 0 {
			return errors.New("queue.redis_db must be zero or positive")
		}
	case QueueSQL:
	default:
		return fmt.Errorf("queue.backend: unsupported value %q (expected redis or sql)", c.Queue.Backend)
	}
	return ensurePositiveMap(map[string]int{
		"queue.dequeue_timeout": c.Queue.DequeueTimeout,
	})
}

func (c *Config) validateRetry() error {
	if c.Retry.MaxAttempts < 0 {
		return errors.New("retry.max_attempts must be zero or positive")
	}
	if err := ensurePositiveMap(map[string]int{
		"retry.base_backoff":        c.Retry.BaseBackoff,
		"retry.sweep_interval":      c.Retry.SweepInterval,
		"retry.sweep_batch":         c.Retry.SweepBatch,
		"retry.dlq_retention_hours": c.Retry.DLQRetentionHours,
		"retry.stale_after":         c.Retry.StaleAfterSeconds,
	}); err != nil {
		return err
	}
	if c.Retry.RedispatchInterval < 0 {
		return errors.New("retry.redispatch_interval must be zero or positive")
	}
	return nil
}

func (c *Config) validateWorker() error {
	if err := ensurePositiveMap(map[string]int{
		"worker.error_retry_interval": c.Worker.ErrorRetryInterval,
		"worker.heartbeat_interval":   c.Worker.HeartbeatInterval,
	}); err != nil {
		return err
	}
	if c.Retry.StaleAfterSeconds <= c.Worker.HeartbeatInterval {
		return errors.New("retry.stale_after must be greater than worker.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateGraph() error {
	switch c.Graph.Sink {
	case GraphSQL:
		return nil
	case GraphSurreal:
		if strings.TrimSpace(c.Graph.SurrealURL) == "" {
			return errors.New("graph.surreal_url must be set when graph.sink is surrealdb")
		}
		if c.Graph.SurrealNS == "" || c.Graph.SurrealDB == "" {
			return errors.New("graph.surreal_namespace and graph.surreal_database must be set when graph.sink is surrealdb")
		}
		if c.Graph.SurrealAuth != "root" && c.Graph.SurrealAuth != "database" {
			return fmt.Errorf("graph.surreal_auth_level: unsupported value %q (expected root or database)", c.Graph.SurrealAuth)
		}
		return nil
	default:
		return fmt.Errorf("graph.sink: unsupported value %q (expected sql or surrealdb)", c.Graph.Sink)
	}
}

func (c *Config) validateLLM() error {
	switch c.LLM.Provider {
	case "":
		return nil
	case LLMOllama:
	case LLMOpenAI, LLMAnthropic:
		if c.LLM.APIKey == "" {
			return fmt.Errorf("llm.api_key is required for provider %s", c.LLM.Provider)
		}
	default:
		return fmt.Errorf("llm.provider: unsupported value %q (expected ollama, openai or anthropic)", c.LLM.Provider)
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		return errors.New("llm.model must be set when llm.provider is configured")
	}
	if c.LLM.TimeoutSeconds <= 0 {
		return errors.New("llm.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
