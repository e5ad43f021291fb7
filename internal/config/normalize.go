package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeStore(); err != nil {
		return err
	}
	c.normalizeQueue()
	c.normalizeGraph()
	c.normalizeLLM()
	c.normalizeStatus()
	c.normalizeAdmin()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.DataDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.EvidenceDir) == "" {
		c.Paths.EvidenceDir = filepath.Join(c.Paths.DataDir, "evidence")
	}
	if c.Paths.EvidenceDir, err = expandPath(c.Paths.EvidenceDir); err != nil {
		return fmt.Errorf("paths.evidence_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeStore() error {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch c.Store.Driver {
	case "", "sqlite3", StoreSQLite:
		c.Store.Driver = StoreSQLite
	case "postgresql", "pgx", StorePostgres:
		c.Store.Driver = StorePostgres
	}
	if c.Store.DSN == "" {
		if value, ok := os.LookupEnv("CASEGRAPH_DATABASE_URL"); ok {
			c.Store.DSN = strings.TrimSpace(value)
		}
	}
	if c.Store.Driver == StoreSQLite {
		if strings.TrimSpace(c.Store.Path) == "" {
			c.Store.Path = filepath.Join(c.Paths.DataDir, defaultStoreFile)
		}
		var err error
		if c.Store.Path, err = expandPath(c.Store.Path); err != nil {
			return fmt.Errorf("store.path: %w", err)
		}
	}
	if c.Store.MaxConns <= 0 {
		c.Store.MaxConns = defaultStoreMaxConns
	}
	return nil
}

func (c *Config) normalizeQueue() {
	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	if c.Queue.Backend == "" {
		c.Queue.Backend = QueueRedis
	}
	c.Queue.RedisAddr = strings.TrimSpace(c.Queue.RedisAddr)
	if c.Queue.RedisPassword == "" {
		if value, ok := os.LookupEnv("CASEGRAPH_REDIS_PASSWORD"); ok {
			c.Queue.RedisPassword = value
		}
	}
	c.Queue.KeyPrefix = strings.Trim(strings.TrimSpace(c.Queue.KeyPrefix), ":")
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = defaultQueuePollIntervalMS
	}
}

func (c *Config) normalizeGraph() {
	c.Graph.Sink = strings.ToLower(strings.TrimSpace(c.Graph.Sink))
	switch c.Graph.Sink {
	case "", GraphSQL:
		c.Graph.Sink = GraphSQL
	case "surreal":
		c.Graph.Sink = GraphSurreal
	}
	if c.Graph.SurrealPassword == "" {
		if value, ok := os.LookupEnv("SURREAL_PASSWORD"); ok {
			c.Graph.SurrealPassword = value
		}
	}
	c.Graph.SurrealAuth = strings.ToLower(strings.TrimSpace(c.Graph.SurrealAuth))
	if c.Graph.SurrealAuth == "" {
		c.Graph.SurrealAuth = defaultSurrealAuthLevel
	}
}

func (c *Config) normalizeLLM() {
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case LLMOpenAI:
			c.LLM.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		case LLMAnthropic:
			c.LLM.APIKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
		}
	}
	if c.LLM.Provider == LLMOllama {
		if c.LLM.Model == "" {
			c.LLM.Model = defaultOllamaModel
		}
		if c.LLM.EmbeddingModel == "" {
			c.LLM.EmbeddingModel = defaultOllamaEmbeddingModel
		}
	}
	c.LLM.TargetLanguage = strings.ToLower(strings.TrimSpace(c.LLM.TargetLanguage))
	if c.LLM.TargetLanguage == "" {
		c.LLM.TargetLanguage = defaultLLMTargetLanguage
	}
	if c.LLM.ChunkSize <= 0 {
		c.LLM.ChunkSize = defaultLLMChunkSize
	}
}

func (c *Config) normalizeStatus() {
	c.Status.RedisChannel = strings.TrimSpace(c.Status.RedisChannel)
	if c.Status.BufferSize <= 0 {
		c.Status.BufferSize = defaultStatusBufferSize
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}

func (c *Config) normalizeAdmin() {
	c.Admin.Bind = strings.TrimSpace(c.Admin.Bind)
	if c.Admin.Token == "" {
		if value, ok := os.LookupEnv("CASEGRAPH_ADMIN_TOKEN"); ok {
			c.Admin.Token = strings.TrimSpace(value)
		}
	}
}
