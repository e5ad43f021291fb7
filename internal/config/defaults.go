package config

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	QueueRedis = "redis"
	QueueSQL   = "sql"

	GraphSQL     = "sql"
	GraphSurreal = "surrealdb"

	LLMOllama    = "ollama"
	LLMOpenAI    = "openai"
	LLMAnthropic = "anthropic"
)

const (
	defaultDataDir              = "~/.local/share/casegraph"
	defaultStoreFile            = "casegraph.db"
	defaultStoreMaxConns        = 10
	defaultRedisAddr            = "127.0.0.1:6379"
	defaultKeyPrefix            = "casegraph"
	defaultDequeueTimeout       = 5
	defaultQueuePollIntervalMS  = 200
	defaultMaxRetryAttempts     = 3
	defaultBaseBackoff          = 30
	defaultSweepInterval        = 1
	defaultSweepBatch           = 100
	defaultDLQRetentionHours    = 24 * 14
	defaultStaleAfter           = 1800
	defaultErrorRetryInterval   = 5
	defaultHeartbeatInterval    = 15
	defaultSurrealURL           = "ws://127.0.0.1:8000"
	defaultSurrealNamespace     = "casegraph"
	defaultSurrealDatabase      = "evidence"
	defaultSurrealAuthLevel     = "root"
	defaultSurrealUser          = "root"
	defaultLLMTimeoutSeconds    = 120
	defaultLLMTargetLanguage    = "en"
	defaultLLMChunkSize         = 2000
	defaultCommandTimeout       = 1800
	defaultStatusChannel        = "casegraph:status"
	defaultStatusBufferSize     = 512
	defaultAdminBind            = "127.0.0.1:7488"
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultLogRetentionDays     = 30
	defaultOllamaModel          = "llama3.1"
	defaultOllamaEmbeddingModel = "nomic-embed-text"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
		},
		Store: Store{
			Driver:   StoreSQLite,
			MaxConns: defaultStoreMaxConns,
		},
		Queue: Queue{
			Backend:        QueueRedis,
			RedisAddr:      defaultRedisAddr,
			KeyPrefix:      defaultKeyPrefix,
			DequeueTimeout: defaultDequeueTimeout,
			PollInterval:   defaultQueuePollIntervalMS,
		},
		Retry: Retry{
			MaxAttempts:       defaultMaxRetryAttempts,
			BaseBackoff:       defaultBaseBackoff,
			SweepInterval:     defaultSweepInterval,
			SweepBatch:        defaultSweepBatch,
			DLQRetentionHours: defaultDLQRetentionHours,
			StaleAfterSeconds: defaultStaleAfter,
		},
		Worker: Worker{
			ErrorRetryInterval: defaultErrorRetryInterval,
			HeartbeatInterval:  defaultHeartbeatInterval,
		},
		Graph: Graph{
			Sink:        GraphSQL,
			SurrealURL:  defaultSurrealURL,
			SurrealNS:   defaultSurrealNamespace,
			SurrealDB:   defaultSurrealDatabase,
			SurrealUser: defaultSurrealUser,
			SurrealAuth: defaultSurrealAuthLevel,
		},
		LLM: LLM{
			TimeoutSeconds: defaultLLMTimeoutSeconds,
			TargetLanguage: defaultLLMTargetLanguage,
			ChunkSize:      defaultLLMChunkSize,
		},
		Executors: Executors{
			CommandTimeout: defaultCommandTimeout,
		},
		Status: Status{
			RedisChannel: defaultStatusChannel,
			BufferSize:   defaultStatusBufferSize,
		},
		Admin: Admin{
			Bind: defaultAdminBind,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
