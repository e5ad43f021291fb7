package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"casegraph/internal/admin"
	"casegraph/internal/api"
	"casegraph/internal/completion"
	"casegraph/internal/config"
	"casegraph/internal/dispatch"
	"casegraph/internal/executors"
	"casegraph/internal/graph"
	"casegraph/internal/logging"
	"casegraph/internal/pipeline"
	"casegraph/internal/preflight"
	"casegraph/internal/queue"
	"casegraph/internal/resolve"
	"casegraph/internal/retry"
	"casegraph/internal/status"
	"casegraph/internal/store"
	"casegraph/internal/worker"
)

// Components are the shared collaborators of one process.
type Components struct {
	Config *config.Config
	Logger *slog.Logger

	Store       *store.Store
	Redis       *redis.Client
	Queue       *queue.Queue
	Sink        graph.Sink
	Hub         *status.Hub
	Relay       *status.Relay
	Reporter    *status.Reporter
	Coordinator *completion.Coordinator
	Dispatcher  *dispatch.Dispatcher
	Retry       *retry.Manager
	Linker      *resolve.Linker
	Service     *api.Service
}

// Option customizes Open.
type Option func(*openOptions)

type openOptions struct {
	redis     *redis.Client
	skipGraph bool
}

// WithRedisClient reuses client instead of dialing queue.redis_addr.
func WithRedisClient(client *redis.Client) Option {
	return func(o *openOptions) { o.redis = client }
}

// WithoutGraph skips opening the graph sink for commands that never link.
func WithoutGraph() Option {
	return func(o *openOptions) { o.skipGraph = true }
}

// Open connects the store, queue and graph sink and wires the services on
// top of them.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Components, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	c := &Components{Config: cfg, Logger: logger}
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	c.Store = st

	if cfg.Queue.Backend == config.QueueRedis {
		c.Redis = o.redis
		if c.Redis == nil {
			c.Redis = queue.NewRedisClient(cfg)
		}
	}
	q, err := queue.Open(cfg, st.DB(), c.Redis)
	if err != nil {
		c.Close(ctx)
		return nil, err
	}
	c.Queue = q

	if !o.skipGraph {
		sink, err := graph.Open(ctx, cfg, st.DB(), logger)
		if err != nil {
			c.Close(ctx)
			return nil, fmt.Errorf("open graph sink: %w", err)
		}
		c.Sink = sink
		c.Linker = resolve.NewLinker(st, sink, logger)
	}

	c.Hub = status.NewHub(cfg.Status.BufferSize)
	var pub status.Publisher = c.Hub
	if c.Redis != nil && cfg.Status.RedisChannel != "" {
		// The relay feeds the hub, including events this process publishes.
		pub = status.NewRedisPublisher(c.Redis, cfg.Status.RedisChannel)
		c.Relay = status.NewRelay(c.Redis, cfg.Status.RedisChannel, c.Hub, logger)
	}
	c.Reporter = status.NewReporter(pub, logger)

	c.Coordinator = completion.New(st, logger)
	c.Dispatcher = dispatch.New(st, q, c.Reporter, logger)
	c.Retry = retry.New(q, st, c.Coordinator, logger, retry.OptionsFromConfig(cfg),
		retry.WithReporter(c.Reporter),
		retry.WithRedispatcher(c.Dispatcher),
	)
	c.Service = api.NewService(st, q, c.Retry, c.Dispatcher, c.Coordinator)
	return c, nil
}

// Registry binds executors from configuration.
func (c *Components) Registry(opts ...executors.BuildOption) (*pipeline.Registry, error) {
	return executors.Build(c.Config, opts...)
}

// Workers builds one runtime per class. An empty list selects every class
// whose stages are all bound; classes missing executors are logged and
// skipped. Explicitly requested classes must be complete.
func (c *Components) Workers(reg *pipeline.Registry, classes ...pipeline.Class) ([]*worker.Runtime, error) {
	explicit := len(classes) > 0
	if !explicit {
		classes = pipeline.AllClasses
	}
	var runtimes []*worker.Runtime
	for _, class := range classes {
		w, err := worker.New(worker.Deps{
			Store:      c.Store,
			Queue:      c.Queue,
			Registry:   reg,
			Failures:   c.Retry,
			Completer:  c.Coordinator,
			Linker:     c.Linker,
			Reporter:   c.Reporter,
			Logger:     c.Logger,
			ResolveRef: c.Config.ResolveEvidencePath,
		}, worker.OptionsFromConfig(c.Config, class))
		if err != nil {
			if explicit {
				return nil, fmt.Errorf("%s worker: %w", class, err)
			}
			logging.WarnWithContext(c.Logger, "worker not started", "worker_skipped",
				logging.String(logging.FieldClass, string(class)),
				logging.String(logging.FieldErrorHint, "configure the executors for this class"),
				logging.Error(err),
			)
			continue
		}
		runtimes = append(runtimes, w)
	}
	return runtimes, nil
}

// Admin builds the admin server from configuration.
func (c *Components) Admin() *admin.Server {
	return admin.New(c.Config.Admin.Bind, c.Config.Admin.Token, c.Service, c.Hub, c.Logger)
}

// Preflight checks the opened components.
func (c *Components) Preflight(ctx context.Context) []preflight.Result {
	targets := preflight.Targets{Store: c.Store.DB(), Queue: c.Queue}
	if p, ok := c.Sink.(preflight.Pinger); ok {
		targets.Graph = p
	}
	if c.Config.LLM.Provider != "" {
		if model, err := executors.NewModel(c.Config.LLM); err == nil {
			targets.Model = model
		}
	}
	return preflight.RunAll(ctx, c.Config, targets)
}

// Close releases connections in reverse order.
func (c *Components) Close(ctx context.Context) {
	if c == nil {
		return
	}
	if c.Sink != nil {
		if err := c.Sink.Close(ctx); err != nil {
			c.Logger.Warn("close graph sink", logging.Error(err))
		}
	}
	if c.Queue != nil {
		if err := c.Queue.Close(); err != nil {
			c.Logger.Debug("close queue", logging.Error(err))
		}
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			c.Logger.Warn("close store", logging.Error(err))
		}
	}
}
