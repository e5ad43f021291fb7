package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"casegraph/internal/config"
	"casegraph/internal/daemonrun"
	"casegraph/internal/logging"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// withComponents opens the store and queue for one operator command. The
// graph sink is opened only when withGraph is set.
func (c *commandContext) withComponents(cmd *cobra.Command, withGraph bool, fn func(context.Context, *daemonrun.Components) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	var opts []daemonrun.Option
	if !withGraph {
		opts = append(opts, daemonrun.WithoutGraph())
	}
	comps, err := daemonrun.Open(ctx, cfg, cliLogger(cfg), opts...)
	if err != nil {
		return err
	}
	defer comps.Close(context.WithoutCancel(ctx))
	return fn(ctx, comps)
}

// cliLogger keeps operator output clean: warnings and errors only, on stderr.
func cliLogger(cfg *config.Config) *slog.Logger {
	logger, err := logging.New(logging.Options{
		Level:       "warn",
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return logging.NewNop()
	}
	return logger
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
