package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/teilomillet/gollm"
	"go.uber.org/zap"

	"github.com/martinemde/reactor/agentloop"
	"github.com/martinemde/reactor/config"
	"github.com/martinemde/reactor/mcp"
	"github.com/martinemde/reactor/session"
	"github.com/martinemde/reactor/unifiedllm"
)

const redisPingTimeout = 5 * time.Second

// runtime holds everything a command may need to close on exit.
type runtime struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *agentloop.Registry
	discovery *mcp.Discovery
	store     session.Store
	agent     *agentloop.Agent

	closers []func() error
}

func (r *runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.logger.Sync()
	return errors.Join(errs...)
}

func newRuntime(cfg *config.Config, logger *zap.Logger) *runtime {
	return &runtime{cfg: cfg, logger: logger}
}

// openStore connects the configured session backend.
func (r *runtime) openStore(ctx context.Context) error {
	switch r.cfg.Session.Backend {
	case "redis":
		rc := r.cfg.Session.Redis
		rdb := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		r.closers = append(r.closers, rdb.Close)

		pctx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := rdb.Ping(pctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", rc.Addr, err)
		}
		r.store = session.NewRedisStore(rdb, session.WithKeyPrefix(rc.Prefix), session.WithTTL(rc.TTL))
	default:
		r.store = session.NewMemoryStore()
	}
	r.logger.Debug("session store ready", zap.String("backend", r.cfg.Session.Backend))
	return nil
}

// discover builds the registry from the configured external servers.
// Unreachable servers are skipped; an invalid allow-list is fatal.
func (r *runtime) discover(ctx context.Context) error {
	r.registry = agentloop.NewRegistry(
		agentloop.WithToolTimeout(r.cfg.Loop.ToolTimeout),
		agentloop.WithRegistryLogger(r.logger.Named("registry")),
	)

	d, err := mcp.DiscoverAll(ctx, r.cfg.ServerSpecs(), r.cfg.MCP.AllowList, r.logger.Named("mcp"),
		mcp.WithTimeout(r.cfg.MCP.Timeout),
		mcp.WithRetryPolicy(r.cfg.RetryPolicy()),
	)
	if err != nil {
		return err
	}
	r.discovery = d
	r.closers = append(r.closers, d.Close)

	if err := r.registry.RegisterAll(d.Capabilities...); err != nil {
		return fmt.Errorf("register external capabilities: %w", err)
	}
	return nil
}

// newClient builds the model client for the configured provider.
func (r *runtime) newClient() (*unifiedllm.Client, error) {
	m := r.cfg.Model
	opts := []unifiedllm.GollmAdapterOption{
		unifiedllm.WithModel(m.Name),
		unifiedllm.WithTemperature(m.Temperature),
	}
	if m.APIKey != "" {
		opts = append(opts, unifiedllm.WithAPIKey(m.APIKey))
	}
	if m.MaxTokens > 0 {
		opts = append(opts, unifiedllm.WithMaxTokens(m.MaxTokens))
	}
	if m.Timeout > 0 {
		opts = append(opts, unifiedllm.WithGollmOptions(gollm.SetTimeout(m.Timeout)))
	}
	adapter, err := unifiedllm.NewGollmAdapter(m.Provider, opts...)
	if err != nil {
		return nil, err
	}
	client := unifiedllm.NewClient(
		unifiedllm.WithProvider(m.Provider, adapter),
		unifiedllm.WithDefaultProvider(m.Provider),
		unifiedllm.WithLogger(r.logger.Named("llm")),
	)
	r.closers = append(r.closers, client.Close)
	return client, nil
}

// start wires the full agent: store, external capabilities and model.
func (r *runtime) start(ctx context.Context) error {
	if err := r.openStore(ctx); err != nil {
		return err
	}
	if err := r.discover(ctx); err != nil {
		return err
	}
	client, err := r.newClient()
	if err != nil {
		return err
	}
	r.agent, err = agentloop.New(client, r.registry, r.cfg.AgentConfig(),
		agentloop.WithLogger(r.logger.Named("agent")),
		agentloop.WithSessionStore(r.store),
	)
	return err
}
