// ABOUTME: Assembles a Gateway from configuration: frontends, backend, named plugins and chains
// ABOUTME: Dials backend clients and stores, wiring shared metrics and scoped loggers into each

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/2389/relaygate/internal/auth"
	"github.com/2389/relaygate/internal/backend"
	"github.com/2389/relaygate/internal/backend/grpcbackend"
	"github.com/2389/relaygate/internal/backend/httpbackend"
	"github.com/2389/relaygate/internal/backend/kafkabackend"
	"github.com/2389/relaygate/internal/backend/natsbackend"
	"github.com/2389/relaygate/internal/cache"
	"github.com/2389/relaygate/internal/config"
	"github.com/2389/relaygate/internal/frontend/httpfrontend"
	"github.com/2389/relaygate/internal/frontend/wsfrontend"
	"github.com/2389/relaygate/internal/guard"
	"github.com/2389/relaygate/internal/latency"
	"github.com/2389/relaygate/internal/metrics"
	"github.com/2389/relaygate/internal/plugin"
	"github.com/2389/relaygate/internal/ratelimit"
	"github.com/2389/relaygate/internal/routing"
)

// FromConfig builds a gateway from a validated configuration. Backend and
// store clients are dialed here; anything opened before an error is closed.
func FromConfig(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	instanceID := cfg.Server.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}
	logger = logger.With("instance_id", instanceID)

	opts := Options{
		AdminAddr:       cfg.Server.AdminAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MetricsPath:     cfg.Metrics.Path,
		Logger:          logger,
	}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts.Metrics = metrics.New(reg)
		opts.Gatherer = reg
	}

	gw := New(opts)
	b := &builder{
		cfg:        cfg,
		instanceID: instanceID,
		metrics:    opts.Metrics,
		logger:     logger,
	}

	if err := b.assemble(gw); err != nil {
		return nil, errors.Join(err, b.closeAll())
	}
	for _, c := range b.opened {
		gw.addCloser(c)
	}
	return gw, nil
}

// builder tracks what has been opened so a failed assembly can undo it.
type builder struct {
	cfg        *config.Config
	instanceID string
	metrics    *metrics.Collector
	logger     *slog.Logger
	opened     []io.Closer
}

func (b *builder) closeAll() error {
	var errs []error
	for _, c := range slices.Backward(b.opened) {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *builder) track(v any) {
	if c, ok := v.(io.Closer); ok {
		b.opened = append(b.opened, c)
	}
}

func (b *builder) assemble(gw *Gateway) error {
	fcfg := b.cfg.Frontends
	if fcfg.HTTP.Enabled {
		f := httpfrontend.New(httpfrontend.Config{
			Addr:              fcfg.HTTP.Addr,
			AllowForwardedFor: fcfg.HTTP.AllowForwardedFor,
			ResponseTimeout:   fcfg.HTTP.ResponseTimeout,
		}, httpfrontend.WithLogger(b.logger))
		if err := gw.AddFrontend(f); err != nil {
			return err
		}
	}
	if fcfg.WebSocket.Enabled {
		f := wsfrontend.New(wsfrontend.Config{
			Addr:              fcfg.WebSocket.Addr,
			Path:              fcfg.WebSocket.Path,
			AllowForwardedFor: fcfg.WebSocket.AllowForwardedFor,
			ReadLimit:         fcfg.WebSocket.ReadLimit,
			WriteTimeout:      fcfg.WebSocket.WriteTimeout,
		}, wsfrontend.WithLogger(b.logger))
		if err := gw.AddFrontend(f); err != nil {
			return err
		}
	}

	be, err := b.buildBackend()
	if err != nil {
		return fmt.Errorf("building %s backend: %w", b.cfg.Backend.Type, err)
	}
	if err := gw.SetBackend(be); err != nil {
		return err
	}

	plugins := make(map[string]any, len(b.cfg.Plugins))
	for _, pc := range b.cfg.Plugins {
		p, err := b.buildPlugin(pc)
		if err != nil {
			return fmt.Errorf("building plugin %q: %w", pc.Name, err)
		}
		plugins[pc.Name] = p
	}

	used := make(map[string]bool, len(plugins))
	chains := []struct {
		class plugin.EventClass
		names []string
	}{
		{plugin.Connection, b.cfg.Pipeline.Connection},
		{plugin.Request, b.cfg.Pipeline.Request},
		{plugin.Response, b.cfg.Pipeline.Response},
	}
	for _, chain := range chains {
		for _, name := range chain.names {
			p, ok := plugins[name]
			if !ok {
				return fmt.Errorf("pipeline.%s references unknown plugin %q", chain.class, name)
			}
			if err := gw.AddPlugin(p, chain.class); err != nil {
				return fmt.Errorf("registering plugin %q: %w", name, err)
			}
			used[name] = true
		}
	}
	for _, pc := range b.cfg.Plugins {
		if !used[pc.Name] {
			b.logger.Warn("plugin configured but not in any pipeline", "plugin", pc.Name)
		}
	}
	return nil
}

func (b *builder) buildBackend() (backend.Backend, error) {
	bcfg := b.cfg.Backend
	switch bcfg.Type {
	case config.BackendHTTP:
		return httpbackend.New(bcfg.HTTP.URL,
			httpbackend.WithHTTPClient(&http.Client{Timeout: bcfg.HTTP.Timeout}),
			httpbackend.WithMetrics(b.metrics),
			httpbackend.WithLogger(b.logger),
		), nil

	case config.BackendNATS:
		nc, err := natsbackend.Dial(bcfg.NATS.URL, "relaygate-"+b.instanceID)
		if err != nil {
			return nil, err
		}
		be := natsbackend.New(nc, natsbackend.Config{
			RequestSubject: bcfg.NATS.RequestSubject,
			ReplyPrefix:    bcfg.NATS.ReplyPrefix,
			InstanceID:     b.instanceID,
		}, natsbackend.WithMetrics(b.metrics), natsbackend.WithLogger(b.logger))
		b.track(be)
		return be, nil

	case config.BackendKafka:
		producer, consumer, err := kafkabackend.Dial(bcfg.Kafka.Brokers, kafkabackend.NewSaramaConfig(bcfg.Kafka.ClientID))
		if err != nil {
			return nil, err
		}
		be := kafkabackend.New(producer, consumer, kafkabackend.Config{
			RequestTopic: bcfg.Kafka.RequestTopic,
			ReplyTopic:   bcfg.Kafka.ReplyTopic,
			InstanceID:   b.instanceID,
		}, kafkabackend.WithMetrics(b.metrics), kafkabackend.WithLogger(b.logger))
		b.track(be)
		return be, nil

	case config.BackendGRPC:
		conn, err := grpcbackend.Dial(bcfg.GRPC.Target)
		if err != nil {
			return nil, err
		}
		opts := []grpcbackend.Option{
			grpcbackend.WithTimeout(bcfg.GRPC.Timeout),
			grpcbackend.WithMetrics(b.metrics),
			grpcbackend.WithLogger(b.logger),
		}
		if bcfg.GRPC.Method != "" {
			opts = append(opts, grpcbackend.WithMethod(bcfg.GRPC.Method))
		}
		be := grpcbackend.New(conn, opts...)
		b.track(be)
		return be, nil

	default:
		return nil, fmt.Errorf("unknown backend type %q", bcfg.Type)
	}
}

func (b *builder) buildPlugin(pc config.PluginConfig) (any, error) {
	logger := b.logger.With("plugin", pc.Name)

	switch pc.Type {
	case config.PluginAuth:
		return b.buildAuthenticator(pc.Auth, logger)

	case config.PluginRateLimit:
		rl := pc.RateLimit
		opts := []ratelimit.Option{
			ratelimit.WithMetrics(b.metrics),
			ratelimit.WithLogger(logger),
		}
		if rl.Key == "user" {
			opts = append(opts, ratelimit.WithKey(ratelimit.ByUser))
		}
		if rl.ExemptField != "" && len(rl.ExemptValues) > 0 {
			field, exempt := rl.ExemptField, rl.ExemptValues
			opts = append(opts, ratelimit.WithPredicate(func(r *routing.Request) bool {
				return !slices.Contains(exempt, r.Payload.String(field))
			}))
		}
		return ratelimit.New(rl.Requests, rl.Interval, opts...), nil

	case config.PluginCache:
		cc := pc.Cache
		var store cache.Store
		switch cc.Store {
		case "redis":
			client, err := cache.NewRedisClient(context.Background(), cc.Redis.Addr, cc.Redis.Password, cc.Redis.DB, cc.Redis.PoolSize)
			if err != nil {
				return nil, err
			}
			b.track(client)
			store = cache.NewRedisStore(client, cc.Redis.Prefix, cc.TTL)
		default:
			mem := cache.NewMemoryStore(cc.MaxEntries, cc.TTL)
			b.track(mem)
			store = mem
		}
		p := cache.New(store, cache.FieldKey(cc.KeyField),
			cache.WithPendingTTL(cc.PendingTTL),
			cache.WithMetrics(b.metrics),
			cache.WithLogger(logger),
		)
		b.track(p)
		return p, nil

	case config.PluginLatency:
		lc := pc.Latency
		t := latency.New(lc.MaxInflight, lc.MaxAge,
			latency.WithMethod(latency.FieldMethod(lc.MethodField)),
			latency.WithMetrics(b.metrics),
			latency.WithLogger(logger),
		)
		b.track(t)
		return t, nil

	case config.PluginGuard:
		return guard.New(pc.Guard.Field, pc.Guard.Value, pc.Guard.Message), nil

	default:
		return nil, fmt.Errorf("unknown plugin type %q", pc.Type)
	}
}

func (b *builder) buildAuthenticator(ac config.AuthPluginConfig, logger *slog.Logger) (*auth.Authenticator, error) {
	var verifier auth.TokenVerifier
	switch ac.Verifier {
	case "jwt":
		verifier = auth.NewJWTVerifier([]byte(ac.Secret))
	default:
		verifier = auth.NewSignedTokenVerifier([]byte(ac.Secret))
	}

	var source auth.TokenSource
	switch ac.Source {
	case "header":
		source = auth.FromHeader(ac.Param)
	case "cookie":
		source = auth.FromCookie(ac.Param)
	default:
		source = auth.FromQuery(ac.Param)
	}

	return auth.NewAuthenticator(verifier,
		auth.WithSource(source),
		auth.WithStrict(ac.Strict),
		auth.WithLogger(logger),
	), nil
}
