package main

import (
	"context"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/agentqueue/config"
	"github.com/vinayprograms/agentqueue/errors"
	"github.com/vinayprograms/agentqueue/lease"
	"github.com/vinayprograms/agentqueue/logging"
	"github.com/vinayprograms/agentqueue/metrics"
	"github.com/vinayprograms/agentqueue/producer"
	"github.com/vinayprograms/agentqueue/reliability"
	"github.com/vinayprograms/agentqueue/shutdown"
	"github.com/vinayprograms/agentqueue/streams"
	"github.com/vinayprograms/agentqueue/telemetry"
)

// env is what every command needs: configuration, a logger and the log.
type env struct {
	cfg    *config.Config
	logger *logging.Logger
	log    *streams.RedisLog
}

// setup loads configuration and credentials and connects to Redis.
func setup(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, used, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	creds, credPath, err := config.LoadCredentials()
	if err != nil {
		return nil, err
	}
	if creds != nil {
		cfg.ApplyCredentials(creds)
	}

	level, _ := logging.ParseLevel(cfg.Log.Level)
	logger := logging.New()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetLevel(level)
	logger.Debug("configuration loaded", logging.Fields{"config": used, "credentials": credPath})

	log, err := streams.Dial(cfg.RedisURL())
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, log: log}, nil
}

func (e *env) Close() error {
	return e.log.Close()
}

func (e *env) producer(opts ...producer.Option) *producer.Producer {
	opts = append([]producer.Option{
		producer.WithTopology(e.cfg.Streams),
		producer.WithLogger(e.logger.WithComponent("producer")),
	}, opts...)
	return producer.New(e.log, opts...)
}

func (e *env) manager(opts ...reliability.Option) *reliability.Manager {
	rc := e.cfg.Reliability
	opts = append([]reliability.Option{
		reliability.WithTopology(e.cfg.Streams),
		reliability.WithIdentity(rc.Identity),
		reliability.WithBatchSize(rc.BatchSize),
		reliability.WithLogger(e.logger.WithComponent("reliability")),
	}, opts...)
	return reliability.New(e.log, opts...)
}

// leaseStore opens the configured heartbeat store. The returned func
// releases whatever the store holds.
func (e *env) leaseStore(name string) (lease.Store, func(), error) {
	switch e.cfg.Lease.Backend {
	case config.LeaseMemory:
		s := lease.NewMemoryStore(0)
		return s, func() { s.Close() }, nil
	case config.LeaseNATS:
		opts := []nats.Option{nats.Name("agentqueue-" + name)}
		if tok := e.cfg.NATSToken(); tok != "" {
			opts = append(opts, nats.Token(tok))
		}
		conn, err := nats.Connect(e.cfg.Lease.NATSURL, opts...)
		if err != nil {
			return nil, nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "connect to nats")
		}
		s, err := lease.NewNATSStore(lease.NATSStoreConfig{
			Conn:   conn,
			Bucket: e.cfg.Lease.Bucket,
			MaxTTL: e.cfg.Lease.MaxTTL,
		})
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return s, func() { s.Close(); conn.Close() }, nil
	default:
		s := lease.DefaultStore(e.log)
		return s, func() { s.Close() }, nil
	}
}

// observability starts the metrics endpoint and trace export when
// configured and registers their teardown with coord.
func (e *env) observability(ctx context.Context, coord *shutdown.Coordinator, name string) (*metrics.Metrics, *telemetry.Tracer, error) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	if addr := e.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				e.logger.Error("metrics server failed", logging.Fields{"addr": addr, "error": err.Error()})
			}
		}()
		e.logger.Info("serving metrics", logging.Fields{"addr": addr})
		coord.RegisterFuncWithPhase("metrics-server", srv.Shutdown, shutdown.PhaseConnections)
	}

	tracer := telemetry.GetTracer()
	if tc := e.cfg.Telemetry; tc.Enabled {
		p, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName: tc.ServiceName,
			Worker:      name,
			Endpoint:    tc.Endpoint,
			Protocol:    tc.Protocol,
			Insecure:    tc.Insecure,
			Debug:       tc.Debug,
			SampleRatio: tc.SampleRatio,
		})
		if err != nil {
			return nil, nil, err
		}
		tracer = p.Tracer()
		coord.RegisterFuncWithPhase("tracer-flush", p.Shutdown, shutdown.PhaseFlush)
	}
	return m, tracer, nil
}

// newCoordinator builds the shutdown coordinator for long-running commands.
func (e *env) newCoordinator() *shutdown.Coordinator {
	cfg := shutdown.DefaultConfig()
	cfg.Logger = e.logger.WithComponent("shutdown")
	coord := shutdown.NewCoordinator(cfg)
	coord.RegisterFuncWithPhase("redis", func(context.Context) error { return e.Close() }, shutdown.PhaseConnections)
	return coord
}

// finish runs the shutdown if no signal started it and waits for it.
func finish(coord *shutdown.Coordinator) error {
	err := coord.ShutdownWithTimeout(0)
	if err == shutdown.ErrAlreadyShutdown {
		<-coord.Done()
		err = coord.Err()
	}
	return err
}
