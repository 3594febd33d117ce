// Package agent starts a management agent: a gRPC listener in front of an
// intercepting gateway, with remote stop, a directory entry and a shutdown
// coordinator.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/mgmtagent/internal/attach"
	"github.com/nuetzliches/mgmtagent/internal/config"
	"github.com/nuetzliches/mgmtagent/internal/directory"
	"github.com/nuetzliches/mgmtagent/internal/intercept"
	"github.com/nuetzliches/mgmtagent/internal/lifecycle"
	"github.com/nuetzliches/mgmtagent/internal/mgmt"
	"github.com/nuetzliches/mgmtagent/internal/stopper"
	"github.com/nuetzliches/mgmtagent/internal/transport"
)

type options struct {
	backend        mgmt.Backend
	logger         *slog.Logger
	registry       *lifecycle.Registry
	directory      directory.Directory
	entryName      string
	tracerProvider trace.TracerProvider
	reflection     bool
	drainTimeout   time.Duration
	rules          []*intercept.Rule
}

type Option func(*options)

// WithBackend serves b instead of a fresh in-memory server with runtime
// objects.
func WithBackend(b mgmt.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRegistry shares the task registry the shutdown coordinator watches.
func WithRegistry(r *lifecycle.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithDirectory publishes into d instead of opening the configured one. The
// agent does not close d.
func WithDirectory(d directory.Directory) Option {
	return func(o *options) {
		o.directory = d
	}
}

// WithEntryName overrides the directory name, which defaults to
// directory.ListenerName of the pid and the bound port.
func WithEntryName(name string) Option {
	return func(o *options) {
		o.entryName = name
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

func WithReflection(enabled bool) Option {
	return func(o *options) {
		o.reflection = enabled
	}
}

func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) {
		o.drainTimeout = d
	}
}

// WithRules installs extra interceptor rules ahead of the stop rule.
func WithRules(rules ...*intercept.Rule) Option {
	return func(o *options) {
		o.rules = append(o.rules, rules...)
	}
}

// Agent is a running management agent.
type Agent struct {
	addr     transport.Address
	gateway  *intercept.Gateway
	listener *transport.Listener
	logger   *slog.Logger

	dir     directory.Directory
	ownsDir bool

	mu          sync.Mutex
	handle      directory.Handle
	released    bool
	releaseOnce sync.Once
	releaseErr  error

	done chan struct{}
}

// Start validates cfg, starts the listener and publishes it. The agent runs
// until it is stopped remotely, Stop is called, or ctx is done and no other
// significant task remains in the registry.
func Start(ctx context.Context, cfg config.Config, opts ...Option) (*Agent, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.registry == nil {
		o.registry = lifecycle.NewRegistry()
	}
	logger := o.logger

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &Agent{logger: logger, done: make(chan struct{})}
	fail := func(err error) (*Agent, error) {
		cancel()
		return nil, err
	}

	material := transport.TLSMaterial{
		KeyStore:           cfg.KeyStore,
		KeyStorePassword:   cfg.KeyStorePassword,
		TrustStore:         cfg.TrustStore,
		TrustStorePassword: cfg.TrustStorePassword,
	}
	var reloader *transport.CertReloader
	if material.Enabled() {
		r, err := transport.NewCertReloader(material.KeyStore, material.KeyStorePassword, logger)
		if err != nil {
			return fail(err)
		}
		reloader = r
	}
	tlsConfig, err := transport.ServerTLS(material, reloader)
	if err != nil {
		return fail(err)
	}

	backend := o.backend
	if backend == nil {
		srv := mgmt.NewServer()
		if err := mgmt.RegisterRuntime(srv); err != nil {
			return fail(err)
		}
		backend = srv
	}
	gwOpts := []intercept.GatewayOption{intercept.WithLogger(logger)}
	if o.tracerProvider != nil {
		gwOpts = append(gwOpts, intercept.WithTracerProvider(o.tracerProvider))
	}
	a.gateway = intercept.NewGateway(backend, gwOpts...)
	for _, r := range o.rules {
		a.gateway.AddRule(r)
	}

	lnOpts := []transport.ListenerOption{
		transport.WithListenerLogger(logger),
		transport.WithTaskRegistry(o.registry),
		transport.WithReflection(o.reflection),
		transport.WithDrainTimeout(o.drainTimeout),
	}
	if tlsConfig != nil {
		lnOpts = append(lnOpts, transport.WithTLSConfig(tlsConfig))
	}
	if cfg.AccessToken != "" {
		lnOpts = append(lnOpts, transport.WithAuthorizer(transport.TokenAuthorizer(cfg.AccessToken)))
	}
	a.listener = transport.NewListener(cfg.Host, cfg.Port, a.gateway, lnOpts...)

	stopRule, err := stopper.NewRule(a.listener, a.release, cfg.Stopper, logger)
	if err != nil {
		return fail(err)
	}
	a.gateway.AddRule(stopRule)

	a.dir = o.directory
	if a.dir == nil {
		d, err := directory.Open(cfg.Directory)
		if err != nil {
			return fail(fmt.Errorf("%w: directory: %w", mgmt.ErrConfiguration, err))
		}
		a.dir, a.ownsDir = d, true
	}

	addr, err := a.listener.Start()
	if err != nil {
		a.closeDirectory()
		return fail(err)
	}
	a.addr = addr

	if err := a.publish(ctx, o.entryName); err != nil {
		_ = a.listener.Stop()
		<-a.listener.Done()
		a.closeDirectory()
		return fail(err)
	}

	if reloader != nil {
		o.registry.Go("tls_reload_watch", lifecycle.Ignorable, func() error {
			reloader.Watch(runCtx)
			return nil
		})
	}

	finishOwner := o.registry.Track("agent_owner", lifecycle.Significant)
	go func() {
		select {
		case <-ctx.Done():
		case <-a.listener.Done():
		}
		finishOwner()
	}()

	coordinator := &lifecycle.Coordinator{Registry: o.registry, Target: a.listener, Logger: logger}
	coordinator.Start()

	o.registry.Go("agent_shutdown", lifecycle.Ignorable, func() error {
		<-a.listener.Done()
		err := a.release(context.Background())
		cancel()
		close(a.done)
		return err
	})

	logger.Info("agent_started",
		slog.String("address", addr.String()),
		slog.Bool("tls", tlsConfig != nil),
	)
	return a, nil
}

// StartInjected merges an attach string ("key=value;key=value") into
// config.System and starts an agent from the result. Sensitive settings
// already present in config.System are kept.
func StartInjected(ctx context.Context, raw string, opts ...Option) (*Agent, error) {
	injected, err := config.ParseInjected(raw)
	if err != nil {
		return nil, err
	}
	config.System.MergeInjected(injected)
	cfg, err := config.FromProperties(config.System)
	if err != nil {
		return nil, err
	}
	return Start(ctx, cfg, opts...)
}

// AttachHandler serves attach requests by starting an agent per request.
func AttachHandler(opts ...Option) attach.Handler {
	return func(ctx context.Context, raw string) (string, error) {
		a, err := StartInjected(ctx, raw, opts...)
		if err != nil {
			return "", err
		}
		return a.Address().String(), nil
	}
}

func (a *Agent) publish(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil
	}
	pid := os.Getpid()
	if name == "" {
		name = directory.ListenerName(pid, a.addr.Port)
	}
	h, err := a.dir.Publish(ctx, directory.Entry{
		Name:    name,
		Address: a.addr.String(),
		PID:     pid,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", a.addr, err)
	}
	a.handle = h
	return nil
}

// release drops the directory entry. Only the first call does anything.
func (a *Agent) release(ctx context.Context) error {
	a.releaseOnce.Do(func() {
		a.mu.Lock()
		a.released = true
		h := a.handle
		a.mu.Unlock()

		if h != "" {
			if err := a.dir.Unpublish(ctx, h); err != nil && !errors.Is(err, directory.ErrNotFound) {
				a.releaseErr = err
				a.logger.Warn("directory_release_failed", slog.Any("err", err))
			}
		}
		a.closeDirectory()
		a.logger.Debug("directory_released", slog.String("address", a.addr.String()))
	})
	return a.releaseErr
}

func (a *Agent) closeDirectory() {
	if a.ownsDir && a.dir != nil {
		if err := a.dir.Close(); err != nil {
			a.logger.Warn("directory_close_failed", slog.Any("err", err))
		}
	}
}

func (a *Agent) Address() transport.Address {
	return a.addr
}

func (a *Agent) Gateway() *intercept.Gateway {
	return a.gateway
}

// Stop stops the listener and releases the directory entry. It is safe to
// call more than once and after a remote stop.
func (a *Agent) Stop() error {
	already := a.listener.Stopped()
	if err := a.listener.Stop(); err != nil {
		return err
	}
	err := a.release(context.Background())
	if !already {
		a.logger.Info("agent_stopped", slog.String("trigger", "local"))
	}
	return err
}

// Done is closed once the listener is down and the directory entry is
// released.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}
