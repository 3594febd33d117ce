package transport

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/reflection"

	"github.com/nuetzliches/mgmtagent/internal/intercept"
	"github.com/nuetzliches/mgmtagent/internal/lifecycle"
	"github.com/nuetzliches/mgmtagent/internal/mgmt"
)

const defaultDrainTimeout = 5 * time.Second

// Listener serves the Management gRPC service for one gateway.
//
// Stop is idempotent and returns at once: the accept loop closes
// immediately and in-flight calls drain in the background, which lets a
// call that triggered Stop still send its answer. Done is closed once the
// transport is fully down.
type Listener struct {
	host         string
	port         int
	gateway      *intercept.Gateway
	tlsConfig    *tls.Config
	authorize    Authorizer
	reflection   bool
	drainTimeout time.Duration
	tasks        *lifecycle.Registry
	logger       *slog.Logger

	mu      sync.Mutex
	srv     *grpc.Server
	addr    Address
	started bool

	stopped  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

type ListenerOption func(*Listener)

func WithTLSConfig(cfg *tls.Config) ListenerOption {
	return func(l *Listener) {
		l.tlsConfig = cfg
	}
}

func WithAuthorizer(a Authorizer) ListenerOption {
	return func(l *Listener) {
		l.authorize = a
	}
}

// WithReflection registers the gRPC reflection service for grpcurl-style
// debugging.
func WithReflection(enabled bool) ListenerOption {
	return func(l *Listener) {
		l.reflection = enabled
	}
}

func WithDrainTimeout(d time.Duration) ListenerOption {
	return func(l *Listener) {
		if d > 0 {
			l.drainTimeout = d
		}
	}
}

// WithTaskRegistry tracks the serve goroutine as Ignorable work.
func WithTaskRegistry(r *lifecycle.Registry) ListenerOption {
	return func(l *Listener) {
		l.tasks = r
	}
}

func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewListener(host string, port int, gateway *intercept.Gateway, opts ...ListenerOption) *Listener {
	l := &Listener{
		host:         host,
		port:         port,
		gateway:      gateway,
		drainTimeout: defaultDrainTimeout,
		logger:       slog.Default(),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start binds host:port and begins serving. Port 0 picks a free port; the
// returned address has the actual one.
func (l *Listener) Start() (Address, error) {
	if l.gateway == nil {
		return Address{}, fmt.Errorf("%w: listener has no gateway", mgmt.ErrConfiguration)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped.Load() {
		return Address{}, ErrListenerStopped
	}
	if l.started {
		return l.addr, nil
	}

	bind := net.JoinHostPort(l.host, strconv.Itoa(l.port))
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return Address{}, fmt.Errorf("listen on %s: %w", bind, err)
	}

	var serverOpts []grpc.ServerOption
	if l.tlsConfig != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(l.tlsConfig)))
	}
	if l.authorize != nil {
		serverOpts = append(serverOpts, grpc.ChainUnaryInterceptor(authUnaryInterceptor(l.authorize)))
	}
	srv := grpc.NewServer(serverOpts...)
	registerManagementServer(srv, &service{gateway: l.gateway})
	if l.reflection {
		reflection.Register(srv)
	}

	host := l.host
	if host == "" {
		host = "localhost"
	}
	l.addr = Address{Host: host, Port: ln.Addr().(*net.TCPAddr).Port}
	l.srv = srv
	l.started = true

	serve := func() error {
		if err := srv.Serve(ln); err != nil {
			l.logger.Error("listener_serve_failed", slog.Any("err", err))
			return err
		}
		return nil
	}
	if l.tasks != nil {
		l.tasks.Go("mgmt_listener", lifecycle.Ignorable, serve)
	} else {
		go func() { _ = serve() }()
	}

	l.logger.Info("listener_started",
		slog.String("address", l.addr.String()),
		slog.Bool("tls", l.tlsConfig != nil),
	)
	return l.addr, nil
}

func (l *Listener) Address() Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// Stop shuts the listener down. Calls after the first are no-ops.
func (l *Listener) Stop() error {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped.Store(true)
		srv := l.srv
		l.mu.Unlock()

		if srv == nil {
			close(l.done)
			return
		}

		drain := func() error {
			defer close(l.done)
			finished := make(chan struct{})
			go func() {
				srv.GracefulStop()
				close(finished)
			}()
			select {
			case <-finished:
			case <-time.After(l.drainTimeout):
				l.logger.Warn("listener_drain_timeout", slog.Duration("timeout", l.drainTimeout))
				srv.Stop()
				<-finished
			}
			l.logger.Info("listener_stopped", slog.String("address", l.addr.String()))
			return nil
		}
		if l.tasks != nil {
			l.tasks.Go("mgmt_listener_drain", lifecycle.Ignorable, drain)
		} else {
			go func() { _ = drain() }()
		}
	})
	return nil
}

func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) Stopped() bool {
	return l.stopped.Load()
}
