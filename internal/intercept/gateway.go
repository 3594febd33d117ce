package intercept

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/mgmtagent/internal/mgmt"
)

const tracerName = "github.com/nuetzliches/mgmtagent/internal/intercept"

// CallKind is the closed set of calls a Gateway dispatches. The transport
// decides the kind when it decodes a request.
type CallKind int

const (
	CallInvoke CallKind = iota + 1
	CallLoaderFor
	CallSetBackend
	CallGetBackend
)

func (k CallKind) String() string {
	switch k {
	case CallInvoke:
		return "invoke"
	case CallLoaderFor:
		return "loader_for"
	case CallSetBackend:
		return "set_backend"
	case CallGetBackend:
		return "get_backend"
	default:
		return fmt.Sprintf("call_kind(%d)", int(k))
	}
}

// Call is one decoded request for Gateway.Dispatch. Fields not used by Kind
// are ignored.
type Call struct {
	Kind      CallKind
	Name      mgmt.ObjectName
	Operation string
	Args      []any
	Signature []string
	Backend   mgmt.Backend
}

type backendRef struct {
	backend mgmt.Backend
}

// Gateway stands in front of a management backend. Invoke calls are matched
// against the rule chain; unmatched calls reach the backend unchanged.
// Errors from rules and from the backend are returned as produced.
type Gateway struct {
	backend atomic.Pointer[backendRef]
	chain   *Chain
	tracer  trace.Tracer
	logger  *slog.Logger
}

var _ mgmt.Backend = (*Gateway)(nil)

type GatewayOption func(*Gateway)

func WithChain(c *Chain) GatewayOption {
	return func(g *Gateway) {
		if c != nil {
			g.chain = c
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) GatewayOption {
	return func(g *Gateway) {
		if tp != nil {
			g.tracer = tp.Tracer(tracerName)
		}
	}
}

func WithLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGateway wraps backend, which may be nil until SetBackend is called.
func NewGateway(backend mgmt.Backend, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		chain:  NewChain(),
		tracer: otel.Tracer(tracerName),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.SetBackend(backend)
	return g
}

func (g *Gateway) Chain() *Chain {
	return g.chain
}

func (g *Gateway) AddRule(r *Rule) {
	g.chain.Add(r)
}

func (g *Gateway) RemoveRule(r *Rule) bool {
	return g.chain.Remove(r)
}

// SetBackend rebinds the gateway. Calls already dispatched keep the backend
// they started with.
func (g *Gateway) SetBackend(b mgmt.Backend) {
	g.backend.Store(&backendRef{backend: b})
}

func (g *Gateway) Backend() mgmt.Backend {
	ref := g.backend.Load()
	if ref == nil {
		return nil
	}
	return ref.backend
}

// Dispatch routes a decoded call by kind.
func (g *Gateway) Dispatch(ctx context.Context, call Call) (any, error) {
	switch call.Kind {
	case CallInvoke:
		return g.Invoke(ctx, call.Name, call.Operation, call.Args, call.Signature)
	case CallLoaderFor:
		return g.LoaderFor(ctx, call.Name)
	case CallSetBackend:
		g.SetBackend(call.Backend)
		return nil, nil
	case CallGetBackend:
		return g.Backend(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported call %s", mgmt.ErrInvalidArgument, call.Kind)
	}
}

func (g *Gateway) Invoke(ctx context.Context, name mgmt.ObjectName, operation string, args []any, signature []string) (any, error) {
	backend := g.Backend()
	rule := g.chain.FirstMatching(name, operation)

	ctx, span := g.tracer.Start(ctx, "mgmt.invoke", trace.WithAttributes(
		attribute.String("mgmt.object", name.String()),
		attribute.String("mgmt.operation", operation),
		attribute.Bool("mgmt.intercepted", rule != nil),
	))
	defer span.End()

	var (
		result any
		err    error
	)
	switch {
	case rule != nil:
		g.logger.Debug("call_intercepted",
			slog.String("rule", rule.Name()),
			slog.String("object", name.String()),
			slog.String("operation", operation),
		)
		result, err = rule.Intercept(ctx, backend, name, operation, args, signature)
	case backend == nil:
		err = mgmt.NewOperationError(name, operation, mgmt.ErrBackendUnavailable)
	default:
		result, err = backend.Invoke(ctx, name, operation, args, signature)
	}
	recordError(span, err)
	return result, err
}

func (g *Gateway) LoaderFor(ctx context.Context, name mgmt.ObjectName) (*mgmt.Loader, error) {
	backend := g.Backend()
	rule := g.chain.FirstTargetMatch(name)

	ctx, span := g.tracer.Start(ctx, "mgmt.loader_for", trace.WithAttributes(
		attribute.String("mgmt.object", name.String()),
		attribute.Bool("mgmt.intercepted", rule != nil),
	))
	defer span.End()

	var (
		loader *mgmt.Loader
		err    error
	)
	switch {
	case rule != nil:
		loader, err = rule.LoaderFor(ctx, backend, name)
	case backend == nil:
		err = mgmt.NewOperationError(name, "", mgmt.ErrBackendUnavailable)
	default:
		loader, err = backend.LoaderFor(ctx, name)
	}
	recordError(span, err)
	return loader, err
}

// Query is never intercepted, so reserved names held only by rules stay
// invisible to enumeration.
func (g *Gateway) Query(ctx context.Context, pattern mgmt.ObjectName) ([]mgmt.ObjectName, error) {
	backend := g.Backend()
	if backend == nil {
		return nil, mgmt.ErrBackendUnavailable
	}
	return backend.Query(ctx, pattern)
}

func (g *Gateway) Count(ctx context.Context) (int, error) {
	backend := g.Backend()
	if backend == nil {
		return 0, mgmt.ErrBackendUnavailable
	}
	return backend.Count(ctx)
}

func recordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
