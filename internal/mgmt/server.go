package mgmt

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"
)

// Operation implements one invocable operation of a registered object.
type Operation func(ctx context.Context, args []any) (any, error)

// Object describes a manageable object registered with a Server.
type Object struct {
	Name       ObjectName
	Loader     *Loader
	Operations map[string]Operation
}

// Server is an in-memory Backend: a registry of named objects and their
// operations, safe for concurrent use.
type Server struct {
	mu      sync.RWMutex
	objects map[string]Object
	loader  *Loader
}

var _ Backend = (*Server)(nil)

type ServerOption func(*Server)

// WithDefaultLoader sets the loader returned for objects registered without
// one.
func WithDefaultLoader(l *Loader) ServerOption {
	return func(s *Server) {
		s.loader = l
	}
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		objects: make(map[string]Object),
		loader:  &Loader{Name: "default"},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Register(obj Object) error {
	if obj.Name.IsZero() || obj.Name.IsPattern() {
		return fmt.Errorf("%w: cannot register pattern %q", ErrInvalidArgument, obj.Name.String())
	}
	ops := make(map[string]Operation, len(obj.Operations))
	for name, op := range obj.Operations {
		if name == "" || op == nil {
			return fmt.Errorf("%w: %s: empty operation", ErrInvalidArgument, obj.Name)
		}
		ops[name] = op
	}
	obj.Operations = ops

	s.mu.Lock()
	defer s.mu.Unlock()
	key := obj.Name.String()
	if _, exists := s.objects[key]; exists {
		return NewOperationError(obj.Name, "", ErrInstanceExists)
	}
	s.objects[key] = obj
	return nil
}

func (s *Server) Unregister(name ObjectName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := name.String()
	if _, exists := s.objects[key]; !exists {
		return NewOperationError(name, "", ErrInstanceNotFound)
	}
	delete(s.objects, key)
	return nil
}

func (s *Server) lookup(name ObjectName) (Object, bool) {
	if name.IsZero() || name.IsPattern() {
		return Object{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[name.String()]
	return obj, ok
}

func (s *Server) Invoke(ctx context.Context, name ObjectName, operation string, args []any, signature []string) (any, error) {
	obj, ok := s.lookup(name)
	if !ok {
		return nil, NewOperationError(name, operation, ErrInstanceNotFound)
	}
	op, ok := obj.Operations[operation]
	if !ok {
		return nil, NewOperationError(name, operation, ErrOperationNotFound)
	}
	if len(signature) > 0 && len(signature) != len(args) {
		return nil, NewOperationError(name, operation,
			fmt.Errorf("%w: %d arguments for a signature of %d", ErrInvalidArgument, len(args), len(signature)))
	}
	return op(ctx, args)
}

func (s *Server) LoaderFor(_ context.Context, name ObjectName) (*Loader, error) {
	obj, ok := s.lookup(name)
	if !ok {
		return nil, NewOperationError(name, "", ErrInstanceNotFound)
	}
	if obj.Loader != nil {
		return obj.Loader, nil
	}
	return s.loader, nil
}

// Query returns the registered names selected by pattern, sorted. The zero
// pattern selects everything.
func (s *Server) Query(_ context.Context, pattern ObjectName) ([]ObjectName, error) {
	s.mu.RLock()
	out := make([]ObjectName, 0, len(s.objects))
	for _, obj := range s.objects {
		if pattern.Matches(obj.Name) {
			out = append(out, obj.Name)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *Server) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects), nil
}

// RegisterRuntime adds the process objects every agent exposes:
// runtime:type=Memory, runtime:type=Goroutines and runtime:type=Process.
func RegisterRuntime(s *Server) error {
	started := time.Now()
	objects := []Object{
		{
			Name: MustParseObjectName("runtime:type=Memory"),
			Operations: map[string]Operation{
				"stats": func(context.Context, []any) (any, error) {
					var ms runtime.MemStats
					runtime.ReadMemStats(&ms)
					return map[string]any{
						"alloc":       ms.Alloc,
						"total_alloc": ms.TotalAlloc,
						"sys":         ms.Sys,
						"num_gc":      ms.NumGC,
						"heap_inuse":  ms.HeapInuse,
					}, nil
				},
				"gc": func(context.Context, []any) (any, error) {
					runtime.GC()
					return nil, nil
				},
			},
		},
		{
			Name: MustParseObjectName("runtime:type=Goroutines"),
			Operations: map[string]Operation{
				"count": func(context.Context, []any) (any, error) {
					return runtime.NumGoroutine(), nil
				},
			},
		},
		{
			Name: MustParseObjectName("runtime:type=Process"),
			Operations: map[string]Operation{
				"pid": func(context.Context, []any) (any, error) {
					return os.Getpid(), nil
				},
				"uptime": func(context.Context, []any) (any, error) {
					return time.Since(started).String(), nil
				},
				"version": func(context.Context, []any) (any, error) {
					return runtime.Version(), nil
				},
			},
		},
	}
	for _, obj := range objects {
		if err := s.Register(obj); err != nil {
			return err
		}
	}
	return nil
}
