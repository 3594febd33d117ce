package intercept

import (
	"context"
	"strings"

	"github.com/nuetzliches/mgmtagent/internal/mgmt"
)

// InterceptFunc replaces the backend call for a matched Invoke. It receives
// the backend the gateway read at dispatch time.
type InterceptFunc func(ctx context.Context, backend mgmt.Backend, name mgmt.ObjectName, operation string, args []any, signature []string) (any, error)

// LoaderFunc answers LoaderFor for names selected by the rule pattern.
type LoaderFunc func(ctx context.Context, backend mgmt.Backend, name mgmt.ObjectName) (*mgmt.Loader, error)

// Rule selects calls by object-name pattern and operation name and decides
// what happens to them. Rules are immutable and compared by identity.
type Rule struct {
	name      string
	pattern   *mgmt.ObjectName
	operation string
	intercept InterceptFunc
	loader    LoaderFunc
}

type RuleOption func(*Rule)

// WithIntercept sets the Invoke behaviour. Without it the rule passes calls
// through to the backend unchanged.
func WithIntercept(fn InterceptFunc) RuleOption {
	return func(r *Rule) {
		r.intercept = fn
	}
}

// WithLoader sets the LoaderFor behaviour. Without it the backend answers.
func WithLoader(fn LoaderFunc) RuleOption {
	return func(r *Rule) {
		r.loader = fn
	}
}

// WithName labels the rule in logs and traces.
func WithName(name string) RuleOption {
	return func(r *Rule) {
		r.name = strings.TrimSpace(name)
	}
}

// NewRule builds a rule. A nil pattern matches every object and an empty
// operation matches every operation.
func NewRule(pattern *mgmt.ObjectName, operation string, opts ...RuleOption) *Rule {
	r := &Rule{operation: operation}
	if pattern != nil && !pattern.IsZero() {
		p := *pattern
		r.pattern = &p
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ParseRule is NewRule with a textual pattern; "" selects every object.
func ParseRule(pattern, operation string, opts ...RuleOption) (*Rule, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return NewRule(nil, operation, opts...), nil
	}
	p, err := mgmt.ParseObjectName(pattern)
	if err != nil {
		return nil, err
	}
	return NewRule(&p, operation, opts...), nil
}

func (r *Rule) Name() string {
	if r.name != "" {
		return r.name
	}
	op := r.operation
	if op == "" {
		op = "*"
	}
	return r.patternString() + "#" + op
}

func (r *Rule) patternString() string {
	if r.pattern == nil {
		return "*:*"
	}
	return r.pattern.String()
}

// Pattern returns the object-name pattern and false when the rule selects
// every object.
func (r *Rule) Pattern() (mgmt.ObjectName, bool) {
	if r.pattern == nil {
		return mgmt.ObjectName{}, false
	}
	return *r.pattern, true
}

func (r *Rule) Operation() string {
	return r.operation
}

func (r *Rule) MatchesName(name mgmt.ObjectName) bool {
	if r.pattern == nil {
		return true
	}
	return r.pattern.Matches(name)
}

func (r *Rule) MatchesOperation(operation string) bool {
	if r.operation == "" {
		return true
	}
	return r.operation == operation
}

func (r *Rule) Matches(name mgmt.ObjectName, operation string) bool {
	return r.MatchesName(name) && r.MatchesOperation(operation)
}

// Intercept runs the rule's Invoke behaviour.
func (r *Rule) Intercept(ctx context.Context, backend mgmt.Backend, name mgmt.ObjectName, operation string, args []any, signature []string) (any, error) {
	if r.intercept != nil {
		return r.intercept(ctx, backend, name, operation, args, signature)
	}
	if backend == nil {
		return nil, mgmt.NewOperationError(name, operation, mgmt.ErrBackendUnavailable)
	}
	return backend.Invoke(ctx, name, operation, args, signature)
}

// LoaderFor runs the rule's LoaderFor behaviour.
func (r *Rule) LoaderFor(ctx context.Context, backend mgmt.Backend, name mgmt.ObjectName) (*mgmt.Loader, error) {
	if r.loader != nil {
		return r.loader(ctx, backend, name)
	}
	if backend == nil {
		return nil, mgmt.NewOperationError(name, "", mgmt.ErrBackendUnavailable)
	}
	return backend.LoaderFor(ctx, name)
}

// Substitute answers every matched call with v without touching the backend.
func Substitute(v any) InterceptFunc {
	return func(context.Context, mgmt.Backend, mgmt.ObjectName, string, []any, []string) (any, error) {
		return v, nil
	}
}

// Deny fails every matched call with err.
func Deny(err error) InterceptFunc {
	return func(_ context.Context, _ mgmt.Backend, name mgmt.ObjectName, operation string, _ []any, _ []string) (any, error) {
		return nil, mgmt.NewOperationError(name, operation, err)
	}
}
