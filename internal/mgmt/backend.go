package mgmt

import "context"

// Loader names the decoding context a caller should use for the arguments
// of operations on a given object. A nil *Loader means "no specific loader".
type Loader struct {
	Name string
}

// Backend is the management object graph the agent exposes. The agent only
// forwards, intercepts or blocks calls to it.
type Backend interface {
	Invoke(ctx context.Context, name ObjectName, operation string, args []any, signature []string) (any, error)
	LoaderFor(ctx context.Context, name ObjectName) (*Loader, error)
	Query(ctx context.Context, pattern ObjectName) ([]ObjectName, error)
	Count(ctx context.Context) (int, error)
}
