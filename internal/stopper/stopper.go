// Package stopper implements remote shutdown of a management listener over
// the ordinary management channel.
//
// The listener side installs a rule that claims a reserved object name
// derived from a shared secret. Invoking "stop" on that name stops the
// listener. The name is never registered with the backend, so callers that
// do not know the secret get the backend's ordinary instance-not-found
// answer and enumeration never reveals it.
package stopper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nuetzliches/mgmtagent/internal/intercept"
	"github.com/nuetzliches/mgmtagent/internal/mgmt"
)

const (
	Domain        = "mgmtagent.internal"
	DefaultSecret = "Stopper"
	Operation     = "stop"
)

var (
	ErrInvalidSecret = fmt.Errorf("%w: invalid stop secret", mgmt.ErrConfiguration)
	ErrCannotStop    = errors.New("cannot stop management server")
)

// Stoppable is the listener a stop rule shuts down.
type Stoppable interface {
	Stop() error
}

// Releaser drops the listener's directory entry. It runs after Stop.
type Releaser func(ctx context.Context) error

// Invoker is the client-side call surface StopServer needs.
type Invoker interface {
	Invoke(ctx context.Context, name mgmt.ObjectName, operation string, args []any, signature []string) (any, error)
}

// ReservedName returns the object name claimed for secret. An empty secret
// uses DefaultSecret.
func ReservedName(secret string) (mgmt.ObjectName, error) {
	if secret == "" {
		secret = DefaultSecret
	}
	if strings.ContainsAny(secret, ":,=*?\"\n") || strings.TrimSpace(secret) != secret {
		return mgmt.ObjectName{}, fmt.Errorf("%w: %q", ErrInvalidSecret, secret)
	}
	name, err := mgmt.ParseObjectName(Domain + ":type=ConnectorStopper,name=" + secret)
	if err != nil {
		return mgmt.ObjectName{}, fmt.Errorf("%w: %w", ErrInvalidSecret, err)
	}
	return name, nil
}

// NewRule builds the stop rule for listener. Stop and release failures are
// logged and not reported to the caller.
func NewRule(listener Stoppable, release Releaser, secret string, logger *slog.Logger) (*intercept.Rule, error) {
	if listener == nil {
		return nil, fmt.Errorf("%w: stop rule requires a listener", mgmt.ErrConfiguration)
	}
	name, err := ReservedName(secret)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	handler := func(ctx context.Context, _ mgmt.Backend, _ mgmt.ObjectName, _ string, _ []any, _ []string) (any, error) {
		if err := listener.Stop(); err != nil {
			logger.Error("listener_stop_failed", slog.Any("err", err))
		}
		if release != nil {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("directory_release_failed", slog.Any("err", err))
			}
		}
		logger.Info("agent_stopped", slog.String("trigger", "remote"))
		return nil, nil
	}
	loader := func(context.Context, mgmt.Backend, mgmt.ObjectName) (*mgmt.Loader, error) {
		return nil, nil
	}

	return intercept.NewRule(&name, Operation,
		intercept.WithName("connector_stopper"),
		intercept.WithIntercept(handler),
		intercept.WithLoader(loader),
	), nil
}

// StopServer asks the agent behind invoker to stop. Failures wrap both
// ErrCannotStop and the underlying cause.
func StopServer(ctx context.Context, invoker Invoker, secret string) error {
	name, err := ReservedName(secret)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCannotStop, err)
	}
	if _, err := invoker.Invoke(ctx, name, Operation, nil, nil); err != nil {
		return fmt.Errorf("%w: %w", ErrCannotStop, err)
	}
	return nil
}
