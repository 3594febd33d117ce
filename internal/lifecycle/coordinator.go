package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Target is the listener a Coordinator stops.
type Target interface {
	Stop() error
	Done() <-chan struct{}
}

// Coordinator stops Target once no significant task is left in Registry.
// It is one-shot: after stopping (or seeing the target stop on its own) it
// exits and is not restarted.
type Coordinator struct {
	Registry *Registry
	Target   Target
	Logger   *slog.Logger

	once sync.Once
	task *Task
}

// Start runs the coordinator in a background task registered as Ignorable.
// Repeated calls return the same task.
func (c *Coordinator) Start() *Task {
	c.once.Do(func() {
		c.task = c.registry().Go("shutdown_coordinator", Ignorable, func() error {
			return c.Run(context.Background())
		})
	})
	return c.task
}

func (c *Coordinator) registry() *Registry {
	if c.Registry == nil {
		c.Registry = NewRegistry()
	}
	return c.Registry
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Run watches the registry until no significant task remains, then stops
// the target once. It returns ctx.Err() when cancelled first and nil
// otherwise; a failed stop is logged, not returned.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.Target == nil {
		return errors.New("lifecycle: coordinator has no target")
	}
	reg := c.registry()
	log := c.logger()

	for {
		select {
		case <-c.Target.Done():
			log.Debug("shutdown_coordinator_exit", slog.String("reason", "target_stopped"))
			return nil
		default:
		}

		live := reg.Significant()
		if len(live) == 0 {
			if err := c.Target.Stop(); err != nil {
				log.Error("listener_stop_failed", slog.Any("err", err))
			} else {
				log.Info("agent_stopped", slog.String("trigger", "no_significant_tasks"))
			}
			return nil
		}

		next := live[0]
		select {
		case <-next.Done():
			logTaskResult(log, next)
		case <-c.Target.Done():
			log.Debug("shutdown_coordinator_exit", slog.String("reason", "target_stopped"))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// logTaskResult reports a finished significant task. A panic is a join
// failure; a returned error is the task's own outcome.
func logTaskResult(log *slog.Logger, t *Task) {
	err := t.Wait()
	if err == nil {
		return
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		log.Error("task_wait_failed",
			slog.String("task", t.Name()),
			slog.Any("panic", pe.Value),
			slog.String("stack", string(pe.Stack)),
		)
		return
	}
	log.Warn("task_failed",
		slog.String("task", t.Name()),
		slog.Any("err", err),
	)
}
