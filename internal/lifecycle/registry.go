// Package lifecycle tracks the goroutines a process cares about and stops
// the management listener once all significant work has finished.
package lifecycle

import (
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
)

// Kind tells the coordinator whether a task keeps the process alive.
type Kind int

const (
	// Significant tasks are application work; the listener stays up while
	// any of them runs.
	Significant Kind = iota
	// Ignorable tasks exist only to serve the management endpoint.
	Ignorable
)

func (k Kind) String() string {
	switch k {
	case Significant:
		return "significant"
	case Ignorable:
		return "ignorable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// PanicError is the Wait result of a task that panicked.
type PanicError struct {
	Task  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.Task, e.Value)
}

// Task is one tracked unit of work.
type Task struct {
	id   uint64
	name string
	kind Kind
	done chan struct{}
	err  error
}

func (t *Task) Name() string { return t.name }
func (t *Task) Kind() Kind   { return t.kind }

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes and returns its error, or a
// *PanicError if it panicked.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// Registry is the set of live tasks. The zero value is ready to use.
type Registry struct {
	mu    sync.Mutex
	seq   uint64
	tasks map[uint64]*Task
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) add(name string, kind Kind) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tasks == nil {
		r.tasks = make(map[uint64]*Task)
	}
	r.seq++
	t := &Task{id: r.seq, name: name, kind: kind, done: make(chan struct{})}
	r.tasks[t.id] = t
	return t
}

func (r *Registry) finish(t *Task, err error) {
	r.mu.Lock()
	delete(r.tasks, t.id)
	r.mu.Unlock()
	t.err = err
	close(t.done)
}

// Go runs fn in a new goroutine tracked as name. A panic in fn is recovered
// and reported through Task.Wait.
func (r *Registry) Go(name string, kind Kind, fn func() error) *Task {
	t := r.add(name, kind)
	go func() {
		var err error
		defer func() {
			if v := recover(); v != nil {
				err = &PanicError{Task: name, Value: v, Stack: debug.Stack()}
			}
			r.finish(t, err)
		}()
		err = fn()
	}()
	return t
}

// Track registers work whose goroutine the caller manages. The returned
// func marks it finished; extra calls are no-ops.
func (r *Registry) Track(name string, kind Kind) (finish func()) {
	t := r.add(name, kind)
	var once sync.Once
	return func() {
		once.Do(func() { r.finish(t, nil) })
	}
}

// Snapshot returns the live tasks in start order.
func (r *Registry) Snapshot() []*Task {
	r.mu.Lock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Significant returns the live tasks of kind Significant in start order.
func (r *Registry) Significant() []*Task {
	all := r.Snapshot()
	out := all[:0]
	for _, t := range all {
		if t.kind == Significant {
			out = append(out, t)
		}
	}
	return out
}
