package directory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryDirectory keeps entries in process memory. It only serves callers
// inside the same process.
type MemoryDirectory struct {
	mu      sync.Mutex
	nowFn   func() time.Time
	entries map[string]Entry
	closed  bool
}

type MemoryOption func(*MemoryDirectory)

func WithNowFunc(fn func() time.Time) MemoryOption {
	return func(d *MemoryDirectory) {
		if fn != nil {
			d.nowFn = fn
		}
	}
}

func NewMemoryDirectory(opts ...MemoryOption) *MemoryDirectory {
	d := &MemoryDirectory{
		nowFn:   time.Now,
		entries: make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *MemoryDirectory) Publish(_ context.Context, e Entry) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", ErrClosed
	}
	e, err := normalizeEntry(e, d.nowFn())
	if err != nil {
		return "", err
	}
	if _, exists := d.entries[e.Name]; exists {
		return "", ErrEntryExists
	}
	d.entries[e.Name] = e
	return e.Handle, nil
}

func (d *MemoryDirectory) Unpublish(_ context.Context, h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	for name, e := range d.entries {
		if e.Handle == h {
			delete(d.entries, name)
			return nil
		}
	}
	return ErrNotFound
}

func (d *MemoryDirectory) Lookup(_ context.Context, name string) (Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return Entry{}, ErrClosed
	}
	e, ok := d.entries[name]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (d *MemoryDirectory) List(context.Context) ([]Entry, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *MemoryDirectory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
