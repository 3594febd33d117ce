// Package directory publishes running management endpoints so command-line
// tools can find them by name.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("directory entry not found")
	ErrEntryExists = errors.New("directory entry already exists")
	ErrClosed      = errors.New("directory is closed")
)

// Handle identifies one publication. Unpublish takes the handle rather than
// the name so a restarted agent cannot remove its successor's entry.
type Handle string

// Entry is a published endpoint.
type Entry struct {
	Handle      Handle
	Name        string
	Address     string
	PID         int
	PublishedAt time.Time
}

// Directory stores published endpoints. Implementations are safe for
// concurrent use.
type Directory interface {
	Publish(ctx context.Context, e Entry) (Handle, error)
	Unpublish(ctx context.Context, h Handle) error
	Lookup(ctx context.Context, name string) (Entry, error)
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// EntryName is the default publication name for a process.
func EntryName(pid int) string {
	return fmt.Sprintf("pid-%d", pid)
}

// ListenerName names one listener of a process. A process may run several
// agents, so the port keeps their entries apart.
func ListenerName(pid, port int) string {
	return fmt.Sprintf("%s-%d", EntryName(pid), port)
}

func newHandle() Handle {
	return Handle(uuid.NewString())
}

func normalizeEntry(e Entry, now time.Time) (Entry, error) {
	e.Name = strings.TrimSpace(e.Name)
	e.Address = strings.TrimSpace(e.Address)
	if e.Name == "" {
		if e.PID <= 0 {
			return Entry{}, errors.New("directory entry needs a name or pid")
		}
		e.Name = EntryName(e.PID)
	}
	if e.Address == "" {
		return Entry{}, errors.New("directory entry needs an address")
	}
	e.Handle = newHandle()
	if e.PublishedAt.IsZero() {
		e.PublishedAt = now
	}
	e.PublishedAt = e.PublishedAt.UTC()
	return e, nil
}

// Open selects a backend by DSN: "" or "memory", "sqlite:<path>", or a
// postgres:// / postgresql:// URL.
func Open(dsn string) (Directory, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == "memory":
		return NewMemoryDirectory(), nil
	case strings.HasPrefix(dsn, "sqlite:"):
		return NewSQLiteDirectory(strings.TrimPrefix(dsn, "sqlite:"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresDirectory(dsn)
	default:
		return nil, fmt.Errorf("unsupported directory %q", dsn)
	}
}
