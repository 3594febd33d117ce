// Package attach delivers a configuration string to a running process and
// collects the address of the agent it started.
//
// The handshake is file based. The requester writes
// <dir>/.attach_<pid> holding a request id and the configuration string;
// the target, watching dir, consumes the file, runs its handler and writes
// <dir>/.attach_<pid>.result with the same id and either the address or
// the error.
package attach

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

var (
	ErrNoSuchProcess = errors.New("no such process")
	ErrTimeout       = errors.New("attach timed out")
	// ErrRemote wraps the error text reported by the target process.
	ErrRemote = errors.New("attach failed in target process")
	// ErrUnsafeDir is returned when the handshake directory could be written
	// by another user.
	ErrUnsafeDir = errors.New("unsafe attach directory")
)

const (
	DefaultTimeout = 10 * time.Second
	resultSuffix   = ".result"
)

// Handler starts an agent from an injected configuration string and
// returns its address.
type Handler func(ctx context.Context, raw string) (address string, err error)

// DefaultDir is the handshake directory shared by agents and the CLI of one
// user: $XDG_RUNTIME_DIR, then the user cache directory, then a uid-suffixed
// directory under the system temp dir.
func DefaultDir() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); dir != "" {
		return filepath.Join(dir, "mgmtagent", "attach")
	}
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, "mgmtagent", "attach")
	}
	return filepath.Join(os.TempDir(), "mgmtagent-"+strconv.Itoa(os.Getuid()), "attach")
}

// prepareDir creates dir if needed and refuses one that is a symlink, is
// not a directory, or is open to other users.
func prepareDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("attach: empty directory")
	}
	if err := prepareDir(dir); err != nil {
		return err
	}
	fi, err := os.Lstat(dir)
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: %s is a symlink", ErrUnsafeDir, dir)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrUnsafeDir, dir)
	}
	if err := checkPrivate(dir, fi); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsafeDir, err)
	}
	return nil
}

func requestPath(dir string, pid int) string {
	return filepath.Join(dir, ".attach_"+strconv.Itoa(pid))
}

func resultPath(dir string, pid int) string {
	return requestPath(dir, pid) + resultSuffix
}

// Listen serves attach requests addressed to this process until ctx is
// done. A request already waiting when Listen starts is served at once.
func Listen(ctx context.Context, dir string, handler Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if handler == nil {
		return errors.New("attach: nil handler")
	}
	if err := prepareDir(dir); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}

	pid := os.Getpid()
	reqPath := requestPath(dir, pid)
	base := filepath.Base(reqPath)
	logger.Info("attach_listening", slog.String("dir", dir), slog.Int("pid", pid))

	serve := func() {
		id, raw, err := consumeRequest(reqPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.Warn("attach_request_invalid", slog.Any("err", err))
			}
			return
		}
		logger.Info("attach_request", slog.String("id", id))
		addr, herr := handler(ctx, raw)
		body := id + "\n"
		if herr != nil {
			logger.Error("attach_failed", slog.String("id", id), slog.Any("err", herr))
			body += "error " + oneLine(herr.Error()) + "\n"
		} else {
			body += "ok " + addr + "\n"
		}
		if err := writeFileAtomic(resultPath(dir, pid), []byte(body)); err != nil {
			logger.Error("attach_result_write_failed", slog.Any("err", err))
		}
	}

	serve()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			serve()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("attach_watch_error", slog.Any("err", err))
		}
	}
}

func consumeRequest(path string) (id, raw string, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", "", err
	}
	id, raw, ok := strings.Cut(string(b), "\n")
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return "", "", fmt.Errorf("malformed attach request %q", path)
	}
	return id, strings.TrimRight(raw, "\n"), nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Request sends raw to process pid and waits for the address of the agent
// it started. Without a deadline on ctx, DefaultTimeout applies.
func Request(ctx context.Context, dir string, pid int, raw string) (string, error) {
	if !ProcessExists(pid) {
		return "", fmt.Errorf("%w: %d", ErrNoSuchProcess, pid)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}
	if err := prepareDir(dir); err != nil {
		return "", err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return "", err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return "", err
	}

	resPath := resultPath(dir, pid)
	_ = os.Remove(resPath)
	id := uuid.NewString()
	if err := writeFileAtomic(requestPath(dir, pid), []byte(id+"\n"+raw+"\n")); err != nil {
		return "", err
	}

	// Poll as well as watch; some filesystems drop rename events.
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	base := filepath.Base(resPath)
	for {
		if addr, done, err := readResult(resPath, id); done {
			return addr, err
		}
		select {
		case <-ctx.Done():
			_ = os.Remove(requestPath(dir, pid))
			return "", fmt.Errorf("%w: process %d did not answer: %w", ErrTimeout, pid, ctx.Err())
		case ev, ok := <-w.Events:
			if ok && filepath.Base(ev.Name) != base {
				continue
			}
		case <-w.Errors:
		case <-ticker.C:
		}
	}
}

func readResult(path, id string) (addr string, done bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, nil
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) < 2 || strings.TrimSpace(lines[0]) != id {
		return "", false, nil
	}
	_ = os.Remove(path)

	status, rest, _ := strings.Cut(lines[1], " ")
	switch status {
	case "ok":
		return strings.TrimSpace(rest), true, nil
	case "error":
		return "", true, fmt.Errorf("%w: %s", ErrRemote, rest)
	default:
		return "", true, fmt.Errorf("%w: malformed result %q", ErrRemote, lines[1])
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	keepTemp := false
	defer func() {
		_ = tmp.Close()
		if !keepTemp {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	keepTemp = true
	return nil
}
