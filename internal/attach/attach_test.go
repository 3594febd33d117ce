package attach

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func startListen(t *testing.T, dir string, handler Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Listen(ctx, dir, handler, discardLogger()) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("listen: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("listen did not return")
		}
	})
}

func TestRequest_DeliversConfigAndReturnsAddress(t *testing.T) {
	dir := t.TempDir()
	var (
		mu   sync.Mutex
		seen []string
	)
	startListen(t, dir, func(_ context.Context, raw string) (string, error) {
		mu.Lock()
		seen = append(seen, raw)
		mu.Unlock()
		return "service:mgmt:grpc://localhost:3412/directory/grpc://localhost:3412/mgmt", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr, err := Request(ctx, dir, os.Getpid(), "stopper=abc;port=3412")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if addr != "service:mgmt:grpc://localhost:3412/directory/grpc://localhost:3412/mgmt" {
		t.Fatalf("addr=%q", addr)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "stopper=abc;port=3412" {
		t.Fatalf("handler saw %v", seen)
	}
	if _, err := os.Stat(requestPath(dir, os.Getpid())); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("request file left behind: %v", err)
	}
	if _, err := os.Stat(resultPath(dir, os.Getpid())); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("result file left behind: %v", err)
	}
}

func TestRequest_ReportsHandlerError(t *testing.T) {
	dir := t.TempDir()
	startListen(t, dir, func(context.Context, string) (string, error) {
		return "", errors.New("port 3412\nalready in use")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Request(ctx, dir, os.Getpid(), "port=3412")
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("err=%v, want ErrRemote", err)
	}
	if got := err.Error(); got != "attach failed in target process: port 3412 already in use" {
		t.Fatalf("err text=%q", got)
	}
}

func TestListen_ServesPendingRequest(t *testing.T) {
	dir := t.TempDir()
	pid := os.Getpid()
	if err := writeFileAtomic(requestPath(dir, pid), []byte("req-1\nport=1\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	startListen(t, dir, func(_ context.Context, raw string) (string, error) {
		return "addr-for-" + raw, nil
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		addr, done, err := readResult(resultPath(dir, pid), "req-1")
		if done {
			if err != nil || addr != "addr-for-port=1" {
				t.Fatalf("result=(%q,%v)", addr, err)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("pending request was not served")
}

func TestRequest_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Request(context.Background(), dir, -1, "x=y"); !errors.Is(err, ErrNoSuchProcess) {
		t.Fatalf("err=%v, want ErrNoSuchProcess", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := Request(ctx, dir, os.Getpid(), "x=y")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err=%v, want ErrTimeout", err)
	}
	if _, err := os.Stat(requestPath(dir, os.Getpid())); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("request file left after timeout: %v", err)
	}
}

func TestPrepareDir_RefusesSharedDirectories(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permission bits")
	}
	root := t.TempDir()

	open := filepath.Join(root, "open")
	if err := os.Mkdir(open, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Chmod(open, 0o777); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	private := filepath.Join(root, "private")
	if err := os.Mkdir(private, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	link := filepath.Join(root, "link")
	if err := os.Symlink(private, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	for _, dir := range []string{open, link} {
		err := Listen(context.Background(), dir, func(context.Context, string) (string, error) {
			t.Errorf("handler ran for %s", dir)
			return "", nil
		}, discardLogger())
		if !errors.Is(err, ErrUnsafeDir) {
			t.Fatalf("listen %s err=%v, want ErrUnsafeDir", dir, err)
		}
		if _, err := Request(context.Background(), dir, os.Getpid(), "x=y"); !errors.Is(err, ErrUnsafeDir) {
			t.Fatalf("request %s err=%v, want ErrUnsafeDir", dir, err)
		}
		if _, err := os.Stat(requestPath(dir, os.Getpid())); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("request file written into %s: %v", dir, err)
		}
	}
}

func TestPrepareDir_CreatesPrivateDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := prepareDir(dir); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	fi, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if runtime.GOOS != "windows" && fi.Mode().Perm()&0o077 != 0 {
		t.Fatalf("mode=%04o, want no group or other access", fi.Mode().Perm())
	}
	if err := prepareDir(""); err == nil {
		t.Fatalf("empty dir accepted")
	}
}

func TestDefaultDir_PrefersRuntimeDir(t *testing.T) {
	runtimeDir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", runtimeDir)
	if got, want := DefaultDir(), filepath.Join(runtimeDir, "mgmtagent", "attach"); got != want {
		t.Fatalf("DefaultDir()=%q, want %q", got, want)
	}

	t.Setenv("XDG_RUNTIME_DIR", "")
	if got := DefaultDir(); strings.HasPrefix(got, filepath.Join(os.TempDir(), "mgmtagent", "attach")) {
		t.Fatalf("DefaultDir()=%q falls back to the shared temp dir", got)
	}
}

func TestProcessExists(t *testing.T) {
	if !ProcessExists(os.Getpid()) {
		t.Fatalf("own pid reported missing")
	}
	if ProcessExists(0) || ProcessExists(-5) {
		t.Fatalf("non-positive pid reported alive")
	}
}
