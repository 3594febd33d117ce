package app

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nuetzliches/mgmtagent/internal/agent"
	"github.com/nuetzliches/mgmtagent/internal/attach"
	"github.com/nuetzliches/mgmtagent/internal/config"
	"github.com/nuetzliches/mgmtagent/internal/directory"
)

func startTestAgent(t *testing.T, stopperSecret string) *agent.Agent {
	t.Helper()
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.Stopper = stopperSecret
	a, err := agent.Start(context.Background(), cfg,
		agent.WithLogger(newDiscardLogger()),
		agent.WithDirectory(directory.NewMemoryDirectory()),
	)
	if err != nil {
		t.Fatalf("start agent: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop() })
	return a
}

func TestStatusAndStop(t *testing.T) {
	a := startTestAgent(t, "abc")
	target := a.Address().HostPort()
	ctx := context.Background()

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	if code := runStatus(ctx, []string{"--address", target}, stdout, stderr); code != 0 {
		t.Fatalf("status exit=%d stderr=%q", code, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != "Server running with 3 objects" {
		t.Fatalf("status output=%q", got)
	}

	stdout.Reset()
	stderr.Reset()
	if code := runStop(ctx, []string{"--address", target, "--stopper", "wrong"}, stdout, stderr); code != 1 {
		t.Fatalf("stop with wrong secret exit=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "cannot stop management server") {
		t.Fatalf("stderr=%q", stderr.String())
	}

	stdout.Reset()
	stderr.Reset()
	if code := runStop(ctx, []string{"--address", a.Address().String(), "--stopper", "abc"}, stdout, stderr); code != 0 {
		t.Fatalf("stop exit=%d stderr=%q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "stopped") {
		t.Fatalf("stop output=%q", stdout.String())
	}
	select {
	case <-a.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("agent did not stop")
	}

	stdout.Reset()
	stderr.Reset()
	if code := runStatus(ctx, []string{"--address", target, "--timeout", "2s"}, stdout, stderr); code != 1 {
		t.Fatalf("status after stop exit=%d, want 1", code)
	}
	if stdout.Len() != 0 {
		t.Fatalf("unexpected stdout %q", stdout.String())
	}
}

func TestStart_AttachesToProcess(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	listenDone := make(chan error, 1)
	go func() {
		listenDone <- attach.Listen(ctx, dir, agent.AttachHandler(agent.WithLogger(newDiscardLogger())), newDiscardLogger())
	}()
	t.Cleanup(func() {
		cancel()
		<-listenDone
	})

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	args := []string{
		"--attach-dir", dir,
		"--host", "127.0.0.1",
		"--port", "0",
		"--stopper", "attached",
		"--directory", "memory",
		"--timeout", "5s",
		strconv.Itoa(os.Getpid()),
	}
	if code := runStart(context.Background(), args, stdout, stderr); code != 0 {
		t.Fatalf("start exit=%d stderr=%q", code, stderr.String())
	}
	out := strings.TrimSpace(stdout.String())
	addr, ok := strings.CutPrefix(out, "Agent started at ")
	if !ok || !strings.HasPrefix(addr, "service:mgmt:grpc://127.0.0.1:") {
		t.Fatalf("start output=%q", out)
	}

	stdout.Reset()
	if code := runStop(context.Background(), []string{"--address", addr, "--stopper", "attached"}, stdout, stderr); code != 0 {
		t.Fatalf("stop exit=%d stderr=%q", code, stderr.String())
	}
}

func TestStart_UsageErrors(t *testing.T) {
	cases := [][]string{
		nil,
		{"abc"},
		{"0"},
		{"1", "2"},
	}
	for _, args := range cases {
		stderr := &bytes.Buffer{}
		if code := runStart(context.Background(), args, &bytes.Buffer{}, stderr); code != 2 {
			t.Fatalf("args=%v exit=%d, want 2", args, code)
		}
	}
}

func TestStart_NoSuchProcess(t *testing.T) {
	stderr := &bytes.Buffer{}
	code := runStart(context.Background(), []string{"--attach-dir", t.TempDir(), strconv.Itoa(1 << 23)}, &bytes.Buffer{}, stderr)
	if code != 1 {
		t.Fatalf("exit=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "no such process") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

func TestList_ReportsAndPrunes(t *testing.T) {
	dsn := "sqlite:" + filepath.Join(t.TempDir(), "directory.db")
	dir, err := directory.Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if _, err := dir.Publish(ctx, directory.Entry{Address: "service:mgmt:grpc://127.0.0.1:1/directory/grpc://127.0.0.1:1/mgmt", PID: os.Getpid()}); err != nil {
		t.Fatalf("publish live: %v", err)
	}
	if _, err := dir.Publish(ctx, directory.Entry{Address: "service:mgmt:grpc://127.0.0.1:2/directory/grpc://127.0.0.1:2/mgmt", PID: 1 << 23}); err != nil {
		t.Fatalf("publish dead: %v", err)
	}
	if err := dir.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	if code := runList(ctx, []string{"--directory", dsn, "--json"}, stdout, stderr); code != 0 {
		t.Fatalf("list exit=%d stderr=%q", code, stderr.String())
	}
	alive := map[int]bool{}
	dec := json.NewDecoder(stdout)
	for dec.More() {
		var e listedEntry
		if err := dec.Decode(&e); err != nil {
			t.Fatalf("decode: %v", err)
		}
		alive[e.PID] = e.Alive
	}
	if len(alive) != 2 || !alive[os.Getpid()] || alive[1<<23] {
		t.Fatalf("alive=%v", alive)
	}

	stdout.Reset()
	if code := runList(ctx, []string{"--directory", dsn, "--prune"}, stdout, stderr); code != 0 {
		t.Fatalf("list --prune exit=%d stderr=%q", code, stderr.String())
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "PID") || !strings.Contains(lines[1], "running") {
		t.Fatalf("list output=%q", stdout.String())
	}
}

func TestMain_UsageExitCodes(t *testing.T) {
	if code := Main([]string{"mgmtagent"}); code != 2 {
		t.Fatalf("no verb exit=%d, want 2", code)
	}
	if code := Main([]string{"mgmtagent", "bogus"}); code != 2 {
		t.Fatalf("unknown verb exit=%d, want 2", code)
	}
	if code := runStatus(context.Background(), []string{"extra"}, &bytes.Buffer{}, &bytes.Buffer{}); code != 2 {
		t.Fatalf("status positional exit=%d, want 2", code)
	}
}

func TestSettings_FlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("MGMTAGENT_PORT", "4000")
	t.Setenv("MGMTAGENT_STOPPER", "from-env")
	t.Setenv("MGMTAGENT_HOST", "")

	c := newClientCmd("status", &bytes.Buffer{}, &bytes.Buffer{})
	if code := c.parse([]string{"--port", "5000"}, 0); code >= 0 {
		t.Fatalf("parse exit=%d", code)
	}
	cfg, err := c.settings.load(config.NewProperties())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 5000 || cfg.Stopper != "from-env" {
		t.Fatalf("cfg port=%d stopper=%q, want 5000/from-env", cfg.Port, cfg.Stopper)
	}
}

func TestSettings_ConfigFileBelowEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("port: 4100\nhost: 127.0.0.2\nstopper: from-file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("MGMTAGENT_STOPPER", "from-env")

	c := newClientCmd("status", &bytes.Buffer{}, &bytes.Buffer{})
	if code := c.parse([]string{"--config", path, "--host", "127.0.0.3"}, 0); code >= 0 {
		t.Fatalf("parse exit=%d", code)
	}
	cfg, err := c.settings.load(config.NewProperties())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Host != "127.0.0.3" || cfg.Port != 4100 || cfg.Stopper != "from-env" {
		t.Fatalf("cfg=%+v", cfg)
	}
}
