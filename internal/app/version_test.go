package app

import (
	"bytes"
	"encoding/json"
	"runtime/debug"
	"strings"
	"testing"

	"github.com/nuetzliches/mgmtagent/internal/config"
	"github.com/nuetzliches/mgmtagent/internal/transport"
)

func stubBuild(t *testing.T, v, c, d string, info *debug.BuildInfo) {
	t.Helper()
	origVersion, origCommit, origDate, origRead := version, commit, buildDate, readBuildInfo
	version, commit, buildDate = v, c, d
	readBuildInfo = func() (*debug.BuildInfo, bool) { return info, info != nil }
	t.Cleanup(func() {
		version, commit, buildDate, readBuildInfo = origVersion, origCommit, origDate, origRead
	})
}

func TestCollectBuildFacts(t *testing.T) {
	vcs := &debug.BuildInfo{
		Main: debug.Module{Path: "github.com/nuetzliches/mgmtagent", Version: "v0.4.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "9f3c2e1"},
			{Key: "vcs.time", Value: "2026-10-01T08:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	cases := []struct {
		name                        string
		version, commit, date       string
		info                        *debug.BuildInfo
		wantVersion, wantRev, wantT string
	}{
		{"ldflags win", "v1.0.0", "abc123", "2026-09-30", vcs, "v1.0.0", "abc123", "2026-09-30"},
		{"vcs stamps", "0.0.0-dev", "unknown", "unknown", vcs, "v0.4.1", "9f3c2e1+dirty", "2026-10-01T08:00:00Z"},
		{"no build info", "0.0.0-dev", "unknown", "unknown", nil, "0.0.0-dev", "unknown", "unknown"},
		{"devel module", "0.0.0-dev", "unknown", "unknown", &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}}, "0.0.0-dev", "unknown", "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stubBuild(t, tc.version, tc.commit, tc.date, tc.info)
			f := collectBuildFacts()
			if f.Version != tc.wantVersion || f.Revision != tc.wantRev || f.BuildTime != tc.wantT {
				t.Fatalf("facts=%+v, want version=%s revision=%s built=%s", f, tc.wantVersion, tc.wantRev, tc.wantT)
			}
			if f.Service != transport.ServiceName || f.DefaultPort != config.DefaultPort {
				t.Fatalf("service=%q port=%d", f.Service, f.DefaultPort)
			}
		})
	}
}

func TestRunVersion_Outputs(t *testing.T) {
	stubBuild(t, "v1.0.0", "abc123", "2026-09-30", nil)

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	if code := runVersion(nil, stdout, stderr); code != 0 {
		t.Fatalf("exit=%d stderr=%q", code, stderr.String())
	}
	if got := stdout.String(); got != "mgmtagent v1.0.0\n" {
		t.Fatalf("short output=%q", got)
	}

	stdout.Reset()
	if code := runVersion([]string{"--long"}, stdout, stderr); code != 0 {
		t.Fatalf("--long exit=%d stderr=%q", code, stderr.String())
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 8 {
		t.Fatalf("--long lines=%q", lines)
	}
	for _, want := range []string{"service: ", transport.ServiceName, "default port: 3412", "revision: ", "abc123"} {
		if !strings.Contains(stdout.String(), want) {
			t.Fatalf("--long output missing %q: %q", want, stdout.String())
		}
	}

	stdout.Reset()
	if code := runVersion([]string{"--json"}, stdout, stderr); code != 0 {
		t.Fatalf("--json exit=%d stderr=%q", code, stderr.String())
	}
	var f buildFacts
	if err := json.Unmarshal(stdout.Bytes(), &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Version != "v1.0.0" || f.Service != transport.ServiceName || f.Directory != config.DefaultDirectory() {
		t.Fatalf("json facts=%+v", f)
	}
}

func TestRunVersion_UsageErrors(t *testing.T) {
	for _, args := range [][]string{{"extra"}, {"--bogus"}} {
		stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
		if code := runVersion(args, stdout, stderr); code != 2 {
			t.Fatalf("args=%v exit=%d, want 2", args, code)
		}
		if stdout.Len() != 0 {
			t.Fatalf("args=%v stdout=%q", args, stdout.String())
		}
	}
}
