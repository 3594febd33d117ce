package app

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"text/tabwriter"

	"github.com/nuetzliches/mgmtagent/internal/attach"
	"github.com/nuetzliches/mgmtagent/internal/config"
	"github.com/nuetzliches/mgmtagent/internal/transport"
)

// buildFacts describes the binary and the defaults an agent started by it
// would use when nothing is configured.
type buildFacts struct {
	Version     string `json:"version"`
	Revision    string `json:"revision"`
	BuildTime   string `json:"build_time"`
	GoVersion   string `json:"go_version"`
	Service     string `json:"service"`
	DefaultPort int    `json:"default_port"`
	Directory   string `json:"directory"`
	AttachDir   string `json:"attach_dir"`
}

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// collectBuildFacts prefers the -ldflags values and falls back to the vcs
// stamps the Go toolchain embeds.
func collectBuildFacts() buildFacts {
	f := buildFacts{
		Version:     strings.TrimSpace(version),
		Revision:    strings.TrimSpace(commit),
		BuildTime:   strings.TrimSpace(buildDate),
		GoVersion:   runtime.Version(),
		Service:     transport.ServiceName,
		DefaultPort: config.DefaultPort,
		Directory:   config.DefaultDirectory(),
		AttachDir:   attach.DefaultDir(),
	}
	info, ok := readBuildInfo()
	if !ok {
		return f
	}
	if v := info.Main.Version; f.Version == "0.0.0-dev" && v != "" && v != "(devel)" {
		f.Version = v
	}
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if f.Revision == "unknown" || f.Revision == "" {
				f.Revision = s.Value
			}
		case "vcs.time":
			if f.BuildTime == "unknown" || f.BuildTime == "" {
				f.BuildTime = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if dirty && strings.TrimSpace(commit) != f.Revision {
		f.Revision += "+dirty"
	}
	return f
}

func versionCmd(args []string) int {
	return runVersion(args, os.Stdout, os.Stderr)
}

// runVersion prints "mgmtagent <version>", or with --long every build fact
// one per line, or with --json one JSON object.
func runVersion(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	fs.SetOutput(stderr)
	long := fs.Bool("long", false, "print build facts and defaults")
	asJSON := fs.Bool("json", false, "print build facts as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "version: unexpected positional arguments")
		return 2
	}

	f := collectBuildFacts()
	switch {
	case *asJSON:
		if err := json.NewEncoder(stdout).Encode(f); err != nil {
			fmt.Fprintf(stderr, "version: %v\n", err)
			return 1
		}
	case *long:
		tw := tabwriter.NewWriter(stdout, 0, 4, 1, ' ', 0)
		fmt.Fprintf(tw, "version:\t%s\n", f.Version)
		fmt.Fprintf(tw, "revision:\t%s\n", f.Revision)
		fmt.Fprintf(tw, "built:\t%s\n", f.BuildTime)
		fmt.Fprintf(tw, "go:\t%s\n", f.GoVersion)
		fmt.Fprintf(tw, "service:\t%s\n", f.Service)
		fmt.Fprintf(tw, "default port:\t%d\n", f.DefaultPort)
		fmt.Fprintf(tw, "directory:\t%s\n", f.Directory)
		fmt.Fprintf(tw, "attach dir:\t%s\n", f.AttachDir)
		if err := tw.Flush(); err != nil {
			fmt.Fprintf(stderr, "version: %v\n", err)
			return 1
		}
	default:
		fmt.Fprintf(stdout, "mgmtagent %s\n", f.Version)
	}
	return 0
}
