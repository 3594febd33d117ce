package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nuetzliches/mgmtagent/internal/attach"
	"github.com/nuetzliches/mgmtagent/internal/config"
	"github.com/nuetzliches/mgmtagent/internal/directory"
	"github.com/nuetzliches/mgmtagent/internal/stopper"
	"github.com/nuetzliches/mgmtagent/internal/transport"
)

type clientCmd struct {
	name     string
	fs       *flag.FlagSet
	settings *settings
	address  *string
	stdout   io.Writer
	stderr   io.Writer
}

func newClientCmd(name string, stdout, stderr io.Writer) *clientCmd {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return &clientCmd{
		name:     name,
		fs:       fs,
		settings: newSettings(fs),
		address:  fs.String("address", "", "agent service address or host:port (overrides --host/--port)"),
		stdout:   stdout,
		stderr:   stderr,
	}
}

// parse returns the exit code to use when parsing fails, or -1.
func (c *clientCmd) parse(args []string, positional int) int {
	if err := c.fs.Parse(args); err != nil {
		return 2
	}
	if c.fs.NArg() != positional {
		if positional == 0 {
			fmt.Fprintf(c.stderr, "%s: unexpected positional arguments\n", c.name)
		} else {
			fmt.Fprintf(c.stderr, "%s: expected %d positional argument(s)\n", c.name, positional)
		}
		return 2
	}
	return -1
}

func (c *clientCmd) fail(err error) int {
	fmt.Fprintf(c.stderr, "%s: %v\n", c.name, err)
	return 1
}

func (c *clientCmd) target(cfg config.Config) string {
	if a := strings.TrimSpace(*c.address); a != "" {
		return a
	}
	return transport.Address{Host: cfg.Host, Port: cfg.Port}.HostPort()
}

func (c *clientCmd) dial(ctx context.Context, cfg config.Config, target string) (*transport.Client, error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	return transport.Dial(ctx, target, opts...)
}

func stopCmd(args []string) int {
	return runStop(context.Background(), args, os.Stdout, os.Stderr)
}

func runStop(parent context.Context, args []string, stdout, stderr io.Writer) int {
	c := newClientCmd("stop", stdout, stderr)
	if code := c.parse(args, 0); code >= 0 {
		return code
	}
	cfg, err := c.settings.load(config.NewProperties())
	if err != nil {
		return c.fail(err)
	}
	ctx, cancel := context.WithTimeout(parent, *c.settings.timeout)
	defer cancel()

	client, err := c.dial(ctx, cfg, c.target(cfg))
	if err != nil {
		return c.fail(fmt.Errorf("%w: %w", stopper.ErrCannotStop, err))
	}
	defer client.Close()
	if err := stopper.StopServer(ctx, client, cfg.Stopper); err != nil {
		return c.fail(err)
	}
	fmt.Fprintf(stdout, "Server at %s stopped\n", client.Address())
	return 0
}

func statusCmd(args []string) int {
	return runStatus(context.Background(), args, os.Stdout, os.Stderr)
}

func runStatus(parent context.Context, args []string, stdout, stderr io.Writer) int {
	c := newClientCmd("status", stdout, stderr)
	if code := c.parse(args, 0); code >= 0 {
		return code
	}
	cfg, err := c.settings.load(config.NewProperties())
	if err != nil {
		return c.fail(err)
	}
	ctx, cancel := context.WithTimeout(parent, *c.settings.timeout)
	defer cancel()

	client, err := c.dial(ctx, cfg, c.target(cfg))
	if err != nil {
		return c.fail(err)
	}
	defer client.Close()
	n, err := client.Count(ctx)
	if err != nil {
		return c.fail(err)
	}
	fmt.Fprintf(stdout, "Server running with %d objects\n", n)
	return 0
}

func startCmd(args []string) int {
	return runStart(context.Background(), args, os.Stdout, os.Stderr)
}

// runStart asks process <pid> to start an agent with the local settings,
// then dials the returned address to confirm it answers.
func runStart(parent context.Context, args []string, stdout, stderr io.Writer) int {
	c := newClientCmd("start", stdout, stderr)
	attachDir := c.fs.String("attach-dir", attach.DefaultDir(), "attach handshake directory")
	pidFile := c.fs.String("pid-file", "", "read the target pid from file instead of the argument")
	if err := c.fs.Parse(args); err != nil {
		return 2
	}

	var pid int
	switch {
	case strings.TrimSpace(*pidFile) != "" && c.fs.NArg() == 0:
		p, err := readPIDFile(strings.TrimSpace(*pidFile))
		if err != nil {
			return c.fail(err)
		}
		pid = p
	case c.fs.NArg() == 1:
		p, err := strconv.Atoi(c.fs.Arg(0))
		if err != nil || p <= 0 {
			fmt.Fprintf(stderr, "start: invalid pid %q\n", c.fs.Arg(0))
			return 2
		}
		pid = p
	default:
		fmt.Fprintln(stderr, "start: expected <pid> or --pid-file")
		return 2
	}

	cfg, err := c.settings.load(config.NewProperties())
	if err != nil {
		return c.fail(err)
	}
	ctx, cancel := context.WithTimeout(parent, *c.settings.timeout)
	defer cancel()

	raw := config.FormatInjected(cfg.Properties())
	addr, err := attach.Request(ctx, strings.TrimSpace(*attachDir), pid, raw)
	if err != nil {
		return c.fail(err)
	}

	// The agent may bind an address the caller cannot resolve the same way;
	// dial what it reported.
	client, err := c.dial(ctx, cfg, addr)
	if err != nil {
		return c.fail(fmt.Errorf("agent started at %s but does not answer: %w", addr, err))
	}
	_ = client.Close()
	fmt.Fprintf(stdout, "Agent started at %s\n", addr)
	return 0
}

type listedEntry struct {
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	PID         int       `json:"pid"`
	Alive       bool      `json:"alive"`
	PublishedAt time.Time `json:"published_at"`
}

func listCmd(args []string) int {
	return runList(context.Background(), args, os.Stdout, os.Stderr)
}

// runList prints the directory's published agents and whether their
// process is still alive. --prune drops entries of dead processes.
func runList(parent context.Context, args []string, stdout, stderr io.Writer) int {
	c := newClientCmd("list", stdout, stderr)
	jsonOutput := c.fs.Bool("json", false, "print JSON lines")
	prune := c.fs.Bool("prune", false, "remove entries whose process is gone")
	if code := c.parse(args, 0); code >= 0 {
		return code
	}
	cfg, err := c.settings.load(config.NewProperties())
	if err != nil {
		return c.fail(err)
	}
	ctx, cancel := context.WithTimeout(parent, *c.settings.timeout)
	defer cancel()

	dir, err := directory.Open(cfg.Directory)
	if err != nil {
		return c.fail(err)
	}
	defer dir.Close()
	entries, err := dir.List(ctx)
	if err != nil {
		return c.fail(err)
	}

	out := make([]listedEntry, 0, len(entries))
	for _, e := range entries {
		alive := pidRunning(e.PID)
		if !alive && *prune {
			if err := dir.Unpublish(ctx, e.Handle); err != nil && !errors.Is(err, directory.ErrNotFound) {
				return c.fail(err)
			}
			continue
		}
		out = append(out, listedEntry{
			Name:        e.Name,
			Address:     e.Address,
			PID:         e.PID,
			Alive:       alive,
			PublishedAt: e.PublishedAt,
		})
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		for _, e := range out {
			if err := enc.Encode(e); err != nil {
				return c.fail(err)
			}
		}
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tNAME\tSTATE\tADDRESS")
	for _, e := range out {
		state := "running"
		if !e.Alive {
			state = "gone"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.PID, e.Name, state, e.Address)
	}
	if err := tw.Flush(); err != nil {
		return c.fail(err)
	}
	return 0
}
