package app

import (
	"fmt"
	"io"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Main runs the command line and returns the process exit code: 0 on
// success, 1 when the command fails, 2 on usage errors.
func Main(args []string) int {
	if len(args) < 2 {
		printHelp(os.Stderr)
		return 2
	}

	switch args[1] {
	case "serve":
		return serveCmd(args[2:])
	case "start":
		return startCmd(args[2:])
	case "stop":
		return stopCmd(args[2:])
	case "status":
		return statusCmd(args[2:])
	case "list":
		return listCmd(args[2:])
	case "version":
		return versionCmd(args[2:])
	case "help", "-h", "--help":
		printHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[1])
		printHelp(os.Stderr)
		return 2
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "mgmtagent")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  mgmtagent serve [--host localhost] [--port 3412] [--stopper <secret>] [--directory sqlite:<path>] [--attachable|--attach-only] [--pid-file ./mgmtagent.pid] [--log-level info] [--dotenv ./.env]")
	fmt.Fprintln(w, "  mgmtagent start <pid>|--pid-file <file> [--port 3412] [--stopper <secret>] [--send-credentials] [--attach-dir <dir>]")
	fmt.Fprintln(w, "  mgmtagent stop [--host localhost] [--port 3412] [--stopper <secret>] [--address <service address>]")
	fmt.Fprintln(w, "  mgmtagent status [--host localhost] [--port 3412] [--address <service address>]")
	fmt.Fprintln(w, "  mgmtagent list [--directory <dsn>] [--json] [--prune]")
	fmt.Fprintln(w, "  mgmtagent version [--long] [--json]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Every setting can also come from MGMTAGENT_<KEY> (e.g. MGMTAGENT_KEY_STORE_PASSWORD);")
	fmt.Fprintln(w, "key store, trust store, stopper and access token values accept env:, file: and raw: references.")
}
