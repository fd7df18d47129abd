// Command fiso-ingest runs ingestion bridges: each bridge reads a set of
// streams through a shared reader group and forwards every event to a sink.
package main

import (
	"fmt"
	"io"
	"os"
)

const usage = `fiso-ingest - stream ingestion bridges

Usage:
  fiso-ingest <command> [arguments]

Commands:
  run [flags]             Run every bridge in the config directory
  validate [dir]          Validate bridge definitions and cluster references
  state [flags] <file>    Print the persisted reader group and checkpoint of a bridge

Run 'fiso-ingest <command> -h' for help on a specific command.`

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprintln(stdout, usage)
		return nil
	}

	switch args[0] {
	case "run":
		return runBridges(args[1:], stdout, stderr)
	case "validate":
		return runValidate(args[1:], stdout, stderr)
	case "state":
		return runState(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		fmt.Fprintln(stdout, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\nRun 'fiso-ingest help' for usage", args[0])
	}
}
