package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return dispatch(ctx, args, os.Stdout, os.Stderr)
}

func dispatch(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}

	switch args[0] {
	case "server":
		return runServer(ctx, args[1:])
	case "agent":
		return runAgent(ctx, args[1:])
	case "invite":
		return runOperator(ctx, inviteCommands, args[1:], stdout, stderr)
	case "mesh":
		return runOperator(ctx, meshCommands, args[1:], stdout, stderr)
	case "node", "nodes":
		return runOperator(ctx, nodeCommands, args[1:], stdout, stderr)
	case "setting", "settings":
		return runOperator(ctx, settingCommands, args[1:], stdout, stderr)
	case "tunnel":
		return runOperator(ctx, tunnelCommands, args[1:], stdout, stderr)
	case "ifname":
		return runIfname(args[1:], stdout, stderr)
	case "version", "--version", "-v":
		printVersion(stdout)
		return 0
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		printUsage(stderr)
		return 2
	}
}
