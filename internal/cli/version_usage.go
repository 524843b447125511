package cli

import (
	"fmt"
	"io"
	"os/exec"
	"strings"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `cat4igp - WireGuard mesh control plane

Usage:
  cat4igp server [flags]                    Start the control-plane API
  cat4igp agent --server URL [flags]        Run a node agent (--invite on first start)
  cat4igp invite create|list                Manage registration invites
  cat4igp mesh create|list|update|delete    Manage mesh groups
  cat4igp mesh members|join|leave ID ...    Manage mesh membership
  cat4igp mesh reconcile [ID]               Reconcile one mesh or all of them
  cat4igp nodes                             List registered nodes
  cat4igp setting list|set KEY VALUE        Read or write settings
  cat4igp tunnel retire ID                  Retire a tunnel
  cat4igp ifname encode PEER_ID TUNNEL_ID   Build an interface name
  cat4igp ifname decode NAME                Decode an interface name
  cat4igp version                           Print version
  cat4igp help                              Show this help

Operator commands take --server and --operator-token before the subcommand.

Quick Start:
  1. CAT4IGP_OPERATOR_TOKEN=secret cat4igp server
  2. cat4igp mesh create core
  3. cat4igp invite create --join-mesh 1
  4. cat4igp agent --server http://HOST:8443 --invite CODE --endpoint PUBLIC_IP:51820

Environment Variables:
  CAT4IGP_SERVER            Control-plane URL for agents and operator commands
  CAT4IGP_OPERATOR_TOKEN    Operator API bearer token (server: empty disables the API)
  CAT4IGP_DB_PATH           SQLite database path (default: ./cat4igp.db)
  CAT4IGP_TLS_MODE          TLS mode: off|static|acme (default: off)
  CAT4IGP_DOMAIN            Public host name (required for acme)
  CAT4IGP_INVITE            Invite code used by the agent when not yet registered
  CAT4IGP_ENDPOINT          Endpoint the agent reports for its tunnels
  CAT4IGP_LOG_LEVEL         Log level: debug|info|warn|error (default: info)
  CAT4IGP_CONFIG            TOML config file

Values are also read from ./.env when not already set.`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	// Release builds pass the tag without its "v".
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, "cat4igp", Version)
}
