package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/cat4igp/cat4igp/internal/client"
	"github.com/cat4igp/cat4igp/internal/config"
	"github.com/cat4igp/cat4igp/internal/domain"
	ilog "github.com/cat4igp/cat4igp/internal/log"
)

// operatorCommand runs one operator subcommand against the API.
type operatorCommand func(ctx context.Context, op *client.Operator, args []string, out io.Writer) error

type commandGroup struct {
	name  string
	usage string
	// def runs when no subcommand is given; empty means one is required.
	def  string
	cmds map[string]operatorCommand
}

// errUsage marks a command-line mistake, reported with exit code 2.
var errUsage = errors.New("usage")

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errUsage}, args...)...)
}

var inviteCommands = commandGroup{
	name:  "invite",
	usage: "cat4igp invite [connection flags] <create|list> [flags]",
	cmds: map[string]operatorCommand{
		"create": inviteCreate,
		"list":   inviteList,
	},
}

var meshCommands = commandGroup{
	name:  "mesh",
	usage: "cat4igp mesh [connection flags] <create|list|update|delete|members|join|leave|reconcile> [flags] [args]",
	cmds: map[string]operatorCommand{
		"create":    meshCreate,
		"list":      meshList,
		"update":    meshUpdate,
		"delete":    meshDelete,
		"members":   meshMembers,
		"join":      meshJoin,
		"leave":     meshLeave,
		"reconcile": meshReconcile,
	},
}

var nodeCommands = commandGroup{
	name:  "nodes",
	usage: "cat4igp nodes [connection flags] [list]",
	def:   "list",
	cmds: map[string]operatorCommand{
		"list": nodeList,
	},
}

var settingCommands = commandGroup{
	name:  "setting",
	usage: "cat4igp setting [connection flags] <list|set KEY VALUE>",
	def:   "list",
	cmds: map[string]operatorCommand{
		"list": settingList,
		"set":  settingSet,
	},
}

var tunnelCommands = commandGroup{
	name:  "tunnel",
	usage: "cat4igp tunnel [connection flags] retire TUNNEL_ID",
	cmds: map[string]operatorCommand{
		"retire": tunnelRetire,
	},
}

func runOperator(ctx context.Context, g commandGroup, args []string, stdout, stderr io.Writer) int {
	loadEnvFromDotEnv(".env")

	cfg, rest, err := config.ParseOperatorFlags(g.name, args)
	if err != nil {
		fmt.Fprintf(stderr, "%s config error: %v\n", g.name, err)
		return 2
	}
	sub := g.def
	if len(rest) > 0 {
		sub, rest = rest[0], rest[1:]
	}
	cmd, ok := g.cmds[sub]
	if !ok {
		if sub != "" {
			fmt.Fprintf(stderr, "unknown %s command: %s\n", g.name, sub)
		}
		fmt.Fprintln(stderr, "usage:", g.usage)
		return 2
	}

	logger := ilog.NewWriter(stderr, "warn", ilog.FormatText)
	op := client.NewOperator(client.New(cfg.ServerURL, cfg.Token, cfg.Timeout, logger))
	if err := cmd(ctx, op, rest, stdout); err != nil {
		fmt.Fprintf(stderr, "%s %s error: %v\n", g.name, sub, err)
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			return 2
		}
		return 1
	}
	return 0
}

// parseSub parses subcommand flags and checks the positional count.
func parseSub(fs *flag.FlagSet, args []string, positional ...string) ([]string, error) {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return nil, usageErrorf("%v", err)
	}
	if fs.NArg() != len(positional) {
		return nil, usageErrorf("expected arguments: %v", positional)
	}
	return fs.Args(), nil
}

func parseID(what, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, usageErrorf("%s must be a positive integer, got %q", what, s)
	}
	return id, nil
}

func inviteCreate(ctx context.Context, op *client.Operator, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("invite create", flag.ContinueOnError)
	maxUses := fs.Int("max-uses", 0, "redemption limit (0 = unlimited)")
	expires := fs.Duration("expires", 0, "lifetime from now (0 = never)")
	joinMesh := fs.Int64("join-mesh", 0, "mesh group new nodes join (0 = default mesh setting)")
	if _, err := parseSub(fs, args); err != nil {
		return err
	}
	var req domain.InviteRequest
	if *maxUses != 0 {
		req.MaxUses = maxUses
	}
	if *expires != 0 {
		at := time.Now().Add(*expires).UTC()
		req.ExpiresAt = &at
	}
	if *joinMesh != 0 {
		req.JoinMesh = joinMesh
	}
	inv, err := op.CreateInvite(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "id:", inv.ID)
	fmt.Fprintln(out, "code:", inv.Code)
	if inv.MaxUses != nil {
		fmt.Fprintln(out, "max_uses:", *inv.MaxUses)
	}
	if inv.ExpiresAt != nil {
		fmt.Fprintln(out, "expires_at:", inv.ExpiresAt.Format(time.RFC3339))
	}
	if inv.JoinMesh != nil {
		fmt.Fprintln(out, "join_mesh:", *inv.JoinMesh)
	}
	return nil
}

func inviteList(ctx context.Context, op *client.Operator, args []string, out io.Writer) error {
	if _, err := parseSub(flag.NewFlagSet("invite list", flag.ContinueOnError), args); err != nil {
		return err
	}
	invites, err := op.ListInvites(ctx)
	if err != nil {
		return err
	}
	for _, inv := range invites {
		uses := strconv.Itoa(inv.UsedCount)
		if inv.MaxUses != nil {
			uses += "/" + strconv.Itoa(*inv.MaxUses)
		}
		expires := "never"
		if inv.ExpiresAt != nil {
			expires = inv.ExpiresAt.Format(time.RFC3339)
		}
		mesh := "-"
		if inv.JoinMesh != nil {
			mesh = strconv.FormatInt(*inv.JoinMesh, 10)
		}
		fmt.Fprintf(out, "%d\t%s\tuses=%s\texpires=%s\tmesh=%s\n", inv.ID, inv.Code, uses, expires, mesh)
	}
	return nil
}

func meshCreate(ctx context.Context, op *client.Operator, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("mesh create", flag.ContinueOnError)
	auto := fs.Bool("auto-wireguard", true, "create WireGuard tunnels between members")
	mtu := fs.Int("mtu", 0, "tunnel MTU (0 = default_wireguard_mtu setting)")
	pos, err := parseSub(fs, args, "NAME")
	if err != nil {
		return err
	}
	g, err := op.CreateMesh(ctx, domain.MeshRequest{Name: pos[0], AutoWireguard: *auto, AutoWireguardMTU: *mtu})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "id:", g.ID)
	fmt.Fprintln(out, "name:", g.Name)
	fmt.Fprintln(out, "auto_wireguard:", g.AutoWireguard)
	return nil
}

func meshList(ctx context.Context, op *client.Operator, args []string, out io.Writer) error {
	if _, err := parseSub(flag.NewFlagSet("mesh list", flag.ContinueOnError), args); err != nil {
		return err
	}
	groups, err := op.ListMeshes(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		fmt.Fprintf(out, "%d\t%s\tauto_wireguard=%t\tmtu=%d\n", g.ID, g.Name, g.AutoWireguard, g.AutoWireguardMTU)
	}
	return nil
}

func meshUpdate(ctx context.Context, op *client.Operator, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("mesh update", flag.ContinueOnError)
	auto := fs.Bool("auto-wireguard", true, "create WireGuard tunnels between members")
	mtu := fs.Int("mtu", 0, "tunnel MTU (0 = default_wireguard_mtu setting)")
	pos, err := parseSub(fs, args, "MESH_ID")
	if err != nil {
		return err
	}
	id, err := parseID("mesh id", pos[0])
	if err != nil {
		return err
	}
	res, err := op.UpdateMesh(ctx, id, domain.MeshRequest{AutoWireguard: *auto, AutoWireguardMTU: *mtu})
	if err != nil {
		return err
	}
	printReconcile(out, res)
	return nil
}

func meshDelete(ctx context.Context, op *client.Operator, args []string, out io.Writer) error {
	pos, err := parseSub(flag.NewFlagSet("mesh delete", flag.ContinueOnError), args, "MESH_ID")
	if err != nil {
		return err
	}
	id, err := parseID("mesh id", pos[0])
	if err != nil {
		return err
	}
	res, err := op.DeleteMesh(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "deleted:", id)
	printReconcile(out, res)
	return nil
}

func meshMembers(ctx context.Context, op *client.Operator, args []string, out io.Writer) error {
	pos, err := parseSub(flag.NewFlagSet("mesh members", flag.ContinueOnError), args, "MESH_ID")
	if err != nil {
		return err
	}
	id, err := parseID("mesh id", pos[0])
	if err != nil {
		return err
	}
	members, err := op.Members(ctx, id)
	if err != nil {
		return err
	}
	for _, nodeID := range members {
		fmt.Fprintln(out, nodeID)
	}
	return nil
}

func meshJoin(ctx context.Context, op *client.Operator, args []string, out io.Writer) error {
	return meshMembership(ctx, "mesh join", args, out, op.JoinMesh)
}

func meshLeave(ctx context.Context, op *client.Operator, args []string, out io.Writer) error {
	return meshMembership(ctx, "mesh leave", args, out, op.LeaveMesh)
}

func meshMembership(ctx context.Context, name string, args []string, out io.Writer,
	apply func(ctx context.Context, groupID, nodeID int64) (domain.ReconcileResponse, error)) error {
	pos, err := parseSub(flag.NewFlagSet(name, flag.ContinueOnError), args, "MESH_ID", "NODE_ID")
	if err != nil {
		return err
	}
	groupID, err := parseID("mesh id", pos[0])
	if err != nil {
		return err
	}
	nodeID, err := parseID("node id", pos[1])
	if err != nil {
		return err
	}
	res, err := apply(ctx, groupID, nodeID)
	if err != nil {
		return err
	}
	printReconcile(out, res)
	return nil
}

func meshReconcile(ctx context.Context, op *client.Operator, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("mesh reconcile", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return usageErrorf("%v", err)
	}
	var groupID int64
	switch fs.NArg() {
	case 0:
	case 1:
		id, err := parseID("mesh id", fs.Arg(0))
		if err != nil {
			return err
		}
		groupID = id
	default:
		return usageErrorf("expected at most one MESH_ID")
	}
	res, err := op.Reconcile(ctx, groupID)
	if err != nil {
		return err
	}
	printReconcile(out, res)
	return nil
}

func nodeList(ctx context.Context, op *client.Operator, args []string, out io.Writer) error {
	if _, err := parseSub(flag.NewFlagSet("nodes list", flag.ContinueOnError), args); err != nil {
		return err
	}
	nodes, err := op.Nodes(ctx)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		seen := "never"
		if n.LastSeen != nil {
			seen = n.LastSeen.Format(time.RFC3339)
		}
		fmt.Fprintf(out, "%d\t%s\tcreated=%s\tlast_seen=%s\n", n.ID, n.Name, n.CreatedAt.Format(time.RFC3339), seen)
	}
	return nil
}

func settingList(ctx context.Context, op *client.Operator, args []string, out io.Writer) error {
	if _, err := parseSub(flag.NewFlagSet("setting list", flag.ContinueOnError), args); err != nil {
		return err
	}
	values, err := op.Settings(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%s=%s\n", k, values[k])
	}
	return nil
}

func settingSet(ctx context.Context, op *client.Operator, args []string, out io.Writer) error {
	pos, err := parseSub(flag.NewFlagSet("setting set", flag.ContinueOnError), args, "KEY", "VALUE")
	if err != nil {
		return err
	}
	if err := op.SetSetting(ctx, pos[0], pos[1]); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s=%s\n", pos[0], pos[1])
	return nil
}

func tunnelRetire(ctx context.Context, op *client.Operator, args []string, out io.Writer) error {
	pos, err := parseSub(flag.NewFlagSet("tunnel retire", flag.ContinueOnError), args, "TUNNEL_ID")
	if err != nil {
		return err
	}
	id, err := parseID("tunnel id", pos[0])
	if err != nil {
		return err
	}
	if err := op.RetireTunnel(ctx, id); err != nil {
		return err
	}
	fmt.Fprintln(out, "retired:", id)
	return nil
}

func printReconcile(out io.Writer, res domain.ReconcileResponse) {
	fmt.Fprintf(out, "created=%d attached=%d released=%d retired=%d\n", res.Created, res.Attached, res.Released, res.Retired)
	for _, e := range res.Errors {
		fmt.Fprintln(out, "error:", e)
	}
}
