package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cat4igp/cat4igp/internal/ifname"
)

func runIfname(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: cat4igp ifname <encode|decode> [flags] [args]")
		return 2
	}
	var err error
	switch args[0] {
	case "encode":
		err = ifnameEncode(args[1:], stdout)
	case "decode":
		err = ifnameDecode(args[1:], stdout)
	default:
		fmt.Fprintln(stderr, "unknown ifname command:", args[0])
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "ifname %s error: %v\n", args[0], err)
		if errors.Is(err, errUsage) {
			return 2
		}
		return 1
	}
	return 0
}

func ifnameEncode(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ifname encode", flag.ContinueOnError)
	prefix := fs.String("prefix", ifname.DefaultPrefix, "interface name prefix")
	ipv6 := fs.Bool("ipv6", false, "tunnel endpoints are IPv6")
	fec := fs.Bool("fec", false, "set the FEC flag")
	fakeTCP := fs.Bool("faketcp", false, "set the FakeTCP flag")
	pos, err := parseSub(fs, args, "PEER_ID", "TUNNEL_ID")
	if err != nil {
		return err
	}
	peer, err := strconv.ParseUint(pos[0], 10, 16)
	if err != nil || peer > ifname.MaxPeerID {
		return usageErrorf("peer id must be 0..%d, got %q", ifname.MaxPeerID, pos[0])
	}
	tunnel, err := strconv.ParseUint(pos[1], 10, 64)
	if err != nil {
		return usageErrorf("tunnel id must be a non-negative integer, got %q", pos[1])
	}
	id := ifname.WireGuardIdentifier(uint16(peer), ifname.WireGuardData{
		IPv6:     *ipv6,
		FEC:      *fec,
		FakeTCP:  *fakeTCP,
		TunnelID: uint16(tunnel),
	})
	name, err := ifname.InterfaceName(*prefix, id)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "name:", name)
	fmt.Fprintln(out, "link_local:", ifname.LinkLocalFromName(name))
	return nil
}

func ifnameDecode(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ifname decode", flag.ContinueOnError)
	prefix := fs.String("prefix", ifname.DefaultPrefix, "interface name prefix")
	pos, err := parseSub(fs, args, "NAME")
	if err != nil {
		return err
	}
	name := strings.TrimSpace(pos[0])
	var id ifname.Identifier
	if len(name) == ifname.EncodedLen {
		id, err = ifname.Decode(name)
	} else {
		id, err = ifname.ParseInterfaceName(*prefix, name)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "protocol:", id.Protocol)
	fmt.Fprintln(out, "peer_id:", id.PeerID)
	if id.Protocol == ifname.WireGuard() {
		data, err := ifname.UnpackWireGuardData(id.Data)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "ipv6:", data.IPv6)
		fmt.Fprintln(out, "fec:", data.FEC)
		fmt.Fprintln(out, "faketcp:", data.FakeTCP)
		fmt.Fprintln(out, "tunnel_id:", data.TunnelID)
	} else {
		fmt.Fprintf(out, "data: %#x\n", id.Data)
	}
	full, err := ifname.InterfaceName(*prefix, id)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "name:", full)
	fmt.Fprintln(out, "link_local:", ifname.LinkLocalFromName(full))
	return nil
}
