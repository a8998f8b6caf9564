package routing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"testing"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

func stubNFT(t *testing.T, seq *commandSequence) {
	t.Helper()
	prev := nftCommand
	nftCommand = func(_ context.Context, args ...string) ([]byte, error) {
		return seq.next(args)
	}
	t.Cleanup(func() { nftCommand = prev })
}

func stubIP(t *testing.T, seq *commandSequence) {
	t.Helper()
	prev := ipCommand
	ipCommand = func(_ context.Context, args ...string) ([]byte, error) {
		return seq.next(args)
	}
	t.Cleanup(func() { ipCommand = prev })
}

type commandResponse struct {
	expected string
	output   string
	err      error
}

type commandSequence struct {
	index     int
	responses []commandResponse
	calls     []string
}

func (s *commandSequence) next(args []string) ([]byte, error) {
	if s.index >= len(s.responses) {
		return nil, fmt.Errorf("unexpected invocation: %v", args)
	}
	resp := s.responses[s.index]
	s.index++
	joined := strings.Join(args, " ")
	s.calls = append(s.calls, joined)
	if resp.expected != "" && resp.expected != joined {
		return nil, fmt.Errorf("unexpected args:\n got %s\nwant %s", joined, resp.expected)
	}
	if resp.err != nil {
		return nil, resp.err
	}
	return []byte(resp.output), nil
}

func (s *commandSequence) done(t *testing.T) {
	t.Helper()
	if s.index != len(s.responses) {
		t.Fatalf("expected %d invocations, got %d: %q", len(s.responses), s.index, s.calls)
	}
}

func readyRooter() *NFTRooter {
	r := NewNFTRooter(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	r.ready = true
	return r
}

func TestEnsureTableRunsOnce(t *testing.T) {
	seq := &commandSequence{responses: []commandResponse{
		{expected: "add table ip cellar"},
		{expected: "add chain ip cellar input { type filter hook input priority 0 ; policy accept ; }"},
		{expected: "add chain ip cellar output { type filter hook output priority 0 ; policy accept ; }"},
		{expected: "add chain ip cellar forward { type filter hook forward priority 0 ; policy accept ; }"},
		{expected: "add chain ip cellar prerouting { type nat hook prerouting priority dstnat ; policy accept ; }"},
		{expected: "add chain ip cellar postrouting { type nat hook postrouting priority srcnat ; policy accept ; }"},
	}}
	stubNFT(t, seq)

	r := NewNFTRooter(nil)
	if err := r.ensureTable(context.Background()); err != nil {
		t.Fatalf("ensureTable returned error: %v", err)
	}
	if err := r.ensureTable(context.Background()); err != nil {
		t.Fatalf("second ensureTable returned error: %v", err)
	}
	seq.done(t)
}

func TestEnsureTableRetriesAfterFailure(t *testing.T) {
	seq := &commandSequence{responses: []commandResponse{
		{expected: "add table ip cellar", err: errors.New("permission denied")},
	}}
	stubNFT(t, seq)

	r := NewNFTRooter(nil)
	if err := r.ensureTable(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if r.ready {
		t.Fatal("rooter must not be marked ready after a failure")
	}
}

func TestDropEnableAndDisable(t *testing.T) {
	comment := `comment "cellar:drop:192.168.56.10"`
	seq := &commandSequence{responses: []commandResponse{
		{expected: "add rule ip cellar input ip saddr 192.168.56.10 ip daddr 192.168.56.1 tcp dport 2042 accept " + comment},
		{expected: "add rule ip cellar input ip saddr 192.168.56.10 drop " + comment},
		{expected: "add rule ip cellar output ip daddr 192.168.56.10 tcp sport 2042 accept " + comment},
		{expected: "add rule ip cellar output ip daddr 192.168.56.10 drop " + comment},

		{expected: "-a list chain ip cellar input", output: "ip saddr 192.168.56.10 drop " + comment + " # handle 4\nip saddr 192.168.56.100 drop comment \"cellar:drop:192.168.56.100\" # handle 5"},
		{expected: "delete rule ip cellar input handle 4"},
		{expected: "-a list chain ip cellar output", output: "ip daddr 192.168.56.10 drop " + comment + " # handle 7"},
		{expected: "delete rule ip cellar output handle 7"},
		{expected: "-a list chain ip cellar forward"},
		{expected: "-a list chain ip cellar prerouting"},
		{expected: "-a list chain ip cellar postrouting"},
	}}
	stubNFT(t, seq)

	r := readyRooter()
	ctx := context.Background()
	if err := r.DropEnable(ctx, "192.168.56.10", "192.168.56.1", "2042"); err != nil {
		t.Fatalf("DropEnable returned error: %v", err)
	}
	if err := r.DropDisable(ctx, "192.168.56.10", "192.168.56.1", "2042"); err != nil {
		t.Fatalf("DropDisable returned error: %v", err)
	}
	seq.done(t)
}

func TestForwardEnableInsertsAccepts(t *testing.T) {
	comment := `comment "cellar:forward:tap0:eth0:192.168.56.10"`
	seq := &commandSequence{responses: []commandResponse{
		{expected: "insert rule ip cellar forward iifname tap0 oifname eth0 ip saddr 192.168.56.10 accept " + comment},
		{expected: "insert rule ip cellar forward iifname eth0 oifname tap0 ip daddr 192.168.56.10 accept " + comment},
		{expected: "add rule ip cellar postrouting oifname eth0 ip saddr 192.168.56.10 masquerade " + comment},
	}}
	stubNFT(t, seq)

	if err := readyRooter().ForwardEnable(context.Background(), "tap0", "eth0", "192.168.56.10"); err != nil {
		t.Fatalf("ForwardEnable returned error: %v", err)
	}
	seq.done(t)
}

func TestTorEnableRedirectsDNSAndTCP(t *testing.T) {
	comment := `comment "cellar:tor:192.168.56.10"`
	seq := &commandSequence{responses: []commandResponse{
		{expected: "add rule ip cellar prerouting ip saddr 192.168.56.10 udp dport 53 dnat to 192.168.56.1:5353 " + comment},
		{expected: "add rule ip cellar prerouting ip saddr 192.168.56.10 ip daddr != 192.168.56.1 tcp flags syn dnat to 192.168.56.1:9040 " + comment},
	}}
	stubNFT(t, seq)

	if err := readyRooter().TorEnable(context.Background(), "192.168.56.10", "192.168.56.1", "5353", "9040"); err != nil {
		t.Fatalf("TorEnable returned error: %v", err)
	}
	seq.done(t)
}

func TestRuleFailureStopsEnable(t *testing.T) {
	seq := &commandSequence{responses: []commandResponse{
		{err: errors.New("nft exploded")},
	}}
	stubNFT(t, seq)

	if err := readyRooter().InetsimEnable(context.Background(), "192.168.56.10", "10.0.0.1", "virbr0", "2042"); err == nil {
		t.Fatal("expected error")
	}
	seq.done(t)
}

func TestSrcRoute(t *testing.T) {
	seq := &commandSequence{responses: []commandResponse{
		{expected: "rule add from 192.168.56.10 table main"},
		{expected: "rule del from 192.168.56.10 table main"},
	}}
	stubIP(t, seq)

	r := readyRooter()
	if err := r.SrcRouteEnable(context.Background(), "main", "192.168.56.10"); err != nil {
		t.Fatalf("SrcRouteEnable returned error: %v", err)
	}
	if err := r.SrcRouteDisable(context.Background(), "main", "192.168.56.10"); err != nil {
		t.Fatalf("SrcRouteDisable returned error: %v", err)
	}
	seq.done(t)
}

func TestNicAvailable(t *testing.T) {
	prevLink, prevAddr := linkByName, addrList
	t.Cleanup(func() { linkByName, addrList = prevLink, prevAddr })

	links := map[string]netlink.Link{
		"eth0": &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "eth0", Flags: net.FlagUp}},
		"tun0": &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "tun0"}},
		"tun1": &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "tun1", Flags: net.FlagUp}},
	}
	linkByName = func(name string) (netlink.Link, error) {
		link, ok := links[name]
		if !ok {
			return nil, errors.New("Link not found")
		}
		return link, nil
	}
	addrList = func(link netlink.Link, _ int) ([]netlink.Addr, error) {
		if link.Attrs().Name == "eth0" {
			return []netlink.Addr{{IPNet: &net.IPNet{IP: net.IPv4(10, 0, 0, 2), Mask: net.CIDRMask(24, 32)}}}, nil
		}
		return nil, nil
	}

	r := readyRooter()
	cases := map[string]bool{"eth0": true, "tun0": false, "tun1": false, "missing": false}
	for name, want := range cases {
		if got := r.NicAvailable(name); got != want {
			t.Errorf("NicAvailable(%s) = %v, want %v", name, got, want)
		}
	}
}

func TestInetsimAvailable(t *testing.T) {
	prev := nsFromName
	t.Cleanup(func() { nsFromName = prev })
	nsFromName = func(name string) (netns.NsHandle, error) {
		if name == "inetsim" {
			return netns.None(), nil
		}
		return netns.None(), errors.New("no such namespace")
	}

	r := readyRooter()
	if !r.InetsimAvailable("") {
		t.Fatal("empty namespace should mean the host namespace")
	}
	if !r.InetsimAvailable("inetsim") {
		t.Fatal("expected inetsim namespace to be available")
	}
	if r.InetsimAvailable("other") {
		t.Fatal("expected missing namespace to be unavailable")
	}
}
