package routing

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

const (
	nftFamily = "ip"
	nftTable  = "cellar"

	chainInput       = "input"
	chainOutput      = "output"
	chainForward     = "forward"
	chainPrerouting  = "prerouting"
	chainPostrouting = "postrouting"
)

// Rooter applies the privileged network changes behind a route.
type Rooter interface {
	NicAvailable(name string) bool
	InetsimAvailable(namespace string) bool

	DropEnable(ctx context.Context, vmIP, resultIP, resultPort string) error
	DropDisable(ctx context.Context, vmIP, resultIP, resultPort string) error
	InetsimEnable(ctx context.Context, vmIP, server, iface, resultPort string) error
	InetsimDisable(ctx context.Context, vmIP, server, iface, resultPort string) error
	TorEnable(ctx context.Context, vmIP, resultIP, dnsPort, proxyPort string) error
	TorDisable(ctx context.Context, vmIP, resultIP, dnsPort, proxyPort string) error
	ForwardEnable(ctx context.Context, src, dst, vmIP string) error
	ForwardDisable(ctx context.Context, src, dst, vmIP string) error
	SrcRouteEnable(ctx context.Context, table, vmIP string) error
	SrcRouteDisable(ctx context.Context, table, vmIP string) error
	Isolate(ctx context.Context, iface string) error
}

var nftCommand = func(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "nft", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("nft %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

var ipCommand = func(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "ip", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("ip %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

var (
	linkByName = netlink.LinkByName
	addrList   = netlink.AddrList
	nsFromName = netns.GetFromName
)

// NFTRooter implements Rooter with nftables rules in a dedicated table and
// `ip rule` source routing. Rules are tagged with a comment and removed by
// handle.
type NFTRooter struct {
	logger *slog.Logger

	mu    sync.Mutex
	ready bool
}

// NewNFTRooter returns a rooter. The nftables table is created on first use.
func NewNFTRooter(logger *slog.Logger) *NFTRooter {
	if logger == nil {
		logger = slog.Default()
	}
	return &NFTRooter{logger: logger}
}

// NicAvailable reports whether the interface exists, is up and carries an
// IPv4 address.
func (r *NFTRooter) NicAvailable(name string) bool {
	link, err := linkByName(name)
	if err != nil {
		r.logger.Debug("interface lookup failed", "interface", name, "error", err)
		return false
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		return false
	}
	addrs, err := addrList(link, unix.AF_INET)
	if err != nil {
		r.logger.Debug("address lookup failed", "interface", name, "error", err)
		return false
	}
	return len(addrs) > 0
}

// InetsimAvailable reports whether the network namespace hosting InetSim
// exists. An empty namespace means InetSim runs in the host namespace.
func (r *NFTRooter) InetsimAvailable(namespace string) bool {
	if namespace == "" {
		return true
	}
	handle, err := nsFromName(namespace)
	if err != nil {
		r.logger.Debug("inetsim namespace lookup failed", "namespace", namespace, "error", err)
		return false
	}
	handle.Close()
	return true
}

func (r *NFTRooter) DropEnable(ctx context.Context, vmIP, resultIP, resultPort string) error {
	comment := ruleComment("drop", vmIP)
	return r.addRules(ctx, comment, []nftRule{
		{chain: chainInput, expr: []string{"ip", "saddr", vmIP, "ip", "daddr", resultIP, "tcp", "dport", resultPort, "accept"}},
		{chain: chainInput, expr: []string{"ip", "saddr", vmIP, "drop"}},
		{chain: chainOutput, expr: []string{"ip", "daddr", vmIP, "tcp", "sport", resultPort, "accept"}},
		{chain: chainOutput, expr: []string{"ip", "daddr", vmIP, "drop"}},
	})
}

func (r *NFTRooter) DropDisable(ctx context.Context, vmIP, _, _ string) error {
	return r.removeRules(ctx, ruleComment("drop", vmIP))
}

func (r *NFTRooter) InetsimEnable(ctx context.Context, vmIP, server, iface, resultPort string) error {
	comment := ruleComment("inetsim", vmIP)
	return r.addRules(ctx, comment, []nftRule{
		{chain: chainPrerouting, expr: []string{"iifname", iface, "ip", "saddr", vmIP, "tcp", "dport", "!=", resultPort, "dnat", "to", server}},
		{chain: chainPrerouting, expr: []string{"iifname", iface, "ip", "saddr", vmIP, "meta", "l4proto", "udp", "dnat", "to", server}},
		{chain: chainForward, insert: true, expr: []string{"ip", "saddr", vmIP, "ip", "daddr", server, "accept"}},
		{chain: chainForward, insert: true, expr: []string{"ip", "saddr", server, "ip", "daddr", vmIP, "accept"}},
	})
}

func (r *NFTRooter) InetsimDisable(ctx context.Context, vmIP, _, _, _ string) error {
	return r.removeRules(ctx, ruleComment("inetsim", vmIP))
}

func (r *NFTRooter) TorEnable(ctx context.Context, vmIP, resultIP, dnsPort, proxyPort string) error {
	comment := ruleComment("tor", vmIP)
	return r.addRules(ctx, comment, []nftRule{
		{chain: chainPrerouting, expr: []string{"ip", "saddr", vmIP, "udp", "dport", "53", "dnat", "to", resultIP + ":" + dnsPort}},
		{chain: chainPrerouting, expr: []string{"ip", "saddr", vmIP, "ip", "daddr", "!=", resultIP, "tcp", "flags", "syn", "dnat", "to", resultIP + ":" + proxyPort}},
	})
}

func (r *NFTRooter) TorDisable(ctx context.Context, vmIP, _, _, _ string) error {
	return r.removeRules(ctx, ruleComment("tor", vmIP))
}

func (r *NFTRooter) ForwardEnable(ctx context.Context, src, dst, vmIP string) error {
	comment := ruleComment("forward", src, dst, vmIP)
	return r.addRules(ctx, comment, []nftRule{
		{chain: chainForward, insert: true, expr: []string{"iifname", src, "oifname", dst, "ip", "saddr", vmIP, "accept"}},
		{chain: chainForward, insert: true, expr: []string{"iifname", dst, "oifname", src, "ip", "daddr", vmIP, "accept"}},
		{chain: chainPostrouting, expr: []string{"oifname", dst, "ip", "saddr", vmIP, "masquerade"}},
	})
}

func (r *NFTRooter) ForwardDisable(ctx context.Context, src, dst, vmIP string) error {
	return r.removeRules(ctx, ruleComment("forward", src, dst, vmIP))
}

// Isolate drops forwarded traffic from iface that no forward rule accepted.
func (r *NFTRooter) Isolate(ctx context.Context, iface string) error {
	comment := ruleComment("isolate", iface)
	if err := r.removeRules(ctx, comment); err != nil {
		return err
	}
	return r.addRules(ctx, comment, []nftRule{
		{chain: chainForward, expr: []string{"iifname", iface, "drop"}},
	})
}

func (r *NFTRooter) SrcRouteEnable(ctx context.Context, table, vmIP string) error {
	_, err := ipCommand(ctx, "rule", "add", "from", vmIP, "table", table)
	return err
}

func (r *NFTRooter) SrcRouteDisable(ctx context.Context, table, vmIP string) error {
	_, err := ipCommand(ctx, "rule", "del", "from", vmIP, "table", table)
	return err
}

type nftRule struct {
	chain  string
	insert bool
	expr   []string
}

func ruleComment(kind string, parts ...string) string {
	return "cellar:" + kind + ":" + strings.Join(parts, ":")
}

func (r *NFTRooter) ensureTable(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return nil
	}

	commands := [][]string{
		{"add", "table", nftFamily, nftTable},
		chainSpec(chainInput, "filter", "input", "0"),
		chainSpec(chainOutput, "filter", "output", "0"),
		chainSpec(chainForward, "filter", "forward", "0"),
		chainSpec(chainPrerouting, "nat", "prerouting", "dstnat"),
		chainSpec(chainPostrouting, "nat", "postrouting", "srcnat"),
	}
	for _, args := range commands {
		if _, err := nftCommand(ctx, args...); err != nil {
			return err
		}
	}
	r.ready = true
	return nil
}

func chainSpec(chain, kind, hook, priority string) []string {
	return []string{
		"add", "chain", nftFamily, nftTable, chain,
		"{", "type", kind, "hook", hook, "priority", priority, ";", "policy", "accept", ";", "}",
	}
}

func (r *NFTRooter) addRules(ctx context.Context, comment string, rules []nftRule) error {
	if err := r.ensureTable(ctx); err != nil {
		return err
	}
	for _, rule := range rules {
		verb := "add"
		if rule.insert {
			verb = "insert"
		}
		args := append([]string{verb, "rule", nftFamily, nftTable, rule.chain}, rule.expr...)
		args = append(args, "comment", fmt.Sprintf(`"%s"`, comment))
		if _, err := nftCommand(ctx, args...); err != nil {
			return err
		}
	}
	r.logger.Debug("nft rules added", "comment", comment, "rules", len(rules))
	return nil
}

func (r *NFTRooter) removeRules(ctx context.Context, comment string) error {
	if err := r.ensureTable(ctx); err != nil {
		return err
	}
	for _, chain := range []string{chainInput, chainOutput, chainForward, chainPrerouting, chainPostrouting} {
		handles, err := ruleHandles(ctx, chain, comment)
		if err != nil {
			return err
		}
		for _, handle := range handles {
			if _, err := nftCommand(ctx, "delete", "rule", nftFamily, nftTable, chain, "handle", handle); err != nil {
				return err
			}
		}
	}
	return nil
}

func ruleHandles(ctx context.Context, chain, comment string) ([]string, error) {
	output, err := nftCommand(ctx, "-a", "list", "chain", nftFamily, nftTable, chain)
	if err != nil {
		return nil, err
	}
	var handles []string
	needle := fmt.Sprintf(`comment "%s"`, comment)
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, needle) {
			continue
		}
		fields := strings.Fields(line)
		for i := 0; i < len(fields); i++ {
			if fields[i] == "handle" && i+1 < len(fields) {
				handles = append(handles, strings.Trim(fields[i+1], ";"))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return handles, nil
}
