package setup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/cellar/internal/config"
)

// NetworkPlan describes the host network analyses rely on: the host-only
// bridge the machines and the result server share, and the namespace
// INetSim runs in behind its own bridge.
type NetworkPlan struct {
	Bridge            string
	GatewayCIDR       string
	InetBridge        string
	Namespace         string
	VethHost          string
	VethNamespace     string
	InetGatewayCIDR   string
	InetNamespaceCIDR string
}

const (
	defaultInetBridge    = "br_inet"
	defaultVethHost      = "veth-inet-br"
	defaultVethNamespace = "veth-inet-ns"
	subnetPrefix         = 24
)

// PlanFromConfig derives the network plan from the configuration. The
// INetSim bridge takes the first address of the INetSim server's /24.
func PlanFromConfig(cfg config.Config) (NetworkPlan, error) {
	plan := NetworkPlan{
		Bridge:        cfg.Libvirt.Interface,
		InetBridge:    defaultInetBridge,
		Namespace:     cfg.Routing.Inetsim.Namespace,
		VethHost:      defaultVethHost,
		VethNamespace: defaultVethNamespace,
	}
	if plan.Bridge == "" {
		return NetworkPlan{}, errors.New("libvirt.interface is required")
	}

	gateway := net.ParseIP(cfg.ResultServer.IP).To4()
	if gateway == nil {
		return NetworkPlan{}, fmt.Errorf("result server ip %q is not an IPv4 address", cfg.ResultServer.IP)
	}
	plan.GatewayCIDR = fmt.Sprintf("%s/%d", gateway, subnetPrefix)

	if !cfg.Routing.Inetsim.Enabled {
		return plan, nil
	}
	if plan.Namespace == "" {
		return NetworkPlan{}, errors.New("routing.inetsim.namespace is required")
	}
	server := net.ParseIP(cfg.Routing.Inetsim.Server).To4()
	if server == nil {
		return NetworkPlan{}, fmt.Errorf("inetsim server %q is not an IPv4 address", cfg.Routing.Inetsim.Server)
	}
	inetGateway := server.Mask(net.CIDRMask(subnetPrefix, 32))
	inetGateway[3] = 1
	if inetGateway.Equal(server) {
		return NetworkPlan{}, fmt.Errorf("inetsim server %s collides with its gateway", server)
	}
	plan.InetGatewayCIDR = fmt.Sprintf("%s/%d", inetGateway, subnetPrefix)
	plan.InetNamespaceCIDR = fmt.Sprintf("%s/%d", server, subnetPrefix)
	return plan, nil
}

// Inetsim reports whether the plan includes the INetSim namespace.
func (p NetworkPlan) Inetsim() bool {
	return p.InetNamespaceCIDR != ""
}

type parsedPlan struct {
	NetworkPlan
	gateway           *netlink.Addr
	inetGateway       *netlink.Addr
	inetNamespaceAddr *netlink.Addr
}

func parsePlan(plan NetworkPlan) (parsedPlan, error) {
	gateway, err := netlink.ParseAddr(plan.GatewayCIDR)
	if err != nil {
		return parsedPlan{}, fmt.Errorf("parse gateway: %w", err)
	}
	parsed := parsedPlan{NetworkPlan: plan, gateway: gateway}
	if !plan.Inetsim() {
		return parsed, nil
	}
	if parsed.inetGateway, err = netlink.ParseAddr(plan.InetGatewayCIDR); err != nil {
		return parsedPlan{}, fmt.Errorf("parse inetsim gateway: %w", err)
	}
	if parsed.inetNamespaceAddr, err = netlink.ParseAddr(plan.InetNamespaceCIDR); err != nil {
		return parsedPlan{}, fmt.Errorf("parse inetsim namespace addr: %w", err)
	}
	return parsed, nil
}

// SetupNetwork provisions the plan: it addresses the host-only bridge,
// creates the INetSim bridge, namespace and veth pair when enabled and turns
// on forwarding.
func SetupNetwork(ctx context.Context, plan NetworkPlan) error {
	if err := requireRoot(); err != nil {
		return err
	}
	parsed, err := parsePlan(plan)
	if err != nil {
		return err
	}

	if err := ensureBridge(parsed); err != nil {
		return err
	}
	if parsed.Inetsim() {
		if err := ensureInetBridge(parsed); err != nil {
			return err
		}
		if err := ensureNamespace(parsed); err != nil {
			return err
		}
	}
	return configureSysctls(ctx)
}

func requireRoot() error {
	if os.Geteuid() != 0 {
		return errors.New("run me as root")
	}
	return nil
}

// ensureBridge waits for the libvirt network bridge and gives it the
// result server address.
func ensureBridge(plan parsedPlan) error {
	getLogger().Info("waiting for bridge", "bridge", plan.Bridge)
	var link netlink.Link
	var err error
	for i := 0; i < 20; i++ {
		link, err = netlink.LinkByName(plan.Bridge)
		if err == nil {
			break
		}
		time.Sleep(250 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("bridge %s not found: %w", plan.Bridge, err)
	}
	if err := ensureAddress(link, plan.gateway); err != nil {
		return err
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring %s up: %w", plan.Bridge, err)
	}
	return nil
}

func ensureInetBridge(plan parsedPlan) error {
	getLogger().Info("creating inetsim bridge", "bridge", plan.InetBridge)
	link, err := netlink.LinkByName(plan.InetBridge)
	if err != nil {
		if isLinkNotFound(err) {
			br := &netlink.Bridge{
				LinkAttrs: netlink.LinkAttrs{
					Name: plan.InetBridge,
				},
			}
			if err := netlink.LinkAdd(br); err != nil && !errors.Is(err, syscall.EEXIST) {
				return fmt.Errorf("create bridge %s: %w", plan.InetBridge, err)
			}
			link, err = netlink.LinkByName(plan.InetBridge)
		}
		if err != nil {
			return fmt.Errorf("get bridge %s: %w", plan.InetBridge, err)
		}
	}
	if err := ensureAddress(link, plan.inetGateway); err != nil {
		return err
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring %s up: %w", plan.InetBridge, err)
	}
	return nil
}

func ensureNamespace(plan parsedPlan) error {
	getLogger().Info("creating inetsim namespace", "namespace", plan.Namespace)
	hostHandle, err := netlink.NewHandle()
	if err != nil {
		return fmt.Errorf("host netlink handle: %w", err)
	}
	defer hostHandle.Close()

	nsHandle, ns, err := ensureNetns(plan.Namespace)
	if err != nil {
		return err
	}
	defer nsHandle.Close()
	defer ns.Close()

	hostLink, err := hostHandle.LinkByName(plan.VethHost)
	if err != nil {
		if !isLinkNotFound(err) {
			return fmt.Errorf("lookup %s: %w", plan.VethHost, err)
		}
		veth := &netlink.Veth{
			LinkAttrs: netlink.LinkAttrs{Name: plan.VethHost},
			PeerName:  plan.VethNamespace,
		}
		if err := hostHandle.LinkAdd(veth); err != nil && !errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("create veth: %w", err)
		}
		if hostLink, err = hostHandle.LinkByName(plan.VethHost); err != nil {
			return fmt.Errorf("lookup veth host: %w", err)
		}
	}

	if _, err := nsHandle.LinkByName(plan.VethNamespace); err != nil {
		if !isLinkNotFound(err) {
			return fmt.Errorf("lookup ns peer: %w", err)
		}
		peer, err := hostHandle.LinkByName(plan.VethNamespace)
		if err != nil {
			return fmt.Errorf("peer link %s: %w", plan.VethNamespace, err)
		}
		if err := hostHandle.LinkSetNsFd(peer, int(ns)); err != nil && !errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("move %s to ns: %w", plan.VethNamespace, err)
		}
	}

	bridge, err := hostHandle.LinkByName(plan.InetBridge)
	if err != nil {
		return fmt.Errorf("lookup bridge %s: %w", plan.InetBridge, err)
	}
	if err := hostHandle.LinkSetMaster(hostLink, bridge); err != nil && !errors.Is(err, syscall.EEXIST) && !errors.Is(err, syscall.EBUSY) {
		return fmt.Errorf("enslave %s to %s: %w", plan.VethHost, plan.InetBridge, err)
	}
	if err := hostHandle.LinkSetUp(hostLink); err != nil {
		return fmt.Errorf("bring %s up: %w", plan.VethHost, err)
	}
	return configureNamespaceLinks(nsHandle, plan)
}

func ensureNetns(name string) (*netlink.Handle, netns.NsHandle, error) {
	ns, err := netns.GetFromName(name)
	if err != nil {
		if !errors.Is(err, syscall.ENOENT) {
			return nil, 0, fmt.Errorf("get netns %s: %w", name, err)
		}
		if ns, err = netns.NewNamed(name); err != nil {
			return nil, 0, fmt.Errorf("create netns %s: %w", name, err)
		}
	}
	handle, err := netlink.NewHandleAt(ns)
	if err != nil {
		_ = ns.Close()
		return nil, 0, fmt.Errorf("handle for ns %s: %w", name, err)
	}
	return handle, ns, nil
}

func configureNamespaceLinks(nsHandle *netlink.Handle, plan parsedPlan) error {
	if lo, err := nsHandle.LinkByName("lo"); err == nil {
		if err := nsHandle.LinkSetUp(lo); err != nil {
			return fmt.Errorf("bring lo up: %w", err)
		}
	}
	nsVeth, err := nsHandle.LinkByName(plan.VethNamespace)
	if err != nil {
		return fmt.Errorf("ns veth %s: %w", plan.VethNamespace, err)
	}
	if err := nsHandle.LinkSetUp(nsVeth); err != nil {
		return fmt.Errorf("bring %s up: %w", plan.VethNamespace, err)
	}
	if err := ensureHandleAddress(nsHandle, nsVeth, plan.inetNamespaceAddr); err != nil {
		return err
	}
	if err := nsHandle.RouteReplace(&netlink.Route{
		LinkIndex: nsVeth.Attrs().Index,
		Gw:        plan.inetGateway.IP,
	}); err != nil {
		return fmt.Errorf("default route via %s: %w", plan.inetGateway.IP, err)
	}
	return nil
}

func ensureHandleAddress(handle *netlink.Handle, link netlink.Link, addr *netlink.Addr) error {
	existing, err := handle.AddrList(link, unix.AF_INET)
	if err != nil {
		return fmt.Errorf("list addrs: %w", err)
	}
	if hasAddress(existing, addr) {
		return nil
	}
	if err := handle.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("addr replace: %w", err)
	}
	return nil
}

func ensureAddress(link netlink.Link, addr *netlink.Addr) error {
	existing, err := netlink.AddrList(link, unix.AF_INET)
	if err != nil {
		return fmt.Errorf("list addresses: %w", err)
	}
	if hasAddress(existing, addr) {
		return nil
	}
	if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("add %s to %s: %w", addr, link.Attrs().Name, err)
	}
	return nil
}

func hasAddress(existing []netlink.Addr, addr *netlink.Addr) bool {
	for _, a := range existing {
		if a.IP.Equal(addr.IP) && a.Mask.String() == addr.Mask.String() {
			return true
		}
	}
	return false
}

var sysctls = []struct{ path, value string }{
	{"/proc/sys/net/ipv4/ip_forward", "1"},
	{"/proc/sys/net/ipv4/conf/all/rp_filter", "2"},
}

func configureSysctls(ctx context.Context) error {
	for _, s := range sysctls {
		if err := ctx.Err(); err != nil {
			return err
		}
		getLogger().Debug("sysctl", "path", s.path, "value", s.value)
		if err := os.WriteFile(s.path, []byte(s.value), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", s.path, err)
		}
	}
	return nil
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}
