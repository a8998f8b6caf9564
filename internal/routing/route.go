// Package routing decides where an analysis machine's traffic goes and
// applies the matching firewall and policy-routing rules.
package routing

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/cochaviz/cellar/internal/config"
	"github.com/cochaviz/cellar/internal/logging"
	"github.com/cochaviz/cellar/internal/models"
)

const (
	None     = "none"
	Drop     = "drop"
	Internet = "internet"
	Inetsim  = "inetsim"
	Tor      = "tor"
)

// Router resolves per-task routes against the routing configuration.
type Router struct {
	cfg        config.RoutingConfig
	resultIP   string
	resultPort string
	hostIface  string
	rooter     Rooter
	logger     *slog.Logger
}

// NewRouter builds a Router from the full configuration.
func NewRouter(cfg config.Config, rooter Rooter, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:        cfg.Routing,
		resultIP:   cfg.ResultServer.IP,
		resultPort: strconv.Itoa(cfg.ResultServer.Port),
		hostIface:  cfg.Libvirt.Interface,
		rooter:     rooter,
		logger:     logging.Component(logger, "routing"),
	}
}

// Route is the network treatment chosen for one analysis.
type Route struct {
	Name      string
	Interface string
	RTTable   string

	machine models.Machine
	router  *Router
}

// Resolve picks the route for task on machine. Routes that cannot be
// honoured fall back to none.
func (r *Router) Resolve(task models.Task, machine models.Machine) *Route {
	route := &Route{
		Name:    task.Option("route", r.cfg.Route),
		machine: machine,
		router:  r,
	}
	if route.Name == "" {
		route.Name = None
	}

	switch route.Name {
	case None, Drop:
	case Inetsim:
		if !r.cfg.Inetsim.Enabled {
			return r.fallback(route, "inetsim routing has been specified, but not enabled")
		}
		if !r.rooter.InetsimAvailable(r.cfg.Inetsim.Namespace) {
			return r.fallback(route, "inetsim namespace is not available")
		}
	case Tor:
		if !r.cfg.Tor.Enabled {
			return r.fallback(route, "tor routing has been specified, but not enabled")
		}
	case Internet:
		if r.cfg.Internet == "" || r.cfg.Internet == None {
			return r.fallback(route, "internet routing has been specified, but not configured")
		}
		route.Interface = r.cfg.Internet
		route.RTTable = r.cfg.RTTable
	default:
		vpn, ok := r.vpn(route.Name)
		if !ok {
			return r.fallback(route, "unknown network routing destination specified")
		}
		route.Interface = vpn.Interface
		route.RTTable = vpn.RTTable
	}

	if route.Interface != "" && !r.rooter.NicAvailable(route.Interface) {
		logging.Event(r.logger, slog.LevelError, "route interface is not available, switching to route=none",
			"network.route", "error", "route", route.Name, "interface", route.Interface, "task_id", task.ID)
		return r.reset(route)
	}
	return route
}

func (r *Router) fallback(route *Route, reason string) *Route {
	logging.Event(r.logger, slog.LevelWarn, reason+", ignoring routing for this analysis",
		"network.route", "error", "route", route.Name)
	return r.reset(route)
}

func (r *Router) reset(route *Route) *Route {
	route.Name = None
	route.Interface = ""
	route.RTTable = ""
	return route
}

func (r *Router) vpn(name string) (config.VPN, bool) {
	if !r.cfg.VPN.Enabled {
		return config.VPN{}, false
	}
	for _, vpn := range r.cfg.VPN.VPNs {
		if vpn.Name == name {
			return vpn, true
		}
	}
	return config.VPN{}, false
}

// Enable applies the route for the machine.
func (rt *Route) Enable(ctx context.Context) error {
	r := rt.router
	vmIP := rt.machine.IP

	if rt.Name == Drop || rt.Name == Internet {
		if err := r.rooter.DropEnable(ctx, vmIP, r.resultIP, r.resultPort); err != nil {
			return err
		}
	}
	if rt.Name == Inetsim {
		if err := r.rooter.InetsimEnable(ctx, vmIP, r.cfg.Inetsim.Server, r.hostIface, r.resultPort); err != nil {
			return err
		}
	}
	if rt.Name == Tor {
		if err := r.rooter.TorEnable(ctx, vmIP, r.resultIP, strconv.Itoa(r.cfg.Tor.DNSPort), strconv.Itoa(r.cfg.Tor.ProxyPort)); err != nil {
			return err
		}
	}
	if rt.Interface != "" {
		if err := r.rooter.ForwardEnable(ctx, rt.machine.Interface, rt.Interface, vmIP); err != nil {
			return err
		}
	}
	if rt.RTTable != "" {
		if err := r.rooter.SrcRouteEnable(ctx, rt.RTTable, vmIP); err != nil {
			return err
		}
	}
	logging.Event(r.logger, slog.LevelInfo, "network route enabled", "network.route", "success",
		"route", rt.Name, "machine", rt.machine.Name)
	return nil
}

// Disable reverts everything Enable may have applied. All steps run; their
// errors are joined.
func (rt *Route) Disable(ctx context.Context) error {
	r := rt.router
	vmIP := rt.machine.IP
	var errs []error

	if rt.Interface != "" {
		errs = append(errs, r.rooter.ForwardDisable(ctx, rt.machine.Interface, rt.Interface, vmIP))
	}
	if rt.RTTable != "" {
		errs = append(errs, r.rooter.SrcRouteDisable(ctx, rt.RTTable, vmIP))
	}
	if rt.Name != None {
		errs = append(errs, r.rooter.DropDisable(ctx, vmIP, r.resultIP, r.resultPort))
	}
	if rt.Name == Inetsim {
		errs = append(errs, r.rooter.InetsimDisable(ctx, vmIP, r.cfg.Inetsim.Server, r.hostIface, r.resultPort))
	}
	if rt.Name == Tor {
		errs = append(errs, r.rooter.TorDisable(ctx, vmIP, r.resultIP, strconv.Itoa(r.cfg.Tor.DNSPort), strconv.Itoa(r.cfg.Tor.ProxyPort)))
	}
	return errors.Join(errs...)
}

func (rt *Route) String() string {
	return rt.Name
}

// DropForwardingRules removes forwarding left behind by earlier runs, from
// every machine interface towards every VPN and the internet interface.
func (r *Router) DropForwardingRules(ctx context.Context, machines []models.Machine) error {
	var targets []string
	if r.cfg.VPN.Enabled {
		for _, vpn := range r.cfg.VPN.VPNs {
			targets = append(targets, vpn.Interface)
		}
	}
	if r.cfg.Internet != "" && r.cfg.Internet != None {
		targets = append(targets, r.cfg.Internet)
	}
	if len(targets) == 0 {
		return nil
	}

	var errs []error
	for _, machine := range machines {
		if machine.Interface == "" {
			r.logger.Info("machine has no network interface, skipping forwarding cleanup", "machine", machine.Name)
			continue
		}
		for _, target := range targets {
			if err := r.rooter.ForwardDisable(ctx, machine.Interface, target, machine.IP); err != nil {
				errs = append(errs, err)
			}
		}
		if err := r.rooter.Isolate(ctx, machine.Interface); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
