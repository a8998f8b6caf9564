// Package config loads the cellar YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/cellar/internal/arch"
)

const (
	DefaultPath          = "/etc/cellar/cellar.yaml"
	DefaultStorageRoot   = "/var/lib/cellar"
	DefaultConnectionURI = "qemu:///system"
	DefaultSocketPath    = "/var/run/cellar/daemon.sock"
)

// Duration is a time.Duration that (un)marshals from strings such as "1s".
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		var seconds int
		if _, scanErr := fmt.Sscanf(text, "%d", &seconds); scanErr == nil {
			*d = Duration(time.Duration(seconds) * time.Second)
			return nil
		}
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root of the configuration file.
type Config struct {
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Storage      StorageConfig      `yaml:"storage"`
	Timeouts     TimeoutsConfig     `yaml:"timeouts"`
	ResultServer ResultServerConfig `yaml:"resultserver"`
	Routing      RoutingConfig      `yaml:"routing"`
	Libvirt      LibvirtConfig      `yaml:"libvirt"`
	Auxiliary    AuxiliaryConfig    `yaml:"auxiliary"`
	Daemon       DaemonConfig       `yaml:"daemon"`
}

// SchedulerConfig holds the global scheduling limits.
type SchedulerConfig struct {
	Machinery         string   `yaml:"machinery"`
	MaxVMStartupCount int      `yaml:"max_vmstartup_count"`
	MaxMachinesCount  int      `yaml:"max_machines_count"`
	MaxAnalysisCount  int      `yaml:"max_analysis_count"`
	Freespace         int      `yaml:"freespace"`
	TickInterval      Duration `yaml:"tick_interval"`
	MemoryDump        bool     `yaml:"memory_dump"`
}

type StorageConfig struct {
	Root     string `yaml:"root"`
	Database string `yaml:"database"`
}

// AnalysesDir is where per-task analysis folders are created.
func (s StorageConfig) AnalysesDir() string {
	return filepath.Join(s.Root, "analyses")
}

// BinariesDir holds copies of submitted samples keyed by SHA256.
func (s StorageConfig) BinariesDir() string {
	return filepath.Join(s.Root, "binaries")
}

// DatabasePath resolves the SQLite database location.
func (s StorageConfig) DatabasePath() string {
	if strings.TrimSpace(s.Database) != "" {
		return s.Database
	}
	return filepath.Join(s.Root, "cellar.db")
}

type TimeoutsConfig struct {
	Default  Duration `yaml:"default"`
	Critical Duration `yaml:"critical"`
	VMStart  Duration `yaml:"vm_start"`
	VMStop   Duration `yaml:"vm_stop"`
}

type ResultServerConfig struct {
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

// RoutingConfig describes the network routes analyses may take.
type RoutingConfig struct {
	Route    string        `yaml:"route"`
	Internet string        `yaml:"internet"`
	RTTable  string        `yaml:"rt_table"`
	VPN      VPNConfig     `yaml:"vpn"`
	Inetsim  InetsimConfig `yaml:"inetsim"`
	Tor      TorConfig     `yaml:"tor"`
}

type VPNConfig struct {
	Enabled bool  `yaml:"enabled"`
	VPNs    []VPN `yaml:"vpns"`
}

type VPN struct {
	Name      string `yaml:"name"`
	Interface string `yaml:"interface"`
	RTTable   string `yaml:"rt_table"`
}

type InetsimConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Server    string `yaml:"server"`
	Namespace string `yaml:"namespace"`
}

type TorConfig struct {
	Enabled   bool `yaml:"enabled"`
	DNSPort   int  `yaml:"dnsport"`
	ProxyPort int  `yaml:"proxyport"`
}

// LibvirtConfig configures the libvirt machinery and its machines.
type LibvirtConfig struct {
	ConnectionURI string          `yaml:"connection_uri"`
	Interface     string          `yaml:"interface"`
	Machines      []MachineConfig `yaml:"machines"`
}

type MachineConfig struct {
	Name      string   `yaml:"name"`
	Label     string   `yaml:"label"`
	IP        string   `yaml:"ip"`
	Platform  string   `yaml:"platform"`
	Arch      string   `yaml:"arch"`
	Tags      []string `yaml:"tags"`
	Interface string   `yaml:"interface"`
	Snapshot  string   `yaml:"snapshot"`
	Options   []string `yaml:"options"`
}

// AuxiliaryConfig lists the host-side helpers run alongside every analysis.
type AuxiliaryConfig struct {
	Sniffer  SnifferConfig   `yaml:"sniffer"`
	Commands []CommandConfig `yaml:"commands"`
}

type SnifferConfig struct {
	Enabled bool   `yaml:"enabled"`
	Tcpdump string `yaml:"tcpdump"`
	BPF     string `yaml:"bpf"`
}

// CommandConfig is a shell command template rendered per analysis.
type CommandConfig struct {
	Name     string   `yaml:"name"`
	Command  string   `yaml:"command"`
	Requires []string `yaml:"requires"`
}

type DaemonConfig struct {
	Socket string `yaml:"socket"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			Machinery:    "libvirt",
			Freespace:    1024,
			TickInterval: Duration(time.Second),
		},
		Storage: StorageConfig{
			Root: DefaultStorageRoot,
		},
		Timeouts: TimeoutsConfig{
			Default:  Duration(120 * time.Second),
			Critical: Duration(60 * time.Second),
			VMStart:  Duration(60 * time.Second),
			VMStop:   Duration(60 * time.Second),
		},
		ResultServer: ResultServerConfig{
			IP:   "192.168.56.1",
			Port: 2042,
		},
		Routing: RoutingConfig{
			Route:    "none",
			Internet: "none",
			RTTable:  "main",
			Inetsim: InetsimConfig{
				Server:    "10.66.66.2",
				Namespace: "inetsim",
			},
			Tor: TorConfig{
				DNSPort:   5353,
				ProxyPort: 9040,
			},
		},
		Libvirt: LibvirtConfig{
			ConnectionURI: DefaultConnectionURI,
			Interface:     "virbr0",
		},
		Auxiliary: AuxiliaryConfig{
			Sniffer: SnifferConfig{
				Tcpdump: "/usr/sbin/tcpdump",
			},
		},
		Daemon: DaemonConfig{
			Socket: DefaultSocketPath,
		},
	}
}

// Load reads path on top of Default. A missing file is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyMachineDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the scheduler cannot use.
func (c Config) Validate() error {
	var errs []error
	if c.Scheduler.MaxVMStartupCount < 0 {
		errs = append(errs, errors.New("scheduler.max_vmstartup_count must not be negative"))
	}
	if c.Scheduler.MaxMachinesCount < 0 {
		errs = append(errs, errors.New("scheduler.max_machines_count must not be negative"))
	}
	if c.Scheduler.MaxAnalysisCount < 0 {
		errs = append(errs, errors.New("scheduler.max_analysis_count must not be negative"))
	}
	if c.Scheduler.Freespace < 0 {
		errs = append(errs, errors.New("scheduler.freespace must not be negative"))
	}
	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, errors.New("scheduler.tick_interval must be positive"))
	}
	if strings.TrimSpace(c.Storage.Root) == "" {
		errs = append(errs, errors.New("storage.root is required"))
	}

	seen := map[string]struct{}{}
	for i, m := range c.Libvirt.Machines {
		if strings.TrimSpace(m.Name) == "" {
			errs = append(errs, fmt.Errorf("libvirt.machines[%d]: name is required", i))
			continue
		}
		if _, dup := seen[m.Name]; dup {
			errs = append(errs, fmt.Errorf("libvirt.machines[%d]: duplicate machine name %q", i, m.Name))
		}
		seen[m.Name] = struct{}{}
		if strings.TrimSpace(m.Platform) == "" {
			errs = append(errs, fmt.Errorf("machine %q: platform is required", m.Name))
		}
		if strings.TrimSpace(m.Arch) != "" {
			if _, err := arch.Parse(m.Arch); err != nil {
				errs = append(errs, fmt.Errorf("machine %q: %w", m.Name, err))
			}
		}
	}

	seenVPN := map[string]struct{}{}
	for _, vpn := range c.Routing.VPN.VPNs {
		if strings.TrimSpace(vpn.Name) == "" || strings.TrimSpace(vpn.Interface) == "" {
			errs = append(errs, errors.New("routing.vpn.vpns entries need a name and an interface"))
			continue
		}
		if _, dup := seenVPN[vpn.Name]; dup {
			errs = append(errs, fmt.Errorf("routing.vpn: duplicate vpn %q", vpn.Name))
		}
		seenVPN[vpn.Name] = struct{}{}
	}

	if c.Auxiliary.Sniffer.Enabled && strings.TrimSpace(c.Auxiliary.Sniffer.Tcpdump) == "" {
		errs = append(errs, errors.New("auxiliary.sniffer.tcpdump is required when the sniffer is enabled"))
	}
	for i, cmd := range c.Auxiliary.Commands {
		if strings.TrimSpace(cmd.Command) == "" {
			errs = append(errs, fmt.Errorf("auxiliary.commands[%d]: command is required", i))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) applyMachineDefaults() {
	for i := range c.Libvirt.Machines {
		m := &c.Libvirt.Machines[i]
		if strings.TrimSpace(m.Label) == "" {
			m.Label = m.Name
		}
		if strings.TrimSpace(m.Interface) == "" {
			m.Interface = c.Libvirt.Interface
		}
		if canonical := arch.Normalize(m.Arch); canonical != "" {
			m.Arch = canonical.String()
		}
	}
}

// Write stores cfg at path, creating the parent directory.
func Write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
