package auxiliary

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/cellar/internal/config"
)

const pcapName = "dump.pcap"

// Sniffer captures the machine's traffic with tcpdump into dump.pcap,
// leaving out the result server connection.
type Sniffer struct {
	cfg  config.SnifferConfig
	proc *process
}

func NewSniffer(cfg config.SnifferConfig) *Sniffer {
	return &Sniffer{cfg: cfg}
}

func (s *Sniffer) Name() string {
	return "sniffer"
}

func (s *Sniffer) Start(ctx context.Context, ac Context) error {
	if _, err := os.Stat(s.cfg.Tcpdump); err != nil {
		return fmt.Errorf("tcpdump not available at %s: %w", s.cfg.Tcpdump, err)
	}
	args, err := snifferArgs(s.cfg, ac)
	if err != nil {
		return err
	}
	proc, err := startProcess(ctx, ac.AnalysisDir, s.Name(), s.cfg.Tcpdump, args...)
	if err != nil {
		return err
	}
	s.proc = proc
	return nil
}

func (s *Sniffer) Stop() error {
	proc := s.proc
	s.proc = nil
	return proc.stop()
}

func snifferArgs(cfg config.SnifferConfig, ac Context) ([]string, error) {
	iface := ac.Machine.Interface
	if iface == "" {
		return nil, errors.New("machine has no network interface")
	}
	if ac.Machine.IP == "" {
		return nil, errors.New("machine has no ip address")
	}

	filter := "host " + ac.Machine.IP
	if ac.ResultServerIP != "" && ac.ResultServerPort > 0 {
		filter += fmt.Sprintf(" and not ((dst host %[1]s and dst port %[2]d) or (src host %[1]s and src port %[2]d))",
			ac.ResultServerIP, ac.ResultServerPort)
	}
	if bpf := strings.TrimSpace(cfg.BPF); bpf != "" {
		filter += " and (" + bpf + ")"
	}

	args := []string{
		"-U", "-q", "-s", "0", "-n",
		"-i", iface,
		"-w", filepath.Join(ac.AnalysisDir, pcapName),
	}
	return append(args, filter), nil
}
