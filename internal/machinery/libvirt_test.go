package machinery

import (
	"context"
	"errors"
	"strings"
	"testing"

	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/cellar/internal/models"
)

type stubDomain struct {
	state    State
	created  int
	reverted []string
	dumped   string
	device   string
	freed    bool
	agent    func(cmd string) (string, error)
}

func (d *stubDomain) State() (State, error) { return d.state, nil }

func (d *stubDomain) Create() error {
	d.created++
	d.state = StateRunning
	return nil
}

func (d *stubDomain) Destroy() error {
	d.state = StatePoweroff
	return nil
}

func (d *stubDomain) Revert(snapshot string) error {
	d.reverted = append(d.reverted, snapshot)
	return nil
}

func (d *stubDomain) CoreDump(path string) error {
	d.dumped = path
	return nil
}

func (d *stubDomain) UpdateDevice(xml string) error {
	d.device = xml
	return nil
}

func (d *stubDomain) Free() error {
	d.freed = true
	return nil
}

func (d *stubDomain) AgentCommand(cmd string) (string, error) {
	if d.agent == nil {
		return "", errors.New("agent not connected")
	}
	return d.agent(cmd)
}

type stubConnection struct {
	domains map[string]*stubDomain
	closed  int
}

func (c *stubConnection) LookupDomain(name string) (domainHandle, error) {
	dom, ok := c.domains[name]
	if !ok {
		return nil, errors.New("domain not found")
	}
	return dom, nil
}

func (c *stubConnection) Close() error {
	c.closed++
	return nil
}

func stubLibvirt(t *testing.T, conn *stubConnection) {
	t.Helper()
	original := openConnection
	openConnection = func(uri string) (connection, error) {
		if uri != "test:///default" {
			return nil, errors.New("unexpected uri " + uri)
		}
		return conn, nil
	}
	t.Cleanup(func() { openConnection = original })
}

func TestLibvirtPowerCycle(t *testing.T) {
	dom := &stubDomain{state: StatePoweroff}
	conn := &stubConnection{domains: map[string]*stubDomain{"win1": dom}}
	stubLibvirt(t, conn)

	hv := NewLibvirt("test:///default")
	ctx := context.Background()

	if err := hv.Revert(ctx, "win1", "clean"); err != nil {
		t.Fatalf("Revert returned error: %v", err)
	}
	if err := hv.PowerOn(ctx, "win1"); err != nil {
		t.Fatalf("PowerOn returned error: %v", err)
	}
	state, err := hv.State(ctx, "win1")
	if err != nil || state != StateRunning {
		t.Fatalf("expected running, got %s (%v)", state, err)
	}
	if err := hv.PowerOff(ctx, "win1"); err != nil {
		t.Fatalf("PowerOff returned error: %v", err)
	}
	if len(dom.reverted) != 1 || dom.reverted[0] != "clean" {
		t.Fatalf("expected revert to clean, got %v", dom.reverted)
	}
	if conn.closed != 4 {
		t.Fatalf("expected a connection per operation, got %d closes", conn.closed)
	}
	if !dom.freed {
		t.Fatal("expected domain handle to be freed")
	}

	if _, err := hv.State(ctx, "ghost"); err == nil {
		t.Fatal("expected error for unknown domain")
	}
}

func TestLibvirtDumpAndMedia(t *testing.T) {
	dom := &stubDomain{state: StateRunning}
	stubLibvirt(t, &stubConnection{domains: map[string]*stubDomain{"win1": dom}})
	hv := NewLibvirt("test:///default")
	ctx := context.Background()

	if err := hv.DumpMemory(ctx, "win1", "/tmp/memory.dmp"); err != nil {
		t.Fatalf("DumpMemory returned error: %v", err)
	}
	if dom.dumped != "/tmp/memory.dmp" {
		t.Fatalf("unexpected dump path %q", dom.dumped)
	}

	machine := models.Machine{Label: "win1", Options: []string{"cdrom_target=hdc", "cdrom_bus=ide"}}
	if err := hv.AttachMedia(ctx, machine, "/srv/a&b.iso"); err != nil {
		t.Fatalf("AttachMedia returned error: %v", err)
	}
	for _, want := range []string{"file='/srv/a&amp;b.iso'", "dev='hdc'", "bus='ide'", "device='cdrom'"} {
		if !strings.Contains(dom.device, want) {
			t.Fatalf("device xml missing %q:\n%s", want, dom.device)
		}
	}
}

func TestLibvirtGuestReleasesHandles(t *testing.T) {
	dom := &stubDomain{state: StateRunning, agent: func(string) (string, error) { return `{"return":{}}`, nil }}
	conn := &stubConnection{domains: map[string]*stubDomain{"win1": dom}}
	stubLibvirt(t, conn)

	guest, release, err := NewLibvirt("test:///default").Guest(context.Background(), models.Machine{Label: "win1"})
	if err != nil {
		t.Fatalf("Guest returned error: %v", err)
	}
	if err := guest.WaitReady(context.Background(), 0); err != nil {
		t.Fatalf("WaitReady returned error: %v", err)
	}
	release()
	if !dom.freed || conn.closed != 1 {
		t.Fatalf("expected handles to be released, freed=%v closed=%d", dom.freed, conn.closed)
	}
}

func TestDomainStateMapping(t *testing.T) {
	cases := map[libvirt.DomainState]State{
		libvirt.DOMAIN_RUNNING:     StateRunning,
		libvirt.DOMAIN_BLOCKED:     StateRunning,
		libvirt.DOMAIN_PAUSED:      StatePaused,
		libvirt.DOMAIN_SHUTOFF:     StatePoweroff,
		libvirt.DOMAIN_SHUTDOWN:    StatePoweroff,
		libvirt.DOMAIN_CRASHED:     StateAborted,
		libvirt.DOMAIN_NOSTATE:     StateUnknown,
		libvirt.DOMAIN_PMSUSPENDED: StatePaused,
	}
	for in, want := range cases {
		if got := domainState(in); got != want {
			t.Errorf("domainState(%d) = %s, want %s", in, got, want)
		}
	}
}
