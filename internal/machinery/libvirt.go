package machinery

import (
	"context"
	"fmt"
	"html"

	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/cellar/internal/models"
)

const (
	defaultCDROMTarget = "sdc"
	defaultCDROMBus    = "sata"
)

// domainHandle is the subset of a libvirt domain the backend uses.
type domainHandle interface {
	State() (State, error)
	Create() error
	Destroy() error
	Revert(snapshot string) error
	AgentCommand(cmd string) (string, error)
	CoreDump(path string) error
	UpdateDevice(xml string) error
	Free() error
}

type connection interface {
	LookupDomain(name string) (domainHandle, error)
	Close() error
}

var openConnection = func(uri string) (connection, error) {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, err
	}
	return &libvirtConnection{conn: conn}, nil
}

type libvirtConnection struct {
	conn *libvirt.Connect
}

func (c *libvirtConnection) LookupDomain(name string) (domainHandle, error) {
	dom, err := c.conn.LookupDomainByName(name)
	if err != nil {
		return nil, err
	}
	return &libvirtDomain{dom: dom}, nil
}

func (c *libvirtConnection) Close() error {
	_, err := c.conn.Close()
	return err
}

type libvirtDomain struct {
	dom *libvirt.Domain
}

func (d *libvirtDomain) State() (State, error) {
	state, _, err := d.dom.GetState()
	if err != nil {
		return StateUnknown, err
	}
	return domainState(state), nil
}

func (d *libvirtDomain) Create() error {
	return d.dom.Create()
}

func (d *libvirtDomain) Destroy() error {
	return d.dom.Destroy()
}

func (d *libvirtDomain) Revert(snapshot string) error {
	var (
		snap *libvirt.DomainSnapshot
		err  error
	)
	if snapshot != "" {
		snap, err = d.dom.SnapshotLookupByName(snapshot, 0)
	} else {
		snap, err = d.dom.SnapshotCurrent(0)
	}
	if err != nil {
		return err
	}
	defer snap.Free()
	return snap.RevertToSnapshot(0)
}

func (d *libvirtDomain) AgentCommand(cmd string) (string, error) {
	return d.dom.QemuAgentCommand(cmd, libvirt.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT, 0)
}

func (d *libvirtDomain) CoreDump(path string) error {
	return d.dom.CoreDumpWithFormat(path, libvirt.DOMAIN_CORE_DUMP_FORMAT_RAW, libvirt.DUMP_MEMORY_ONLY)
}

func (d *libvirtDomain) UpdateDevice(xml string) error {
	return d.dom.UpdateDeviceFlags(xml, libvirt.DOMAIN_DEVICE_MODIFY_LIVE)
}

func (d *libvirtDomain) Free() error {
	return d.dom.Free()
}

func domainState(state libvirt.DomainState) State {
	switch state {
	case libvirt.DOMAIN_RUNNING, libvirt.DOMAIN_BLOCKED:
		return StateRunning
	case libvirt.DOMAIN_PAUSED, libvirt.DOMAIN_PMSUSPENDED:
		return StatePaused
	case libvirt.DOMAIN_SHUTDOWN, libvirt.DOMAIN_SHUTOFF:
		return StatePoweroff
	case libvirt.DOMAIN_CRASHED:
		return StateAborted
	default:
		return StateUnknown
	}
}

// Libvirt is a Hypervisor backed by a libvirt daemon. A connection is opened
// per operation.
type Libvirt struct {
	URI string
}

var (
	_ Hypervisor    = (*Libvirt)(nil)
	_ MemoryDumper  = (*Libvirt)(nil)
	_ MediaAttacher = (*Libvirt)(nil)
	_ GuestProvider = (*Libvirt)(nil)
)

// NewLibvirt returns a backend connecting to uri.
func NewLibvirt(uri string) *Libvirt {
	return &Libvirt{URI: uri}
}

func (l *Libvirt) Name() string {
	return "libvirt"
}

func (l *Libvirt) State(ctx context.Context, label string) (State, error) {
	var state State
	err := l.withDomain(ctx, label, func(dom domainHandle) error {
		var err error
		state, err = dom.State()
		return err
	})
	if err != nil {
		return StateUnknown, err
	}
	return state, nil
}

func (l *Libvirt) Revert(ctx context.Context, label, snapshot string) error {
	return l.withDomain(ctx, label, func(dom domainHandle) error {
		return dom.Revert(snapshot)
	})
}

func (l *Libvirt) PowerOn(ctx context.Context, label string) error {
	return l.withDomain(ctx, label, func(dom domainHandle) error {
		return dom.Create()
	})
}

func (l *Libvirt) PowerOff(ctx context.Context, label string) error {
	return l.withDomain(ctx, label, func(dom domainHandle) error {
		return dom.Destroy()
	})
}

func (l *Libvirt) DumpMemory(ctx context.Context, label, path string) error {
	return l.withDomain(ctx, label, func(dom domainHandle) error {
		return dom.CoreDump(path)
	})
}

// AttachMedia inserts isoPath into the machine's CD-ROM drive. The drive is
// addressed by the cdrom_target and cdrom_bus machine options.
func (l *Libvirt) AttachMedia(ctx context.Context, machine models.Machine, isoPath string) error {
	return l.withDomain(ctx, machine.Label, func(dom domainHandle) error {
		return dom.UpdateDevice(cdromXML(machine, isoPath))
	})
}

func (l *Libvirt) Guest(ctx context.Context, machine models.Machine) (Guest, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	conn, err := openConnection(l.URI)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to libvirt at %s: %w", l.URI, err)
	}
	dom, err := conn.LookupDomain(machine.Label)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("lookup domain %s: %w", machine.Label, err)
	}
	release := func() {
		dom.Free()
		conn.Close()
	}
	return NewAgentGuest(dom), release, nil
}

func (l *Libvirt) withDomain(ctx context.Context, label string, fn func(domainHandle) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := openConnection(l.URI)
	if err != nil {
		return fmt.Errorf("connect to libvirt at %s: %w", l.URI, err)
	}
	defer conn.Close()

	dom, err := conn.LookupDomain(label)
	if err != nil {
		return fmt.Errorf("lookup domain %s: %w", label, err)
	}
	defer dom.Free()

	return fn(dom)
}

func cdromXML(machine models.Machine, isoPath string) string {
	return fmt.Sprintf(`<disk type='file' device='cdrom'>
  <driver name='qemu' type='raw'/>
  <source file='%s'/>
  <target dev='%s' bus='%s'/>
  <readonly/>
</disk>`,
		html.EscapeString(isoPath),
		html.EscapeString(machine.OptionValue("cdrom_target", defaultCDROMTarget)),
		html.EscapeString(machine.OptionValue("cdrom_bus", defaultCDROMBus)),
	)
}
