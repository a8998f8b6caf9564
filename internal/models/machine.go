package models

import (
	"strings"
	"time"
)

// MachineStatus is the last hypervisor state recorded for a machine.
type MachineStatus string

const (
	MachineStatusPoweroff MachineStatus = "poweroff"
	MachineStatusRunning  MachineStatus = "running"
	MachineStatusAborted  MachineStatus = "aborted"
	MachineStatusUnknown  MachineStatus = "unknown"
)

// Machine is a virtual machine definition managed by the machinery.
type Machine struct {
	Name      string
	Label     string
	IP        string
	Platform  string
	Arch      string
	Tags      []string
	Interface string
	Snapshot  string
	Options   []string

	Locked          bool
	LockedChangedOn time.Time
	Status          MachineStatus
	StatusChangedOn time.Time
}

// IsAnalysis reports whether the machine may run general analysis tasks.
// Machines tagged as service machines are reserved for targeted tasks.
func (m Machine) IsAnalysis() bool {
	return !m.HasTag(ServiceTag)
}

// HasTag reports whether the machine carries tag.
func (m Machine) HasTag(tag string) bool {
	for _, candidate := range m.Tags {
		if strings.EqualFold(candidate, tag) {
			return true
		}
	}
	return false
}

// HasOption reports whether the machine was configured with option.
func (m Machine) HasOption(option string) bool {
	for _, candidate := range m.Options {
		if strings.EqualFold(strings.TrimSpace(candidate), option) {
			return true
		}
	}
	return false
}

// OptionValue returns the value of a key=value option, or fallback.
func (m Machine) OptionValue(key, fallback string) string {
	for _, candidate := range m.Options {
		name, value, ok := strings.Cut(strings.TrimSpace(candidate), "=")
		if ok && strings.EqualFold(name, key) && value != "" {
			return value
		}
	}
	return fallback
}

// MatchesTags reports whether the machine carries every tag in tags.
func (m Machine) MatchesTags(tags []string) bool {
	for _, tag := range tags {
		if !m.HasTag(tag) {
			return false
		}
	}
	return true
}
