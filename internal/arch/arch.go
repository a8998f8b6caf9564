// Package arch normalises CPU architecture names used by machine definitions
// and sample inspection.
package arch

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Architecture uses the names accepted by qemu/libvirt.
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	I686    Architecture = "i686"
	AArch64 Architecture = "aarch64"
	ARMV7L  Architecture = "armv7l"
	PPC64LE Architecture = "ppc64le"
	S390X   Architecture = "s390x"
	MIPS    Architecture = "mips"
	MIPSEL  Architecture = "mipsel"
	MIPS64  Architecture = "mips64"
)

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{X86_64, I686, AArch64, ARMV7L, PPC64LE, S390X, MIPS, MIPSEL, MIPS64}
}

func (a Architecture) String() string {
	return string(a)
}

// Parse returns the canonical Architecture for value or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Normalize maps a possibly ambiguous string into a canonical Architecture,
// or "" when it cannot.
func Normalize(value string) Architecture {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(X86_64), "x86-64", "amd64", "x64":
		return X86_64
	case "x86", "i386", "i486", "i586", string(I686), "386", "80386":
		return I686
	case string(AArch64), "arm64":
		return AArch64
	case string(ARMV7L), "arm", "armv7", "armhf":
		return ARMV7L
	case string(PPC64LE), "ppc64", "ppc64el", "powerpc64", "powerpc64le":
		return PPC64LE
	case string(S390X):
		return S390X
	case string(MIPS64), "mips64el":
		return MIPS64
	case string(MIPS):
		return MIPS
	case "mipsel":
		return MIPSEL
	default:
		return ""
	}
}

// FromDescription extracts the architecture from `file -b` output. Shell
// scripts resolve to the host architecture.
func FromDescription(desc string) Architecture {
	lower := strings.ToLower(desc)
	switch {
	case lower == "":
		return ""
	case strings.Contains(lower, "shell script"):
		return Host()
	case strings.Contains(lower, "x86-64"), strings.Contains(lower, "x86_64"), strings.Contains(lower, "amd64"):
		return X86_64
	case strings.Contains(lower, "80386"), strings.Contains(lower, "i386"), strings.Contains(lower, "x86"):
		return I686
	case strings.Contains(lower, "aarch64"), strings.Contains(lower, "arm64"):
		return AArch64
	case strings.Contains(lower, "arm"):
		return ARMV7L
	case strings.Contains(lower, "mips64"):
		return MIPS64
	case strings.Contains(lower, "mips"):
		return MIPS
	case strings.Contains(lower, "powerpc"), strings.Contains(lower, "ppc"):
		return PPC64LE
	case strings.Contains(lower, "s390x"), strings.Contains(lower, "system/390"):
		return S390X
	default:
		return ""
	}
}

// Host returns the architecture of the running process.
func Host() Architecture {
	return hostFor(runtime.GOARCH)
}

func hostFor(goarch string) Architecture {
	switch goarch {
	case "amd64":
		return X86_64
	case "386":
		return I686
	case "arm64":
		return AArch64
	case "arm":
		return ARMV7L
	case "mips":
		return MIPS
	case "mips64":
		return MIPS64
	case "ppc64", "ppc64le":
		return PPC64LE
	case "s390x":
		return S390X
	default:
		return ""
	}
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
