// Package capability probes the host once per invocation and produces an
// immutable snapshot of facts used for constraint evaluation.
package capability

import "sort"

// OS identifies the operating system family.
type OS string

const (
	OSLinux   OS = "linux"
	OSDarwin  OS = "darwin"
	OSFreeBSD OS = "freebsd"
	OSOpenBSD OS = "openbsd"
	OSUnknown OS = "unknown"
)

// Snapshot holds the detected host facts. It is a value type: once built it
// is never mutated, and repeated Snapshot() calls within one process return
// the same facts.
type Snapshot struct {
	OS                 OS       `yaml:"os"`
	Distro             string   `yaml:"distro,omitempty"`
	DesktopEnvironment string   `yaml:"desktop_environment"`
	GPUVendors         []string `yaml:"gpu_vendors"`
	CPUVendor          string   `yaml:"cpu_vendor"`
	IsLaptop           bool     `yaml:"is_laptop"`
	IsOnAC             bool     `yaml:"is_on_ac"`
}

// HasGPU reports whether vendor is among the detected GPU vendors.
func (s Snapshot) HasGPU(vendor string) bool {
	for _, v := range s.GPUVendors {
		if v == vendor {
			return true
		}
	}
	return false
}

func normalizeVendors(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	vendors := make([]string, 0, len(set))
	for v := range set {
		vendors = append(vendors, v)
	}
	sort.Strings(vendors)
	return vendors
}
