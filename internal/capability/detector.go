package capability

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Options configures a Detector. The caller supplies every ambient input
// explicitly so probes can be pointed at a fake filesystem tree in tests.
type Options struct {
	SysRoot string              // filesystem root for probes, "" means "/"
	GOOS    string              // "" means runtime.GOOS
	Getenv  func(string) string // "" lookups when nil
}

// Detector produces a Snapshot of host facts. Probing happens at most once
// per Detector; concurrent first calls are collapsed into a single probe
// pass, and the result is reused for the process lifetime.
type Detector struct {
	sysRoot string
	goos    string
	getenv  func(string) string

	group singleflight.Group
	mu    sync.Mutex
	snap  *Snapshot
}

// NewDetector creates a Detector with the given options.
func NewDetector(opts Options) *Detector {
	d := &Detector{
		sysRoot: opts.SysRoot,
		goos:    opts.GOOS,
		getenv:  opts.Getenv,
	}
	if d.sysRoot == "" {
		d.sysRoot = "/"
	}
	if d.goos == "" {
		d.goos = runtime.GOOS
	}
	if d.getenv == nil {
		d.getenv = func(string) string { return "" }
	}
	return d
}

// Snapshot returns the host facts, probing on first use. Probe failures
// degrade to unknown/empty fields and are never surfaced as errors.
func (d *Detector) Snapshot() Snapshot {
	d.mu.Lock()
	if d.snap != nil {
		s := *d.snap
		d.mu.Unlock()
		return s
	}
	d.mu.Unlock()

	v, _, _ := d.group.Do("snapshot", func() (any, error) {
		s := d.probe()
		d.mu.Lock()
		d.snap = &s
		d.mu.Unlock()
		return s, nil
	})
	return v.(Snapshot)
}

func (d *Detector) probe() Snapshot {
	s := Snapshot{
		OS:                 osFamily(d.goos),
		DesktopEnvironment: d.detectDesktop(),
		CPUVendor:          d.detectCPUVendor(),
	}
	if s.OS == OSLinux {
		s.Distro = d.detectDistro()
		s.GPUVendors = d.detectGPUVendors()
		s.IsLaptop = d.detectLaptop()
	}
	s.IsOnAC = d.detectOnAC(s.IsLaptop)
	return s
}

func osFamily(goos string) OS {
	switch goos {
	case "linux":
		return OSLinux
	case "darwin":
		return OSDarwin
	case "freebsd":
		return OSFreeBSD
	case "openbsd":
		return OSOpenBSD
	default:
		return OSUnknown
	}
}

// detectDistro parses ID (falling back to the first ID_LIKE entry) from
// /etc/os-release.
func (d *Detector) detectDistro() string {
	fields, err := parseKeyValueFile(filepath.Join(d.sysRoot, "etc/os-release"))
	if err != nil {
		return ""
	}
	if id := fields["ID"]; id != "" {
		return strings.ToLower(id)
	}
	if like := fields["ID_LIKE"]; like != "" {
		return strings.ToLower(strings.Fields(like)[0])
	}
	return ""
}

func parseKeyValueFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fields := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") || !strings.Contains(line, "=") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		fields[parts[0]] = strings.Trim(parts[1], `"'`)
	}
	return fields, scanner.Err()
}

// knownDesktops are the identifiers preferred when XDG_CURRENT_DESKTOP holds
// colon-separated entries like "ubuntu:GNOME".
var knownDesktops = []string{
	"kde", "plasma", "gnome", "xfce", "cinnamon", "mate",
	"lxqt", "hyprland", "sway", "i3",
}

func (d *Detector) detectDesktop() string {
	for _, key := range []string{"XDG_CURRENT_DESKTOP", "XDG_SESSION_DESKTOP", "DESKTOP_SESSION"} {
		val := strings.ToLower(d.getenv(key))
		if val == "" {
			continue
		}
		return normalizeDesktop(val)
	}
	if d.getenv("HYPRLAND_INSTANCE_SIGNATURE") != "" {
		return "hyprland"
	}
	if d.getenv("SWAYSOCK") != "" {
		return "sway"
	}
	return "headless"
}

func normalizeDesktop(val string) string {
	segments := strings.Split(val, ":")
	for _, seg := range segments {
		for _, known := range knownDesktops {
			if seg == known {
				if known == "plasma" {
					return "kde"
				}
				return known
			}
		}
	}
	return strings.TrimSpace(segments[0])
}

// PCI vendor ids of GPU vendors the constraint language names.
var gpuVendorIDs = map[string]string{
	"0x1002": "amd",
	"0x10de": "nvidia",
	"0x8086": "intel",
}

// detectGPUVendors reads the PCI vendor id of every DRM card node. Hybrid
// graphics hosts yield multiple vendors.
func (d *Detector) detectGPUVendors() []string {
	drmDir := filepath.Join(d.sysRoot, "sys/class/drm")
	entries, err := os.ReadDir(drmDir)
	if err != nil {
		return nil
	}

	found := make(map[string]bool)
	for _, entry := range entries {
		name := entry.Name()
		// card0, card1, ... but not card0-HDMI-A-1 connector nodes.
		if !strings.HasPrefix(name, "card") || strings.Contains(name, "-") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(drmDir, name, "device", "vendor"))
		if err != nil {
			continue
		}
		id := strings.TrimSpace(string(data))
		if vendor, ok := gpuVendorIDs[strings.ToLower(id)]; ok {
			found[vendor] = true
		}
	}
	return normalizeVendors(found)
}

func (d *Detector) detectCPUVendor() string {
	f, err := os.Open(filepath.Join(d.sysRoot, "proc/cpuinfo"))
	if err != nil {
		return cpuVendorFromArch(runtime.GOARCH)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "vendor_id") {
			switch {
			case strings.Contains(line, "GenuineIntel"):
				return "intel"
			case strings.Contains(line, "AuthenticAMD"):
				return "amd"
			}
		}
		// ARM cores report an implementer id instead of vendor_id.
		if strings.HasPrefix(line, "CPU implementer") {
			return "arm"
		}
	}
	return cpuVendorFromArch(runtime.GOARCH)
}

func cpuVendorFromArch(goarch string) string {
	switch goarch {
	case "arm", "arm64":
		return "arm"
	default:
		return "unknown"
	}
}

// SMBIOS chassis types that count as laptop-class hardware: Portable,
// Laptop, Notebook, Hand Held, Sub Notebook, Tablet, Convertible,
// Detachable.
var laptopChassisTypes = map[int]bool{
	8: true, 9: true, 10: true, 11: true, 14: true,
	30: true, 31: true, 32: true,
}

func (d *Detector) detectLaptop() bool {
	data, err := os.ReadFile(filepath.Join(d.sysRoot, "sys/class/dmi/id/chassis_type"))
	if err == nil {
		if n, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
			return laptopChassisTypes[n]
		}
	}
	// No DMI (some ARM boards): a battery supply node is a good hint.
	entries, err := os.ReadDir(filepath.Join(d.sysRoot, "sys/class/power_supply"))
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "BAT") {
			return true
		}
	}
	return false
}

// detectOnAC reports whether the host runs on mains power. Non-laptops are
// always on AC; laptops with no readable mains supply default to on-AC.
func (d *Detector) detectOnAC(isLaptop bool) bool {
	if !isLaptop {
		return true
	}
	supplyDir := filepath.Join(d.sysRoot, "sys/class/power_supply")
	entries, err := os.ReadDir(supplyDir)
	if err != nil {
		return true
	}

	sawMains := false
	for _, entry := range entries {
		base := filepath.Join(supplyDir, entry.Name())
		typ, err := os.ReadFile(filepath.Join(base, "type"))
		if err != nil || strings.TrimSpace(string(typ)) != "Mains" {
			continue
		}
		sawMains = true
		online, err := os.ReadFile(filepath.Join(base, "online"))
		if err == nil && strings.TrimSpace(string(online)) == "1" {
			return true
		}
	}
	return !sawMains
}
