package eval

import (
	"fmt"
	"os/exec"
	"time"

	"unitrun/internal/capability"
)

// Env carries everything evaluation needs. The orchestrator builds one Env
// per batch so no constraint reads ambient state directly.
type Env struct {
	Snapshot capability.Snapshot
	Now      time.Time

	// LastRun looks up the recorded last successful run for a unit id. A nil
	// LastRun means no schedule history is available, which makes every
	// schedule constraint pass (first run always happens).
	LastRun func(unitID string) (time.Time, bool)

	// LookPath resolves a command on the executable search path. Nil falls
	// back to exec.LookPath.
	LookPath func(name string) (string, error)
}

// Evaluate reports whether every constraint passes (conjunction). A unit
// with no constraint-bearing tags is always eligible. On failure the reason
// names the first constraint that did not hold.
func Evaluate(unitID string, constraints []Constraint, env Env) (bool, string) {
	for _, c := range constraints {
		if ok, reason := evalOne(unitID, c, env); !ok {
			return false, reason
		}
	}
	return true, ""
}

func evalOne(unitID string, c Constraint, env Env) (bool, string) {
	snap := env.Snapshot
	switch c.Kind {
	case KindOS:
		if c.Value == string(snap.OS) {
			return true, ""
		}
		if snap.OS == capability.OSLinux && c.Value == snap.Distro {
			return true, ""
		}
		return false, fmt.Sprintf("requires %s (host is %s/%s)", c.Raw, snap.OS, snap.Distro)

	case KindGPU:
		if c.Value == "any" {
			if len(snap.GPUVendors) > 0 {
				return true, ""
			}
			return false, "requires gpu:any (no GPU detected)"
		}
		if snap.HasGPU(c.Value) {
			return true, ""
		}
		return false, fmt.Sprintf("requires %s (host has %v)", c.Raw, snap.GPUVendors)

	case KindCPU:
		if c.Value == snap.CPUVendor {
			return true, ""
		}
		return false, fmt.Sprintf("requires %s (host is cpu:%s)", c.Raw, snap.CPUVendor)

	case KindDE:
		if c.Value == snap.DesktopEnvironment {
			return true, ""
		}
		return false, fmt.Sprintf("requires %s (host is de:%s)", c.Raw, snap.DesktopEnvironment)

	case KindHW:
		// Only hw:laptop is defined; unknown hardware classes are inert.
		if c.Value == "laptop" && !snap.IsLaptop {
			return false, "requires hw:laptop"
		}
		return true, ""

	case KindPower:
		switch c.Value {
		case "ac":
			if snap.IsOnAC {
				return true, ""
			}
			return false, "requires power:ac (on battery)"
		case "battery":
			if !snap.IsOnAC {
				return true, ""
			}
			return false, "requires power:battery (on AC)"
		default:
			// power:any and unknown power states are inert.
			return true, ""
		}

	case KindDep:
		lookPath := env.LookPath
		if lookPath == nil {
			lookPath = exec.LookPath
		}
		if _, err := lookPath(c.Value); err != nil {
			return false, fmt.Sprintf("missing dependency %q", c.Value)
		}
		return true, ""

	case KindSchedule:
		if env.LastRun == nil {
			return true, ""
		}
		last, ok := env.LastRun(unitID)
		if !ok {
			return true, ""
		}
		if c.Interval.Due(last, env.Now) {
			return true, ""
		}
		return false, fmt.Sprintf("not due (%s, last run %s)", c.Raw, last.UTC().Format(time.RFC3339))

	default:
		return true, ""
	}
}
