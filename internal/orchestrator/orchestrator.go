// Package orchestrator discovers unit scripts under a category root,
// decides eligibility per unit, and executes the eligible ones sequentially
// in a deterministic order.
package orchestrator

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"unitrun/internal/capability"
	"unitrun/internal/eval"
	"unitrun/internal/journal"
	"unitrun/internal/notify"
	"unitrun/internal/schedule"
	"unitrun/internal/unit"
)

// RunUnitFunc executes one unit as a child process and returns its exit
// status. A non-nil error means the process could not be started at all.
type RunUnitFunc func(u unit.Unit, category string) (int, error)

// Options wires an Orchestrator. Root, Detector, and Store are required;
// everything ambient (env, clock, search path) arrives here explicitly.
type Options struct {
	Root     string // units root directory
	Category string // subtree to run; empty means the full tree
	Strict   bool   // propagate nonzero exit when any unit fails
	DryRun   bool   // evaluate and report, execute nothing
	Notify   bool   // desktop notification on batch completion

	Logger   *log.Logger
	LogLevel string
	Journal  *journal.Journal // nil disables journaling
	Detector *capability.Detector
	Store    *schedule.Store

	LookPath func(string) (string, error) // nil means exec.LookPath
	Now      func() time.Time             // nil means time.Now
	RunUnit  RunUnitFunc                  // nil means child-process execution
}

// Summary is the outcome of one batch.
type Summary struct {
	Ran     int
	Skipped int
	Failed  int
}

// Orchestrator runs one batch at a time, fully sequentially: each unit's
// process is waited on before the next is considered.
type Orchestrator struct {
	opts     Options
	logger   *log.Logger
	logLevel LogLevel
	now      func() time.Time
	runUnit  RunUnitFunc
}

// New validates options and builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Root == "" {
		return nil, errors.New("orchestrator: root is required")
	}
	if opts.Detector == nil {
		return nil, errors.New("orchestrator: detector is required")
	}
	if opts.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}

	o := &Orchestrator{
		opts:     opts,
		logger:   opts.Logger,
		logLevel: parseLogLevel(opts.LogLevel),
		now:      opts.Now,
		runUnit:  opts.RunUnit,
	}
	if o.logger == nil {
		o.logger = log.New(os.Stderr, "", 0)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.runUnit == nil {
		o.runUnit = execUnit
	}
	return o, nil
}

// Run executes one batch. The returned error covers configuration problems
// only (a missing category root); individual unit failures are counted in
// the Summary and never abort the batch.
func (o *Orchestrator) Run() (Summary, error) {
	root := o.opts.Root
	if o.opts.Category != "" {
		root = filepath.Join(root, o.opts.Category)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return Summary{}, fmt.Errorf("category root %s: not a directory", root)
	}

	units, err := o.discover(root)
	if err != nil {
		return Summary{}, err
	}
	sortUnits(units)

	snap := o.opts.Detector.Snapshot()
	o.debugf("capability snapshot: os=%s distro=%s de=%s gpu=%v cpu=%s laptop=%v ac=%v",
		snap.OS, snap.Distro, snap.DesktopEnvironment, snap.GPUVendors,
		snap.CPUVendor, snap.IsLaptop, snap.IsOnAC)

	env := eval.Env{
		Snapshot: snap,
		Now:      o.now(),
		LookPath: o.opts.LookPath,
		LastRun: func(unitID string) (time.Time, bool) {
			t, ok, err := o.opts.Store.Get(unitID)
			if err != nil {
				o.warnf("read schedule state for %s: %v", unitID, err)
				return time.Time{}, false
			}
			return t, ok
		},
	}

	var summary Summary
	for _, u := range units {
		o.runOne(u, env, &summary)
	}

	o.infof("batch complete: %d run, %d skipped, %d failed", summary.Ran, summary.Skipped, summary.Failed)
	o.journal(journal.Entry{
		Event:    journal.EventBatchDone,
		Category: o.opts.Category,
		Detail:   fmt.Sprintf("%d run, %d skipped, %d failed", summary.Ran, summary.Skipped, summary.Failed),
	})
	if o.opts.Notify {
		if err := notify.Send("unitrun", fmt.Sprintf("%s: %d run, %d skipped, %d failed",
			o.opts.Category, summary.Ran, summary.Skipped, summary.Failed)); err != nil {
			o.debugf("notification: %v", err)
		}
	}
	return summary, nil
}

func (o *Orchestrator) runOne(u unit.Unit, env eval.Env, summary *Summary) {
	constraints := eval.Parse(u.Tags)

	if !u.Executable {
		o.skip(u, "not executable", summary)
		return
	}
	if ok, reason := eval.Evaluate(u.ID(), constraints, env); !ok {
		o.skip(u, reason, summary)
		return
	}

	if o.opts.DryRun {
		o.infof("would run %s", u.Name)
		summary.Ran++
		return
	}

	o.infof("running %s", u.Name)
	o.journal(journal.Entry{Event: journal.EventUnitStart, Category: o.opts.Category, Unit: u.Name})

	code, err := o.runUnit(u, o.opts.Category)
	if err != nil {
		o.warnf("failed %s: %v", u.Name, err)
		o.journal(journal.Entry{Event: journal.EventUnitFail, Category: o.opts.Category,
			Unit: u.Name, Detail: err.Error()})
		summary.Failed++
		return
	}
	if code != 0 {
		// The schedule timestamp stays untouched so the unit is retried on
		// its next eligible window.
		o.warnf("failed %s: exit status %d", u.Name, code)
		o.journal(journal.Entry{Event: journal.EventUnitFail, Category: o.opts.Category,
			Unit: u.Name, ExitCode: &code})
		summary.Failed++
		return
	}

	summary.Ran++
	o.journal(journal.Entry{Event: journal.EventUnitOK, Category: o.opts.Category,
		Unit: u.Name, ExitCode: &code})

	if eval.HasSchedule(constraints) {
		if err := o.opts.Store.Set(u.ID(), o.now()); err != nil {
			// A state write failure never retroactively fails the run.
			o.warnf("record schedule state for %s: %v", u.Name, err)
		}
	}
}

func (o *Orchestrator) skip(u unit.Unit, reason string, summary *Summary) {
	o.infof("skipping %s: %s", u.Name, reason)
	o.journal(journal.Entry{Event: journal.EventUnitSkip, Category: o.opts.Category,
		Unit: u.Name, Detail: reason})
	summary.Skipped++
}

func (o *Orchestrator) journal(e journal.Entry) {
	if o.opts.Journal == nil {
		return
	}
	if err := o.opts.Journal.Record(e); err != nil {
		o.warnf("journal: %v", err)
	}
}

// discover walks the tree under root collecting runnable units. Files whose
// first line lacks the interpreter marker are not units (encrypted
// placeholders share the tree) and are passed over without a log line.
// Dotfiles and dot-directories are not candidates.
func (o *Orchestrator) discover(root string) ([]unit.Unit, error) {
	var units []unit.Unit
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		hdr, err := unit.ReadHeader(path)
		if err != nil {
			o.warnf("read header %s: %v", path, err)
			return nil
		}
		if !hdr.Runnable {
			o.debugf("not a unit: %s", path)
			return nil
		}
		u, err := unit.Load(path, hdr)
		if err != nil {
			o.warnf("load unit %s: %v", path, err)
			return nil
		}
		units = append(units, u)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover units under %s: %w", root, err)
	}
	return units, nil
}

// sortUnits orders by base name first so numeric filename prefixes define
// execution order across subdirectories, with the full path as tiebreak for
// a total, reproducible order.
func sortUnits(units []unit.Unit) {
	sort.Slice(units, func(i, j int) bool {
		if units[i].Name != units[j].Name {
			return units[i].Name < units[j].Name
		}
		return units[i].Path < units[j].Path
	})
}

// execUnit runs a unit as a child process with inherited standard streams
// and environment. Only the exit status is captured. There is no timeout, so
// a hung unit blocks the batch.
func execUnit(u unit.Unit, category string) (int, error) {
	var args []string
	if category != "" {
		args = []string{category}
	}
	cmd := exec.Command(u.Path, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
