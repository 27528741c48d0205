package orchestrator

import (
	"bytes"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unitrun/internal/capability"
	"unitrun/internal/schedule"
	"unitrun/internal/unit"
)

type script struct {
	content string
	mode    os.FileMode
}

func unitScript(tags string) script {
	header := "#!/bin/sh\n"
	if tags != "" {
		header += "# tags: " + tags + "\n"
	}
	return script{content: header + "exit 0\n", mode: 0o755}
}

func buildTree(t *testing.T, files map[string]script) string {
	t.Helper()
	root := t.TempDir()
	for rel, s := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(s.content), s.mode))
	}
	return root
}

type fixture struct {
	root  string
	store *schedule.Store
	log   *bytes.Buffer
	ran   []string // base names passed to the RunUnit seam, in order
}

func newFixture(t *testing.T, files map[string]script) *fixture {
	t.Helper()
	return &fixture{
		root:  buildTree(t, files),
		store: schedule.NewStore(filepath.Join(t.TempDir(), "state")),
		log:   &bytes.Buffer{},
	}
}

// options returns Options with a recording RunUnit seam; exitCodes maps a
// unit base name to its exit status (default 0).
func (f *fixture) options(category string, exitCodes map[string]int) Options {
	return Options{
		Root:     f.root,
		Category: category,
		Logger:   log.New(f.log, "", 0),
		Detector: capability.NewDetector(capability.Options{SysRoot: "/nonexistent", GOOS: "linux"}),
		Store:    f.store,
		LookPath: func(name string) (string, error) { return "", errors.New("not found") },
		RunUnit: func(u unit.Unit, _ string) (int, error) {
			f.ran = append(f.ran, u.Name)
			return exitCodes[u.Name], nil
		},
	}
}

func (f *fixture) run(t *testing.T, opts Options) Summary {
	t.Helper()
	o, err := New(opts)
	require.NoError(t, err)
	summary, err := o.Run()
	require.NoError(t, err)
	return summary
}

func TestSortOrderBaseNamePrimary(t *testing.T) {
	f := newFixture(t, map[string]script{
		"b/10-x.sh": unitScript(""),
		"a/05-y.sh": unitScript(""),
		"c/10-z.sh": unitScript(""),
	})

	summary := f.run(t, f.options("", nil))

	assert.Equal(t, 3, summary.Ran)
	assert.Equal(t, []string{"05-y.sh", "10-x.sh", "10-z.sh"}, f.ran)
}

func TestCategorySelectsSubtree(t *testing.T) {
	f := newFixture(t, map[string]script{
		"nightly/10-trim.sh": unitScript(""),
		"autostart/05-kb.sh": unitScript(""),
	})

	f.run(t, f.options("nightly", nil))
	assert.Equal(t, []string{"10-trim.sh"}, f.ran)
}

func TestMissingCategoryRootIsFatal(t *testing.T) {
	f := newFixture(t, map[string]script{})
	o, err := New(f.options("no-such-category", nil))
	require.NoError(t, err)

	_, err = o.Run()
	assert.Error(t, err)
}

func TestFailureIsolation(t *testing.T) {
	f := newFixture(t, map[string]script{
		"n/10-bad.sh":  unitScript("schedule:daily"),
		"n/20-good.sh": unitScript(""),
	})

	summary := f.run(t, f.options("n", map[string]int{"10-bad.sh": 1}))

	// The failing unit does not block the rest of the batch.
	assert.Equal(t, []string{"10-bad.sh", "20-good.sh"}, f.ran)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Ran)
	assert.Contains(t, f.log.String(), "exit status 1")

	// The failed unit's schedule timestamp stays unset.
	badID := unit.IDForPath(filepath.Join(f.root, "n", "10-bad.sh"))
	_, ok, err := f.store.Get(badID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScheduleRecordedOnSuccessOnly(t *testing.T) {
	f := newFixture(t, map[string]script{
		"n/10-sync.sh": unitScript("schedule:daily"),
		"n/20-tidy.sh": unitScript(""),
	})

	f.run(t, f.options("n", nil))

	syncID := unit.IDForPath(filepath.Join(f.root, "n", "10-sync.sh"))
	_, ok, err := f.store.Get(syncID)
	require.NoError(t, err)
	assert.True(t, ok, "schedule: unit gets a record")

	// Units without schedule tags never touch the store.
	tidyID := unit.IDForPath(filepath.Join(f.root, "n", "20-tidy.sh"))
	_, ok, err = f.store.Get(tidyID)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestStateWriteFailureDoesNotFailRun pins the error contract for an
// unwritable store: the unit still counts as run, with only a warning.
func TestStateWriteFailureDoesNotFailRun(t *testing.T) {
	f := newFixture(t, map[string]script{
		"n/10-sync.sh": unitScript("schedule:daily"),
	})

	// A regular file where the state dir should be makes every Set fail.
	blocker := filepath.Join(t.TempDir(), "state")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	f.store = schedule.NewStore(filepath.Join(blocker, "schedule"))

	summary := f.run(t, f.options("n", nil))

	assert.Equal(t, []string{"10-sync.sh"}, f.ran)
	assert.Equal(t, 1, summary.Ran)
	assert.Equal(t, 0, summary.Failed)
	assert.Contains(t, f.log.String(), "[warn] record schedule state for 10-sync.sh")
}

func TestScheduledUnitSkippedUntilDue(t *testing.T) {
	f := newFixture(t, map[string]script{
		"n/10-sync.sh": unitScript("schedule:daily"),
	})

	// Anchor the clock mid-day so the second run stays inside the same UTC
	// day.
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	opts := f.options("n", nil)
	opts.Now = func() time.Time { return now }

	f.run(t, opts)
	require.Equal(t, []string{"10-sync.sh"}, f.ran)

	opts.Now = func() time.Time { return now.Add(time.Hour) }
	summary := f.run(t, opts)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, []string{"10-sync.sh"}, f.ran, "not run a second time")
	assert.Contains(t, f.log.String(), "not due")

	// Next UTC day it runs again.
	opts.Now = func() time.Time { return now.Add(15 * time.Hour) }
	f.run(t, opts)
	assert.Equal(t, []string{"10-sync.sh", "10-sync.sh"}, f.ran)
}

func TestConstraintSkipsAreLogged(t *testing.T) {
	f := newFixture(t, map[string]script{
		"n/10-mac.sh": unitScript("os:darwin"),
	})

	summary := f.run(t, f.options("n", nil))

	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, f.ran)
	assert.Contains(t, f.log.String(), "skipping 10-mac.sh")
	assert.Contains(t, f.log.String(), "os:darwin")
}

func TestNonExecutableUnitReportedSkipped(t *testing.T) {
	f := newFixture(t, map[string]script{
		"n/10-a.sh": {content: "#!/bin/sh\nexit 0\n", mode: 0o644},
	})

	summary := f.run(t, f.options("n", nil))

	assert.Equal(t, 1, summary.Skipped)
	assert.Contains(t, f.log.String(), "not executable")
}

func TestNonUnitsAreIgnoredSilently(t *testing.T) {
	f := newFixture(t, map[string]script{
		"n/10-run.sh":    unitScript(""),
		"n/secret.asc":   {content: "U2FsdGVkX1+encrypted\n", mode: 0o644},
		"n/.hidden.sh":   unitScript(""),
		"n/.git/hook.sh": unitScript(""),
	})

	summary := f.run(t, f.options("n", nil))

	assert.Equal(t, []string{"10-run.sh"}, f.ran)
	assert.Equal(t, 0, summary.Skipped)
	assert.NotContains(t, f.log.String(), "secret.asc")
}

func TestDryRunExecutesNothing(t *testing.T) {
	f := newFixture(t, map[string]script{
		"n/10-a.sh": unitScript(""),
	})

	opts := f.options("n", nil)
	opts.DryRun = true
	summary := f.run(t, opts)

	assert.Equal(t, 1, summary.Ran)
	assert.Empty(t, f.ran)
	assert.Contains(t, f.log.String(), "would run 10-a.sh")
}

func TestDepConstraint(t *testing.T) {
	f := newFixture(t, map[string]script{
		"n/10-git.sh": unitScript("dep:git"),
	})

	opts := f.options("n", nil)
	opts.LookPath = func(name string) (string, error) {
		if name == "git" {
			return "/usr/bin/git", nil
		}
		return "", errors.New("not found")
	}
	summary := f.run(t, opts)
	assert.Equal(t, 1, summary.Ran)

	// Same tree, dependency absent: skipped.
	f2 := newFixture(t, map[string]script{
		"n/10-git.sh": unitScript("dep:git"),
	})
	summary = f2.run(t, f2.options("n", nil))
	assert.Equal(t, 1, summary.Skipped)
}

func TestBatchCompletionMarker(t *testing.T) {
	f := newFixture(t, map[string]script{
		"n/10-a.sh": unitScript(""),
		"n/20-b.sh": unitScript("os:darwin"),
	})

	f.run(t, f.options("n", nil))
	assert.Contains(t, f.log.String(), "batch complete: 1 run, 1 skipped, 0 failed")
}

// TestChildProcessExecution exercises the real exec path end to end.
func TestChildProcessExecution(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran.txt")

	f := newFixture(t, map[string]script{
		"n/10-touch.sh": {
			content: "#!/bin/sh\n# tags: os:linux\necho \"$1\" > " + marker + "\n",
			mode:    0o755,
		},
		"n/20-fail.sh": {content: "#!/bin/sh\nexit 3\n", mode: 0o755},
	})

	opts := f.options("n", nil)
	opts.RunUnit = nil // use the real child-process executor
	o, err := New(opts)
	require.NoError(t, err)

	summary, err := o.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Ran)
	assert.Equal(t, 1, summary.Failed)

	// The category name was passed as the only argument.
	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "n\n", string(data))
	assert.Contains(t, f.log.String(), "exit status 3")
}
