package watch

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunTriggersAfterChange(t *testing.T) {
	root := t.TempDir()
	logger := log.New(&bytes.Buffer{}, "", 0)

	triggered := make(chan struct{}, 4)
	w := New(root, 50*time.Millisecond, logger, func() error {
		triggered <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher a moment to register, then touch a unit.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "10-a.sh"), []byte("#!/bin/sh\n"), 0o755))

	select {
	case <-triggered:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not trigger a run")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDebounceCollapsesBursts(t *testing.T) {
	root := t.TempDir()
	logger := log.New(&bytes.Buffer{}, "", 0)

	triggered := make(chan struct{}, 16)
	w := New(root, 200*time.Millisecond, logger, func() error {
		triggered <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// A burst of writes inside the debounce window.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, "10-a.sh"), []byte("#!/bin/sh\n"), 0o755))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-triggered:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not trigger a run")
	}

	// No second run follows from the same burst.
	select {
	case <-triggered:
		t.Fatal("burst triggered more than one run")
	case <-time.After(400 * time.Millisecond):
	}
}

func TestMissingRootIsAnError(t *testing.T) {
	// WalkDir tolerates a vanished subtree but the watcher itself needs a
	// real root to be useful; a run against nothing still terminates.
	w := New(filepath.Join(t.TempDir(), "gone"), time.Millisecond, log.New(&bytes.Buffer{}, "", 0), func() error { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := w.Run(ctx)
	assert.Error(t, err)
}
