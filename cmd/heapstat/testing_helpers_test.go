package main

import (
	"bytes"
	"os"
	"testing"
)

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}

	os.Stdout = w

	// Drain concurrently so large reports cannot fill the pipe
	done := make(chan struct{})
	var buf bytes.Buffer
	go func() {
		_, _ = buf.ReadFrom(r)
		close(done)
	}()

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout
	<-done

	return buf.String(), fnErr
}

// resetFlags restores every global flag to its default after a test
func resetFlags(t *testing.T) {
	t.Helper()

	t.Cleanup(func() {
		verbose = false
		quiet = false
		jsonOut = false
		runSizes = []int{8, 16, 5000}
		runCount = 1000
		runFreeEvery = 3
		runDetailed = false
		runLimit = 0
		runTrack = false
	})
}
