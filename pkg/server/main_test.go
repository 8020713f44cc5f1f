package server

import (
	"io"
	"log"
	"os"
	"testing"
)

// TestMain silences package-level loggers once before any test runs.
// Individual tests must not touch them afterwards; goroutines from earlier
// tests may still be reading them.
func TestMain(m *testing.M) {
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	log.SetOutput(io.Discard)

	os.Exit(m.Run())
}
