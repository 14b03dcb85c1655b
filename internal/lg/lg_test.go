package lg

import (
	"fmt"
	"testing"
)

type mockLogger struct {
	Count int
}

func (l *mockLogger) Output(maxdepth int, s string) error {
	l.Count++
	return nil
}

func TestLogging(t *testing.T) {
	logger := &mockLogger{}

	// Test only fatal get through
	logger.Count = 0
	for i := 1; i <= 5; i++ {
		Logf(logger, FATAL, LogLevel(i), "Test")
	}
	if logger.Count != 1 {
		t.Fatalf("count %d", logger.Count)
	}

	// Test only warnings and up get through
	logger.Count = 0
	for i := 1; i <= 5; i++ {
		Logf(logger, WARN, LogLevel(i), "Test")
	}
	if logger.Count != 3 {
		t.Fatalf("count %d", logger.Count)
	}

	// Test everything gets through
	logger.Count = 0
	for i := 1; i <= 5; i++ {
		Logf(logger, DEBUG, LogLevel(i), "Test")
	}
	if logger.Count != 5 {
		t.Fatalf("count %d", logger.Count)
	}
}

func TestParseLogLevel(t *testing.T) {
	for i, level := range []string{"debug", "info", "warn", "error", "fatal"} {
		lvl, err := ParseLogLevel(level)
		if err != nil {
			t.Fatal(err)
		}
		if lvl != LogLevel(i+1) {
			t.Fatalf("%s != %d", level, i+1)
		}
	}
	_, err := ParseLogLevel("bad")
	if err == nil {
		t.Fatal(fmt.Errorf("expected error for bad level"))
	}
}
