package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewTeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	logger, closer := New("info", "json", path)

	logger.Info("hello", "uid", 7)
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Fatalf("log file missing entry: %q", data)
	}
	if !strings.Contains(string(data), `"uid":7`) {
		t.Fatalf("log file missing attr: %q", data)
	}
}

func TestNewWithoutFileIsNoopCloser(t *testing.T) {
	logger, closer := New("debug", "text", "")
	if logger == nil {
		t.Fatal("nil logger")
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("noop closer returned %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]string{
		"debug":   "DEBUG",
		"warn":    "WARN",
		"warning": "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"bogus":   "INFO",
	} {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
