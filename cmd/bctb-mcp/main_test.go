package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-config", "/tmp/config.json", "-log-level", "debug"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if opts.configPath != "/tmp/config.json" {
		t.Errorf("configPath = %q, want /tmp/config.json", opts.configPath)
	}
	if opts.logLevel != "debug" {
		t.Errorf("logLevel = %q, want debug", opts.logLevel)
	}
	if opts.showVersion {
		t.Error("showVersion should default to false")
	}
}

func TestParseFlagsDefaults(t *testing.T) {
	opts, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if opts.configPath != "" {
		t.Errorf("configPath = %q, want empty", opts.configPath)
	}
	if opts.logLevel != "info" {
		t.Errorf("logLevel = %q, want info", opts.logLevel)
	}
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"-version"}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "bctb-mcp version") {
		t.Errorf("version output = %q", out.String())
	}
}

func TestRunInvalidLogLevel(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"-log-level", "loud"}, &out)
	if err == nil || !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("err = %v, want invalid log level", err)
	}
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if _, err := newLogger(level); err != nil {
			t.Errorf("newLogger(%q): %v", level, err)
		}
	}
	if _, err := newLogger("nope"); err == nil {
		t.Error("newLogger should reject unknown levels")
	}
}
