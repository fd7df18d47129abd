package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"help"}, {"-h"}, {"--help"}} {
		var stdout, stderr bytes.Buffer
		if err := run(args, &stdout, &stderr); err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
		if !strings.Contains(stdout.String(), "Usage:") {
			t.Errorf("run(%v) stdout = %q, want usage", args, stdout.String())
		}
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run([]string{"deploy"}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), `unknown command "deploy"`) {
		t.Fatalf("error = %v, want unknown command", err)
	}
}

func TestRun_NoBridges(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run([]string{"run", "-config-dir", t.TempDir(), "-metrics-addr", "127.0.0.1:0"}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "no bridge definitions") {
		t.Fatalf("error = %v, want no bridge definitions", err)
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("FISO_TEST_ENV_OR", "")
	if got := envOr("FISO_TEST_ENV_OR", "fallback"); got != "fallback" {
		t.Errorf("envOr() = %q, want fallback", got)
	}
	t.Setenv("FISO_TEST_ENV_OR", "set")
	if got := envOr("FISO_TEST_ENV_OR", "fallback"); got != "set" {
		t.Errorf("envOr() = %q, want set", got)
	}
}
