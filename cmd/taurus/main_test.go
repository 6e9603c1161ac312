package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCmd(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), stderr.String(), err
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	stdout, _, err := runCmd(t)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "Usage: taurus") {
		t.Errorf("usage missing from output: %q", stdout)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	_, _, err := runCmd(t, "bogus")
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("err = %v", err)
	}
}

func TestRunUnknownFlag(t *testing.T) {
	_, _, err := runCmd(t, "-frobnicate")
	if err == nil || !strings.Contains(err.Error(), "unknown flag") {
		t.Errorf("err = %v", err)
	}
}

func TestRunUnknownOutputFormat(t *testing.T) {
	_, _, err := runCmd(t, "-o", "yaml", "version")
	if err == nil || !strings.Contains(err.Error(), "unknown output format") {
		t.Errorf("err = %v", err)
	}
}

func TestVersionText(t *testing.T) {
	stdout, _, err := runCmd(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "Taurus") || !strings.Contains(stdout, "go_version:") {
		t.Errorf("version output = %q", stdout)
	}
}

func TestVersionJSON(t *testing.T) {
	stdout, _, err := runCmd(t, "-o", "json", "version")
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if info["version"] == "" {
		t.Errorf("info = %+v", info)
	}
}

func TestAskRequiresQuestion(t *testing.T) {
	_, _, err := runCmd(t, "ask")
	if err == nil || !strings.Contains(err.Error(), "usage: taurus ask") {
		t.Errorf("err = %v", err)
	}
}

func TestServeMissingConfig(t *testing.T) {
	_, _, err := runCmd(t, "-config", filepath.Join(t.TempDir(), "nope.yaml"), "serve")
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("err = %v", err)
	}
}

func TestInitCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()

	stdout, _, err := runCmd(t, "init", dir)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "config.yaml") {
		t.Errorf("output = %q", stdout)
	}

	if fi, err := os.Stat(filepath.Join(dir, "data")); err != nil || !fi.IsDir() {
		t.Errorf("data dir missing: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "anthropic:") {
		t.Errorf("config content = %q", content)
	}
}

func TestInitNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("# mine\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := runCmd(t, "init", dir); err != nil {
		t.Fatal(err)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "# mine\n" {
		t.Errorf("init overwrote existing config: %q", content)
	}
}
