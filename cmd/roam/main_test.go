package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"roam/internal/config"
	"roam/internal/queue"
	"roam/internal/storage"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()

	base := t.TempDir()
	configPath := filepath.Join(base, "config.toml")
	contents := strings.Join([]string{
		"[paths]",
		`data_dir = "` + filepath.Join(base, "data") + `"`,
		`log_dir = "` + filepath.Join(base, "logs") + `"`,
		"",
		"[sync]",
		`base_url = "https://festival.example.com"`,
		"",
		"[[sync.domains]]",
		`name = "schedule"`,
		`path = "/api/schedule"`,
		`strategy = "server-wins"`,
		"",
	}, "\n")
	if err := os.WriteFile(configPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath
}

func runCLI(t *testing.T, configPath string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestCLIConfigInit(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")

	out, _, err := runCLI(t, "", "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, target) {
		t.Fatalf("output missing target path: %q", out)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("sample config not written: %v", err)
	}

	// Refuses to clobber without --overwrite.
	if _, _, err := runCLI(t, "", "config", "init", "--path", target); err == nil {
		t.Fatal("expected error for existing config")
	}
	if _, _, err := runCLI(t, "", "config", "init", "--path", target, "--overwrite"); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}
}

func TestCLIQueueCommands(t *testing.T) {
	configPath := writeTestConfig(t)
	ctx := context.Background()

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	db, err := storage.Open(cfg)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	store, err := queue.NewStore(db, queue.Defaults{MaxRetries: cfg.Queue.MaxRetries, Timeout: cfg.QueueTimeout()})
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	id, err := store.Add(ctx, queue.AddRequest{
		Action: "submit_rating", Endpoint: "/ratings", Method: "POST", Body: []byte(`{"stars":5}`),
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close storage: %v", err)
	}

	out, _, err := runCLI(t, configPath, "queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	if !strings.Contains(out, "submit_rating") || !strings.Contains(out, "/ratings") {
		t.Fatalf("queue list output: %q", out)
	}

	out, _, err = runCLI(t, configPath, "queue", "show", id)
	if err != nil {
		t.Fatalf("queue show: %v", err)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, `{"stars":5}`) {
		t.Fatalf("queue show output: %q", out)
	}

	out, _, err = runCLI(t, configPath, "queue", "cancel", id)
	if err != nil {
		t.Fatalf("queue cancel: %v", err)
	}
	if !strings.Contains(out, "Cancelled 1") {
		t.Fatalf("queue cancel output: %q", out)
	}

	// clear requires confirmation
	if _, _, err := runCLI(t, configPath, "queue", "clear"); err == nil {
		t.Fatal("expected error without --yes")
	}
	out, _, err = runCLI(t, configPath, "queue", "clear", "--yes")
	if err != nil {
		t.Fatalf("queue clear: %v", err)
	}
	if !strings.Contains(out, "Removed 1") {
		t.Fatalf("queue clear output: %q", out)
	}
}

func TestCLIStatusEmpty(t *testing.T) {
	configPath := writeTestConfig(t)

	out, _, err := runCLI(t, configPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"Pending:", "Last pass:", "never"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q: %q", want, out)
		}
	}
}
