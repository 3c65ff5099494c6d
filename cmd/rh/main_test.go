package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "rh dev") {
		t.Errorf("expected output to contain 'rh dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "rh 1.0.0") {
		t.Errorf("expected output to contain 'rh 1.0.0', got: %s", out)
	}
	if !strings.Contains(out, "built: 2026-01-01") {
		t.Errorf("expected output to contain 'built: 2026-01-01', got: %s", out)
	}
}

func TestRootCmdHelp(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("help command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Roundhouse") {
		t.Errorf("expected help output to contain 'Roundhouse', got: %s", out)
	}
	for _, sub := range []string{"serve", "train", "status", "cancel", "predict", "detect-lang", "remove", "reconcile", "models"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help output to list %q subcommand", sub)
		}
	}
}

func TestExecute_ReturnsNonZeroOnError(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"status"})

	if code := execute(cmd); code != 1 {
		t.Errorf("execute() = %d, want 1", code)
	}
}

func TestCommands_MissingConfig(t *testing.T) {
	tests := [][]string{
		{"db", "init"},
		{"train", "/nonexistent/bot.yaml"},
		{"status", "b1", "en"},
		{"cancel", "b1", "en"},
		{"predict", "b1", "en", "hello"},
		{"detect-lang", "b1", "hello"},
		{"remove", "b1"},
		{"reconcile"},
		{"info"},
		{"models", "list", "--bot", "b1"},
		{"serve"},
	}
	for _, args := range tests {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			cmd := newRootCmd()
			buf := new(bytes.Buffer)
			cmd.SetOut(buf)
			cmd.SetErr(buf)
			cmd.SetArgs(append(args, "--config", "/nonexistent/roundhouse.yaml"))

			if err := cmd.Execute(); err == nil {
				t.Fatal("expected error for missing config file")
			}
		})
	}
}

func TestServeCmd_Flags(t *testing.T) {
	cmd := newServeCmd()
	if f := cmd.Flags().Lookup("port"); f == nil || f.DefValue != "0" {
		t.Errorf("--port flag = %v, want default 0", f)
	}
	if f := cmd.Flags().Lookup("config"); f == nil || f.DefValue != defaultConfigPath {
		t.Errorf("--config flag = %v, want default %q", f, defaultConfigPath)
	}
}
