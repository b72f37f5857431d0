package main

import (
	"bytes"
	"strings"
	"testing"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "rd dev") {
		t.Errorf("expected output to contain 'rd dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "rd 1.0.0") {
		t.Errorf("expected output to contain 'rd 1.0.0', got: %s", out)
	}
	if !strings.Contains(out, "built: 2026-01-01") {
		t.Errorf("expected output to contain 'built: 2026-01-01', got: %s", out)
	}
}

func TestRootCmdHelp(t *testing.T) {
	out, err := runCmd(t, "--help")
	if err != nil {
		t.Fatalf("help failed: %v", err)
	}
	for _, sub := range []string{"version", "db", "serve", "worker", "review", "message", "audit", "connections"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help to list %q, got: %s", sub, out)
		}
	}
}

func TestSubcommandHelp(t *testing.T) {
	tests := []struct {
		args []string
		want []string
	}{
		{[]string{"db", "--help"}, []string{"init", "migrate"}},
		{[]string{"worker", "--help"}, []string{"run", "run-once"}},
		{[]string{"review", "--help"}, []string{"list", "approve", "edit", "reject"}},
		{[]string{"message", "--help"}, []string{"evaluate", "handle", "restore"}},
		{[]string{"audit", "--help"}, []string{"list", "summary"}},
		{[]string{"connections", "--help"}, []string{"list", "reconnected"}},
		{[]string{"serve", "--help"}, []string{"--port", "--worker", "rd.yaml"}},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			out, err := runCmd(t, tt.args...)
			if err != nil {
				t.Fatalf("%v failed: %v", tt.args, err)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("expected help to mention %q, got: %s", w, out)
				}
			}
		})
	}
}

func TestCommands_MissingConfig(t *testing.T) {
	cfg := "/nonexistent/rd.yaml"
	cases := [][]string{
		{"db", "init", "-c", cfg},
		{"db", "migrate", "-c", cfg},
		{"review", "list", "-w", "ws1", "-c", cfg},
		{"review", "approve", "m1", "-c", cfg},
		{"message", "restore", "m1", "-c", cfg},
		{"audit", "list", "-c", cfg},
		{"connections", "list", "-c", cfg},
		{"worker", "run-once", "-c", cfg},
	}
	for _, args := range cases {
		t.Run(strings.Join(args[:2], " "), func(t *testing.T) {
			_, err := runCmd(t, args...)
			if err == nil {
				t.Fatal("expected error for missing config")
			}
			if !strings.Contains(err.Error(), "load config") {
				t.Errorf("error = %q, want load config error", err)
			}
		})
	}
}

func TestReviewList_RequiresWorkspace(t *testing.T) {
	_, err := runCmd(t, "review", "list", "-c", "/nonexistent/rd.yaml")
	if err == nil || !strings.Contains(err.Error(), "workspace") {
		t.Fatalf("err = %v, want required workspace flag error", err)
	}
}

func TestMessageHandle_InvalidAction(t *testing.T) {
	_, err := runCmd(t, "message", "handle", "m1", "--action", "shrug", "-c", "/nonexistent/rd.yaml")
	if err == nil || !strings.Contains(err.Error(), "invalid action") {
		t.Fatalf("err = %v, want invalid action error", err)
	}
}

func TestMessageHandle_ConflictingArchiveFlags(t *testing.T) {
	_, err := runCmd(t, "message", "handle", "m1", "--archive", "--no-archive", "-c", "/nonexistent/rd.yaml")
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("err = %v, want mutually exclusive error", err)
	}
}
