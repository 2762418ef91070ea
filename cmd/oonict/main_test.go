package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/x-stp/oonict/internal/core"
)

func TestRenderChainTable(t *testing.T) {
	t.Parallel()
	var b strings.Builder
	rows := [][]string{
		{"0123456789abcdef", "new", "2", "CN=leaf.example", "web_connectivity example.org"},
		{"fedcba9876543210", "known", "1", "CN=other.example", "web_connectivity example.net"},
	}
	if err := renderChainTable(&b, rows); err != nil {
		t.Fatalf("renderChainTable: %v", err)
	}
	out := b.String()
	if !strings.Contains(strings.ToLower(out), "fingerprint") {
		t.Fatalf("missing header in:\n%s", out)
	}
	for _, want := range []string{"0123456789abcdef", "CN=other.example", "known", "|"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestRenderChainTableEmpty(t *testing.T) {
	t.Parallel()
	var b strings.Builder
	if err := renderChainTable(&b, nil); err != nil {
		t.Fatalf("renderChainTable: %v", err)
	}
	if strings.TrimSpace(b.String()) != "No chains found" {
		t.Fatalf("unexpected output %q", b.String())
	}
}

func TestResolveConfigPrecedence(t *testing.T) {
	// Not parallel: flags bind package variables and the environment is process-wide.
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "oonict.yaml")
	yamlBody := `
log:
  url: https://yaml.example/log
  submit_limit: 5
  submit_window: 1m
run:
  workers: 8
source:
  dir: /yaml/archives
`
	if err := os.WriteFile(yamlPath, []byte(yamlBody), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tests := []struct {
		name  string
		env   map[string]string
		args  []string
		check func(t *testing.T)
	}{
		{
			name: "defaults only",
			check: func(t *testing.T) {
				if cfg.Log.URL != "" || cfg.Run.Workers != core.DefaultWorkers || cfg.Log.SubmitLimit != core.DefaultSubmitLimit {
					t.Fatalf("unexpected defaults %+v %+v", cfg.Log, cfg.Run)
				}
				if cfg.State.Ledger != "oonict-ledger.txt" {
					t.Fatalf("ledger path %q", cfg.State.Ledger)
				}
			},
		},
		{
			name: "yaml over defaults",
			args: []string{"--config", yamlPath},
			check: func(t *testing.T) {
				if cfg.Log.URL != "https://yaml.example/log" || cfg.Run.Workers != 8 || cfg.Log.SubmitLimit != 5 {
					t.Fatalf("yaml not applied %+v %+v", cfg.Log, cfg.Run)
				}
				if cfg.Log.SubmitWindow != time.Minute || cfg.Source.Dir != "/yaml/archives" {
					t.Fatalf("yaml not applied %+v %+v", cfg.Log, cfg.Source)
				}
				if cfg.State.Ledger != "oonict-ledger-yaml.example_log.txt" {
					t.Fatalf("ledger path not derived from yaml log URL: %q", cfg.State.Ledger)
				}
			},
		},
		{
			name: "env over yaml",
			env:  map[string]string{"OONICT_LOG_URL": "https://env.example/log", "OONICT_WORKERS": "4"},
			args: []string{"--config", yamlPath},
			check: func(t *testing.T) {
				if cfg.Log.URL != "https://env.example/log" || cfg.Run.Workers != 4 {
					t.Fatalf("env not applied %+v %+v", cfg.Log, cfg.Run)
				}
				if cfg.Log.SubmitLimit != 5 {
					t.Fatalf("yaml value lost: %+v", cfg.Log)
				}
			},
		},
		{
			name: "explicit flags over env",
			env:  map[string]string{"OONICT_LOG_URL": "https://env.example/log", "OONICT_WORKERS": "4"},
			args: []string{"--config", yamlPath, "--workers", "2", "--ledger", filepath.Join(dir, "l.txt"), "--metrics-addr", ":9191"},
			check: func(t *testing.T) {
				if cfg.Run.Workers != 2 || cfg.State.Ledger != filepath.Join(dir, "l.txt") {
					t.Fatalf("flags not applied %+v %+v", cfg.Run, cfg.State)
				}
				if !cfg.Metrics.Enabled || cfg.Metrics.ListenAddr != ":9191" {
					t.Fatalf("metrics flag not applied %+v", cfg.Metrics)
				}
				if cfg.Log.URL != "https://env.example/log" {
					t.Fatalf("env value lost: %+v", cfg.Log)
				}
			},
		},
		{
			name: "unset flags keep lower layers",
			args: []string{"--config", yamlPath, "--force-rescan"},
			check: func(t *testing.T) {
				// --submit-limit defaults to 3 but was not given, so YAML's 5 stands.
				if cfg.Log.SubmitLimit != 5 || cfg.Run.Workers != 8 || !cfg.Run.ForceRescan {
					t.Fatalf("unset flags overrode config %+v %+v", cfg.Log, cfg.Run)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, name := range []string{"OONICT_LOG_URL", "OONICT_WORKERS"} {
				v, ok := tt.env[name]
				if !ok {
					v = ""
				}
				t.Setenv(name, v)
			}
			cmd := &cobra.Command{Use: "run", RunE: func(*cobra.Command, []string) error { return nil }}
			addGlobalFlags(cmd)
			addRunFlags(cmd)
			if err := cmd.ParseFlags(tt.args); err != nil {
				t.Fatalf("ParseFlags: %v", err)
			}
			if err := resolveConfig(cmd); err != nil {
				t.Fatalf("resolveConfig: %v", err)
			}
			tt.check(t)
		})
	}
}

func TestResolveConfigRejectsInvalid(t *testing.T) {
	cmd := &cobra.Command{Use: "run", RunE: func(*cobra.Command, []string) error { return nil }}
	addGlobalFlags(cmd)
	addRunFlags(cmd)
	if err := cmd.ParseFlags([]string{"--submit-limit", "0"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if err := resolveConfig(cmd); err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Fatalf("expected invalid configuration error, got %v", err)
	}
}
