package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default("demo")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.ID != "demo" {
		t.Fatalf("expected project id demo, got %s", cfg.Project.ID)
	}
	if cfg.Policy.PatternWindow != 168*time.Hour {
		t.Fatalf("expected 168h window, got %s", cfg.Policy.PatternWindow)
	}
	if len(cfg.Roles) != 10 {
		t.Fatalf("expected 10 default roles, got %d", len(cfg.Roles))
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("project:\n  id: p1\npolicy:\n  pattern_threshold: 4\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Policy.PatternThreshold != 4 {
		t.Fatalf("threshold not overlaid: %d", cfg.Policy.PatternThreshold)
	}
	if cfg.Policy.RevisionLoops != 1 || cfg.Memory.SummaryTurns != 5 {
		t.Fatalf("defaults lost: %+v %+v", cfg.Policy, cfg.Memory)
	}
	if len(cfg.Roles) == 0 {
		t.Fatalf("expected default roles")
	}
}

func TestValidateFailsClosed(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown handoff", func(c *Config) { c.Roles[0].Handoffs = append(c.Roles[0].Handoffs, "ghost") }, "unknown role ghost"},
		{"unknown kind", func(c *Config) { c.Roles[0].Produces = "memo" }, "unknown artifact kind"},
		{"duplicate directory", func(c *Config) { c.Roles[1].Directory = c.Roles[0].Directory }, "share directory"},
		{"duplicate producer", func(c *Config) { c.Roles[1].Produces = c.Roles[0].Produces }, "both produce"},
		{"missing entry", func(c *Config) { c.Pipeline.Entry = "nobody" }, "pipeline.entry"},
		{"reserved arbiter", func(c *Config) { c.Roles[0].ID = "arbiter" }, "reserved"},
		{"bad risk", func(c *Config) { c.Policy.MaxAcceptableRisk = "yolo" }, "risk level"},
		{"summary bounds", func(c *Config) { c.Memory.SummaryMaxChars = 10 }, "summary_min_chars"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default("demo")
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected missing config error")
	}
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Project.ID != filepath.Base(dir) {
		t.Fatalf("expected project id from dir name, got %s", cfg.Project.ID)
	}
	if err := os.WriteFile(Path(dir), []byte(GenerateDefault("written")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Project.ID != "written" {
		t.Fatalf("expected written, got %s", cfg.Project.ID)
	}
	if got := cfg.StateDir(dir); got != filepath.Join(dir, ".rolegate") {
		t.Fatalf("state dir %s", got)
	}
}
