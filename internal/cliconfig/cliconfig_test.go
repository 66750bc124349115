// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cliconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/saferwall/modcache/internal/cliconfig"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := cliconfig.Load(filepath.Join(dir, "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := cliconfig.Default()
	if cfg != want {
		t.Errorf("Load(missing) = %+v, want %+v", cfg, want)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := cliconfig.Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg != cliconfig.Default() {
		t.Errorf("Load(\"\") = %+v, want defaults", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "progress: false\nmetrics_addr: \":1234\"\nmlock_pages: true\n")

	cfg, err := cliconfig.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Progress {
		t.Error("Progress = true, want false (overridden by file)")
	}
	if cfg.MetricsAddr != ":1234" {
		t.Errorf("MetricsAddr = %q, want :1234", cfg.MetricsAddr)
	}
	if !cfg.MlockPages {
		t.Error("MlockPages = false, want true (overridden by file)")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	writeFile(t, path, "progress: [this is not a bool\n")

	if _, err := cliconfig.Load(path); err == nil {
		t.Fatal("expected an error loading malformed YAML, got nil")
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write test fixture %s: %v", path, err)
	}
}
