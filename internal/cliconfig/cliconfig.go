// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package cliconfig loads default flag values for cmd/modcachetool from
// an optional YAML file, grounded on vjache-cie's pkg/ingestion config
// loader: a small struct decoded with yaml.v3, falling back to built-in
// defaults when no file is present.
package cliconfig

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds cmd/modcachetool's defaults. Every field has a
// command-line flag of the same purpose; a value present in the config
// file becomes that flag's default, letting an operator pin settings
// per-host without repeating flags on every invocation. Color is the
// exception: when set it takes precedence over --color.
type Config struct {
	// Progress enables the roundtrip progress bar by default.
	Progress bool `yaml:"progress"`

	// Color forces colored diagnostic output on or off; nil leaves the
	// decision to isatty detection.
	Color *bool `yaml:"color"`

	// MlockPages sets LoadOptions.MlockPages for roundtrip.
	MlockPages bool `yaml:"mlock_pages"`

	// RecordInvalidations sets LoadOptions.RecordInvalidations.
	RecordInvalidations bool `yaml:"record_invalidations"`

	// MetricsAddr is the listen address for `modcachetool serve`.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the built-in configuration used when no file is
// found at the requested path.
func Default() Config {
	return Config{
		Progress:    true,
		MetricsAddr: ":9090",
	}
}

// Load reads and parses the YAML config file at path. A missing file is
// not an error: Default() is returned unchanged, the way a CLI tool
// treats "no config file" as "use built-in defaults" rather than
// failing the whole invocation.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
