// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Command modcachetool inspects, verifies, and round-trips incremental
// module cache files, built the way cmd/pedumper.go is built: cobra
// subcommands, one per operation, against a single root command.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/saferwall/modcache"
	"github.com/saferwall/modcache/fakeruntime"
	"github.com/saferwall/modcache/internal/cliconfig"
	"github.com/saferwall/modcache/internal/metrics"
)

var (
	configPath string
	useColor   bool
	progress   bool
	mlock      bool
	recordInv  bool
	cfg        cliconfig.Config
)

func colorEnabled() bool {
	if cfg.Color != nil {
		return *cfg.Color
	}
	return useColor && isatty.IsTerminal(os.Stdout.Fd())
}

func warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if colorEnabled() {
		msg = color.YellowString(msg)
	}
	fmt.Fprintln(os.Stderr, msg)
}

func fail(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if colorEnabled() {
		msg = color.RedString(msg)
	}
	fmt.Fprintln(os.Stderr, msg)
}

func readFile(path string) []byte {
	data, err := os.ReadFile(path)
	if err != nil {
		fail("reading %s: %v", path, err)
		os.Exit(1)
	}
	return data
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print a cache file's header, work-list, dependency-list, and module-list",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			data := readFile(args[0])
			res, err := modcache.Inspect(data)
			if err != nil {
				fail("inspect: %v", err)
				os.Exit(1)
			}
			fmt.Printf("format version: %d  os/arch: %s/%s  runtime: %s\n",
				res.Header.FormatVersion, res.Header.BuildOS, res.Header.BuildArch, res.Header.RuntimeVer)
			fmt.Printf("work-list (%d modules):\n", len(res.Worklist))
			for _, m := range res.Worklist {
				fmt.Printf("  %s  build-id=%x\n", m.Name, m.BuildID)
			}
			fmt.Printf("dependencies (%d):\n", len(res.Dependencies))
			for _, d := range res.Dependencies {
				fmt.Printf("  %s  mtime=%v\n", d.Path, d.Mtime)
			}
			fmt.Printf("module-list (%d external modules):\n", len(res.ModuleList))
			for _, m := range res.ModuleList {
				fmt.Printf("  %s  build-id=%x\n", m.Name, m.BuildID)
			}
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file>",
		Short: "Run header and dependency-mtime verification only",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			data := readFile(args[0])
			err := modcache.VerifyHeaderAndDependencies(data, func(path string, savedMtime float64) bool {
				info, statErr := os.Stat(path)
				if statErr != nil {
					return false
				}
				return float64(info.ModTime().Unix()) == savedMtime
			})
			if err != nil {
				fail("verify: %v", err)
				os.Exit(1)
			}
			fmt.Println("ok")
		},
	}
}

func newRoundtripCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roundtrip <file>",
		Short: "Load a cache file against an in-memory fake runtime and report reconciliation results",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			data := readFile(args[0])

			tc := fakeruntime.NewTypeCache()
			mt := fakeruntime.NewMethodTables()
			disp := fakeruntime.NewDispatcher()

			var bar *progressbar.ProgressBar
			if progress && isatty.IsTerminal(os.Stdout.Fd()) {
				bar = progressbar.Default(-1, "reconciling")
			}

			result, err := modcache.RestoreIncrementalFromBuffer(data, nil, tc, mt, disp, modcache.LoadOptions{
				MlockPages:          mlock,
				RecordInvalidations: recordInv,
			})
			if bar != nil {
				bar.Finish()
			}
			if err != nil {
				fail("roundtrip: %v", err)
				os.Exit(1)
			}

			for _, w := range result.ReinitWarnings {
				warn("reinit warning: %v", w)
			}
			fmt.Printf("restored %d modules, %d invalidated edges\n",
				len(result.RestoredModules), len(result.Invalidations))
			for _, inv := range result.Invalidations {
				warn("invalidated: %v", inv.Reason)
			}
		},
	}
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose internal/metrics on an HTTP endpoint",
		Run: func(cmd *cobra.Command, args []string) {
			if addr == "" {
				addr = cfg.MetricsAddr
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			fmt.Printf("serving metrics on %s/metrics\n", addr)
			server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			if err := server.ListenAndServe(); err != nil {
				fail("serve: %v", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config's metrics_addr)")
	return cmd
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "modcachetool",
		Short: "Inspect, verify, and round-trip incremental module cache files",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			loaded, err := cliconfig.Load(configPath)
			if err != nil {
				fail("loading config: %v", err)
				os.Exit(1)
			}
			cfg = loaded
			if !cmd.Flags().Changed("progress") {
				progress = cfg.Progress
			}
			if !cmd.Flags().Changed("mlock") {
				mlock = cfg.MlockPages
			}
			if !cmd.Flags().Changed("record-invalidations") {
				recordInv = cfg.RecordInvalidations
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML defaults file")
	rootCmd.PersistentFlags().BoolVar(&useColor, "color", true, "colorize diagnostics when stdout is a terminal")
	rootCmd.PersistentFlags().BoolVar(&progress, "progress", true, "render a progress bar for long operations")
	rootCmd.PersistentFlags().BoolVar(&mlock, "mlock", false, "pin the mapped cache buffer in memory during load")
	rootCmd.PersistentFlags().BoolVar(&recordInv, "record-invalidations", false, "collect per-edge invalidation diagnostics")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the running build's cache-format header",
		Run: func(cmd *cobra.Command, args []string) {
			h := modcache.CurrentHeader()
			fmt.Printf("format version %d, %s/%s, runtime %s\n", h.FormatVersion, h.BuildOS, h.BuildArch, h.RuntimeVer)
		},
	}

	rootCmd.AddCommand(versionCmd, newInspectCmd(), newVerifyCmd(), newRoundtripCmd(), newServeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
