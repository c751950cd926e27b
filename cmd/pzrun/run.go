package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"pzrun/internal/config"
	"pzrun/internal/heap"
	"pzrun/internal/interp"
	"pzrun/internal/loader"
	"pzrun/internal/machine"
	"pzrun/internal/observ"
	"pzrun/internal/stat"
)

var verboseColor = color.New(color.Faint)

func runProgram(cmd *cobra.Command, args []string) error {
	file := args[0]
	progArgs := args[1:]

	cfg, err := loadRunConfig(cmd, filepath.Dir(file))
	if err != nil {
		return err
	}
	applyColorMode(resolveString(cmd, "color", cfg.Runtime.Color))

	flags := cmd.Flags()
	quiet, _ := flags.GetBool("quiet")
	verbose := resolveBool(cmd, "verbose", cfg.Runtime.Verbose) && !quiet
	timings, _ := flags.GetBool("timings")
	timings = timings && !quiet
	debugInfo := resolveBool(cmd, "load-debuginfo", cfg.LoadDebugInfo())

	mopts := machine.Options{
		Heap: heap.Options{
			Zealous:     resolveBool(cmd, "gc-zealous", cfg.Heap.Zealous),
			Trace:       resolveBool(cmd, "gc-trace", cfg.Heap.Trace),
			Poison:      resolveBool(cmd, "gc-poison", cfg.Heap.Poison),
			SlowAsserts: resolveBool(cmd, "gc-slow-asserts", cfg.Heap.SlowAsserts),
		},
		HeapMaxSize: resolveInt(cmd, "heap-max-size", cfg.Heap.MaxSize),
	}

	m, err := machine.New(mopts)
	if err != nil {
		return err
	}
	defer m.Finalise()
	interp.SetupBuiltins(m)

	timer := observ.NewTimer()
	name := stat.ModuleName(file)

	phase := timer.Begin("load")
	lib, err := loader.Load(m.Heap(), m.Root(), m, name, file, loader.Options{
		Verbose:       verbose,
		LoadDebugInfo: debugInfo,
		Logf:          verboseLogf,
	})
	timer.End(phase, file)
	if err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	m.AddModule(name, lib)
	m.AddEntryModule(lib)

	phase = timer.Begin("run")
	ec, runErr := interp.Run(m, progArgs, os.Stdout)
	timer.End(phase, "")

	if verbose {
		verboseLogf("heap: %d bytes used, %d reserved, %d collections",
			m.Heap().Used(), m.Heap().Size(), m.Heap().Collections())
	}
	if timings {
		fmt.Fprint(os.Stderr, timer.Summary())
	}
	if runErr != nil {
		return runErr
	}
	if ec != 0 {
		os.Exit(ec)
	}
	return nil
}

func verboseLogf(format string, args ...any) {
	verboseColor.Fprintf(os.Stderr, format+"\n", args...)
}

// loadRunConfig reads the file named by --config, or the nearest pzrun.toml
// above the module.
func loadRunConfig(cmd *cobra.Command, nearDir string) (config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.Load(path)
	}
	cfg, _, err := config.LoadFrom(nearDir)
	return cfg, err
}

func applyColorMode(mode string) {
	switch mode {
	case "on":
		color.NoColor = false
	case "off":
		color.NoColor = true
	default:
		// auto: keep the library's terminal detection.
	}
}

// resolveBool prefers an explicitly set flag over the config default.
func resolveBool(cmd *cobra.Command, name string, def bool) bool {
	if cmd.Flags().Changed(name) {
		v, _ := cmd.Flags().GetBool(name)
		return v
	}
	return def
}

func resolveInt(cmd *cobra.Command, name string, def int) int {
	if cmd.Flags().Changed(name) {
		v, _ := cmd.Flags().GetInt(name)
		return v
	}
	return def
}

func resolveString(cmd *cobra.Command, name string, def string) string {
	if cmd.Flags().Changed(name) {
		v, _ := cmd.Flags().GetString(name)
		return v
	}
	return def
}
