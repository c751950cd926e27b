package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"pzrun/internal/config"
	"pzrun/internal/modcache"
	"pzrun/internal/stat"
	"pzrun/internal/ui"
)

var statCmd = &cobra.Command{
	Use:   "stat [flags] <file.pz>...",
	Short: "Show section counts and sizes of module files",
	Long:  `stat loads module files and reports their structs, data entries, procedures, closures and exports, caching results by content hash`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStat,
}

func init() {
	statCmd.Flags().String("ui", "", "render live progress (auto|on|off)")
	statCmd.Flags().Bool("json", false, "emit machine-readable output")
	statCmd.Flags().Int("jobs", 0, "parallel workers (0 = all CPUs)")
	statCmd.Flags().Bool("no-cache", false, "bypass the metadata cache")
	statCmd.Flags().Bool("drop-cache", false, "clear the metadata cache first")
}

func runStat(cmd *cobra.Command, files []string) error {
	cfg, _, err := config.LoadFrom(filepath.Dir(files[0]))
	if err != nil {
		return err
	}
	applyColorMode(resolveString(cmd, "color", cfg.Runtime.Color))

	mode, err := readUIMode(resolveString(cmd, "ui", cfg.Stat.UI))
	if err != nil {
		return err
	}
	asJSON, _ := cmd.Flags().GetBool("json")
	jobs, _ := cmd.Flags().GetInt("jobs")
	noCache, _ := cmd.Flags().GetBool("no-cache")
	dropCache, _ := cmd.Flags().GetBool("drop-cache")

	var cache *modcache.Cache
	if !noCache {
		// A broken cache dir only disables caching.
		if cfg.Stat.CacheDir != "" {
			cache, _ = modcache.OpenAt(cfg.Stat.CacheDir)
		} else {
			cache, _ = modcache.Open("pzrun")
		}
	}
	if dropCache && cache != nil {
		if err := cache.DropAll(); err != nil {
			return err
		}
	}

	opts := stat.Options{Cache: cache, Jobs: jobs}

	var results []stat.Result
	if mode.shouldUseTUI() && !asJSON {
		results, err = collectWithTUI(cmd, files, opts)
	} else {
		results, err = stat.Collect(cmd.Context(), files, opts)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		err = renderStatJSON(out, results)
	} else {
		renderStatPretty(out, results)
	}
	if err != nil {
		return err
	}

	for _, r := range results {
		if r.Err != nil {
			os.Exit(1)
		}
	}
	return nil
}

func collectWithTUI(cmd *cobra.Command, files []string, opts stat.Options) ([]stat.Result, error) {
	events := make(chan stat.Event, 64)
	opts.Events = events

	type outcome struct {
		results []stat.Result
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		results, err := stat.Collect(cmd.Context(), files, opts)
		done <- outcome{results, err}
	}()

	p := tea.NewProgram(ui.NewProgressModel("stat", files, events))
	if _, err := p.Run(); err != nil {
		return nil, err
	}
	oc := <-done
	return oc.results, oc.err
}

var (
	statFileColor = color.New(color.Bold)
	statErrColor  = color.New(color.FgRed)
	statNoteColor = color.New(color.Faint)
	statKindNames = map[bool]string{true: "program", false: "library"}
)

func renderStatPretty(out io.Writer, results []stat.Result) {
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(out, "%s: %s\n", statFileColor.Sprint(r.File), statErrColor.Sprintf("%v", r.Err))
			continue
		}
		p := r.Payload
		kind := statKindNames[p.Program]
		entry := "no entry"
		if p.Entry {
			entry = "entry"
		}
		fmt.Fprintf(out, "%s: %s %s, %s\n", statFileColor.Sprint(r.File), kind, p.Name, entry)
		fmt.Fprintf(out, "  %d structs, %d datas, %d procs (%d bytes of code), %d closures, %d exports\n",
			p.Structs, p.Datas, p.Procs, p.CodeSize, p.Closures, p.Exports)
		for _, name := range p.ExportNames {
			fmt.Fprintf(out, "  export %s\n", name)
		}
		note := fmt.Sprintf("%d bytes on disk, sha256 %s", p.FileSize, r.Digest)
		if r.Cached {
			note += ", cached"
		}
		fmt.Fprintf(out, "  %s\n", statNoteColor.Sprint(note))
	}
}

type statPayload struct {
	File        string   `json:"file"`
	Error       string   `json:"error,omitempty"`
	Digest      string   `json:"sha256,omitempty"`
	Name        string   `json:"name,omitempty"`
	Program     bool     `json:"program,omitempty"`
	Entry       bool     `json:"entry,omitempty"`
	Structs     int      `json:"structs,omitempty"`
	Datas       int      `json:"datas,omitempty"`
	Procs       int      `json:"procs,omitempty"`
	CodeSize    int      `json:"code_size,omitempty"`
	Closures    int      `json:"closures,omitempty"`
	Exports     int      `json:"exports,omitempty"`
	ExportNames []string `json:"export_names,omitempty"`
	FileSize    int64    `json:"file_size,omitempty"`
	Cached      bool     `json:"cached,omitempty"`
}

func renderStatJSON(out io.Writer, results []stat.Result) error {
	payloads := make([]statPayload, len(results))
	for i, r := range results {
		payloads[i] = statPayload{File: r.File}
		if r.Err != nil {
			payloads[i].Error = r.Err.Error()
			continue
		}
		p := r.Payload
		payloads[i].Digest = r.Digest.String()
		payloads[i].Name = p.Name
		payloads[i].Program = p.Program
		payloads[i].Entry = p.Entry
		payloads[i].Structs = p.Structs
		payloads[i].Datas = p.Datas
		payloads[i].Procs = p.Procs
		payloads[i].CodeSize = p.CodeSize
		payloads[i].Closures = p.Closures
		payloads[i].Exports = p.Exports
		payloads[i].ExportNames = p.ExportNames
		payloads[i].FileSize = p.FileSize
		payloads[i].Cached = r.Cached
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payloads)
}
