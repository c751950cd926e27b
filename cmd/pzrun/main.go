package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pzrun/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "pzrun [flags] <file.pz> [args...]",
	Short: "Plasma bytecode runtime",
	Long:  `pzrun loads a linked Plasma bytecode program and executes it`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runProgram,
	// A runtime fault already explains itself; the usage text is noise.
	SilenceUsage: true,
}

func main() {
	rootCmd.Version = version.Version

	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(versionCmd)

	// Everything after the module file belongs to the program.
	rootCmd.Flags().SetInterspersed(false)

	rootCmd.PersistentFlags().String("color", "", "colorize output (auto|on|off)")
	rootCmd.PersistentFlags().String("config", "", "path to pzrun.toml (default: nearest above the module)")
	rootCmd.PersistentFlags().Bool("quiet", false, "suppress non-essential output")

	rootCmd.Flags().BoolP("version", "V", false, "show the version and exit")
	rootCmd.Flags().BoolP("verbose", "v", false, "log load and collection activity")
	rootCmd.Flags().Bool("timings", false, "show timing information")
	rootCmd.Flags().Bool("load-debuginfo", true, "keep source contexts while loading")
	rootCmd.Flags().Int("heap-max-size", 0, "bound the heap in bytes (0 = unlimited)")
	rootCmd.Flags().Bool("gc-zealous", false, "collect before every allocation")
	rootCmd.Flags().Bool("gc-trace", false, "log collector activity")
	rootCmd.Flags().Bool("gc-poison", false, "poison freed cells")
	rootCmd.Flags().Bool("gc-slow-asserts", false, "check heap consistency around collections")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pzrun: %v\n", err)
		os.Exit(1)
	}
}

// isTerminal reports whether the file is attached to a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
