package cmd

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceBoot/internal/config"
)

var (
	// Global flags
	verbose    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "otboot",
	Short: "OpenTraceBoot - debug bootstrap for Cortex-M targets",
	Long: `OpenTraceBoot (otboot) brings a microcontroller from power-on to a verified,
debuggable state through a GDB remote endpoint such as OpenOCD:
  1. connect to the endpoint (default localhost:3333)
  2. enable symbol demangling
  3. enable semihosting
  4. reset and halt
  5. load the program image
  6. reset and halt again
  7. compare the loaded sections against the image

Examples:
  otboot run firmware.elf                           # Bootstrap via localhost:3333
  otboot run --endpoint 10.0.0.5:3333 firmware.elf  # Remote OpenOCD
  otboot run --script bootstrap.gdb                 # Follow a GDB command file
  otboot sim-server &                               # Simulated target on :3333
  otboot script emit > bootstrap.gdb                # Write the canonical script`,
	Version:           "0.9.0",
	PersistentPreRunE: setupLogging,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "profile path (default: user config directory)")
}

// setupLogging routes glog to stderr. Verbose output enables protocol
// traces.
func setupLogging(cmd *cobra.Command, args []string) error {
	flag.Set("logtostderr", "true")
	if verbose {
		flag.Set("v", "2")
	} else {
		flag.Set("v", "0")
	}
	return nil
}

func loadProfile() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}
