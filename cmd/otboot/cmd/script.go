package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/bootstrap"
	"github.com/OpenTraceLab/OpenTraceBoot/pkg/script"
)

var scriptCmd = &cobra.Command{
	Use:   "script",
	Short: "Check and generate bootstrap scripts",
	Long:  `Commands for GDB command files that describe the bootstrap sequence`,
}

var scriptCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Parse a bootstrap script and show the resulting plan",
	Long: `Parse a GDB command file, verify that it contains the bootstrap steps in
order, and print the plan it describes.

Examples:
  otboot script check bootstrap.gdb`,
	Args: cobra.ExactArgs(1),
	RunE: runScriptCheck,
}

var (
	emitEndpoint    string
	emitNoDemangle  bool
	emitBreakpoints []string
)

var scriptEmitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Print the canonical bootstrap script",
	Long: `Print the bootstrap sequence as a GDB command file, usable with
arm-none-eabi-gdb -x or otboot run --script.

Examples:
  otboot script emit > bootstrap.gdb
  otboot script emit --endpoint :3333 --break main`,
	Args: cobra.NoArgs,
	RunE: runScriptEmit,
}

func init() {
	rootCmd.AddCommand(scriptCmd)
	scriptCmd.AddCommand(scriptCheckCmd)
	scriptCmd.AddCommand(scriptEmitCmd)

	scriptEmitCmd.Flags().StringVarP(&emitEndpoint, "endpoint", "e", "",
		"endpoint for the target command (default: profile endpoint)")
	scriptEmitCmd.Flags().BoolVar(&emitNoDemangle, "no-demangle", false,
		"turn symbol demangling off")
	scriptEmitCmd.Flags().StringSliceVarP(&emitBreakpoints, "break", "b", nil,
		"breakpoint locations to append")
}

func runScriptCheck(cmd *cobra.Command, args []string) error {
	parser, err := script.NewParser()
	if err != nil {
		return err
	}
	f, err := parser.ParseFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to parse script: %w", err)
	}
	opts, err := bootstrap.PlanFromScript(f, bootstrap.DefaultOptions())
	if err != nil {
		return err
	}

	fmt.Printf("Script: %s (%d commands)\n\n", args[0], len(f.Commands))
	step := 0
	for _, c := range f.Commands {
		op := c.Op()
		switch op {
		case script.OpSet:
			fmt.Printf("  line %-3d  -  %s (ignored)\n", c.Line, op)
		case script.OpBreak:
			fmt.Printf("  line %-3d  8  break %s\n", c.Line, c.Break.Location)
		default:
			step++
			fmt.Printf("  line %-3d  %d  %s\n", c.Line, step, op)
		}
	}

	fmt.Printf("\nEndpoint:    %s\n", opts.Endpoint)
	fmt.Printf("Demangle:    %v\n", opts.Demangle)
	if opts.ImagePath != "" {
		fmt.Printf("Image:       %s\n", opts.ImagePath)
	}
	if len(opts.CompareSections) > 0 {
		fmt.Printf("Compare:     %s\n", strings.Join(opts.CompareSections, ", "))
	}
	if len(opts.Breakpoints) > 0 {
		fmt.Printf("Breakpoints: %s\n", strings.Join(opts.Breakpoints, ", "))
	}
	fmt.Println("\nScript OK")
	return nil
}

func runScriptEmit(cmd *cobra.Command, args []string) error {
	profile, err := loadProfile()
	if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}
	opts := script.EmitOptions{
		Endpoint:    profile.Endpoint,
		Demangle:    profile.Demangle && !emitNoDemangle,
		Breakpoints: append(append([]string(nil), profile.Breakpoints...), emitBreakpoints...),
	}
	if emitEndpoint != "" {
		opts.Endpoint = emitEndpoint
	}
	return script.Emit(os.Stdout, opts)
}
