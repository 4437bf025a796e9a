package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/bootstrap"
	"github.com/OpenTraceLab/OpenTraceBoot/pkg/image"
	"github.com/OpenTraceLab/OpenTraceBoot/pkg/script"
	"github.com/OpenTraceLab/OpenTraceBoot/pkg/target"
)

var (
	endpoint            string
	scriptPath          string
	connectTimeout      time.Duration
	stepTimeout         time.Duration
	noDemangle          bool
	tolerateUnsupported bool
	breakpoints         []string
	baseAddr            string
	jsonOutput          bool
)

var runCmd = &cobra.Command{
	Use:   "run [image]",
	Short: "Run the bootstrap sequence",
	Long: `Connect to a GDB remote endpoint and run the bootstrap sequence against an
ELF or raw binary image. The command exits with status 1 when a step fails
or when a loaded section does not match the image.

Settings come from the profile, then the script (--script), then flags.

Examples:
  otboot run firmware.elf
  otboot run --break main --break HardFault firmware.elf
  otboot run --base 0x08000000 firmware.bin
  otboot run --script bootstrap.gdb firmware.elf
  otboot run --json firmware.elf`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBootstrap,
}

func init() {
	rootCmd.AddCommand(runCmd)
	addSessionFlags(runCmd)

	runCmd.Flags().StringVarP(&scriptPath, "script", "x", "",
		"GDB command file with the bootstrap steps")
	runCmd.Flags().StringSliceVarP(&breakpoints, "break", "b", nil,
		"set a hardware breakpoint after verification (symbol or 0x address)")
	runCmd.Flags().StringVar(&baseAddr, "base", "0x0",
		"load address for raw binary images")
	runCmd.Flags().BoolVar(&jsonOutput, "json", false,
		"print the report as JSON")
}

// addSessionFlags registers the connection flags shared by run, log and
// shell.
func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", bootstrap.DefaultEndpoint,
		"GDB remote endpoint (host:port)")
	cmd.Flags().DurationVar(&connectTimeout, "connect-timeout", bootstrap.DefaultConnectTimeout,
		"timeout for the connect step")
	cmd.Flags().DurationVar(&stepTimeout, "step-timeout", bootstrap.DefaultStepTimeout,
		"timeout for every other step")
	cmd.Flags().BoolVar(&noDemangle, "no-demangle", false,
		"show raw symbol names")
	cmd.Flags().BoolVar(&tolerateUnsupported, "tolerate-unsupported", false,
		"continue when the target lacks semihosting")
}

// sessionOptions merges the profile, an optional script and the flags set
// on cmd.
func sessionOptions(cmd *cobra.Command) (bootstrap.Options, error) {
	profile, err := loadProfile()
	if err != nil {
		return bootstrap.Options{}, fmt.Errorf("failed to load profile: %w", err)
	}
	opts := profile.Options()

	if scriptPath != "" && cmd.Flags().Lookup("script") != nil {
		parser, err := script.NewParser()
		if err != nil {
			return opts, err
		}
		f, err := parser.ParseFile(scriptPath)
		if err != nil {
			return opts, fmt.Errorf("failed to parse script: %w", err)
		}
		if opts, err = bootstrap.PlanFromScript(f, opts); err != nil {
			return opts, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("endpoint") {
		opts.Endpoint = endpoint
	}
	if flags.Changed("connect-timeout") {
		opts.ConnectTimeout = connectTimeout
	}
	if flags.Changed("step-timeout") {
		opts.StepTimeout = stepTimeout
	}
	if flags.Changed("no-demangle") {
		opts.Demangle = !noDemangle
	}
	if flags.Changed("tolerate-unsupported") {
		opts.TolerateUnsupported = tolerateUnsupported
	}
	if flags.Lookup("break") != nil && flags.Changed("break") {
		opts.Breakpoints = append(opts.Breakpoints, breakpoints...)
	}
	return opts, nil
}

func loadImage(path string) (*image.Image, error) {
	base, err := strconv.ParseUint(baseAddr, 0, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid --base %q: %w", baseAddr, err)
	}
	img, err := image.Load(path, uint32(base))
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	return img, nil
}

func imagePath(args []string, opts bootstrap.Options) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if opts.ImagePath != "" {
		return opts.ImagePath, nil
	}
	return "", fmt.Errorf("no image given and the script's load command names none")
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	opts, err := sessionOptions(cmd)
	if err != nil {
		return err
	}
	path, err := imagePath(args, opts)
	if err != nil {
		return err
	}
	img, err := loadImage(path)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	if !jsonOutput {
		fmt.Printf("Image: %s (%d sections, %d bytes)\n", img.Path, len(img.Sections), img.Size())
		fmt.Printf("Endpoint: %s\n\n", opts.Endpoint)
		opts.Progress = progressPrinter()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rep, runErr := bootstrap.NewSequencer(target.RemoteDialer{}, img, opts).Run(ctx)

	if jsonOutput {
		out, err := rep.JSON()
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	} else {
		printReport(rep)
	}

	if runErr != nil {
		return runErr
	}
	if !rep.OK() {
		return fmt.Errorf("verification failed: %d section(s) differ from the image", len(rep.Mismatches))
	}
	return nil
}

// progressPrinter prints one line per section as the load reaches it.
func progressPrinter() func(bootstrap.LoadProgress) {
	current := ""
	return func(p bootstrap.LoadProgress) {
		if p.Section == current {
			return
		}
		current = p.Section
		fmt.Printf("      loading %-16s at 0x%08x (%d/%d bytes)\n", p.Section, p.Addr, p.Written, p.Total)
	}
}

func printReport(rep *bootstrap.Report) {
	total := 7
	if rep.Ran(bootstrap.StepBreakpoints) {
		total = 8
	}
	for _, s := range rep.Steps {
		status := "ok"
		switch {
		case s.Err == nil:
		case errors.Is(s.Err, bootstrap.ErrMismatch):
			status = "MISMATCH"
		default:
			status = "FAILED"
		}
		fmt.Printf("[%d/%d] %-24s %-8s %v\n", int(s.Step), total, s.Step, status, s.Duration.Round(time.Millisecond))
	}
	fmt.Println()

	if rep.Core != "" {
		fmt.Printf("Core: %s (CPUID 0x%08X)\n", rep.Core, rep.CPUID)
	}
	for _, m := range rep.Mismatches {
		fmt.Printf("Mismatch: %s\n", m)
	}
	for _, b := range rep.Breakpoints {
		name := b.Symbol
		if name == "" {
			name = b.Location
		}
		fmt.Printf("Breakpoint: %s at 0x%08x\n", name, b.Addr)
	}
	for _, w := range rep.Warnings {
		fmt.Printf("Warning: %s\n", w)
	}

	fmt.Printf("State: %s (processor %s)\n", rep.State, rep.Processor)
	if rep.Err != nil {
		fmt.Printf("Aborted at step %d (%s)\n", int(rep.AbortedAt), rep.AbortedAt)
	}
}
