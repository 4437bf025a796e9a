package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/target"
)

var probesCmd = &cobra.Command{
	Use:   "probes",
	Short: "List connected debug probes",
	Long: `Scan the host USB buses for debug probes (CMSIS-DAP, ST-LINK, J-Link) and
print the OpenOCD interface script for each. Start OpenOCD with the listed
script, then point otboot run at its GDB port.`,
	Args: cobra.NoArgs,
	RunE: runProbes,
}

func init() {
	rootCmd.AddCommand(probesCmd)
}

func runProbes(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	probes, err := target.DiscoverProbes(ctx)
	if err != nil {
		return fmt.Errorf("discover probes: %w", err)
	}

	fmt.Println("Detected debug probes:")
	for _, p := range probes {
		line := fmt.Sprintf("  - %s [%s]", p.Label(), p.Kind)
		if p.VendorID != 0 {
			line += fmt.Sprintf(" (VID:PID %04X:%04X at %s)", p.VendorID, p.ProductID, p.Path)
		}
		if p.OpenOCDConfig != "" {
			line += fmt.Sprintf("\n      openocd -f %s", p.OpenOCDConfig)
		}
		fmt.Println(line)
	}
	return nil
}
