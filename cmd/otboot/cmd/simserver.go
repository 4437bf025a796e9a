package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/rsp"
	"github.com/OpenTraceLab/OpenTraceBoot/pkg/target"
)

var (
	simListen        string
	simNoSemihosting bool
	simNoMemoryMap   bool
	simCPUID         uint32
)

var simServerCmd = &cobra.Command{
	Use:   "sim-server",
	Short: "Serve a simulated target over the GDB remote protocol",
	Long: `Start an in-memory Cortex-M target (1MiB flash, 256KiB RAM) that speaks the
GDB remote protocol and the OpenOCD monitor commands used by the bootstrap.
Use it to try otboot, or GDB, without hardware.

Examples:
  otboot sim-server
  otboot sim-server --listen 127.0.0.1:4444 --no-semihosting`,
	Args: cobra.NoArgs,
	RunE: runSimServer,
}

func init() {
	rootCmd.AddCommand(simServerCmd)

	simServerCmd.Flags().StringVarP(&simListen, "listen", "l", "localhost:3333",
		"listen address")
	simServerCmd.Flags().BoolVar(&simNoSemihosting, "no-semihosting", false,
		"reject arm semihosting enable")
	simServerCmd.Flags().BoolVar(&simNoMemoryMap, "no-memory-map", false,
		"do not advertise a memory map")
	simServerCmd.Flags().Uint32Var(&simCPUID, "cpuid", 0x410FC241,
		"value of the CPUID register")
}

func runSimServer(cmd *cobra.Command, args []string) error {
	sim := target.NewSim()
	sim.Semihosting = !simNoSemihosting
	sim.NoMemoryMap = simNoMemoryMap
	sim.CPUID = simCPUID

	ln, err := net.Listen("tcp", simListen)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	cmd.SilenceUsage = true

	fmt.Printf("Simulated target listening on %s\n", ln.Addr())
	for _, r := range sim.Regions() {
		fmt.Printf("  %s\n", r)
	}

	srv := rsp.NewServer(sim)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		glog.Info("sim-server: shutting down")
		srv.Close()
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, rsp.ErrServerClosed) {
		return err
	}
	return nil
}
