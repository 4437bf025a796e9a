package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/bootstrap"
	"github.com/OpenTraceLab/OpenTraceBoot/pkg/ringlog"
	"github.com/OpenTraceLab/OpenTraceBoot/pkg/target"
)

var logInterval time.Duration

var logCmd = &cobra.Command{
	Use:   "log <elf>",
	Short: "Bootstrap, run and print the firmware's ring-buffer log",
	Long: `Run the bootstrap sequence, resume the core and drain the log0 ring buffer
(symbols LOG0_CURSORS and LOG0_BUFFER) until interrupted. Format strings and
type names are resolved from the ELF image.

Examples:
  otboot log firmware.elf
  otboot log --interval 50ms --endpoint 10.0.0.5:3333 firmware.elf`,
	Args: cobra.ExactArgs(1),
	RunE: runLog,
}

func init() {
	rootCmd.AddCommand(logCmd)
	addSessionFlags(logCmd)
	logCmd.Flags().DurationVar(&logInterval, "interval", 100*time.Millisecond,
		"poll interval")
}

func runLog(cmd *cobra.Command, args []string) error {
	opts, err := sessionOptions(cmd)
	if err != nil {
		return err
	}
	img, err := loadImage(args[0])
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	opts.KeepOpen = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	q := bootstrap.NewSequencer(target.RemoteDialer{}, img, opts)
	rep, err := q.Run(ctx)
	if err != nil {
		printReport(rep)
		return err
	}
	sess := q.Session()
	defer sess.Close()
	if !rep.OK() {
		printReport(rep)
		return fmt.Errorf("verification failed: %d section(s) differ from the image", len(rep.Mismatches))
	}

	tgt := sess.Target()
	drainer, err := ringlog.NewDrainer(tgt, img)
	if err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, opts.StepTimeout)
	err = tgt.Resume(rctx)
	cancel()
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	defer func() {
		if err := stopCore(sess, opts.StepTimeout); err != nil {
			glog.Warningf("log: halt on exit: %v", err)
		}
	}()
	l := drainer.Layout()
	fmt.Printf("Draining log at 0x%08x (%d bytes), Ctrl-C to stop\n", l.Buffer, l.Size)

	err = drainer.Run(ctx, logInterval, func(f ringlog.Frame) {
		fmt.Println(f.Text())
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// stopCore halts the core and detaches. It uses its own context because the
// drain usually ends with the command context cancelled.
func stopCore(sess *bootstrap.Session, timeout time.Duration) error {
	tgt := sess.Target()
	if tgt == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := tgt.Halt(ctx)
	if cerr := sess.Close(); err == nil {
		err = cerr
	}
	return err
}
