package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/abiosoft/ishell"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/bootstrap"
	"github.com/OpenTraceLab/OpenTraceBoot/pkg/image"
	"github.com/OpenTraceLab/OpenTraceBoot/pkg/target"
)

var shellCmd = &cobra.Command{
	Use:   "shell [command ; command ...]",
	Short: "Run bootstrap steps interactively",
	Long: `Start an interactive shell that runs the bootstrap steps one at a time.
Commands given on the command line, separated by ";", run without a prompt.

Commands:
  connect [endpoint]   demangle on|off   semihosting   reset-halt
  load <image>         verify [section...]             monitor <cmd...>
  state                disconnect

Examples:
  otboot shell
  otboot shell connect \; reset-halt \; state`,
	RunE: runShell,
}

func init() {
	rootCmd.AddCommand(shellCmd)
	addSessionFlags(shellCmd)
	shellCmd.Flags().StringVar(&baseAddr, "base", "0x0",
		"load address for raw binary images")
}

const (
	sessionKey        = "$session"
	imageKey          = "$image"
	unconnectedPrompt = "[none] > "
)

type shellState struct {
	sess  *bootstrap.Session
	opts  bootstrap.Options
	img   *image.Image
	shell *ishell.Shell
}

func stateFrom(c *ishell.Context) *shellState {
	return c.Get(sessionKey).(*shellState)
}

func (st *shellState) ctx(connect bool) (context.Context, context.CancelFunc) {
	timeout := st.opts.StepTimeout
	if connect {
		timeout = st.opts.ConnectTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}

// step wraps a command that needs a session.
func step(fn func(c *ishell.Context, st *shellState) error) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		st := stateFrom(c)
		if err := fn(c, st); err != nil {
			c.Err(err)
			return
		}
		c.Printf("%s (processor %s)\n", st.sess.State, st.sess.Processor)
	}
}

var shellCommands = []*ishell.Cmd{
	{
		Name:    "connect",
		Aliases: []string{"c"},
		Help:    "[ENDPOINT]",
		Func: step(func(c *ishell.Context, st *shellState) error {
			if len(c.Args) > 0 && st.sess.Target() == nil {
				st.sess.Endpoint = c.Args[0]
			}
			ctx, cancel := st.ctx(true)
			defer cancel()
			if err := st.sess.Connect(ctx); err != nil {
				return err
			}
			st.shell.SetPrompt(fmt.Sprintf("%s > ", st.sess.Endpoint))
			return nil
		}),
	},
	{
		Name: "demangle",
		Help: "on|off",
		Func: step(func(c *ishell.Context, st *shellState) error {
			on := len(c.Args) == 0 || strings.EqualFold(c.Args[0], "on")
			return st.sess.EnableDemangle(on)
		}),
	},
	{
		Name: "semihosting",
		Help: "enable semihosting",
		Func: step(func(c *ishell.Context, st *shellState) error {
			ctx, cancel := st.ctx(false)
			defer cancel()
			return st.sess.EnableSemihosting(ctx)
		}),
	},
	{
		Name:    "reset-halt",
		Aliases: []string{"rh"},
		Help:    "reset and halt the core",
		Func: step(func(c *ishell.Context, st *shellState) error {
			ctx, cancel := st.ctx(false)
			defer cancel()
			return st.sess.ResetHalt(ctx)
		}),
	},
	{
		Name: "load",
		Help: "IMAGE",
		Func: step(func(c *ishell.Context, st *shellState) error {
			if len(c.Args) < 1 {
				return fmt.Errorf("IMAGE required")
			}
			img, err := loadImage(c.Args[0])
			if err != nil {
				return err
			}
			ctx, cancel := st.ctx(false)
			defer cancel()
			if err := st.sess.Load(ctx, img); err != nil {
				return err
			}
			st.img = img
			c.Printf("loaded %d bytes in %d sections\n", img.Size(), len(img.Sections))
			return nil
		}),
	},
	{
		Name:    "verify",
		Aliases: []string{"compare-sections"},
		Help:    "[SECTION...]",
		Func: step(func(c *ishell.Context, st *shellState) error {
			if st.img == nil {
				return fmt.Errorf("nothing loaded")
			}
			ctx, cancel := st.ctx(false)
			defer cancel()
			mm, err := st.sess.Verify(ctx, st.img, c.Args)
			if err != nil {
				return err
			}
			for _, m := range mm {
				c.Printf("MISMATCH %s\n", m)
			}
			if len(mm) == 0 {
				c.Println("all sections match")
			}
			return nil
		}),
	},
	{
		Name:    "monitor",
		Aliases: []string{"mon"},
		Help:    "CMD...",
		Func: step(func(c *ishell.Context, st *shellState) error {
			tgt := st.sess.Target()
			if tgt == nil {
				return fmt.Errorf("not connected")
			}
			ctx, cancel := st.ctx(false)
			defer cancel()
			out, err := tgt.Monitor(ctx, strings.Join(c.Args, " "))
			if out != "" {
				c.Print(out)
			}
			return err
		}),
	},
	{
		Name: "state",
		Help: "show session and core state",
		Func: step(func(c *ishell.Context, st *shellState) error {
			tgt := st.sess.Target()
			if tgt == nil {
				return nil
			}
			ctx, cancel := st.ctx(false)
			defer cancel()
			ps, err := tgt.State(ctx)
			if err != nil {
				return err
			}
			st.sess.Processor = ps
			return nil
		}),
	},
	{
		Name:    "disconnect",
		Aliases: []string{"d"},
		Help:    "detach from the target",
		Func: step(func(c *ishell.Context, st *shellState) error {
			st.shell.SetPrompt(unconnectedPrompt)
			return st.sess.Close()
		}),
	},
}

// splitCommands splits shell arguments into commands at ";" tokens.
func splitCommands(args []string) [][]string {
	var out [][]string
	var cur []string
	for _, a := range args {
		if a == ";" {
			if len(cur) > 0 {
				out = append(out, cur)
			}
			cur = nil
			continue
		}
		cur = append(cur, a)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func runShell(cmd *cobra.Command, args []string) error {
	opts, err := sessionOptions(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	st := &shellState{
		sess:  bootstrap.NewSession(target.RemoteDialer{}, opts),
		opts:  opts,
		shell: ishell.New(),
	}
	defer st.sess.Close()

	st.shell.Set(sessionKey, st)
	st.shell.SetPrompt(unconnectedPrompt)
	for _, c := range shellCommands {
		st.shell.AddCmd(c)
	}

	if len(args) > 0 {
		for _, line := range splitCommands(args) {
			if err := st.shell.Process(line...); err != nil {
				return err
			}
		}
		return nil
	}
	st.shell.Println("OpenTraceBoot shell. Type help for commands.")
	st.shell.Run()
	return nil
}
