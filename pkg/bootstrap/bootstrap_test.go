package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/image"
	"github.com/OpenTraceLab/OpenTraceBoot/pkg/rsp"
	"github.com/OpenTraceLab/OpenTraceBoot/pkg/target"
)

func serve(t *testing.T, sim *target.Sim) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := rsp.NewServer(sim)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return ln.Addr().String()
}

func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func testImage() *image.Image {
	text := make([]byte, 0x2100)
	for i := range text {
		text[i] = byte(i * 7)
	}
	copy(text, le32(0x20040000))
	copy(text[4:], le32(0x00000101))
	sections := []image.Section{
		{Name: ".text", Addr: 0x0, VMA: 0x0, Data: text},
		{Name: ".data", Addr: 0x20000000, VMA: 0x20000000, Data: []byte("initialised data")},
	}
	symbols := []image.Symbol{
		{Name: "Reset", Addr: 0x101, Size: 0x20, Section: ".text", Func: true},
		{Name: "_ZN3app4main17h0123456789abcdefE", Addr: 0x201, Size: 0x40, Section: ".text", Func: true},
		{Name: "HardFault", Addr: 0x301, Size: 0x4, Section: ".text", Func: true},
	}
	return image.New("firmware.elf", 0x101, sections, symbols)
}

func testOptions(endpoint string) Options {
	opts := DefaultOptions()
	opts.Endpoint = endpoint
	opts.ConnectTimeout = 2 * time.Second
	opts.StepTimeout = 5 * time.Second
	return opts
}

func run(t *testing.T, sim *target.Sim, img *image.Image, opts Options) (*Report, error) {
	t.Helper()
	if opts.Endpoint == "" {
		opts = testOptions(serve(t, sim))
	}
	return NewSequencer(target.RemoteDialer{}, img, opts).Run(context.Background())
}

func TestRunVerified(t *testing.T) {
	sim := target.NewSim()
	img := testImage()

	rep, err := run(t, sim, img, Options{})
	require.NoError(t, err)
	require.True(t, rep.OK(), "report: %+v", rep)
	assert.Equal(t, StateVerified, rep.State)
	assert.Equal(t, 0, rep.ExitCode())
	assert.Equal(t, target.StateHalted, rep.Processor)
	assert.Equal(t, Step(0), rep.AbortedAt)
	assert.Equal(t, img.Size(), rep.Bytes)
	assert.Equal(t, "Cortex-M4 r0p1", rep.Core)

	require.Len(t, rep.Steps, 7)
	want := []State{StateConnected, StateConnected, StateSemihostingEnabled, StateHalted, StateLoaded, StateHaltedAgain, StateVerified}
	for i, s := range rep.Steps {
		assert.Equal(t, Step(i+1), s.Step)
		assert.Equal(t, want[i], s.State, "after step %d", i+1)
		assert.NoError(t, s.Err)
	}

	assert.True(t, sim.Halted())
	assert.True(t, sim.SemihostingEnabled())
	assert.Equal(t, 2, sim.ResetCount())
	got, err := sim.Peek(0x20000000, 16)
	require.NoError(t, err)
	assert.Equal(t, "initialised data", string(got))
}

func TestConnectTwice(t *testing.T) {
	sim := target.NewSim()
	s := NewSession(target.RemoteDialer{}, testOptions(serve(t, sim)))
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx))
	defer s.Close()
	assert.Equal(t, StateConnected, s.State)
	assert.Equal(t, target.StateRunning, s.Processor)

	err := s.Connect(ctx)
	require.ErrorIs(t, err, ErrConnection)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StepConnect, se.Step)
	assert.Equal(t, KindConnection, se.Kind)
	assert.Equal(t, StateConnected, s.State)
}

func TestUnreachableEndpoint(t *testing.T) {
	dials := 0
	dialer := target.DialerFunc(func(ctx context.Context, endpoint string) (target.Target, error) {
		dials++
		return target.RemoteDialer{}.Dial(ctx, endpoint)
	})
	opts := testOptions(closedPort(t))
	q := NewSequencer(dialer, testImage(), opts)

	rep, err := q.Run(context.Background())
	require.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, 1, dials)
	assert.Equal(t, StepConnect, rep.AbortedAt)
	assert.Equal(t, StateAborted, rep.State)
	assert.Equal(t, target.StateUnknown, rep.Processor)
	assert.Equal(t, 1, rep.ExitCode())
	require.Len(t, rep.Steps, 1)
	for s := StepDemangle; s <= StepBreakpoints; s++ {
		assert.False(t, rep.Ran(s), "step %d ran after a failed connect", s)
	}
	assert.Nil(t, q.Session().Target())
}

// silentListener accepts connections and never answers on them.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return ln.Addr().String()
}

func TestConnectTimeout(t *testing.T) {
	opts := testOptions(silentListener(t))
	opts.ConnectTimeout = 300 * time.Millisecond

	start := time.Now()
	rep, err := NewSequencer(target.RemoteDialer{}, testImage(), opts).Run(context.Background())
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, StepConnect, rep.AbortedAt)
	assert.Equal(t, StateAborted, rep.State)
	assert.Equal(t, target.StateUnknown, rep.Processor)
	assert.Less(t, elapsed, 1500*time.Millisecond)
	require.Len(t, rep.Steps, 1)
}

func TestStepTimeoutAbortsWithoutDetach(t *testing.T) {
	sim := target.NewSim()
	release := make(chan struct{})
	sim.OnMonitor = func(cmd string, out io.Writer) (bool, error) {
		if cmd != "reset halt" {
			return false, nil
		}
		<-release
		return true, nil
	}
	opts := testOptions(serve(t, sim))
	// Runs before the server shuts down.
	t.Cleanup(func() { close(release) })
	opts.StepTimeout = 300 * time.Millisecond

	start := time.Now()
	rep, err := NewSequencer(target.RemoteDialer{}, testImage(), opts).Run(context.Background())
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, StepResetHalt, rep.AbortedAt)
	assert.Equal(t, StateAborted, rep.State)
	assert.Equal(t, target.StateUnknown, rep.Processor)
	// A detach would wait on the hung monitor for rsp.DefaultDialTimeout.
	assert.Less(t, elapsed, 1500*time.Millisecond)
	assert.Less(t, elapsed, rsp.DefaultDialTimeout)
	assert.Equal(t, 0, sim.ResetCount())
}

func TestStepsRequireConnection(t *testing.T) {
	s := NewSession(target.RemoteDialer{}, DefaultOptions())
	ctx := context.Background()
	assert.ErrorIs(t, s.EnableDemangle(true), ErrConnection)
	assert.ErrorIs(t, s.EnableSemihosting(ctx), ErrConnection)
	assert.ErrorIs(t, s.ResetHalt(ctx), ErrConnection)
	assert.ErrorIs(t, s.Load(ctx, testImage()), ErrConnection)
	_, err := s.Verify(ctx, testImage(), nil)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, StateDisconnected, s.State)
}

func TestResetHaltLeavesCoreHalted(t *testing.T) {
	sim := target.NewSim()
	s := NewSession(target.RemoteDialer{}, testOptions(serve(t, sim)))
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	defer s.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Target().Resume(ctx))
		require.False(t, sim.Halted())
		require.NoError(t, s.ResetHalt(ctx))
		assert.Equal(t, target.StateHalted, s.Processor)
		assert.True(t, sim.Halted())
		state, err := s.Target().State(ctx)
		require.NoError(t, err)
		assert.Equal(t, target.StateHalted, state)
	}
}

func TestResetHaltFailureIsUnsupported(t *testing.T) {
	sim := target.NewSim()
	sim.OnMonitor = func(cmd string, out io.Writer) (bool, error) {
		return cmd == "reset halt", nil
	}
	rep, err := run(t, sim, testImage(), Options{})
	require.ErrorIs(t, err, ErrUnsupported)
	require.ErrorIs(t, err, target.ErrNotHalted)
	assert.Equal(t, StepResetHalt, rep.AbortedAt)
	assert.Equal(t, target.StateUnknown, rep.Processor)
	assert.False(t, rep.Ran(StepLoad))
}

func TestLoadRequiresHalt(t *testing.T) {
	sim := target.NewSim()
	s := NewSession(target.RemoteDialer{}, testOptions(serve(t, sim)))
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	defer s.Close()

	err := s.Load(ctx, testImage())
	require.ErrorIs(t, err, ErrLoad)
	assert.Equal(t, StateConnected, s.State)
}

func TestLoadVerifyIdempotent(t *testing.T) {
	sim := target.NewSim()
	img := testImage()
	s := NewSession(target.RemoteDialer{}, testOptions(serve(t, sim)))
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	defer s.Close()
	require.NoError(t, s.ResetHalt(ctx))

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Load(ctx, img), "load %d", i+1)
		mm, err := s.Verify(ctx, img, nil)
		require.NoError(t, err)
		assert.Empty(t, mm, "load %d", i+1)
	}

	// Whole runs are repeatable too.
	opts := testOptions(s.Endpoint)
	require.NoError(t, s.Close())
	for i := 0; i < 2; i++ {
		rep, err := NewSequencer(target.RemoteDialer{}, img, opts).Run(ctx)
		require.NoError(t, err)
		assert.True(t, rep.OK(), "run %d: %+v", i+1, rep.Mismatches)
	}
}

func TestSemihostingUnsupported(t *testing.T) {
	t.Run("aborts", func(t *testing.T) {
		sim := target.NewSim()
		sim.Semihosting = false
		rep, err := run(t, sim, testImage(), Options{})
		require.ErrorIs(t, err, ErrUnsupported)
		var se *StepError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, KindUnsupported, se.Kind)
		assert.Equal(t, StepSemihosting, rep.AbortedAt)
		assert.Equal(t, StateAborted, rep.State)
		assert.Equal(t, 0, sim.ResetCount())
	})
	t.Run("tolerated", func(t *testing.T) {
		sim := target.NewSim()
		sim.Semihosting = false
		opts := testOptions(serve(t, sim))
		opts.TolerateUnsupported = true
		q := NewSequencer(target.RemoteDialer{}, testImage(), opts)
		rep, err := q.Run(context.Background())
		require.NoError(t, err)
		assert.True(t, rep.OK())
		assert.False(t, q.Session().Semihosting)
		require.NotEmpty(t, rep.Warnings)
		assert.Contains(t, rep.Warnings[0], "semihosting")
	})
}

func TestLoadOutOfRange(t *testing.T) {
	sim := target.NewSim()
	img := image.New("far.bin", 0, []image.Section{{Name: "far.bin", Addr: 0x30000000, Data: []byte{1, 2, 3, 4}}}, nil)
	rep, err := run(t, sim, img, Options{})
	require.ErrorIs(t, err, ErrLoad)
	require.ErrorIs(t, err, target.ErrOutOfRange)
	assert.Equal(t, StepLoad, rep.AbortedAt)
	assert.False(t, rep.Ran(StepResetHaltAgain))
	assert.False(t, rep.Ran(StepCompare))
}

func TestMismatchIsReportedNotFatal(t *testing.T) {
	sim := target.NewSim()
	var mu sync.Mutex
	resets := 0
	sim.OnMonitor = func(cmd string, out io.Writer) (bool, error) {
		if cmd != "reset halt" {
			return false, nil
		}
		mu.Lock()
		resets++
		second := resets == 2
		mu.Unlock()
		if second {
			// Firmware scribbles over .data before the core stops.
			sim.Corrupt(0x20000004)
		}
		return false, nil
	}

	rep, err := run(t, sim, testImage(), Options{})
	require.NoError(t, err)
	assert.False(t, rep.OK())
	assert.Equal(t, 1, rep.ExitCode())
	assert.Equal(t, StateVerified, rep.State)
	require.Len(t, rep.Mismatches, 1)
	m := rep.Mismatches[0]
	assert.Equal(t, ".data", m.Section)
	assert.Equal(t, uint32(0x20000000), m.Addr)
	assert.Equal(t, 4, m.FirstDiff)
	assert.NotEqual(t, m.WantCRC, m.GotCRC)

	last := rep.Steps[len(rep.Steps)-1]
	assert.Equal(t, StepCompare, last.Step)
	assert.ErrorIs(t, last.Err, ErrMismatch)
	var me *MismatchError
	require.ErrorAs(t, last.Err, &me)
	assert.Contains(t, me.Error(), ".data")
}

// noCRC hides the remote CRC so verification reads memory back.
type noCRC struct {
	target.Target
}

func (noCRC) SectionCRC(context.Context, uint32, uint32) (uint32, error) {
	return 0, rsp.ErrUnsupported
}

func TestVerifyWithoutCRC(t *testing.T) {
	sim := target.NewSim()
	dialer := target.DialerFunc(func(ctx context.Context, endpoint string) (target.Target, error) {
		tgt, err := target.RemoteDialer{}.Dial(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		return noCRC{tgt}, nil
	})
	img := testImage()
	opts := testOptions(serve(t, sim))
	opts.KeepOpen = true
	q := NewSequencer(dialer, img, opts)
	rep, err := q.Run(context.Background())
	require.NoError(t, err)
	require.True(t, rep.OK())
	defer q.Session().Close()

	require.NoError(t, sim.Corrupt(0x10))
	mm, err := q.Session().Verify(context.Background(), img, []string{".text"})
	require.NoError(t, err)
	require.Len(t, mm, 1)
	assert.Equal(t, 0x10, mm[0].FirstDiff)

	_, err = q.Session().Verify(context.Background(), img, []string{".nosuch"})
	assert.Error(t, err)
}

func TestBreakpoints(t *testing.T) {
	sim := target.NewSim()
	opts := testOptions(serve(t, sim))
	opts.Breakpoints = []string{"app::main", "HardFault", "0x400", "rust_begin_unwind"}

	rep, err := run(t, sim, testImage(), opts)
	require.NoError(t, err)
	assert.True(t, rep.OK())
	assert.True(t, rep.Ran(StepBreakpoints))
	assert.Equal(t, []uint32{0x200, 0x300, 0x400}, sim.Breakpoints())

	require.Len(t, rep.Breakpoints, 3)
	assert.Equal(t, "app::main", rep.Breakpoints[0].Symbol)
	assert.Equal(t, uint32(0x200), rep.Breakpoints[0].Addr)
	assert.Empty(t, rep.Breakpoints[2].Symbol)

	found := false
	for _, w := range rep.Warnings {
		if strings.Contains(w, "rust_begin_unwind") {
			found = true
		}
	}
	assert.True(t, found, "warnings: %v", rep.Warnings)
}

func TestBreakpointLimitIsWarning(t *testing.T) {
	sim := target.NewSim()
	sim.MaxBreakpoints = 1
	opts := testOptions(serve(t, sim))
	opts.Breakpoints = []string{"Reset", "HardFault"}

	rep, err := run(t, sim, testImage(), opts)
	require.NoError(t, err)
	assert.True(t, rep.OK())
	assert.Len(t, rep.Breakpoints, 1)
	assert.Len(t, sim.Breakpoints(), 1)
}

func TestReportJSON(t *testing.T) {
	sim := target.NewSim()
	rep, err := run(t, sim, testImage(), Options{})
	require.NoError(t, err)

	b, err := rep.JSON()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "Verified", out["state"])
	assert.Equal(t, "halted", out["processor"])
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "0x410fc241", out["cpuid"])
	assert.Len(t, out["steps"], 7)

	rep, _ = NewSequencer(target.RemoteDialer{}, testImage(), testOptions(closedPort(t))).Run(context.Background())
	b, err = rep.JSON()
	require.NoError(t, err)
	out = nil
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "Aborted", out["state"])
	assert.Equal(t, "ConnectionError", out["error_kind"])
	assert.Equal(t, float64(1), out["aborted_at"])
}

func TestClassify(t *testing.T) {
	tests := []struct {
		step Step
		err  error
		want Kind
	}{
		{StepConnect, errors.New("refused"), KindConnection},
		{StepLoad, &rsp.ErrorReply{Code: 0x0e}, KindLoad},
		{StepSemihosting, target.ErrUnsupported, KindUnsupported},
		{StepSemihosting, io.EOF, KindConnection},
		{StepResetHalt, &rsp.ErrorReply{Code: 0x01}, KindUnsupported},
		{StepCompare, context.DeadlineExceeded, KindConnection},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.step, tt.err), "step %s, err %v", tt.step, tt.err)
	}
	assert.True(t, KindLoad.Fatal())
	assert.False(t, KindMismatch.Fatal())
}
