package target

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/image"
	"github.com/OpenTraceLab/OpenTraceBoot/pkg/rsp"
)

// serveSim exposes sim on a loopback port and returns the endpoint.
func serveSim(t *testing.T, sim *Sim) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := rsp.NewServer(sim)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return ln.Addr().String()
}

func dialSim(t *testing.T, sim *Sim) *Remote {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tgt, err := RemoteDialer{}.Dial(ctx, serveSim(t, sim))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { tgt.Close() })
	return tgt.(*Remote)
}

func firmware() []image.Section {
	text := make([]byte, 0x1234)
	for i := range text {
		text[i] = byte(i)
	}
	binaryLE := func(v uint32) []byte { return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)} }
	copy(text, binaryLE(0x20040000))
	copy(text[4:], binaryLE(0x00000101))
	return []image.Section{
		{Name: ".text", Addr: 0x0, Data: text},
		{Name: ".data", Addr: 0x20000000, Data: []byte("initialised data")},
	}
}

func TestRemoteResetHalt(t *testing.T) {
	sim := NewSim()
	r := dialSim(t, sim)
	ctx := context.Background()

	state, err := r.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != StateRunning {
		t.Fatalf("initial state = %v, want running", state)
	}

	if err := r.ResetHalt(ctx); err != nil {
		t.Fatalf("ResetHalt: %v", err)
	}
	if state, _ := r.State(ctx); state != StateHalted {
		t.Fatalf("state after reset halt = %v, want halted", state)
	}
	if sim.ResetCount() != 1 {
		t.Fatalf("reset count = %d, want 1", sim.ResetCount())
	}

	if err := r.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if sim.Halted() {
		t.Fatalf("sim still halted after resume")
	}
}

func TestRemoteResetHaltNotHalted(t *testing.T) {
	sim := NewSim()
	sim.OnMonitor = func(cmd string, out io.Writer) (bool, error) {
		// Acknowledge the reset but leave the core running.
		return cmd == "reset halt", nil
	}
	r := dialSim(t, sim)
	if err := r.ResetHalt(context.Background()); !errors.Is(err, ErrNotHalted) {
		t.Fatalf("ResetHalt error = %v, want ErrNotHalted", err)
	}
}

func TestRemoteSemihosting(t *testing.T) {
	sim := NewSim()
	r := dialSim(t, sim)
	if err := r.EnableSemihosting(context.Background()); err != nil {
		t.Fatalf("EnableSemihosting: %v", err)
	}
	if !sim.SemihostingEnabled() {
		t.Fatalf("semihosting not enabled on the sim")
	}
}

func TestRemoteSemihostingUnsupported(t *testing.T) {
	t.Run("console", func(t *testing.T) {
		sim := NewSim()
		sim.Semihosting = false
		r := dialSim(t, sim)
		if err := r.EnableSemihosting(context.Background()); !errors.Is(err, ErrUnsupported) {
			t.Fatalf("error = %v, want ErrUnsupported", err)
		}
	})
	t.Run("error reply", func(t *testing.T) {
		sim := NewSim()
		sim.OnMonitor = func(cmd string, out io.Writer) (bool, error) {
			if cmd == "arm semihosting enable" {
				return true, &rsp.ErrorReply{Code: 0x01}
			}
			return false, nil
		}
		r := dialSim(t, sim)
		if err := r.EnableSemihosting(context.Background()); !errors.Is(err, ErrUnsupported) {
			t.Fatalf("error = %v, want ErrUnsupported", err)
		}
	})
}

func TestRemoteLoadAndCRC(t *testing.T) {
	sim := NewSim()
	r := dialSim(t, sim)
	ctx := context.Background()
	sections := firmware()

	var last LoadProgress
	calls := 0
	err := r.Load(ctx, sections, func(p LoadProgress) {
		calls++
		if p.Written < last.Written {
			t.Errorf("progress went backwards: %d after %d", p.Written, last.Written)
		}
		last = p
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if last.Written != last.Total || last.Total != 0x1234+16 {
		t.Fatalf("final progress = %+v", last)
	}
	if calls < 2 {
		t.Fatalf("progress reported %d times, want one per chunk", calls)
	}
	if sim.EraseCount() != 1 {
		t.Fatalf("erase count = %d, want 1", sim.EraseCount())
	}

	for _, s := range sections {
		got, err := sim.Peek(s.Addr, len(s.Data))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, s.Data) {
			t.Fatalf("%s not written correctly", s.Name)
		}
		crc, err := r.SectionCRC(ctx, s.Addr, uint32(len(s.Data)))
		if err != nil {
			t.Fatalf("SectionCRC(%s): %v", s.Name, err)
		}
		if want := rsp.CRC32(rsp.CRCInit, s.Data); crc != want {
			t.Fatalf("SectionCRC(%s) = %08x, want %08x", s.Name, crc, want)
		}
	}

	// Flash is erased again, so a second load over programmed flash works.
	if err := r.Load(ctx, sections, nil); err != nil {
		t.Fatalf("second Load: %v", err)
	}
}

func TestRemoteLoadWithoutMemoryMap(t *testing.T) {
	sim := NewSim(Region{Kind: RegionRAM, Start: 0x20000000, Length: 0x1000})
	sim.NoMemoryMap = true
	r := dialSim(t, sim)

	regions, err := r.MemoryMap(context.Background())
	if err != nil || regions != nil {
		t.Fatalf("MemoryMap = %v, %v; want nil, nil", regions, err)
	}
	sec := []image.Section{{Name: ".bin", Addr: 0x20000000, Data: []byte{1, 2, 3}}}
	if err := r.Load(context.Background(), sec, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, _ := sim.Peek(0x20000000, 3)
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("memory = %x", got)
	}
}

func TestRemoteLoadOutOfRange(t *testing.T) {
	sim := NewSim()
	r := dialSim(t, sim)
	sec := []image.Section{{Name: ".huge", Addr: 0x20000000, Data: make([]byte, 0x40001)}}
	if err := r.Load(context.Background(), sec, nil); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Load error = %v, want ErrOutOfRange", err)
	}
}

func TestRemoteWords(t *testing.T) {
	sim := NewSim()
	r := dialSim(t, sim)
	ctx := context.Background()

	if err := r.WriteWord(ctx, 0x20000010, 0xdeadbeef); err != nil {
		t.Fatalf("WriteWord: %v", err)
	}
	v, err := r.ReadWord(ctx, 0x20000010)
	if err != nil || v != 0xdeadbeef {
		t.Fatalf("ReadWord = %08x, %v", v, err)
	}
	cpuid, err := r.ReadWord(ctx, CPUIDAddr)
	if err != nil || cpuid != sim.CPUID {
		t.Fatalf("CPUID = %08x, %v", cpuid, err)
	}
	if _, err := r.ReadWord(ctx, 0x40000000); err == nil {
		t.Fatalf("read of unmapped memory succeeded")
	}
}

func TestRemoteBreakpoints(t *testing.T) {
	sim := NewSim()
	sim.MaxBreakpoints = 2
	r := dialSim(t, sim)
	ctx := context.Background()

	for i := uint32(0); i < 2; i++ {
		if err := r.InsertBreakpoint(ctx, 0x100+i*4); err != nil {
			t.Fatalf("InsertBreakpoint: %v", err)
		}
	}
	if err := r.InsertBreakpoint(ctx, 0x200); err == nil {
		t.Fatalf("third hardware breakpoint accepted")
	}
	if got := fmt.Sprint(sim.Breakpoints()); got != "[256 260]" {
		t.Fatalf("breakpoints = %s", got)
	}
}

func TestRemoteDialUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	d := RemoteDialer{Options: rsp.Options{DialTimeout: 500 * time.Millisecond}}
	if _, err := d.Dial(context.Background(), addr); err == nil {
		t.Fatalf("Dial(%s) succeeded on a closed port", addr)
	}
}

func TestRemoteHalt(t *testing.T) {
	sim := NewSim()
	r := dialSim(t, sim)
	ctx := context.Background()

	if sim.Halted() {
		t.Fatalf("sim starts halted")
	}
	if err := r.Halt(ctx); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	if !sim.Halted() {
		t.Fatalf("sim still running after halt")
	}
	if sim.ResetCount() != 0 {
		t.Fatalf("halt reset the core")
	}
}

// hangOn makes sim block on cmd until the test ends.
func hangOn(t *testing.T, sim *Sim, cmd string) {
	release := make(chan struct{})
	sim.OnMonitor = func(c string, out io.Writer) (bool, error) {
		if c != cmd {
			return false, nil
		}
		<-release
		return true, nil
	}
	t.Cleanup(func() { close(release) })
}

func TestRemoteAbortDoesNotWaitForDetach(t *testing.T) {
	sim := NewSim()
	r := dialSim(t, sim)
	hangOn(t, sim, "reset halt")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := r.ResetHalt(ctx); err == nil {
		t.Fatalf("ResetHalt succeeded against a hung monitor")
	}

	start := time.Now()
	r.Abort()
	if d := time.Since(start); d > time.Second {
		t.Fatalf("Abort took %v", d)
	}
	if _, err := r.State(context.Background()); err == nil {
		t.Fatalf("State succeeded after Abort")
	}
}
