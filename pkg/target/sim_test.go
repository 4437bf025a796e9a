package target

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/gousb"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/rsp"
)

func TestSimFlashRequiresErase(t *testing.T) {
	sim := NewSim()
	if err := sim.FlashWrite(0x0, []byte{0x00, 0x11}); err != nil {
		t.Fatalf("FlashWrite: %v", err)
	}
	if err := sim.FlashDone(); err != nil {
		t.Fatalf("FlashDone on erased flash: %v", err)
	}

	// Programming 0x00 -> 0xff needs an erase first.
	if err := sim.FlashWrite(0x0, []byte{0xff}); err != nil {
		t.Fatalf("FlashWrite: %v", err)
	}
	if err := sim.FlashDone(); err == nil {
		t.Fatalf("FlashDone over programmed flash succeeded")
	}

	if err := sim.FlashErase(0x0, 0x1000); err != nil {
		t.Fatalf("FlashErase: %v", err)
	}
	if err := sim.FlashErase(0x10, 0x1000); err == nil {
		t.Fatalf("unaligned erase accepted")
	}
	got, _ := sim.Peek(0x0, 2)
	if !bytes.Equal(got, []byte{0xff, 0xff}) {
		t.Fatalf("flash after erase = %x", got)
	}
}

func TestSimFlashWritesAreDeferred(t *testing.T) {
	sim := NewSim()
	if err := sim.FlashWrite(0x100, []byte{0x12}); err != nil {
		t.Fatal(err)
	}
	got, _ := sim.Peek(0x100, 1)
	if got[0] != 0xff {
		t.Fatalf("flash changed before FlashDone: %x", got)
	}
	if err := sim.FlashDone(); err != nil {
		t.Fatal(err)
	}
	got, _ = sim.Peek(0x100, 1)
	if got[0] != 0x12 {
		t.Fatalf("flash after FlashDone = %x", got)
	}
}

func TestSimMemoryPermissions(t *testing.T) {
	sim := NewSim()
	if err := sim.WriteMemory(0x0, []byte{1}); err == nil {
		t.Fatalf("plain write to flash accepted")
	}
	if err := sim.WriteMemory(0x20000000, []byte{1, 2}); err != nil {
		t.Fatalf("WriteMemory(ram): %v", err)
	}
	if _, err := sim.ReadMemory(0x50000000, 4); err == nil {
		t.Fatalf("read of unmapped memory succeeded")
	}
	if err := sim.FlashWrite(0x20000000, []byte{1}); err == nil {
		t.Fatalf("flash write to RAM accepted")
	}
}

func TestSimMonitor(t *testing.T) {
	sim := NewSim()
	// Reset vector 0x201 in the vector table.
	sim.Poke(0x4, []byte{0x01, 0x02, 0x00, 0x00})

	var out bytes.Buffer
	if err := sim.Monitor("reset  halt", &out); err != nil {
		t.Fatalf("reset halt: %v", err)
	}
	if !sim.Halted() || !strings.Contains(out.String(), "pc: 0x00000200") {
		t.Fatalf("unexpected reset halt output %q", out.String())
	}

	out.Reset()
	err := sim.Monitor("flash probe 0", &out)
	if er, ok := err.(*rsp.ErrorReply); !ok || er.Code != simErrBadCmd {
		t.Fatalf("unknown command error = %v", err)
	}
	if !strings.Contains(out.String(), "invalid command name") {
		t.Fatalf("unknown command output %q", out.String())
	}

	if err := sim.Monitor("resume", &out); err != nil || sim.Halted() {
		t.Fatalf("resume: %v, halted=%v", err, sim.Halted())
	}
}

func TestSimCorrupt(t *testing.T) {
	sim := NewSim()
	sim.Poke(0x20000000, []byte{0x0f})
	if err := sim.Corrupt(0x20000000); err != nil {
		t.Fatal(err)
	}
	got, _ := sim.Peek(0x20000000, 1)
	if got[0] != 0xf0 {
		t.Fatalf("corrupted byte = %02x, want f0", got[0])
	}
	if err := sim.Corrupt(0x90000000); err == nil {
		t.Fatalf("Corrupt(unmapped) succeeded")
	}
}

func TestClassifyUSBDevice(t *testing.T) {
	info, ok := classifyUSBDevice(&gousb.DeviceDesc{Bus: 1, Address: 4, Vendor: 0x0483, Product: 0x374b})
	if !ok {
		t.Fatalf("ST-LINK/V2-1 not recognised")
	}
	if info.Kind != ProbeKindSTLink || info.Path != "usb:1-4" || info.OpenOCDConfig != "interface/stlink.cfg" {
		t.Fatalf("unexpected probe info %+v", info)
	}
	if _, ok := classifyUSBDevice(&gousb.DeviceDesc{Vendor: 0x046d, Product: 0xc52b}); ok {
		t.Fatalf("keyboard receiver classified as a probe")
	}
	if got := (ProbeInfo{Kind: ProbeKindJLink, VendorID: 0x1366, ProductID: 0x0101}).Label(); got != "j-link (1366:0101)" {
		t.Fatalf("Label() = %q", got)
	}
}

func TestDiscoverProbes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping USB enumeration in short mode")
	}
	probes, err := DiscoverProbes(context.Background())
	if err != nil {
		t.Skipf("USB enumeration unavailable: %v", err)
	}
	if len(probes) == 0 || probes[len(probes)-1].Kind != ProbeKindSim {
		t.Fatalf("simulator entry missing from %+v", probes)
	}
}
