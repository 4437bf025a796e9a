package target

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/rsp"
)

// Error codes returned by the simulator in E replies.
const (
	simErrFault    = 0x0e
	simErrNoSpace  = 0x1c
	simErrBadCmd   = 0x01
	simErrNotErase = 0x05
)

// CPUIDAddr is the Cortex-M CPUID base register.
const CPUIDAddr = 0xE000ED00

// DefaultSimRegions mirrors an nRF52840: 1MiB flash in 4KiB pages and
// 256KiB RAM.
func DefaultSimRegions() []Region {
	return []Region{
		{Kind: RegionFlash, Start: 0x00000000, Length: 0x100000, BlockSize: 0x1000},
		{Kind: RegionRAM, Start: 0x20000000, Length: 0x40000},
	}
}

// MonitorHook lets tests intercept monitor commands. Returning handled=false
// falls through to the built-in command set.
type MonitorHook func(cmd string, out io.Writer) (handled bool, err error)

type pendingWrite struct {
	addr uint32
	data []byte
}

// Sim is an in-memory Cortex-M-like device implementing rsp.Backend.
type Sim struct {
	// Semihosting reports whether the simulated firmware supports
	// semihosting.
	Semihosting bool
	// NoMemoryMap hides the memory map, as some remotes do.
	NoMemoryMap bool
	CPUID       uint32
	// MaxBreakpoints is the number of hardware comparators.
	MaxBreakpoints int

	OnMonitor MonitorHook

	mu          sync.Mutex
	regions     []Region
	mem         map[uint32][]byte // keyed by region start
	pending     []pendingWrite
	halted      bool
	semihosting bool
	resets      int
	erases      int
	breakpoints map[uint32]bool
}

// NewSim creates a running device with the given regions, or the default
// layout when none are given. Flash starts erased.
func NewSim(regions ...Region) *Sim {
	if len(regions) == 0 {
		regions = DefaultSimRegions()
	}
	s := &Sim{
		Semihosting:    true,
		CPUID:          0x410FC241, // Cortex-M4 r0p1
		MaxBreakpoints: 6,
		regions:        append([]Region(nil), regions...),
		mem:            make(map[uint32][]byte),
		breakpoints:    make(map[uint32]bool),
	}
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].Start < s.regions[j].Start })
	for _, r := range s.regions {
		buf := make([]byte, r.Length)
		if r.Kind == RegionFlash {
			for i := range buf {
				buf[i] = 0xff
			}
		}
		s.mem[r.Start] = buf
	}
	return s
}

// Regions returns the simulated memory layout.
func (s *Sim) Regions() []Region {
	return append([]Region(nil), s.regions...)
}

// Halted reports whether the simulated core is stopped.
func (s *Sim) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// SemihostingEnabled reports whether semihosting was switched on.
func (s *Sim) SemihostingEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.semihosting
}

// ResetCount returns how many resets have been requested.
func (s *Sim) ResetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// EraseCount returns how many flash erase requests were served.
func (s *Sim) EraseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.erases
}

// Breakpoints returns the addresses with a breakpoint set, in order.
func (s *Sim) Breakpoints() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, 0, len(s.breakpoints))
	for a := range s.breakpoints {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Peek reads memory without going through region permissions.
func (s *Sim) Peek(addr uint32, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.slice(addr, n)
	if !ok {
		return nil, fmt.Errorf("target: sim: 0x%08x+%d is unmapped", addr, n)
	}
	return append([]byte(nil), buf...), nil
}

// Poke writes memory without going through region permissions, the way the
// firmware itself would.
func (s *Sim) Poke(addr uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.slice(addr, len(data))
	if !ok {
		return fmt.Errorf("target: sim: 0x%08x+%d is unmapped", addr, len(data))
	}
	copy(buf, data)
	return nil
}

// Corrupt flips every bit of the byte at addr.
func (s *Sim) Corrupt(addr uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.slice(addr, 1)
	if !ok {
		return fmt.Errorf("target: sim: 0x%08x is unmapped", addr)
	}
	buf[0] ^= 0xff
	return nil
}

// Halt stops the core, as an external debugger request would.
func (s *Sim) Halt() {
	s.mu.Lock()
	s.halted = true
	s.mu.Unlock()
}

func (s *Sim) region(addr uint32, n int) (Region, bool) {
	return FindRegion(s.regions, addr, n)
}

func (s *Sim) slice(addr uint32, n int) ([]byte, bool) {
	r, ok := s.region(addr, n)
	if !ok {
		return nil, false
	}
	off := addr - r.Start
	return s.mem[r.Start][off : off+uint32(n)], true
}

// HaltReason implements rsp.Backend.
func (s *Sim) HaltReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return "S05"
	}
	return "OK"
}

// Monitor implements rsp.Backend with a subset of the OpenOCD command set.
func (s *Sim) Monitor(cmd string, out io.Writer) error {
	if s.OnMonitor != nil {
		handled, err := s.OnMonitor(cmd, out)
		if handled {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch strings.Join(strings.Fields(cmd), " ") {
	case "arm semihosting enable":
		if !s.Semihosting {
			fmt.Fprintln(out, `invalid command name "arm semihosting"`)
			return nil
		}
		s.semihosting = true
		fmt.Fprintln(out, "semihosting is enabled")
	case "arm semihosting disable":
		s.semihosting = false
		fmt.Fprintln(out, "semihosting is disabled")
	case "reset halt":
		s.resets++
		s.halted = true
		fmt.Fprintln(out, "target halted due to debug-request, current mode: Thread")
		fmt.Fprintf(out, "xPSR: 0x01000000 pc: 0x%08x msp: 0x%08x\n", s.vector(1)&^1, s.vector(0))
	case "reset", "reset run":
		s.resets++
		s.halted = false
	case "halt":
		s.halted = true
		fmt.Fprintln(out, "target halted due to debug-request")
	case "resume":
		s.halted = false
	default:
		fmt.Fprintf(out, "invalid command name %q\n", strings.Fields(cmd + " ?")[0])
		return &rsp.ErrorReply{Code: simErrBadCmd}
	}
	return nil
}

// vector returns entry i of the vector table at the start of the first
// flash region.
func (s *Sim) vector(i int) uint32 {
	for _, r := range s.regions {
		if r.Kind != RegionFlash {
			continue
		}
		buf, ok := s.slice(r.Start+uint32(4*i), 4)
		if ok {
			return binary.LittleEndian.Uint32(buf)
		}
	}
	return 0
}

// ReadMemory implements rsp.Backend. The CPUID register is readable in
// addition to mapped memory.
func (s *Sim) ReadMemory(addr uint32, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr == CPUIDAddr && n == 4 {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], s.CPUID)
		return b[:], nil
	}
	buf, ok := s.slice(addr, n)
	if !ok {
		return nil, &rsp.ErrorReply{Code: simErrFault}
	}
	return append([]byte(nil), buf...), nil
}

// WriteMemory implements rsp.Backend. Only RAM accepts plain writes.
func (s *Sim) WriteMemory(addr uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.region(addr, len(data))
	if !ok || r.Kind != RegionRAM {
		return &rsp.ErrorReply{Code: simErrFault}
	}
	buf, _ := s.slice(addr, len(data))
	copy(buf, data)
	return nil
}

// MemoryMap implements rsp.Backend.
func (s *Sim) MemoryMap() []byte {
	if s.NoMemoryMap {
		return nil
	}
	return FormatMemoryMap(s.regions)
}

// FlashErase implements rsp.Backend. The range must be block aligned.
func (s *Sim) FlashErase(addr, length uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.region(addr, int(length))
	if !ok || r.Kind != RegionFlash {
		return &rsp.ErrorReply{Code: simErrFault}
	}
	if (addr-r.Start)%r.BlockSize != 0 || length%r.BlockSize != 0 {
		return &rsp.ErrorReply{Code: simErrFault}
	}
	buf, _ := s.slice(addr, int(length))
	for i := range buf {
		buf[i] = 0xff
	}
	s.erases++
	return nil
}

// FlashWrite implements rsp.Backend. Writes are queued until FlashDone.
func (s *Sim) FlashWrite(addr uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.region(addr, len(data))
	if !ok || r.Kind != RegionFlash {
		return &rsp.ErrorReply{Code: simErrNoSpace}
	}
	s.pending = append(s.pending, pendingWrite{addr: addr, data: append([]byte(nil), data...)})
	return nil
}

// FlashDone implements rsp.Backend. Programming only clears bits, so a
// write over unerased flash fails.
func (s *Sim) FlashDone() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pending
	s.pending = nil
	for _, w := range pending {
		buf, _ := s.slice(w.addr, len(w.data))
		for i, b := range w.data {
			if buf[i]&b != b {
				return &rsp.ErrorReply{Code: simErrNotErase}
			}
			buf[i] &= b
		}
	}
	return nil
}

// InsertBreakpoint implements rsp.Backend.
func (s *Sim) InsertBreakpoint(typ rsp.BreakpointType, addr, kind uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.breakpoints[addr] {
		return nil
	}
	if typ == rsp.HardwareBreakpoint && len(s.breakpoints) >= s.MaxBreakpoints {
		return &rsp.ErrorReply{Code: simErrNoSpace}
	}
	s.breakpoints[addr] = true
	return nil
}

// RemoveBreakpoint implements rsp.Backend.
func (s *Sim) RemoveBreakpoint(typ rsp.BreakpointType, addr, kind uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakpoints, addr)
	return nil
}

var _ rsp.Backend = (*Sim)(nil)
