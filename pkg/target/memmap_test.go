package target

import (
	"errors"
	"testing"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/image"
)

const openOCDMemoryMap = `<?xml version="1.0"?>
<!DOCTYPE memory-map PUBLIC "+//IDN gnu.org//DTD GDB Memory Map V1.0//EN" "http://sourceware.org/gdb/gdb-memory-map.dtd">
<memory-map>
<memory type="ram" start="0x20000000" length="0x40000"/>
<memory type="flash" start="0x00000000" length="0x100000">
<property name="blocksize">0x1000</property>
</memory>
<memory type="rom" start="0x10000000" length="0x1000"/>
</memory-map>`

func TestParseMemoryMap(t *testing.T) {
	regions, err := ParseMemoryMap([]byte(openOCDMemoryMap))
	if err != nil {
		t.Fatalf("ParseMemoryMap: %v", err)
	}
	want := []Region{
		{Kind: RegionFlash, Start: 0, Length: 0x100000, BlockSize: 0x1000},
		{Kind: RegionROM, Start: 0x10000000, Length: 0x1000},
		{Kind: RegionRAM, Start: 0x20000000, Length: 0x40000},
	}
	if len(regions) != len(want) {
		t.Fatalf("got %d regions, want %d", len(regions), len(want))
	}
	for i := range want {
		if regions[i] != want[i] {
			t.Errorf("region %d = %+v, want %+v", i, regions[i], want[i])
		}
	}
}

func TestParseMemoryMapErrors(t *testing.T) {
	docs := []string{
		`<memory-map><memory type="sram" start="0" length="1"/></memory-map>`,
		`<memory-map><memory type="ram" start="zz" length="1"/></memory-map>`,
		`<memory-map><memory type="flash" start="0" length="0x1000"/></memory-map>`,
		`<memory-map>`,
	}
	for _, doc := range docs {
		if _, err := ParseMemoryMap([]byte(doc)); err == nil {
			t.Errorf("ParseMemoryMap(%q) succeeded, want error", doc)
		}
	}
}

func TestFormatMemoryMapRoundTrip(t *testing.T) {
	in := DefaultSimRegions()
	out, err := ParseMemoryMap(FormatMemoryMap(in))
	if err != nil {
		t.Fatalf("ParseMemoryMap: %v", err)
	}
	if len(out) != len(in) || out[0] != in[0] || out[1] != in[1] {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}

func TestPlanLoad(t *testing.T) {
	regions := DefaultSimRegions()
	sections := []image.Section{
		{Name: ".text", Addr: 0x0, Data: make([]byte, 0x1800)},
		{Name: ".ramfunc", Addr: 0x20000000, Data: make([]byte, 16)},
		{Name: ".empty", Addr: 0x30000000},
	}
	plan, err := PlanLoad(sections, regions)
	if err != nil {
		t.Fatalf("PlanLoad: %v", err)
	}
	if len(plan) != 2 {
		t.Fatalf("plan has %d writes, want 2", len(plan))
	}
	if !plan[0].Flash || plan[1].Flash {
		t.Fatalf("flash classification wrong: %+v", plan)
	}

	// No memory map: everything is a memory write.
	plan, err = PlanLoad(sections, nil)
	if err != nil {
		t.Fatalf("PlanLoad(no map): %v", err)
	}
	for _, w := range plan {
		if w.Flash {
			t.Fatalf("section %s planned as flash without a memory map", w.Section.Name)
		}
	}
}

func TestPlanLoadOutOfRange(t *testing.T) {
	regions := DefaultSimRegions()
	cases := []image.Section{
		{Name: ".far", Addr: 0x30000000, Data: []byte{1}},
		// Straddles the end of RAM.
		{Name: ".big", Addr: 0x2003fff0, Data: make([]byte, 32)},
	}
	for _, s := range cases {
		_, err := PlanLoad([]image.Section{s}, regions)
		if !errors.Is(err, ErrOutOfRange) {
			t.Errorf("PlanLoad(%s) error = %v, want ErrOutOfRange", s.Name, err)
		}
	}

	rom := []Region{{Kind: RegionROM, Start: 0, Length: 0x100}}
	if _, err := PlanLoad([]image.Section{{Name: ".text", Data: []byte{1}}}, rom); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("PlanLoad(rom) error = %v, want ErrOutOfRange", err)
	}
}

func TestEraseSpans(t *testing.T) {
	flash := Region{Kind: RegionFlash, Start: 0x08000000, Length: 0x10000, BlockSize: 0x800}
	plan := []Write{
		{Section: image.Section{Addr: 0x08000100, Data: make([]byte, 0x100)}, Region: flash, Flash: true},
		{Section: image.Section{Addr: 0x08000700, Data: make([]byte, 0x200)}, Region: flash, Flash: true},
		{Section: image.Section{Addr: 0x08004000, Data: make([]byte, 1)}, Region: flash, Flash: true},
		{Section: image.Section{Addr: 0x20000000, Data: make([]byte, 0x100)}},
	}
	got := EraseSpans(plan)
	want := []Span{
		{Addr: 0x08000000, Length: 0x1000},
		{Addr: 0x08004000, Length: 0x800},
	}
	if len(got) != len(want) {
		t.Fatalf("EraseSpans = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("span %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
