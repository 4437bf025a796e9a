package target

import (
	"fmt"
	"sort"

	"github.com/OpenTraceLab/OpenTraceBoot/pkg/image"
)

// Write is one section placed in its target region.
type Write struct {
	Section image.Section
	Region  Region
	// Flash is true when the section goes through the flash programming
	// path rather than plain memory writes.
	Flash bool
}

// Span is an address range.
type Span struct {
	Addr   uint32
	Length uint32
}

// PlanLoad places sections into regions. With no regions every section is
// written as RAM. A section must fit inside a single RAM or flash region.
func PlanLoad(sections []image.Section, regions []Region) ([]Write, error) {
	plan := make([]Write, 0, len(sections))
	for _, s := range sections {
		if len(s.Data) == 0 {
			continue
		}
		if len(regions) == 0 {
			plan = append(plan, Write{Section: s})
			continue
		}
		r, ok := FindRegion(regions, s.Addr, len(s.Data))
		if !ok {
			return nil, fmt.Errorf("%w: %s at 0x%08x (%d bytes)", ErrOutOfRange, s.Name, s.Addr, len(s.Data))
		}
		if r.Kind == RegionROM {
			return nil, fmt.Errorf("%w: %s at 0x%08x is in read-only memory", ErrOutOfRange, s.Name, s.Addr)
		}
		plan = append(plan, Write{Section: s, Region: r, Flash: r.Kind == RegionFlash})
	}
	return plan, nil
}

// EraseSpans returns the block-aligned flash ranges covering every flash
// write in plan, merged where they touch or overlap.
func EraseSpans(plan []Write) []Span {
	var spans []Span
	for _, w := range plan {
		if !w.Flash {
			continue
		}
		bs := uint64(w.Region.BlockSize)
		base := uint64(w.Region.Start)
		start := base + (uint64(w.Section.Addr)-base)/bs*bs
		end := uint64(w.Section.End())
		end = base + (end-base+bs-1)/bs*bs
		if end > w.Region.End() {
			end = w.Region.End()
		}
		spans = append(spans, Span{Addr: uint32(start), Length: uint32(end - start)})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Addr < spans[j].Addr })

	merged := spans[:0]
	for _, s := range spans {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if uint64(s.Addr) <= uint64(last.Addr)+uint64(last.Length) {
				if end := uint64(s.Addr) + uint64(s.Length); end > uint64(last.Addr)+uint64(last.Length) {
					last.Length = uint32(end - uint64(last.Addr))
				}
				continue
			}
		}
		merged = append(merged, s)
	}
	return merged
}
