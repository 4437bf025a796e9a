package target

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RegionKind is the memory type from the remote memory map.
type RegionKind string

const (
	RegionRAM   RegionKind = "ram"
	RegionFlash RegionKind = "flash"
	RegionROM   RegionKind = "rom"
)

// Region is one entry of the target memory map.
type Region struct {
	Kind   RegionKind
	Start  uint32
	Length uint32
	// BlockSize is the flash erase granularity; zero for other kinds.
	BlockSize uint32
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return uint64(r.Start) + uint64(r.Length)
}

// Contains reports whether [addr, addr+n) lies inside the region.
func (r Region) Contains(addr uint32, n int) bool {
	return addr >= r.Start && uint64(addr)+uint64(n) <= r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("%s 0x%08x-0x%08x", r.Kind, r.Start, r.End())
}

type xmlMemoryMap struct {
	XMLName xml.Name    `xml:"memory-map"`
	Memory  []xmlMemory `xml:"memory"`
}

type xmlMemory struct {
	Type       string        `xml:"type,attr"`
	Start      string        `xml:"start,attr"`
	Length     string        `xml:"length,attr"`
	Properties []xmlProperty `xml:"property"`
}

type xmlProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// ParseMemoryMap decodes a GDB memory-map XML document. Regions are
// returned sorted by start address.
func ParseMemoryMap(doc []byte) ([]Region, error) {
	var m xmlMemoryMap
	if err := xml.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("target: parse memory map: %w", err)
	}

	regions := make([]Region, 0, len(m.Memory))
	for _, mem := range m.Memory {
		kind := RegionKind(strings.ToLower(mem.Type))
		switch kind {
		case RegionRAM, RegionFlash, RegionROM:
		default:
			return nil, fmt.Errorf("target: unknown memory type %q", mem.Type)
		}
		start, err := parseNumber(mem.Start)
		if err != nil {
			return nil, fmt.Errorf("target: memory start %q: %w", mem.Start, err)
		}
		length, err := parseNumber(mem.Length)
		if err != nil {
			return nil, fmt.Errorf("target: memory length %q: %w", mem.Length, err)
		}
		r := Region{Kind: kind, Start: uint32(start), Length: uint32(length)}
		for _, p := range mem.Properties {
			if p.Name != "blocksize" {
				continue
			}
			bs, err := parseNumber(p.Value)
			if err != nil {
				return nil, fmt.Errorf("target: blocksize %q: %w", p.Value, err)
			}
			r.BlockSize = uint32(bs)
		}
		if r.Kind == RegionFlash && r.BlockSize == 0 {
			return nil, fmt.Errorf("target: flash region at 0x%08x has no blocksize", r.Start)
		}
		regions = append(regions, r)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
	return regions, nil
}

// FormatMemoryMap renders regions as a GDB memory-map XML document.
func FormatMemoryMap(regions []Region) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?>` + "\n")
	b.WriteString(`<!DOCTYPE memory-map PUBLIC "+//IDN gnu.org//DTD GDB Memory Map V1.0//EN" "http://sourceware.org/gdb/gdb-memory-map.dtd">` + "\n")
	b.WriteString("<memory-map>\n")
	for _, r := range regions {
		if r.Kind == RegionFlash {
			fmt.Fprintf(&b, "<memory type=\"flash\" start=\"0x%x\" length=\"0x%x\">\n", r.Start, r.Length)
			fmt.Fprintf(&b, "<property name=\"blocksize\">0x%x</property>\n", r.BlockSize)
			b.WriteString("</memory>\n")
			continue
		}
		fmt.Fprintf(&b, "<memory type=\"%s\" start=\"0x%x\" length=\"0x%x\"/>\n", r.Kind, r.Start, r.Length)
	}
	b.WriteString("</memory-map>\n")
	return []byte(b.String())
}

func parseNumber(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 0, 64)
}

// FindRegion returns the region holding [addr, addr+n).
func FindRegion(regions []Region, addr uint32, n int) (Region, bool) {
	for _, r := range regions {
		if r.Contains(addr, n) {
			return r, true
		}
	}
	return Region{}, false
}
