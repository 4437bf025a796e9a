package cpuid

import "fmt"

// Parse splits a raw CPUID value into its fields.
func Parse(raw uint32) CPUID {
	return CPUID{
		Raw:          raw,
		Implementer:  uint8(raw >> 24),
		Variant:      uint8((raw >> 20) & 0xF),
		Architecture: uint8((raw >> 16) & 0xF),
		PartNumber:   uint16((raw >> 4) & 0xFFF),
		Revision:     uint8(raw & 0xF),
	}
}

// Valid reports whether the value looks like a CPUID rather than unmapped
// or unpowered memory.
func (c CPUID) Valid() bool {
	return c.Raw != 0 && c.Raw != 0xFFFFFFFF
}

// Part looks up the core in the known part table.
func (c CPUID) Part() (Part, bool) {
	p, ok := parts[partKey{c.Implementer, c.PartNumber}]
	return p, ok
}

// Name returns the core name, or a hex description for unknown cores.
func (c CPUID) Name() string {
	if p, ok := c.Part(); ok {
		return p.Name
	}
	return fmt.Sprintf("unknown core %s part 0x%03X", ImplementerName(c.Implementer), c.PartNumber)
}

// String formats the core name and its rNpM revision.
func (c CPUID) String() string {
	return fmt.Sprintf("%s r%dp%d", c.Name(), c.Variant, c.Revision)
}

// ImplementerName names the implementer code.
func ImplementerName(code uint8) string {
	if name, ok := implementers[code]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", code)
}
