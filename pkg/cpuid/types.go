// Package cpuid decodes the Cortex-M CPUID base register (0xE000ED00).
package cpuid

// CPUID is a parsed CPUID register.
type CPUID struct {
	Raw          uint32
	Implementer  uint8  // [31:24]
	Variant      uint8  // [23:20] major revision
	Architecture uint8  // [19:16]
	PartNumber   uint16 // [15:4]
	Revision     uint8  // [3:0] minor revision
}

// Part is a known core.
type Part struct {
	Implementer uint8
	Number      uint16
	Name        string
	// Arch is the architecture profile, e.g. "ARMv7E-M".
	Arch string
}
