package cpuid

var implementers = map[uint8]string{
	0x41: "ARM",
	0x63: "Arm China",
}

type partKey struct {
	implementer uint8
	number      uint16
}

var parts = map[partKey]Part{}

func init() {
	for _, p := range []Part{
		{0x41, 0xC20, "Cortex-M0", "ARMv6-M"},
		{0x41, 0xC60, "Cortex-M0+", "ARMv6-M"},
		{0x41, 0xC21, "Cortex-M1", "ARMv6-M"},
		{0x41, 0xC23, "Cortex-M3", "ARMv7-M"},
		{0x41, 0xC24, "Cortex-M4", "ARMv7E-M"},
		{0x41, 0xC27, "Cortex-M7", "ARMv7E-M"},
		{0x41, 0xD20, "Cortex-M23", "ARMv8-M Baseline"},
		{0x41, 0xD21, "Cortex-M33", "ARMv8-M Mainline"},
		{0x41, 0xD22, "Cortex-M55", "ARMv8.1-M"},
		{0x41, 0xD23, "Cortex-M85", "ARMv8.1-M"},
		{0x63, 0x132, "STAR-MC1", "ARMv8-M Mainline"},
	} {
		parts[partKey{p.Implementer, p.Number}] = p
	}
}
