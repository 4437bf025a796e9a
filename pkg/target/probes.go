package target

import (
	"context"
	"fmt"

	"github.com/google/gousb"
)

// ProbeKind categorizes debug probe families.
type ProbeKind string

const (
	ProbeKindCMSISDAP ProbeKind = "cmsis-dap"
	ProbeKindSTLink   ProbeKind = "st-link"
	ProbeKindJLink    ProbeKind = "j-link"
	ProbeKindSim      ProbeKind = "simulator"
)

// ProbeInfo describes a detected debug probe.
type ProbeInfo struct {
	Kind        ProbeKind
	Description string
	VendorID    uint16
	ProductID   uint16
	// Path is the USB bus location, e.g. "usb:1-4".
	Path string
	// OpenOCDConfig names the OpenOCD interface script that drives the probe.
	OpenOCDConfig string
}

// Label returns a user-friendly description for the probe.
func (p ProbeInfo) Label() string {
	if p.Description != "" {
		return p.Description
	}
	return fmt.Sprintf("%s (%04X:%04X)", string(p.Kind), p.VendorID, p.ProductID)
}

// DiscoverProbes enumerates connected USB debug probes that match known
// VID/PID pairs. It always returns the simulator entry last so a session
// can run without hardware.
func DiscoverProbes(ctx context.Context) ([]ProbeInfo, error) {
	var results []ProbeInfo
	usb := gousb.NewContext()
	defer usb.Close()

	_, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		if info, ok := classifyUSBDevice(desc); ok {
			results = append(results, info)
		}
		return false
	})
	if err != nil && err != gousb.ErrorAccess {
		return results, err
	}

	results = append(results, ProbeInfo{
		Kind:        ProbeKindSim,
		Description: "Simulator (otboot sim-server)",
	})
	return results, nil
}

func classifyUSBDevice(desc *gousb.DeviceDesc) (ProbeInfo, bool) {
	for _, known := range knownProbes {
		if uint16(desc.Vendor) == known.VendorID && uint16(desc.Product) == known.ProductID {
			return ProbeInfo{
				Kind:          known.Kind,
				Description:   known.Description,
				VendorID:      known.VendorID,
				ProductID:     known.ProductID,
				Path:          fmt.Sprintf("usb:%d-%d", desc.Bus, desc.Address),
				OpenOCDConfig: openOCDConfigs[known.Kind],
			}, true
		}
	}
	return ProbeInfo{}, false
}

type knownUSBProbe struct {
	Kind        ProbeKind
	VendorID    uint16
	ProductID   uint16
	Description string
}

var knownProbes = []knownUSBProbe{
	{ProbeKindCMSISDAP, 0x2e8a, 0x000c, "Raspberry Pi Debug Probe (CMSIS-DAP)"},
	{ProbeKindCMSISDAP, 0x0d28, 0x0204, "DAPLink CMSIS-DAP"},
	{ProbeKindCMSISDAP, 0x1fc9, 0x0090, "NXP LPC-Link2 CMSIS-DAP"},
	{ProbeKindSTLink, 0x0483, 0x3748, "ST-LINK/V2"},
	{ProbeKindSTLink, 0x0483, 0x374b, "ST-LINK/V2-1"},
	{ProbeKindSTLink, 0x0483, 0x374f, "STLINK-V3"},
	{ProbeKindSTLink, 0x0483, 0x3752, "ST-LINK/V2-1"},
	{ProbeKindSTLink, 0x0483, 0x3753, "STLINK-V3"},
	{ProbeKindJLink, 0x1366, 0x0101, "SEGGER J-Link"},
	{ProbeKindJLink, 0x1366, 0x0105, "SEGGER J-Link"},
	{ProbeKindJLink, 0x1366, 0x1015, "SEGGER J-Link OB"},
	{ProbeKindJLink, 0x1366, 0x1051, "SEGGER J-Link OB"},
}

var openOCDConfigs = map[ProbeKind]string{
	ProbeKindCMSISDAP: "interface/cmsis-dap.cfg",
	ProbeKindSTLink:   "interface/stlink.cfg",
	ProbeKindJLink:    "interface/jlink.cfg",
}
