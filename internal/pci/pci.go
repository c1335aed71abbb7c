// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package pci

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// VendorNVIDIA is the PCI vendor ID of the supported GPU vendor.
const VendorNVIDIA = 0x10de

// PCI class codes, base class in the top byte of the 24 bit code.
const (
	baseClassDisplay = 0x03
	baseClassBridge  = 0x06
	subClassAudio    = 0x0403
)

var addrPattern = regexp.MustCompile(`^[0-9a-f]{4}:[0-9a-f]{2}:[0-9a-f]{2}\.[0-7]$`)

// Function is a single PCI function as seen on the host bus.
//
// Values are a snapshot of the bus at probe time. They are never cached
// across process restarts; callers re-probe on each invocation.
type Function struct {
	// Addr is the canonical bus address in DDDD:BB:DD.F form.
	Addr string `yaml:"addr"`
	// VendorID is the 16 bit PCI vendor identifier.
	VendorID uint16 `yaml:"vendor_id"`
	// DeviceID is the 16 bit PCI device identifier.
	DeviceID uint16 `yaml:"device_id"`
	// Class is the 24 bit PCI class code.
	Class uint32 `yaml:"class"`
	// Name is a human readable device description.
	Name string `yaml:"name,omitempty"`
}

// ID returns the vendor:device identifier pair as used by the vfio-pci
// ids module parameter, e.g. "10de:2206".
func (f Function) ID() string {
	return fmt.Sprintf("%04x:%04x", f.VendorID, f.DeviceID)
}

// IsDisplay reports whether the function is a display or 3D controller.
func (f Function) IsDisplay() bool {
	return f.Class>>16 == baseClassDisplay
}

// IsAudio reports whether the function is an audio device.
func (f Function) IsAudio() bool {
	return f.Class>>8 == subClassAudio
}

// IsBridge reports whether the function is a PCI bridge. Bridges are
// shared bus infrastructure and are never assigned to a guest.
func (f Function) IsBridge() bool {
	return f.Class>>16 == baseClassBridge
}

// GPU is a display controller function together with its companion
// audio function, if one shares the physical card.
type GPU struct {
	Function `yaml:",inline"`
	// Audio is the same-vendor HDMI audio function of the card, or nil.
	Audio *Function `yaml:"audio,omitempty"`
}

// Functions returns the GPU's own functions, display first.
func (g GPU) Functions() []Function {
	fns := []Function{g.Function}
	if g.Audio != nil {
		fns = append(fns, *g.Audio)
	}

	return fns
}

// ParseAddr validates and canonicalizes a PCI bus address. Addresses
// without a domain part are prefixed with domain 0000.
func ParseAddr(raw string) (string, error) {
	addr := strings.ToLower(strings.TrimSpace(raw))
	if strings.Count(addr, ":") == 1 {
		addr = "0000:" + addr
	}

	if !addrPattern.MatchString(addr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddr, raw)
	}

	return addr, nil
}

// parseHexID parses a 4 digit hex identifier as printed by lspci -nn.
func parseHexID(s string) (uint16, error) {
	id, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("parse id %q: %w", s, err)
	}

	return uint16(id), nil
}

// parseClass parses a sysfs class attribute value like "0x030000".
func parseClass(s string) (uint32, error) {
	class, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(s), "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parse class %q: %w", s, err)
	}

	return uint32(class), nil
}
