// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package pci enumerates host PCI functions and resolves the IOMMU
// group membership that constrains device passthrough.
//
// Discovery parses the textual output of lspci; group membership comes
// from sysfs. Discovery fails soft: hosts without the enumeration
// facility report no devices instead of an error, so callers can fall
// back to a no-GPU code path.
package pci

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// lspci -D -nn line, e.g.:
//
//	0000:01:00.0 VGA compatible controller [0300]: NVIDIA Corporation GA102 [GeForce RTX 3080] [10de:2206] (rev a1)
var lspciLinePattern = regexp.MustCompile(
	`^(\S+) ([^\[]+) \[([0-9a-f]{4})\]: (.+) \[([0-9a-f]{4}):([0-9a-f]{4})\]`,
)

// Inventory probes the host PCI bus. The zero value is not usable, use
// [NewInventory].
type Inventory struct {
	// SysfsRoot is the sysfs mount point, usually "/sys". Tests point
	// it at a constructed tree.
	SysfsRoot string

	listBus func(ctx context.Context) ([]byte, error)
}

// NewInventory creates an Inventory probing the real host.
func NewInventory() *Inventory {
	return NewInventoryWithBus(func(ctx context.Context) ([]byte, error) {
		return exec.CommandContext(ctx, "lspci", "-D", "-nn").Output()
	})
}

// NewInventoryWithBus creates an Inventory with a custom bus listing
// source producing lspci -D -nn formatted output.
func NewInventoryWithBus(listBus func(ctx context.Context) ([]byte, error)) *Inventory {
	return &Inventory{
		SysfsRoot: "/sys",
		listBus:   listBus,
	}
}

// listFunctions runs the bus enumeration and parses all functions.
// A missing enumeration facility yields an empty list.
func (inv *Inventory) listFunctions(ctx context.Context) ([]Function, error) {
	out, err := inv.listBus(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// No lspci on the host. Report no devices so the caller can
		// take the no-GPU path.
		return nil, nil
	}

	var fns []Function

	for _, line := range strings.Split(string(out), "\n") {
		fn, ok := parseLspciLine(line)
		if !ok {
			continue
		}

		fns = append(fns, fn)
	}

	return fns, nil
}

func parseLspciLine(line string) (Function, bool) {
	m := lspciLinePattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Function{}, false
	}

	addr, err := ParseAddr(m[1])
	if err != nil {
		return Function{}, false
	}

	class, err := parseHexID(m[3])
	if err != nil {
		return Function{}, false
	}

	vendor, err := parseHexID(m[5])
	if err != nil {
		return Function{}, false
	}

	device, err := parseHexID(m[6])
	if err != nil {
		return Function{}, false
	}

	fn := Function{
		Addr:     addr,
		VendorID: vendor,
		DeviceID: device,
		// lspci -nn prints the 16 bit class code, the prog-if byte is
		// not part of the output.
		Class: uint32(class) << 8,
		Name:  strings.TrimSpace(m[4]),
	}
	fn.Name = deviceName(fn.VendorID, fn.DeviceID, fn.Name)

	return fn, true
}

// DiscoverGPUs lists all display and 3D controller functions of the
// supported vendor.
func (inv *Inventory) DiscoverGPUs(ctx context.Context) ([]GPU, error) {
	fns, err := inv.listFunctions(ctx)
	if err != nil {
		return nil, err
	}

	audio := discoverCompanions(fns)

	var gpus []GPU

	for _, fn := range fns {
		if !fn.IsDisplay() || fn.VendorID != VendorNVIDIA {
			continue
		}

		gpu := GPU{Function: fn}
		if companion, ok := audio[cardKey(fn.Addr)]; ok {
			gpu.Audio = &companion
		}

		gpus = append(gpus, gpu)
	}

	sort.Slice(gpus, func(i, j int) bool { return gpus[i].Addr < gpus[j].Addr })

	return gpus, nil
}

// discoverCompanions maps card addresses (bus address without the
// function digit) to same-vendor audio functions.
func discoverCompanions(fns []Function) map[string]Function {
	audio := make(map[string]Function)

	for _, fn := range fns {
		if fn.IsAudio() && fn.VendorID == VendorNVIDIA {
			audio[cardKey(fn.Addr)] = fn
		}
	}

	return audio
}

// cardKey strips the function digit so functions of one physical card
// compare equal.
func cardKey(addr string) string {
	return strings.SplitN(addr, ".", 2)[0]
}

// ResolveIsolationUnit walks the IOMMU group of the given function and
// returns every member that is not a PCI bridge, in ascending address
// order. The result is the atomic set of devices that must change
// driver state together.
func (inv *Inventory) ResolveIsolationUnit(fn Function) ([]Function, error) {
	groupDir := filepath.Join(inv.devicePath(fn.Addr), "iommu_group", "devices")

	entries, err := os.ReadDir(groupDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoIOMMUGroup, fn.Addr)
	}

	var unit []Function

	for _, entry := range entries {
		member, err := inv.readFunction(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read group member %s: %w", entry.Name(), err)
		}

		if member.IsBridge() {
			continue
		}

		unit = append(unit, member)
	}

	sort.Slice(unit, func(i, j int) bool { return unit[i].Addr < unit[j].Addr })

	return unit, nil
}

// GroupNumber returns the IOMMU group the function belongs to.
func (inv *Inventory) GroupNumber(addr string) (string, error) {
	link, err := os.Readlink(filepath.Join(inv.devicePath(addr), "iommu_group"))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoIOMMUGroup, addr)
	}

	return filepath.Base(link), nil
}

// readFunction reads a single function's attributes from sysfs.
func (inv *Inventory) readFunction(addr string) (Function, error) {
	addr, err := ParseAddr(addr)
	if err != nil {
		return Function{}, err
	}

	dir := inv.devicePath(addr)

	vendor, err := readSysfsAttr(dir, "vendor")
	if err != nil {
		return Function{}, err
	}

	device, err := readSysfsAttr(dir, "device")
	if err != nil {
		return Function{}, err
	}

	rawClass, err := readSysfsAttr(dir, "class")
	if err != nil {
		return Function{}, err
	}

	vendorID, err := parseHexID(strings.TrimPrefix(vendor, "0x"))
	if err != nil {
		return Function{}, err
	}

	deviceID, err := parseHexID(strings.TrimPrefix(device, "0x"))
	if err != nil {
		return Function{}, err
	}

	class, err := parseClass(rawClass)
	if err != nil {
		return Function{}, err
	}

	return Function{
		Addr:     addr,
		VendorID: vendorID,
		DeviceID: deviceID,
		Class:    class,
		Name:     deviceName(vendorID, deviceID, ""),
	}, nil
}

func (inv *Inventory) devicePath(addr string) string {
	return filepath.Join(inv.SysfsRoot, "bus", "pci", "devices", addr)
}

func readSysfsAttr(dir, attr string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, attr))
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(data)), nil
}
