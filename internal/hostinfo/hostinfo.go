// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package hostinfo probes the host for the resources a validation run
// needs. The probe only gates on hard requirements, everything else is
// reported as a warning and the install proceeds.
package hostinfo

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	minMemoryMiB = 4096
	minDiskGiB   = 20
)

// Info is the outcome of a host probe.
type Info struct {
	CPUVendor    string
	CPUCores     int
	MemoryMiB    uint64
	DiskFreeGiB  uint64
	KVMAvailable bool
	Systemd      bool
	// DefaultRoute reports outbound connectivity, required only for
	// in-guest driver installation.
	DefaultRoute bool

	// Warnings lists soft requirement violations.
	Warnings []string
}

// Probe collects host facts relevant to running GPU test guests.
func Probe(ctx context.Context) (*Info, error) {
	info := &Info{}

	cpuInfo, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe cpu: %w", err)
	}

	if len(cpuInfo) > 0 {
		info.CPUVendor = cpuInfo[0].VendorID
	}

	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("count cpus: %w", err)
	}

	info.CPUCores = cores

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe memory: %w", err)
	}

	info.MemoryMiB = vm.Total >> 20
	if info.MemoryMiB < minMemoryMiB {
		info.Warnings = append(info.Warnings, fmt.Sprintf(
			"host has %d MiB memory, test guests need at least %d MiB",
			info.MemoryMiB, minMemoryMiB,
		))
	}

	usage, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return nil, fmt.Errorf("probe disk: %w", err)
	}

	info.DiskFreeGiB = usage.Free >> 30
	if info.DiskFreeGiB < minDiskGiB {
		info.Warnings = append(info.Warnings, fmt.Sprintf(
			"only %d GiB free on /, base image and overlays need %d GiB",
			info.DiskFreeGiB, minDiskGiB,
		))
	}

	info.KVMAvailable = accessible("/dev/kvm")
	if !info.KVMAvailable {
		info.Warnings = append(info.Warnings,
			"/dev/kvm not accessible, guests would run without acceleration",
		)
	}

	info.Systemd = isDir("/run/systemd/system")
	info.DefaultRoute = hasDefaultRoute()

	return info, nil
}

func accessible(path string) bool {
	return unix.Access(path, unix.R_OK|unix.W_OK) == nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// hasDefaultRoute checks the main routing table for a default route.
// Errors count as no route, the caller only uses this to decide
// whether an in-guest download can be attempted.
func hasDefaultRoute() bool {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return false
	}

	for _, route := range routes {
		if route.Dst == nil && route.Gw != nil {
			return true
		}
	}

	return false
}
