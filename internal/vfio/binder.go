// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package vfio rebinds PCI devices between their host driver and the
// vfio-pci passthrough driver.
//
// Binding is driven through the per-device sysfs control surface:
// unbind, driver_override and the bus-global drivers_probe. Writing an
// address to a node that does not apply is a silent no-op by kernel
// convention, which makes restore idempotent.
package vfio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/aibor/vfiosetup/internal/pci"
)

// DriverName is the passthrough driver all devices are handed to.
const DriverName = "vfio-pci"

// vendorModules lists the NVIDIA kernel modules in unload order. They
// must be gone before the display function can leave the nvidia driver.
var vendorModules = []string{
	"nvidia_uvm",
	"nvidia_drm",
	"nvidia_modeset",
	"nvidia",
}

// GroupResolver maps a device address to its IOMMU group number.
type GroupResolver interface {
	GroupNumber(addr string) (string, error)
}

// Binder moves devices between host drivers and [DriverName], one
// device at a time.
type Binder struct {
	// SysfsRoot is the sysfs mount point, usually "/sys".
	SysfsRoot string
	// ProcModules is the loaded-module list, usually "/proc/modules".
	ProcModules string
	// VFIODevDir holds the per-group passthrough devices, usually
	// "/dev/vfio".
	VFIODevDir string

	groups GroupResolver
	logger *slog.Logger
	runCmd func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewBinder creates a Binder operating on the real host.
func NewBinder(groups GroupResolver, logger *slog.Logger) *Binder {
	return &Binder{
		SysfsRoot:   "/sys",
		ProcModules: "/proc/modules",
		VFIODevDir:  "/dev/vfio",
		groups:      groups,
		logger:      logger,
		runCmd: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

// BindDevice ensures the passthrough module is loaded and binds the
// device to it. The post-condition is verified: the device's driver
// link must point at [DriverName] afterwards, otherwise
// [ErrVerificationFailed] is returned.
func (b *Binder) BindDevice(ctx context.Context, addr string) error {
	devDir := b.devicePath(addr)

	if _, err := os.Stat(devDir); err != nil {
		return &BindError{Addr: addr, Op: "stat", Err: ErrDeviceNotFound}
	}

	if err := b.ensureModule(ctx); err != nil {
		return &BindError{Addr: addr, Op: "modprobe", Err: err}
	}

	driver := b.CurrentDriver(addr)
	if driver == DriverName {
		return nil
	}

	if driver == "nvidia" {
		if err := b.unloadVendorModules(ctx); err != nil {
			return &BindError{Addr: addr, Op: "unload modules", Err: err}
		}
	}

	if driver != "" {
		unbind := filepath.Join(devDir, "driver", "unbind")
		if err := os.WriteFile(unbind, []byte(addr), 0o200); err != nil {
			return &BindError{Addr: addr, Op: "unbind from " + driver, Err: err}
		}
	}

	override := filepath.Join(devDir, "driver_override")
	if err := os.WriteFile(override, []byte(DriverName), 0o200); err != nil {
		return &BindError{Addr: addr, Op: "set driver_override", Err: err}
	}

	if err := os.WriteFile(b.probePath(), []byte(addr), 0o200); err != nil {
		return &BindError{Addr: addr, Op: "drivers_probe", Err: err}
	}

	if b.CurrentDriver(addr) != DriverName {
		return &BindError{Addr: addr, Op: "verify", Err: ErrVerificationFailed}
	}

	return nil
}

// RestoreDevice is the best-effort inverse of [Binder.BindDevice]:
// unbind from the passthrough driver, clear the override and re-probe
// so the kernel picks the native driver again.
//
// It is used on cleanup paths where the primary error must not be
// masked, so all node writes are attempted regardless of earlier
// failures and the combined error is for logging only.
func (b *Binder) RestoreDevice(addr string) error {
	var errs []error

	// No-op if the device is not bound to vfio-pci.
	unbind := filepath.Join(b.SysfsRoot, "bus", "pci", "drivers", DriverName, "unbind")
	if err := os.WriteFile(unbind, []byte(addr), 0o200); err != nil {
		errs = append(errs, err)
	}

	override := filepath.Join(b.devicePath(addr), "driver_override")
	if err := os.WriteFile(override, []byte("\n"), 0o200); err != nil {
		errs = append(errs, err)
	}

	if err := os.WriteFile(b.probePath(), []byte(addr), 0o200); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// BindUnit binds every function of an isolation unit in ascending
// address order and verifies the group's passthrough device is
// accessible afterwards. On the first failure all previously bound
// members are restored in reverse order before the error is surfaced,
// so the unit is never left half-bound.
func (b *Binder) BindUnit(ctx context.Context, unit []pci.Function) error {
	// Transient record driving symmetric rollback.
	var bound []string

	for _, fn := range unit {
		if err := b.BindDevice(ctx, fn.Addr); err != nil {
			b.logger.Warn("Bind failed, unwinding unit",
				slog.String("addr", fn.Addr),
				slog.Int("bound", len(bound)))
			b.RestoreUnit(bound)

			return err
		}

		bound = append(bound, fn.Addr)
	}

	if len(unit) > 0 {
		if err := b.verifyGroupDevice(unit[0].Addr); err != nil {
			b.logger.Warn("Group device missing, unwinding unit",
				slog.String("addr", unit[0].Addr))
			b.RestoreUnit(bound)

			return err
		}
	}

	return nil
}

// verifyGroupDevice checks that the kernel exposed an accessible
// passthrough device for the unit's IOMMU group. QEMU opens this
// device, the sysfs driver links alone do not prove it exists.
func (b *Binder) verifyGroupDevice(addr string) error {
	group, err := b.groups.GroupNumber(addr)
	if err != nil {
		return err
	}

	path := filepath.Join(b.VFIODevDir, group)
	if err := unix.Access(path, unix.R_OK|unix.W_OK); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrGroupDeviceMissing, path, err)
	}

	return nil
}

// RestoreUnit restores the given addresses to their host drivers in
// reverse order. Errors are logged, never escalated.
func (b *Binder) RestoreUnit(addrs []string) {
	for i := len(addrs) - 1; i >= 0; i-- {
		if err := b.RestoreDevice(addrs[i]); err != nil {
			b.logger.Warn("Restore to host driver incomplete",
				slog.String("addr", addrs[i]),
				slog.Any("error", err))
		}
	}
}

// CurrentDriver returns the name of the driver the device is bound to,
// or an empty string if it is unbound.
func (b *Binder) CurrentDriver(addr string) string {
	link, err := os.Readlink(filepath.Join(b.devicePath(addr), "driver"))
	if err != nil {
		return ""
	}

	return filepath.Base(link)
}

// ensureModule loads the passthrough module unless its driver directory
// already exists.
func (b *Binder) ensureModule(ctx context.Context) error {
	driverDir := filepath.Join(b.SysfsRoot, "bus", "pci", "drivers", DriverName)
	if _, err := os.Stat(driverDir); err == nil {
		return nil
	}

	out, err := b.runCmd(ctx, "modprobe", DriverName)
	if err != nil {
		return fmt.Errorf("modprobe %s: %w: %s",
			DriverName, err, strings.TrimSpace(string(out)))
	}

	return nil
}

// unloadVendorModules unloads the NVIDIA module stack so the display
// function can be unbound. Fails if the GPU is busy on the host.
func (b *Binder) unloadVendorModules(ctx context.Context) error {
	for _, mod := range vendorModules {
		if !b.moduleLoaded(mod) {
			continue
		}

		out, err := b.runCmd(ctx, "rmmod", mod)
		if err != nil {
			if strings.Contains(string(out), "in use") {
				return fmt.Errorf("%w: %s", ErrModuleInUse, mod)
			}

			return fmt.Errorf("rmmod %s: %w: %s", mod, err, strings.TrimSpace(string(out)))
		}
	}

	return nil
}

func (b *Binder) moduleLoaded(module string) bool {
	data, err := os.ReadFile(b.ProcModules)
	if err != nil {
		return false
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == module {
			return true
		}
	}

	return false
}

func (b *Binder) devicePath(addr string) string {
	return filepath.Join(b.SysfsRoot, "bus", "pci", "devices", addr)
}

func (b *Binder) probePath() string {
	return filepath.Join(b.SysfsRoot, "bus", "pci", "drivers_probe")
}
