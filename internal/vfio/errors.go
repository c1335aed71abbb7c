// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vfio

import "errors"

var (
	// ErrVerificationFailed is returned if a device is not bound to the
	// passthrough driver after a bind operation completed.
	ErrVerificationFailed = errors.New("device not bound to passthrough driver after bind")

	// ErrDeviceNotFound is returned if the device does not exist on the
	// bus.
	ErrDeviceNotFound = errors.New("pci device not found")

	// ErrModuleInUse is returned if the vendor driver stack cannot be
	// unloaded because the device is busy.
	ErrModuleInUse = errors.New("gpu is in use, cannot unload vendor modules")

	// ErrGroupDeviceMissing is returned if the kernel did not expose an
	// accessible passthrough device for the unit's IOMMU group after
	// binding.
	ErrGroupDeviceMissing = errors.New("vfio group device not accessible")
)

// BindError wraps any error occurred while rebinding a device.
type BindError struct {
	Addr string
	Op   string
	Err  error
}

// Error implements the [error] interface.
func (e *BindError) Error() string {
	return "bind " + e.Addr + ": " + e.Op + ": " + e.Err.Error()
}

// Is implements the [errors.Is] interface.
func (e *BindError) Is(other error) bool {
	_, ok := other.(*BindError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *BindError) Unwrap() error {
	return e.Err
}
