// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bootcfg

import "errors"

var (
	// ErrNoBootloaderConfig is returned if the boot-loader defaults
	// file is missing. There is no way to work around this.
	ErrNoBootloaderConfig = errors.New("boot-loader defaults file not found")

	// ErrNoCmdlineVariable is returned if the defaults file has no
	// kernel command line variable to rewrite.
	ErrNoCmdlineVariable = errors.New("kernel command line variable not found")

	// ErrCPUVendorUnknown is returned if the host CPU vendor cannot be
	// mapped to an IOMMU activation flag.
	ErrCPUVendorUnknown = errors.New("cannot determine CPU vendor for IOMMU flag")
)

// ConfigError wraps any error occurred while rewriting the boot
// configuration. Configuration errors are fatal: they happen before any
// device binding, so there is nothing to roll back, but the install
// cannot continue.
type ConfigError struct {
	Step string
	Err  error
}

// Error implements the [error] interface.
func (e *ConfigError) Error() string {
	return "boot configuration: " + e.Step + ": " + e.Err.Error()
}

// Is implements the [errors.Is] interface.
func (e *ConfigError) Is(other error) bool {
	_, ok := other.(*ConfigError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *ConfigError) Unwrap() error {
	return e.Err
}
