// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package installer

import "errors"

var (
	// ErrInvalidAPIKey is returned for keys that do not match the
	// management service's key format.
	ErrInvalidAPIKey = errors.New(`invalid API key, expected "ak-" prefix`)

	// ErrNoSupportedGPUs is returned if discovery finds no NVIDIA GPU
	// to pass through.
	ErrNoSupportedGPUs = errors.New("no supported NVIDIA GPU found")

	// ErrIOMMUUnavailable is returned if the IOMMU is still inactive
	// after the kernel parameters took effect. The remaining fix is in
	// the firmware setup, not in software.
	ErrIOMMUUnavailable = errors.New(
		"IOMMU still inactive after reboot," +
			" enable VT-d / AMD-Vi in the BIOS and run the installer again",
	)

	// ErrValidationFailed is returned if at least one GPU failed its
	// passthrough validation run.
	ErrValidationFailed = errors.New("GPU passthrough validation failed")
)
