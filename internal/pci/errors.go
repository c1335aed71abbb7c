// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package pci

import "errors"

var (
	// ErrInvalidAddr is returned for strings that are not a PCI bus
	// address.
	ErrInvalidAddr = errors.New("invalid pci address")

	// ErrNoIOMMUGroup is returned if a device has no iommu_group link,
	// which means the IOMMU is not active for its segment.
	ErrNoIOMMUGroup = errors.New("device has no iommu group")
)
