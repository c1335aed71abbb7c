// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package pci

import (
	"fmt"
	"sync"

	"github.com/jaypipes/pcidb"
)

var (
	pciOnce sync.Once
	pciDB   *pcidb.PCIDB
	pciErr  error
)

// deviceName resolves a human readable name for a vendor/device pair.
// A non-empty fallback (the bus listing's own description) wins, since
// it carries board-level subsystem names. Functions probed from sysfs
// have no description and get one from the PCI ID database instead.
func deviceName(vendorID, deviceID uint16, fallback string) string {
	if fallback != "" {
		return fallback
	}

	if db := loadPCIDatabase(); db != nil {
		key := fmt.Sprintf("%04x%04x", vendorID, deviceID)
		if product, ok := db.Products[key]; ok && product != nil && product.Name != "" {
			name := product.Name
			if vendor, ok := db.Vendors[fmt.Sprintf("%04x", vendorID)]; ok && vendor != nil {
				name = vendor.Name + " " + name
			}

			return name
		}
	}

	return fmt.Sprintf("PCI device %04x:%04x", vendorID, deviceID)
}

func loadPCIDatabase() *pcidb.PCIDB {
	pciOnce.Do(func() {
		pciDB, pciErr = pcidb.New()
	})

	if pciErr != nil {
		return nil
	}

	return pciDB
}
