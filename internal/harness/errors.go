// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package harness

import (
	"errors"
	"fmt"
)

var (
	// ErrVFIOContainerMissing is returned by the preflight check if
	// /dev/vfio/vfio does not exist. Without it the kernel cannot hand
	// any device to a guest.
	ErrVFIOContainerMissing = errors.New("VFIO container device missing")

	// ErrFirmwareMissing is returned by the preflight check if the
	// OVMF firmware images are not installed.
	ErrFirmwareMissing = errors.New("OVMF firmware image missing")

	// ErrGuestStart is returned if the QEMU process fails to launch.
	ErrGuestStart = errors.New("failed to start guest")
)

// PreflightError wraps a failed preflight check. Preflight runs before
// any device is touched, so a PreflightError means the host driver
// state is unchanged.
type PreflightError struct {
	Check string
	Err   error
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("preflight %s: %v", e.Check, e.Err)
}

func (e *PreflightError) Is(other error) bool {
	_, ok := other.(*PreflightError)
	return ok
}

func (e *PreflightError) Unwrap() error {
	return e.Err
}
