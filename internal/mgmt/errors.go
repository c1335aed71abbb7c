// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mgmt

import "errors"

var (
	// ErrGuestUnreachable is returned if the guest does not accept a
	// management connection within the boot deadline.
	ErrGuestUnreachable = errors.New("guest unreachable")

	// ErrGuestExited is returned if the guest process terminates while
	// a connection is still being awaited.
	ErrGuestExited = errors.New("guest exited before becoming reachable")
)
