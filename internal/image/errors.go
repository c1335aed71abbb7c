// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package image

import "errors"

var (
	// ErrNoBaseImage is returned if the base image is missing and no
	// download URL is configured.
	ErrNoBaseImage = errors.New("base image not found and no download URL configured")

	// ErrQemuImgNotFound is returned if the qemu-img binary is not in
	// PATH.
	ErrQemuImgNotFound = errors.New("qemu-img not found")
)
