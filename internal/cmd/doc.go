// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cmd provides the CLI entry point for vfiosetup. It handles
// flag parsing, environment defaults, error handling and exit codes.
package cmd
