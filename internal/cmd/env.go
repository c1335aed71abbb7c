// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// defaultEnvFile is the conventional place for host-specific defaults.
const defaultEnvFile = "/etc/default/vfiosetup"

// loadEnvFile loads VFIOSETUP_* defaults from an env file into the
// process environment without overriding variables already set. A
// missing file is fine, the file is purely optional.
func loadEnvFile(file string) error {
	err := godotenv.Load(file)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", file, err)
	}

	return nil
}

// envOr returns the environment variable's value or the fallback if it
// is unset or empty.
func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return fallback
}
