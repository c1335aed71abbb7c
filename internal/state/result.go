// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// GPUCapability describes a single GPU as probed from inside the test
// guest.
type GPUCapability struct {
	Name          string `yaml:"name"`
	Count         int    `yaml:"count"`
	VRAMMiB       int    `yaml:"vram_mib"`
	DriverVersion string `yaml:"driver_version"`
	ComputeCap    string `yaml:"compute_cap,omitempty"`
}

// TestResult is the outcome of one ephemeral guest run against one
// isolation unit.
type TestResult struct {
	Addr       string         `yaml:"addr"`
	Success    bool           `yaml:"success"`
	Capability *GPUCapability `yaml:"capability,omitempty"`
	Diagnostic string         `yaml:"diagnostic,omitempty"`
}

// CapabilityRecord is the host's durable record of which devices passed
// validation, consumed by the management agent on startup.
type CapabilityRecord struct {
	Validated time.Time    `yaml:"validated"`
	Results   []TestResult `yaml:"results"`
}

// WriteCapabilityRecord persists the validation outcome next to the
// agent's configuration.
func WriteCapabilityRecord(path string, results []TestResult) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create record directory: %w", err)
	}

	record := CapabilityRecord{
		Validated: time.Now().UTC(),
		Results:   results,
	}

	data, err := yaml.Marshal(&record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	return nil
}
