// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package state persists the install's progress across the mandatory
// reboot.
//
// The state file is the sole hand-off channel between the two install
// phases: its presence on disk tells the resumed process to skip phase
// one and which arguments to resume with. It is written once, before
// the reboot, and deleted exactly once, after the resumed phase
// reaches Done. An interrupted second phase leaves the file in place,
// so the install is safely re-enterable.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/aibor/vfiosetup/internal/pci"
)

// Phase is the persisted target phase of the install.
type Phase string

const (
	// PhaseAwaitingReboot is the only phase that survives a process
	// restart: the boot configuration is written and the host must
	// reboot before the IOMMU becomes active.
	PhaseAwaitingReboot Phase = "awaiting-reboot"
	// PhaseResuming marks a state file currently being consumed by the
	// resumed process.
	PhaseResuming Phase = "resuming"
)

// ErrNoState is returned by [Load] if no state file exists.
var ErrNoState = errors.New("no persisted install state")

// InstallState is the serializable snapshot of an interrupted install.
type InstallState struct {
	Phase      Phase     `yaml:"phase"`
	APIKey     string    `yaml:"api_key"`
	GPUs       []pci.GPU `yaml:"gpus"`
	ServiceURL string    `yaml:"service_url,omitempty"`
	BinaryPath string    `yaml:"binary_path,omitempty"`
	TestMode   bool      `yaml:"test_mode,omitempty"`
}

// Save writes the state file. The write goes through a temporary file
// and a rename, so a crash never leaves a half-written trigger behind.
func Save(path string, st *InstallState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit state: %w", err)
	}

	return nil
}

// Load reads the persisted state. [ErrNoState] is returned if the file
// does not exist.
func Load(path string) (*InstallState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoState
		}

		return nil, fmt.Errorf("read state: %w", err)
	}

	var st InstallState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}

	return &st, nil
}

// Exists reports whether a state file is present, which is the trigger
// condition for the resumed phase.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Remove deletes the state file. Missing files are not an error, so
// removal is idempotent.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state: %w", err)
	}

	return nil
}
