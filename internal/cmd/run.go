// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/aibor/vfiosetup/internal/bootcfg"
	"github.com/aibor/vfiosetup/internal/harness"
	"github.com/aibor/vfiosetup/internal/image"
	"github.com/aibor/vfiosetup/internal/installer"
	"github.com/aibor/vfiosetup/internal/mgmt"
	"github.com/aibor/vfiosetup/internal/pci"
	"github.com/aibor/vfiosetup/internal/vfio"
)

const exitCodeInterrupted = 130

// IO provides input and output details for the command.
type IO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func newInstaller(flags *Flags, logger *slog.Logger) (*installer.Installer, error) {
	keys, err := mgmt.EnsureKeyPair(flags.KeyDir)
	if err != nil {
		return nil, fmt.Errorf("management keys: %w", err)
	}

	store := image.NewStore(
		flags.BaseImage, flags.ImageURL, flags.RunDir, logger,
	)

	inventory := pci.NewInventory()

	validator := harness.New(
		harness.Config{
			QEMUBin:            flags.QEMUBin,
			OVMFCode:           flags.OVMFCode,
			OVMFVars:           flags.OVMFVars,
			RunDir:             flags.RunDir,
			AllowDriverInstall: flags.InstallDriver,
		},
		vfio.NewBinder(inventory, logger),
		store,
		keys,
		logger,
	)

	inst := installer.New(
		installer.Config{
			StateFile:      flags.StateFile,
			CapabilityFile: flags.CapabilityFile,
		},
		installer.Options{
			APIKey:     flags.APIKey,
			ServiceURL: flags.ServiceURL,
			BinaryPath: flags.BinaryPath,
			TestMode:   flags.TestMode,
			AutoReboot: flags.AutoReboot,
		},
		inventory,
		bootcfg.NewConfigurator(logger),
		validator,
		installer.NewSystemdClient(flags.ResumeUnit, flags.AgentUnit),
		logger,
	)

	return inst, nil
}

func handleParseArgsError(err error) int {
	// [ErrHelp] is returned when help is requested. So exit without
	// error in this case.
	if errors.Is(err, ErrHelp) {
		return 0
	}

	// ParseArgs already prints errors, so we just exit without
	// printing again.
	if !errors.Is(err, &ParseArgsError{}) {
		slog.Error(err.Error())
	}

	return 1
}

func handleRunError(err error, cfg IO) int {
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(cfg.Stderr, "Interrupted.")
		return exitCodeInterrupted
	}

	slog.Error(err.Error())

	switch {
	case errors.Is(err, installer.ErrValidationFailed):
		fmt.Fprintln(cfg.Stderr,
			"Validation failed. The host drivers were restored."+
				" Inspect the console logs in the run directory and rerun"+
				" the installer to retry.")
	case errors.Is(err, installer.ErrIOMMUUnavailable):
		fmt.Fprintln(cfg.Stderr,
			"Enable the IOMMU (Intel VT-d or AMD-Vi) in the firmware"+
				" setup, then rerun the installer.")
	case errors.Is(err, &harness.PreflightError{}):
		fmt.Fprintln(cfg.Stderr,
			"A preflight check failed before any device was touched."+
				" Fix the reported requirement and rerun the installer.")
	}

	return 1
}

// Run is the main entry point for the CLI command.
func Run(ctx context.Context, args []string, cfg IO) int {
	name := "vfiosetup"
	if len(args) > 0 {
		name = filepath.Base(args[0])
		args = args[1:]
	}

	if err := loadEnvFile(envOr("VFIOSETUP_ENV_FILE", defaultEnvFile)); err != nil {
		slog.Error(err.Error())
		return 1
	}

	flags := NewFlags(name, cfg.Stderr)

	if err := flags.ParseArgs(args); err != nil {
		return handleParseArgsError(err)
	}

	logger := setupLogging(cfg.Stderr, flags.Debug())

	inst, err := newInstaller(flags, logger)
	if err != nil {
		slog.Error(err.Error())
		return 1
	}

	outcome, err := inst.Run(ctx)
	if err != nil {
		return handleRunError(err, cfg)
	}

	switch outcome {
	case installer.OutcomeRebootRequired:
		fmt.Fprintln(cfg.Stdout,
			"Boot configuration written. Reboot the host to activate the"+
				" IOMMU, the install resumes automatically after the reboot.")
	case installer.OutcomeDone:
		fmt.Fprintln(cfg.Stdout, "GPU passthrough is set up and validated.")
	}

	return 0
}
