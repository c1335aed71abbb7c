// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package installer drives host provisioning for GPU passthrough from
// first invocation to a validated, agent-managed host.
//
// Provisioning spans a reboot when the IOMMU is not yet active. The
// first phase discovers devices and rewrites the boot configuration,
// then persists its progress and arms a one-shot systemd unit before
// rebooting. The resumed phase validates every GPU in an ephemeral
// guest and hands the host over to the management agent. Presence of
// the state file alone decides which phase runs, so an interrupted
// install is re-entered by simply running the installer again.
package installer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/aibor/vfiosetup/internal/hostinfo"
	"github.com/aibor/vfiosetup/internal/pci"
	"github.com/aibor/vfiosetup/internal/state"
)

const apiKeyPrefix = "ak-"

// Outcome tells the caller how a run ended.
type Outcome int

const (
	// OutcomeDone means the host is fully provisioned and validated.
	OutcomeDone Outcome = iota
	// OutcomeRebootRequired means boot configuration was written and
	// the install continues automatically after a reboot.
	OutcomeRebootRequired
)

// Options are the per-install user inputs.
type Options struct {
	// APIKey authenticates the host against the management service.
	APIKey string
	// ServiceURL overrides the management service endpoint.
	ServiceURL string
	// BinaryPath is the agent binary the host is handed over to.
	BinaryPath string
	// TestMode skips the agent hand-over after validation.
	TestMode bool
	// AutoReboot reboots the host without asking when the install
	// needs it.
	AutoReboot bool
}

// Config are the host-level paths and unit names.
type Config struct {
	StateFile      string
	CapabilityFile string
}

type gpuInventory interface {
	DiscoverGPUs(ctx context.Context) ([]pci.GPU, error)
	ResolveIsolationUnit(fn pci.Function) ([]pci.Function, error)
}

type bootConfigurator interface {
	IOMMUActive(ctx context.Context) bool
	Configure(ctx context.Context, units [][]pci.Function) error
}

type gpuValidator interface {
	Preflight(ctx context.Context) error
	KillOrphans(addrs []string) error
	Run(
		ctx context.Context,
		gpu pci.GPU,
		unit []pci.Function,
		canInstallDriver bool,
	) (*state.TestResult, error)
}

type unitManager interface {
	InstallResumeUnit(ctx context.Context, execPath, stateFile string) error
	RemoveResumeUnit(ctx context.Context) error
	EnableAgent(ctx context.Context) error
}

// Installer wires discovery, boot configuration, validation and the
// agent hand-over into the phased install flow.
type Installer struct {
	cfg     Config
	opts    Options
	logger  *slog.Logger
	pci     gpuInventory
	bootcfg bootConfigurator
	harness gpuValidator
	systemd unitManager

	probeHost  func(ctx context.Context) (*hostinfo.Info, error)
	executable func() (string, error)
	reboot     func() error
}

// New creates an installer from its collaborators.
func New(
	cfg Config,
	opts Options,
	inventory gpuInventory,
	configurator bootConfigurator,
	validator gpuValidator,
	units unitManager,
	logger *slog.Logger,
) *Installer {
	return &Installer{
		cfg:        cfg,
		opts:       opts,
		logger:     logger,
		pci:        inventory,
		bootcfg:    configurator,
		harness:    validator,
		systemd:    units,
		probeHost:  hostinfo.Probe,
		executable: executablePath,
		reboot:     rebootHost,
	}
}

// Run executes whichever phase the host is in.
func (i *Installer) Run(ctx context.Context) (Outcome, error) {
	if state.Exists(i.cfg.StateFile) {
		return i.resume(ctx)
	}

	return i.provision(ctx)
}

// provision is the first phase: discovery and boot configuration.
func (i *Installer) provision(ctx context.Context) (Outcome, error) {
	if err := validateAPIKey(i.opts.APIKey); err != nil {
		return 0, err
	}

	host, err := i.probeHost(ctx)
	if err != nil {
		return 0, fmt.Errorf("probe host: %w", err)
	}

	for _, warning := range host.Warnings {
		i.logger.Warn("Host check", slog.String("warning", warning))
	}

	if !host.Systemd {
		return 0, fmt.Errorf("host is not running systemd")
	}

	gpus, err := i.pci.DiscoverGPUs(ctx)
	if err != nil {
		return 0, fmt.Errorf("discover GPUs: %w", err)
	}

	if len(gpus) == 0 {
		return 0, ErrNoSupportedGPUs
	}

	units, err := i.resolveUnits(gpus)
	if err != nil {
		return 0, err
	}

	// Boot configuration is idempotent, it runs on every provision so
	// a changed GPU set converges.
	if err := i.bootcfg.Configure(ctx, units); err != nil {
		return 0, err
	}

	if i.bootcfg.IOMMUActive(ctx) {
		i.logger.Info("IOMMU already active, validating without reboot")

		if err := i.validate(ctx, gpus); err != nil {
			return 0, err
		}

		return OutcomeDone, i.finish(ctx)
	}

	return i.armResume(ctx, gpus)
}

// armResume persists the install state, enables the resume unit and
// optionally reboots. Ordering matters: the state file is written
// before the unit is enabled, so the unit's path condition can never
// fire on an empty state.
func (i *Installer) armResume(
	ctx context.Context,
	gpus []pci.GPU,
) (Outcome, error) {
	st := &state.InstallState{
		Phase:      state.PhaseAwaitingReboot,
		APIKey:     i.opts.APIKey,
		GPUs:       gpus,
		ServiceURL: i.opts.ServiceURL,
		BinaryPath: i.opts.BinaryPath,
		TestMode:   i.opts.TestMode,
	}

	if err := state.Save(i.cfg.StateFile, st); err != nil {
		return 0, err
	}

	execPath, err := i.executable()
	if err != nil {
		return 0, fmt.Errorf("resolve own binary: %w", err)
	}

	err = i.systemd.InstallResumeUnit(ctx, execPath, i.cfg.StateFile)
	if err != nil {
		return 0, err
	}

	i.logger.Info("Boot configuration written, reboot required",
		slog.Bool("auto_reboot", i.opts.AutoReboot))

	if i.opts.AutoReboot {
		if err := i.reboot(); err != nil {
			return 0, fmt.Errorf("reboot: %w", err)
		}
	}

	return OutcomeRebootRequired, nil
}

// resume is the post-reboot phase: it picks the GPU set up from the
// state file and validates passthrough.
func (i *Installer) resume(ctx context.Context) (Outcome, error) {
	st, err := state.Load(i.cfg.StateFile)
	if err != nil {
		return 0, err
	}

	i.logger.Info("Resuming install",
		slog.String("phase", string(st.Phase)),
		slog.Int("gpus", len(st.GPUs)))

	// Options persisted before the reboot win over defaults of the
	// resumed invocation.
	i.opts.APIKey = st.APIKey
	i.opts.ServiceURL = st.ServiceURL
	i.opts.BinaryPath = st.BinaryPath
	i.opts.TestMode = st.TestMode

	st.Phase = state.PhaseResuming
	if err := state.Save(i.cfg.StateFile, st); err != nil {
		return 0, err
	}

	if !i.bootcfg.IOMMUActive(ctx) {
		return 0, ErrIOMMUUnavailable
	}

	if err := i.validate(ctx, st.GPUs); err != nil {
		// The state file stays, rerunning the installer retries
		// validation directly.
		return 0, err
	}

	return OutcomeDone, i.finish(ctx)
}

// validate runs the passthrough harness for every GPU and writes the
// capability record. Devices are validated one at a time, each run
// owns its isolation unit exclusively.
func (i *Installer) validate(ctx context.Context, gpus []pci.GPU) error {
	units, err := i.resolveUnits(gpus)
	if err != nil {
		return err
	}

	// Orphan cleanup also restores the known unit members, a crashed
	// earlier install may have left them on the passthrough driver.
	if err := i.harness.KillOrphans(unitAddrs(units)); err != nil {
		i.logger.Warn("Orphan cleanup incomplete", slog.Any("error", err))
	}

	if err := i.harness.Preflight(ctx); err != nil {
		return err
	}

	host, err := i.probeHost(ctx)
	if err != nil {
		return fmt.Errorf("probe host: %w", err)
	}

	results := make([]state.TestResult, 0, len(gpus))

	var failures []string

	for idx, gpu := range gpus {
		result, err := i.harness.Run(ctx, gpu, units[idx], host.DefaultRoute)
		if err != nil {
			return err
		}

		results = append(results, *result)

		if !result.Success {
			failures = append(failures,
				fmt.Sprintf("%s: %s", gpu.Addr, result.Diagnostic))
		}
	}

	if err := state.WriteCapabilityRecord(i.cfg.CapabilityFile, results); err != nil {
		return err
	}

	if len(failures) > 0 {
		return fmt.Errorf("%w:\n  %s",
			ErrValidationFailed, strings.Join(failures, "\n  "))
	}

	return nil
}

// finish hands the host over to the agent and clears the install
// triggers. The state file goes last, while it exists the install
// remains resumable.
func (i *Installer) finish(ctx context.Context) error {
	if i.opts.TestMode {
		i.logger.Info("Test mode, skipping agent hand-over")
	} else if err := i.systemd.EnableAgent(ctx); err != nil {
		return err
	}

	if err := i.systemd.RemoveResumeUnit(ctx); err != nil {
		return err
	}

	if err := state.Remove(i.cfg.StateFile); err != nil {
		return err
	}

	i.logger.Info("Install complete")

	return nil
}

func (i *Installer) resolveUnits(gpus []pci.GPU) ([][]pci.Function, error) {
	units := make([][]pci.Function, 0, len(gpus))

	for _, gpu := range gpus {
		unit, err := i.pci.ResolveIsolationUnit(gpu.Function)
		if err != nil {
			return nil, fmt.Errorf("resolve isolation unit for %s: %w",
				gpu.Addr, err)
		}

		i.logUnexpectedMembers(gpu, unit)
		units = append(units, unit)
	}

	return units, nil
}

func unitAddrs(units [][]pci.Function) []string {
	var addrs []string

	for _, unit := range units {
		for _, fn := range unit {
			addrs = append(addrs, fn.Addr)
		}
	}

	return addrs
}

// logUnexpectedMembers warns about unit members that are neither the
// GPU nor its audio function. They get bound along regardless, the
// IOMMU group is indivisible, but the operator should know what else
// leaves the host.
func (i *Installer) logUnexpectedMembers(gpu pci.GPU, unit []pci.Function) {
	expected := map[string]bool{gpu.Addr: true}
	if gpu.Audio != nil {
		expected[gpu.Audio.Addr] = true
	}

	for _, fn := range unit {
		if !expected[fn.Addr] {
			i.logger.Warn("Unexpected device in isolation unit",
				slog.String("gpu", gpu.Addr),
				slog.String("addr", fn.Addr),
				slog.String("name", fn.Name))
		}
	}
}

func validateAPIKey(key string) error {
	if !strings.HasPrefix(key, apiKeyPrefix) || len(key) <= len(apiKeyPrefix) {
		return ErrInvalidAPIKey
	}

	return nil
}

func executablePath() (string, error) {
	return os.Executable()
}

func rebootHost() error {
	unix.Sync()

	return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
}
