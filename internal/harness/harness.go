// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package harness validates GPU passthrough by booting an ephemeral
// QEMU guest with the device attached and probing the GPU from inside.
//
// A run is self-contained: it binds the device's isolation unit to
// vfio-pci, boots a copy-on-write guest, probes, tears the guest down
// and restores the host drivers. The restore is unconditional, a
// failed run never leaves the device parked on vfio-pci.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/aibor/vfiosetup/internal/image"
	"github.com/aibor/vfiosetup/internal/mgmt"
	"github.com/aibor/vfiosetup/internal/pci"
	"github.com/aibor/vfiosetup/internal/state"
)

const (
	defaultBootDeadline  = 3 * time.Minute
	defaultShutdownGrace = 30 * time.Second
	defaultGuestCPUs     = 4
	defaultGuestMemory   = 8192

	pollInterval = 2 * time.Second

	probeCommand = "nvidia-smi" +
		" --query-gpu=name,memory.total,driver_version,compute_cap" +
		" --format=csv,noheader,nounits"

	driverInstallCommand = "apt-get update -qq" +
		" && DEBIAN_FRONTEND=noninteractive apt-get install -y -qq" +
		" nvidia-driver-550 nvidia-utils-550" +
		" && modprobe nvidia"
)

// Config holds the host paths and guest dimensions for validation
// runs.
type Config struct {
	QEMUBin  string
	OVMFCode string
	OVMFVars string
	// RunDir holds per-run state: pid files, OVMF vars copies and
	// console logs.
	RunDir string
	// VFIODevPath is the VFIO container device, overridable for tests.
	VFIODevPath string

	GuestCPUs      int
	GuestMemoryMiB int
	BootDeadline   time.Duration
	ShutdownGrace  time.Duration

	// AllowDriverInstall permits a one-shot in-guest driver install if
	// the first probe finds no driver. Requires outbound connectivity.
	AllowDriverInstall bool
}

type deviceBinder interface {
	BindUnit(ctx context.Context, unit []pci.Function) error
	RestoreUnit(addrs []string)
}

type overlayStore interface {
	EnsureBase(ctx context.Context) error
	CreateOverlay(ctx context.Context, runID string) (string, error)
	Commit(ctx context.Context, overlay string) error
	Discard(overlay string) error
}

type guestClient interface {
	WaitReady(
		ctx context.Context,
		deadline, interval time.Duration,
		exited <-chan struct{},
	) error
	Run(ctx context.Context, command string) ([]byte, error)
}

// Harness runs passthrough validation for one isolation unit at a
// time.
type Harness struct {
	cfg    Config
	binder deviceBinder
	store  overlayStore
	logger *slog.Logger

	spawn     func(spec *guestSpec) (guest, error)
	newClient func(port int) (guestClient, error)
	freePort  func() (int, error)
}

// New creates a harness. Zero guest dimensions and deadlines fall back
// to defaults.
func New(
	cfg Config,
	binder deviceBinder,
	store *image.Store,
	keys *mgmt.KeyPair,
	logger *slog.Logger,
) *Harness {
	if cfg.GuestCPUs == 0 {
		cfg.GuestCPUs = defaultGuestCPUs
	}

	if cfg.GuestMemoryMiB == 0 {
		cfg.GuestMemoryMiB = defaultGuestMemory
	}

	if cfg.BootDeadline == 0 {
		cfg.BootDeadline = defaultBootDeadline
	}

	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}

	if cfg.VFIODevPath == "" {
		cfg.VFIODevPath = "/dev/vfio/vfio"
	}

	return &Harness{
		cfg:    cfg,
		binder: binder,
		store:  store,
		logger: logger,
		spawn:  startGuest,
		newClient: func(port int) (guestClient, error) {
			return mgmt.NewClient(port, keys)
		},
		freePort: findFreePort,
	}
}

// Preflight verifies everything a run needs before any device is
// touched. A failure here leaves the host driver state unchanged.
func (h *Harness) Preflight(ctx context.Context) error {
	if _, err := os.Stat(h.cfg.VFIODevPath); err != nil {
		return &PreflightError{
			Check: "vfio container",
			Err:   fmt.Errorf("%w: %v", ErrVFIOContainerMissing, err),
		}
	}

	for _, firmware := range []string{h.cfg.OVMFCode, h.cfg.OVMFVars} {
		if _, err := os.Stat(firmware); err != nil {
			return &PreflightError{
				Check: "firmware",
				Err:   fmt.Errorf("%w: %s", ErrFirmwareMissing, firmware),
			}
		}
	}

	if err := os.MkdirAll(h.cfg.RunDir, 0o755); err != nil {
		return &PreflightError{Check: "run directory", Err: err}
	}

	if err := h.store.EnsureBase(ctx); err != nil {
		return &PreflightError{Check: "base image", Err: err}
	}

	return nil
}

// Run validates passthrough for one GPU and its isolation unit. The
// returned TestResult always describes the outcome; the error is
// non-nil only for infrastructure failures that prevented a verdict.
//
// canInstallDriver reports whether an in-guest driver download can
// succeed, the caller derives it from the host's connectivity.
func (h *Harness) Run(
	ctx context.Context,
	gpu pci.GPU,
	unit []pci.Function,
	canInstallDriver bool,
) (*state.TestResult, error) {
	result := &state.TestResult{Addr: gpu.Addr}
	runID := "run-" + uuid.New().String()[:8]

	logger := h.logger.With(
		slog.String("run", runID),
		slog.String("gpu", gpu.Addr),
	)
	logger.Info("Starting validation run", slog.Int("unit_size", len(unit)))

	if err := h.binder.BindUnit(ctx, unit); err != nil {
		return nil, fmt.Errorf("bind isolation unit: %w", err)
	}

	// The host keeps its devices no matter how the run ends.
	defer h.binder.RestoreUnit(addrsOf(unit))

	overlay, err := h.store.CreateOverlay(ctx, runID)
	if err != nil {
		return nil, err
	}

	committed := false

	defer func() {
		if !committed {
			if err := h.store.Discard(overlay); err != nil {
				logger.Warn("Overlay cleanup failed", slog.Any("error", err))
			}
		}
	}()

	varsCopy, err := h.copyFirmwareVars(runID)
	if err != nil {
		return nil, err
	}
	defer os.Remove(varsCopy)

	port, err := h.freePort()
	if err != nil {
		return nil, fmt.Errorf("allocate SSH port: %w", err)
	}

	spec := &guestSpec{
		QEMUBin:   h.cfg.QEMUBin,
		OVMFCode:  h.cfg.OVMFCode,
		OVMFVars:  varsCopy,
		Overlay:   overlay,
		Unit:      unit,
		SSHPort:   port,
		CPUs:      h.cfg.GuestCPUs,
		MemoryMiB: h.cfg.GuestMemoryMiB,
		PidFile:   filepath.Join(h.cfg.RunDir, runID+".pid"),
		LogPath:   filepath.Join(h.cfg.RunDir, runID+".log"),
	}

	g, err := h.spawn(spec)
	if err != nil {
		return nil, err
	}
	defer os.Remove(spec.PidFile)

	logger.Info("Guest started",
		slog.Int("ssh_port", port),
		slog.String("console_log", spec.LogPath),
	)

	client, err := h.newClient(port)
	if err != nil {
		h.teardown(ctx, logger, g, nil)
		return nil, err
	}

	err = client.WaitReady(ctx, h.cfg.BootDeadline, pollInterval, g.Exited())
	if err != nil {
		h.teardown(ctx, logger, g, nil)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		result.Diagnostic = fmt.Sprintf(
			"guest unreachable: %v (console log: %s)", err, spec.LogPath,
		)
		logger.Error("Guest did not become reachable", slog.Any("error", err))

		return result, nil
	}

	capability, probeErr := h.probe(ctx, logger, client, canInstallDriver)

	clean := h.teardown(ctx, logger, g, client)

	if probeErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		result.Diagnostic = probeErr.Error()

		return result, nil
	}

	result.Success = true
	result.Capability = capability

	// A validated driver install is worth keeping, but only a cleanly
	// shut down overlay is safe to fold into the base image.
	if clean {
		if err := h.store.Commit(ctx, overlay); err != nil {
			logger.Warn("Overlay commit failed, discarding instead",
				slog.Any("error", err))
		} else {
			committed = true
		}
	}

	logger.Info("Validation run passed",
		slog.String("gpu_name", capability.Name),
		slog.Int("vram_mib", capability.VRAMMiB),
		slog.String("driver", capability.DriverVersion),
	)

	return result, nil
}

// probe queries the GPU from inside the guest, with a single driver
// install attempt if the guest image ships without one.
func (h *Harness) probe(
	ctx context.Context,
	logger *slog.Logger,
	client guestClient,
	canInstallDriver bool,
) (*state.GPUCapability, error) {
	output, err := client.Run(ctx, probeCommand)
	if err == nil {
		return parseProbeOutput(string(output))
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if !h.cfg.AllowDriverInstall {
		return nil, fmt.Errorf(
			"GPU probe failed: %v: %s", err, strings.TrimSpace(string(output)),
		)
	}

	if !canInstallDriver {
		return nil, fmt.Errorf(
			"GPU probe failed and driver install skipped,"+
				" host has no outbound connectivity: %v", err,
		)
	}

	logger.Info("No working driver in guest, attempting install")

	installOut, installErr := client.Run(ctx, driverInstallCommand)
	if installErr != nil {
		return nil, fmt.Errorf(
			"in-guest driver install failed: %v: %s",
			installErr, tail(string(installOut), 500),
		)
	}

	output, err = client.Run(ctx, probeCommand)
	if err != nil {
		return nil, fmt.Errorf(
			"GPU probe failed after driver install: %v: %s",
			err, strings.TrimSpace(string(output)),
		)
	}

	return parseProbeOutput(string(output))
}

// teardown shuts the guest down, gracefully first so the overlay stays
// commit-safe, then by force. Reports whether the shutdown was clean.
func (h *Harness) teardown(
	ctx context.Context,
	logger *slog.Logger,
	g guest,
	client guestClient,
) bool {
	select {
	case <-g.Exited():
		return true
	default:
	}

	if client != nil {
		// Poweroff drops the connection, the error carries no signal.
		_, _ = client.Run(ctx, "poweroff")
	} else if err := g.Signal(syscall.SIGTERM); err != nil {
		logger.Warn("Guest signal failed", slog.Any("error", err))
	}

	select {
	case <-g.Exited():
		logger.Info("Guest shut down cleanly")
		return true
	case <-time.After(h.cfg.ShutdownGrace):
		logger.Warn("Guest ignored shutdown, killing")
		g.Kill()

		return false
	}
}

func (h *Harness) copyFirmwareVars(runID string) (string, error) {
	dst := filepath.Join(h.cfg.RunDir, runID+"-OVMF_VARS.fd")

	src, err := os.ReadFile(h.cfg.OVMFVars)
	if err != nil {
		return "", fmt.Errorf("read OVMF vars template: %w", err)
	}

	if err := os.WriteFile(dst, src, 0o644); err != nil {
		return "", fmt.Errorf("write OVMF vars copy: %w", err)
	}

	return dst, nil
}

// parseProbeOutput parses nvidia-smi CSV lines, one per visible GPU.
func parseProbeOutput(output string) (*state.GPUCapability, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, fmt.Errorf("empty probe output")
	}

	fields := strings.Split(lines[0], ",")
	if len(fields) < 3 {
		return nil, fmt.Errorf("unexpected probe output: %q", lines[0])
	}

	capability := &state.GPUCapability{
		Name:          strings.TrimSpace(fields[0]),
		Count:         len(lines),
		DriverVersion: strings.TrimSpace(fields[2]),
	}

	vram, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return nil, fmt.Errorf("parse VRAM size: %w", err)
	}

	capability.VRAMMiB = vram

	if len(fields) >= 4 {
		capability.ComputeCap = strings.TrimSpace(fields[3])
	}

	return capability, nil
}

func addrsOf(unit []pci.Function) []string {
	addrs := make([]string, len(unit))
	for i, fn := range unit {
		addrs[i] = fn.Addr
	}

	return addrs
}

func findFreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}

	return s[len(s)-n:]
}
