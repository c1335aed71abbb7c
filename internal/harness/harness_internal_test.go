// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package harness

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aibor/vfiosetup/internal/pci"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testUnit = []pci.Function{
	{Addr: "0000:01:00.0", VendorID: 0x10de, DeviceID: 0x2206, Class: 0x030000},
	{Addr: "0000:01:00.1", VendorID: 0x10de, DeviceID: 0x1aef, Class: 0x040300},
}

var testGPU = pci.GPU{Function: testUnit[0]}

const probeOutput = "NVIDIA GeForce RTX 3080, 10240, 550.54.14, 8.6\n"

type fakeBinder struct {
	bindErr  error
	bound    []string
	restored []string
}

func (f *fakeBinder) BindUnit(_ context.Context, unit []pci.Function) error {
	if f.bindErr != nil {
		return f.bindErr
	}

	for _, fn := range unit {
		f.bound = append(f.bound, fn.Addr)
	}

	return nil
}

func (f *fakeBinder) RestoreUnit(addrs []string) {
	f.restored = append(f.restored, addrs...)
}

type fakeStore struct {
	dir       string
	committed []string
	discarded []string
}

func (f *fakeStore) EnsureBase(context.Context) error { return nil }

func (f *fakeStore) CreateOverlay(
	_ context.Context,
	runID string,
) (string, error) {
	return filepath.Join(f.dir, runID+".qcow2"), nil
}

func (f *fakeStore) Commit(_ context.Context, overlay string) error {
	f.committed = append(f.committed, overlay)
	return nil
}

func (f *fakeStore) Discard(overlay string) error {
	f.discarded = append(f.discarded, overlay)
	return nil
}

type fakeGuest struct {
	exited chan struct{}
	killed bool
}

func newFakeGuest() *fakeGuest {
	return &fakeGuest{exited: make(chan struct{})}
}

func (f *fakeGuest) Exited() <-chan struct{} { return f.exited }

func (f *fakeGuest) Signal(os.Signal) error {
	f.exit()
	return nil
}

func (f *fakeGuest) Kill() {
	f.killed = true
	f.exit()
}

func (f *fakeGuest) exit() {
	select {
	case <-f.exited:
	default:
		close(f.exited)
	}
}

type fakeClient struct {
	waitErr  error
	commands []string
	run      func(command string) ([]byte, error)
}

func (f *fakeClient) WaitReady(
	_ context.Context,
	_, _ time.Duration,
	_ <-chan struct{},
) error {
	return f.waitErr
}

func (f *fakeClient) Run(_ context.Context, command string) ([]byte, error) {
	f.commands = append(f.commands, command)
	return f.run(command)
}

type testHarness struct {
	*Harness
	binder *fakeBinder
	store  *fakeStore
	guest  *fakeGuest
	client *fakeClient
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	dir := t.TempDir()
	ovmfCode := filepath.Join(dir, "OVMF_CODE.fd")
	ovmfVars := filepath.Join(dir, "OVMF_VARS.fd")
	require.NoError(t, os.WriteFile(ovmfCode, []byte("code"), 0o644))
	require.NoError(t, os.WriteFile(ovmfVars, []byte("vars"), 0o644))

	binder := &fakeBinder{}
	store := &fakeStore{dir: dir}
	fg := newFakeGuest()
	client := &fakeClient{}

	// Default behavior: boots fine, probe succeeds, poweroff exits.
	client.run = func(command string) ([]byte, error) {
		if command == "poweroff" {
			fg.exit()
			return nil, nil
		}

		return []byte(probeOutput), nil
	}

	h := &Harness{
		cfg: Config{
			QEMUBin:        "qemu-system-x86_64",
			OVMFCode:       ovmfCode,
			OVMFVars:       ovmfVars,
			RunDir:         filepath.Join(dir, "runs"),
			VFIODevPath:    filepath.Join(dir, "vfio"),
			GuestCPUs:      2,
			GuestMemoryMiB: 2048,
			BootDeadline:   time.Second,
			ShutdownGrace:  time.Second,
		},
		binder: binder,
		store:  store,
		logger: slog.Default(),
		spawn: func(spec *guestSpec) (guest, error) {
			require.NoError(t, writePidFile(spec.PidFile, 12345))
			return fg, nil
		},
		newClient: func(int) (guestClient, error) { return client, nil },
		freePort:  func() (int, error) { return 2222, nil },
	}
	require.NoError(t, os.MkdirAll(h.cfg.RunDir, 0o755))

	return &testHarness{
		Harness: h,
		binder:  binder,
		store:   store,
		guest:   fg,
		client:  client,
	}
}

func TestRunSucceeds(t *testing.T) {
	h := newTestHarness(t)

	result, err := h.Run(context.Background(), testGPU, testUnit, false)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Empty(t, result.Diagnostic)

	require.NotNil(t, result.Capability)
	assert.Equal(t, "NVIDIA GeForce RTX 3080", result.Capability.Name)
	assert.Equal(t, 10240, result.Capability.VRAMMiB)
	assert.Equal(t, "550.54.14", result.Capability.DriverVersion)
	assert.Equal(t, "8.6", result.Capability.ComputeCap)

	// Clean shutdown, so the overlay was folded into the base.
	assert.Len(t, h.store.committed, 1)
	assert.Empty(t, h.store.discarded)

	// Host drivers restored after the run.
	assert.Equal(t, []string{"0000:01:00.0", "0000:01:00.1"}, h.binder.bound)
	assert.Equal(t, []string{"0000:01:00.0", "0000:01:00.1"}, h.binder.restored)

	assert.False(t, h.guest.killed)
}

func TestRunBindFailure(t *testing.T) {
	h := newTestHarness(t)
	h.binder.bindErr = errors.New("device vanished")

	_, err := h.Run(context.Background(), testGPU, testUnit, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind isolation unit")
}

func TestRunGuestUnreachable(t *testing.T) {
	h := newTestHarness(t)
	h.client.waitErr = errors.New("i/o timeout")

	result, err := h.Run(context.Background(), testGPU, testUnit, false)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Contains(t, result.Diagnostic, "guest unreachable")
	assert.Contains(t, result.Diagnostic, ".log")

	// The failed overlay is discarded and the devices go back to the
	// host anyway.
	assert.Empty(t, h.store.committed)
	assert.Len(t, h.store.discarded, 1)
	assert.Equal(t, []string{"0000:01:00.0", "0000:01:00.1"}, h.binder.restored)
}

func TestRunProbeFailure(t *testing.T) {
	h := newTestHarness(t)
	h.client.run = func(command string) ([]byte, error) {
		if command == "poweroff" {
			h.guest.exit()
			return nil, nil
		}

		return []byte("nvidia-smi: command not found"), errors.New("exit 127")
	}

	result, err := h.Run(context.Background(), testGPU, testUnit, false)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Contains(t, result.Diagnostic, "GPU probe failed")
	assert.Empty(t, h.store.committed)
}

func TestRunDriverInstallRemediation(t *testing.T) {
	h := newTestHarness(t)
	h.cfg.AllowDriverInstall = true

	probes := 0
	h.client.run = func(command string) ([]byte, error) {
		switch {
		case command == "poweroff":
			h.guest.exit()
			return nil, nil
		case strings.HasPrefix(command, "nvidia-smi"):
			probes++
			if probes == 1 {
				return nil, errors.New("exit 127")
			}

			return []byte(probeOutput), nil
		default:
			// The driver install command.
			return nil, nil
		}
	}

	result, err := h.Run(context.Background(), testGPU, testUnit, true)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 2, probes)
}

func TestRunDriverInstallNeedsConnectivity(t *testing.T) {
	h := newTestHarness(t)
	h.cfg.AllowDriverInstall = true
	h.client.run = func(command string) ([]byte, error) {
		if command == "poweroff" {
			h.guest.exit()
			return nil, nil
		}

		return nil, errors.New("exit 127")
	}

	result, err := h.Run(context.Background(), testGPU, testUnit, false)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Contains(t, result.Diagnostic, "no outbound connectivity")
}

func TestRunForcedTeardownSkipsCommit(t *testing.T) {
	h := newTestHarness(t)
	h.cfg.ShutdownGrace = 10 * time.Millisecond

	// Guest ignores poweroff, only Kill ends it.
	h.client.run = func(command string) ([]byte, error) {
		if command == "poweroff" {
			return nil, nil
		}

		return []byte(probeOutput), nil
	}

	result, err := h.Run(context.Background(), testGPU, testUnit, false)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, h.guest.killed)

	// A force-killed guest may have dirty caches, the overlay must not
	// reach the base image.
	assert.Empty(t, h.store.committed)
	assert.Len(t, h.store.discarded, 1)
}

func TestRunInterruptedDuringBoot(t *testing.T) {
	h := newTestHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The readiness poll observes the interrupt.
	h.client.waitErr = context.Canceled

	_, err := h.Run(ctx, testGPU, testUnit, false)
	require.ErrorIs(t, err, context.Canceled)

	// An interrupt is not a verdict: the guest is torn down, the
	// overlay is dropped and the host keeps its devices.
	select {
	case <-h.guest.Exited():
	default:
		t.Fatal("guest still running after interrupt")
	}

	assert.Empty(t, h.store.committed)
	assert.Len(t, h.store.discarded, 1)
	assert.Equal(t, []string{"0000:01:00.0", "0000:01:00.1"}, h.binder.restored)
}

func TestPreflight(t *testing.T) {
	h := newTestHarness(t)

	err := h.Preflight(context.Background())
	require.ErrorIs(t, err, ErrVFIOContainerMissing)

	require.NoError(t, os.WriteFile(h.cfg.VFIODevPath, nil, 0o600))
	require.NoError(t, h.Preflight(context.Background()))
}

func TestPreflightFirmwareMissing(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, os.WriteFile(h.cfg.VFIODevPath, nil, 0o600))
	h.cfg.OVMFCode = filepath.Join(t.TempDir(), "absent.fd")

	err := h.Preflight(context.Background())
	require.ErrorIs(t, err, ErrFirmwareMissing)

	var preflightErr *PreflightError
	require.ErrorAs(t, err, &preflightErr)
	assert.Equal(t, "firmware", preflightErr.Check)
}

func TestGuestSpecArgs(t *testing.T) {
	spec := &guestSpec{
		QEMUBin:   "qemu-system-x86_64",
		OVMFCode:  "/usr/share/OVMF/OVMF_CODE.fd",
		OVMFVars:  "/run/vfiosetup/run-1-OVMF_VARS.fd",
		Overlay:   "/var/lib/vfiosetup/runs/run-1.qcow2",
		Unit:      testUnit,
		SSHPort:   2222,
		CPUs:      4,
		MemoryMiB: 8192,
	}

	args := strings.Join(spec.args(), " ")

	assert.Contains(t, args, "-machine q35,accel=kvm")
	assert.Contains(t, args, "-device vfio-pci,host=0000:01:00.0")
	assert.Contains(t, args, "-device vfio-pci,host=0000:01:00.1")
	assert.Contains(t, args, "hostfwd=tcp:127.0.0.1:2222-:22")
	assert.Contains(t, args,
		"if=pflash,format=raw,readonly=on,file=/usr/share/OVMF/OVMF_CODE.fd")
	assert.Contains(t, args, "format=qcow2,if=virtio")
}

func TestKillOrphans(t *testing.T) {
	h := newTestHarness(t)

	// A pid that cannot be a QEMU guest and files from a dead run.
	stale := []string{"run-dead.pid", "run-dead.log", "run-dead.qcow2"}
	require.NoError(t,
		writePidFile(filepath.Join(h.cfg.RunDir, stale[0]), 1<<30))

	for _, name := range stale[1:] {
		path := filepath.Join(h.cfg.RunDir, name)
		require.NoError(t, os.WriteFile(path, nil, 0o644))
	}

	require.NoError(t, h.KillOrphans(nil))

	entries, err := os.ReadDir(h.cfg.RunDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestKillOrphansRestoresParkedDevices(t *testing.T) {
	h := newTestHarness(t)

	// A crash between bind and guest start leaves devices on the
	// passthrough driver without any run files surviving. The cleanup
	// restores them regardless of what the run directory holds.
	addrs := []string{"0000:01:00.0", "0000:01:00.1"}
	require.NoError(t, h.KillOrphans(addrs))

	assert.Equal(t, addrs, h.binder.restored)
}

func TestKillOrphansMissingRunDir(t *testing.T) {
	h := newTestHarness(t)
	h.cfg.RunDir = filepath.Join(t.TempDir(), "absent")

	require.NoError(t, h.KillOrphans([]string{"0000:01:00.0"}))
	assert.Equal(t, []string{"0000:01:00.0"}, h.binder.restored)
}
