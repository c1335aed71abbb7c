// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package harness

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// KillOrphans removes leftovers of interrupted runs: guests still
// running from a crashed install are killed, stale run files are
// deleted, and the given device addresses are restored to their host
// drivers. Called before a new validation round so at most one guest
// ever owns a passed-through device.
func (h *Harness) KillOrphans(addrs []string) error {
	err := h.sweepRunDir()

	// A crash between bind and guest start leaves devices parked on
	// the passthrough driver with no run files to tell. Restore runs
	// unconditionally, it is a no-op for host-bound devices.
	h.binder.RestoreUnit(addrs)

	return err
}

func (h *Harness) sweepRunDir() error {
	entries, err := os.ReadDir(h.cfg.RunDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("read run directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(h.cfg.RunDir, name)

		if strings.HasSuffix(name, ".pid") {
			h.killOrphan(path)
		}

		if err := os.Remove(path); err != nil {
			h.logger.Warn("Stale run file not removed",
				slog.String("path", path),
				slog.Any("error", err))
		}
	}

	return nil
}

func (h *Harness) killOrphan(pidFile string) {
	pid, err := readPidFile(pidFile)
	if err != nil {
		return
	}

	// Only kill what is provably one of our guests: the pid must still
	// be a QEMU process. Anything else means the pid was recycled.
	if !isQEMUProcess(pid) {
		return
	}

	h.logger.Info("Killing orphaned guest",
		slog.Int("pid", pid),
		slog.String("pid_file", pidFile))

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		h.logger.Warn("Orphan kill failed",
			slog.Int("pid", pid),
			slog.Any("error", err))
	}
}

func isQEMUProcess(pid int) bool {
	cmdline, err := os.ReadFile(
		filepath.Join("/proc", fmt.Sprint(pid), "cmdline"),
	)
	if err != nil {
		return false
	}

	return strings.Contains(string(cmdline), "qemu-system")
}
