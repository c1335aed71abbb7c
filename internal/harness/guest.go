// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package harness

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/aibor/vfiosetup/internal/pci"
)

// guestSpec describes one ephemeral QEMU guest.
type guestSpec struct {
	QEMUBin   string
	OVMFCode  string
	OVMFVars  string
	Overlay   string
	Unit      []pci.Function
	SSHPort   int
	CPUs      int
	MemoryMiB int
	PidFile   string
	LogPath   string
}

// args builds the QEMU command line. The guest is headless: UEFI
// firmware via pflash, the overlay as virtio root disk, one vfio-pci
// device per unit member and user-mode networking with the SSH port
// forwarded to the loopback interface.
func (s *guestSpec) args() []string {
	args := []string{
		"-machine", "q35,accel=kvm",
		"-cpu", "host",
		"-smp", strconv.Itoa(s.CPUs),
		"-m", strconv.Itoa(s.MemoryMiB),
		"-drive", "if=pflash,format=raw,readonly=on,file=" + s.OVMFCode,
		"-drive", "if=pflash,format=raw,file=" + s.OVMFVars,
		"-drive", fmt.Sprintf("file=%s,format=qcow2,if=virtio", s.Overlay),
	}

	for _, fn := range s.Unit {
		args = append(args, "-device", "vfio-pci,host="+fn.Addr)
	}

	args = append(args,
		"-netdev", fmt.Sprintf(
			"user,id=net0,hostfwd=tcp:127.0.0.1:%d-:22", s.SSHPort,
		),
		"-device", "virtio-net-pci,netdev=net0",
		"-serial", "stdio",
		"-display", "none",
	)

	return args
}

// guest is a handle on a running QEMU process.
type guest interface {
	// Exited is closed once the process has terminated.
	Exited() <-chan struct{}
	// Signal asks the guest process to shut down.
	Signal(sig os.Signal) error
	// Kill terminates the process and waits for the console log to be
	// flushed.
	Kill()
}

type qemuGuest struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

// startGuest launches the QEMU process described by spec. The guest's
// serial console and QEMU's own diagnostics are copied to the log
// file, which survives the run for failure analysis. The process is
// intentionally not bound to the context: teardown is ordered, never
// abandoned.
func startGuest(spec *guestSpec) (guest, error) {
	logFile, err := os.Create(spec.LogPath)
	if err != nil {
		return nil, fmt.Errorf("create console log: %w", err)
	}

	cmd := exec.Command(spec.QEMUBin, spec.args()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("%w: %v", ErrGuestStart, err)
	}

	if err := writePidFile(spec.PidFile, cmd.Process.Pid); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		logFile.Close()

		return nil, err
	}

	consoleGroup := errgroup.Group{}
	consoleGroup.Go(func() error {
		_, err := io.Copy(logFile, stdout)
		return err
	})
	consoleGroup.Go(func() error {
		_, err := io.Copy(logFile, stderr)
		return err
	})

	g := &qemuGuest{
		cmd:    cmd,
		exited: make(chan struct{}),
	}

	go func() {
		_ = consoleGroup.Wait()
		_ = cmd.Wait()
		logFile.Close()
		close(g.exited)
	}()

	return g, nil
}

func (g *qemuGuest) Exited() <-chan struct{} {
	return g.exited
}

func (g *qemuGuest) Signal(sig os.Signal) error {
	return g.cmd.Process.Signal(sig)
}

func (g *qemuGuest) Kill() {
	_ = g.cmd.Process.Kill()
	<-g.exited
}

func writePidFile(path string, pid int) error {
	content := strconv.Itoa(pid) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	return nil
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}

	return pid, nil
}
