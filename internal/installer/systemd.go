// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	systemddbus "github.com/coreos/go-systemd/v22/dbus"
)

const resumeUnitTemplate = `[Unit]
Description=Resume GPU passthrough setup after reboot
ConditionPathExists=%s
After=network-online.target
Wants=network-online.target

[Service]
Type=oneshot
ExecStart=%s
StandardOutput=journal+console

[Install]
WantedBy=multi-user.target
`

// dbusConn is the slice of the systemd D-Bus API the installer uses.
type dbusConn interface {
	EnableUnitFilesContext(
		ctx context.Context,
		files []string,
		runtime, force bool,
	) (bool, []systemddbus.EnableUnitFileChange, error)
	DisableUnitFilesContext(
		ctx context.Context,
		files []string,
		runtime bool,
	) ([]systemddbus.DisableUnitFileChange, error)
	StartUnitContext(
		ctx context.Context,
		name, mode string,
		ch chan<- string,
	) (int, error)
	ReloadContext(ctx context.Context) error
	Close()
}

// SystemdClient manages the one-shot resume unit and the management
// agent service over the systemd D-Bus API.
type SystemdClient struct {
	// ResumeUnitPath is where the generated resume unit file lives.
	ResumeUnitPath string
	// AgentUnit is the management agent's service name.
	AgentUnit string

	connect func(ctx context.Context) (dbusConn, error)
}

// NewSystemdClient creates a client using the system bus.
func NewSystemdClient(resumeUnitPath, agentUnit string) *SystemdClient {
	return &SystemdClient{
		ResumeUnitPath: resumeUnitPath,
		AgentUnit:      agentUnit,
		connect: func(ctx context.Context) (dbusConn, error) {
			return systemddbus.NewWithContext(ctx)
		},
	}
}

// InstallResumeUnit writes and enables a one-shot unit that restarts
// the installer on the next boot. ConditionPathExists ties the unit to
// the state file, so a leftover enabled unit with no state file is
// inert.
func (c *SystemdClient) InstallResumeUnit(
	ctx context.Context,
	execPath, stateFile string,
) error {
	content := fmt.Sprintf(resumeUnitTemplate, stateFile, execPath)

	err := os.WriteFile(c.ResumeUnitPath, []byte(content), 0o644)
	if err != nil {
		return fmt.Errorf("write resume unit: %w", err)
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("reload systemd: %w", err)
	}

	_, _, err = conn.EnableUnitFilesContext(
		ctx, []string{c.ResumeUnitPath}, false, true,
	)
	if err != nil {
		return fmt.Errorf("enable resume unit: %w", err)
	}

	return nil
}

// RemoveResumeUnit disables and deletes the resume unit. Safe to call
// if the unit was never installed.
func (c *SystemdClient) RemoveResumeUnit(ctx context.Context) error {
	if _, err := os.Stat(c.ResumeUnitPath); os.IsNotExist(err) {
		return nil
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	unitName := filepath.Base(c.ResumeUnitPath)

	_, err = conn.DisableUnitFilesContext(ctx, []string{unitName}, false)
	if err != nil {
		return fmt.Errorf("disable resume unit: %w", err)
	}

	if err := os.Remove(c.ResumeUnitPath); err != nil {
		return fmt.Errorf("remove resume unit: %w", err)
	}

	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("reload systemd: %w", err)
	}

	return nil
}

// EnableAgent enables and starts the management agent service and
// waits for the start job to finish.
func (c *SystemdClient) EnableAgent(ctx context.Context) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	_, _, err = conn.EnableUnitFilesContext(
		ctx, []string{c.AgentUnit}, false, true,
	)
	if err != nil {
		return fmt.Errorf("enable agent unit: %w", err)
	}

	jobResult := make(chan string, 1)

	_, err = conn.StartUnitContext(ctx, c.AgentUnit, "replace", jobResult)
	if err != nil {
		return fmt.Errorf("start agent unit: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-jobResult:
		if result != "done" {
			return fmt.Errorf("agent unit start job ended with %q", result)
		}
	}

	return nil
}
