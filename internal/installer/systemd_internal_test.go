// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package installer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	systemddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	enabled  []string
	disabled []string
	started  []string
	reloads  int
	closed   bool
}

func (f *fakeConn) EnableUnitFilesContext(
	_ context.Context,
	files []string,
	_, _ bool,
) (bool, []systemddbus.EnableUnitFileChange, error) {
	f.enabled = append(f.enabled, files...)
	return true, nil, nil
}

func (f *fakeConn) DisableUnitFilesContext(
	_ context.Context,
	files []string,
	_ bool,
) ([]systemddbus.DisableUnitFileChange, error) {
	f.disabled = append(f.disabled, files...)
	return nil, nil
}

func (f *fakeConn) StartUnitContext(
	_ context.Context,
	name, _ string,
	ch chan<- string,
) (int, error) {
	f.started = append(f.started, name)
	ch <- "done"

	return 1, nil
}

func (f *fakeConn) ReloadContext(context.Context) error {
	f.reloads++
	return nil
}

func (f *fakeConn) Close() { f.closed = true }

func newTestSystemdClient(t *testing.T) (*SystemdClient, *fakeConn) {
	t.Helper()

	conn := &fakeConn{}
	client := &SystemdClient{
		ResumeUnitPath: filepath.Join(t.TempDir(), "vfiosetup-resume.service"),
		AgentUnit:      "vfiosetup-agent.service",
		connect: func(context.Context) (dbusConn, error) {
			return conn, nil
		},
	}

	return client, conn
}

func TestInstallResumeUnit(t *testing.T) {
	client, conn := newTestSystemdClient(t)

	err := client.InstallResumeUnit(
		context.Background(),
		"/usr/local/bin/vfiosetup",
		"/var/lib/vfiosetup/install-state.yaml",
	)
	require.NoError(t, err)

	content, err := os.ReadFile(client.ResumeUnitPath)
	require.NoError(t, err)
	assert.Contains(t, string(content),
		"ConditionPathExists=/var/lib/vfiosetup/install-state.yaml")
	assert.Contains(t, string(content),
		"ExecStart=/usr/local/bin/vfiosetup")
	assert.Contains(t, string(content), "Type=oneshot")

	assert.Equal(t, []string{client.ResumeUnitPath}, conn.enabled)
	assert.Equal(t, 1, conn.reloads)
	assert.True(t, conn.closed)
}

func TestRemoveResumeUnit(t *testing.T) {
	client, conn := newTestSystemdClient(t)

	require.NoError(t, client.InstallResumeUnit(
		context.Background(), "/usr/local/bin/vfiosetup", "/tmp/state.yaml",
	))

	require.NoError(t, client.RemoveResumeUnit(context.Background()))

	assert.Equal(t, []string{"vfiosetup-resume.service"}, conn.disabled)
	assert.NoFileExists(t, client.ResumeUnitPath)
}

func TestRemoveResumeUnitNeverInstalled(t *testing.T) {
	client, conn := newTestSystemdClient(t)

	require.NoError(t, client.RemoveResumeUnit(context.Background()))
	assert.Empty(t, conn.disabled)
}

func TestEnableAgent(t *testing.T) {
	client, conn := newTestSystemdClient(t)

	require.NoError(t, client.EnableAgent(context.Background()))

	assert.Equal(t, []string{"vfiosetup-agent.service"}, conn.enabled)
	assert.Equal(t, []string{"vfiosetup-agent.service"}, conn.started)
}
