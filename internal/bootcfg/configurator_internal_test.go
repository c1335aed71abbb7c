// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bootcfg

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aibor/vfiosetup/internal/pci"
)

const grubDefaults = `# If you change this file, run 'update-grub' afterwards.
GRUB_DEFAULT=0
GRUB_TIMEOUT=5
GRUB_CMDLINE_LINUX_DEFAULT="quiet splash"
GRUB_CMDLINE_LINUX=""
`

func newTestConfigurator(t *testing.T, vendor string) (*Configurator, *[][]string) {
	t.Helper()

	dir := t.TempDir()

	grubPath := filepath.Join(dir, "grub")
	require.NoError(t, os.WriteFile(grubPath, []byte(grubDefaults), 0o644))

	var commands [][]string

	c := &Configurator{
		GrubDefaultPath: grubPath,
		ModulesLoadPath: filepath.Join(dir, "vfiosetup.conf"),
		BlacklistPath:   filepath.Join(dir, "vfiosetup-blacklist.conf"),
		IOMMUGroupsPath: filepath.Join(dir, "iommu_groups"),
		logger:          slog.New(slog.NewTextHandler(os.Stderr, nil)),
		runCmd: func(_ context.Context, name string, args ...string) ([]byte, error) {
			commands = append(commands, append([]string{name}, args...))
			return nil, nil
		},
		cpuVendor: func(_ context.Context) (string, error) {
			if vendor == "" {
				return "", errors.New("cpuid failed")
			}
			return vendor, nil
		},
	}

	return c, &commands
}

func testUnits() [][]pci.Function {
	return [][]pci.Function{
		{
			{Addr: "0000:01:00.0", VendorID: 0x10de, DeviceID: 0x2206, Class: 0x030000},
			{Addr: "0000:01:00.1", VendorID: 0x10de, DeviceID: 0x1aef, Class: 0x040300},
		},
	}
}

func readCmdline(t *testing.T, c *Configurator) string {
	t.Helper()

	data, err := os.ReadFile(c.GrubDefaultPath)
	require.NoError(t, err)

	m := cmdlinePattern.FindSubmatch(data)
	require.NotNil(t, m)

	return string(m[2])
}

func TestConfigureIntel(t *testing.T) {
	c, commands := newTestConfigurator(t, "GenuineIntel")

	err := c.Configure(context.Background(), testUnits())
	require.NoError(t, err)

	cmdline := readCmdline(t, c)
	assert.Equal(t,
		"quiet splash intel_iommu=on iommu=pt vfio-pci.ids=10de:1aef,10de:2206",
		cmdline)

	load, err := os.ReadFile(c.ModulesLoadPath)
	require.NoError(t, err)
	assert.Equal(t, "vfio\nvfio_iommu_type1\nvfio_pci\n", string(load))

	blacklist, err := os.ReadFile(c.BlacklistPath)
	require.NoError(t, err)
	assert.Contains(t, string(blacklist), "blacklist nouveau\n")
	assert.Contains(t, string(blacklist), "blacklist nvidia\n")
	assert.Contains(t, string(blacklist), "options vfio-pci ids=10de:1aef,10de:2206\n")

	require.Len(t, *commands, 2)
	assert.Equal(t, []string{"update-initramfs", "-u"}, (*commands)[0])
	assert.Equal(t, []string{"update-grub"}, (*commands)[1])
}

func TestConfigureAMD(t *testing.T) {
	c, _ := newTestConfigurator(t, "AuthenticAMD")

	err := c.Configure(context.Background(), testUnits())
	require.NoError(t, err)

	assert.Contains(t, readCmdline(t, c), "amd_iommu=on iommu=pt")
}

func TestConfigureIdempotent(t *testing.T) {
	c, _ := newTestConfigurator(t, "GenuineIntel")

	require.NoError(t, c.Configure(context.Background(), testUnits()))
	first := readCmdline(t, c)

	require.NoError(t, c.Configure(context.Background(), testUnits()))
	second := readCmdline(t, c)

	assert.Equal(t, first, second, "re-running must not accumulate flags")
	assert.Equal(t, 1,
		strings.Count(second, "intel_iommu=on"),
		"exactly one instance of each owned parameter")
	assert.Equal(t, 1, strings.Count(second, "vfio-pci.ids="))
}

func TestConfigureStalePriorParameters(t *testing.T) {
	c, _ := newTestConfigurator(t, "GenuineIntel")

	stale := `GRUB_CMDLINE_LINUX_DEFAULT="quiet iommu=on vfio-pci.ids=10de:9999 splash"` + "\n"
	require.NoError(t, os.WriteFile(c.GrubDefaultPath, []byte(stale), 0o644))

	require.NoError(t, c.Configure(context.Background(), testUnits()))

	cmdline := readCmdline(t, c)
	assert.NotContains(t, cmdline, "10de:9999", "prior parameter set must be removed")
	assert.Equal(t,
		"quiet splash intel_iommu=on iommu=pt vfio-pci.ids=10de:1aef,10de:2206",
		cmdline)
}

func TestConfigureMissingDefaultsFileIsFatal(t *testing.T) {
	c, _ := newTestConfigurator(t, "GenuineIntel")
	require.NoError(t, os.Remove(c.GrubDefaultPath))

	err := c.Configure(context.Background(), testUnits())
	require.ErrorIs(t, err, ErrNoBootloaderConfig)
	require.ErrorIs(t, err, &ConfigError{})
}

func TestConfigureMissingCmdlineVariableIsFatal(t *testing.T) {
	c, _ := newTestConfigurator(t, "GenuineIntel")
	require.NoError(t, os.WriteFile(c.GrubDefaultPath, []byte("GRUB_TIMEOUT=5\n"), 0o644))

	err := c.Configure(context.Background(), testUnits())
	require.ErrorIs(t, err, ErrNoCmdlineVariable)
}

func TestConfigureRegenerationFailureIsFatal(t *testing.T) {
	c, _ := newTestConfigurator(t, "GenuineIntel")
	c.runCmd = func(_ context.Context, name string, _ ...string) ([]byte, error) {
		if name == "update-grub" {
			return []byte("grub-mkconfig: error"), errors.New("exit status 1")
		}
		return nil, nil
	}

	err := c.Configure(context.Background(), testUnits())
	require.ErrorIs(t, err, &ConfigError{})
	assert.Contains(t, err.Error(), "boot-loader configuration")
}

func TestConfigureUnknownCPUVendor(t *testing.T) {
	c, _ := newTestConfigurator(t, "")

	err := c.Configure(context.Background(), testUnits())
	require.ErrorIs(t, err, &ConfigError{})
}

func TestIOMMUActive(t *testing.T) {
	t.Run("groups present", func(t *testing.T) {
		c, _ := newTestConfigurator(t, "GenuineIntel")
		require.NoError(t, os.MkdirAll(filepath.Join(c.IOMMUGroupsPath, "0"), 0o755))

		assert.True(t, c.IOMMUActive(context.Background()))
	})

	t.Run("boot messages", func(t *testing.T) {
		c, _ := newTestConfigurator(t, "GenuineIntel")
		c.runCmd = func(_ context.Context, name string, _ ...string) ([]byte, error) {
			require.Equal(t, "dmesg", name)
			return []byte("[    0.042] DMAR: IOMMU enabled\n"), nil
		}

		assert.True(t, c.IOMMUActive(context.Background()))
	})

	t.Run("inactive", func(t *testing.T) {
		c, _ := newTestConfigurator(t, "GenuineIntel")

		assert.False(t, c.IOMMUActive(context.Background()))
	})
}
