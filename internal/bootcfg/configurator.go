// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package bootcfg rewrites the boot-loader and kernel module
// configuration so the IOMMU and the vfio-pci driver are active after
// the next reboot.
//
// The defaults file is edited by pattern replacement, never
// regenerated, so unrelated flags survive. Re-running the rewrite on
// its own output is a no-op: prior IOMMU and VFIO parameters are
// stripped before the fresh set is appended.
package bootcfg

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"

	"github.com/aibor/vfiosetup/internal/pci"
)

// Kernel command line parameters owned by this tool. Any parameter
// starting with one of these prefixes is stripped before appending the
// freshly computed set.
var ownedParamPrefixes = []string{
	"intel_iommu=",
	"amd_iommu=",
	"iommu=",
	"vfio-pci.ids=",
	"rd.driver.pre=",
}

var cmdlinePattern = regexp.MustCompile(`(?m)^(GRUB_CMDLINE_LINUX_DEFAULT=)"(.*)"$`)

// Configurator mutates the host boot configuration. Fields default to
// the real host paths in [NewConfigurator]; tests point them at
// constructed files.
type Configurator struct {
	// GrubDefaultPath is the boot-loader defaults file.
	GrubDefaultPath string
	// ModulesLoadPath is the module autoload policy file.
	ModulesLoadPath string
	// BlacklistPath is the module blacklist policy file.
	BlacklistPath string
	// IOMMUGroupsPath is the sysfs IOMMU group directory.
	IOMMUGroupsPath string

	logger    *slog.Logger
	runCmd    func(ctx context.Context, name string, args ...string) ([]byte, error)
	cpuVendor func(ctx context.Context) (string, error)
}

// NewConfigurator creates a Configurator for the real host.
func NewConfigurator(logger *slog.Logger) *Configurator {
	return &Configurator{
		GrubDefaultPath: "/etc/default/grub",
		ModulesLoadPath: "/etc/modules-load.d/vfiosetup.conf",
		BlacklistPath:   "/etc/modprobe.d/vfiosetup-blacklist.conf",
		IOMMUGroupsPath: "/sys/kernel/iommu_groups",
		logger:          logger,
		runCmd: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
		cpuVendor: hostCPUVendor,
	}
}

// IOMMUActive reports whether hardware IOMMU isolation is active.
// Kernel boot messages and the presence of IOMMU groups are consulted;
// either source confirming activation is sufficient.
func (c *Configurator) IOMMUActive(ctx context.Context) bool {
	if entries, err := os.ReadDir(c.IOMMUGroupsPath); err == nil && len(entries) > 0 {
		return true
	}

	out, err := c.runCmd(ctx, "dmesg")
	if err != nil {
		return false
	}

	for _, marker := range []string{
		"DMAR: IOMMU enabled",
		"AMD-Vi: Interrupt remapping enabled",
		"AMD-Vi: AMD IOMMUv2",
	} {
		if strings.Contains(string(out), marker) {
			return true
		}
	}

	return false
}

// Configure rewrites the boot-loader command line and the module
// policy for the given isolation units, then regenerates the boot
// image and the boot-loader configuration. Failures are fatal, there
// is no rollback: nothing takes effect before the reboot the user has
// not performed yet.
func (c *Configurator) Configure(ctx context.Context, units [][]pci.Function) error {
	ids := deviceIDSet(units)

	iommuFlag, err := c.iommuFlag(ctx)
	if err != nil {
		return &ConfigError{Step: "cpu vendor", Err: err}
	}

	cmdline, err := c.rewriteCmdline(iommuFlag, ids)
	if err != nil {
		return err
	}

	c.logger.Info("Kernel command line rewritten",
		slog.String("cmdline", cmdline))

	if err := c.writeModulePolicy(ids); err != nil {
		return &ConfigError{Step: "module policy", Err: err}
	}

	if out, err := c.runCmd(ctx, "update-initramfs", "-u"); err != nil {
		return &ConfigError{
			Step: "regenerate boot image",
			Err:  fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))),
		}
	}

	if out, err := c.runCmd(ctx, "update-grub"); err != nil {
		return &ConfigError{
			Step: "regenerate boot-loader configuration",
			Err:  fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))),
		}
	}

	return nil
}

// rewriteCmdline edits the quoted command line variable in the
// defaults file and returns the resulting parameter string.
func (c *Configurator) rewriteCmdline(iommuFlag string, ids []string) (string, error) {
	data, err := os.ReadFile(c.GrubDefaultPath)
	if err != nil {
		return "", &ConfigError{Step: "read defaults", Err: ErrNoBootloaderConfig}
	}

	m := cmdlinePattern.FindSubmatch(data)
	if m == nil {
		return "", &ConfigError{Step: "find cmdline variable", Err: ErrNoCmdlineVariable}
	}

	params := stripOwnedParams(strings.Fields(string(m[2])))
	params = append(params, iommuFlag, "iommu=pt")
	if len(ids) > 0 {
		params = append(params, "vfio-pci.ids="+strings.Join(ids, ","))
	}

	cmdline := strings.Join(params, " ")
	replacement := []byte(`${1}"` + cmdline + `"`)
	updated := cmdlinePattern.ReplaceAll(data, replacement)

	if err := os.WriteFile(c.GrubDefaultPath, updated, 0o644); err != nil {
		return "", &ConfigError{Step: "write defaults", Err: err}
	}

	return cmdline, nil
}

func stripOwnedParams(params []string) []string {
	kept := params[:0]

	for _, param := range params {
		owned := false

		for _, prefix := range ownedParamPrefixes {
			if strings.HasPrefix(param, prefix) {
				owned = true
				break
			}
		}

		if !owned {
			kept = append(kept, param)
		}
	}

	return kept
}

// writeModulePolicy writes the autoload list for the vfio stack and
// the blacklist keeping the vendor's native drivers from binding the
// devices at boot.
func (c *Configurator) writeModulePolicy(ids []string) error {
	load := strings.Join([]string{
		"vfio",
		"vfio_iommu_type1",
		"vfio_pci",
	}, "\n") + "\n"

	if err := os.WriteFile(c.ModulesLoadPath, []byte(load), 0o644); err != nil {
		return err
	}

	var blacklist strings.Builder
	for _, mod := range []string{"nouveau", "nvidia", "nvidia_drm", "nvidia_modeset", "nvidia_uvm"} {
		fmt.Fprintf(&blacklist, "blacklist %s\n", mod)
	}
	// Make sure vfio-pci claims the devices before any late-loaded
	// vendor driver can.
	if len(ids) > 0 {
		fmt.Fprintf(&blacklist, "options vfio-pci ids=%s\n", strings.Join(ids, ","))
	}
	fmt.Fprintf(&blacklist, "softdep nvidia pre: vfio-pci\n")
	fmt.Fprintf(&blacklist, "softdep nouveau pre: vfio-pci\n")

	return os.WriteFile(c.BlacklistPath, []byte(blacklist.String()), 0o644)
}

// iommuFlag selects the activation parameter matching the host CPU.
func (c *Configurator) iommuFlag(ctx context.Context) (string, error) {
	vendor, err := c.cpuVendor(ctx)
	if err != nil {
		return "", err
	}

	switch vendor {
	case "GenuineIntel":
		return "intel_iommu=on", nil
	case "AuthenticAMD":
		return "amd_iommu=on", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrCPUVendorUnknown, vendor)
	}
}

func hostCPUVendor(ctx context.Context) (string, error) {
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return "", err
	}

	if len(infos) == 0 {
		return "", ErrCPUVendorUnknown
	}

	return infos[0].VendorID, nil
}

// deviceIDSet computes the deduplicated, sorted vendor:device set
// across all functions of all units.
func deviceIDSet(units [][]pci.Function) []string {
	seen := make(map[string]struct{})

	var ids []string

	for _, unit := range units {
		for _, fn := range unit {
			id := fn.ID()
			if _, ok := seen[id]; ok {
				continue
			}

			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids
}
