// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"flag"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/aibor/vfiosetup/internal/state"
)

// Set on build.
var version = "dev"

// Flags holds all CLI inputs. Defaults can be overridden through
// VFIOSETUP_* environment variables, typically set via the env file.
type Flags struct {
	name string

	// APIKey is the positional argument.
	APIKey string

	ServiceURL    string
	BinaryPath    string
	TestMode      bool
	AutoReboot    bool
	InstallDriver bool

	StateFile      string
	CapabilityFile string
	KeyDir         string
	RunDir         string
	BaseImage      string
	ImageURL       string
	QEMUBin        string
	OVMFCode       string
	OVMFVars       string
	ResumeUnit     string
	AgentUnit      string

	versionFlag bool
	debugFlag   bool
	flagSet     *flag.FlagSet
}

// NewFlags creates the flag set with environment-backed defaults.
func NewFlags(name string, output io.Writer) *Flags {
	flags := &Flags{
		name:           name,
		ServiceURL:     envOr("VFIOSETUP_SERVICE_URL", "https://api.vfiosetup.io"),
		BinaryPath:     envOr("VFIOSETUP_AGENT_BINARY", "/usr/local/bin/vfiosetup-agent"),
		StateFile:      envOr("VFIOSETUP_STATE_FILE", "/var/lib/vfiosetup/install-state.yaml"),
		CapabilityFile: envOr("VFIOSETUP_CAPABILITY_FILE", "/var/lib/vfiosetup/capabilities.yaml"),
		KeyDir:         envOr("VFIOSETUP_KEY_DIR", "/var/lib/vfiosetup/ssh"),
		RunDir:         envOr("VFIOSETUP_RUN_DIR", "/run/vfiosetup"),
		BaseImage:      envOr("VFIOSETUP_BASE_IMAGE", "/var/lib/vfiosetup/images/base.qcow2"),
		ImageURL:       envOr("VFIOSETUP_IMAGE_URL", ""),
		QEMUBin:        envOr("VFIOSETUP_QEMU_BIN", "qemu-system-x86_64"),
		OVMFCode:       envOr("VFIOSETUP_OVMF_CODE", "/usr/share/OVMF/OVMF_CODE.fd"),
		OVMFVars:       envOr("VFIOSETUP_OVMF_VARS", "/usr/share/OVMF/OVMF_VARS.fd"),
		ResumeUnit:     envOr("VFIOSETUP_RESUME_UNIT", "/etc/systemd/system/vfiosetup-resume.service"),
		AgentUnit:      envOr("VFIOSETUP_AGENT_UNIT", "vfiosetup-agent.service"),
	}

	flags.initFlagset(output)

	return flags
}

func (f *Flags) initFlagset(output io.Writer) {
	fsName := f.name + " [flags...] api-key"
	fs := flag.NewFlagSet(fsName, flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(
		&f.ServiceURL,
		"service-url",
		f.ServiceURL,
		"management service endpoint",
	)

	fs.StringVar(
		&f.BinaryPath,
		"agent-binary",
		f.BinaryPath,
		"path to the management agent binary",
	)

	fs.BoolVar(
		&f.TestMode,
		"test-mode",
		f.TestMode,
		"validate passthrough but skip the agent hand-over",
	)

	fs.BoolVar(
		&f.AutoReboot,
		"reboot",
		f.AutoReboot,
		"reboot without asking when the install needs it",
	)

	fs.BoolVar(
		&f.InstallDriver,
		"install-driver",
		f.InstallDriver,
		"allow a one-shot NVIDIA driver install inside the test guest",
	)

	fs.StringVar(
		&f.StateFile,
		"state-file",
		f.StateFile,
		"install state file carrying progress across the reboot",
	)

	fs.StringVar(
		&f.BaseImage,
		"base-image",
		f.BaseImage,
		"golden qcow2 base image for test guests",
	)

	fs.StringVar(
		&f.ImageURL,
		"image-url",
		f.ImageURL,
		"URL to download the base image from if missing",
	)

	fs.StringVar(
		&f.QEMUBin,
		"qemu-bin",
		f.QEMUBin,
		"QEMU binary to use",
	)

	fs.StringVar(
		&f.OVMFCode,
		"ovmf-code",
		f.OVMFCode,
		"OVMF firmware code image",
	)

	fs.StringVar(
		&f.OVMFVars,
		"ovmf-vars",
		f.OVMFVars,
		"OVMF firmware variables template",
	)

	fs.StringVar(
		&f.RunDir,
		"run-dir",
		f.RunDir,
		"directory for per-run guest state",
	)

	fs.StringVar(
		&f.KeyDir,
		"key-dir",
		f.KeyDir,
		"directory for the guest management SSH keys",
	)

	fs.BoolVar(
		&f.debugFlag,
		"debug",
		f.debugFlag,
		"enable debug output",
	)

	fs.BoolVar(
		&f.versionFlag,
		"version",
		f.versionFlag,
		"show version and exit",
	)

	f.flagSet = fs
}

// Fail fails like flag does. It prints the error first and then usage.
func (f *Flags) Fail(msg string, err error) error {
	err = &ParseArgsError{msg: msg, err: err}
	fmt.Fprintln(f.flagSet.Output(), err.Error())

	f.flagSet.Usage()

	return err
}

func (f *Flags) Debug() bool {
	return f.debugFlag
}

func (f *Flags) printVersionInformation() error {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return ErrReadBuildInfo
	}

	fmt.Fprintf(f.flagSet.Output(), "%s: %s\n\n", f.name, version)
	fmt.Fprintln(f.flagSet.Output(), buildInfo.String())

	return ErrHelp
}

// ParseArgs parses the command line. The API key is the single
// positional argument. It may be omitted only for a resumed install,
// where the key comes from the state file instead.
func (f *Flags) ParseArgs(args []string) error {
	if err := f.flagSet.Parse(args); err != nil {
		return &ParseArgsError{msg: "flag parse", err: err}
	}

	// With the version flag, just print the version and exit. Via
	// [ErrHelp] the main binary exits with a non-error code, while a
	// binary without build info reports the failure.
	if f.versionFlag {
		err := f.printVersionInformation()
		return &ParseArgsError{msg: "version requested", err: err}
	}

	positionalArgs := f.flagSet.Args()

	if len(positionalArgs) > 1 {
		return f.Fail("too many arguments", nil)
	}

	if len(positionalArgs) == 1 {
		f.APIKey = positionalArgs[0]
		return nil
	}

	if !state.Exists(f.StateFile) {
		return f.Fail("no API key given", nil)
	}

	return nil
}
