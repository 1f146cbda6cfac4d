// Package service installs the relay hub as a system service.
// It supports systemd on Linux, launchd on macOS, and the Service Control
// Manager on Windows.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

var (
	ErrNotPrivileged    = errors.New("must run as root/administrator")
	ErrNotSupported     = errors.New("service management is not supported on this platform")
	ErrAlreadyInstalled = errors.New("service is already installed")
	ErrNotInstalled     = errors.New("service is not installed")
)

// Runner is what the service manager starts and stops. *hub.Hub satisfies
// it; a Runner that also has Reload() error is reloaded on SCM parameter
// change requests.
type Runner interface {
	Start() error
	StopWithContext(ctx context.Context) error
}

// Config holds configuration for installing the service.
type Config struct {
	// Name is the service name (systemd unit, launchd label suffix, SCM name)
	Name string

	// DisplayName is the human-readable name (Windows only)
	DisplayName string

	Description string

	// ConfigPath is the absolute path passed to "relayhub run -c"
	ConfigPath string

	// WorkingDir is the working directory for the service
	WorkingDir string

	// DataDir must stay writable under systemd's ProtectSystem=strict.
	DataDir string

	// User and Group to run as (Linux only, empty for root)
	User  string
	Group string
}

// DefaultConfig returns a service configuration for the given config file.
// A relative dataDir is taken relative to the config file's directory.
func DefaultConfig(configPath, dataDir string) Config {
	absPath, _ := filepath.Abs(configPath)
	workDir := filepath.Dir(absPath)

	if dataDir == "" {
		dataDir = workDir
	} else if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(workDir, dataDir)
	}

	return Config{
		Name:        "relayhub",
		DisplayName: "Relay Hub",
		Description: "Command relay hub for game server agents",
		ConfigPath:  absPath,
		WorkingDir:  workDir,
		DataDir:     filepath.Clean(dataDir),
	}
}

// IsPrivileged reports whether the process may install system services.
func IsPrivileged() bool {
	return isPrivilegedImpl()
}

// Install registers and starts the hub as a system service running the
// current executable.
func Install(cfg Config) error {
	if !IsSupported() {
		return ErrNotSupported
	}
	if !IsPrivileged() {
		return fmt.Errorf("%w to install service", ErrNotPrivileged)
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	return installImpl(cfg, execPath)
}

// Uninstall stops and removes the system service.
func Uninstall(name string) error {
	if !IsSupported() {
		return ErrNotSupported
	}
	if !IsPrivileged() {
		return fmt.Errorf("%w to uninstall service", ErrNotPrivileged)
	}
	return uninstallImpl(name)
}

// Status returns the service manager's view of the service, e.g. "running".
func Status(name string) (string, error) {
	return statusImpl(name)
}

func IsInstalled(name string) bool {
	return isInstalledImpl(name)
}

// IsSupported returns true if service installation is supported on this platform.
func IsSupported() bool {
	return runtime.GOOS == "linux" || runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}

// IsInteractive returns false when the process was started by the Windows
// Service Control Manager. systemd and launchd run the hub as a normal
// process, so it is always true elsewhere.
func IsInteractive() bool {
	return isInteractiveImpl()
}

// Run hands the runner to the Windows Service Control Manager and blocks
// until the service is stopped. Elsewhere it returns ErrNotSupported.
func Run(name string, runner Runner) error {
	return runImpl(name, runner)
}

// runCommand executes a command and returns combined output.
func runCommand(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}
