//go:build linux

package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// systemdUnitDir is a variable so tests can point it at a temp dir.
var systemdUnitDir = "/etc/systemd/system"

func unitPath(name string) string {
	return filepath.Join(systemdUnitDir, name+".service")
}

func isPrivilegedImpl() bool {
	return os.Getuid() == 0
}

func installImpl(cfg Config, execPath string) error {
	path := unitPath(cfg.Name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyInstalled, path)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(generateSystemdUnit(cfg, execPath)), 0644); err != nil {
		return fmt.Errorf("failed to write systemd unit file: %w", err)
	}
	fmt.Printf("Created systemd unit: %s\n", path)

	if output, err := runCommand("systemctl", "daemon-reload"); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to reload systemd: %s: %w", strings.TrimSpace(output), err)
	}

	if output, err := runCommand("systemctl", "enable", "--now", cfg.Name); err != nil {
		return fmt.Errorf("failed to enable service: %s: %w", strings.TrimSpace(output), err)
	}
	fmt.Printf("Enabled and started service: %s\n", cfg.Name)

	return nil
}

func uninstallImpl(name string) error {
	path := unitPath(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}

	if output, err := runCommand("systemctl", "disable", "--now", name); err != nil {
		if !strings.Contains(output, "not loaded") {
			fmt.Printf("Note: could not stop service: %s\n", strings.TrimSpace(output))
		}
	} else {
		fmt.Printf("Stopped and disabled service: %s\n", name)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove systemd unit file: %w", err)
	}
	fmt.Printf("Removed systemd unit: %s\n", path)

	if _, err := runCommand("systemctl", "daemon-reload"); err != nil {
		fmt.Println("Note: failed to reload systemd daemon")
	}
	runCommand("systemctl", "reset-failed", name)

	return nil
}

func statusImpl(name string) (string, error) {
	if !isInstalledImpl(name) {
		return "not installed", nil
	}

	output, err := runCommand("systemctl", "is-active", name)
	status := strings.TrimSpace(output)
	if err != nil {
		// is-active exits non-zero for every state but "active".
		if status == "inactive" || status == "failed" || status == "unknown" {
			return status, nil
		}
		return "", fmt.Errorf("failed to get service status: %w", err)
	}
	return status, nil
}

func isInstalledImpl(name string) bool {
	_, err := os.Stat(unitPath(name))
	return err == nil
}

func isInteractiveImpl() bool {
	return true
}

func runImpl(name string, runner Runner) error {
	return ErrNotSupported
}

// generateSystemdUnit renders the unit file. The hub reloads its
// configuration and secret on SIGHUP, which backs "systemctl reload".
func generateSystemdUnit(cfg Config, execPath string) string {
	var b strings.Builder

	fmt.Fprintf(&b, `[Unit]
Description=%s
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s run -c %s
ExecReload=/bin/kill -HUP $MAINPID
WorkingDirectory=%s
`, cfg.Description, execPath, cfg.ConfigPath, cfg.WorkingDir)

	if cfg.User != "" {
		fmt.Fprintf(&b, "User=%s\n", cfg.User)
	}
	if cfg.Group != "" {
		fmt.Fprintf(&b, "Group=%s\n", cfg.Group)
	}

	fmt.Fprintf(&b, `Restart=on-failure
RestartSec=5
TimeoutStopSec=30
LimitNOFILE=65536

# Security hardening
NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=read-only
PrivateTmp=true
ReadWritePaths=%s

StandardOutput=journal
StandardError=journal
SyslogIdentifier=%s

[Install]
WantedBy=multi-user.target
`, cfg.DataDir, cfg.Name)

	return b.String()
}
