//go:build linux

package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testConfig() Config {
	return Config{
		Name:        "relayhub",
		Description: "Command relay hub for game server agents",
		ConfigPath:  "/etc/relayhub/relayhub.yaml",
		WorkingDir:  "/etc/relayhub",
		DataDir:     "/var/lib/relayhub",
	}
}

func TestGenerateSystemdUnit(t *testing.T) {
	unit := generateSystemdUnit(testConfig(), "/usr/local/bin/relayhub")

	want := []string{
		"[Unit]",
		"[Service]",
		"[Install]",
		"Description=Command relay hub for game server agents",
		"ExecStart=/usr/local/bin/relayhub run -c /etc/relayhub/relayhub.yaml",
		"ExecReload=/bin/kill -HUP $MAINPID",
		"WorkingDirectory=/etc/relayhub",
		"ReadWritePaths=/var/lib/relayhub",
		"ProtectSystem=strict",
		"NoNewPrivileges=true",
		"Restart=on-failure",
		"SyslogIdentifier=relayhub",
		"WantedBy=multi-user.target",
	}
	for _, s := range want {
		if !strings.Contains(unit, s) {
			t.Errorf("unit file missing %q", s)
		}
	}

	if strings.Contains(unit, "User=") || strings.Contains(unit, "Group=") {
		t.Error("unit file should not set User/Group by default")
	}
}

func TestGenerateSystemdUnit_UserGroup(t *testing.T) {
	cfg := testConfig()
	cfg.User = "relay"
	cfg.Group = "games"

	unit := generateSystemdUnit(cfg, "/usr/local/bin/relayhub")

	if !strings.Contains(unit, "User=relay\n") {
		t.Error("unit file missing User")
	}
	if !strings.Contains(unit, "Group=games\n") {
		t.Error("unit file missing Group")
	}
}

func TestIsInstalled(t *testing.T) {
	old := systemdUnitDir
	systemdUnitDir = t.TempDir()
	t.Cleanup(func() { systemdUnitDir = old })

	if IsInstalled("relayhub") {
		t.Fatal("IsInstalled() = true before the unit exists")
	}
	if status, err := Status("relayhub"); err != nil || status != "not installed" {
		t.Errorf("Status() = %q, %v", status, err)
	}

	path := filepath.Join(systemdUnitDir, "relayhub.service")
	if err := os.WriteFile(path, []byte("[Unit]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if !IsInstalled("relayhub") {
		t.Error("IsInstalled() = false after writing the unit")
	}
}

func TestInstallAlreadyInstalled(t *testing.T) {
	old := systemdUnitDir
	systemdUnitDir = t.TempDir()
	t.Cleanup(func() { systemdUnitDir = old })

	if err := os.WriteFile(unitPath("relayhub"), []byte("[Unit]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.DataDir = t.TempDir()
	err := installImpl(cfg, "/usr/local/bin/relayhub")
	if err == nil || !strings.Contains(err.Error(), ErrAlreadyInstalled.Error()) {
		t.Errorf("installImpl() error = %v, want already installed", err)
	}
}

func TestUninstallNotInstalled(t *testing.T) {
	old := systemdUnitDir
	systemdUnitDir = t.TempDir()
	t.Cleanup(func() { systemdUnitDir = old })

	if err := uninstallImpl("relayhub"); err == nil {
		t.Error("uninstallImpl() should fail when no unit exists")
	}
}
