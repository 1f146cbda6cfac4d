//go:build darwin

package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var launchdPlistDir = "/Library/LaunchDaemons"

func label(name string) string {
	return "com." + name
}

func plistPath(name string) string {
	return filepath.Join(launchdPlistDir, label(name)+".plist")
}

func isPrivilegedImpl() bool {
	return os.Getuid() == 0
}

func installImpl(cfg Config, execPath string) error {
	path := plistPath(cfg.Name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyInstalled, path)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(generateLaunchdPlist(cfg, execPath)), 0644); err != nil {
		return fmt.Errorf("failed to write launchd plist file: %w", err)
	}
	fmt.Printf("Created launchd plist: %s\n", path)

	if output, err := runCommand("launchctl", "load", "-w", path); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to load service: %s: %w", strings.TrimSpace(output), err)
	}
	fmt.Printf("Loaded service: %s\n", label(cfg.Name))

	return nil
}

func uninstallImpl(name string) error {
	path := plistPath(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}

	if output, err := runCommand("launchctl", "unload", "-w", path); err != nil {
		if !strings.Contains(output, "Could not find specified service") {
			fmt.Printf("Note: could not unload service: %s\n", strings.TrimSpace(output))
		}
	} else {
		fmt.Printf("Unloaded service: %s\n", label(name))
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove launchd plist file: %w", err)
	}
	fmt.Printf("Removed launchd plist: %s\n", path)

	return nil
}

func statusImpl(name string) (string, error) {
	if !isInstalledImpl(name) {
		return "not installed", nil
	}

	output, err := runCommand("launchctl", "list", label(name))
	if err != nil {
		return "stopped", nil
	}
	return parseLaunchctlList(output), nil
}

// parseLaunchctlList reads the PID entry of "launchctl list <label>".
func parseLaunchctlList(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, `"PID" =`) {
			return "running"
		}
	}
	return "stopped"
}

func isInstalledImpl(name string) bool {
	_, err := os.Stat(plistPath(name))
	return err == nil
}

func isInteractiveImpl() bool {
	return true
}

func runImpl(name string, runner Runner) error {
	return ErrNotSupported
}

func generateLaunchdPlist(cfg Config, execPath string) string {
	logPath := filepath.Join(cfg.DataDir, cfg.Name+".log")

	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>%s</string>
    <key>ProgramArguments</key>
    <array>
        <string>%s</string>
        <string>run</string>
        <string>-c</string>
        <string>%s</string>
    </array>
    <key>WorkingDirectory</key>
    <string>%s</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>%s</string>
    <key>StandardErrorPath</key>
    <string>%s</string>
</dict>
</plist>
`, label(cfg.Name), execPath, cfg.ConfigPath, cfg.WorkingDir, logPath, logPath)
}
