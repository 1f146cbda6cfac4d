//go:build darwin

package service

import (
	"strings"
	"testing"
)

func TestGenerateLaunchdPlist(t *testing.T) {
	cfg := Config{
		Name:       "relayhub",
		ConfigPath: "/etc/relayhub/relayhub.yaml",
		WorkingDir: "/etc/relayhub",
		DataDir:    "/var/lib/relayhub",
	}

	plist := generateLaunchdPlist(cfg, "/usr/local/bin/relayhub")

	want := []string{
		"<string>com.relayhub</string>",
		"<string>/usr/local/bin/relayhub</string>",
		"<string>run</string>",
		"<string>/etc/relayhub/relayhub.yaml</string>",
		"<string>/var/lib/relayhub/relayhub.log</string>",
		"<key>RunAtLoad</key>",
	}
	for _, s := range want {
		if !strings.Contains(plist, s) {
			t.Errorf("plist missing %q", s)
		}
	}
}

func TestParseLaunchctlList(t *testing.T) {
	running := "{\n\t\"LimitLoadToSessionType\" = \"System\";\n\t\"Label\" = \"com.relayhub\";\n\t\"PID\" = 4211;\n};"
	stopped := "{\n\t\"Label\" = \"com.relayhub\";\n\t\"LastExitStatus\" = 256;\n};"

	if got := parseLaunchctlList(running); got != "running" {
		t.Errorf("running output parsed as %q", got)
	}
	if got := parseLaunchctlList(stopped); got != "stopped" {
		t.Errorf("stopped output parsed as %q", got)
	}
}
