// Package sysinfo describes the host the hub runs on.
package sysinfo

import (
	"net"
	"os"
	"runtime"
)

// Version is the hub version, set at build time via ldflags.
// Example: go build -ldflags="-X github.com/postalsys/relayhub/internal/sysinfo.Version=1.0.0"
var Version = "dev"

// maxAddresses caps the address list in status output.
const maxAddresses = 10

// Host is reported by the control API's status endpoint.
type Host struct {
	Hostname    string   `json:"hostname"`
	OS          string   `json:"os"`
	Arch        string   `json:"arch"`
	Version     string   `json:"version"`
	GoVersion   string   `json:"go_version"`
	PID         int      `json:"pid"`
	IPAddresses []string `json:"ip_addresses,omitempty"`
}

// Collect gathers local host information.
func Collect() Host {
	hostname, _ := os.Hostname()

	return Host{
		Hostname:    hostname,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		Version:     Version,
		GoVersion:   runtime.Version(),
		PID:         os.Getpid(),
		IPAddresses: LocalIPs(),
	}
}

// LocalIPs returns non-loopback IPv4 addresses agents could dial.
func LocalIPs() []string {
	var ips []string

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ipv4 := ipNet.IP.To4(); ipv4 != nil {
			ips = append(ips, ipv4.String())
		}
	}

	if len(ips) > maxAddresses {
		ips = ips[:maxAddresses]
	}
	return ips
}
