//go:build windows

package service

import (
	"testing"

	"golang.org/x/sys/windows/svc"
)

func TestStateName(t *testing.T) {
	tests := []struct {
		state svc.State
		want  string
	}{
		{svc.Stopped, "stopped"},
		{svc.StartPending, "starting"},
		{svc.StopPending, "stopping"},
		{svc.Running, "running"},
		{svc.Paused, "paused"},
	}
	for _, tc := range tests {
		if got := stateName(tc.state); got != tc.want {
			t.Errorf("stateName(%d) = %q, want %q", tc.state, got, tc.want)
		}
	}
}

func TestIsInteractive(t *testing.T) {
	// go test is never started by the service control manager.
	if !IsInteractive() {
		t.Error("IsInteractive() = false under go test")
	}
}
