//go:build windows

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

func isPrivilegedImpl() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}

func installImpl(cfg Config, execPath string) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to service control manager: %w", err)
	}
	defer m.Disconnect()

	if s, err := m.OpenService(cfg.Name); err == nil {
		s.Close()
		return fmt.Errorf("%w: %s", ErrAlreadyInstalled, cfg.Name)
	}

	s, err := m.CreateService(cfg.Name, execPath, mgr.Config{
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		StartType:   mgr.StartAutomatic,
	}, "run", "-c", cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	defer s.Close()
	fmt.Printf("Created Windows service: %s\n", cfg.Name)

	if err := s.Start(); err != nil {
		fmt.Printf("Note: service created but failed to start: %v\n", err)
		fmt.Println("You may need to start it manually with: net start", cfg.Name)
	} else {
		fmt.Printf("Started Windows service: %s\n", cfg.Name)
	}

	return nil
}

func uninstallImpl(name string) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to service control manager: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}
	defer s.Close()

	if status, err := s.Query(); err == nil && status.State != svc.Stopped {
		fmt.Printf("Stopping service: %s\n", name)
		if _, err := s.Control(svc.Stop); err == nil {
			deadline := time.Now().Add(30 * time.Second)
			for time.Now().Before(deadline) {
				status, err = s.Query()
				if err != nil || status.State == svc.Stopped {
					break
				}
				time.Sleep(500 * time.Millisecond)
			}
		}
	}

	if err := s.Delete(); err != nil {
		return fmt.Errorf("failed to delete service: %w", err)
	}
	fmt.Printf("Removed Windows service: %s\n", name)
	return nil
}

func statusImpl(name string) (string, error) {
	m, err := mgr.Connect()
	if err != nil {
		return "", fmt.Errorf("failed to connect to service control manager: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return "not installed", nil
	}
	defer s.Close()

	status, err := s.Query()
	if err != nil {
		return "unknown", nil
	}
	return stateName(status.State), nil
}

func stateName(state svc.State) string {
	switch state {
	case svc.Stopped:
		return "stopped"
	case svc.StartPending:
		return "starting"
	case svc.StopPending:
		return "stopping"
	case svc.Running:
		return "running"
	case svc.Paused, svc.PausePending, svc.ContinuePending:
		return "paused"
	default:
		return "unknown"
	}
}

func isInstalledImpl(name string) bool {
	m, err := mgr.Connect()
	if err != nil {
		return false
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return false
	}
	s.Close()
	return true
}

func isInteractiveImpl() bool {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return true
	}
	return !isService
}

func runImpl(name string, runner Runner) error {
	return svc.Run(name, &handler{runner: runner})
}

type reloader interface {
	Reload() error
}

// handler implements svc.Handler.
type handler struct {
	runner Runner
}

func (h *handler) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	accepts := svc.AcceptStop | svc.AcceptShutdown
	rl, canReload := h.runner.(reloader)
	if canReload {
		accepts |= svc.AcceptParamChange
	}

	changes <- svc.Status{State: svc.StartPending}

	if err := h.runner.Start(); err != nil {
		return true, 1
	}

	changes <- svc.Status{State: svc.Running, Accepts: accepts}

loop:
	for c := range r {
		switch c.Cmd {
		case svc.Interrogate:
			changes <- c.CurrentStatus
		case svc.ParamChange:
			if canReload {
				rl.Reload()
			}
		case svc.Stop, svc.Shutdown:
			break loop
		}
	}

	changes <- svc.Status{State: svc.StopPending}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := h.runner.StopWithContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return true, 2
	}
	return false, 0
}
