//go:build !linux && !windows && !darwin

package service

func isPrivilegedImpl() bool {
	return false
}

func installImpl(cfg Config, execPath string) error {
	return ErrNotSupported
}

func uninstallImpl(name string) error {
	return ErrNotSupported
}

func statusImpl(name string) (string, error) {
	return "", ErrNotSupported
}

func isInstalledImpl(name string) bool {
	return false
}

func isInteractiveImpl() bool {
	return true
}

func runImpl(name string, runner Runner) error {
	return ErrNotSupported
}
