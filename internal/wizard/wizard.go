// Package wizard provides an interactive setup wizard for the relay hub.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/relayhub/internal/config"
	"github.com/postalsys/relayhub/internal/secret"
)

// Secret modes offered by the wizard.
const (
	SecretGenerate = "generate"
	SecretCustom   = "custom"
	SecretHash     = "hash"
)

// Answers holds everything the wizard asks for.
type Answers struct {
	DataDir    string
	ConfigPath string

	ListenAddress  string
	MaxConnections int

	WebSocketEnabled bool
	WebSocketAddress string
	WebSocketPath    string

	SecretMode string
	SecretCode string // empty for SecretGenerate

	RequestTimeout time.Duration
	SelectionTTL   time.Duration

	LogLevel       string
	HealthEnabled  bool
	ControlEnabled bool
}

// DefaultAnswers returns the values the forms start with.
func DefaultAnswers() Answers {
	def := config.Default()
	return Answers{
		DataDir:          "./data",
		ConfigPath:       "./relayhub.yaml",
		ListenAddress:    def.Listener.Address,
		MaxConnections:   def.Listener.MaxConnections,
		WebSocketAddress: def.WebSocket.Address,
		WebSocketPath:    def.WebSocket.Path,
		SecretMode:       SecretGenerate,
		RequestTimeout:   def.Requests.Timeout,
		SelectionTTL:     def.Requests.SelectionTTL,
		LogLevel:         "info",
		HealthEnabled:    true,
		ControlEnabled:   true,
	}
}

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	DataDir    string

	// Secret is the plain shared secret. It is shown once and is only
	// stored on disk when the mode is not SecretHash.
	Secret string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := DefaultAnswers()

	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}
	if err := w.askListener(&a); err != nil {
		return nil, err
	}
	if err := w.askSecret(&a); err != nil {
		return nil, err
	}
	if err := w.askRequests(&a); err != nil {
		return nil, err
	}
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	res, err := Apply(a)
	if err != nil {
		return nil, err
	}

	w.printSummary(res)
	return res, nil
}

// Apply builds the configuration from a, provisions the shared secret and
// writes the configuration file.
func Apply(a Answers) (*Result, error) {
	cfg := buildConfig(a)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	code, err := provisionSecret(cfg, a)
	if err != nil {
		return nil, err
	}

	if err := writeConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
		DataDir:    a.DataDir,
		Secret:     code,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  ____      _             _   _       _
 |  _ \ ___| | __ _ _   _| | | |_   _| |__
 | |_) / _ \ |/ _' | | | | |_| | | | | '_ \
 |  _ <  __/ | (_| | |_| |  _  | |_| | |_) |
 |_| \_\___|_|\__,_|\__, |_| |_|\__,_|_.__/
                    |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Command Relay Hub - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure the essential paths for your hub."),

			huh.NewInput().
				Title("Data Directory").
				Description("Where to store the shared secret and ban records").
				Placeholder("./data").
				Value(&a.DataDir).
				Validate(required("data directory")),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./relayhub.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askListener(a *Answers) error {
	maxConns := strconv.Itoa(a.MaxConnections)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Agent Listener").
				Description("Agents connect here with length-prefixed frames."),

			huh.NewInput().
				Title("Listen Address").
				Placeholder("0.0.0.0:8086").
				Value(&a.ListenAddress).
				Validate(validateAddress),

			huh.NewInput().
				Title("Max Connections").
				Description("0 for unlimited").
				Value(&maxConns).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 0 {
						return fmt.Errorf("must be a non-negative number")
					}
					return nil
				}),

			huh.NewConfirm().
				Title("Enable WebSocket listener?").
				Description("For agents behind HTTP proxies").
				Value(&a.WebSocketEnabled),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	a.MaxConnections, _ = strconv.Atoi(maxConns)

	if !a.WebSocketEnabled {
		return nil
	}

	wsForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("WebSocket Address").
				Placeholder("0.0.0.0:8087").
				Value(&a.WebSocketAddress).
				Validate(validateAddress),

			huh.NewInput().
				Title("WebSocket Path").
				Placeholder("/agent").
				Value(&a.WebSocketPath).
				Validate(func(s string) error {
					if !strings.HasPrefix(s, "/") {
						return fmt.Errorf("path must start with /")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	return wsForm.Run()
}

func (w *Wizard) askSecret(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Shared Secret").
				Description("Agents present this secret when they register."),

			huh.NewSelect[string]().
				Title("Secret").
				Options(
					huh.NewOption("Generate a random secret (Recommended)", SecretGenerate),
					huh.NewOption("Enter my own secret", SecretCustom),
					huh.NewOption("Enter my own secret, store only a bcrypt hash", SecretHash),
				).
				Value(&a.SecretMode),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if a.SecretMode == SecretGenerate {
		return nil
	}

	codeForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Secret").
				EchoMode(huh.EchoModePassword).
				Value(&a.SecretCode).
				Validate(validateSecret),
		),
	).WithTheme(w.theme)

	return codeForm.Run()
}

func (w *Wizard) askRequests(a *Answers) error {
	timeout := a.RequestTimeout.String()
	ttl := a.SelectionTTL.String()

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Requests").
				Description("How long callers wait for agents."),

			huh.NewInput().
				Title("Response Timeout").
				Description("e.g. 10s").
				Value(&timeout).
				Validate(validateDuration),

			huh.NewInput().
				Title("Server Selection Lifetime").
				Description("How long a pending server choice stays valid").
				Value(&ttl).
				Validate(validateDuration),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	a.RequestTimeout, _ = time.ParseDuration(timeout)
	a.SelectionTTL, _ = time.ParseDuration(ttl)
	return nil
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.HealthEnabled),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Unix socket for CLI commands (status, invoke, bans)").
				Value(&a.ControlEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func buildConfig(a Answers) *config.Config {
	cfg := config.Default()

	cfg.Hub.DataDir = a.DataDir
	cfg.Hub.LogLevel = a.LogLevel
	cfg.Hub.LogFormat = "text"

	cfg.Listener.Address = a.ListenAddress
	cfg.Listener.MaxConnections = a.MaxConnections

	cfg.WebSocket.Enabled = a.WebSocketEnabled
	if a.WebSocketEnabled {
		cfg.WebSocket.Address = a.WebSocketAddress
		cfg.WebSocket.Path = a.WebSocketPath
	}

	if a.RequestTimeout > 0 {
		cfg.Requests.Timeout = a.RequestTimeout
	}
	if a.SelectionTTL > 0 {
		cfg.Requests.SelectionTTL = a.SelectionTTL
	}

	cfg.Health.Enabled = a.HealthEnabled
	if a.HealthEnabled {
		cfg.Health.Address = ":8080"
	}

	cfg.Control.Enabled = a.ControlEnabled
	if a.ControlEnabled {
		cfg.Control.SocketPath = filepath.Join(a.DataDir, "control.sock")
	}

	return cfg
}

// provisionSecret stores or hashes the shared secret and returns the plain
// code.
func provisionSecret(cfg *config.Config, a Answers) (string, error) {
	code := strings.TrimSpace(a.SecretCode)

	switch a.SecretMode {
	case SecretCustom:
		if err := validateSecret(code); err != nil {
			return "", err
		}
		if err := secret.Store(cfg.SecretPath(), code); err != nil {
			return "", err
		}
		return code, nil

	case SecretHash:
		if err := validateSecret(code); err != nil {
			return "", err
		}
		hash, err := secret.HashSecret(code)
		if err != nil {
			return "", err
		}
		cfg.Auth.SecretHash = hash
		return code, nil

	default:
		code, _, err := secret.LoadOrCreate(cfg.SecretPath())
		if err != nil {
			return "", fmt.Errorf("failed to initialize shared secret: %w", err)
		}
		return code, nil
	}
}

func writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# Relay hub configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(res *Result) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	cfg := res.Config

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", res.ConfigPath)
	fmt.Printf("  Data dir:     %s\n", cfg.Hub.DataDir)
	fmt.Printf("  Listener:     tcp://%s\n", cfg.Listener.Address)
	if cfg.WebSocket.Enabled {
		fmt.Printf("  WebSocket:    ws://%s%s\n", cfg.WebSocket.Address, cfg.WebSocket.Path)
	}
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}
	fmt.Println()

	fmt.Printf("  Shared secret: %s\n", style.Render(res.Secret))
	if cfg.Auth.SecretHash != "" {
		fmt.Println("  Only its bcrypt hash was saved. Keep a copy now.")
	}

	fmt.Println()
	fmt.Println("  To start the hub:")
	fmt.Printf("    relayhub run -c %s\n", res.ConfigPath)
	fmt.Println()
}

func required(what string) func(string) error {
	return func(s string) error {
		if s == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateAddress(s string) error {
	_, port, err := net.SplitHostPort(s)
	if err != nil {
		return err
	}
	if port == "" {
		return fmt.Errorf("port is required")
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	return nil
}

func validateSecret(s string) error {
	s = strings.TrimSpace(s)
	if len(s) < 6 {
		return fmt.Errorf("secret must be at least 6 characters")
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return fmt.Errorf("secret must not contain whitespace")
	}
	return nil
}
