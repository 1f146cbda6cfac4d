// Package main provides the CLI entry point for the relay hub.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/relayhub/internal/config"
	"github.com/postalsys/relayhub/internal/control"
	"github.com/postalsys/relayhub/internal/hub"
	"github.com/postalsys/relayhub/internal/secret"
	"github.com/postalsys/relayhub/internal/service"
	"github.com/postalsys/relayhub/internal/sysinfo"
	"github.com/postalsys/relayhub/internal/wizard"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relayhub",
		Short: "Relay hub - route chat commands to game server agents",
		Long: `relayhub accepts connections from game server agents, lets them
register slash commands, and relays invocations from chat front ends
to the agent that serves them.

Agents authenticate with a shared secret. Repeated failures from one
address lead to escalating IP bans.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(secretCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(commandsCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(invokeCmd())
	rootCmd.AddCommand(selectCmd())
	rootCmd.AddCommand(bansCmd())
	rootCmd.AddCommand(unbanCmd())
	rootCmd.AddCommand(reloadCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(serviceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func initCmd() *cobra.Command {
	var (
		dataDir        string
		configPath     string
		nonInteractive bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new hub",
		Long: `Initialize a new hub by writing a configuration file and creating the
shared secret. Runs an interactive wizard when attached to a terminal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !nonInteractive && isInteractive() {
				_, err := wizard.New().Run()
				return err
			}

			a := wizard.DefaultAnswers()
			a.DataDir = dataDir
			a.ConfigPath = configPath

			res, err := wizard.Apply(a)
			if err != nil {
				return fmt.Errorf("failed to initialize hub: %w", err)
			}

			fmt.Printf("Hub initialized in %s\n", res.DataDir)
			fmt.Printf("Config file:   %s\n", res.ConfigPath)
			fmt.Printf("Shared secret: %s\n", res.Secret)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")
	cmd.Flags().StringVarP(&configPath, "config", "c", "./relayhub.yaml", "Path of the configuration file to write")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Use defaults instead of the setup wizard")

	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the hub",
		Long: `Start the hub with the specified configuration.

SIGHUP reloads the configuration and shared secret. SIGINT and SIGTERM
shut down gracefully.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			proc, err := newHubProcess(cfg, configPath)
			if err != nil {
				return err
			}

			if !service.IsInteractive() {
				return service.Run(serviceName, proc)
			}

			fmt.Println("Starting relay hub...")

			if err := proc.Start(); err != nil {
				return err
			}
			proc.printAddresses()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(sigCh)

			for sig := range sigCh {
				if sig == syscall.SIGHUP {
					if err := proc.Reload(); err != nil {
						fmt.Fprintf(os.Stderr, "Reload failed: %v\n", err)
					} else {
						fmt.Println(proc.hub.Messages().ReloadSuccess)
					}
					continue
				}

				fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
				break
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := proc.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Hub stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./relayhub.yaml", "Path to configuration file")

	return cmd
}

// hubProcess is the hub plus its control socket, started and stopped as
// one unit by "run" and by the Windows service manager.
type hubProcess struct {
	cfg *config.Config
	hub *hub.Hub
	ctl *control.Server
}

func newHubProcess(cfg *config.Config, configPath string) (*hubProcess, error) {
	h, err := hub.New(cfg, hub.Options{ConfigPath: configPath})
	if err != nil {
		return nil, fmt.Errorf("failed to create hub: %w", err)
	}

	p := &hubProcess{cfg: cfg, hub: h}
	if cfg.Control.Enabled {
		ctlCfg := control.DefaultServerConfig()
		ctlCfg.SocketPath = cfg.Control.SocketPath
		ctlCfg.RequestTimeout = cfg.Requests.Timeout
		p.ctl = control.NewServer(ctlCfg, h)
	}
	return p, nil
}

func (p *hubProcess) Start() error {
	if err := p.hub.Start(); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}
	if p.ctl != nil {
		if err := p.ctl.Start(); err != nil {
			p.hub.Stop()
			return fmt.Errorf("failed to start control socket: %w", err)
		}
	}
	return nil
}

func (p *hubProcess) Reload() error {
	return p.hub.Reload()
}

func (p *hubProcess) StopWithContext(ctx context.Context) error {
	if p.ctl != nil {
		p.ctl.Stop()
	}
	return p.hub.StopWithContext(ctx)
}

func (p *hubProcess) printAddresses() {
	if p.ctl != nil {
		fmt.Printf("Control socket: %s\n", p.ctl.SocketPath())
	}
	fmt.Printf("Agent listener: %s\n", p.hub.ListenerAddress())
	if addr := p.hub.WebSocketAddress(); addr != "" {
		fmt.Printf("WebSocket listener: ws://%s%s\n", addr, p.cfg.WebSocket.Path)
	}
	if addr := p.hub.HealthServerAddress(); addr != nil {
		fmt.Printf("Health server: http://%s/health\n", addr)
	}
}

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage the shared secret",
	}
	cmd.AddCommand(secretShowCmd(), secretRotateCmd(), secretHashCmd())
	return cmd
}

func secretShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the shared secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Auth.SecretHash != "" {
				return fmt.Errorf("only a bcrypt hash of the secret is configured")
			}

			code, err := secret.Load(cfg.SecretPath())
			if err != nil {
				return err
			}
			fmt.Println(code)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./relayhub.yaml", "Path to configuration file")
	return cmd
}

func secretRotateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Generate and store a new shared secret",
		Long: `Generate and store a new shared secret. A running hub picks it up on
reload; connected agents stay authenticated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			code, err := secret.Generate()
			if err != nil {
				return err
			}
			if err := secret.Store(cfg.SecretPath(), code); err != nil {
				return err
			}

			fmt.Printf("New shared secret: %s\n", successStyle.Render(code))
			if cfg.Auth.SecretHash != "" {
				fmt.Println("Note: auth.secret_hash is set and takes precedence over the secret file.")
			}
			fmt.Println("Run 'relayhub reload' to apply it.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./relayhub.yaml", "Path to configuration file")
	return cmd
}

func secretHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash [secret]",
		Short: "Print a bcrypt hash for auth.secret_hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var code string
			switch {
			case len(args) == 1:
				code = args[0]
			case term.IsTerminal(int(os.Stdin.Fd())):
				fmt.Fprint(os.Stderr, "Secret: ")
				b, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return err
				}
				code = string(b)
			default:
				return fmt.Errorf("secret argument required")
			}

			hash, err := secret.HashSecret(code)
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}
