package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/postalsys/relayhub/internal/config"
	"github.com/postalsys/relayhub/internal/service"
)

const serviceName = "relayhub"

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the hub as a system service",
		Long: `Install, remove or inspect the hub as a system service: a systemd unit
on Linux, a launchd daemon on macOS, or a Windows service.`,
	}
	cmd.AddCommand(serviceInstallCmd(), serviceUninstallCmd(), serviceStatusCmd())
	return cmd
}

func serviceInstallCmd() *cobra.Command {
	var (
		configPath string
		name       string
		user       string
		group      string
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install and start the hub as a system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			svcCfg := service.DefaultConfig(configPath, cfg.Hub.DataDir)
			svcCfg.Name = name
			svcCfg.User = user
			svcCfg.Group = group

			if err := service.Install(svcCfg); err != nil {
				return err
			}
			fmt.Println(successStyle.Render("Service installed: " + name))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./relayhub.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&name, "name", serviceName, "Service name")
	cmd.Flags().StringVar(&user, "user", "", "User to run the service as (Linux)")
	cmd.Flags().StringVar(&group, "group", "", "Group to run the service as (Linux)")
	return cmd
}

func serviceUninstallCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := service.Uninstall(name); err != nil {
				return err
			}
			fmt.Println(successStyle.Render("Service removed: " + name))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", serviceName, "Service name")
	return cmd
}

func serviceStatusCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the system service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := service.Status(name)
			if err != nil {
				return err
			}

			style := warnStyle
			if status == "running" || status == "active" {
				style = successStyle
			}
			printField("Service", name)
			printField("Status", style.Render(status))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", serviceName, "Service name")
	return cmd
}
