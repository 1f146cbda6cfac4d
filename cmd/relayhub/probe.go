package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/relayhub/internal/probe"
)

func probeCmd() *cobra.Command {
	var (
		transport  string
		path       string
		code       string
		serverName string
		timeout    time.Duration
		settle     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe <host:port>",
		Short: "Check that a hub accepts agent connections",
		Long: `Connect to a hub listener the way an agent does, register without
commands and report whether the shared secret was accepted.

A probe with a wrong secret counts as a failed authentication and can
get the probing address banned.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("Probing %s over %s...\n", args[0], transport)

			result := probe.Probe(context.Background(), probe.Options{
				Transport:  transport,
				Address:    args[0],
				Path:       path,
				Secret:     code,
				ServerName: serverName,
				Timeout:    timeout,
				Settle:     settle,
			})

			if !result.Success {
				printField("Result", errorStyle.Render("FAILED"))
				printField("Reason", result.ErrorDetail)
				if result.RTT > 0 {
					printField("Connect", result.RTT.Round(time.Microsecond).String())
				}
				return fmt.Errorf("probe failed")
			}

			printField("Result", successStyle.Render("OK"))
			printField("Connect", result.RTT.Round(time.Microsecond).String())
			printField("Registered", serverName)
			return nil
		},
	}

	cmd.Flags().StringVarP(&transport, "transport", "t", probe.TransportTCP, "Transport: tcp or ws")
	cmd.Flags().StringVar(&path, "path", "/agent", "WebSocket path")
	cmd.Flags().StringVar(&code, "secret", "", "Shared secret to register with")
	cmd.Flags().StringVar(&serverName, "name", "probe", "Server name to register as")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall probe timeout")
	cmd.Flags().DurationVar(&settle, "settle", time.Second, "How long to wait for a rejection after registering")

	return cmd
}
