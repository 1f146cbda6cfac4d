package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/relayhub/internal/control"
	"github.com/postalsys/relayhub/internal/hub"
)

const defaultSocketPath = "./data/control.sock"

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))

	replyBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)
)

// withClient runs fn against the control socket.
func withClient(socketPath string, fn func(ctx context.Context, c *control.Client) error) error {
	c := control.NewClient(socketPath)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	return fn(ctx, c)
}

func addSocketFlag(cmd *cobra.Command, socketPath *string) {
	cmd.Flags().StringVarP(socketPath, "socket", "s", defaultSocketPath, "Path to control socket")
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(labelStyle).
		Headers(headers...)
}

func statusCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show hub status",
		Long:  "Display the current status of the running hub via its control socket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}

				state := successStyle.Render("running")
				if !st.Running {
					state = errorStyle.Render("stopped")
				}

				fmt.Println(headerStyle.Render("Relay hub"))
				printField("Status", state)
				if !st.StartedAt.IsZero() {
					printField("Started", humanize.Time(st.StartedAt))
				}
				if st.Host.Hostname != "" {
					printField("Host", fmt.Sprintf("%s (%s/%s, pid %d)", st.Host.Hostname, st.Host.OS, st.Host.Arch, st.Host.PID))
				}
				if st.Host.Version != "" {
					printField("Version", st.Host.Version)
				}
				printField("Listener", st.ListenerAddress)
				if st.WebSocketAddress != "" {
					printField("WebSocket", st.WebSocketAddress)
				}
				printField("Connections", humanize.Comma(st.Connections))
				printField("Agents", fmt.Sprintf("%d authenticated, %d sessions", st.Agents, st.Sessions))
				printField("Commands", strconv.Itoa(st.Commands))
				printField("Pending", fmt.Sprintf("%d requests, %d selections", st.PendingRequests, st.PendingSelections))
				return nil
			})
		},
	}

	addSocketFlag(cmd, &socketPath)
	return cmd
}

func printField(label, value string) {
	fmt.Printf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", label+":")), value)
}

func commandsCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "commands",
		Short: "List registered commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				resp, err := c.Commands(ctx)
				if err != nil {
					return err
				}
				if len(resp.Commands) == 0 {
					fmt.Println("No commands registered.")
					return nil
				}

				t := newTable("COMMAND", "CONTEXT", "OPTIONS", "SERVERS", "DESCRIPTION")
				for _, info := range resp.Commands {
					def := info.Definition
					opts := make([]string, 0, len(def.Options))
					for _, o := range def.Options {
						name := o.Name
						if !o.Required {
							name = "[" + name + "]"
						}
						opts = append(opts, name+":"+strings.ToLower(string(o.Type)))
					}
					t.Row(def.Name, def.Context.String(), strings.Join(opts, " "),
						strings.Join(info.Servers, ", "), def.Description)
				}
				fmt.Println(t)
				return nil
			})
		},
	}

	addSocketFlag(cmd, &socketPath)
	return cmd
}

func agentsCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List connected agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				resp, err := c.Agents(ctx)
				if err != nil {
					return err
				}
				if len(resp.Agents) == 0 {
					fmt.Println("No agents connected.")
					return nil
				}

				t := newTable("SERVER", "PLUGIN", "STATE", "ADDRESS", "TRANSPORT", "CONNECTED", "COMMANDS")
				for _, a := range resp.Agents {
					t.Row(a.ServerName, a.PluginName, a.State, a.RemoteAddr, a.Transport,
						humanize.Time(a.ConnectedAt), strconv.Itoa(len(a.Commands)))
				}
				fmt.Println(t)
				return nil
			})
		},
	}

	addSocketFlag(cmd, &socketPath)
	return cmd
}

// parseOptions turns name=value arguments into an options map.
func parseOptions(args []string) (map[string]string, error) {
	opts := make(map[string]string, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid option %q, expected name=value", arg)
		}
		opts[name] = value
	}
	return opts, nil
}

func invokeCmd() *cobra.Command {
	var (
		socketPath string
		direct     bool
		server     string
	)

	cmd := &cobra.Command{
		Use:   "invoke <command> [name=value ...]",
		Short: "Invoke a command on an agent",
		Long: `Invoke a registered command and print the agent's response.

When several servers serve the command you are asked to pick one; without
a terminal the selection id is printed for 'relayhub select'.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := parseOptions(args[1:])
			if err != nil {
				return err
			}

			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				reply, err := c.Invoke(ctx, control.InvokeRequest{
					Command: args[0],
					Options: opts,
					Direct:  direct,
				})
				if err != nil {
					return err
				}

				if reply.Kind == hub.ReplySelection {
					choice, err := chooseServer(reply, server)
					if err != nil {
						return err
					}
					if choice == "" {
						return nil
					}
					reply, err = c.Select(ctx, reply.SelectionID, choice)
					if err != nil {
						return err
					}
				}

				printReply(reply)
				return nil
			})
		},
	}

	addSocketFlag(cmd, &socketPath)
	cmd.Flags().BoolVar(&direct, "direct", false, "Invoke as from a direct message instead of a server channel")
	cmd.Flags().StringVar(&server, "server", "", "Server to pick if a selection is needed")
	return cmd
}

// chooseServer picks a candidate from a selection reply. It returns "" when
// the selection was printed for a later 'relayhub select'.
func chooseServer(reply *hub.Reply, preferred string) (string, error) {
	if preferred != "" {
		return preferred, nil
	}

	if !isInteractive() {
		fmt.Println(reply.Message)
		for _, name := range reply.Candidates {
			fmt.Printf("  - %s\n", name)
		}
		fmt.Printf("\nSelection id: %s\n", reply.SelectionID)
		fmt.Printf("Run: relayhub select %s <server>\n", reply.SelectionID)
		return "", nil
	}

	candidates := append([]string(nil), reply.Candidates...)
	sort.Strings(candidates)

	options := make([]huh.Option[string], len(candidates))
	for i, name := range candidates {
		options[i] = huh.NewOption(name, name)
	}

	var choice string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(reply.Message).
				Options(options...).
				Value(&choice),
		),
	).WithTheme(huh.ThemeDracula())

	if err := form.Run(); err != nil {
		return "", err
	}
	return choice, nil
}

func selectCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "select <selection-id> <server>",
		Short: "Choose the server for a pending selection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				reply, err := c.Select(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				printReply(reply)
				return nil
			})
		},
	}

	addSocketFlag(cmd, &socketPath)
	return cmd
}

func printReply(reply *hub.Reply) {
	var style lipgloss.Style
	switch reply.Kind {
	case hub.ReplySuccess:
		style = successStyle
	case hub.ReplyTimeout, hub.ReplyAborted:
		style = errorStyle
	default:
		style = warnStyle
	}

	title := style.Render(string(reply.Kind))
	if reply.ServerName != "" {
		title += labelStyle.Render(" from " + reply.ServerName)
	}
	if reply.LatencyMS > 0 {
		title += labelStyle.Render(fmt.Sprintf(" in %dms", reply.LatencyMS))
	}

	body := reply.Message
	if reply.Kind == hub.ReplyDispatched {
		body = fmt.Sprintf("Request %s was sent; its outcome was not kept.", reply.RequestID)
	}

	fmt.Println(title)
	fmt.Println(replyBox.BorderForeground(style.GetForeground()).Render(body))
}

func bansCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "bans",
		Short: "List IP ban records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				resp, err := c.Bans(ctx)
				if err != nil {
					return err
				}
				if len(resp.Bans) == 0 {
					fmt.Println("No ban records.")
					return nil
				}

				now := time.Now()
				t := newTable("IP", "STATUS", "FAILURES", "NEXT BLOCK")
				for _, rec := range resp.Bans {
					status := "not blocked"
					if rec.Blocked(now) {
						status = errorStyle.Render("blocked, expires " + humanize.Time(*rec.BlockUntil))
					} else if rec.BlockUntil != nil {
						status = "expired " + humanize.Time(*rec.BlockUntil)
					}
					next := time.Duration(rec.CurrentBlockSeconds) * time.Second
					t.Row(rec.IP, status, strconv.Itoa(rec.Attempts), next.String())
				}
				fmt.Println(t)
				return nil
			})
		},
	}

	addSocketFlag(cmd, &socketPath)
	return cmd
}

func unbanCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "unban <ip>",
		Short: "Clear the ban record for an IP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				msg, err := c.Unban(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(successStyle.Render(msg))
				return nil
			})
		},
	}

	addSocketFlag(cmd, &socketPath)
	return cmd
}

func reloadCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Reload configuration and shared secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				msg, err := c.Reload(ctx)
				if err != nil {
					return err
				}
				fmt.Println(successStyle.Render(msg))
				return nil
			})
		},
	}

	addSocketFlag(cmd, &socketPath)
	return cmd
}
