package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/control"
	"github.com/yllada/vpn-orchestrator/notify"
	"github.com/yllada/vpn-orchestrator/splittunnel"
	"github.com/yllada/vpn-orchestrator/transport"
	"github.com/yllada/vpn-orchestrator/tui"
	"github.com/yllada/vpn-orchestrator/vpn"
)

const pollInterval = 500 * time.Millisecond

// show prints st as JSON or a table.
func (o *options) show(st vpn.Status) error {
	if o.jsonOutput {
		return printJSON(o.out, st)
	}
	return printStatus(o.out, st)
}

// waitFor polls until done reports true or the timeout passes.
func waitFor(ctx context.Context, c *control.Client, timeout time.Duration, done func(vpn.Status) (bool, error)) (vpn.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		st, err := c.Status(ctx)
		if err != nil {
			return st, err
		}
		if ok, err := done(st); ok || err != nil {
			return st, err
		}
		select {
		case <-ctx.Done():
			return st, fmt.Errorf("timed out waiting, state is %s", st.State)
		case <-ticker.C:
		}
	}
}

func connectCmd(o *options) *cobra.Command {
	var (
		wait     bool
		timeout  time.Duration
		protocol string
		port     uint16
	)
	cmd := &cobra.Command{
		Use:   "connect [REGION]",
		Short: "Connect to a region",
		Long:  "Connect to a region by id. Without a region, or with 'auto', the lowest latency region is used.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := o.client()

			regionID := common.AutoRegion
			if len(args) == 1 {
				regionID = args[0]
			}

			var cfg *transport.Config
			if protocol != "" || port != 0 {
				current, err := c.Transport(ctx)
				if err != nil {
					return err
				}
				if protocol != "" {
					current.Protocol = transport.Protocol(strings.ToLower(protocol))
				}
				if port != 0 {
					current.Port = port
				}
				cfg = &current
			}

			if _, err := c.Connect(ctx, regionID, cfg); err != nil {
				return fmt.Errorf("connection failed: %w", err)
			}
			if !wait {
				fmt.Fprintf(o.out, "Connecting to %s...\n", regionID)
				return nil
			}

			fmt.Fprintf(o.out, "Connecting to %s...\n", regionID)
			st, err := waitFor(ctx, c, timeout, func(st vpn.Status) (bool, error) {
				switch st.State {
				case common.StateConnected:
					return true, nil
				case common.StateError:
					return true, fmt.Errorf("connection failed: %s", st.LastError)
				}
				return false, nil
			})
			if err != nil {
				return err
			}
			if st.FellBack {
				fmt.Fprintln(o.out, notify.FallbackDisclosure(st.Region, st.Transport, st.Effective))
			}
			fmt.Fprintf(o.out, "✓ Connected to %s\n", st.Region)
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "Wait until the connection is established.")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "How long to wait.")
	cmd.Flags().StringVar(&protocol, "protocol", "", "Override the transport protocol (udp or tcp).")
	cmd.Flags().Uint16Var(&port, "port", 0, "Override the transport port.")
	return cmd
}

func disconnectCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect the VPN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(o.out, "Disconnecting...")
			if _, err := o.client().Disconnect(cmd.Context()); err != nil {
				return fmt.Errorf("failed to disconnect: %w", err)
			}
			fmt.Fprintln(o.out, "✓ Disconnected")
			return nil
		},
	}
}

func snoozeCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snooze [DURATION]",
		Short: "Disconnect for a while and reconnect automatically",
		Long: `Disconnect for DURATION (e.g. 5m) and then reconnect with the same region and settings.

The kill switch keeps blocking while snoozed in both auto and always mode,
so only bypass apps and the LAN (with allow-lan) reach the network. Set
the kill switch to off before snoozing to use the network unprotected.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d time.Duration
			if len(args) == 1 {
				var err error
				if d, err = time.ParseDuration(args[0]); err != nil {
					return fmt.Errorf("invalid duration %q: %w", args[0], err)
				}
			}
			st, err := o.client().Snooze(cmd.Context(), d)
			if err != nil {
				return err
			}
			return o.show(st)
		},
	}

	adjust := &cobra.Command{
		Use:   "adjust STEPS",
		Short: "Lengthen (+N) or shorten (-N) the snooze by N steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid step count %q", args[0])
			}
			remaining, err := o.client().AdjustSnooze(cmd.Context(), steps)
			if err != nil {
				return err
			}
			fmt.Fprintf(o.out, "Resuming in %s\n", formatDuration(remaining))
			return nil
		},
	}
	cmd.AddCommand(adjust)
	return cmd
}

func resumeCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "End a snooze early",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := o.client().Resume(cmd.Context())
			if err != nil {
				return err
			}
			return o.show(st)
		},
	}
}

func killswitchCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:       "killswitch [off|auto|always]",
		Short:     "Show or set the kill switch mode",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"off", "auto", "always"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c := o.client()
			if len(args) == 0 {
				st, err := c.Status(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(o.out, "Kill switch: %s (LAN allowed: %s)\n", st.Killswitch, yesNo(st.AllowLAN))
				return nil
			}
			mode, err := common.ParseKillswitchMode(args[0])
			if err != nil {
				return err
			}
			st, err := c.SetKillswitch(cmd.Context(), &mode, nil)
			if err != nil {
				return err
			}
			return o.show(st)
		},
	}
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func allowLANCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "allow-lan on|off",
		Short: "Allow local network traffic while the kill switch blocks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			allow, err := parseOnOff(args[0])
			if err != nil {
				return err
			}
			st, err := o.client().SetKillswitch(cmd.Context(), nil, &allow)
			if err != nil {
				return err
			}
			return o.show(st)
		},
	}
}

func appsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apps",
		Short: "Manage per-application split tunnel rules",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List app rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := o.client().AppRules(cmd.Context())
			if err != nil {
				return err
			}
			if o.jsonOutput {
				return printJSON(o.out, rules)
			}
			return printRules(o.out, rules)
		},
	}

	var mode string
	add := &cobra.Command{
		Use:   "add APP",
		Short: "Add or replace the rule for an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := common.ParseSplitMode(mode)
			if err != nil {
				return err
			}
			rules, err := o.client().SetAppRule(cmd.Context(), splittunnel.AppRule{App: args[0], Mode: m})
			if err != nil {
				return err
			}
			return printRules(o.out, rules)
		},
	}
	add.Flags().StringVar(&mode, "mode", "bypass", "Rule mode: bypass, only_vpn or default.")

	remove := &cobra.Command{
		Use:   "remove APP",
		Short: "Remove the rule for an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := o.client().RemoveAppRule(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no rule for %s", args[0])
			}
			fmt.Fprintf(o.out, "✓ Removed rule for %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, add, remove)
	return cmd
}

func portForwardCmd(o *options) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "portforward",
		Short: "Request a forwarded port on the connected region",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := o.client()
			if _, err := c.RequestPortForward(cmd.Context()); err != nil {
				if errors.Is(err, common.ErrNotSupported) {
					return fmt.Errorf("port forwarding is not available for this region")
				}
				return err
			}
			st, err := waitFor(cmd.Context(), c, timeout, func(st vpn.Status) (bool, error) {
				if st.State != common.StateConnected {
					return true, fmt.Errorf("connection is %s", st.State)
				}
				return st.ForwardedPort != nil, nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(o.out, "✓ Forwarded port %d\n", st.ForwardedPort.Port)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "How long to wait for the port.")
	return cmd
}

func transportCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transport",
		Short: "Show or change the transport settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.client().Transport(cmd.Context())
			if err != nil {
				return err
			}
			if o.jsonOutput {
				return printJSON(o.out, cfg)
			}
			return printTransport(o.out, cfg)
		},
	}

	var (
		protocol, altProtocol  string
		port, altPort          uint16
		tryAlternate, noProxy  bool
		proxyType, proxyAddr   string
		proxyUser, proxySecret string
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Change transport settings; unset flags keep their value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := o.client()
			cfg, err := c.Transport(cmd.Context())
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("protocol") {
				cfg.Protocol = transport.Protocol(strings.ToLower(protocol))
			}
			if flags.Changed("port") {
				cfg.Port = port
			}
			if flags.Changed("alternate-protocol") {
				cfg.AlternateProtocol = transport.Protocol(strings.ToLower(altProtocol))
			}
			if flags.Changed("alternate-port") {
				cfg.AlternatePort = altPort
			}
			if flags.Changed("try-alternate") {
				cfg.TryAlternate = tryAlternate
			}
			if noProxy {
				cfg.Proxy = nil
			} else if flags.Changed("proxy-type") || flags.Changed("proxy-address") {
				cfg.Proxy = &transport.ProxyConfig{
					Type:     transport.ProxyType(proxyType),
					Address:  proxyAddr,
					Username: proxyUser,
					Password: proxySecret,
				}
			}

			st, err := c.SetTransport(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if st.ReconnectNeeded {
				fmt.Fprintln(o.out, "Reconnect to apply the new settings.")
			}
			return printTransport(o.out, cfg)
		},
	}
	f := set.Flags()
	f.StringVar(&protocol, "protocol", "", "Protocol: udp or tcp.")
	f.Uint16Var(&port, "port", 0, "Remote port.")
	f.StringVar(&altProtocol, "alternate-protocol", "", "Fallback protocol.")
	f.Uint16Var(&altPort, "alternate-port", 0, "Fallback port.")
	f.BoolVar(&tryAlternate, "try-alternate", true, "Try the alternate settings when the primary ones fail.")
	f.StringVar(&proxyType, "proxy-type", "", "Proxy type: socks5 or shadowsocks.")
	f.StringVar(&proxyAddr, "proxy-address", "", "Proxy host:port.")
	f.StringVar(&proxyUser, "proxy-username", "", "Proxy username.")
	f.StringVar(&proxySecret, "proxy-password", "", "Proxy password.")
	f.BoolVar(&noProxy, "no-proxy", false, "Remove the proxy.")

	cmd.AddCommand(set)
	return cmd
}

func statusCmd(o *options) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the connection status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := o.client()
			if watch {
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				stream, err := c.Events(ctx)
				if err != nil {
					return err
				}
				return tui.Run(ctx, c, stream)
			}
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			return o.show(st)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow the status live.")
	return cmd
}

func regionsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regions",
		Short: "List regions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			regions, err := o.client().Regions(cmd.Context())
			if err != nil {
				return err
			}
			if o.jsonOutput {
				return printJSON(o.out, regions)
			}
			return printRegions(o.out, regions)
		},
	}

	favorite := func(use string, fav bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " REGION",
			Short: "Mark or unmark a favorite region",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				r, err := o.client().SetFavorite(cmd.Context(), args[0], fav)
				if err != nil {
					return err
				}
				fmt.Fprintf(o.out, "%s favorite: %s\n", r.ID, yesNo(r.IsFavorite))
				return nil
			},
		}
	}
	cmd.AddCommand(favorite("favorite", true), favorite("unfavorite", false))
	return cmd
}
