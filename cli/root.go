// Package cli provides the command-line interface for the VPN orchestrator:
// the daemon itself and the commands that drive it over the control socket.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/config"
	"github.com/yllada/vpn-orchestrator/control"
)

// BuildInfo is injected at build time.
type BuildInfo struct {
	Version string
	Time    string
	Commit  string
}

type options struct {
	configPath string
	socketPath string
	verbose    bool
	jsonOutput bool

	out io.Writer
	// newClient is replaced in tests.
	newClient func(socket string) *control.Client
}

func (o *options) client() *control.Client {
	socket := o.socketPath
	if socket == "" {
		socket = common.DefaultSocketPath()
		if cfg, err := o.loadConfig(); err == nil && cfg.Control.Socket != "" {
			socket = cfg.Control.Socket
		}
	}
	return o.newClient(socket)
}

func (o *options) loadConfig() (*config.Config, error) {
	if o.configPath == "" {
		return config.Load()
	}
	return config.LoadFrom(o.configPath)
}

func (o *options) configFile() (string, error) {
	if o.configPath != "" {
		return o.configPath, nil
	}
	return config.Path()
}

// NewRootCommand builds the command tree.
func NewRootCommand(info BuildInfo) *cobra.Command {
	return newRootCommand(info, &options{out: os.Stdout, newClient: control.NewClient})
}

func newRootCommand(info BuildInfo, opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:   "vpn-orchestrator",
		Short: "Orchestrates VPN tunnels, kill switch and split tunneling.",
		Long: `vpn-orchestrator runs a daemon owning the tunnel, the kill switch and the
per-application split tunnel rules. The other commands talk to the running
daemon over its control socket.

Start the daemon with 'vpn-orchestrator daemon' and store credentials with
'vpn-orchestrator login'.`,
		Version:           info.Version,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.out = cmd.OutOrStdout()
			level := common.LevelInfo
			if opts.verbose {
				level = common.LevelDebug
			}
			common.GetLogger().SetLevel(level)
			return nil
		},
	}
	root.SetVersionTemplate(versionTemplate(info))

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default is $HOME/.config/vpn-orchestrator/config.yaml).")
	root.PersistentFlags().StringVar(&opts.socketPath, "socket", "", "Control socket path.")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging.")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "Print JSON instead of tables.")

	root.AddCommand(
		daemonCmd(opts, info),
		connectCmd(opts),
		disconnectCmd(opts),
		snoozeCmd(opts),
		resumeCmd(opts),
		killswitchCmd(opts),
		allowLANCmd(opts),
		appsCmd(opts),
		portForwardCmd(opts),
		transportCmd(opts),
		statusCmd(opts),
		regionsCmd(opts),
		loginCmd(opts),
	)
	return root
}

func versionTemplate(info BuildInfo) string {
	s := fmt.Sprintf("%s v%s\n", common.AppName, info.Version)
	if info.Time != "" && info.Time != "unknown" {
		s += fmt.Sprintf("  Build:  %s\n  Commit: %s\n", info.Time, info.Commit)
	}
	return s
}

// ExecuteContext runs the command tree.
func ExecuteContext(ctx context.Context, info BuildInfo) error {
	return NewRootCommand(info).ExecuteContext(ctx)
}
