package cli

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/config"
	"github.com/yllada/vpn-orchestrator/control"
	"github.com/yllada/vpn-orchestrator/events"
	"github.com/yllada/vpn-orchestrator/firewall"
	"github.com/yllada/vpn-orchestrator/keyring"
	"github.com/yllada/vpn-orchestrator/killswitch"
	"github.com/yllada/vpn-orchestrator/metrics"
	"github.com/yllada/vpn-orchestrator/notify"
	"github.com/yllada/vpn-orchestrator/portforward"
	"github.com/yllada/vpn-orchestrator/region"
	"github.com/yllada/vpn-orchestrator/splittunnel"
	"github.com/yllada/vpn-orchestrator/transport"
	"github.com/yllada/vpn-orchestrator/vpn"
)

func daemonCmd(o *options, info BuildInfo) *cobra.Command {
	var autoConnect bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the orchestrator daemon",
		Long: `Run the daemon in the foreground. It installs the kill switch and split
tunnel policy, serves the control socket and reconnects on demand. The
iptables backend requires root.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), o, info, autoConnect)
		},
	}
	cmd.Flags().BoolVar(&autoConnect, "connect", false, "Connect to the configured region on start.")
	return cmd
}

// daemon holds everything runDaemon wires together.
type daemon struct {
	cfg     *config.Config
	cfgPath string
	cfgMu   sync.Mutex

	metrics *metrics.Metrics
	placer  *firewall.Placer
	manager *vpn.Manager
	server  *control.Server
	creds   *keyring.Store
	closers []func() error
}

func runDaemon(ctx context.Context, o *options, info BuildInfo, autoConnect bool) error {
	d, err := newDaemon(ctx, o)
	if err != nil {
		return err
	}
	defer d.close()

	common.LogInfo("Starting %s v%s", common.AppName, info.Version)

	socket := d.cfg.Control.Socket
	if o.socketPath != "" {
		socket = o.socketPath
	}
	if socket == "" {
		socket = common.DefaultSocketPath()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.manager.Run(gctx) })
	g.Go(func() error { return d.server.Serve(gctx, socket) })
	g.Go(func() error {
		d.metrics.Watch(gctx, d.manager.Bus())
		return nil
	})
	if d.placer != nil {
		g.Go(func() error { return d.placer.Run(gctx) })
	}

	if d.cfg.ShowNotifications {
		if n, err := notify.NewDBusNotifier(); err != nil {
			common.LogWarn("Desktop notifications disabled: %v", err)
		} else {
			d.closers = append(d.closers, n.Close)
			g.Go(func() error {
				notify.Watch(gctx, d.manager.Bus(), n)
				return nil
			})
		}
	}

	if autoConnect {
		g.Go(func() error {
			select {
			case <-d.manager.Ready():
			case <-gctx.Done():
				return nil
			}
			if err := d.manager.Connect(gctx, d.cfg.Region, nil); err != nil {
				common.LogError("Auto-connect failed: %v", err)
			}
			return nil
		})
	}

	err = g.Wait()
	common.LogInfo("Daemon stopped")
	return err
}

func newDaemon(ctx context.Context, o *options) (*daemon, error) {
	cfgPath, err := o.configFile()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadFrom(cfgPath)
	if err != nil {
		return nil, err
	}
	if !o.verbose {
		common.GetLogger().SetLevel(common.ParseLogLevel(cfg.LogLevel))
	}
	if cfg.LogToFile {
		if err := common.GetLogger().EnableFileLogging(); err != nil {
			common.LogWarn("Could not initialize file logging: %v", err)
		}
	}

	settings, err := vpn.SettingsFrom(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(cfg.OpenVPN.Binary); err != nil {
		return nil, fmt.Errorf("%w: %s is not installed on the system", common.ErrMisconfigured, cfg.OpenVPN.Binary)
	}

	d := &daemon{cfg: cfg, cfgPath: cfgPath, metrics: metrics.New()}

	backend, placer, err := newBackend(cfg.Firewall)
	if err != nil {
		return nil, err
	}
	d.placer = placer
	table := firewall.NewTable(backend)
	table.OnCommit(d.metrics.ObserveCommit)

	store, err := d.ruleStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	router := splittunnel.NewRouter(table, store)
	if err := router.Load(); err != nil {
		d.close()
		return nil, err
	}

	catalog := region.NewCatalog()
	if err := loadRegions(ctx, catalog, cfg.Regions); err != nil {
		d.close()
		return nil, err
	}

	if d.creds, err = keyring.New(); err != nil {
		d.close()
		return nil, err
	}

	dialer := &transport.OpenVPNDialer{
		Binary:     cfg.OpenVPN.Binary,
		ConfigPath: config.ResolvePath(cfg.OpenVPN.ConfigPath),
		Device:     cfg.OpenVPN.Device,
		ExtraArgs:  cfg.OpenVPN.ExtraArgs,
		LogHandler: func(line string) { common.LogDebug("openvpn: %s", line) },
	}

	bus := events.NewBus()
	d.metrics.RegisterBus(bus)

	d.manager = vpn.NewManager(vpn.Deps{
		Table:      table,
		Killswitch: killswitch.New(table),
		Router:     router,
		Catalog:    catalog,
		Negotiator: transport.NewNegotiator(dialer, transport.WithDialTimeout(cfg.Retry.NegotiateTimeout)),
		Bus:        bus,
		Requester: &portforward.HTTPRequester{
			Client: &http.Client{Timeout: cfg.PortForward.RequestTimeout},
			Token:  d.token,
		},
		Credentials: d.credentials,
		Probe: region.NewProbe(
			region.WithMark(firewall.ProbeMark),
			region.WithProbeTimeout(cfg.Latency.Timeout),
			region.WithMaxConcurrent(cfg.Latency.Concurrency),
			region.WithCacheTTL(cfg.Latency.CacheTTL),
		),
		ProbeInterval: cfg.Latency.Interval,
	}, settings)

	d.server = control.NewServer(d.manager,
		control.WithMetrics(d.metrics.Handler()),
		control.WithSaveHook(d.save),
	)
	return d, nil
}

// newBackend returns the enforcement backend and, for the host backend,
// the placer keeping app processes in their cgroups.
func newBackend(cfg config.FirewallConfig) (firewall.Backend, *firewall.Placer, error) {
	if cfg.Backend == "memory" {
		common.LogWarn("Using the in-memory firewall backend: nothing is enforced on the host")
		return firewall.NewMemoryBackend(), nil, nil
	}
	opts := firewall.HostOptions{
		ChainPrefix: cfg.Chain,
		CgroupRoot:  cfg.CgroupRoot,
		TunnelTable: cfg.TunnelTable,
	}
	opts.Placer = firewall.NewPlacer(opts, firewall.WithScanInterval(cfg.PlaceInterval))
	backend, err := firewall.NewHostBackend(opts)
	if err != nil {
		return nil, nil, err
	}
	return backend, opts.Placer, nil
}

func (d *daemon) ruleStore(cfg config.StorageConfig) (splittunnel.RuleStore, error) {
	path := config.ResolvePath(cfg.Path)
	if cfg.Backend == "sqlite" {
		if path == "" {
			dir, err := common.GetDataDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, common.RulesDBFileName)
		}
		s, err := splittunnel.OpenSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, s.Close)
		return s, nil
	}

	if path == "" {
		dir, err := common.GetConfigDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, common.RulesFileName)
	}
	return splittunnel.NewFileStore(path), nil
}

func loadRegions(ctx context.Context, catalog *region.Catalog, cfg config.RegionsConfig) error {
	location := cfg.Source
	if !isURL(location) {
		location = config.ResolvePath(location)
	}
	regions, err := region.NewSource(location).Load(ctx)
	if err != nil {
		return fmt.Errorf("loading regions from %s: %w", location, err)
	}
	if err := catalog.Replace(regions); err != nil {
		return err
	}
	for _, id := range cfg.Favorites {
		catalog.SetFavorite(id, true)
	}
	common.LogInfo("Loaded %d regions", catalog.Len())
	return nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func (d *daemon) credentials(context.Context) (transport.Credentials, error) {
	c, err := d.creds.LoadCredentials(common.Account)
	if err != nil {
		return transport.Credentials{}, fmt.Errorf("%w: %w (run 'vpn-orchestrator login')", common.ErrAuthentication, err)
	}
	return transport.Credentials{Username: c.Username, Password: c.Password}, nil
}

func (d *daemon) token(context.Context) (string, error) {
	return d.creds.Get(common.TokenAccount)
}

// save persists settings changed over the control socket.
func (d *daemon) save(svc control.Service) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	st := svc.Status()
	d.cfg.Killswitch.Mode = st.Killswitch
	d.cfg.Killswitch.AllowLAN = st.AllowLAN
	d.cfg.SetTransportSettings(svc.Transport())
	d.cfg.Regions.Favorites = svc.Catalog().Favorites()

	if err := d.cfg.SaveTo(d.cfgPath); err != nil {
		common.LogError("Failed to save configuration: %v", err)
	}
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			common.LogWarn("Cleanup failed: %v", err)
		}
	}
	d.closers = nil
}
