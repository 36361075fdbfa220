package firewall

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yllada/vpn-orchestrator/common"
)

// Placer moves the processes of split tunnel apps into their cgroups, so
// the cgroup matches of the host backend see their traffic. New processes
// are picked up on the next scan.
type Placer struct {
	opts     HostOptions
	procRoot string
	mount    string
	interval time.Duration
	self     int

	mu   sync.Mutex
	apps []string
}

// PlacerOption configures a Placer.
type PlacerOption func(*Placer)

// WithProcRoot sets where process information is read from.
func WithProcRoot(dir string) PlacerOption {
	return func(p *Placer) { p.procRoot = dir }
}

// WithCgroupMount sets the cgroup2 mount point.
func WithCgroupMount(dir string) PlacerOption {
	return func(p *Placer) { p.mount = dir }
}

// WithScanInterval sets how often Run rescans processes.
func WithScanInterval(d time.Duration) PlacerOption {
	return func(p *Placer) {
		if d > 0 {
			p.interval = d
		}
	}
}

// NewPlacer returns a Placer using the cgroup layout of opts.
func NewPlacer(opts HostOptions, options ...PlacerOption) *Placer {
	p := &Placer{
		opts:     opts.withDefaults(),
		procRoot: "/proc",
		mount:    "/sys/fs/cgroup",
		interval: 2 * time.Second,
		self:     os.Getpid(),
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// SetApps replaces the apps whose processes are placed.
func (p *Placer) SetApps(apps []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.apps = slices.Clone(apps)
}

// Scan places every running process of a known app that is not yet in
// its cgroup and returns how many were moved.
func (p *Placer) Scan() (int, error) {
	p.mu.Lock()
	apps := slices.Clone(p.apps)
	p.mu.Unlock()
	if len(apps) == 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(p.procRoot)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", p.procRoot, err)
	}

	var moved int
	var errs []error
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == p.self {
			continue
		}
		// Kernel threads and processes of other users have no readable exe.
		exe, err := os.Readlink(filepath.Join(p.procRoot, e.Name(), "exe"))
		if err != nil {
			continue
		}
		app := matchApp(apps, strings.TrimSuffix(exe, " (deleted)"))
		if app == "" {
			continue
		}
		cg := p.opts.cgroupFor(app)
		if p.inCgroup(e.Name(), cg) {
			continue
		}
		if err := p.place(pid, cg); err != nil {
			errs = append(errs, fmt.Errorf("pid %d (%s): %w", pid, app, err))
			continue
		}
		moved++
	}
	return moved, errors.Join(errs...)
}

// Run rescans until ctx is done.
func (p *Placer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			moved, err := p.Scan()
			if err != nil {
				common.LogWarn("Firewall: failed to place app processes: %v", err)
			}
			if moved > 0 {
				common.LogDebug("Firewall: placed %d app processes", moved)
			}
		}
	}
}

// matchApp returns the app exe belongs to. Path rules match the binary
// exactly, other identifiers match its file name.
func matchApp(apps []string, exe string) string {
	for _, app := range apps {
		if strings.ContainsRune(app, filepath.Separator) {
			if filepath.Clean(exe) == app {
				return app
			}
			continue
		}
		if filepath.Base(exe) == app {
			return app
		}
	}
	return ""
}

// inCgroup reports whether the process already sits in the unified
// hierarchy cgroup cg.
func (p *Placer) inCgroup(pid, cg string) bool {
	f, err := os.Open(filepath.Join(p.procRoot, pid, "cgroup"))
	if err != nil {
		return false
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		if strings.HasPrefix(s.Text(), "0::") {
			return strings.TrimPrefix(s.Text(), "0::") == "/"+cg
		}
	}
	return false
}

func (p *Placer) place(pid int, cg string) error {
	dir := filepath.Join(p.mount, cg)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "cgroup.procs"), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
