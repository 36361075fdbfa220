package firewall

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	proc  string
	mount string
}

func newFakeHost(t *testing.T) fakeHost {
	t.Helper()
	return fakeHost{proc: t.TempDir(), mount: t.TempDir()}
}

// process adds a /proc entry for pid running exe in cgroup cg.
func (h fakeHost) process(t *testing.T, pid int, exe, cg string) {
	t.Helper()
	dir := filepath.Join(h.proc, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.Symlink(exe, filepath.Join(dir, "exe")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cgroup"), []byte("0::"+cg+"\n"), 0644))
}

func (h fakeHost) procs(t *testing.T, cg string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(h.mount, cg, "cgroup.procs"))
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(b)
}

func (h fakeHost) placer() *Placer {
	return NewPlacer(HostOptions{}, WithProcRoot(h.proc), WithCgroupMount(h.mount))
}

func TestPlacer_MovesMatchingProcesses(t *testing.T) {
	h := newFakeHost(t)
	h.process(t, 100, "/usr/bin/firefox", "/user.slice/session-1.scope")
	h.process(t, 101, "/usr/bin/firefox (deleted)", "/user.slice/session-1.scope")
	h.process(t, 200, "/usr/bin/curl", "/user.slice/session-1.scope")
	h.process(t, 300, "/opt/transmission/bin/transmission", "/")
	require.NoError(t, os.MkdirAll(filepath.Join(h.proc, "self"), 0755))

	p := h.placer()
	p.SetApps([]string{"/usr/bin/firefox", "transmission"})

	moved, err := p.Scan()
	require.NoError(t, err)
	assert.Equal(t, 3, moved)
	assert.Equal(t, "100\n101\n", h.procs(t, "vpn-orchestrator.slice/usr_bin_firefox"))
	assert.Equal(t, "300\n", h.procs(t, "vpn-orchestrator.slice/transmission"))
}

func TestPlacer_SkipsPlacedProcesses(t *testing.T) {
	h := newFakeHost(t)
	h.process(t, 100, "/usr/bin/firefox", "/vpn-orchestrator.slice/usr_bin_firefox")

	p := h.placer()
	p.SetApps([]string{"/usr/bin/firefox"})

	moved, err := p.Scan()
	require.NoError(t, err)
	assert.Zero(t, moved)
	assert.Empty(t, h.procs(t, "vpn-orchestrator.slice/usr_bin_firefox"))
}

func TestPlacer_SkipsItself(t *testing.T) {
	h := newFakeHost(t)
	exe, err := os.Executable()
	require.NoError(t, err)
	h.process(t, os.Getpid(), exe, "/")

	p := h.placer()
	p.SetApps([]string{exe})

	moved, err := p.Scan()
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestPlacer_NoAppsIsNoop(t *testing.T) {
	p := NewPlacer(HostOptions{}, WithProcRoot(filepath.Join(t.TempDir(), "missing")))
	moved, err := p.Scan()
	assert.NoError(t, err)
	assert.Zero(t, moved)

	p.SetApps([]string{"/usr/bin/firefox"})
	_, err = p.Scan()
	assert.Error(t, err)
}

func TestPlacer_RunPicksUpNewProcesses(t *testing.T) {
	h := newFakeHost(t)
	p := NewPlacer(HostOptions{}, WithProcRoot(h.proc), WithCgroupMount(h.mount), WithScanInterval(5*time.Millisecond))
	p.SetApps([]string{"/usr/bin/firefox"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	h.process(t, 100, "/usr/bin/firefox", "/")
	assert.Eventually(t, func() bool {
		b, _ := os.ReadFile(filepath.Join(h.mount, "vpn-orchestrator.slice/usr_bin_firefox", "cgroup.procs"))
		return strings.HasPrefix(string(b), "100\n")
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestMatchApp(t *testing.T) {
	apps := []string{"/usr/bin/firefox", "org.mozilla.firefox", "curl"}
	assert.Equal(t, "/usr/bin/firefox", matchApp(apps, "/usr/bin/firefox"))
	assert.Equal(t, "curl", matchApp(apps, "/usr/local/bin/curl"))
	assert.Equal(t, "", matchApp(apps, "/usr/lib/firefox/firefox"))
}
