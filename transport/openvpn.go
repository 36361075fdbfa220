package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/yllada/vpn-orchestrator/common"
)

// OpenVPNDialer establishes tunnels by running an openvpn process.
// Routes pushed by the server are ignored; the split tunnel router owns routing.
type OpenVPNDialer struct {
	// Binary is the openvpn executable.
	Binary string
	// ConfigPath is an optional base .ovpn file holding certificates.
	ConfigPath string
	// Device is the tun interface name openvpn creates; empty means
	// common.TunnelDevice.
	Device string
	// ExtraArgs are appended verbatim.
	ExtraArgs []string
	// LogHandler receives every line of openvpn output.
	LogHandler func(string)
}

// openvpn 2.6 prints "DCO device X opened" when data channel offload is active.
var tunOpenedRe = regexp.MustCompile(`(?:TUN/TAP|DCO) device (\S+) opened`)

type lineKind int

const (
	lineOther lineKind = iota
	lineReady
	lineAuthFailed
	lineRefused
	lineFatal
	lineDevice
)

// classifyLine detects the openvpn output lines the dialer reacts to.
func classifyLine(line string) (lineKind, string) {
	switch {
	case strings.Contains(line, "Initialization Sequence Completed"):
		return lineReady, ""
	case strings.Contains(line, "AUTH_FAILED"):
		return lineAuthFailed, ""
	case strings.Contains(line, "Connection refused"), strings.Contains(line, "Connection timed out"):
		return lineRefused, line
	case strings.Contains(line, "Exiting due to fatal error"), strings.Contains(line, "Options error"):
		return lineFatal, line
	}
	if m := tunOpenedRe.FindStringSubmatch(line); m != nil {
		return lineDevice, m[1]
	}
	return lineOther, ""
}

func (d *OpenVPNDialer) device() string {
	if d.Device != "" {
		return d.Device
	}
	return common.TunnelDevice
}

// args builds the openvpn command line for req.
func (d *OpenVPNDialer) args(req DialRequest, credFile string) []string {
	var args []string
	if d.ConfigPath != "" {
		args = append(args, "--config", d.ConfigPath)
	}

	proto := "udp"
	if req.Endpoint.Protocol == TCP {
		proto = "tcp-client"
	}
	args = append(args,
		"--client",
		"--dev-type", "tun",
		"--dev", d.device(),
		"--nobind",
		"--proto", proto,
		"--remote", req.Region.Host, strconv.Itoa(int(req.Endpoint.Port)),
		"--route-noexec",
		"--pull-filter", "ignore", "redirect-gateway",
		"--verb", "3",
	)
	if credFile != "" {
		args = append(args, "--auth-user-pass", credFile, "--auth-nocache")
	}
	if p := req.Proxy; p != nil {
		host, port, err := splitHostPort(p.Address)
		if err == nil {
			args = append(args, "--socks-proxy", host, port)
		}
	}
	return append(args, d.ExtraArgs...)
}

func splitHostPort(addr string) (string, string, error) {
	i := strings.LastIndex(addr, ":")
	if i <= 0 || i == len(addr)-1 {
		return "", "", fmt.Errorf("%w: bad proxy address %q", common.ErrMisconfigured, addr)
	}
	return strings.Trim(addr[:i], "[]"), addr[i+1:], nil
}

// Dial starts openvpn and waits for the initialization sequence to complete.
func (d *OpenVPNDialer) Dial(ctx context.Context, req DialRequest) (Tunnel, error) {
	credFile, err := createCredentialsFile(req.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to create credentials: %w", err)
	}
	cleanup := func() {
		if credFile != "" {
			os.Remove(credFile)
		}
	}

	binary := d.Binary
	if binary == "" {
		binary = "openvpn"
	}
	cmd := exec.Command(binary, d.args(req, credFile)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cleanup()
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	common.LogInfo("OpenVPN: connecting to %s (%s) on %s", req.Region.ID, req.Region.Host, req.Endpoint)
	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: failed to start openvpn: %w", common.ErrMisconfigured, err)
	}
	common.LogDebug("OpenVPN: process started with PID %d", cmd.Process.Pid)

	t := &openvpnTunnel{
		cmd:   cmd,
		done:  make(chan struct{}),
		iface: d.device(),
	}
	ready := make(chan error, 1)
	outputDone := make(chan struct{})
	go func() {
		d.monitorOutput(t, stdout, ready)
		close(outputDone)
	}()
	go func() {
		// Wait closes the pipe, so drain the output first.
		<-outputDone
		err := cmd.Wait()
		cleanup()
		t.mu.Lock()
		t.exitErr = err
		t.mu.Unlock()
		close(t.done)
	}()

	select {
	case err := <-ready:
		if err != nil {
			t.Close()
			return nil, err
		}
		if t.Interface() == "" {
			t.Close()
			return nil, fmt.Errorf("%w: openvpn did not report a tunnel device", common.ErrMisconfigured)
		}
		return t, nil
	case <-t.done:
		select {
		case err := <-ready:
			if err != nil {
				return nil, err
			}
		default:
		}
		return nil, fmt.Errorf("%w: openvpn exited during negotiation: %v", common.ErrConnectivity, t.exitError())
	case <-ctx.Done():
		t.Close()
		return nil, ctx.Err()
	}
}

// monitorOutput monitors the openvpn process output and reports the
// outcome of the negotiation once on ready.
func (d *OpenVPNDialer) monitorOutput(t *openvpnTunnel, pipe io.Reader, ready chan<- error) {
	reported := false
	report := func(err error) {
		if !reported {
			reported = true
			ready <- err
		}
	}

	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		common.LogDebug("OpenVPN: %s", line)
		if d.LogHandler != nil {
			d.LogHandler(line)
		}

		kind, detail := classifyLine(line)
		switch kind {
		case lineDevice:
			t.mu.Lock()
			t.iface = detail
			t.mu.Unlock()
		case lineReady:
			report(nil)
		case lineAuthFailed:
			report(fmt.Errorf("%w: server sent AUTH_FAILED", common.ErrAuthentication))
		case lineRefused:
			report(fmt.Errorf("%w: %s", common.ErrConnectivity, detail))
		case lineFatal:
			report(fmt.Errorf("%w: %s", common.ErrMisconfigured, detail))
		}
	}
}

type openvpnTunnel struct {
	cmd       *exec.Cmd
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	iface   string
	exitErr error
}

func (t *openvpnTunnel) Interface() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iface
}

func (t *openvpnTunnel) Done() <-chan struct{} {
	return t.done
}

func (t *openvpnTunnel) exitError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitErr
}

// Close sends SIGTERM, then kills the process if it has not exited
// within the teardown timeout.
func (t *openvpnTunnel) Close() error {
	t.closeOnce.Do(func() {
		if t.cmd.Process == nil {
			return
		}
		_ = t.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-t.done:
		case <-time.After(common.TeardownTimeout):
			_ = t.cmd.Process.Kill()
			<-t.done
		}
	})
	return nil
}

// createCredentialsFile writes an auth-user-pass file readable only by the daemon.
func createCredentialsFile(creds Credentials) (string, error) {
	if creds.Username == "" && creds.Password == "" {
		return "", nil
	}

	tmpDir := filepath.Join(os.TempDir(), common.ConfigDirName)
	if err := os.MkdirAll(tmpDir, 0700); err != nil {
		return "", err
	}

	credFile := filepath.Join(tmpDir, "cred-"+common.GenerateID())
	content := fmt.Sprintf("%s\n%s\n", creds.Username, creds.Password)

	if err := os.WriteFile(credFile, []byte(content), 0600); err != nil {
		return "", err
	}
	return credFile, nil
}
