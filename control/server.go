// Package control serves the orchestrator's local control API over a
// unix socket. Collaborators send commands as JSON requests and follow
// events on a websocket stream.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/julienschmidt/httprouter"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/events"
	"github.com/yllada/vpn-orchestrator/region"
	"github.com/yllada/vpn-orchestrator/splittunnel"
	"github.com/yllada/vpn-orchestrator/transport"
	"github.com/yllada/vpn-orchestrator/vpn"
)

// Service is the command surface of vpn.Manager.
type Service interface {
	Status() vpn.Status
	Connect(ctx context.Context, regionID string, cfg *transport.Config) error
	Disconnect(ctx context.Context) error
	Snooze(ctx context.Context, d time.Duration) error
	AdjustSnooze(ctx context.Context, delta time.Duration) (time.Duration, error)
	SnoozeStep() time.Duration
	Resume(ctx context.Context) error
	SetKillswitchMode(ctx context.Context, mode common.KillswitchMode) error
	SetAllowLAN(ctx context.Context, allow bool) error
	SetAppRule(ctx context.Context, rule splittunnel.AppRule) error
	RemoveAppRule(ctx context.Context, app string) (bool, error)
	AppRules() []splittunnel.AppRule
	RequestPortForward(ctx context.Context) error
	SetTransport(ctx context.Context, cfg transport.Config) error
	Transport() transport.Config
	SetFavorite(ctx context.Context, id string, favorite bool) error
	Catalog() *region.Catalog
	Bus() *events.Bus
}

var _ Service = (*vpn.Manager)(nil)

// Option configures a Server.
type Option func(*Server)

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithSaveHook is called after a command changed persisted settings.
func WithSaveHook(fn func(Service)) Option {
	return func(s *Server) { s.onSave = fn }
}

// Server handles control requests.
type Server struct {
	svc     Service
	metrics http.Handler
	onSave  func(Service)
}

// NewServer returns a Server for svc.
func NewServer(svc Service, opts ...Option) *Server {
	s := &Server{svc: svc}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the API handler.
func (s *Server) Routes() http.Handler {
	r := httprouter.New()

	r.GET("/v1/status", s.handleStatus)
	r.POST("/v1/connect", s.handleConnect)
	r.POST("/v1/disconnect", s.handleDisconnect)
	r.POST("/v1/snooze", s.handleSnooze)
	r.POST("/v1/snooze/adjust", s.handleAdjustSnooze)
	r.POST("/v1/resume", s.handleResume)
	r.PUT("/v1/killswitch", s.handleKillswitch)
	r.GET("/v1/apps", s.handleListApps)
	r.PUT("/v1/apps", s.handleSetApp)
	r.DELETE("/v1/apps", s.handleRemoveApp)
	r.POST("/v1/portforward", s.handlePortForward)
	r.GET("/v1/transport", s.handleGetTransport)
	r.PUT("/v1/transport", s.handleSetTransport)
	r.GET("/v1/regions", s.handleRegions)
	r.PUT("/v1/regions/:id/favorite", s.handleFavorite)
	r.GET("/v1/events", s.handleEvents)
	if s.metrics != nil {
		r.Handler(http.MethodGet, "/metrics", s.metrics)
	}

	return r
}

// Serve listens on socketPath until ctx ends. A stale socket file is removed.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("securing socket: %w", err)
	}
	defer os.Remove(socketPath)

	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	common.LogInfo("Control API listening on %s", socketPath)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// ConnectRequest starts a connection.
type ConnectRequest struct {
	Region    string            `json:"region,omitempty"`
	Transport *transport.Config `json:"transport,omitempty"`
}

// SnoozeRequest carries a Go duration string such as "5m". Empty means the default.
type SnoozeRequest struct {
	Duration string `json:"duration,omitempty"`
}

// AdjustRequest moves the snooze deadline. Steps are in units of the
// configured snooze step; Delta is a signed Go duration string.
type AdjustRequest struct {
	Steps int    `json:"steps,omitempty"`
	Delta string `json:"delta,omitempty"`
}

// AdjustResponse reports the remaining snooze.
type AdjustResponse struct {
	Remaining time.Duration `json:"remaining"`
}

// KillswitchRequest updates kill switch settings; nil fields are left alone.
type KillswitchRequest struct {
	Mode     *common.KillswitchMode `json:"mode,omitempty"`
	AllowLAN *bool                  `json:"allow_lan,omitempty"`
}

// FavoriteRequest marks a region.
type FavoriteRequest struct {
	Favorite bool `json:"favorite"`
}

// RemoveResponse reports whether a rule existed.
type RemoveResponse struct {
	Removed bool `json:"removed"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string           `json:"error"`
	Kind  common.ErrorKind `json:"kind"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req ConnectRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.svc.Connect(r.Context(), req.Region, req.Transport); err != nil {
		writeError(w, err)
		return
	}
	if req.Transport != nil {
		s.saved()
	}
	writeJSON(w, http.StatusAccepted, s.svc.Status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.svc.Disconnect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleSnooze(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req SnoozeRequest
	if !decode(w, r, &req) {
		return
	}
	var d time.Duration
	if req.Duration != "" {
		var err error
		if d, err = time.ParseDuration(req.Duration); err != nil || d < 0 {
			writeError(w, fmt.Errorf("%w: invalid duration %q", common.ErrMisconfigured, req.Duration))
			return
		}
	}
	if err := s.svc.Snooze(r.Context(), d); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleAdjustSnooze(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req AdjustRequest
	if !decode(w, r, &req) {
		return
	}
	delta := time.Duration(req.Steps) * s.svc.SnoozeStep()
	if req.Delta != "" {
		d, err := time.ParseDuration(req.Delta)
		if err != nil {
			writeError(w, fmt.Errorf("%w: invalid delta %q", common.ErrMisconfigured, req.Delta))
			return
		}
		delta += d
	}
	remaining, err := s.svc.AdjustSnooze(r.Context(), delta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AdjustResponse{Remaining: remaining})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.svc.Resume(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleKillswitch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req KillswitchRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Mode != nil {
		if err := s.svc.SetKillswitchMode(r.Context(), *req.Mode); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.AllowLAN != nil {
		if err := s.svc.SetAllowLAN(r.Context(), *req.AllowLAN); err != nil {
			writeError(w, err)
			return
		}
	}
	s.saved()
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	rules := s.svc.AppRules()
	if rules == nil {
		rules = []splittunnel.AppRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleSetApp(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var rule splittunnel.AppRule
	if !decode(w, r, &rule) {
		return
	}
	if err := s.svc.SetAppRule(r.Context(), rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.AppRules())
}

// handleRemoveApp takes the app as a query parameter since app ids are paths.
func (s *Server) handleRemoveApp(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	app := r.URL.Query().Get("app")
	if app == "" {
		writeError(w, fmt.Errorf("%w: app is required", common.ErrMisconfigured))
		return
	}
	removed, err := s.svc.RemoveAppRule(r.Context(), app)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RemoveResponse{Removed: removed})
}

func (s *Server) handlePortForward(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.svc.RequestPortForward(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.svc.Status())
}

func (s *Server) handleGetTransport(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.svc.Transport())
}

func (s *Server) handleSetTransport(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var cfg transport.Config
	if !decode(w, r, &cfg) {
		return
	}
	if err := s.svc.SetTransport(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	s.saved()
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	regions := s.svc.Catalog().List()
	if regions == nil {
		regions = []region.Region{}
	}
	writeJSON(w, http.StatusOK, regions)
}

func (s *Server) handleFavorite(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req FavoriteRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.svc.SetFavorite(r.Context(), ps.ByName("id"), req.Favorite); err != nil {
		writeError(w, err)
		return
	}
	s.saved()
	reg, err := s.svc.Catalog().Get(ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// handleEvents streams bus events as JSON text messages. The current
// status is sent first as a synthetic StateChanged event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		common.LogWarn("Event stream upgrade failed: %v", err)
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "done")

	ch, cancel := s.svc.Bus().Subscribe(0)
	defer cancel()

	// Reads are only needed to notice the peer closing.
	ctx := c.CloseRead(r.Context())

	st := s.svc.Status()
	if err := writeEvent(ctx, c, events.Event{Kind: events.StateChanged, Time: time.Now(), State: st.State, Previous: st.State, RegionID: st.Region}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				c.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := writeEvent(ctx, c, e); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, c *websocket.Conn, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, data)
}

func (s *Server) saved() {
	if s.onSave != nil {
		s.onSave(s.svc)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, fmt.Errorf("%w: invalid request: %w", common.ErrMisconfigured, err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		common.LogWarn("Failed to encode response: %v", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, common.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, common.ErrRegionNotFound), errors.Is(err, common.ErrNoRegions):
		return http.StatusNotFound
	case errors.Is(err, common.ErrMisconfigured):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrCancelled), errors.Is(err, vpn.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error(), Kind: common.KindOf(err)})
}
