// Package server exposes the scene protocol over a websocket endpoint.
// One client connection owns one scene and one render session; a second
// websocket endpoint can take over the render output stream of a
// connection that requested it.
package server

import (
	"context"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/mogri/sceneserver/config"
	"github.com/mogri/sceneserver/plugin"
	"github.com/mogri/sceneserver/render"
	"github.com/mogri/sceneserver/status"
	"github.com/mogri/sceneserver/utils"
	"github.com/mogri/sceneserver/webutils"
)

type Server struct {
	dev    render.Device
	loader plugin.Loader

	mu      sync.Mutex
	cfg     *config.Config
	started time.Time
	names   utils.RandomNameGenerator

	// output channels waiting for their websocket to attach
	outputs map[string]chan *websocket.Conn

	quit chan struct{}
	once sync.Once
}

func New(cfg *config.Config, dev render.Device, loader plugin.Loader) *Server {
	return &Server{
		dev:     dev,
		loader:  loader,
		cfg:     cfg,
		started: time.Now(),
		outputs: map[string]chan *websocket.Conn{},
		quit:    make(chan struct{}),
	}
}

// UpdateConfig swaps in a new configuration. Only the dynamic settings
// take effect on live connections; the listen address does not change.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Server) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// RequestQuit makes Run shut the server down. Safe to call repeatedly.
func (s *Server) RequestQuit() {
	s.once.Do(func() { close(s.quit) })
}

func (s *Server) connectionName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names.RandomName()
}

// registerOutput reserves a named output channel. The websocket arriving
// on /ws/output with that name is delivered through the returned channel.
func (s *Server) registerOutput(name string) chan *websocket.Conn {
	ch := make(chan *websocket.Conn, 1)
	s.mu.Lock()
	s.outputs[name] = ch
	s.mu.Unlock()
	return ch
}

func (s *Server) releaseOutput(name string) {
	s.mu.Lock()
	delete(s.outputs, name)
	s.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] websocket upgrade failed: %v", err)
		return
	}
	newConnection(s, ws).serve()
}

func (s *Server) handleOutputWS(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("channel")

	s.mu.Lock()
	ch, ok := s.outputs[name]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown output channel", http.StatusNotFound)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] output websocket upgrade failed: %v", err)
		return
	}

	select {
	case ch <- ws:
		log.Printf("[server] output channel %q attached", name)
	default:
		log.Printf("[server] output channel %q already attached", name)
		ws.Close()
	}
}

func (s *Server) handleDebugState(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config()
	w.Header().Set("Content-Type", "application/json")
	webutils.WriteJson(w, map[string]interface{}{
		"uptime_seconds": time.Since(s.started).Seconds(),
		"scratch_dir":    cfg.ScratchDir,
	})
}

// handleDebugFramebuffer serves the newest framebuffer file left in the
// scratch dir. Only populated when keep_framebuffer_files is on.
func (s *Server) handleDebugFramebuffer(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config()
	matches, err := filepath.Glob(filepath.Join(cfg.ScratchDir, "framebuffer_*.png"))
	if err != nil || len(matches) == 0 {
		http.NotFound(w, r)
		return
	}
	sort.Strings(matches)
	latest := matches[len(matches)-1]
	f, err := os.Open(latest)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	webutils.WriteFile(w, f, filepath.Base(latest))
}

// Handler builds the routing table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/ws/output", s.handleOutputWS)
	r.HandleFunc("/ws/status", status.HandlerWebsocket)
	r.HandleFunc("/debug/state", s.handleDebugState)
	r.HandleFunc("/debug/framebuffer", s.handleDebugFramebuffer)

	h := handlers.RecoveryHandler()(r)
	return handlers.LoggingHandler(os.Stdout, h)
}

// Run serves until RequestQuit or ctx cancellation.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.Config()
	srv := &http.Server{Addr: cfg.Addr, Handler: s.Handler()}

	errc := make(chan error, 1)
	go func() {
		log.Printf("[server] listening on %v", cfg.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrapf(err, "server failed")
	case <-s.quit:
		log.Printf("[server] quit requested")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
