// Package httpapi is the thin HTTP surface spec.md §1 carves out as an
// external collaborator ("the HTTP/WebSocket surface beyond the contracts
// the core requires") while still naming two contracts the core itself
// must expose: a health check and the live video/data WebSocket streams
// internal/streamhub fans matches out over. Everything else (betting
// endpoints, auth, CORS, rate limiting) is out of scope here and lives in
// the outer application the core is embedded in.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/rawlclub/matchengine/internal/kv"
	"github.com/rawlclub/matchengine/internal/ledger"
	"github.com/rawlclub/matchengine/internal/registry"
	"github.com/rawlclub/matchengine/internal/streamhub"
	"github.com/rawlclub/matchengine/internal/telemetry"
)

// pingProbeKey is a key that is expected never to exist; Get returning
// kv.ErrNotFound (rather than a transport error) is proof the KV round
// trip itself succeeded.
const pingProbeKey = "httpapi:healthz:probe"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Config wires the HTTP surface's dependencies.
type Config struct {
	Registry *registry.Registry
	KV       kv.Store
	Ledger   *ledger.Client
	Hub      *streamhub.Hub
	Log      *logrus.Entry
	Addr     string // default ":8080"
}

// Server is the match engine's HTTP/WebSocket surface: a health check,
// Prometheus scrape endpoint, and per-match live video/data WebSocket
// routes backed by internal/streamhub.
type Server struct {
	httpServer *http.Server
	log        *logrus.Entry
}

// New builds the router and wraps it in an *http.Server with the
// teacher's connection-abuse timeouts, not yet listening.
func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "httpapi")

	router := newRouter(&handlers{reg: cfg.Registry, kv: cfg.KV, ledger: cfg.Ledger, hub: cfg.Hub, log: log})

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      0, // WebSocket connections are long-lived
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		log: log,
	}
}

// Start begins serving in its own goroutine. Listen errors other than a
// clean Shutdown are logged fatally loud via the returned error channel's
// single value.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.httpServer.Addr).Info("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	return errCh
}

// Shutdown gracefully drains in-flight requests and WebSocket connections
// within the given context's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// newRouter builds the mux.Router shared by New (production) and this
// package's tests, so route wiring is never duplicated between them.
func newRouter(h *handlers) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(telemetry.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/ws/matches/{id}/video", h.wsVideo).Methods(http.MethodGet)
	router.HandleFunc("/ws/matches/{id}/data", h.wsData).Methods(http.MethodGet)
	return router
}

type handlers struct {
	reg    *registry.Registry
	kv     kv.Store
	ledger *ledger.Client
	hub    *streamhub.Hub
	log    *logrus.Entry
}

// healthz is the composite readiness probe SPEC_FULL.md §C.5 names:
// Registry, KV, and ledger RPC reachability all have to
// check out before the process reports ready.
func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.reg.Ping(ctx); err != nil {
		h.log.WithError(err).Warn("healthz: registry unreachable")
		http.Error(w, "registry unreachable", http.StatusServiceUnavailable)
		return
	}
	if _, err := h.kv.Get(ctx, pingProbeKey); err != nil && err != kv.ErrNotFound {
		h.log.WithError(err).Warn("healthz: kv unreachable")
		http.Error(w, "kv unreachable", http.StatusServiceUnavailable)
		return
	}
	if h.ledger != nil {
		if _, err := h.ledger.BlockHeight(ctx); err != nil {
			h.log.WithError(err).Warn("healthz: ledger rpc unreachable")
			http.Error(w, "ledger unreachable", http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *handlers) wsVideo(w http.ResponseWriter, r *http.Request) {
	h.serveStream(w, r, streamhub.KindVideo, websocket.BinaryMessage)
}

func (h *handlers) wsData(w http.ResponseWriter, r *http.Request) {
	h.serveStream(w, r, streamhub.KindData, websocket.TextMessage)
}

// serveStream upgrades the connection, subscribes it to one match's
// stream, and relays every fanned-out event until either the subscription
// ends (EOS, hub shutdown) or the client disconnects.
func (h *handlers) serveStream(w http.ResponseWriter, r *http.Request, kind streamhub.Kind, wsMessageType int) {
	matchID := mux.Vars(r)["id"]
	if matchID == "" {
		http.Error(w, "match id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("ws upgrade failed")
		return
	}
	defer conn.Close()

	sub, cancel := h.hub.Subscribe(matchID, kind)
	defer cancel()

	// Detect client-initiated close without blocking the write loop on a
	// read; NextReader's only purpose here is to surface disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := conn.WriteMessage(wsMessageType, ev.Payload); err != nil {
				return
			}
			if ev.Kind == streamhub.KindEOS {
				return
			}
		}
	}
}
