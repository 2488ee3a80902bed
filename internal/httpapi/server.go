// Package httpapi implements the local HTTP control plane consumed by
// the sidecar's own agent: identity/manifest, peers, inbox, broadcast,
// topics, entropy toggle, task submission/response/status, and the
// memory/storage passthroughs (spec.md §4.6).
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kizuna-project/bridge/internal/identity"
	"github.com/kizuna-project/bridge/internal/inbox"
	"github.com/kizuna-project/bridge/internal/ktp"
	"github.com/kizuna-project/bridge/internal/logging"
	"github.com/kizuna-project/bridge/internal/metrics"
	"github.com/kizuna-project/bridge/internal/overlay"
	"github.com/kizuna-project/bridge/internal/peer"
	"github.com/kizuna-project/bridge/internal/reaper"
)

// HTTP server tuning, matching the teacher's server/a2a.Server defaults
// (SPEC_FULL.md §2 "HTTP client/server conventions").
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 120 * time.Second
	maxBodyBytes      = 1 << 20 // 1 MB; control-plane bodies are small JSON objects
)

// Server is the local HTTP control plane.
type Server struct {
	id        *identity.Identity
	peers     *peer.Table
	overlay   *overlay.Manager
	inbox     *inbox.Inbox
	engine    *ktp.Engine
	entropy   *reaper.EntropyReaper
	metrics   *metrics.Registry
	memory    *MemoryLog
	storage   *StorageDrive
	apiKey    string
	startedAt time.Time

	manifestMu sync.RWMutex
	manifest   peer.Manifest

	mux     *http.ServeMux
	httpSrv *http.Server
	log     *slog.Logger
}

// Deps bundles the collaborators the control plane needs.
type Deps struct {
	Identity        *identity.Identity
	Peers           *peer.Table
	Overlay         *overlay.Manager
	Inbox           *inbox.Inbox
	Engine          *ktp.Engine
	EntropyReaper   *reaper.EntropyReaper
	Metrics         *metrics.Registry
	APIKey          string
	InitialManifest peer.Manifest
}

// NewServer constructs the control plane, with its own routes already
// registered. Call AttachA2A to mount the A2A gateway under the same
// server before starting it (spec.md §6: one local HTTP surface).
func NewServer(deps Deps) *Server {
	s := &Server{
		id:        deps.Identity,
		peers:     deps.Peers,
		overlay:   deps.Overlay,
		inbox:     deps.Inbox,
		engine:    deps.Engine,
		entropy:   deps.EntropyReaper,
		metrics:   deps.Metrics,
		memory:    NewMemoryLog(),
		storage:   NewStorageDrive(),
		apiKey:    deps.APIKey,
		startedAt: time.Now(),
		manifest:  deps.InitialManifest,
		mux:       http.NewServeMux(),
	}
	s.log = logging.With("httpapi")
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Always-public endpoints.
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	// Sensitive endpoints, gated by requireBearer.
	auth := func(h http.HandlerFunc) http.HandlerFunc { return requireBearer(s.apiKey, h) }

	s.mux.HandleFunc("GET /identity", auth(s.handleIdentity))
	s.mux.HandleFunc("GET /manifest", auth(s.handleGetManifest))
	s.mux.HandleFunc("PUT /manifest", auth(s.handlePutManifest))

	s.mux.HandleFunc("GET /peers", auth(s.handlePeers))
	s.mux.HandleFunc("GET /peers/search", auth(s.handleCapabilitySearch))

	s.mux.HandleFunc("GET /inbox", auth(s.handleInboxDrain))
	s.mux.HandleFunc("POST /broadcast", auth(s.handleBroadcast))

	s.mux.HandleFunc("POST /memory/append", auth(s.handleMemoryAppend))
	s.mux.HandleFunc("GET /memory", auth(s.handleMemoryRead))

	s.mux.HandleFunc("POST /storage", auth(s.handleStoragePut))
	s.mux.HandleFunc("GET /storage", auth(s.handleStorageList))
	s.mux.HandleFunc("GET /storage/{key}", auth(s.handleStorageGet))

	s.mux.HandleFunc("POST /topics/join", auth(s.handleTopicJoin))
	s.mux.HandleFunc("POST /topics/leave", auth(s.handleTopicLeave))
	s.mux.HandleFunc("GET /topics", auth(s.handleTopicList))

	s.mux.HandleFunc("POST /entropy", auth(s.handleEntropyToggle))

	s.mux.HandleFunc("POST /task/request", auth(s.handleTaskRequest))
	s.mux.HandleFunc("POST /task/respond", auth(s.handleTaskRespond))
	s.mux.HandleFunc("GET /task/status/{id}", auth(s.handleTaskStatus))
	s.mux.HandleFunc("POST /task/retry/{id}", auth(s.handleTaskRetry))

	s.mux.HandleFunc("GET /tasks", auth(s.handleTasksAll))
	s.mux.HandleFunc("GET /tasks/sent", auth(s.handleTasksSent))
	s.mux.HandleFunc("GET /tasks/received", auth(s.handleTasksReceived))
	s.mux.HandleFunc("GET /tasks/queued", auth(s.handleTasksQueued))
	s.mux.HandleFunc("GET /tasks/failed", auth(s.handleTasksFailed))
}

// AttachA2A mounts the A2A gateway's handler at prefix (typically "/"
// covering /.well-known/agent-card.json and /a2a/v1, per spec.md §6).
// The agent card stays public; /a2a/v1 requires the bearer token when an
// API key is configured.
func (s *Server) AttachA2A(prefix string, handler http.Handler) {
	guarded := requireBearer(s.apiKey, handler.ServeHTTP)
	s.mux.Handle(prefix, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/a2a/v1" {
			guarded(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	}))
}

// Handler returns the fully assembled, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.withBodyLimit(s.mux), "bridge-control-plane")
}

func (s *Server) withBodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// Serve starts the control plane on ln and blocks until it stops.
func (s *Server) Serve(ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	return s.httpSrv.Serve(ln)
}

// Shutdown gracefully stops the control plane.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) currentManifest() peer.Manifest {
	s.manifestMu.RLock()
	defer s.manifestMu.RUnlock()
	return s.manifest
}

// CurrentManifest exposes the live local manifest to collaborators
// mounted alongside this server, e.g. the A2A gateway's agent card and
// peer.Session's outgoing handshakes (spec.md §6: one local HTTP surface,
// one source of truth for the manifest).
func (s *Server) CurrentManifest() peer.Manifest {
	return s.currentManifest()
}

// writeJSON and writeError are the control plane's uniform response
// helpers (spec.md §4.6: "all JSON in/out").
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}
