// Package api exposes the HTTP endpoint the coordinator's health check
// polls.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gumtree/consul-failover/internal/app"
)

// Server serves the health probe endpoint for one handler. It emits no
// access logs; the coordinator polls it every check interval and the noise
// would drown everything else.
type Server struct {
	handler app.Handler
	httpSrv *http.Server
}

// NewServer creates a probe server listening on port. The probe timeout
// bounds how long a single request may hold the handler.
func NewServer(handler app.Handler, port int, probeTimeout time.Duration) *Server {
	if port == 0 {
		port = 8000
	}

	s := &Server{handler: handler}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleUnsupported)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  probeTimeout,
		WriteTimeout: probeTimeout,
	}

	return s
}

// Start begins serving probe requests. Blocking; run in a goroutine.
// The listener allows address reuse, so a restart while the previous
// socket sits in TIME_WAIT binds cleanly.
func (s *Server) Start() error {
	slog.Info("api server listening", "address", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops the server, waiting for in-flight probes up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// handleHealth answers GET /health with the handler's verdict: 200 when
// healthy, 500 otherwise. The body is the verdict message as a JSON
// string so the check output stays a single well-formed line.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeVerdict(w, false, "Unsupported endpoint")
		return
	}

	verdict := s.handler.Health(r.Context())
	writeVerdict(w, verdict.OK, verdict.Message)
}

// handleUnsupported fails any path other than /health so a misconfigured
// probe shows up as a failing check instead of passing silently.
func (s *Server) handleUnsupported(w http.ResponseWriter, r *http.Request) {
	writeVerdict(w, false, "Unsupported endpoint")
}

func writeVerdict(w http.ResponseWriter, ok bool, message string) {
	status := http.StatusInternalServerError
	if ok {
		status = http.StatusOK
	}

	body, err := json.Marshal(message)
	if err != nil {
		body = []byte(message)
	}
	body = append(body, '\n')

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// A client hanging up mid-response is its problem, not ours.
	if _, err := w.Write(body); err != nil {
		slog.Debug("probe client went away", "error", err)
	}
}
