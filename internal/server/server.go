// Package server exposes the control plane over HTTP: the node agent API,
// the operator API and the websocket channel that pushes tunnel changes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cat4igp/cat4igp/internal/auth"
	"github.com/cat4igp/cat4igp/internal/config"
	"github.com/cat4igp/cat4igp/internal/control"
	"github.com/cat4igp/cat4igp/internal/domain"
)

type Server struct {
	cfg        config.ServerConfig
	svc        *control.Service
	log        *slog.Logger
	hub        *Hub
	regLimiter *rateLimiter
}

// New returns a Server. hub must be the notifier svc was built with so
// tunnel changes reach connected agents.
func New(cfg config.ServerConfig, svc *control.Service, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Server{
		cfg:        cfg,
		svc:        svc,
		log:        logger,
		hub:        hub,
		regLimiter: newRateLimiter(),
	}
}

// Handler returns the API routes. Operator routes are only mounted when an
// operator token is configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /v1/register", s.handleRegister)
	mux.HandleFunc("GET /v1/self", s.withNode(s.handleSelf))
	mux.HandleFunc("POST /v1/self/name", s.withNode(s.handleRename))
	mux.HandleFunc("GET /v1/nodes", s.withNode(s.handleNodes))
	mux.HandleFunc("GET /v1/tunnels", s.withNode(s.handleTunnels))
	mux.HandleFunc("POST /v1/tunnels/{id}/endpoint", s.withNode(s.handleReportEndpoint))
	mux.HandleFunc("POST /v1/tunnels/{id}/answered", s.withNode(s.handleReportAnswered))
	mux.HandleFunc("PUT /v1/wireguard/key", s.withNode(s.handleSetStaticKey))
	mux.HandleFunc("GET /v1/wireguard/key/{node_id}", s.withNode(s.handleGetStaticKey))
	mux.HandleFunc("GET /v1/watch", s.withNode(s.handleWatch))

	if strings.TrimSpace(s.cfg.OperatorToken) != "" {
		s.mountOperatorRoutes(mux)
	} else {
		s.log.Info("operator API disabled", "hint", "set CAT4IGP_OPERATOR_TOKEN to enable it")
	}
	return mux
}

// withNode authenticates the node credential carried as a bearer token.
func (s *Server) withNode(next func(http.ResponseWriter, *http.Request, domain.Node)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, domain.ErrUnauthorized)
			return
		}
		node, err := s.svc.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, node)
	}
}

func (s *Server) withOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || !auth.ConstantTimeEquals(token, s.cfg.OperatorToken) {
			writeError(w, domain.ErrUnauthorized)
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(authz) < len(prefix) || !strings.EqualFold(authz[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(authz[len(prefix):])
	return token, token != ""
}

// requestContext bounds a handler's store work independently of how long
// the client keeps the connection open.
func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return err
	}
	return nil
}

// decodeOptionalJSONBody accepts an empty body as the zero value.
func decodeOptionalJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	err := decodeJSONBody(w, r, maxBytes, dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// waitGroupWait blocks until wg reaches zero or timeout elapses.
// Returns false if the timeout fired before all goroutines finished.
func waitGroupWait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
