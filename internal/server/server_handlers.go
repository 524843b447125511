package server

import (
	"net/http"
	"strconv"

	"github.com/cat4igp/cat4igp/internal/domain"
	"github.com/cat4igp/cat4igp/internal/netutil"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.regLimiter.allow(netutil.RemoteIP(r)) {
		writeJSON(w, http.StatusTooManyRequests, domain.ErrorResponse{Error: "rate limit exceeded", ErrorCode: errCodeRateLimit})
		return
	}
	var req domain.RegisterRequest
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	resp, err := s.svc.Register(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("node registered", "node_id", resp.NodeID, "name", resp.Name, "remote_ip", netutil.RemoteIP(r))
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleSelf(w http.ResponseWriter, r *http.Request, node domain.Node) {
	ctx, cancel := s.requestContext(r)
	defer cancel()
	info, err := s.svc.Node(ctx, node.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, node domain.Node) {
	var req domain.RenameRequest
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	if err := s.svc.Rename(ctx, node.ID, req.Name); err != nil {
		writeError(w, err)
		return
	}
	info, err := s.svc.Node(ctx, node.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request, _ domain.Node) {
	ctx, cancel := s.requestContext(r)
	defer cancel()
	nodes, err := s.svc.Nodes(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleTunnels(w http.ResponseWriter, r *http.Request, node domain.Node) {
	ctx, cancel := s.requestContext(r)
	defer cancel()
	intents, err := s.svc.Tunnels(ctx, node.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intents)
}

func (s *Server) handleReportEndpoint(w http.ResponseWriter, r *http.Request, node domain.Node) {
	tunnelID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req domain.EndpointRequest
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	intent, err := s.svc.ReportEndpoint(ctx, node.ID, tunnelID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleReportAnswered(w http.ResponseWriter, r *http.Request, node domain.Node) {
	tunnelID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	intent, err := s.svc.ReportAnswered(ctx, node.ID, tunnelID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleSetStaticKey(w http.ResponseWriter, r *http.Request, node domain.Node) {
	var req domain.StaticKeyRequest
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	key, err := s.svc.SetStaticKey(ctx, node.ID, req.PublicKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *Server) handleGetStaticKey(w http.ResponseWriter, r *http.Request, _ domain.Node) {
	nodeID, ok := pathID(w, r, "node_id")
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	key, err := s.svc.StaticKey(ctx, nodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// pathID parses a positive integer path value, writing 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, "invalid "+name)
		return 0, false
	}
	return id, true
}
