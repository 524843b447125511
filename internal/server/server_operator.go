package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/cat4igp/cat4igp/internal/domain"
	"github.com/cat4igp/cat4igp/internal/topology"
)

func (s *Server) mountOperatorRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/admin/invites", s.withOperator(s.handleListInvites))
	mux.HandleFunc("POST /v1/admin/invites", s.withOperator(s.handleCreateInvite))
	mux.HandleFunc("GET /v1/admin/nodes", s.withOperator(s.handleAdminNodes))
	mux.HandleFunc("GET /v1/admin/meshes", s.withOperator(s.handleListMeshes))
	mux.HandleFunc("POST /v1/admin/meshes", s.withOperator(s.handleCreateMesh))
	mux.HandleFunc("PUT /v1/admin/meshes/{id}", s.withOperator(s.handleUpdateMesh))
	mux.HandleFunc("DELETE /v1/admin/meshes/{id}", s.withOperator(s.handleDeleteMesh))
	mux.HandleFunc("GET /v1/admin/meshes/{id}/members", s.withOperator(s.handleListMembers))
	mux.HandleFunc("POST /v1/admin/meshes/{id}/members", s.withOperator(s.handleJoinMesh))
	mux.HandleFunc("DELETE /v1/admin/meshes/{id}/members/{node_id}", s.withOperator(s.handleLeaveMesh))
	mux.HandleFunc("POST /v1/admin/meshes/{id}/reconcile", s.withOperator(s.handleReconcileMesh))
	mux.HandleFunc("POST /v1/admin/reconcile", s.withOperator(s.handleReconcileAll))
	mux.HandleFunc("POST /v1/admin/tunnels/{id}/retire", s.withOperator(s.handleRetireTunnel))
	mux.HandleFunc("GET /v1/admin/settings", s.withOperator(s.handleListSettings))
	mux.HandleFunc("PUT /v1/admin/settings/{key}", s.withOperator(s.handleSetSetting))
}

func (s *Server) handleListInvites(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()
	invites, err := s.svc.ListInvites(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invites)
}

func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	var req domain.InviteRequest
	if err := decodeOptionalJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	inv, err := s.svc.CreateInvite(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleAdminNodes(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()
	nodes, err := s.svc.Nodes(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleListMeshes(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()
	groups, err := s.svc.ListMeshes(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleCreateMesh(w http.ResponseWriter, r *http.Request) {
	var req domain.MeshRequest
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	g, err := s.svc.CreateMesh(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleUpdateMesh(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req domain.MeshRequest
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	res, err := s.svc.UpdateMesh(ctx, id, req.AutoWireguard, req.AutoWireguardMTU)
	s.writeReconcile(w, res, err)
}

func (s *Server) handleDeleteMesh(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	res, err := s.svc.DeleteMesh(ctx, id)
	s.writeReconcile(w, res, err)
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	members, err := s.svc.MeshMembers(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if members == nil {
		members = []int64{}
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) handleJoinMesh(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req domain.MembershipRequest
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.NodeID <= 0 {
		writeBadRequest(w, "node_id is required")
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	res, err := s.svc.JoinMesh(ctx, id, req.NodeID)
	s.writeReconcile(w, res, err)
}

func (s *Server) handleLeaveMesh(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	nodeID, ok := pathID(w, r, "node_id")
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	res, err := s.svc.LeaveMesh(ctx, id, nodeID)
	s.writeReconcile(w, res, err)
}

func (s *Server) handleReconcileMesh(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	res, err := s.svc.Reconcile(ctx, id)
	s.writeReconcile(w, res, err)
}

func (s *Server) handleReconcileAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()
	res, err := s.svc.ReconcileAll(ctx)
	s.writeReconcile(w, res, err)
}

func (s *Server) handleRetireTunnel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	if err := s.svc.RetireTunnel(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("tunnel retired by operator", "tunnel_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Settings())
}

func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	var req domain.SettingRequest
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	if err := s.svc.SetSetting(ctx, key, req.Value); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("setting updated", "key", key)
	writeJSON(w, http.StatusOK, map[string]string{key: req.Value})
}

// writeReconcile reports a topology result. Per-intent failures are listed
// in the body of a 200 response; a failure before any intent ran is mapped
// like any other error.
func (s *Server) writeReconcile(w http.ResponseWriter, res topology.Result, err error) {
	resp := domain.ReconcileResponse{
		Created:  res.Created,
		Attached: res.Attached,
		Released: res.Released,
		Retired:  res.Retired,
	}
	if err != nil {
		var joined interface{ Unwrap() []error }
		if !errors.As(err, &joined) {
			writeError(w, err)
			return
		}
		for _, e := range joined.Unwrap() {
			resp.Errors = append(resp.Errors, e.Error())
		}
		s.log.Warn("reconcile finished with errors", "errors", len(resp.Errors))
	}
	writeJSON(w, http.StatusOK, resp)
}
