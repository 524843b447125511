package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/cat4igp/cat4igp/internal/domain"
)

// Operator wraps the operator API. Mutations are sent once; reads retry.
type Operator struct {
	c *Client
}

// NewOperator returns an Operator authenticating with the operator token.
func NewOperator(c *Client) *Operator {
	return &Operator{c: c}
}

func (o *Operator) CreateInvite(ctx context.Context, req domain.InviteRequest) (domain.Invite, error) {
	var out domain.Invite
	err := o.c.send(ctx, http.MethodPost, "/v1/admin/invites", req, &out)
	return out, err
}

func (o *Operator) ListInvites(ctx context.Context) ([]domain.Invite, error) {
	var out []domain.Invite
	err := o.c.call(ctx, http.MethodGet, "/v1/admin/invites", nil, &out)
	return out, err
}

func (o *Operator) Nodes(ctx context.Context) ([]domain.NodeInfo, error) {
	var out []domain.NodeInfo
	err := o.c.call(ctx, http.MethodGet, "/v1/admin/nodes", nil, &out)
	return out, err
}

func (o *Operator) CreateMesh(ctx context.Context, req domain.MeshRequest) (domain.MeshGroup, error) {
	var out domain.MeshGroup
	err := o.c.send(ctx, http.MethodPost, "/v1/admin/meshes", req, &out)
	return out, err
}

func (o *Operator) ListMeshes(ctx context.Context) ([]domain.MeshGroup, error) {
	var out []domain.MeshGroup
	err := o.c.call(ctx, http.MethodGet, "/v1/admin/meshes", nil, &out)
	return out, err
}

func (o *Operator) UpdateMesh(ctx context.Context, id int64, req domain.MeshRequest) (domain.ReconcileResponse, error) {
	var out domain.ReconcileResponse
	err := o.c.call(ctx, http.MethodPut, fmt.Sprintf("/v1/admin/meshes/%d", id), req, &out)
	return out, err
}

func (o *Operator) DeleteMesh(ctx context.Context, id int64) (domain.ReconcileResponse, error) {
	var out domain.ReconcileResponse
	err := o.c.send(ctx, http.MethodDelete, fmt.Sprintf("/v1/admin/meshes/%d", id), nil, &out)
	return out, err
}

func (o *Operator) Members(ctx context.Context, groupID int64) ([]int64, error) {
	var out []int64
	err := o.c.call(ctx, http.MethodGet, fmt.Sprintf("/v1/admin/meshes/%d/members", groupID), nil, &out)
	return out, err
}

func (o *Operator) JoinMesh(ctx context.Context, groupID, nodeID int64) (domain.ReconcileResponse, error) {
	var out domain.ReconcileResponse
	path := fmt.Sprintf("/v1/admin/meshes/%d/members", groupID)
	err := o.c.call(ctx, http.MethodPost, path, domain.MembershipRequest{NodeID: nodeID}, &out)
	return out, err
}

func (o *Operator) LeaveMesh(ctx context.Context, groupID, nodeID int64) (domain.ReconcileResponse, error) {
	var out domain.ReconcileResponse
	path := fmt.Sprintf("/v1/admin/meshes/%d/members/%d", groupID, nodeID)
	err := o.c.call(ctx, http.MethodDelete, path, nil, &out)
	return out, err
}

// Reconcile reconciles one group, or every group when groupID is 0.
func (o *Operator) Reconcile(ctx context.Context, groupID int64) (domain.ReconcileResponse, error) {
	path := "/v1/admin/reconcile"
	if groupID > 0 {
		path = fmt.Sprintf("/v1/admin/meshes/%d/reconcile", groupID)
	}
	var out domain.ReconcileResponse
	err := o.c.call(ctx, http.MethodPost, path, nil, &out)
	return out, err
}

func (o *Operator) RetireTunnel(ctx context.Context, tunnelID int64) error {
	return o.c.call(ctx, http.MethodPost, fmt.Sprintf("/v1/admin/tunnels/%d/retire", tunnelID), nil, nil)
}

func (o *Operator) Settings(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := o.c.call(ctx, http.MethodGet, "/v1/admin/settings", nil, &out)
	return out, err
}

func (o *Operator) SetSetting(ctx context.Context, key, value string) error {
	path := "/v1/admin/settings/" + url.PathEscape(key)
	return o.c.call(ctx, http.MethodPut, path, domain.SettingRequest{Value: value}, nil)
}
