// Package client talks to the cat4igp control plane: the node API used by
// the agent, the watch channel and the operator API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cat4igp/cat4igp/internal/domain"
)

const (
	maxErrorBody       = 4096
	requestRetries     = 4
	retryInitialDelay  = 250 * time.Millisecond
	retryMaxDelay      = 5 * time.Second
	defaultHTTPTimeout = 30 * time.Second
)

// Client is an HTTP client for one server and one bearer token. The token is
// a node credential for the node API or the operator token for Operator.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger
}

// New returns a Client for serverURL.
func New(serverURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(strings.TrimSpace(serverURL), "/"),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: timeout},
		log:     logger,
	}
}

// WithToken returns a copy of c that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = strings.TrimSpace(token)
	return &cp
}

// SetLogger replaces the client's logger.
func (c *Client) SetLogger(l *slog.Logger) {
	c.log = l
}

// Register redeems an invite. It is never retried: a lost response would
// otherwise consume a second invite use.
func (c *Client) Register(ctx context.Context, req domain.RegisterRequest) (domain.RegisterResponse, error) {
	var out domain.RegisterResponse
	err := c.send(ctx, http.MethodPost, "/v1/register", req, &out)
	return out, err
}

// Self returns the caller's node.
func (c *Client) Self(ctx context.Context) (domain.NodeInfo, error) {
	var out domain.NodeInfo
	err := c.call(ctx, http.MethodGet, "/v1/self", nil, &out)
	return out, err
}

// Rename changes the caller's node name.
func (c *Client) Rename(ctx context.Context, name string) (domain.NodeInfo, error) {
	var out domain.NodeInfo
	err := c.call(ctx, http.MethodPost, "/v1/self/name", domain.RenameRequest{Name: name}, &out)
	return out, err
}

// Nodes lists every node.
func (c *Client) Nodes(ctx context.Context) ([]domain.NodeInfo, error) {
	var out []domain.NodeInfo
	err := c.call(ctx, http.MethodGet, "/v1/nodes", nil, &out)
	return out, err
}

// Tunnels returns the caller's tunnel intents.
func (c *Client) Tunnels(ctx context.Context) ([]domain.TunnelIntent, error) {
	var out []domain.TunnelIntent
	err := c.call(ctx, http.MethodGet, "/v1/tunnels", nil, &out)
	return out, err
}

// ReportEndpoint publishes the caller's endpoint for a tunnel.
func (c *Client) ReportEndpoint(ctx context.Context, tunnelID int64, endpoint string, ipv6 bool) (domain.TunnelIntent, error) {
	var out domain.TunnelIntent
	path := fmt.Sprintf("/v1/tunnels/%d/endpoint", tunnelID)
	err := c.call(ctx, http.MethodPost, path, domain.EndpointRequest{Endpoint: endpoint, IPv6: ipv6}, &out)
	return out, err
}

// ReportAnswered records that the caller configured its side of a tunnel.
func (c *Client) ReportAnswered(ctx context.Context, tunnelID int64) (domain.TunnelIntent, error) {
	var out domain.TunnelIntent
	err := c.call(ctx, http.MethodPost, fmt.Sprintf("/v1/tunnels/%d/answered", tunnelID), nil, &out)
	return out, err
}

// SetStaticKey uploads the caller's WireGuard public key.
func (c *Client) SetStaticKey(ctx context.Context, publicKey string) (domain.StaticKeyResponse, error) {
	var out domain.StaticKeyResponse
	err := c.call(ctx, http.MethodPut, "/v1/wireguard/key", domain.StaticKeyRequest{PublicKey: publicKey}, &out)
	return out, err
}

// StaticKey fetches another node's WireGuard public key.
func (c *Client) StaticKey(ctx context.Context, nodeID int64) (domain.StaticKeyResponse, error) {
	var out domain.StaticKeyResponse
	err := c.call(ctx, http.MethodGet, fmt.Sprintf("/v1/wireguard/key/%d", nodeID), nil, &out)
	return out, err
}

// call sends an idempotent request, retrying transport failures and
// retriable statuses with exponential backoff.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialDelay
	b.MaxInterval = retryMaxDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, requestRetries), ctx)
	return backoff.RetryNotify(func() error {
		err := c.send(ctx, method, path, body, out)
		if err != nil && IsNonRetriable(err) {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		c.log.Debug("request retry", "method", method, "path", path, "err", shortenError(err), "retry_in", wait.Round(time.Millisecond).String())
	})
}

// send performs one request without retries.
func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	var errResp domain.ErrorResponse
	if json.Unmarshal(b, &errResp) == nil && errResp.Error != "" {
		apiErr.Message = errResp.Error
		apiErr.Code = errResp.ErrorCode
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// watchURL maps the server URL onto the websocket scheme.
func (c *Client) watchURL() (string, error) {
	u, err := url.Parse(c.baseURL + "/v1/watch")
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	return u.String(), nil
}
