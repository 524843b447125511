package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/cat4igp/cat4igp/internal/domain"
)

const (
	reconnectInitialDelay = 2 * time.Second
	reconnectMaxDelay     = time.Minute
	wsHandshakeTimeout    = 10 * time.Second
	wsWriteTimeout        = 10 * time.Second
	wsReadLimit           = 64 << 10
)

// Watch holds one watch connection open and calls onEvent for every event
// the server pushes. It returns when the connection drops or ctx ends.
func (c *Client) Watch(ctx context.Context, onEvent func(domain.Event)) error {
	target, err := c.watchURL()
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
		Proxy:            http.ProxyFromEnvironment,
	}
	header := http.Header{"Authorization": []string{"Bearer " + c.token}}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			defer func() { _ = resp.Body.Close() }()
			return decodeAPIError(resp)
		}
		return fmt.Errorf("watch connect: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteTimeout))
			_ = conn.Close()
		case <-stop:
			_ = conn.Close()
		}
	}()

	for {
		var evt domain.Event
		if err := conn.ReadJSON(&evt); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("watch read: %w", err)
		}
		onEvent(evt)
	}
}

// newReconnectBackOff returns the watch reconnect schedule. It never gives
// up; ±25% jitter keeps a fleet of agents from reconnecting in lockstep.
func newReconnectBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectInitialDelay
	b.MaxInterval = reconnectMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
