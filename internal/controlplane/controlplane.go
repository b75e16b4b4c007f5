// Package controlplane implements the agent.ControlPlane collaborator as a
// JSON-RPC-over-HTTP client, grounded in the original agent's jsonrpc.JSONRPC
// wrapper (dataplicity/client.py) and its "device.*" method namespace (e.g.
// device.check_auth in security_extensions/base.py). The wire client itself
// is built on github.com/creachadair/jrpc2, the way the rest of this module
// leans on that pack's JSON-RPC plumbing rather than hand-rolling one.
package controlplane

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"

	"github.com/wildfoundry/dataplicity-agent/internal/contextutil"
)

// httpChannel adapts a single request/response HTTP POST exchange to the
// jrpc2 channel.Channel interface: Send issues the request, Recv returns the
// most recently received body. jrpc2.Client only ever calls them in
// Send-then-Recv pairs for a synchronous RPC, so a single-slot handoff is
// sufficient.
type httpChannel struct {
	url    string
	client *http.Client

	mu   sync.Mutex
	resp chan []byte
}

func newHTTPChannel(url string, client *http.Client) *httpChannel {
	return &httpChannel{url: url, client: client, resp: make(chan []byte, 1)}
}

func (c *httpChannel) Send(msg []byte) error {
	req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(msg))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("control plane returned %s", resp.Status)
	}
	c.mu.Lock()
	c.resp <- body
	c.mu.Unlock()
	return nil
}

func (c *httpChannel) Recv() ([]byte, error) {
	return <-c.resp, nil
}

func (c *httpChannel) Close() error { return nil }

var _ channel.Channel = (*httpChannel)(nil)

// Client talks to the control plane's JSON-RPC API over HTTP, authenticating
// every call with the device's serial and auth token.
type Client struct {
	url    string
	serial string
	auth   string

	mu  sync.Mutex
	rpc *jrpc2.Client
	ch  *httpChannel
}

// New constructs a Client bound to the given JSON-RPC endpoint and device
// credentials.
func New(url, serial, authToken string) *Client {
	return &Client{url: url, serial: serial, auth: authToken}
}

func (c *Client) client() *jrpc2.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc == nil {
		c.ch = newHTTPChannel(c.url, &http.Client{Timeout: 30 * time.Second})
		c.rpc = jrpc2.NewClient(c.ch, nil)
	}
	return c.rpc
}

func (c *Client) call(ctx context.Context, method string, params any) error {
	_, err := c.client().Call(ctx, method, params)
	return err
}

// Associate reports the device's freshly assigned M2M identity to the
// control plane, the Go rewrite's counterpart of the original's
// device.check_auth exchange (dataplicity/client.py).
func (c *Client) Associate(identity []byte) error {
	ctx, cancel := contextutil.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return c.call(ctx, "device.associate", map[string]any{
		"serial":     c.serial,
		"auth_token": c.auth,
		"identity":   string(identity),
	})
}

// Sync asks the control plane to accept whatever telemetry this device has
// queued, analogous to the original agent's periodic sync poll.
func (c *Client) Sync() error {
	ctx, cancel := contextutil.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return c.call(ctx, "device.sync", map[string]any{
		"serial": c.serial,
	})
}

// TriggerDirectoryScan asks the control plane to enqueue a fresh remote
// directory scan, the RPC counterpart of an on_instruction "scan-directory".
func (c *Client) TriggerDirectoryScan() error {
	ctx, cancel := contextutil.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return c.call(ctx, "device.scanDirectory", map[string]any{
		"serial": c.serial,
	})
}

// Close releases the underlying JSON-RPC client, if one was ever created.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc == nil {
		return nil
	}
	return c.rpc.Close()
}
