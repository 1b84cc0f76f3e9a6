// Package client is the shared library CLI and GUI front-ends use to
// talk to the daemon's control API (spec.md §4.K): a small HTTP client
// wired for the daemon's transport mode (unix socket, plain loopback
// TCP, or pinned-TLS TCP), and the race-free start_tunnel_with_events
// sequence described in spec.md §9.
package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/SchirmForge/ssh-tunnel-manager/internal/authtoken"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/model"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/tlsmaterial"
)

// subscribeTimeout bounds how long Client waits for the SSE subscribe
// request's headers before giving up, per spec.md §4.K step 1.
const subscribeTimeout = 5 * time.Second

// overallTimeout and idleTimeout bound StartTunnelWithEvents as a
// whole, per spec.md §4.K step 3.
const (
	overallTimeout = 60 * time.Second
	idleTimeout    = 15 * time.Second
)

// Config describes how to reach a daemon. Exactly one of SocketPath or
// Host is meaningful, matching the mode recorded in cli.toml.
type Config struct {
	SocketPath         string
	Host               string
	Port               int
	TLS                bool
	TLSCertFingerprint string
	AuthToken          string
}

// Client is a thin wrapper over *http.Client pointed at one daemon.
type Client struct {
	httpClient *http.Client
	baseURL    string
	authToken  string
}

// New builds a Client from cfg, installing the pinned-TLS verifier
// when cfg.TLSCertFingerprint is set.
func New(cfg Config) *Client {
	transport := &http.Transport{}

	baseURL := "http://daemon"
	if cfg.SocketPath != "" {
		socketPath := cfg.SocketPath
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		}
	} else {
		scheme := "http"
		if cfg.TLS {
			scheme = "https"
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
			if cfg.TLSCertFingerprint != "" {
				transport.TLSClientConfig.VerifyPeerCertificate = tlsmaterial.PinnedVerifier(cfg.TLSCertFingerprint)
			}
		}
		baseURL = fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		baseURL:    baseURL,
		authToken:  cfg.AuthToken,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.authToken != "" {
		req.Header.Set(authtoken.HeaderName, c.authToken)
	}
	return req, nil
}

// errorEnvelope mirrors the {"error":"..."} body every failing control
// API response carries.
type errorEnvelope struct {
	Error string `json:"error"`
}

func readAPIError(resp *http.Response) error {
	var env errorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || env.Error == "" {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return errors.New(env.Error)
}

// AuthHandler is supplied by the caller to answer a pending AuthRequest
// interactively (password prompt, host key confirmation, etc).
type AuthHandler func(model.AuthRequest) (string, error)

// StartTunnelWithEvents drives the sequence spec.md §4.K/§9 calls out
// explicitly: subscribe to the event stream before starting the
// tunnel, so no event the daemon publishes between "start accepted"
// and "first event read" is ever missed.
func (c *Client) StartTunnelWithEvents(ctx context.Context, id string, handler AuthHandler) error {
	ctx, cancel := context.WithTimeout(ctx, overallTimeout)
	defer cancel()

	events, stop, err := c.subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to event stream: %w", err)
	}
	defer stop()

	if err := c.postStart(ctx, id); err != nil {
		return fmt.Errorf("start tunnel %s: %w", id, err)
	}

	return c.driveUntilConnected(ctx, id, events, handler)
}

// subscribe opens the SSE stream and blocks until its response headers
// arrive (or subscribeTimeout elapses), returning a channel of decoded
// events and a stop function that cancels the underlying request.
func (c *Client) subscribe(parent context.Context) (<-chan model.TunnelEvent, func(), error) {
	ctx, cancel := context.WithCancel(parent)

	req, err := c.newRequest(ctx, http.MethodGet, "/api/events", nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := c.httpClient.Do(req)
		done <- result{resp, err}
	}()

	var resp *http.Response
	select {
	case r := <-done:
		if r.err != nil {
			cancel()
			return nil, nil, r.err
		}
		resp = r.resp
	case <-time.After(subscribeTimeout):
		cancel()
		return nil, nil, errors.New("timed out waiting for event stream subscription")
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, nil, fmt.Errorf("event stream returned %s", resp.Status)
	}

	events := make(chan model.TunnelEvent)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		scanSSE(resp.Body, events)
	}()

	return events, func() { cancel(); resp.Body.Close() }, nil
}

// scanSSE reads "data: <json>\n\n" frames and decodes each payload as
// a model.TunnelEvent, ignoring blank lines; the type discriminant
// rides inside the JSON payload itself rather than an "event:" field.
func scanSSE(body io.Reader, out chan<- model.TunnelEvent) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev model.TunnelEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		out <- ev
	}
}

func (c *Client) postStart(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/tunnels/"+id+"/start", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return readAPIError(resp)
	}
	return nil
}

func (c *Client) postAuth(ctx context.Context, id, value string) error {
	body, _ := json.Marshal(map[string]string{"value": value})
	req, err := c.newRequest(ctx, http.MethodPost, "/api/tunnels/"+id+"/auth", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	return nil
}

// driveUntilConnected reads events, filtering to id, until Connected
// (success), Error/Disconnected before Connected (failure), or the
// idle timeout — at which point it falls back to polling /status.
func (c *Client) driveUntilConnected(ctx context.Context, id string, events <-chan model.TunnelEvent, handler AuthHandler) error {
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-idle.C:
			state, err := c.pollStatus(ctx, id)
			if err != nil {
				return fmt.Errorf("poll status after idle timeout: %w", err)
			}
			switch state.Status {
			case model.StatusConnected:
				return nil
			case model.StatusFailed, model.StatusDisconnected:
				return fmt.Errorf("tunnel %s did not connect: %s", id, state.Reason)
			}
			idle.Reset(idleTimeout)

		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed before tunnel %s connected", id)
			}
			if ev.TunnelID != id && ev.Type != model.EventHeartbeat {
				continue
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(idleTimeout)

			switch ev.Type {
			case model.EventConnected:
				return nil
			case model.EventError:
				return fmt.Errorf("tunnel %s failed: %s", id, ev.Error)
			case model.EventDisconnected:
				return fmt.Errorf("tunnel %s disconnected before connecting: %s", id, ev.Reason)
			case model.EventAuthRequired:
				if err := c.answerAuth(ctx, id, *ev.Request, handler); err != nil {
					return err
				}
			}
		}
	}
}

func (c *Client) answerAuth(ctx context.Context, id string, req model.AuthRequest, handler AuthHandler) error {
	if handler == nil {
		return fmt.Errorf("tunnel %s requires %s but no auth handler was supplied", id, req.Kind)
	}
	value, err := handler(req)
	if err != nil {
		return fmt.Errorf("auth handler for %s: %w", req.Kind, err)
	}
	return c.postAuth(ctx, id, value)
}

func (c *Client) pollStatus(ctx context.Context, id string) (model.TunnelState, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/tunnels/"+id+"/status", nil)
	if err != nil {
		return model.TunnelState{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.TunnelState{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.TunnelState{}, readAPIError(resp)
	}
	var state model.TunnelState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return model.TunnelState{}, err
	}
	return state, nil
}

// Stop requests tunnel id stop.
func (c *Client) Stop(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/tunnels/"+id+"/stop", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	return nil
}

// List reports every tunnel the daemon currently knows about.
func (c *Client) List(ctx context.Context) ([]model.TunnelState, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/tunnels", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}
	var states []model.TunnelState
	if err := json.NewDecoder(resp.Body).Decode(&states); err != nil {
		return nil, err
	}
	return states, nil
}
