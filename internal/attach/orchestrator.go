// Package attach binds remote endpoints to SSH tunnels and verifies the
// telemetry surface on the local end of each tunnel.
package attach

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/patze/control/internal/sshtunnel"
)

// Endpoint describes one remote OpenClaw bridge to attach.
type Endpoint struct {
	ID              string `json:"id"`
	Label           string `json:"label,omitempty"`
	Host            string `json:"host"`
	Port            int    `json:"port,omitempty"`
	User            string `json:"user"`
	PrivateKeyPath  string `json:"privateKeyPath"`
	KnownHostsPath  string `json:"knownHostsPath,omitempty"`
	RemotePort      int    `json:"remotePort"`
	Token           string `json:"token,omitempty"`
	TrustOnFirstUse bool   `json:"trustOnFirstUse,omitempty"`
}

// AttachmentState reflects the health of one attachment.
type AttachmentState string

const (
	AttachmentActive   AttachmentState = "active"
	AttachmentDegraded AttachmentState = "degraded"
)

// Attachment is the binding of an endpoint to a tunnel.
type Attachment struct {
	EndpointID string             `json:"endpointId"`
	SSHUser    string             `json:"sshUser"`
	Tunnel     *sshtunnel.Tunnel  `json:"tunnel"`
	State      AttachmentState    `json:"state"`
	AttachedAt time.Time          `json:"attachedAt"`
	LastProbe  time.Time          `json:"lastProbeAt,omitempty"`
	LastError  string             `json:"lastError,omitempty"`
}

// TunnelRuntime is the slice of the SSH runtime the orchestrator needs.
type TunnelRuntime interface {
	OpenForward(spec sshtunnel.ForwardSpec) (*sshtunnel.Tunnel, error)
	Close(id string)
	Get(id string) (*sshtunnel.Tunnel, bool)
}

// Orchestrator owns attachments and references tunnels by id. It is
// responsible for reconnection; the tunnel runtime only reports state.
type Orchestrator struct {
	runtime     TunnelRuntime
	httpClient  *http.Client
	probeWindow time.Duration

	mu          sync.Mutex
	attachments map[string]*Attachment
	endpoints   map[string]Endpoint
}

// NewOrchestrator creates an orchestrator. probeWindow bounds the health
// retry loop after a tunnel opens; zero means 10s.
func NewOrchestrator(runtime TunnelRuntime, probeWindow time.Duration) *Orchestrator {
	if probeWindow <= 0 {
		probeWindow = 10 * time.Second
	}
	return &Orchestrator{
		runtime:     runtime,
		httpClient:  &http.Client{Timeout: 3 * time.Second},
		probeWindow: probeWindow,
		attachments: make(map[string]*Attachment),
		endpoints:   make(map[string]Endpoint),
	}
}

// AttachEndpoint opens a tunnel for the endpoint, verifies GET /health on
// the local end within the probe window, and registers the attachment.
// A partially opened tunnel is torn down on failure.
func (o *Orchestrator) AttachEndpoint(ctx context.Context, ep Endpoint) (*Attachment, error) {
	if ep.ID == "" {
		return nil, fmt.Errorf("endpoint id is required")
	}
	o.mu.Lock()
	if _, exists := o.attachments[ep.ID]; exists {
		o.mu.Unlock()
		return nil, fmt.Errorf("endpoint %q is already attached", ep.ID)
	}
	o.mu.Unlock()

	tunnel, err := o.runtime.OpenForward(sshtunnel.ForwardSpec{
		Host:            ep.Host,
		Port:            ep.Port,
		User:            ep.User,
		PrivateKeyPath:  ep.PrivateKeyPath,
		KnownHostsPath:  ep.KnownHostsPath,
		RemoteHost:      "127.0.0.1",
		RemotePort:      ep.RemotePort,
		TrustOnFirstUse: ep.TrustOnFirstUse,
	})
	if err != nil {
		return nil, fmt.Errorf("open tunnel: %w", err)
	}

	if err := o.probeWithRetry(ctx, tunnel.LocalBaseURL, ep.Token); err != nil {
		o.runtime.Close(tunnel.ID)
		return nil, fmt.Errorf("health check failed: %w", err)
	}

	att := &Attachment{
		EndpointID: ep.ID,
		SSHUser:    ep.User,
		Tunnel:     tunnel,
		State:      AttachmentActive,
		AttachedAt: time.Now().UTC(),
		LastProbe:  time.Now().UTC(),
	}
	o.mu.Lock()
	o.attachments[ep.ID] = att
	o.endpoints[ep.ID] = ep
	o.mu.Unlock()

	slog.Info("endpoint attached", "endpoint_id", ep.ID, "host", ep.Host, "local_base_url", tunnel.LocalBaseURL)
	cp := *att
	return &cp, nil
}

// probeWithRetry polls GET /health until it succeeds or the window expires.
func (o *Orchestrator) probeWithRetry(ctx context.Context, baseURL, token string) error {
	deadline := time.Now().Add(o.probeWindow)
	var lastErr error
	for {
		if err := o.probe(ctx, baseURL, token); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if time.Now().After(deadline) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (o *Orchestrator) probe(ctx context.Context, baseURL, token string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}

// DetachEndpoint removes the attachment. Idempotent: detaching an unknown id
// succeeds. The tunnel is closed only when closeTunnel is set, so a tunnel
// can be handed over to another owner.
func (o *Orchestrator) DetachEndpoint(endpointID string, closeTunnel bool) {
	o.mu.Lock()
	att, ok := o.attachments[endpointID]
	delete(o.attachments, endpointID)
	delete(o.endpoints, endpointID)
	o.mu.Unlock()
	if !ok {
		return
	}
	if closeTunnel && att.Tunnel != nil {
		o.runtime.Close(att.Tunnel.ID)
	}
	slog.Info("endpoint detached", "endpoint_id", endpointID, "close_tunnel", closeTunnel)
}

// ListAttachments returns copies of all attachments with refreshed tunnel
// state.
func (o *Orchestrator) ListAttachments() []*Attachment {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Attachment, 0, len(o.attachments))
	for _, att := range o.attachments {
		cp := *att
		if t, ok := o.runtime.Get(att.Tunnel.ID); ok {
			cp.Tunnel = t
		}
		out = append(out, &cp)
	}
	return out
}

// GetEndpointConfig returns the stored endpoint definition, used for
// re-attachment.
func (o *Orchestrator) GetEndpointConfig(endpointID string) (Endpoint, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ep, ok := o.endpoints[endpointID]
	return ep, ok
}

// ProbeHealth re-checks one attachment's /health and records the result. A
// failed probe marks the attachment degraded; the operator (or the
// reconnect task) retries.
func (o *Orchestrator) ProbeHealth(ctx context.Context, endpointID string) error {
	o.mu.Lock()
	att, ok := o.attachments[endpointID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("endpoint %q is not attached", endpointID)
	}
	baseURL := att.Tunnel.LocalBaseURL
	token := o.endpoints[endpointID].Token
	o.mu.Unlock()

	err := o.probe(ctx, baseURL, token)

	o.mu.Lock()
	defer o.mu.Unlock()
	if att, ok := o.attachments[endpointID]; ok {
		att.LastProbe = time.Now().UTC()
		if err != nil {
			att.State = AttachmentDegraded
			att.LastError = err.Error()
		} else {
			att.State = AttachmentActive
			att.LastError = ""
		}
	}
	return err
}

// Reattach detaches (closing the old tunnel) and re-attaches using the
// stored endpoint config.
func (o *Orchestrator) Reattach(ctx context.Context, endpointID string) (*Attachment, error) {
	ep, ok := o.GetEndpointConfig(endpointID)
	if !ok {
		return nil, fmt.Errorf("endpoint %q is not attached", endpointID)
	}
	o.DetachEndpoint(endpointID, true)
	return o.AttachEndpoint(ctx, ep)
}
