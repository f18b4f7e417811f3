package attach

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patze/control/internal/sshtunnel"
)

// fakeRuntime returns tunnels whose local base URL points at a test server.
type fakeRuntime struct {
	mu      sync.Mutex
	baseURL string
	openErr error
	opened  int
	closed  []string
}

func (f *fakeRuntime) OpenForward(spec sshtunnel.ForwardSpec) (*sshtunnel.Tunnel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened++
	return &sshtunnel.Tunnel{
		ID:           fmt.Sprintf("tun-%d", f.opened),
		Spec:         spec,
		LocalBaseURL: f.baseURL,
		State:        sshtunnel.TunnelConnected,
	}, nil
}

func (f *fakeRuntime) Close(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
}

func (f *fakeRuntime) Get(id string) (*sshtunnel.Tunnel, bool) { return nil, false }

func testEndpoint() Endpoint {
	return Endpoint{
		ID:             "ep-1",
		Host:           "edge.example.com",
		User:           "ops",
		PrivateKeyPath: "~/.ssh/id_ed25519",
		RemotePort:     9700,
		Token:          "bridge-token",
	}
}

func TestAttachEndpointSuccess(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rt := &fakeRuntime{baseURL: srv.URL}
	o := NewOrchestrator(rt, time.Second)

	att, err := o.AttachEndpoint(context.Background(), testEndpoint())
	require.NoError(t, err)
	assert.Equal(t, "ep-1", att.EndpointID)
	assert.Equal(t, "ops", att.SSHUser)
	assert.Equal(t, AttachmentActive, att.State)
	assert.Equal(t, "Bearer bridge-token", gotAuth)
	assert.Len(t, o.ListAttachments(), 1)
}

func TestAttachEndpointTearsDownTunnelOnFailedHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rt := &fakeRuntime{baseURL: srv.URL}
	o := NewOrchestrator(rt, 600*time.Millisecond)

	_, err := o.AttachEndpoint(context.Background(), testEndpoint())
	require.Error(t, err)
	assert.Equal(t, []string{"tun-1"}, rt.closed, "partially opened tunnel must be torn down")
	assert.Empty(t, o.ListAttachments())
}

func TestAttachEndpointRejectsDuplicate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	o := NewOrchestrator(&fakeRuntime{baseURL: srv.URL}, time.Second)
	_, err := o.AttachEndpoint(context.Background(), testEndpoint())
	require.NoError(t, err)

	_, err = o.AttachEndpoint(context.Background(), testEndpoint())
	assert.Error(t, err)
}

func TestDetachEndpointIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rt := &fakeRuntime{baseURL: srv.URL}
	o := NewOrchestrator(rt, time.Second)
	_, err := o.AttachEndpoint(context.Background(), testEndpoint())
	require.NoError(t, err)

	o.DetachEndpoint("ep-1", true)
	o.DetachEndpoint("ep-1", true) // second detach is a no-op
	assert.Equal(t, []string{"tun-1"}, rt.closed)

	o.DetachEndpoint("never-attached", false)
}

func TestProbeHealthMarksDegraded(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	o := NewOrchestrator(&fakeRuntime{baseURL: srv.URL}, time.Second)
	_, err := o.AttachEndpoint(context.Background(), testEndpoint())
	require.NoError(t, err)

	healthy = false
	err = o.ProbeHealth(context.Background(), "ep-1")
	require.Error(t, err)
	atts := o.ListAttachments()
	require.Len(t, atts, 1)
	assert.Equal(t, AttachmentDegraded, atts[0].State)

	healthy = true
	require.NoError(t, o.ProbeHealth(context.Background(), "ep-1"))
	assert.Equal(t, AttachmentActive, o.ListAttachments()[0].State)
}

func TestReattachUsesStoredConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rt := &fakeRuntime{baseURL: srv.URL}
	o := NewOrchestrator(rt, time.Second)
	_, err := o.AttachEndpoint(context.Background(), testEndpoint())
	require.NoError(t, err)

	att, err := o.Reattach(context.Background(), "ep-1")
	require.NoError(t, err)
	assert.Equal(t, "tun-2", att.Tunnel.ID)
	assert.Equal(t, []string{"tun-1"}, rt.closed)
}
