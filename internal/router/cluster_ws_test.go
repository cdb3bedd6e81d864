package router

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/xpod/fabric/internal/models"
)

func upgradeRequest(host, path string) *http.Request {
	r := httptest.NewRequest("GET", path, nil)
	r.Host = host
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "Upgrade")
	return r
}

func TestIsWebSocketUpgrade(t *testing.T) {
	assert.True(t, IsWebSocketUpgrade(upgradeRequest("x", "/")))

	plain := httptest.NewRequest("GET", "/", nil)
	assert.False(t, IsWebSocketUpgrade(plain))

	// keep-alive alongside upgrade is still an upgrade
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Upgrade", "WebSocket")
	r.Header.Set("Connection", "keep-alive, Upgrade")
	assert.True(t, IsWebSocketUpgrade(r))
}

func TestClusterWSDeclinesNonNodeHosts(t *testing.T) {
	registry := &fakeRegistry{nodes: map[string]*models.Node{}}
	h := NewClusterWebSocketHandler(registry, "cluster.example.com")

	// Ingress domain itself
	assert.False(t, h.HandleUpgrade(httptest.NewRecorder(), upgradeRequest("cluster.example.com", "/ws")))

	// Unrelated domain
	assert.False(t, h.HandleUpgrade(httptest.NewRecorder(), upgradeRequest("other.example.org", "/ws")))

	// Multi-label subdomain is not a node id
	assert.False(t, h.HandleUpgrade(httptest.NewRecorder(), upgradeRequest("a.b.cluster.example.com", "/ws")))

	// No cluster domain configured
	unconfigured := NewClusterWebSocketHandler(registry, "")
	assert.False(t, unconfigured.HandleUpgrade(httptest.NewRecorder(), upgradeRequest("edge-1.cluster.example.com", "/ws")))
}

func TestClusterWSHonoursOriginalHostHeader(t *testing.T) {
	registry := &fakeRegistry{nodes: map[string]*models.Node{}}
	h := NewClusterWebSocketHandler(registry, "cluster.example.com")

	r := upgradeRequest("internal-lb:8080", "/ws")
	r.Header.Set("X-Original-Host", "other.example.org")
	assert.False(t, h.HandleUpgrade(httptest.NewRecorder(), r))
}

// rawResponse runs HandleUpgrade behind a real server so the hijacked
// connection produces a readable HTTP response.
func rawResponse(t *testing.T, h *ClusterWebSocketHandler, host, path string) *http.Response {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.HandleUpgrade(w, r) {
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	r, err := http.NewRequest("GET", server.URL+path, nil)
	require.NoError(t, err)
	r.Host = host
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "Upgrade")

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(r)
	require.NoError(t, err)
	return resp
}

func TestClusterWSDirectRedirect(t *testing.T) {
	registry := &fakeRegistry{nodes: map[string]*models.Node{
		"edge-1": {
			ID:         "edge-1",
			Type:       models.NodeTypeEdge,
			AccessMode: models.AccessModeDirect,
			PublicIP:   "198.51.100.4",
			PublicPort: 8443,
		},
	}}
	h := NewClusterWebSocketHandler(registry, "cluster.example.com")

	resp := rawResponse(t, h, "edge-1.cluster.example.com", "/updates?stream=1")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, "wss://198.51.100.4:8443/updates?stream=1", resp.Header.Get("Location"))
	assert.Equal(t, "edge-1", resp.Header.Get(HeaderDirectNode))
}

func TestClusterWSUnknownNode(t *testing.T) {
	registry := &fakeRegistry{nodes: map[string]*models.Node{}}
	h := NewClusterWebSocketHandler(registry, "cluster.example.com")

	resp := rawResponse(t, h, "ghost.cluster.example.com", "/ws")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClusterWSProxyModeWithoutEntrypoint(t *testing.T) {
	registry := &fakeRegistry{nodes: map[string]*models.Node{
		"edge-2": {ID: "edge-2", Type: models.NodeTypeEdge, AccessMode: models.AccessModeProxy},
	}}
	h := NewClusterWebSocketHandler(registry, "cluster.example.com")

	resp := rawResponse(t, h, "edge-2.cluster.example.com", "/ws")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestClusterWSUnsetModeIsBadRequest(t *testing.T) {
	registry := &fakeRegistry{nodes: map[string]*models.Node{
		"edge-3": {ID: "edge-3", Type: models.NodeTypeEdge, AccessMode: models.AccessModeUnset},
	}}
	h := NewClusterWebSocketHandler(registry, "cluster.example.com")

	resp := rawResponse(t, h, "edge-3.cluster.example.com", "/ws")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClusterWSProxyModeTunnel(t *testing.T) {
	var headerMu sync.Mutex
	var upstreamHeaders http.Header

	// Fake tunnel upstream: record the forwarded headers, complete the
	// upgrade handshake, and answer one frame-less echo.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headerMu.Lock()
		upstreamHeaders = r.Header.Clone()
		headerMu.Unlock()

		hijacker, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, buf, err := hijacker.Hijack()
		if err != nil {
			return
		}
		defer conn.Close()

		if _, err := conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")); err != nil {
			return
		}
		line, err := buf.ReadString('\n')
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("pong:" + line))
	}))
	defer upstream.Close()

	registry := &fakeRegistry{nodes: map[string]*models.Node{
		"edge-2": {
			ID:         "edge-2",
			Type:       models.NodeTypeEdge,
			AccessMode: models.AccessModeProxy,
			Metadata: datatypes.JSONMap{
				"tunnel": map[string]interface{}{"entrypoint": upstream.URL},
			},
		},
	}}
	h := NewClusterWebSocketHandler(registry, "cluster.example.com")

	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleUpgrade(w, r)
	}))
	defer proxy.Close()

	conn, err := net.Dial("tcp", proxy.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /ws HTTP/1.1\r\n" +
		"Host: edge-2.cluster.example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n\r\n"))
	require.NoError(t, err)

	// The upstream's 101 passes through the tunnel untouched
	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(status, "HTTP/1.1 101"), status)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}

	// Bytes flow both ways through the hijacked pipe
	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)
	echoed, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "pong:hello\n", echoed)

	headerMu.Lock()
	defer headerMu.Unlock()
	assert.Equal(t, "edge-2.cluster.example.com", upstreamHeaders.Get("X-Forwarded-Host"))
	assert.Equal(t, "ws", upstreamHeaders.Get("X-Forwarded-Proto"))
	assert.Equal(t, "edge-2", upstreamHeaders.Get(HeaderProxyNode))
}

func TestTunnelEntrypointResolution(t *testing.T) {
	assert.Equal(t, "https://tunnel.example/entry", tunnelEntrypoint(map[string]interface{}{
		"tunnel": map[string]interface{}{"entrypoint": "https://tunnel.example/entry"},
	}))
	assert.Equal(t, "https://pub.example", tunnelEntrypoint(map[string]interface{}{
		"publicAddress": "https://pub.example",
	}))
	// tunnel.entrypoint wins over publicAddress
	assert.Equal(t, "https://tunnel.example/entry", tunnelEntrypoint(map[string]interface{}{
		"tunnel":        map[string]interface{}{"entrypoint": "https://tunnel.example/entry"},
		"publicAddress": "https://pub.example",
	}))
	assert.Equal(t, "", tunnelEntrypoint(map[string]interface{}{}))
	assert.Equal(t, "", tunnelEntrypoint(nil))
}
