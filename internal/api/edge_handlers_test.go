package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpod/fabric/internal/models"
	"github.com/xpod/fabric/internal/repository"
)

type fakeEdgeRegistry struct {
	tokenHashes map[string]string
	modes       map[string]repository.NodeModeUpdate
	metadata    map[string]map[string]interface{}
	prefixes    map[string][]string
	routeNode   *models.Node
}

func newFakeEdgeRegistry() *fakeEdgeRegistry {
	return &fakeEdgeRegistry{
		tokenHashes: make(map[string]string),
		modes:       make(map[string]repository.NodeModeUpdate),
		metadata:    make(map[string]map[string]interface{}),
		prefixes:    make(map[string][]string),
	}
}

func (f *fakeEdgeRegistry) FindTokenHash(nodeID string) (string, error) {
	return f.tokenHashes[nodeID], nil
}

func (f *fakeEdgeRegistry) UpdateNodeMode(nodeID string, update repository.NodeModeUpdate) error {
	f.modes[nodeID] = update
	return nil
}

func (f *fakeEdgeRegistry) MergeNodeMetadata(nodeID string, patch map[string]interface{}) error {
	merged := f.metadata[nodeID]
	if merged == nil {
		merged = make(map[string]interface{})
	}
	for k, v := range patch {
		merged[k] = v
	}
	f.metadata[nodeID] = merged
	return nil
}

func (f *fakeEdgeRegistry) GetNodeMetadata(nodeID string) (map[string]interface{}, error) {
	return f.metadata[nodeID], nil
}

func (f *fakeEdgeRegistry) ReplaceNodePodPrefixes(nodeID string, prefixes []string) error {
	f.prefixes[nodeID] = prefixes
	return nil
}

func (f *fakeEdgeRegistry) FindNodeByResourcePath(path string) (*models.Node, error) {
	return f.routeNode, nil
}

func newEdgeTestRouter(registry *fakeEdgeRegistry) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewEdgeHandler(registry)
	r := gin.New()
	r.GET("/.cluster/route", handler.ResolveRoute)
	nodes := r.Group("/.cluster/nodes/:nodeId", handler.Authenticate())
	nodes.PUT("/mode", handler.UpdateMode)
	nodes.PATCH("/metadata", handler.MergeMetadata)
	nodes.PUT("/pods", handler.ReplacePrefixes)
	return r
}

func edgeRequest(method, path, secret, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	return req
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	registry := newFakeEdgeRegistry()
	registry.tokenHashes["edge-1"] = repository.HashToken("right-secret")
	r := newEdgeTestRouter(registry)

	cases := []struct {
		name   string
		secret string
	}{
		{"missing token", ""},
		{"wrong secret", "wrong-secret"},
		{"unknown node hash", "right-secret-for-other-node"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, edgeRequest(http.MethodPut, "/.cluster/nodes/edge-1/mode", tc.secret,
			`{"accessMode":"proxy"}`))
		assert.Equal(t, http.StatusUnauthorized, w.Code, tc.name)
	}

	// Unknown node looks identical to a wrong secret
	w := httptest.NewRecorder()
	r.ServeHTTP(w, edgeRequest(http.MethodPut, "/.cluster/nodes/ghost/mode", "anything",
		`{"accessMode":"proxy"}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUpdateModeDirect(t *testing.T) {
	registry := newFakeEdgeRegistry()
	registry.tokenHashes["edge-1"] = repository.HashToken("s3cret")
	r := newEdgeTestRouter(registry)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, edgeRequest(http.MethodPut, "/.cluster/nodes/edge-1/mode", "s3cret",
		`{"accessMode":"direct","publicIp":"198.51.100.7","publicPort":8443,"subdomain":"edge-1.cluster.example"}`))

	require.Equal(t, http.StatusOK, w.Code)
	update := registry.modes["edge-1"]
	assert.Equal(t, models.AccessModeDirect, update.AccessMode)
	require.NotNil(t, update.PublicIP)
	assert.Equal(t, "198.51.100.7", *update.PublicIP)
	require.NotNil(t, update.PublicPort)
	assert.Equal(t, 8443, *update.PublicPort)
	require.NotNil(t, update.ConnectivityStatus)
	assert.Equal(t, models.ConnectivityReachable, *update.ConnectivityStatus)
}

func TestUpdateModeValidation(t *testing.T) {
	registry := newFakeEdgeRegistry()
	registry.tokenHashes["edge-1"] = repository.HashToken("s3cret")
	r := newEdgeTestRouter(registry)

	cases := []struct {
		name string
		body string
	}{
		{"unknown mode", `{"accessMode":"tunnel"}`},
		{"direct without publicIp", `{"accessMode":"direct"}`},
		{"missing mode", `{}`},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, edgeRequest(http.MethodPut, "/.cluster/nodes/edge-1/mode", "s3cret", tc.body))
		assert.Equal(t, http.StatusBadRequest, w.Code, tc.name)
	}
	assert.Empty(t, registry.modes)
}

func TestMergeMetadata(t *testing.T) {
	registry := newFakeEdgeRegistry()
	registry.tokenHashes["edge-1"] = repository.HashToken("s3cret")
	registry.metadata["edge-1"] = map[string]interface{}{"region": "eu"}
	r := newEdgeTestRouter(registry)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, edgeRequest(http.MethodPatch, "/.cluster/nodes/edge-1/metadata", "s3cret",
		`{"tunnel":{"entrypoint":"wss://relay.example"}}`))

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Metadata map[string]interface{} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "eu", body.Metadata["region"])
	assert.Contains(t, body.Metadata, "tunnel")
}

func TestReplacePrefixes(t *testing.T) {
	registry := newFakeEdgeRegistry()
	registry.tokenHashes["edge-1"] = repository.HashToken("s3cret")
	r := newEdgeTestRouter(registry)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, edgeRequest(http.MethodPut, "/.cluster/nodes/edge-1/pods", "s3cret",
		`{"prefixes":["https://pods.example/alice/","https://pods.example/bob/"]}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, registry.prefixes["edge-1"], 2)

	// Empty strings are rejected before anything is written
	w = httptest.NewRecorder()
	r.ServeHTTP(w, edgeRequest(http.MethodPut, "/.cluster/nodes/edge-1/pods", "s3cret",
		`{"prefixes":["https://pods.example/alice/",""]}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResolveRoute(t *testing.T) {
	registry := newFakeEdgeRegistry()
	registry.routeNode = &models.Node{ID: "edge-1", Type: models.NodeTypeEdge, AccessMode: models.AccessModeDirect}
	r := newEdgeTestRouter(registry)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.cluster/route?path=https://pods.example/alice/inbox", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		NodeID string `json:"nodeId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "edge-1", body.NodeID)

	// No prefix claims the path
	registry.routeNode = nil
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.cluster/route?path=https://pods.example/carol/", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Missing query
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.cluster/route", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
