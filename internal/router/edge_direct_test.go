package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpod/fabric/internal/models"
)

func TestEdgeDirectRedirect(t *testing.T) {
	directory := &fakeDirectory{pods: map[string]*models.Pod{
		"https://pods.example/carol/": {ID: "carol", BaseURL: "https://pods.example/carol/", NodeID: strptr("edge-1")},
	}}
	registry := &fakeRegistry{nodes: map[string]*models.Node{
		"edge-1": {
			ID:         "edge-1",
			Type:       models.NodeTypeEdge,
			AccessMode: models.AccessModeDirect,
			PublicIP:   "198.51.100.4",
			PublicPort: 8443,
		},
	}}
	h := NewEdgeDirectHandler(directory, registry, "node-a", true)

	r := httptest.NewRequest("GET", "/carol/photos/cat.jpg?raw=1", nil)
	r.Host = "pods.example"

	ok, err := h.CanHandle(r)
	require.NoError(t, err)
	assert.True(t, ok)

	w := httptest.NewRecorder()
	require.NoError(t, h.Handle(w, r))

	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
	assert.Equal(t, "https://198.51.100.4:8443/carol/photos/cat.jpg?raw=1", w.Header().Get("Location"))
	assert.Equal(t, "edge-1", w.Header().Get(HeaderDirectNode))
}

func TestEdgeDirectElidesDefaultPort(t *testing.T) {
	directory := &fakeDirectory{pods: map[string]*models.Pod{
		"https://pods.example/carol/": {ID: "carol", BaseURL: "https://pods.example/carol/", NodeID: strptr("edge-1")},
	}}
	registry := &fakeRegistry{nodes: map[string]*models.Node{
		"edge-1": {
			ID:         "edge-1",
			Type:       models.NodeTypeEdge,
			AccessMode: models.AccessModeDirect,
			PublicIP:   "198.51.100.4",
			PublicPort: 443,
		},
	}}
	h := NewEdgeDirectHandler(directory, registry, "node-a", true)

	r := httptest.NewRequest("GET", "/carol/doc", nil)
	r.Host = "pods.example"
	w := httptest.NewRecorder()
	require.NoError(t, h.Handle(w, r))

	assert.Equal(t, "https://198.51.100.4/carol/doc", w.Header().Get("Location"))
}

func TestEdgeDirectDeclinesProxyModeAndCenters(t *testing.T) {
	directory := &fakeDirectory{pods: map[string]*models.Pod{
		"https://pods.example/carol/": {ID: "carol", BaseURL: "https://pods.example/carol/", NodeID: strptr("edge-1")},
		"https://pods.example/bob/":   {ID: "bob", BaseURL: "https://pods.example/bob/", NodeID: strptr("node-b")},
	}}
	registry := &fakeRegistry{nodes: map[string]*models.Node{
		"edge-1": {ID: "edge-1", Type: models.NodeTypeEdge, AccessMode: models.AccessModeProxy},
		"node-b": {ID: "node-b", Type: models.NodeTypeCenter, InternalIP: "10.0.0.2", InternalPort: 3000},
	}}
	h := NewEdgeDirectHandler(directory, registry, "node-a", true)

	r := httptest.NewRequest("GET", "/carol/doc", nil)
	r.Host = "pods.example"
	ok, err := h.CanHandle(r)
	require.NoError(t, err)
	assert.False(t, ok, "proxy-mode edge is the L4 proxy's business")

	r = httptest.NewRequest("GET", "/bob/doc", nil)
	r.Host = "pods.example"
	ok, err = h.CanHandle(r)
	require.NoError(t, err)
	assert.False(t, ok, "center-owned pods belong to the pod router")
}
