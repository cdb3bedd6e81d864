package router

import (
	"net/http"

	"github.com/xpod/fabric/internal/models"
	"github.com/xpod/fabric/internal/monitoring"
)

// EdgeDirectHandler answers requests for pods living on a direct-mode edge
// with a 307 redirect to the edge's public endpoint. Proxy-mode edges are
// declined here: their HTTP traffic is the L4 SNI proxy's job.
type EdgeDirectHandler struct {
	directory  PodDirectory
	registry   NodeRegistry
	selfNodeID string
	enabled    bool
}

// NewEdgeDirectHandler creates the edge redirect intercept
func NewEdgeDirectHandler(directory PodDirectory, registry NodeRegistry, selfNodeID string, enabled bool) *EdgeDirectHandler {
	return &EdgeDirectHandler{
		directory:  directory,
		registry:   registry,
		selfNodeID: selfNodeID,
		enabled:    enabled,
	}
}

func (h *EdgeDirectHandler) resolveEdge(r *http.Request) (*models.Node, error) {
	if !h.enabled || IsSystemPath(r.URL.Path) {
		return nil, nil
	}

	pod, err := h.directory.FindByResourceIdentifier(ResourceIdentifier(r))
	if err != nil {
		return nil, err
	}
	if pod == nil || pod.NodeID == nil || *pod.NodeID == h.selfNodeID {
		return nil, nil
	}

	node, err := h.registry.FindByID(*pod.NodeID)
	if err != nil {
		return nil, err
	}
	if node == nil || node.Type != models.NodeTypeEdge {
		return nil, nil
	}
	if node.AccessMode != models.AccessModeDirect || node.PublicIP == "" {
		return nil, nil
	}
	return node, nil
}

// CanHandle accepts requests for pods owned by a reachable direct-mode edge
func (h *EdgeDirectHandler) CanHandle(r *http.Request) (bool, error) {
	node, err := h.resolveEdge(r)
	return node != nil, err
}

// Handle issues the 307 redirect to the edge's public endpoint. The default
// https port is elided from the Location.
func (h *EdgeDirectHandler) Handle(w http.ResponseWriter, r *http.Request) error {
	node, err := h.resolveEdge(r)
	if err != nil {
		return err
	}
	if node == nil {
		http.NotFound(w, r)
		return nil
	}

	location := "https://" + hostWithPort(node.PublicIP, node.PublicPort) + r.URL.RequestURI()
	w.Header().Set(HeaderDirectNode, node.ID)
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusTemporaryRedirect)

	monitoring.ProxiedRequests.WithLabelValues("edge_direct").Inc()
	return nil
}
