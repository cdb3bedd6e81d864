package router

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/xpod/fabric/internal/models"
	"github.com/xpod/fabric/internal/monitoring"
	"github.com/xpod/fabric/pkg/logger"
)

// ClusterWebSocketHandler routes WebSocket upgrades addressed to a node
// subdomain ({nodeId}.{clusterDomain}): direct-mode edges get a 307 to their
// public wss endpoint, proxy-mode edges are tunnel-proxied. It runs before
// any other upgrade handling; requests it declines fall through.
type ClusterWebSocketHandler struct {
	registry      NodeRegistry
	clusterDomain string
}

// NewClusterWebSocketHandler creates the upgrade router
func NewClusterWebSocketHandler(registry NodeRegistry, clusterDomain string) *ClusterWebSocketHandler {
	return &ClusterWebSocketHandler{registry: registry, clusterDomain: clusterDomain}
}

// IsWebSocketUpgrade reports whether the request asks for a WebSocket upgrade
func IsWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// HandleUpgrade inspects an upgrade request. It returns true when it wrote a
// response (redirect, proxy, or error); false means other handlers may run.
func (h *ClusterWebSocketHandler) HandleUpgrade(w http.ResponseWriter, r *http.Request) bool {
	if h.clusterDomain == "" {
		return false
	}

	hostname := r.Header.Get("X-Original-Host")
	if hostname == "" {
		hostname = r.Host
	}
	if host, _, err := net.SplitHostPort(hostname); err == nil {
		hostname = host
	}

	// Requests on the ingress domain itself belong to other handlers
	if hostname == h.clusterDomain {
		return false
	}

	suffix := "." + h.clusterDomain
	if !strings.HasSuffix(hostname, suffix) {
		return false
	}
	candidate := strings.TrimSuffix(hostname, suffix)
	if candidate == "" || strings.Contains(candidate, ".") {
		return false
	}

	node, err := h.registry.FindByID(candidate)
	if err != nil {
		logger.Error("Node lookup failed during upgrade routing", err, map[string]interface{}{
			"node_id": candidate,
		})
		writeRawResponse(w, http.StatusBadGateway, "Bad Gateway", nil)
		return true
	}
	if node == nil {
		writeRawResponse(w, http.StatusNotFound, "Not Found", nil)
		return true
	}

	switch {
	case node.AccessMode == models.AccessModeDirect && node.PublicIP != "":
		location := "wss://" + hostWithPort(node.PublicIP, node.PublicPort) + r.URL.RequestURI()
		writeRawResponse(w, http.StatusTemporaryRedirect, "Temporary Redirect", map[string]string{
			"Location":       location,
			HeaderDirectNode: node.ID,
		})
		monitoring.ProxiedRequests.WithLabelValues("edge_direct").Inc()
		return true

	case node.AccessMode == models.AccessModeProxy:
		entrypoint := tunnelEntrypoint(node.Metadata)
		if entrypoint == "" {
			writeRawResponse(w, http.StatusBadGateway, "Bad Gateway", nil)
			return true
		}
		upstream, err := url.Parse(entrypoint)
		if err != nil || upstream.Host == "" {
			writeRawResponse(w, http.StatusBadGateway, "Bad Gateway", nil)
			return true
		}

		proto := "ws"
		if upstream.Scheme == "https" || upstream.Scheme == "wss" {
			proto = "wss"
		}

		err = proxyWebSocket(w, r, upstream, map[string]string{
			"X-Forwarded-Host":  hostname,
			"X-Forwarded-Proto": proto,
			HeaderProxyNode:     node.ID,
		})
		if err != nil {
			logger.Error("Tunnel WebSocket proxy failed", err, map[string]interface{}{
				"node_id":  node.ID,
				"upstream": entrypoint,
			})
		}
		monitoring.ProxiedRequests.WithLabelValues("edge_proxy_ws").Inc()
		return true

	default:
		writeRawResponse(w, http.StatusBadRequest, "Bad Request", nil)
		return true
	}
}

// tunnelEntrypoint resolves the tunnel upstream from node metadata:
// metadata.tunnel.entrypoint first, metadata.publicAddress second.
func tunnelEntrypoint(metadata map[string]interface{}) string {
	if tunnel, ok := metadata["tunnel"].(map[string]interface{}); ok {
		if entrypoint, ok := tunnel["entrypoint"].(string); ok && entrypoint != "" {
			return entrypoint
		}
	}
	if addr, ok := metadata["publicAddress"].(string); ok {
		return addr
	}
	return ""
}
