package router

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/xpod/fabric/internal/monitoring"
	"github.com/xpod/fabric/pkg/logger"
)

// Prefixes served by the control surface (gin) instead of the data-plane
var controlPrefixes = []string{"/admin", "/.cluster", "/service", "/api", "/health", "/prometheus"}

// RootHandler is the node's front door. Upgrades are offered to the cluster
// WebSocket router first; control paths go to the admin surface; everything
// else runs the routing chain and, when no intercept claims it, falls
// through to the local data-plane.
type RootHandler struct {
	chain     *Chain
	clusterWS *ClusterWebSocketHandler
	control   http.Handler
	dataPlane http.Handler
}

// NewRootHandler wires the chain, the upgrade router, the control surface,
// and the local data-plane proxy together.
func NewRootHandler(chain *Chain, clusterWS *ClusterWebSocketHandler, control http.Handler, dataPlane http.Handler) *RootHandler {
	return &RootHandler{
		chain:     chain,
		clusterWS: clusterWS,
		control:   control,
		dataPlane: dataPlane,
	}
}

// NewDataPlaneProxy builds the reverse proxy to the sibling data-plane
// process. httputil's proxy carries WebSocket upgrades through as well.
func NewDataPlaneProxy(dataPlaneURL string) (http.Handler, error) {
	target, err := url.Parse(dataPlaneURL)
	if err != nil {
		return nil, err
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("Local data-plane unreachable", err, map[string]interface{}{
			"path": r.URL.Path,
		})
		http.Error(w, "data-plane unavailable", http.StatusBadGateway)
	}
	return proxy, nil
}

func isControlPath(path string) bool {
	for _, prefix := range controlPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// ServeHTTP implements the per-request decision path described in the
// component design: upgrade routing, control surface, routing chain, local
// data-plane, in that order.
func (h *RootHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if IsWebSocketUpgrade(r) && h.clusterWS != nil {
		if h.clusterWS.HandleUpgrade(w, r) {
			return
		}
		// Not a node subdomain: the local data-plane owns this socket
		monitoring.ProxiedRequests.WithLabelValues("local").Inc()
		h.dataPlane.ServeHTTP(w, r)
		return
	}

	if isControlPath(r.URL.Path) {
		h.control.ServeHTTP(w, r)
		return
	}

	handled, err := h.chain.Serve(w, r)
	if err != nil {
		logger.Error("Routing chain error", err, map[string]interface{}{
			"path":   r.URL.Path,
			"method": r.Method,
		})
		http.Error(w, "internal routing error", http.StatusInternalServerError)
		return
	}
	if handled {
		return
	}

	monitoring.ProxiedRequests.WithLabelValues("local").Inc()
	h.dataPlane.ServeHTTP(w, r)
}
