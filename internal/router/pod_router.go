package router

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/xpod/fabric/internal/events"
	"github.com/xpod/fabric/internal/models"
	"github.com/xpod/fabric/internal/monitoring"
	"github.com/xpod/fabric/pkg/logger"
)

// System prefixes never routed to another node; the local data-plane (or the
// control surface) always serves them.
var systemPrefixes = []string{"/idp/", "/.well-known/", "/-/", "/api/"}

// Forwarding headers added on proxied requests
const (
	HeaderSourceNode  = "X-Xpod-Source-Node"
	HeaderProxiedFrom = "X-Xpod-Proxied-From"
	HeaderDirectNode  = "X-Xpod-Direct-Node"
	HeaderProxyNode   = "X-Xpod-Proxy-Node"
)

// PodDirectory is the subset of the pod repository the router needs
type PodDirectory interface {
	FindByResourceIdentifier(url string) (*models.Pod, error)
}

// NodeRegistry is the subset of the node repository the router needs
type NodeRegistry interface {
	FindByID(id string) (*models.Node, error)
}

// IsSystemPath reports whether a request path is exempt from pod routing
func IsSystemPath(path string) bool {
	for _, prefix := range systemPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// ResourceIdentifier reconstructs the canonical resource URL the pod
// directory indexes: https scheme plus the original host and path.
func ResourceIdentifier(r *http.Request) string {
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return "https://" + host + r.URL.Path
}

// PodRoutingHandler proxies requests whose pod lives on a remote center
// node. It declines everything else so the local data-plane can serve.
type PodRoutingHandler struct {
	directory  PodDirectory
	registry   NodeRegistry
	selfNodeID string
	enabled    bool
	client     *http.Client
}

// NewPodRoutingHandler creates the pod routing intercept
func NewPodRoutingHandler(directory PodDirectory, registry NodeRegistry, selfNodeID string, enabled bool) *PodRoutingHandler {
	return &PodRoutingHandler{
		directory:  directory,
		registry:   registry,
		selfNodeID: selfNodeID,
		enabled:    enabled,
		client: &http.Client{
			Timeout: 60 * time.Second,
			// Redirects belong to the caller, not the proxy
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// resolveRemote returns the pod and owning node when the request targets a
// pod owned by a different node; (nil, nil) otherwise.
func (h *PodRoutingHandler) resolveRemote(r *http.Request) (*models.Pod, *models.Node, error) {
	if !h.enabled || IsSystemPath(r.URL.Path) {
		return nil, nil, nil
	}

	pod, err := h.directory.FindByResourceIdentifier(ResourceIdentifier(r))
	if err != nil {
		return nil, nil, err
	}
	if pod == nil || pod.NodeID == nil || *pod.NodeID == h.selfNodeID {
		return nil, nil, nil
	}

	node, err := h.registry.FindByID(*pod.NodeID)
	if err != nil {
		return nil, nil, err
	}
	return pod, node, nil
}

// CanHandle accepts requests for pods owned by a remote center node
func (h *PodRoutingHandler) CanHandle(r *http.Request) (bool, error) {
	_, node, err := h.resolveRemote(r)
	if err != nil {
		return false, err
	}
	// Edge-owned pods are someone else's problem: direct mode is the edge
	// redirect handler's, proxy mode the L4 proxy's.
	return node != nil && node.IsCenter(), nil
}

// Handle reverse-proxies the request to the owning center node
func (h *PodRoutingHandler) Handle(w http.ResponseWriter, r *http.Request) error {
	pod, node, err := h.resolveRemote(r)
	if err != nil {
		return err
	}
	if node == nil {
		// Directory changed between CanHandle and Handle; the flip is
		// atomic, so just serve a 404-shaped decline upstream would hide
		http.NotFound(w, r)
		return nil
	}

	base, err := peerBaseURL(node)
	if err != nil {
		monitoring.ProxyFailures.Inc()
		http.Error(w, "target node has no reachable endpoint", http.StatusInternalServerError)
		return nil
	}

	target := base + r.URL.RequestURI()

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}

	outbound, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		return err
	}

	copyProxyHeaders(outbound, r, h.selfNodeID)

	resp, err := h.client.Do(outbound)
	if err != nil {
		monitoring.ProxyFailures.Inc()
		logger.Error("Upstream fetch failed while proxying", err, map[string]interface{}{
			"pod_id":      pod.ID,
			"target_node": node.ID,
			"target":      target,
		})
		events.GetEventBus().Publish(events.Event{
			Type:   events.TypeNodeUnreachable,
			Source: h.selfNodeID,
			NodeID: node.ID,
			Data: map[string]interface{}{
				"target": target,
				"error":  err.Error(),
			},
		})
		http.Error(w, "failed to reach pod node", http.StatusInternalServerError)
		return nil
	}
	defer resp.Body.Close()

	header := w.Header()
	for key, values := range resp.Header {
		if strings.EqualFold(key, "Transfer-Encoding") {
			continue
		}
		for _, v := range values {
			header.Add(key, v)
		}
	}
	header.Set(HeaderProxiedFrom, node.ID)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Warn("Proxy response stream interrupted", map[string]interface{}{
			"target_node": node.ID,
			"error":       err.Error(),
		})
	}

	monitoring.ProxiedRequests.WithLabelValues("remote_peer").Inc()
	return nil
}

// peerBaseURL prefers the peer center's internal endpoint (plain http on the
// private network) and falls back to its public one.
func peerBaseURL(node *models.Node) (string, error) {
	if node.InternalIP != "" && node.InternalPort != 0 {
		return fmt.Sprintf("http://%s:%d", node.InternalIP, node.InternalPort), nil
	}
	if node.PublicIP != "" {
		return "https://" + hostWithPort(node.PublicIP, node.PublicPort), nil
	}
	return "", fmt.Errorf("node %s has no endpoint", node.ID)
}

// hostWithPort joins host and port, omitting the default https port
func hostWithPort(host string, port int) string {
	if port == 0 || port == 443 {
		return host
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", port))
}

// copyProxyHeaders carries the inbound headers (minus Host) to the outbound
// request and sets the forwarding headers.
func copyProxyHeaders(outbound, inbound *http.Request, sourceNodeID string) {
	for key, values := range inbound.Header {
		if strings.EqualFold(key, "Host") {
			continue
		}
		for _, v := range values {
			outbound.Header.Add(key, v)
		}
	}

	scheme := "https"
	if inbound.TLS == nil {
		scheme = "http"
	}
	if forwarded := inbound.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}

	outbound.Header.Set("X-Forwarded-Host", inbound.Host)
	outbound.Header.Set("X-Forwarded-Proto", scheme)
	if _, port, err := net.SplitHostPort(inbound.Host); err == nil {
		outbound.Header.Set("X-Forwarded-Port", port)
	}

	clientIP := inbound.RemoteAddr
	if ip, _, err := net.SplitHostPort(inbound.RemoteAddr); err == nil {
		clientIP = ip
	}
	if prior := inbound.Header.Get("X-Forwarded-For"); prior != "" {
		clientIP = prior + ", " + clientIP
	}
	outbound.Header.Set("X-Forwarded-For", clientIP)
	outbound.Header.Set(HeaderSourceNode, sourceNodeID)
}
