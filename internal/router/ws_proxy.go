package router

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/xpod/fabric/pkg/logger"
)

// dialUpstream opens a raw connection to the upstream named by u, with TLS
// when the upstream scheme is https/wss.
func dialUpstream(u *url.URL) (net.Conn, error) {
	host := u.Hostname()
	port := u.Port()
	secure := u.Scheme == "https" || u.Scheme == "wss"
	if port == "" {
		if secure {
			port = "443"
		} else {
			port = "80"
		}
	}

	addr := net.JoinHostPort(host, port)
	if secure {
		return tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, "tcp", addr, &tls.Config{ServerName: host})
	}
	return net.DialTimeout("tcp", addr, 10*time.Second)
}

// proxyWebSocket hijacks the client connection, replays the upgrade request
// against the upstream, and then shuttles bytes in both directions until
// either side closes.
func proxyWebSocket(w http.ResponseWriter, r *http.Request, upstream *url.URL, extraHeaders map[string]string) error {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return fmt.Errorf("response writer does not support hijacking")
	}

	upstreamConn, err := dialUpstream(upstream)
	if err != nil {
		return fmt.Errorf("failed to dial tunnel upstream: %w", err)
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		upstreamConn.Close()
		return fmt.Errorf("failed to hijack client connection: %w", err)
	}

	outbound := r.Clone(r.Context())
	outbound.URL = &url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	outbound.Host = upstream.Host
	outbound.RequestURI = ""
	for key, value := range extraHeaders {
		outbound.Header.Set(key, value)
	}

	if err := outbound.Write(upstreamConn); err != nil {
		clientConn.Close()
		upstreamConn.Close()
		return fmt.Errorf("failed to forward upgrade request: %w", err)
	}

	done := make(chan struct{}, 2)
	pump := func(dst, src net.Conn) {
		_, err := io.Copy(dst, src)
		if err != nil {
			logger.Debug("WebSocket pipe closed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		done <- struct{}{}
	}
	go pump(upstreamConn, clientConn)
	go pump(clientConn, upstreamConn)

	<-done
	clientConn.Close()
	upstreamConn.Close()
	<-done
	return nil
}

// writeRawResponse emits a minimal HTTP/1.1 response on the raw socket and
// closes it. Used on the upgrade path where the normal response writer is
// about to be bypassed anyway.
func writeRawResponse(w http.ResponseWriter, status int, statusText string, headers map[string]string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(status)
		return
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		return
	}
	defer conn.Close()

	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n", status, statusText)
	for key, value := range headers {
		fmt.Fprintf(conn, "%s: %s\r\n", key, value)
	}
	fmt.Fprint(conn, "Connection: close\r\n\r\n")
}
