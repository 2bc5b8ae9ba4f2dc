// Package web is the HTTP front end named in spec.md §4.5: it resolves the
// Host header against the tunnel registry, applies the authorizer's
// visibility decision, and proxies the request transparently over the
// owning SSH connection's direct-tcpip channel.
package web

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/DreadedX/siranga/lib/authz"
	"github.com/DreadedX/siranga/lib/metrics"
	"github.com/DreadedX/siranga/lib/registry"
)

// Proxy is the HTTP front end's http.Handler implementation. It does not
// use net/http/httputil.ReverseProxy: the upstream is an SSH direct-tcpip
// channel, not an http.RoundTripper target, and byte accounting needs both
// directions of the raw hijacked connection, not just the response body.
type Proxy struct {
	Registry  *registry.Registry
	Authorize func(ctx context.Context, headers http.Header, visibility registry.Visibility) authz.Decision
	Domain    string

	// Collectors is optional; when set, every proxied request also updates
	// the per-tunnel siranga_bytes_in_total/siranga_bytes_out_total counters
	// alongside the registry's own byte counters.
	Collectors *metrics.Collectors
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := log.WithField(trace.Component, "http")

	name, ok := p.subdomain(r.Host)
	if !ok {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	view, ok := p.Registry.Resolve(name)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	decision := p.Authorize(r.Context(), r.Header, view.Visibility)
	if err := authz.CheckVisibility(decision, view.Visibility, view.Owner.Username, view.ACL); err != nil {
		status := decision.Status
		if status == 0 || status == http.StatusOK {
			status = http.StatusForbidden
		}
		http.Error(w, "forbidden", status)
		return
	}

	channel, err := view.Owner.Dialer.OpenDirectTCPIP(view.RemotePort)
	if err != nil {
		logger.WithError(err).WithField("tunnel", name).Warn("failed to open tunnel channel")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer channel.Close()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	client, _, err := hijacker.Hijack()
	if err != nil {
		logger.WithError(err).Warn("hijack failed")
		return
	}
	defer client.Close()

	p.pump(name, view.Handle, client, channel, r)
}

// subdomain extracts the tunnel name from host, rejecting anything that
// isn't exactly "<name>.<domain>" per spec.md §4.5.
func (p *Proxy) subdomain(host string) (string, bool) {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	suffix := "." + p.Domain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	name := strings.TrimSuffix(host, suffix)
	if name == "" || strings.Contains(name, ".") {
		return "", false
	}
	return name, true
}

// pump writes the original request onto channel and copies the response
// back to client, accounting bytes in both directions via the registry and,
// if configured, the per-tunnel Prometheus counters. Per spec.md §4.5 step
// 5, bytes written to the channel (the request) increment bytes_out and
// bytes read from the channel (the response) increment bytes_in.
func (p *Proxy) pump(name string, handle registry.Handle, client net.Conn, channel registry.ChannelConn, r *http.Request) {
	var bytesOut, bytesIn atomic.Uint64

	if err := r.Write(&countingWriter{w: channel, n: &bytesOut}); err != nil {
		p.recordBytes(name, handle, bytesIn.Load(), bytesOut.Load())
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := channel.Read(buf)
		if n > 0 {
			bytesIn.Add(uint64(n))
			if _, werr := client.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}

	p.recordBytes(name, handle, bytesIn.Load(), bytesOut.Load())
}

func (p *Proxy) recordBytes(name string, handle registry.Handle, in, out uint64) {
	p.Registry.AddBytes(handle, in, out)
	if p.Collectors == nil {
		return
	}
	if in > 0 {
		p.Collectors.BytesIn.WithLabelValues(name).Add(float64(in))
	}
	if out > 0 {
		p.Collectors.BytesOut.WithLabelValues(name).Add(float64(out))
	}
}

// countingWriter wraps an io.Writer, tracking total bytes written.
type countingWriter struct {
	w io.Writer
	n *atomic.Uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(uint64(n))
	return n, err
}
