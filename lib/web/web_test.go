package web

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DreadedX/siranga/lib/authz"
	"github.com/DreadedX/siranga/lib/registry"
)

func allowAll(context.Context, http.Header, registry.Visibility) authz.Decision {
	return authz.Decision{Allowed: true}
}

// fakeChannelConn stands in for an SSH direct-tcpip channel: writes land in
// an in-memory buffer, reads come from a canned response.
type fakeChannelConn struct {
	written  bytes.Buffer
	response *bytes.Reader
}

func (f *fakeChannelConn) Read(p []byte) (int, error)  { return f.response.Read(p) }
func (f *fakeChannelConn) Write(p []byte) (int, error) { return f.written.Write(p) }
func (f *fakeChannelConn) Close() error                { return nil }

func TestProxyNotFoundForUnknownHost(t *testing.T) {
	p := &Proxy{Registry: registry.New(), Domain: "tunnel.example", Authorize: allowAll}

	req := httptest.NewRequest(http.MethodGet, "http://missing.tunnel.example/", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxyBadRequestForWrongDomain(t *testing.T) {
	p := &Proxy{Registry: registry.New(), Domain: "tunnel.example", Authorize: allowAll}

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProxyPropagatesAuthorizerDenyStatus(t *testing.T) {
	reg := registry.New()
	_, handle, err := reg.Register(registry.Owner{Username: "alice"}, "myapp", 8080)
	assert.NoError(t, err)
	assert.NoError(t, reg.SetVisibility(handle, registry.Protected))

	p := &Proxy{Registry: reg, Domain: "tunnel.example",
		Authorize: func(context.Context, http.Header, registry.Visibility) authz.Decision {
			return authz.Decision{Allowed: false, Status: http.StatusUnauthorized}
		}}

	req := httptest.NewRequest(http.MethodGet, "http://myapp.tunnel.example/", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubdomainParsing(t *testing.T) {
	p := &Proxy{Domain: "tunnel.example"}

	name, ok := p.subdomain("myapp.tunnel.example")
	assert.True(t, ok)
	assert.Equal(t, "myapp", name)

	name, ok = p.subdomain("myapp.tunnel.example:443")
	assert.True(t, ok)
	assert.Equal(t, "myapp", name)

	_, ok = p.subdomain("tunnel.example")
	assert.False(t, ok)

	_, ok = p.subdomain("other.example")
	assert.False(t, ok)
}

// TestPumpCountsBytesInSpecifiedDirection pins down the direction required
// by spec.md §4.5 step 5: bytes written to the channel (the request)
// increment bytes_out, bytes read from the channel (the response)
// increment bytes_in.
func TestPumpCountsBytesInSpecifiedDirection(t *testing.T) {
	reg := registry.New()
	_, handle, err := reg.Register(registry.Owner{Username: "alice"}, "myapp", 8080)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://myapp.tunnel.example/ping", nil)

	response := []byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	channel := &fakeChannelConn{response: bytes.NewReader(response)}

	serverSide, clientSide := net.Pipe()

	p := &Proxy{Registry: reg}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.pump("myapp", handle, serverSide, channel, req)
	}()

	received := make([]byte, len(response))
	_, err = io.ReadFull(clientSide, received)
	require.NoError(t, err)
	assert.Equal(t, response, received)

	serverSide.Close()
	clientSide.Close()
	<-done

	view, ok := reg.Resolve("myapp")
	require.True(t, ok)
	assert.Equal(t, uint64(len(response)), view.BytesIn)
	assert.Equal(t, uint64(channel.written.Len()), view.BytesOut)
	assert.True(t, view.BytesOut > 0)
}
