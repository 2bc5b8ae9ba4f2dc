// Package sshutils holds small helpers shared between the SSH front end and
// the HTTP front end: key fingerprinting, host key loading, and an
// ssh.Channel-to-net.Conn adapter used to drive a direct-tcpip channel
// through the standard library's io.Copy and http machinery.
package sshutils

import (
	"crypto/ed25519"
	"crypto/md5"
	"crypto/subtle"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

// Fingerprint returns the colon-separated hex MD5 fingerprint of key
// ("aa:bb:..."), without the "MD5:" prefix OpenSSH puts in front of it.
func Fingerprint(key ssh.PublicKey) string {
	sum := md5.Sum(key.Marshal())
	out := make([]byte, 0, len(sum)*3)
	for i, b := range sum {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, fmt.Sprintf("%02x", b)...)
	}
	return string(out)
}

// KeysEqual reports whether two public keys are the same key, comparing
// their wire encoding rather than their Go representation.
func KeysEqual(a, b ssh.PublicKey) bool {
	if a == nil || b == nil {
		return false
	}
	ab, bb := a.Marshal(), b.Marshal()
	return len(ab) == len(bb) && subtle.ConstantTimeCompare(ab, bb) == 1
}

// LoadHostKey reads an Ed25519 private host key in OpenSSH PEM form from
// path. It deliberately never generates a key: a missing file is a startup
// failure, per spec.md's "deliberate non-feature for reproducibility".
func LoadHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err, "reading host key %q", path)
	}

	key, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, trace.Wrap(err, "parsing host key %q", path)
	}

	edKey, ok := key.(*ed25519.PrivateKey)
	if !ok {
		return nil, trace.BadParameter("host key %q is not an Ed25519 key", path)
	}

	signer, err := ssh.NewSignerFromSigner(*edKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return signer, nil
}

// directTCPIPPayload is the RFC 4254 §7.2 wire encoding shared by
// direct-tcpip and forwarded-tcpip channel open requests: the address to
// connect to and the originator's address, as seen by the side opening the
// channel.
type directTCPIPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// OpenDirectTCPIP opens a direct-tcpip channel on conn targeting
// localhost:port, with originator metadata (127.0.0.1, 0) as mandated by
// spec.md §4.5 step 4. The returned net.Conn wraps the channel so callers
// can use it with io.Copy and http request writers.
func OpenDirectTCPIP(conn ssh.Conn, port int) (net.Conn, error) {
	payload := ssh.Marshal(directTCPIPPayload{
		Addr:       "localhost",
		Port:       uint32(port),
		OriginAddr: "127.0.0.1",
		OriginPort: 0,
	})

	ch, reqs, err := conn.OpenChannel("direct-tcpip", payload)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	go ssh.DiscardRequests(reqs)

	return NewChannelConn(conn, ch), nil
}

// ChannelConn adapts an ssh.Channel into a net.Conn so it can be driven by
// io.Copy and anything else written against the standard library's
// networking interfaces. The SSH channel protocol has no deadline
// primitive, so the deadline methods are no-ops; callers that need a
// timeout must close the channel from outside (e.g. via the parent
// connection's context) instead.
type ChannelConn struct {
	ssh.Channel
	conn ssh.Conn
}

// NewChannelConn wraps ch, a channel opened on conn, as a net.Conn.
func NewChannelConn(conn ssh.Conn, ch ssh.Channel) *ChannelConn {
	return &ChannelConn{Channel: ch, conn: conn}
}

func (c *ChannelConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *ChannelConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *ChannelConn) SetDeadline(t time.Time) error      { return nil }
func (c *ChannelConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *ChannelConn) SetWriteDeadline(t time.Time) error { return nil }
