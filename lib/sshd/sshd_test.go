package sshd

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/DreadedX/siranga/lib/registry"
)

type fakeDirectory struct {
	keys map[string][]ssh.PublicKey
}

func (f *fakeDirectory) LookupKeys(username string) ([]ssh.PublicKey, error) {
	return f.keys[username], nil
}

func newTestHostKey(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromSigner(priv)
	require.NoError(t, err)
	return signer
}

func newTestClientKey(t *testing.T) (ssh.Signer, ssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromSigner(priv)
	require.NoError(t, err)
	return signer, signer.PublicKey()
}

func startTestServer(t *testing.T, dir *fakeDirectory, reg *registry.Registry) (addr string, stop func()) {
	t.Helper()

	srv := New(Config{
		Addr:      "127.0.0.1:0",
		HostKey:   newTestHostKey(t),
		Directory: dir,
		Registry:  reg,
		Domain:    "tunnel.example",
	})

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		_ = srv.ListenAndServe(ctx)
	}()

	return srv.Addr(), cancel
}

func TestRejectsUnknownKey(t *testing.T) {
	clientSigner, _ := newTestClientKey(t)
	dir := &fakeDirectory{keys: map[string][]ssh.PublicKey{}}
	reg := registry.New()

	addr, stop := startTestServer(t, dir, reg)
	defer stop()

	clientConfig := &ssh.ClientConfig{
		User:            "alice",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(clientSigner)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         time.Second,
	}

	_, err := ssh.Dial("tcp", addr, clientConfig)
	assert.Error(t, err)
}

func TestAcceptsKnownKeyAndRegistersForward(t *testing.T) {
	clientSigner, pub := newTestClientKey(t)
	dir := &fakeDirectory{keys: map[string][]ssh.PublicKey{"alice": {pub}}}
	reg := registry.New()

	addr, stop := startTestServer(t, dir, reg)
	defer stop()

	clientConfig := &ssh.ClientConfig{
		User:            "alice",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(clientSigner)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         time.Second,
	}

	client, err := ssh.Dial("tcp", addr, clientConfig)
	require.NoError(t, err)
	defer client.Close()

	accepted, _, err := client.SendRequest("tcpip-forward", true, ssh.Marshal(channelForwardMsg{Addr: "myapp", Port: 8080}))
	require.NoError(t, err)
	require.True(t, accepted)

	require.Eventually(t, func() bool {
		return reg.Count() == 1
	}, time.Second, 10*time.Millisecond)

	view, ok := reg.Resolve("myapp")
	require.True(t, ok)
	assert.Equal(t, "alice", view.Owner.Username)
}

func TestDisconnectDeregistersTunnels(t *testing.T) {
	clientSigner, pub := newTestClientKey(t)
	dir := &fakeDirectory{keys: map[string][]ssh.PublicKey{"alice": {pub}}}
	reg := registry.New()

	addr, stop := startTestServer(t, dir, reg)
	defer stop()

	clientConfig := &ssh.ClientConfig{
		User:            "alice",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(clientSigner)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         time.Second,
	}

	client, err := ssh.Dial("tcp", addr, clientConfig)
	require.NoError(t, err)

	accepted, _, err := client.SendRequest("tcpip-forward", true, ssh.Marshal(channelForwardMsg{Addr: "myapp", Port: 8080}))
	require.NoError(t, err)
	require.True(t, accepted)

	require.Eventually(t, func() bool {
		return reg.Count() == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		return reg.Count() == 0
	}, time.Second, 10*time.Millisecond, "tunnel should be deregistered after the owning connection closes")

	_, ok := reg.Resolve("myapp")
	assert.False(t, ok)
}

