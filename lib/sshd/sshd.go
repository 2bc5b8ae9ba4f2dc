// Package sshd is the SSH front end named in spec.md §4.4: it accepts SSH
// connections authenticated by public key against the directory client,
// serially processes tcpip-forward/cancel-tcpip-forward global requests
// against the tunnel registry, and hosts the TUI on the session channel.
package sshd

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sync"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/DreadedX/siranga/lib/registry"
	"github.com/DreadedX/siranga/lib/sshutils"
	"github.com/DreadedX/siranga/lib/tui"
)

// dnsLabel matches the lowercase DNS-label syntax spec.md §9's REDESIGN FLAG
// requires for a bind address to be treated as a requested tunnel name; any
// other bind address (uppercase, underscores, empty, "0.0.0.0", ...) falls
// back to a random name instead of being rejected outright.
var dnsLabel = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// KeyLookup resolves the public keys authorized for username, per the
// directory client's lookup_keys operation.
type KeyLookup interface {
	LookupKeys(username string) ([]ssh.PublicKey, error)
}

// Config configures a Server.
type Config struct {
	Addr      string
	HostKey   ssh.Signer
	Directory KeyLookup
	Registry  *registry.Registry
	Domain    string
}

// Server is the SSH reverse-tunnel front end.
type Server struct {
	cfg    Config
	sshCfg *ssh.ServerConfig
	ln     net.Listener
	ready  chan struct{}

	wg sync.WaitGroup
}

// New constructs a Server. The returned Server rejects every auth method
// except public key, matching spec.md §4.4: leaving PasswordCallback and
// KeyboardInteractiveCallback nil makes x/crypto/ssh refuse those methods
// during user authentication, before our code ever runs.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, ready: make(chan struct{})}

	s.sshCfg = &ssh.ServerConfig{
		PublicKeyCallback: s.checkPublicKey,
	}
	s.sshCfg.AddHostKey(cfg.HostKey)

	return s
}

func (s *Server) checkPublicKey(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	candidates, err := s.cfg.Directory.LookupKeys(conn.User())
	if err != nil {
		log.WithField(trace.Component, "ssh").WithError(err).Warn("key lookup failed")
		return nil, trace.AccessDenied("access denied for %q", conn.User())
	}

	for _, candidate := range candidates {
		if sshutils.KeysEqual(candidate, key) {
			return &ssh.Permissions{
				Extensions: map[string]string{
					"username": conn.User(),
				},
			}, nil
		}
	}

	return nil, trace.AccessDenied("access denied for %q", conn.User())
}

// ListenAndServe binds cfg.Addr and serves connections until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return trace.Wrap(err)
	}
	s.ln = ln
	close(s.ready)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	log.WithField(trace.Component, "ssh").Infof("listening on %s", s.cfg.Addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn drives one SSH session from handshake through teardown.
func (s *Server) handleConn(ctx context.Context, nConn net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(nConn, s.sshCfg)
	if err != nil {
		log.WithField(trace.Component, "ssh").WithError(err).Debug("handshake failed")
		return
	}
	defer sconn.Close()

	username := sconn.Permissions.Extensions["username"]
	logger := log.WithField(trace.Component, "ssh").WithField("user", username)
	logger.Info("session established")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// sconn.Wait unblocks on client disconnect as well as sconn.Close below.
	go func() {
		_ = sconn.Wait()
		cancel()
	}()

	owner := registry.Owner{
		Username: username,
		Dialer:   &channelDialer{conn: sconn},
	}

	sess := &session{
		owner:    owner,
		registry: s.cfg.Registry,
		domain:   s.cfg.Domain,
		logger:   logger,
		tunnels:  make(map[uint32]registry.Handle),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sess.handleGlobalRequests(connCtx, reqs)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sess.handleChannels(connCtx, chans)
	}()

	<-connCtx.Done()
	sconn.Close()
	wg.Wait()

	sess.teardown()
	logger.Info("session closed")
}

// channelDialer opens direct-tcpip channels on an ssh.Conn, implementing
// registry.Dialer so the HTTP front end never needs to know about the
// underlying SSH connection type.
type channelDialer struct {
	conn ssh.Conn
}

func (d *channelDialer) OpenDirectTCPIP(remotePort int) (registry.ChannelConn, error) {
	return sshutils.OpenDirectTCPIP(d.conn, remotePort)
}

// session tracks the tunnels owned by one authenticated SSH connection.
type session struct {
	owner    registry.Owner
	registry *registry.Registry
	domain   string
	logger   *log.Entry

	mu      sync.Mutex
	tunnels map[uint32]registry.Handle // remote_port -> handle, for cancel-tcpip-forward
}

// channelForwardMsg mirrors RFC 4254 §7.1's tcpip-forward / cancel-tcpip-forward
// payload: a bind address and bind port.
type channelForwardMsg struct {
	Addr string
	Port uint32
}

// tcpipForwardReply is the RFC 4254 §7.1 success-reply payload for
// tcpip-forward: the port the server accepted.
type tcpipForwardReply struct {
	Port uint32
}

func (s *session) handleGlobalRequests(ctx context.Context, reqs <-chan *ssh.Request) {
	for {
		select {
		case req, ok := <-reqs:
			if !ok {
				return
			}
			s.handleGlobalRequest(req)
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) handleGlobalRequest(req *ssh.Request) {
	switch req.Type {
	case "tcpip-forward":
		s.handleTCPIPForward(req)
	case "cancel-tcpip-forward":
		s.handleCancelTCPIPForward(req)
	default:
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
}

func (s *session) handleTCPIPForward(req *ssh.Request) {
	var payload channelForwardMsg
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}

	// The per-session map holds one tunnel per port; a second forward on a
	// port already in use is refused rather than orphaning the first tunnel.
	s.mu.Lock()
	_, dup := s.tunnels[payload.Port]
	s.mu.Unlock()
	if dup {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}

	requestedName := ""
	if dnsLabel.MatchString(payload.Addr) {
		requestedName = payload.Addr
	}

	name, handle, err := s.registry.Register(s.owner, requestedName, int(payload.Port))
	if err != nil {
		s.logger.WithError(err).Warn("tcpip-forward rejected")
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}

	s.mu.Lock()
	s.tunnels[payload.Port] = handle
	s.mu.Unlock()

	s.logger.WithField("tunnel", name).Info("tunnel registered")

	if req.WantReply {
		// RFC 4254 §7.1: the reply carries the port the server accepted,
		// the same port the client asked for since no real socket is bound.
		_ = req.Reply(true, ssh.Marshal(tcpipForwardReply{Port: payload.Port}))
	}
}

func (s *session) handleCancelTCPIPForward(req *ssh.Request) {
	var payload channelForwardMsg
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}

	s.mu.Lock()
	handle, ok := s.tunnels[payload.Port]
	if ok {
		delete(s.tunnels, payload.Port)
	}
	s.mu.Unlock()

	if !ok {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}

	s.registry.Deregister(handle)
	if req.WantReply {
		_ = req.Reply(true, nil)
	}
}

func (s *session) handleChannels(ctx context.Context, chans <-chan ssh.NewChannel) {
	for {
		select {
		case newChan, ok := <-chans:
			if !ok {
				return
			}
			s.handleChannel(ctx, newChan)
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) handleChannel(ctx context.Context, newChan ssh.NewChannel) {
	if newChan.ChannelType() != "session" {
		_ = newChan.Reject(ssh.UnknownChannelType, fmt.Sprintf("unsupported channel type %q", newChan.ChannelType()))
		return
	}

	ch, reqs, err := newChan.Accept()
	if err != nil {
		s.logger.WithError(err).Debug("channel accept failed")
		return
	}

	go s.serveSession(ctx, ch, reqs)
}

// serveSession wires pty-req/shell/exec/window-change requests to the TUI,
// matching spec.md §4.4: quitting the TUI closes the channel without
// touching any tunnel the session owns.
func (s *session) serveSession(ctx context.Context, ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	resize := make(chan tui.WindowSize, 1)
	var started bool

	for req := range reqs {
		switch req.Type {
		case "pty-req":
			w, h, ok := parsePTYRequest(req.Payload)
			if ok {
				select {
				case resize <- tui.WindowSize{Width: w, Height: h}:
				default:
				}
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		case "window-change":
			w, h, ok := parseWindowChange(req.Payload)
			if ok {
				select {
				case resize <- tui.WindowSize{Width: w, Height: h}:
				default:
				}
			}
		case "shell", "exec":
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			if !started {
				started = true
				go s.runTUI(ctx, ch, resize)
			}
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *session) runTUI(ctx context.Context, ch ssh.Channel, resize <-chan tui.WindowSize) {
	model := tui.New(s.registry, s.owner.Username, resize)
	if err := tui.Run(ctx, ch, model); err != nil {
		s.logger.WithError(err).Debug("tui exited")
	}
	_ = ch.Close()
}

// teardown deregisters every tunnel this session owns, per spec.md §4.4's
// teardown cascade.
func (s *session) teardown() {
	s.mu.Lock()
	handles := s.tunnels
	s.tunnels = nil
	s.mu.Unlock()

	for _, h := range handles {
		s.registry.Deregister(h)
	}
}

// ptyRequestMsg mirrors RFC 4254 §6.2's pty-req payload; only the
// terminal dimensions matter here.
type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

func parsePTYRequest(payload []byte) (width, height int, ok bool) {
	var msg ptyRequestMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return 0, 0, false
	}
	return int(msg.Columns), int(msg.Rows), true
}

type windowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

func parseWindowChange(payload []byte) (width, height int, ok bool) {
	var msg windowChangeMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return 0, 0, false
	}
	return int(msg.Columns), int(msg.Rows), true
}

// Addr blocks until the server is listening, then returns its bound address.
func (s *Server) Addr() string {
	<-s.ready
	return s.ln.Addr().String()
}

// Shutdown closes the listener; in-flight connections are cancelled by the
// context passed to ListenAndServe.
func (s *Server) Shutdown() error {
	if s.ln == nil {
		return nil
	}
	return trace.Wrap(s.ln.Close())
}
