// Package registry implements the process-wide tunnel registry: the
// thread-safe map from subdomain name to live tunnel state described in
// spec.md §3 and §4.3. It is the only shared mutable state in the system
// (spec.md §5); the SSH front end, the HTTP front end, and the TUI all
// mutate or read it through this package's API rather than touching any
// internal state directly.
package registry

import (
	"crypto/rand"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// nameExhaustedRetries is how many random names are tried before register
// gives up, per spec.md §4.3.
const nameExhaustedRetries = 16

// nameRegexp matches the DNS-label syntax spec.md §3 requires: lowercase
// letters, digits, and hyphens, 1-63 characters, never starting or ending
// with a hyphen.
var nameRegexp = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidName reports whether name satisfies the DNS-label invariant from
// spec.md §3.
func ValidName(name string) bool {
	return name != "" && nameRegexp.MatchString(name)
}

// IsNameTaken reports whether err indicates a rename failed because the
// requested name is already in use.
func IsNameTaken(err error) bool {
	return trace.IsAlreadyExists(err)
}

// Visibility is one of the three access policies from spec.md §3.
type Visibility string

const (
	Private   Visibility = "private"
	Protected Visibility = "protected"
	Public    Visibility = "public"
)

// Valid reports whether v is one of the three known visibility values.
func (v Visibility) Valid() bool {
	switch v {
	case Private, Protected, Public:
		return true
	default:
		return false
	}
}

// Dialer is implemented by a Session to let the HTTP front end open a
// direct-tcpip channel back through the owning SSH connection, without the
// registry package needing to know anything about golang.org/x/crypto/ssh.
type Dialer interface {
	// OpenDirectTCPIP opens a direct-tcpip channel targeting remotePort on
	// the session's SSH connection.
	OpenDirectTCPIP(remotePort int) (ChannelConn, error)
}

// ChannelConn is the minimal surface the HTTP front end needs from an
// opened direct-tcpip channel: read, write, close. Kept as an interface
// (spec.md §9 "dynamic dispatch over SSH channels") so tests can substitute
// an in-memory pipe instead of a real SSH channel.
type ChannelConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Handle is an opaque token returned by Register; it is the only way to
// mutate or remove the tunnel it refers to.
type Handle struct {
	id uuid.UUID
}

// Owner identifies the user that created a tunnel.
type Owner struct {
	Username string
	Dialer   Dialer
}

// tunnel is the registry's internal representation. Only fields touched
// under the registry mutex live here unqualified; BytesIn/BytesOut are
// atomics per spec.md §5 ("byte counters are atomics, not mutex-guarded").
type tunnel struct {
	name       string
	handle     Handle
	owner      Owner
	remotePort int
	visibility Visibility
	acl        map[string]struct{}
	createdAt  time.Time

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// View is a read-only snapshot returned by Resolve and ListFor. It carries
// everything the HTTP front end and the TUI need without exposing the
// registry's internal locking.
type View struct {
	Name       string
	Handle     Handle
	Owner      Owner
	RemotePort int
	Visibility Visibility
	ACL        map[string]struct{}
	BytesIn    uint64
	BytesOut   uint64
	CreatedAt  time.Time
}

// Registry is the process-wide singleton mapping tunnel names to tunnel
// state. The zero value is not usable; construct with New.
type Registry struct {
	mu       sync.Mutex
	byName   map[string]*tunnel
	byHandle map[uuid.UUID]*tunnel
	watchers map[string]map[chan struct{}]struct{} // username -> set of subscriber channels
	clock    clockwork.Clock
}

// New returns an empty Registry.
func New() *Registry {
	return NewWithClock(clockwork.NewRealClock())
}

// NewWithClock returns an empty Registry that stamps CreatedAt using clock,
// letting tests control time instead of racing against wall-clock reality.
func NewWithClock(clock clockwork.Clock) *Registry {
	return &Registry{
		byName:   make(map[string]*tunnel),
		byHandle: make(map[uuid.UUID]*tunnel),
		watchers: make(map[string]map[chan struct{}]struct{}),
		clock:    clock,
	}
}

// Register inserts a new tunnel owned by owner. If requestedName is empty,
// malformed, or already taken, a random six-character lowercase-alphanumeric
// name is allocated instead (spec.md §4.3); register never fails because of
// the requested name alone, only when random allocation is exhausted.
func (r *Registry) Register(owner Owner, requestedName string, remotePort int) (string, Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := requestedName
	if name == "" || !ValidName(name) || r.byName[name] != nil {
		var err error
		name, err = r.allocateNameLocked()
		if err != nil {
			return "", Handle{}, trace.Wrap(err)
		}
	}

	handle := Handle{id: uuid.New()}
	t := &tunnel{
		name:       name,
		handle:     handle,
		owner:      owner,
		remotePort: remotePort,
		visibility: Private,
		acl:        make(map[string]struct{}),
		createdAt:  r.clock.Now(),
	}

	r.byName[name] = t
	r.byHandle[handle.id] = t
	r.notifyLocked(owner.Username)

	return name, handle, nil
}

// allocateNameLocked must be called with r.mu held.
func (r *Registry) allocateNameLocked() (string, error) {
	for i := 0; i < nameExhaustedRetries; i++ {
		name := randomName()
		if r.byName[name] == nil {
			return name, nil
		}
	}
	return "", trace.LimitExceeded("no unique tunnel name available after %d attempts", nameExhaustedRetries)
}

const nameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// randomName returns six random lowercase-alphanumeric characters, matching
// the `^[a-z0-9]{6}$` shape spec.md's end-to-end scenario 2 requires.
func randomName() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read failing means the OS entropy source is broken;
		// there is no sane fallback, so surface it loudly.
		panic("registry: crypto/rand unavailable: " + err.Error())
	}
	out := make([]byte, 6)
	for i, b := range buf {
		out[i] = nameAlphabet[int(b)%len(nameAlphabet)]
	}
	return string(out)
}

// Deregister removes the tunnel identified by handle. It is idempotent:
// removing an already-removed or unknown handle is not an error.
func (r *Registry) Deregister(handle Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byHandle[handle.id]
	if !ok {
		return
	}
	delete(r.byHandle, handle.id)
	if r.byName[t.name] == t {
		delete(r.byName, t.name)
	}
	r.notifyLocked(t.owner.Username)
}

// Resolve returns a read-only snapshot of the named tunnel, or false if no
// tunnel by that name is currently registered.
func (r *Registry) Resolve(name string) (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byName[name]
	if !ok {
		return View{}, false
	}
	return snapshot(t), true
}

// Rename changes the name of the tunnel identified by handle. It fails with
// a NameTaken-flavored error if newName is already registered (including by
// another tunnel of the same owner) and a BadParameter-flavored error if
// newName is not a valid DNS label.
func (r *Registry) Rename(handle Handle, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byHandle[handle.id]
	if !ok {
		return trace.NotFound("tunnel not found")
	}
	if !ValidName(newName) {
		return trace.BadParameter("invalid tunnel name %q", newName)
	}
	if existing, taken := r.byName[newName]; taken && existing != t {
		return trace.AlreadyExists("tunnel name %q is already in use", newName)
	}

	delete(r.byName, t.name)
	t.name = newName
	r.byName[newName] = t
	r.notifyLocked(t.owner.Username)
	return nil
}

// SetVisibility changes the visibility of the tunnel identified by handle.
func (r *Registry) SetVisibility(handle Handle, v Visibility) error {
	if !v.Valid() {
		return trace.BadParameter("invalid visibility %q", v)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byHandle[handle.id]
	if !ok {
		return trace.NotFound("tunnel not found")
	}
	t.visibility = v
	r.notifyLocked(t.owner.Username)
	return nil
}

// SetACL replaces the set of usernames granted access to a private tunnel.
func (r *Registry) SetACL(handle Handle, users []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byHandle[handle.id]
	if !ok {
		return trace.NotFound("tunnel not found")
	}
	acl := make(map[string]struct{}, len(users))
	for _, u := range users {
		acl[u] = struct{}{}
	}
	t.acl = acl
	r.notifyLocked(t.owner.Username)
	return nil
}

// AddBytes increments the byte counters for the tunnel identified by
// handle. It is a no-op if the handle is unknown (the tunnel may have been
// deregistered concurrently with an in-flight proxy copy). Counter updates
// are not ordered against visibility/ACL mutations, per spec.md §5.
func (r *Registry) AddBytes(handle Handle, in, out uint64) {
	r.mu.Lock()
	t, ok := r.byHandle[handle.id]
	r.mu.Unlock()
	if !ok {
		return
	}
	if in > 0 {
		t.bytesIn.Add(in)
	}
	if out > 0 {
		t.bytesOut.Add(out)
	}
}

// ListFor returns a snapshot of every tunnel owned by username, for the TUI.
func (r *Registry) ListFor(username string) []View {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []View
	for _, t := range r.byName {
		if t.owner.Username == username {
			out = append(out, snapshot(t))
		}
	}
	return out
}

// Count returns the number of currently registered tunnels, for the
// siranga_tunnels_total metric.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName)
}

// Watch returns a channel that receives a (coalesced, lossy) notification
// whenever a tunnel owned by username changes. Call the returned cancel
// function to stop watching and release the channel.
func (r *Registry) Watch(username string) (ch <-chan struct{}, cancel func()) {
	c := make(chan struct{}, 1)

	r.mu.Lock()
	set, ok := r.watchers[username]
	if !ok {
		set = make(map[chan struct{}]struct{})
		r.watchers[username] = set
	}
	set[c] = struct{}{}
	r.mu.Unlock()

	return c, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.watchers[username], c)
		if len(r.watchers[username]) == 0 {
			delete(r.watchers, username)
		}
	}
}

// notifyLocked must be called with r.mu held. It posts a non-blocking
// notification to every watcher of username, dropping the notification if
// the watcher's buffer is already full (spec.md §5: "if a watcher is slow,
// old updates are dropped in favor of a resync-from-registry signal").
func (r *Registry) notifyLocked(username string) {
	for c := range r.watchers[username] {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

func snapshot(t *tunnel) View {
	acl := make(map[string]struct{}, len(t.acl))
	for u := range t.acl {
		acl[u] = struct{}{}
	}
	return View{
		Name:       t.name,
		Handle:     t.handle,
		Owner:      t.owner,
		RemotePort: t.remotePort,
		Visibility: t.visibility,
		ACL:        acl,
		BytesIn:    t.bytesIn.Load(),
		BytesOut:   t.bytesOut.Load(),
		CreatedAt:  t.createdAt,
	}
}
