// Package tui is the full-screen terminal interface hosted inside an SSH
// session, per spec.md §4.4: browse your own tunnels, rename, toggle
// visibility, edit the ACL, and quit without affecting any tunnel you own.
// Each list row shows a tunnel's name, visibility and byte counters; there
// is no separate detail view. Built with Bubble Tea's Elm architecture and the bubbles
// list component, the same stack used for terminal dashboards throughout
// this corpus.
package tui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gravitational/trace"

	"github.com/DreadedX/siranga/lib/registry"
)

// refreshInterval caps the byte-counter refresh rate at the 500ms spec.md
// §4.4 mandates.
const refreshInterval = 500 * time.Millisecond

// ReleaseVersion is stamped into the header; set once at process startup.
var ReleaseVersion = "dev"

// WindowSize carries a PTY's dimensions, reported via pty-req/window-change.
type WindowSize struct {
	Width  int
	Height int
}

// mode selects which overlay, if any, is drawn over the tunnel list.
type mode int

const (
	modeList mode = iota
	modeRename
	modeACL
)

type tickMsg time.Time

// watchMsg is delivered whenever the registry notifies a change for the
// watched user; receiving it triggers a resync of the tunnel list.
type watchMsg struct{}

// tunnelItem adapts a registry.View to list.DefaultItem so bubbles/list can
// render, filter, and select tunnel rows.
type tunnelItem struct {
	registry.View
}

func (i tunnelItem) Title() string {
	return fmt.Sprintf("%s  [%s]", i.Name, i.Visibility)
}

func (i tunnelItem) Description() string {
	return fmt.Sprintf("in:%d out:%d", i.BytesIn, i.BytesOut)
}

func (i tunnelItem) FilterValue() string { return i.Name }

type model struct {
	reg      *registry.Registry
	username string
	resize   <-chan WindowSize

	list list.Model

	mode  mode
	input string

	status string

	watch  <-chan struct{}
	cancel func()
}

// New constructs the root TUI model for username, sourcing window-resize
// notifications from resize.
func New(reg *registry.Registry, username string, resize <-chan WindowSize) tea.Model {
	watch, cancel := reg.Watch(username)

	l := list.New(viewsToItems(reg.ListFor(username)), list.NewDefaultDelegate(), 0, 0)
	l.Title = fmt.Sprintf("siranga %s — %s", ReleaseVersion, username)
	l.SetShowHelp(false)

	return &model{
		reg:      reg,
		username: username,
		resize:   resize,
		list:     l,
		watch:    watch,
		cancel:   cancel,
	}
}

func viewsToItems(views []registry.View) []list.Item {
	items := make([]list.Item, len(views))
	for i, v := range views {
		items[i] = tunnelItem{v}
	}
	return items
}

// Run starts the Bubble Tea program over rw (typically an ssh.Channel),
// exiting when ctx is cancelled or the user quits.
func Run(ctx context.Context, rw io.ReadWriter, m tea.Model) error {
	p := tea.NewProgram(m,
		tea.WithInput(rw),
		tea.WithOutput(writerOnly{rw}),
		tea.WithContext(ctx),
	)
	_, err := p.Run()
	if mm, ok := m.(*model); ok {
		mm.cancel()
	}
	if err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// writerOnly hides Read from an io.ReadWriter so Bubble Tea's output side
// never competes with its own input reader over the same channel.
type writerOnly struct {
	io.Writer
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(waitForResize(m.resize), waitForWatch(m.watch), tick())
}

func waitForResize(resize <-chan WindowSize) tea.Cmd {
	return func() tea.Msg {
		size, ok := <-resize
		if !ok {
			return nil
		}
		return size
	}
}

func waitForWatch(watch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		_, ok := <-watch
		if !ok {
			return nil
		}
		return watchMsg{}
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case WindowSize:
		m.list.SetSize(msg.Width, msg.Height-2)
		return m, waitForResize(m.resize)
	case watchMsg:
		m.refresh()
		return m, waitForWatch(m.watch)
	case tickMsg:
		m.refresh()
		return m, tick()
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *model) refresh() {
	m.list.SetItems(viewsToItems(m.reg.ListFor(m.username)))
}

func (m *model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.mode == modeRename || m.mode == modeACL {
		return m.handleEditKey(msg)
	}

	switch msg.String() {
	case "ctrl+c", "q":
		m.cancel()
		return m, tea.Quit
	case "r":
		if t := m.selected(); t != nil {
			m.mode = modeRename
			m.input = t.Name
		}
		return m, nil
	case "v":
		m.cycleVisibility()
		return m, nil
	case "a":
		if t := m.selected(); t != nil {
			m.mode = modeACL
			m.input = strings.Join(aclUsers(t.ACL), ",")
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m *model) handleEditKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.mode = modeList
		m.input = ""
	case tea.KeyEnter:
		m.commitEdit()
		m.mode = modeList
		m.input = ""
	case tea.KeyBackspace:
		if len(m.input) > 0 {
			m.input = m.input[:len(m.input)-1]
		}
	case tea.KeyRunes:
		m.input += string(msg.Runes)
	}
	return m, nil
}

func (m *model) commitEdit() {
	t := m.selected()
	if t == nil {
		return
	}
	switch m.mode {
	case modeRename:
		if err := m.reg.Rename(t.Handle, strings.TrimSpace(m.input)); err != nil {
			m.status = err.Error()
			return
		}
	case modeACL:
		users := splitUsers(m.input)
		if err := m.reg.SetACL(t.Handle, users); err != nil {
			m.status = err.Error()
			return
		}
	}
	m.refresh()
}

func (m *model) cycleVisibility() {
	t := m.selected()
	if t == nil {
		return
	}
	next := map[registry.Visibility]registry.Visibility{
		registry.Private:   registry.Protected,
		registry.Protected: registry.Public,
		registry.Public:    registry.Private,
	}[t.Visibility]
	if err := m.reg.SetVisibility(t.Handle, next); err != nil {
		m.status = err.Error()
		return
	}
	m.refresh()
}

func (m *model) selected() *registry.View {
	item, ok := m.list.SelectedItem().(tunnelItem)
	if !ok {
		return nil
	}
	return &item.View
}

func aclUsers(acl map[string]struct{}) []string {
	out := make([]string, 0, len(acl))
	for u := range acl {
		out = append(out, u)
	}
	return out
}

func splitUsers(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

var dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

func (m *model) View() string {
	var b strings.Builder
	b.WriteString(m.list.View())

	switch m.mode {
	case modeRename:
		fmt.Fprintf(&b, "\nrename to: %s\n", m.input)
	case modeACL:
		fmt.Fprintf(&b, "\nacl (comma separated): %s\n", m.input)
	}

	if m.status != "" {
		fmt.Fprintf(&b, "\n%s\n", dimStyle.Render(m.status))
	}

	b.WriteString(dimStyle.Render("\nr rename  v visibility  a acl  q quit\n"))
	return b.String()
}
