package tui

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DreadedX/siranga/lib/registry"
)

func TestViewsToItems(t *testing.T) {
	views := []registry.View{
		{Name: "alpha", Visibility: registry.Public},
		{Name: "beta", Visibility: registry.Private},
	}

	items := viewsToItems(views)
	require.Len(t, items, 2)

	first, ok := items[0].(tunnelItem)
	require.True(t, ok)
	assert.Equal(t, "alpha", first.FilterValue())
	assert.Contains(t, first.Title(), "alpha")
	assert.Contains(t, first.Title(), "public")
}

func TestAclUsers(t *testing.T) {
	acl := map[string]struct{}{"bob": {}, "carol": {}}
	users := aclUsers(acl)
	assert.ElementsMatch(t, []string{"bob", "carol"}, users)
}

func TestSplitUsers(t *testing.T) {
	assert.Equal(t, []string{"bob", "carol"}, splitUsers("bob, carol"))
	assert.Equal(t, []string{"bob"}, splitUsers("bob,,  "))
	assert.Empty(t, splitUsers(""))
}

func TestModelRefreshAfterWatchNotification(t *testing.T) {
	reg := registry.New()
	_, handle, err := reg.Register(registry.Owner{Username: "alice"}, "hello", 8080)
	require.NoError(t, err)

	resize := make(chan WindowSize)
	m := New(reg, "alice", resize).(*model)
	require.Len(t, m.list.Items(), 1)

	require.NoError(t, reg.SetVisibility(handle, registry.Public))

	updated, _ := m.Update(watchMsg{})
	m = updated.(*model)

	item, ok := m.list.Items()[0].(tunnelItem)
	require.True(t, ok)
	assert.Equal(t, registry.Public, item.Visibility)
}

func TestModelWindowSizeUpdatesListDimensions(t *testing.T) {
	reg := registry.New()
	resize := make(chan WindowSize)
	m := New(reg, "alice", resize).(*model)

	updated, _ := m.Update(WindowSize{Width: 80, Height: 24})
	m = updated.(*model)

	assert.Equal(t, 80, m.list.Width())
	assert.Equal(t, 22, m.list.Height())
}

func TestCycleVisibility(t *testing.T) {
	reg := registry.New()
	_, _, err := reg.Register(registry.Owner{Username: "alice"}, "hello", 8080)
	require.NoError(t, err)

	resize := make(chan WindowSize)
	m := New(reg, "alice", resize).(*model)

	m.cycleVisibility()
	view, ok := reg.Resolve("hello")
	require.True(t, ok)
	assert.Equal(t, registry.Protected, view.Visibility)
}
