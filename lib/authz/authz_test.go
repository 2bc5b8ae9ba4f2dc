package authz

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DreadedX/siranga/lib/registry"
)

func TestAuthorizePublicNeverCallsEndpoint(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	a := NewAuthorizer(srv.URL)
	decision := a.Authorize(context.Background(), http.Header{}, registry.Public)

	assert.True(t, decision.Allowed)
	assert.False(t, called)
}

func TestAuthorizeAllowsOnTwoXX(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Remote-User", "bob")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAuthorizer(srv.URL)
	decision := a.Authorize(context.Background(), http.Header{}, registry.Protected)

	require.True(t, decision.Allowed)
	assert.Equal(t, "bob", decision.Principal)
}

func TestAuthorizeDeniesOnNonTwoXX(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := NewAuthorizer(srv.URL)
	decision := a.Authorize(context.Background(), http.Header{}, registry.Private)

	assert.False(t, decision.Allowed)
	assert.Equal(t, http.StatusUnauthorized, decision.Status)
}

func TestAuthorizeTransportFailureFailsClosed(t *testing.T) {
	a := NewAuthorizer("http://127.0.0.1:0")
	decision := a.Authorize(context.Background(), http.Header{}, registry.Protected)

	assert.False(t, decision.Allowed)
	assert.Equal(t, http.StatusBadGateway, decision.Status)
}

func TestCheckVisibilityPrivate(t *testing.T) {
	acl := map[string]struct{}{"bob": {}}

	err := CheckVisibility(Decision{Allowed: true, Principal: "bob"}, registry.Private, "alice", acl)
	assert.NoError(t, err)

	err = CheckVisibility(Decision{Allowed: true, Principal: "carol"}, registry.Private, "alice", acl)
	assert.Error(t, err)

	err = CheckVisibility(Decision{Allowed: true, Principal: "alice"}, registry.Private, "alice", acl)
	assert.NoError(t, err)
}
