// Package authz implements the Authorizer from spec.md §4.2: it asks an
// external ForwardAuth endpoint whether a given HTTP request may reach a
// protected or private tunnel, following the Authelia ForwardAuth contract
// per spec.md §9's open question.
package authz

import (
	"context"
	"net/http"
	"time"

	"github.com/gravitational/trace"

	"github.com/DreadedX/siranga/lib/registry"
)

// forwardedHeaders is the allow-list of request headers relayed to the
// ForwardAuth endpoint, per spec.md §4.2. It is intentionally small: the
// spec notes this list is a starting point to be adjusted to the deployed
// identity provider, not a fixed protocol requirement.
var forwardedHeaders = []string{
	"Host",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"X-Forwarded-Uri",
	"X-Forwarded-Method",
	"Cookie",
	"Authorization",
}

// Decision is the result of an authorization check.
type Decision struct {
	// Allowed is true if the request may proceed.
	Allowed bool
	// Principal is the authenticated username, populated from the
	// Remote-User response header when Allowed is true and the check was
	// not for a public tunnel.
	Principal string
	// Status is the HTTP status to return to the client when Allowed is
	// false.
	Status int
}

// Authorizer consults an external ForwardAuth endpoint.
type Authorizer struct {
	endpoint string
	client   *http.Client
}

// NewAuthorizer returns an Authorizer that calls endpoint for every
// protected or private request.
func NewAuthorizer(endpoint string) *Authorizer {
	return &Authorizer{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Authorize implements the visibility-dependent policy from spec.md §3 and
// §4.2. For Public visibility it returns Allowed without making a network
// call. For any other visibility it forwards the allow-listed headers to
// the ForwardAuth endpoint; a 2xx response allows the request and carries
// the principal in the Remote-User header, any 4xx/5xx denies with that
// status propagated, and a transport failure fails closed with 502.
func (a *Authorizer) Authorize(ctx context.Context, headers http.Header, visibility registry.Visibility) Decision {
	if visibility == registry.Public {
		return Decision{Allowed: true}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint, nil)
	if err != nil {
		return Decision{Allowed: false, Status: http.StatusBadGateway}
	}
	for _, name := range forwardedHeaders {
		if v := headers.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return Decision{Allowed: false, Status: http.StatusBadGateway}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Decision{Allowed: true, Principal: resp.Header.Get("Remote-User")}
	}
	return Decision{Allowed: false, Status: resp.StatusCode}
}

// CheckVisibility applies the private-tunnel ACL rule from spec.md §3 on
// top of an already-Allowed Decision: the principal must be the owner or
// appear in the ACL.
func CheckVisibility(decision Decision, visibility registry.Visibility, owner string, acl map[string]struct{}) error {
	if !decision.Allowed {
		return trace.AccessDenied("authorizer denied the request")
	}
	if visibility != registry.Private {
		return nil
	}
	if decision.Principal == owner {
		return nil
	}
	if _, ok := acl[decision.Principal]; ok {
		return nil
	}
	return trace.AccessDenied("principal %q is not the owner or in the tunnel's ACL", decision.Principal)
}
