package policy

import (
	"net/http"

	"github.com/tkingovr/pod-guard/api"
)

// Policy decides whether one request may pass. Implementations must be
// safe for concurrent use and must not perform blocking I/O: Allowed runs
// synchronously on the proxy's request path.
type Policy interface {
	// Allowed evaluates the request against the policy. For ingress traffic
	// identity is the caller's identity; for egress it is the resolved
	// destination identity. The policy may append match diagnostics to
	// entry but must not retain it beyond the call.
	Allowed(ingress bool, port uint16, identity uint32, req *http.Request, entry *api.LogEntry) bool
}

// Provider looks up the policy applying to a workload. A false return
// means no policy exists for it; callers treat that as deny.
type Provider interface {
	Lookup(podAddress string) (Policy, bool)
}
