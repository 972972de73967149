package identity

import "context"

// ConnectionIdentity is the per-connection metadata attached by the
// transport layer: which workload owns the connection, the direction of
// the traffic relative to it, and the port it declared.
type ConnectionIdentity struct {
	// PodAddress is the address of the workload the proxy fronts.
	PodAddress string `yaml:"pod_address" json:"pod_address"`

	// Ingress is true when the connection carries traffic into the workload.
	Ingress bool `yaml:"ingress" json:"ingress"`

	// Identity is the numeric security identity of the source workload.
	Identity uint32 `yaml:"identity" json:"identity"`

	// Port is the destination port the connection was addressed to.
	Port uint16 `yaml:"port" json:"port"`
}

type ctxKey struct{}

// NewContext attaches a connection identity to a context. The proxy calls
// this from http.Server.ConnContext when a connection is accepted.
func NewContext(ctx context.Context, id *ConnectionIdentity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the connection identity attached to the context,
// or false when the connection is not owned by this proxy.
func FromContext(ctx context.Context) (*ConnectionIdentity, bool) {
	id, ok := ctx.Value(ctxKey{}).(*ConnectionIdentity)
	return id, ok && id != nil
}
