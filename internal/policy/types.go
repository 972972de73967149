package policy

// Endpoint is the network policy for one workload, keyed by pod address.
type Endpoint struct {
	PodAddress string     `yaml:"pod_address" json:"pod_address"`
	Ingress    []PortRule `yaml:"ingress,omitempty" json:"ingress,omitempty"`
	Egress     []PortRule `yaml:"egress,omitempty" json:"egress,omitempty"`
}

// PortRule allows traffic on one port for a set of peer identities,
// optionally constrained to matching HTTP requests.
type PortRule struct {
	Port uint16 `yaml:"port" json:"port"`

	// Identities lists the peer identities the rule applies to.
	// Empty means any peer.
	Identities []uint32 `yaml:"identities,omitempty" json:"identities,omitempty"`

	// HTTP constrains requests on the port. Empty means all requests.
	HTTP []HTTPRule `yaml:"http,omitempty" json:"http,omitempty"`
}

// HTTPRule is a conjunction of HTTP constraints: every set field must
// match. Method, Path and Host are anchored regular expressions.
type HTTPRule struct {
	Name   string `yaml:"name,omitempty" json:"name,omitempty"`
	Method string `yaml:"method,omitempty" json:"method,omitempty"`
	Path   string `yaml:"path,omitempty" json:"path,omitempty"`
	Host   string `yaml:"host,omitempty" json:"host,omitempty"`

	// Headers lists headers that must be present, either as a bare name
	// or as "Name: value" requiring an exact value.
	Headers []string `yaml:"headers,omitempty" json:"headers,omitempty"`
}
