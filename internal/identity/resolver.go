package identity

import (
	"fmt"
	"net/netip"

	lru "github.com/hashicorp/golang-lru/v2"
)

// IdentityUnknown is returned for destinations no mapping covers.
const IdentityUnknown uint32 = 0

// Resolver maps a destination IP address to a numeric security identity.
type Resolver interface {
	Resolve(addr netip.Addr) uint32
}

// CIDRMapping assigns an identity to every address inside a prefix.
type CIDRMapping struct {
	CIDR     string `yaml:"cidr" json:"cidr"`
	Identity uint32 `yaml:"identity" json:"identity"`
}

type prefixIdentity struct {
	prefix   netip.Prefix
	identity uint32
}

// CIDRResolver resolves identities by longest-prefix match over a static
// mapping, memoizing per-address results in an LRU cache.
type CIDRResolver struct {
	prefixes []prefixIdentity
	cache    *lru.Cache[netip.Addr, uint32]
}

const resolverCacheSize = 4096

// NewCIDRResolver builds a resolver from CIDR mappings.
func NewCIDRResolver(mappings []CIDRMapping) (*CIDRResolver, error) {
	prefixes := make([]prefixIdentity, 0, len(mappings))
	for _, m := range mappings {
		p, err := netip.ParsePrefix(m.CIDR)
		if err != nil {
			return nil, fmt.Errorf("parsing resolver cidr %q: %w", m.CIDR, err)
		}
		prefixes = append(prefixes, prefixIdentity{prefix: p.Masked(), identity: m.Identity})
	}
	cache, err := lru.New[netip.Addr, uint32](resolverCacheSize)
	if err != nil {
		return nil, err
	}
	return &CIDRResolver{prefixes: prefixes, cache: cache}, nil
}

// Resolve returns the identity of the longest prefix containing addr,
// or IdentityUnknown when no prefix matches.
func (r *CIDRResolver) Resolve(addr netip.Addr) uint32 {
	if id, ok := r.cache.Get(addr); ok {
		return id
	}

	id := IdentityUnknown
	bestBits := -1
	for _, p := range r.prefixes {
		if p.prefix.Contains(addr) && p.prefix.Bits() > bestBits {
			bestBits = p.prefix.Bits()
			id = p.identity
		}
	}

	r.cache.Add(addr, id)
	return id
}
