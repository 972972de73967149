package policy

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/tkingovr/pod-guard/api"
)

// RuleSet is a Provider backed by static per-endpoint rules. Lookups and
// evaluation take a read lock only; Reload swaps the whole compiled set.
type RuleSet struct {
	mu        sync.RWMutex
	endpoints map[string]*endpointPolicy
}

// NewRuleSet validates and compiles endpoint policies.
func NewRuleSet(endpoints []Endpoint) (*RuleSet, error) {
	rs := &RuleSet{}
	if err := rs.Reload(endpoints); err != nil {
		return nil, err
	}
	return rs, nil
}

// Lookup returns the policy for a workload, or false when none is
// configured for it.
func (rs *RuleSet) Lookup(podAddress string) (Policy, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	p, ok := rs.endpoints[podAddress]
	return p, ok
}

// Reload replaces the rule set. On error the previous set stays active.
func (rs *RuleSet) Reload(endpoints []Endpoint) error {
	compiled := make(map[string]*endpointPolicy, len(endpoints))
	for _, ep := range endpoints {
		if ep.PodAddress == "" {
			return fmt.Errorf("endpoint policy: pod_address is required")
		}
		if _, ok := compiled[ep.PodAddress]; ok {
			return fmt.Errorf("endpoint policy %q: duplicate pod_address", ep.PodAddress)
		}
		p, err := compileEndpoint(&ep)
		if err != nil {
			return fmt.Errorf("endpoint policy %q: %w", ep.PodAddress, err)
		}
		compiled[ep.PodAddress] = p
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.endpoints = compiled
	return nil
}

type endpointPolicy struct {
	ingress map[uint16][]*compiledPortRule
	egress  map[uint16][]*compiledPortRule
}

type compiledPortRule struct {
	name       string
	identities map[uint32]struct{}
	http       []*compiledHTTPRule
}

type compiledHTTPRule struct {
	name    string
	method  *regexp.Regexp
	path    *regexp.Regexp
	host    *regexp.Regexp
	headers []headerMatch
}

type headerMatch struct {
	name  string
	value string
	exact bool
}

// Allowed implements Policy. Port rules for the port are tried in order;
// the first rule whose identity set and HTTP constraints both match wins.
// A port with no rule denies.
func (p *endpointPolicy) Allowed(ingress bool, port uint16, identity uint32, req *http.Request, entry *api.LogEntry) bool {
	rules := p.egress[port]
	if ingress {
		rules = p.ingress[port]
	}

	for _, pr := range rules {
		if len(pr.identities) > 0 {
			if _, ok := pr.identities[identity]; !ok {
				continue
			}
		}
		if len(pr.http) == 0 {
			entry.MatchedRule = pr.name
			return true
		}
		for _, hr := range pr.http {
			if hr.matches(req) {
				entry.MatchedRule = hr.name
				return true
			}
		}
	}
	return false
}

func (r *compiledHTTPRule) matches(req *http.Request) bool {
	if r.method != nil && !r.method.MatchString(req.Method) {
		return false
	}
	if r.path != nil && !r.path.MatchString(req.URL.Path) {
		return false
	}
	if r.host != nil && !r.host.MatchString(req.Host) {
		return false
	}
	for _, h := range r.headers {
		got := req.Header.Get(h.name)
		if got == "" {
			return false
		}
		if h.exact && got != h.value {
			return false
		}
	}
	return true
}

func compileEndpoint(ep *Endpoint) (*endpointPolicy, error) {
	p := &endpointPolicy{
		ingress: make(map[uint16][]*compiledPortRule),
		egress:  make(map[uint16][]*compiledPortRule),
	}
	if err := compileRules(p.ingress, ep.Ingress, "ingress"); err != nil {
		return nil, err
	}
	if err := compileRules(p.egress, ep.Egress, "egress"); err != nil {
		return nil, err
	}
	return p, nil
}

func compileRules(dst map[uint16][]*compiledPortRule, rules []PortRule, direction string) error {
	for i, pr := range rules {
		if pr.Port == 0 {
			return fmt.Errorf("%s rule %d: port is required", direction, i)
		}

		cpr := &compiledPortRule{
			name: fmt.Sprintf("%s/port-%d[%d]", direction, pr.Port, i),
		}
		if len(pr.Identities) > 0 {
			cpr.identities = make(map[uint32]struct{}, len(pr.Identities))
			for _, id := range pr.Identities {
				cpr.identities[id] = struct{}{}
			}
		}

		for j, hr := range pr.HTTP {
			chr, err := compileHTTPRule(&hr)
			if err != nil {
				return fmt.Errorf("%s rule %d http %d: %w", direction, i, j, err)
			}
			if chr.name == "" {
				chr.name = fmt.Sprintf("%s/http-%d", cpr.name, j)
			}
			cpr.http = append(cpr.http, chr)
		}

		dst[pr.Port] = append(dst[pr.Port], cpr)
	}
	return nil
}

func compileHTTPRule(hr *HTTPRule) (*compiledHTTPRule, error) {
	c := &compiledHTTPRule{name: hr.Name}

	var err error
	if c.method, err = compileAnchored(hr.Method); err != nil {
		return nil, fmt.Errorf("method: %w", err)
	}
	if c.path, err = compileAnchored(hr.Path); err != nil {
		return nil, fmt.Errorf("path: %w", err)
	}
	if c.host, err = compileAnchored(hr.Host); err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}

	for _, h := range hr.Headers {
		name, value, found := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("header %q: name is required", h)
		}
		c.headers = append(c.headers, headerMatch{
			name:  name,
			value: strings.TrimSpace(value),
			exact: found,
		})
	}

	return c, nil
}

// compileAnchored compiles expr to match the whole input, the way
// policy path/method expressions are conventionally interpreted.
func compileAnchored(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	return regexp.Compile("^(?:" + expr + ")$")
}
