package policy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"

	"github.com/tkingovr/pod-guard/api"
)

// OPAPolicy evaluates requests against an embedded Rego module. It serves
// as both Provider and Policy: one module governs every workload behind
// the proxy. Any evaluation failure or undefined result denies.
type OPAPolicy struct {
	mu   sync.RWMutex
	path string
	log  *slog.Logger

	query rego.PreparedEvalQuery
}

// NewOPAPolicy creates an OPA policy from a .rego file.
//
// The Rego module must define the following in package podguard:
//
//	allowed: bool
//	rule_name: string (optional)
//
// Input available to the policy:
//
//	input.ingress: bool
//	input.port: number
//	input.identity: number
//	input.method, input.path, input.host: string
//	input.headers: object
func NewOPAPolicy(path string, log *slog.Logger) (*OPAPolicy, error) {
	p := &OPAPolicy{path: path, log: log}
	if err := p.Reload(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

// NewOPAPolicyFromSource creates an OPA policy from raw Rego source.
func NewOPAPolicyFromSource(source string, log *slog.Logger) (*OPAPolicy, error) {
	p := &OPAPolicy{log: log}
	if err := p.loadSource(source); err != nil {
		return nil, err
	}
	return p, nil
}

// Lookup implements Provider: the module applies to every workload.
func (p *OPAPolicy) Lookup(string) (Policy, bool) {
	return p, true
}

// Allowed implements Policy.
func (p *OPAPolicy) Allowed(ingress bool, port uint16, identity uint32, req *http.Request, entry *api.LogEntry) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	headers := make(map[string]string, len(req.Header))
	for k, vs := range req.Header {
		headers[k] = strings.Join(vs, ",")
	}

	input := map[string]any{
		"ingress":  ingress,
		"port":     int(port),
		"identity": int(identity),
		"method":   req.Method,
		"path":     req.URL.Path,
		"host":     req.Host,
		"headers":  headers,
	}

	rs, err := p.query.Eval(context.Background(), rego.EvalInput(input))
	if err != nil {
		p.log.Debug("opa evaluation failed, denying", "error", err)
		return false
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		p.log.Debug("opa policy returned no result, denying")
		return false
	}

	result, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		p.log.Debug("unexpected opa result type, denying")
		return false
	}

	if name, ok := result["rule_name"].(string); ok {
		entry.MatchedRule = name
	}

	allowed, _ := result["allowed"].(bool)
	return allowed
}

// Reload re-reads the Rego module from disk and recompiles.
func (p *OPAPolicy) Reload(_ context.Context) error {
	if p.path == "" {
		return nil
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("reading opa policy file: %w", err)
	}
	return p.loadSource(string(data))
}

func (p *OPAPolicy) loadSource(source string) error {
	// Parse to validate
	_, err := ast.ParseModuleWithOpts("policy.rego", source, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return fmt.Errorf("parsing rego policy: %w", err)
	}

	r := rego.New(
		rego.Query("data.podguard"),
		rego.Module("policy.rego", source),
		rego.Store(inmem.New()),
	)

	query, err := r.PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("preparing opa query: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.query = query

	return nil
}
