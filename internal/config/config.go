package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tkingovr/pod-guard/internal/identity"
	"github.com/tkingovr/pod-guard/internal/policy"
)

// Config is the validated runtime configuration for one PodGuard instance.
type Config struct {
	Listen        string
	Target        string
	AccessLogPath string
	Denied403Body string
	MetricsAddr   string

	Identity identity.ConnectionIdentity
	Resolver ResolverConfig
	Policy   PolicyConfig
}

// ResolverConfig configures destination identity resolution for egress.
type ResolverConfig struct {
	CIDRs []identity.CIDRMapping `yaml:"cidrs,omitempty"`
}

// PolicyConfig selects the policy backend: a Rego module when opa_policy
// is set, endpoint rules otherwise.
type PolicyConfig struct {
	OPAPolicy string            `yaml:"opa_policy,omitempty"`
	Endpoints []policy.Endpoint `yaml:"endpoints,omitempty"`
}

// fileConfig is the raw YAML form, including legacy fields kept for
// compatibility with old deployments.
type fileConfig struct {
	Version       int    `yaml:"version"`
	Listen        string `yaml:"listen"`
	Target        string `yaml:"target"`
	AccessLogPath string `yaml:"access_log_path"`
	Denied403Body string `yaml:"denied_403_body"`
	MetricsAddr   string `yaml:"metrics_addr"`

	// PolicyName is no longer supported and rejected outright.
	PolicyName string `yaml:"policy_name"`

	// IsIngress is superseded by identity.ingress and ignored.
	IsIngress *bool `yaml:"is_ingress"`

	Identity identity.ConnectionIdentity `yaml:"identity"`
	Resolver ResolverConfig              `yaml:"resolver"`
	Policy   PolicyConfig                `yaml:"policy"`
}

// Load reads and validates a YAML config file.
func Load(path string, log *slog.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadBytes(data, log)
}

// LoadBytes parses and validates YAML config data.
func LoadBytes(data []byte, log *slog.Logger) (*Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if fc.Version != 1 {
		return nil, fmt.Errorf("unsupported config version: %d (expected 1)", fc.Version)
	}
	if fc.PolicyName != "" {
		return nil, fmt.Errorf("'policy_name' is no longer supported: %q", fc.PolicyName)
	}
	if fc.IsIngress != nil {
		log.Warn("'is_ingress' config option is deprecated and is ignored; set identity.ingress instead")
	}
	if fc.Target == "" {
		return nil, fmt.Errorf("'target' is required")
	}
	if fc.Identity.PodAddress == "" {
		return nil, fmt.Errorf("'identity.pod_address' is required")
	}

	cfg := &Config{
		Listen:        fc.Listen,
		Target:        fc.Target,
		AccessLogPath: fc.AccessLogPath,
		Denied403Body: fc.Denied403Body,
		MetricsAddr:   fc.MetricsAddr,
		Identity:      fc.Identity,
		Resolver:      fc.Resolver,
		Policy:        fc.Policy,
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}

	return cfg, nil
}

// BuildProvider constructs the configured policy backend.
func (c *Config) BuildProvider(log *slog.Logger) (policy.Provider, error) {
	if c.Policy.OPAPolicy != "" {
		p, err := policy.NewOPAPolicy(c.Policy.OPAPolicy, log)
		if err != nil {
			return nil, fmt.Errorf("loading opa policy: %w", err)
		}
		return p, nil
	}
	rs, err := policy.NewRuleSet(c.Policy.Endpoints)
	if err != nil {
		return nil, fmt.Errorf("loading endpoint policies: %w", err)
	}
	return rs, nil
}

// BuildResolver constructs the destination identity resolver.
func (c *Config) BuildResolver() (identity.Resolver, error) {
	return identity.NewCIDRResolver(c.Resolver.CIDRs)
}
