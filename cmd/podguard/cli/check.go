package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tkingovr/pod-guard/api"
	"github.com/tkingovr/pod-guard/internal/config"
)

var (
	checkMethod   string
	checkPath     string
	checkHost     string
	checkPort     uint16
	checkIdentity uint32
	checkIngress  bool
	checkHeaders  []string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Dry-run a policy decision without a running proxy",
	Long: `Check what verdict a request would receive without running the proxy.
Useful for testing and debugging policy rules.`,
	Example: `  podguard check -c podguard.yaml --method GET --path /v1/ping --identity 5
  podguard check -c podguard.yaml --ingress=false --port 443 --identity 42`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkMethod, "method", http.MethodGet, "request method")
	checkCmd.Flags().StringVar(&checkPath, "path", "/", "request path")
	checkCmd.Flags().StringVar(&checkHost, "host", "", "request host header")
	checkCmd.Flags().Uint16Var(&checkPort, "port", 0, "destination port (defaults to the configured identity port)")
	checkCmd.Flags().Uint32Var(&checkIdentity, "identity", 0, "peer security identity")
	checkCmd.Flags().BoolVar(&checkIngress, "ingress", true, "treat the request as ingress traffic")
	checkCmd.Flags().StringArrayVar(&checkHeaders, "header", nil, "request header, 'Name: value' (repeatable)")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("--config/-c is required for check command")
	}

	cfg, err := config.Load(cfgFile, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	provider, err := cfg.BuildProvider(logger)
	if err != nil {
		return err
	}

	port := checkPort
	if port == 0 {
		port = cfg.Identity.Port
	}

	host := checkHost
	if host == "" {
		host = cfg.Identity.PodAddress
	}
	req, err := http.NewRequest(checkMethod, "http://"+host+checkPath, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	for _, h := range checkHeaders {
		if err := addHeader(req, h); err != nil {
			return err
		}
	}

	output := struct {
		Allowed bool   `json:"allowed"`
		Rule    string `json:"rule,omitempty"`
	}{}

	var entry api.LogEntry
	if pol, ok := provider.Lookup(cfg.Identity.PodAddress); ok {
		output.Allowed = pol.Allowed(checkIngress, port, checkIdentity, req, &entry)
		output.Rule = entry.MatchedRule
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

func addHeader(req *http.Request, h string) error {
	name, value, found := strings.Cut(h, ":")
	name = strings.TrimSpace(name)
	if !found || name == "" {
		return fmt.Errorf("invalid header %q, expected 'Name: value'", h)
	}
	req.Header.Add(name, strings.TrimSpace(value))
	return nil
}
