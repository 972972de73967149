package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tkingovr/pod-guard/internal/config"
	"github.com/tkingovr/pod-guard/internal/filter"
	"github.com/tkingovr/pod-guard/internal/metrics"
	"github.com/tkingovr/pod-guard/internal/policy"
	httpproxy "github.com/tkingovr/pod-guard/internal/proxy/http"
)

var proxyListen string

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Start the access control proxy",
	Long: `Start the reverse proxy in front of the configured target. Requests
are allowed or denied per the configured policy; SIGHUP reloads the
policy without dropping connections.`,
	Example: `  podguard proxy -c podguard.yaml
  podguard proxy -c podguard.yaml --listen :8080`,
	RunE: runProxy,
}

func init() {
	proxyCmd.Flags().StringVar(&proxyListen, "listen", "", "listen address (overrides config)")
	rootCmd.AddCommand(proxyCmd)
}

func runProxy(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("--config/-c is required")
	}
	cfg, err := config.Load(cfgFile, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if proxyListen != "" {
		cfg.Listen = proxyListen
	}

	provider, err := cfg.BuildProvider(logger)
	if err != nil {
		return err
	}
	resolver, err := cfg.BuildResolver()
	if err != nil {
		return fmt.Errorf("building identity resolver: %w", err)
	}

	m := metrics.New(nil)
	fcfg := filter.NewConfig(cfg.AccessLogPath, cfg.Denied403Body, m, logger)
	defer fcfg.Close()

	proxy, err := httpproxy.NewProxy(cfg.Target, fcfg, provider, resolver, cfg.Identity, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down proxy")
		cancel()
	}()

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for range hupCh {
			if err := reloadPolicy(ctx, provider); err != nil {
				logger.Error("policy reload failed, keeping previous policy", "error", err)
				continue
			}
			logger.Info("policy reloaded")
		}
	}()

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, m)
	}

	return proxy.ListenAndServe(ctx, cfg.Listen)
}

// reloadPolicy re-reads the policy from disk into the running provider.
func reloadPolicy(ctx context.Context, provider policy.Provider) error {
	switch p := provider.(type) {
	case *policy.RuleSet:
		cfg, err := config.Load(cfgFile, logger)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return p.Reload(cfg.Policy.Endpoints)
	case *policy.OPAPolicy:
		return p.Reload(ctx)
	default:
		return fmt.Errorf("policy provider does not support reload")
	}
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	logger.Info("serving metrics", "listen", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", "error", err)
	}
}
