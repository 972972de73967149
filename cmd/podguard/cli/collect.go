package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tkingovr/pod-guard/internal/accesslog"
)

var (
	collectSocket string
	collectDir    string
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run the access log collector",
	Long: `Listen on the access log socket and persist received records as
date-rotated JSONL files. One collector serves any number of proxies
pointed at the same socket.`,
	Example: `  podguard collect --socket /run/podguard/access.sock --dir /var/log/podguard`,
	RunE:    runCollect,
}

func init() {
	collectCmd.Flags().StringVar(&collectSocket, "socket", "", "unix socket path to listen on (required)")
	collectCmd.Flags().StringVar(&collectDir, "dir", "", "directory for JSONL log files (required)")
	_ = collectCmd.MarkFlagRequired("socket")
	_ = collectCmd.MarkFlagRequired("dir")
	rootCmd.AddCommand(collectCmd)
}

func runCollect(cmd *cobra.Command, args []string) error {
	store, err := accesslog.NewStore(collectDir)
	if err != nil {
		return fmt.Errorf("creating access log store: %w", err)
	}
	defer store.Close()

	collector, err := accesslog.NewCollector(collectSocket, store, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down collector")
		cancel()
	}()

	logger.Info("collecting access logs", "socket", collectSocket, "dir", collectDir)
	return collector.Serve(ctx)
}
