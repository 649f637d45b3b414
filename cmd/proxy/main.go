// Command proxy runs the data-plane XSUB/XPUB broker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/labmesh/labmesh/internal/proxy"
)

func main() {
	var (
		sub     string
		pub     string
		offset  int
		verbose int
		quiet   int
	)

	cmd := &cobra.Command{
		Use:           "proxy",
		Short:         "Data-plane XSUB/XPUB broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			level := zapcore.WarnLevel - zapcore.Level(verbose-quiet)
			if level < zapcore.DebugLevel {
				level = zapcore.DebugLevel
			}
			if level > zapcore.ErrorLevel {
				level = zapcore.ErrorLevel
			}
			cfg := zap.NewProductionConfig()
			cfg.Level = zap.NewAtomicLevelAt(level)
			cfg.Encoding = "console"
			logger, err := cfg.Build()
			if err != nil {
				return err
			}
			defer logger.Sync()

			p, err := proxy.New(proxy.Options{
				Sub:    sub,
				Pub:    pub,
				Offset: offset,
				Logger: logger,
			})
			if err != nil {
				return err
			}
			defer p.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return p.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&sub, "sub", "s", "", "subscribe to the local proxy of this host")
	cmd.Flags().StringVarP(&pub, "pub", "p", "", "publish to the local proxy of this host")
	cmd.Flags().IntVar(&offset, "offset", 0, "shift the port pair for multiple proxies")
	cmd.Flags().CountVarP(&verbose, "verbose", "v", "increase verbosity")
	cmd.Flags().CountVarP(&quiet, "quiet", "q", "decrease verbosity")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
