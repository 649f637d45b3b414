// Command coordinator runs a control-plane routing node.
//
// A coordinator owns a namespace, accepts sign-ins from components, routes
// messages among them and federates with coordinators of other namespaces.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/labmesh/labmesh/internal/config"
	"github.com/labmesh/labmesh/internal/coordinator"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configFile   string
		namespace    string
		host         string
		port         int
		coordinators string
		metricsAddr  string
		verbose      int
		quiet        int
	)

	cmd := &cobra.Command{
		Use:           "coordinator",
		Short:         "Control-plane routing node of the mesh",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if configFile != "" {
				loaded, err := config.Load(configFile)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			// Flags win over the config file.
			if cmd.Flags().Changed("namespace") {
				cfg.Namespace = namespace
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("coordinators") {
				cfg.Coordinators = splitAddresses(coordinators)
			}
			if cmd.Flags().Changed("metrics-address") {
				cfg.MetricsAddress = metricsAddr
			}
			return run(cfg, verbose-quiet)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "configuration file path")
	cmd.Flags().StringVar(&namespace, "namespace", "", "set the node's namespace (default: short hostname)")
	cmd.Flags().StringVar(&host, "host", "", "hostname under which other nodes reach this coordinator")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port number to bind to")
	cmd.Flags().StringVarP(&coordinators, "coordinators", "c", "",
		"connect to this comma separated list of coordinators (host:port)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-address", "", "serve Prometheus metrics on this address")
	cmd.Flags().CountVarP(&verbose, "verbose", "v", "increase verbosity")
	cmd.Flags().CountVarP(&quiet, "quiet", "q", "decrease verbosity")
	return cmd
}

func splitAddresses(csv string) []string {
	var addresses []string
	for _, address := range strings.Split(strings.ReplaceAll(csv, " ", ""), ",") {
		if address != "" {
			addresses = append(addresses, address)
		}
	}
	return addresses
}

// newLogger builds a console logger whose level is shifted by the -v/-q
// counters and later adjustable via the set_log_level RPC.
func newLogger(verbosity int) (*zap.Logger, zap.AtomicLevel, error) {
	level := zapcore.WarnLevel - zapcore.Level(verbosity)
	if level < zapcore.DebugLevel {
		level = zapcore.DebugLevel
	}
	if level > zapcore.ErrorLevel {
		level = zapcore.ErrorLevel
	}
	atomic := zap.NewAtomicLevelAt(level)
	cfg := zap.NewProductionConfig()
	cfg.Level = atomic
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	return logger, atomic, err
}

func run(cfg *config.Config, verbosity int) error {
	logger, level, err := newLogger(verbosity)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var metrics *coordinator.Metrics
	if cfg.MetricsAddress != "" {
		registry := prometheus.NewRegistry()
		metrics = coordinator.NewMetrics(registry)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer server.Close()
	}

	c, err := coordinator.New(coordinator.Options{
		Namespace:        cfg.Namespace,
		Host:             cfg.Host,
		Port:             cfg.Port,
		Timeout:          cfg.Timeout(),
		CleaningInterval: cfg.CleaningInterval(),
		ExpirationTime:   cfg.ExpirationTime(),
		Logger:           logger,
		LogLevel:         &level,
		Metrics:          metrics,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return c.Routing(ctx, cfg.Coordinators)
}
