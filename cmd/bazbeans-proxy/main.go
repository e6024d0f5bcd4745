// Command bazbeans-proxy runs the reverse-proxy config reconciliation
// loop: it subscribes to the membership event bus and keeps an nginx-style
// upstream file in sync with ACTIVE_NODES.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/bazbeans/pkg/config"
	"github.com/cuemby/bazbeans/pkg/coordinator"
	"github.com/cuemby/bazbeans/pkg/events"
	"github.com/cuemby/bazbeans/pkg/log"
	"github.com/cuemby/bazbeans/pkg/metrics"
	"github.com/cuemby/bazbeans/pkg/proxyupdater"
	"github.com/cuemby/bazbeans/pkg/registry"
	"github.com/cuemby/bazbeans/pkg/resolver"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var v = viper.New()

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "bazbeans-proxy",
	Short:   "Reverse-proxy upstream config updater for the bazbeans fleet",
	Version: Version,
	RunE:    runProxy,
}

func init() {
	metrics.SetVersion(Version)
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"bazbeans-proxy version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")
	rootCmd.Flags().String("redis-url", "", "Coordinator endpoint")
	rootCmd.Flags().String("upstream-file", "", "Path to the generated upstream config file")
	rootCmd.Flags().String("upstream-name", "", "Upstream block name")
	rootCmd.Flags().String("reload-cmd", "", "Shell command to reload the proxy after a successful validation")
	rootCmd.Flags().String("validate-cmd", "", "Shell command to validate the new config before reload")
	rootCmd.Flags().String("dns-suffix", "", "Optional domain suffix for DNS-based IP resolution fallback")
	rootCmd.Flags().String("config", "", "Path to a config file")
	rootCmd.Flags().String("metrics-addr", ":9091", "Address to serve /metrics, /health, /ready, /live on")

	_ = v.BindPFlag("redis_url", rootCmd.Flags().Lookup("redis-url"))
	_ = v.BindPFlag("upstream_file", rootCmd.Flags().Lookup("upstream-file"))
	_ = v.BindPFlag("upstream_name", rootCmd.Flags().Lookup("upstream-name"))
	_ = v.BindPFlag("reload_cmd", rootCmd.Flags().Lookup("reload-cmd"))
	_ = v.BindPFlag("validate_cmd", rootCmd.Flags().Lookup("validate-cmd"))
	_ = v.BindPFlag("config", rootCmd.Flags().Lookup("config"))

	cobra.OnInitialize(func() {
		logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
		logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	})
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord, err := coordinator.New(ctx, cfg)
	if err != nil {
		metrics.RegisterComponent("coordinator", false, err.Error())
		return fmt.Errorf("unable to connect to coordinator: %w", err)
	}
	defer coord.Close()
	metrics.RegisterComponent("coordinator", true, "connected")

	reg := registry.New(coord)
	bus := events.NewBus(coord)
	bus.Start(ctx)
	defer bus.Stop()

	dnsSuffix, _ := cmd.Flags().GetString("dns-suffix")
	chain := resolver.NewChainedResolver(
		resolver.NewRegistryResolver(reg),
		resolver.NewDNSResolver(dnsSuffix),
	)

	updater := proxyupdater.New(cfg, bus, reg, chain.Resolve)

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	serveMetrics(metricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Logger.Info().Msg("shutdown signal received")
		updater.Stop()
		cancel()
	}()

	updater.Run(ctx)
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
}
