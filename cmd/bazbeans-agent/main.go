// Command bazbeans-agent runs the node agent: a periodic
// heartbeat/self-health/command-drain loop co-located with the application
// instance it represents.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/bazbeans/pkg/agent"
	"github.com/cuemby/bazbeans/pkg/commandbus"
	"github.com/cuemby/bazbeans/pkg/composeplugin"
	"github.com/cuemby/bazbeans/pkg/config"
	"github.com/cuemby/bazbeans/pkg/coordinator"
	"github.com/cuemby/bazbeans/pkg/events"
	"github.com/cuemby/bazbeans/pkg/health"
	"github.com/cuemby/bazbeans/pkg/log"
	"github.com/cuemby/bazbeans/pkg/metrics"
	"github.com/cuemby/bazbeans/pkg/registry"
	"github.com/cuemby/bazbeans/pkg/sysprobe"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information (set via ldflags during build)
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
	Use:     "bazbeans-agent",
	Short:   "Node agent for the bazbeans fleet control plane",
	Version: Version,
	RunE:    runAgent,
}

func init() {
	metrics.SetVersion(Version)
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"bazbeans-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")
	rootCmd.Flags().String("redis-url", "", "Coordinator endpoint (overrides config/env)")
	rootCmd.Flags().String("node-id", "", "Stable node identity (default: hostname)")
	rootCmd.Flags().String("data-center", "", "Data center label for this node")
	rootCmd.Flags().String("config", "", "Path to a config file")
	rootCmd.Flags().String("metrics-addr", ":9090", "Address to serve /metrics, /health, /ready, /live on")
	rootCmd.Flags().String("health-check-url", "", "HTTP URL probed as an additional HealthProbe")
	rootCmd.Flags().String("health-check-tcp-addr", "", "TCP address probed as an additional HealthProbe")

	_ = v.BindPFlag("redis_url", rootCmd.Flags().Lookup("redis-url"))
	_ = v.BindPFlag("node_id", rootCmd.Flags().Lookup("node-id"))
	_ = v.BindPFlag("data_center", rootCmd.Flags().Lookup("data-center"))
	_ = v.BindPFlag("config", rootCmd.Flags().Lookup("config"))
	_ = v.BindPFlag("health_check_url", rootCmd.Flags().Lookup("health-check-url"))
	_ = v.BindPFlag("health_check_tcp_addr", rootCmd.Flags().Lookup("health-check-tcp-addr"))

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runAgent(cmd *cobra.Command, args []string) error {
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
	bus := commandbus.New(coord)
	pub := events.NewPublisher(coord)

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	serveMetrics(metricsAddr)

	a := agent.New(cfg, agent.Deps{
		Registry:       reg,
		CommandBus:     bus,
		Publisher:      pub,
		SystemProbe:    sysprobe.NewGopsutilProbe(),
		ContainerProbe: sysprobe.NewContainerRuntimeProbe(composeProjectName(cfg.ComposeFile)),
		HealthProbes:   buildHealthProbes(cfg),
		Handlers:       composeplugin.New(cfg).Handlers(),
	})

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("agent start: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	return a.Run(ctx)
}

// buildHealthProbes wires the optional HTTP/TCP health probes named in the
// agent's config, run after the built-in CPU/memory/container checks. Each
// is debounced so a single slow response doesn't freeze the node on its
// own.
func buildHealthProbes(cfg *config.Config) []health.Checker {
	var probes []health.Checker
	debounceCfg := health.DefaultConfig()

	if cfg.HealthCheckURL != "" {
		probes = append(probes, health.Debounced(health.NewHTTPChecker(cfg.HealthCheckURL), debounceCfg))
	}
	if cfg.HealthCheckTCPAddr != "" {
		probes = append(probes, health.Debounced(health.NewTCPChecker(cfg.HealthCheckTCPAddr), debounceCfg))
	}
	return probes
}

// composeProjectName derives the docker-compose project label from the
// configured compose file name: everything before its first '.'
// ("docker-compose.yml" gives "docker-compose"). Directory components are
// not stripped.
func composeProjectName(composeFile string) string {
	base := composeFile
	for i := 0; i < len(base); i++ {
		if base[i] == '.' {
			return base[:i]
		}
	}
	return base
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
