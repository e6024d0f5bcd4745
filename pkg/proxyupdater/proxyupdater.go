// Package proxyupdater implements the reverse-proxy config reconciliation
// loop: it subscribes to the membership event bus, tracks the current
// active set, and rewrites the upstream file only when that set actually
// changes. Events are the primary signal; a slow ticker remains as a
// fallback reconcile path for a subscriber that missed events while its
// bus connection was down.
package proxyupdater

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/bazbeans/pkg/config"
	"github.com/cuemby/bazbeans/pkg/events"
	"github.com/cuemby/bazbeans/pkg/log"
	"github.com/cuemby/bazbeans/pkg/metrics"
	"github.com/cuemby/bazbeans/pkg/registry"
	"github.com/rs/zerolog"
)

// fallbackReconcileInterval bounds how long a subscriber can drift from
// ACTIVE_NODES before it re-reads it directly, in case an event was missed
// while the bus connection was down.
const fallbackReconcileInterval = 30 * time.Second

// Updater subscribes to the event bus and keeps the upstream config file in
// sync with ACTIVE_NODES.
type Updater struct {
	cfg       *config.Config
	bus       *events.Bus
	reg       *registry.Registry
	resolveIP func(ctx context.Context, nodeID string) (string, bool)
	logger    zerolog.Logger

	mu       sync.Mutex
	snapshot map[string]struct{}
	stopCh   chan struct{}
}

// New builds an Updater. resolveIP resolves a node's IP for rendering
// (typically backed by the resolver package's chain).
func New(cfg *config.Config, bus *events.Bus, reg *registry.Registry, resolveIP func(ctx context.Context, nodeID string) (string, bool)) *Updater {
	return &Updater{
		cfg:       cfg,
		bus:       bus,
		reg:       reg,
		resolveIP: resolveIP,
		logger:    log.WithComponent("proxyupdater"),
		snapshot:  make(map[string]struct{}),
		stopCh:    make(chan struct{}),
	}
}

// Run subscribes and blocks until ctx is cancelled or Stop is called.
func (u *Updater) Run(ctx context.Context) {
	sub := u.bus.Subscribe()
	defer u.bus.Unsubscribe(sub)

	ticker := time.NewTicker(fallbackReconcileInterval)
	defer ticker.Stop()

	u.logger.Info().Msg("proxy updater started")

	for {
		select {
		case evt, open := <-sub:
			if !open {
				return
			}
			u.onEvent(ctx, evt.ActiveNodes)
		case <-ticker.C:
			u.reconcileFromSource(ctx)
		case <-u.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts Run.
func (u *Updater) Stop() {
	close(u.stopCh)
}

func (u *Updater) onEvent(ctx context.Context, activeNodes []string) {
	u.apply(ctx, activeNodes)
}

// reconcileFromSource re-reads ACTIVE_NODES directly, the fallback path for
// a subscriber that silently missed events.
func (u *Updater) reconcileFromSource(ctx context.Context) {
	active, err := u.reg.ListActive(ctx)
	if err != nil {
		u.logger.Warn().Err(err).Msg("fallback reconcile: failed to list active nodes")
		return
	}
	u.apply(ctx, active)
}

// apply skips the render if the new set equals the current snapshot;
// otherwise it rewrites the file and reloads.
func (u *Updater) apply(ctx context.Context, activeNodes []string) {
	next := toSet(activeNodes)

	u.mu.Lock()
	unchanged := setsEqual(u.snapshot, next)
	if !unchanged {
		u.snapshot = next
	}
	u.mu.Unlock()

	if unchanged {
		return
	}

	if err := u.reconcile(ctx, activeNodes); err != nil {
		u.logger.Error().Err(err).Msg("proxy reconciliation failed")
		metrics.ProxyReloadFailuresTotal.Inc()
	}
}

func (u *Updater) reconcile(ctx context.Context, activeNodes []string) error {
	content := u.render(ctx, activeNodes)

	if err := u.atomicWrite(content); err != nil {
		return fmt.Errorf("proxyupdater: write upstream file: %w", err)
	}

	if u.cfg.ValidateCmd != "" {
		if err := runShell(ctx, u.cfg.ValidateCmd); err != nil {
			return fmt.Errorf("proxyupdater: validation failed, leaving new config on disk: %w", err)
		}
	}

	if u.cfg.ReloadCmd != "" {
		if err := runShell(ctx, u.cfg.ReloadCmd); err != nil {
			return fmt.Errorf("proxyupdater: reload failed: %w", err)
		}
	}

	metrics.ProxyReconciliationsTotal.Inc()
	u.logger.Info().Int("active_nodes", len(activeNodes)).Msg("upstream config reconciled")
	return nil
}

// render produces the upstream block byte for byte: header comment with a
// UTC timestamp, one server line per node in lexicographic order, a
// trailing least_conn directive. Proxies diff the output, so rendering
// must be deterministic. A node whose IP cannot be resolved gets a comment
// line, not a silent drop.
func (u *Updater) render(ctx context.Context, activeNodes []string) string {
	sorted := append([]string(nil), activeNodes...)
	sort.Strings(sorted)

	var b strings.Builder
	fmt.Fprintf(&b, "# Generated by bazbeans-proxy\n")
	fmt.Fprintf(&b, "# Updated: %s\n", time.Now().UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "upstream %s {\n", u.cfg.UpstreamName)
	fmt.Fprintf(&b, "    # Active nodes: %d\n", len(sorted))
	for _, nodeID := range sorted {
		ip, ok := u.resolveIP(ctx, nodeID)
		if !ok {
			fmt.Fprintf(&b, "    # Could not resolve IP for %s\n", nodeID)
			continue
		}
		fmt.Fprintf(&b, "    server %s:%d;\n", ip, u.cfg.NodePort)
	}
	fmt.Fprintf(&b, "    # Load balancing options\n")
	fmt.Fprintf(&b, "    least_conn;\n")
	fmt.Fprintf(&b, "}\n")
	return b.String()
}

// atomicWrite moves any existing file aside to <file>.bak, then writes the
// new content, so the previous config survives a bad render.
func (u *Updater) atomicWrite(content string) error {
	path := u.cfg.UpstreamFile
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".bak"); err != nil {
			return fmt.Errorf("backup existing file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat existing file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func runShell(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", command, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func toSet(nodes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		set[n] = struct{}{}
	}
	return set
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
