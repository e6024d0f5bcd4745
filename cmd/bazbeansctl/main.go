// Command bazbeansctl is the operator CLI: a synchronous, short-lived
// client over the coordinator for cluster-wide and per-node control
// commands.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/bazbeans/pkg/commandbus"
	"github.com/cuemby/bazbeans/pkg/composeplugin"
	"github.com/cuemby/bazbeans/pkg/config"
	"github.com/cuemby/bazbeans/pkg/coordinator"
	"github.com/cuemby/bazbeans/pkg/log"
	"github.com/cuemby/bazbeans/pkg/operator"
	"github.com/cuemby/bazbeans/pkg/registry"
	"github.com/cuemby/bazbeans/pkg/types"
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
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "bazbeansctl",
	Short:   "Operator CLI for the bazbeans fleet control plane",
	Version: Version,
	// bazbeansctl is strictly synchronous and short-lived; every subcommand
	// surfaces a single-line error and non-zero exit code on coordinator
	// failure, never retries.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"bazbeansctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("redis-url", "", "Coordinator endpoint")
	rootCmd.PersistentFlags().String("data-center", "", "Data center label used by 'update --dc'")
	_ = v.BindPFlag("redis_url", rootCmd.PersistentFlags().Lookup("redis-url"))
	_ = v.BindPFlag("data_center", rootCmd.PersistentFlags().Lookup("data-center"))

	cobra.OnInitialize(func() {
		logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: false})
	})

	rootCmd.AddCommand(listNodesCmd, freezeCmd, unfreezeCmd, startCmd, stopCmd, restartCmd,
		updateCmd, execCmd, deployFileCmd, statusCmd, cleanupCmd)
}

// dial builds a Controller over a freshly connected coordinator, returning
// a cleanup func. Connection failure is the CLI's one fatal, user-visible
// error class.
func dial() (*operator.Controller, func(), error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, func() {}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	coord, err := coordinator.New(ctx, cfg)
	if err != nil {
		return nil, func() {}, fmt.Errorf("Unable to connect to %s: %w", cfg.RedisURL, err)
	}

	reg := registry.New(coord)
	bus := commandbus.New(coord)
	ctrl := operator.New(reg, bus)
	return ctrl, func() { coord.Close() }, nil
}

var listNodesCmd = &cobra.Command{
	Use:   "list-nodes",
	Short: "List every registered node with its current status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, closeFn, err := dial()
		if err != nil {
			return err
		}
		defer closeFn()

		nodes, err := ctrl.ListNodes(context.Background())
		if err != nil {
			return err
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
		for _, n := range nodes {
			fmt.Printf("%-20s dc=%-10s active=%-5t frozen=%-5t status=%s\n",
				n.NodeID, n.DataCenter, n.IsActive, n.IsFrozen, n.StatusKind)
		}
		return nil
	},
}

var freezeCmd = &cobra.Command{
	Use:   "freeze <id>",
	Short: "Administratively freeze a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, closeFn, err := dial()
		if err != nil {
			return err
		}
		defer closeFn()

		reason, _ := cmd.Flags().GetString("reason")
		sent, err := ctrl.Freeze(context.Background(), args[0], reason)
		if err != nil {
			return err
		}
		fmt.Printf("freeze command %s enqueued for %s\n", sent.ID, args[0])
		return nil
	},
}

func init() {
	freezeCmd.Flags().String("reason", "", "Reason recorded in the node's status")
}

var unfreezeCmd = &cobra.Command{
	Use:   "unfreeze <id>",
	Short: "Clear a node's frozen state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, closeFn, err := dial()
		if err != nil {
			return err
		}
		defer closeFn()
		sent, err := ctrl.Unfreeze(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("unfreeze command %s enqueued for %s\n", sent.ID, args[0])
		return nil
	},
}

// lifecycleCmd builds the start/stop/restart subcommands: each enqueues
// the matching compose-plugin command kind for the node's agent.
func lifecycleCmd(verb, kind string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: "Enqueue a " + verb + " command for a node's services",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, closeFn, err := dial()
			if err != nil {
				return err
			}
			defer closeFn()
			if _, err := ctrl.SendCommand(context.Background(), args[0], types.Command{Kind: kind}); err != nil {
				return err
			}
			fmt.Printf("%s command enqueued for %s\n", verb, args[0])
			return nil
		},
	}
}

var (
	startCmd   = lifecycleCmd("start", composeplugin.KindStart)
	stopCmd    = lifecycleCmd("stop", composeplugin.KindStop)
	restartCmd = lifecycleCmd("restart", composeplugin.KindRestart)
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Broadcast an update command to every node (optionally scoped to a data center)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, closeFn, err := dial()
		if err != nil {
			return err
		}
		defer closeFn()

		dc, _ := cmd.Flags().GetString("dc")
		if dc == "" {
			// fall back to the global --data-center flag, but never to the
			// configured default: a bare `update` reaches every node
			dc, _ = cmd.Root().PersistentFlags().GetString("data-center")
		}
		sent, err := ctrl.SendCommandToAll(context.Background(), types.Command{Kind: composeplugin.KindUpdate}, dc)
		if err != nil {
			return err
		}
		fmt.Printf("update broadcast to %d node(s)\n", len(sent))
		return nil
	},
}

func init() {
	updateCmd.Flags().String("dc", "", "Restrict the broadcast to this data center")
}

var execCmd = &cobra.Command{
	Use:   "exec <id> <shell command...>",
	Short: "Enqueue a whitelisted shell command on a node",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, closeFn, err := dial()
		if err != nil {
			return err
		}
		defer closeFn()

		shellCmd := strings.Join(args[1:], " ")
		if _, err := ctrl.SendCommand(context.Background(), args[0], types.Command{
			Kind: types.CommandExec,
			Args: map[string]interface{}{"command": shellCmd},
		}); err != nil {
			return err
		}
		fmt.Printf("exec command enqueued for %s\n", args[0])
		return nil
	},
}

var deployFileCmd = &cobra.Command{
	Use:   "deploy-file <id> <local> <remote>",
	Short: "Enqueue a file deployment onto a node",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, closeFn, err := dial()
		if err != nil {
			return err
		}
		defer closeFn()

		content, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read local file: %w", err)
		}
		if _, err := ctrl.SendCommand(context.Background(), args[0], types.Command{
			Kind: types.CommandDeployFile,
			Args: map[string]interface{}{"path": args[2], "content": string(content)},
		}); err != nil {
			return err
		}
		fmt.Printf("deploy_file command enqueued for %s\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Print a single node's assembled status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, closeFn, err := dial()
		if err != nil {
			return err
		}
		defer closeFn()

		node, err := ctrl.Status(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("node_id:     %s\n", node.NodeID)
		fmt.Printf("status:      %s\n", node.StatusKind)
		fmt.Printf("data_center: %s\n", node.DataCenter)
		fmt.Printf("is_active:   %t\n", node.IsActive)
		fmt.Printf("is_frozen:   %t\n", node.IsFrozen)
		fmt.Printf("details:     %s\n", node.Details)
		if node.HasHeartbeat {
			fmt.Printf("last_heartbeat_at: %s\n", node.LastHeartbeatAt.Format(time.RFC3339))
			fmt.Printf("cpu=%.1f%% mem=%.1f%% disk=%.1f%%\n", node.Metrics.CPUPercent, node.Metrics.MemPercent, node.Metrics.DiskPercent)
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Evict stale ACTIVE_NODES entries whose heartbeat has expired",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, closeFn, err := dial()
		if err != nil {
			return err
		}
		defer closeFn()

		removed, err := ctrl.Cleanup(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("removed %d stale node(s)\n", len(removed))
		return nil
	},
}
