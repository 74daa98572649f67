// Command replicactl is the operator-facing CLI over the replica
// façade: a cobra command tree (rootCmd.AddCommand(...) wired from
// init()) whose handlers call straight into a *replica.Replica opened
// from the on-disk adapter named by DELTACRDT_ADAPTER / DELTACRDT_DATA_DIR.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"deltacrdt/internal/config"
	"deltacrdt/internal/ojson"
	"deltacrdt/internal/replica"
	"deltacrdt/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "replicactl",
	Short: "Operate a delta-state CRDT replica",
	Long:  `replicactl drives one replica's create/update/read/commit/meld/resolve operations over its content-addressed adapter.`,
}

func openReplica(cmd *cobra.Command) (*replica.Replica, *config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	telemetry.Init(telemetry.Config{Level: telemetry.Level(cfg.Logging.Level), JSONOutput: cfg.Logging.JSONOutput})

	r, err := replica.Open(cmd.Context(), cfg.Store, nil)
	if err != nil {
		return nil, nil, err
	}
	if err := r.Reload(); err != nil {
		telemetry.WithComponent("replicactl").Warn().Err(err).Msg("reload failed, starting from empty state")
	}
	return r, cfg, nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an empty root object for a new replica",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, _, err := openReplica(cmd)
		if err != nil {
			return err
		}
		root := ojson.NewMap()
		root.Set("_id", "@")
		if err := r.Update(root); err != nil {
			return err
		}
		id, err := r.Commit(nil)
		if err != nil {
			return err
		}
		fmt.Printf("initialized replica, block %s\n", id)
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <json>",
	Short: "Replace the document with the given JSON (must include _id: \"@\" implicitly at root)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, _, err := openReplica(cmd)
		if err != nil {
			return err
		}
		v, err := ojson.Parse([]byte(args[0]))
		if err != nil {
			return fmt.Errorf("invalid json: %w", err)
		}
		m, ok := v.(*ojson.Map)
		if !ok {
			return fmt.Errorf("update requires a json object")
		}
		if _, present := m.Get("_id"); !present {
			m.Set("_id", "@")
		}
		return r.Update(m)
	},
}

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Print the current document as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, _, err := openReplica(cmd)
		if err != nil {
			return err
		}
		doc, err := r.Read()
		if err != nil {
			return err
		}
		out, err := ojson.Marshal(doc)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var commitInfo string

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Commit every staged change into a new delta block",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, _, err := openReplica(cmd)
		if err != nil {
			return err
		}
		var info *ojson.Map
		if commitInfo != "" {
			info = ojson.NewMap()
			info.Set("message", commitInfo)
		}
		id, err := r.Commit(info)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List object ids currently in conflict",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, _, err := openReplica(cmd)
		if err != nil {
			return err
		}
		for _, id := range r.InConflict() {
			leaves, err := r.GetConflicting(id)
			if err != nil {
				return err
			}
			winner, err := r.GetWinner(id)
			if err != nil {
				return err
			}
			fmt.Printf("%s\twinner=%s\tothers=%v\n", id, winner, leaves)
		}
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <uuid> <revision>",
	Short: "Resolve a conflicted object to the given leaf revision",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, _, err := openReplica(cmd)
		if err != nil {
			return err
		}
		rev, err := r.ResolveAs(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(rev)
		return nil
	},
}

var meldCmd = &cobra.Command{
	Use:   "meld <other-dir>",
	Short: "Copy raw items from another replica's local adapter into this one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, cfg, err := openReplica(cmd)
		if err != nil {
			return err
		}
		otherCfg := cfg.Store
		otherCfg.Adapter = "local"
		otherCfg.LocalPath = args[0]
		other, err := replica.OpenAdapter(cmd.Context(), otherCfg)
		if err != nil {
			return err
		}
		copied, err := r.Meld(other)
		if err != nil {
			return err
		}
		fmt.Printf("copied %d items\n", len(copied))
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Load newly appeared packs and blocks",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, _, err := openReplica(cmd)
		if err != nil {
			return err
		}
		return r.Refresh()
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete packs and indices unreachable from the current anchors",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, _, err := openReplica(cmd)
		if err != nil {
			return err
		}
		removed, err := r.GC()
		if err != nil {
			return err
		}
		for _, key := range removed {
			fmt.Println(key)
		}
		return nil
	},
}

func init() {
	commitCmd.Flags().StringVar(&commitInfo, "info", "", "free-form message attached to the commit's info field")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(meldCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(gcCmd)
}

func main() {
	ctx := context.Background()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
