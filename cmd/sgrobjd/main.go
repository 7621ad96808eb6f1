// Command sgrobjd is a small inspection and maintenance CLI over an
// object manager store: resolving a table's materialization plan,
// running the cache manager's garbage-collection sweep, and repairing
// refcounts left behind by a crashed process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	sgrobjects "github.com/splitgraph/sgr-objects"
	"github.com/splitgraph/sgr-objects/internal/config"
	"github.com/splitgraph/sgr-objects/internal/metadatastore/sqlite"
	"github.com/splitgraph/sgr-objects/internal/resolver"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sgrobjd",
	Short: "sgrobjd - object manager inspection and maintenance CLI",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(configPath); err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(sweepCmd, repairRefcountsCmd, resolveCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openManager(ctx context.Context) (*sgrobjects.ObjectManager, error) {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return sgrobjects.Open(ctx, sgrobjects.WithLogger(log))
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "delete stale unready cache entries and unreferenced objects",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer mgr.Close()
		return mgr.Sweep(ctx)
	},
}

var repairRefcountsCmd = &cobra.Command{
	Use:   "repair-refcounts",
	Short: "zero every cache-status refcount (run only when no other process holds this store)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer mgr.Close()
		n, err := mgr.RepairLeakedRefcounts(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("repaired %d refcount(s)\n", n)
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <namespace> <repository> <image> <table>",
	Short: "print the object ids a table resolves to, without pinning them",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		meta, err := sqlite.Open(ctx, config.GetStoreConfig().MetadataPath, nil)
		if err != nil {
			return err
		}
		defer meta.Close()

		plan, err := resolver.New(meta).Resolve(ctx, nil, args[0], args[1], args[2], args[3], nil)
		if err != nil {
			return err
		}

		for _, obj := range plan.Objects {
			fmt.Println(obj.ObjectID)
		}
		return nil
	},
}
