// Command weaverdb is the storage engine's administrative entry point:
// bringing the engine up for foreground service, one-shot recovery,
// background maintenance, and catalog administration.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weaverdb/wdbengine/pkg/config"
	"github.com/weaverdb/wdbengine/pkg/env"
	"github.com/weaverdb/wdbengine/pkg/freespace"
	"github.com/weaverdb/wdbengine/pkg/health"
	"github.com/weaverdb/wdbengine/pkg/log"
	"github.com/weaverdb/wdbengine/pkg/metrics"
	"github.com/weaverdb/wdbengine/pkg/types"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var opts config.Options

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "weaverdb",
	Short:   "weaverdb storage engine",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"weaverdb version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	config.BindFlags(rootCmd)
	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file")

	cobra.OnInitialize(initConfigAndLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(vacuumCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(extentCmd)
}

func initConfigAndLogging() {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	loaded, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	opts = loaded
	config.ApplyFlags(rootCmd, &opts)

	log.Init(log.Config{
		Level:      log.Level(opts.LogLevel),
		JSONOutput: opts.LogJSON,
	})
	health.SetVersion(Version)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the engine in the foreground, serving maintenance and health endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		runRecovery, _ := cmd.Flags().GetBool("recover")

		e, err := env.Open(opts, runRecovery)
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}

		go func() {
			http.Handle("/metrics", metrics.Handler())
			http.Handle("/health", health.Handler())
			http.Handle("/ready", health.ReadyHandler())
			http.Handle("/live", health.LiveHandler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				log.Logger.Error().Err(err).Msg("metrics server exited")
			}
		}()
		fmt.Printf("weaverdb running, data dir %s, metrics at http://%s/metrics\n", opts.DataDir, metricsAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("shutting down...")
		return e.Close()
	},
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "initialize a brand-new data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := env.Open(opts, false)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		fmt.Printf("bootstrapped data directory %s\n", opts.DataDir)
		return e.Close()
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "run crash recovery against an existing data directory and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := env.Open(opts, true)
		if err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		fmt.Println("recovery complete")
		return e.Close()
	},
}

var vacuumCmd = &cobra.Command{
	Use:   "vacuum <dbid> <relid>",
	Short: "run vacuum against one relation and exit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rel, err := parseRelID(args[0], args[1])
		if err != nil {
			return err
		}

		e, err := env.Open(opts, false)
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		defer e.Close()

		th := e.NewThread(cmd.Context(), types.FirstNormalTransactionID)
		if _, err := th.OpenRelation(rel); err != nil {
			return fmt.Errorf("open relation: %w", err)
		}

		th.RequestVacuum(rel, rel.DBID)
		e.Pool().WaitNotify(rel.DBID)
		fmt.Printf("vacuum complete for rel %d.%d\n", rel.DBID, rel.Rel)
		return nil
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "sync all dirty relation data and expire the shadow log",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := env.Open(opts, false)
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		defer e.Close()

		if err := e.Checkpoint(); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		fmt.Println("checkpoint complete")
		return nil
	},
}

var extentCmd = &cobra.Command{
	Use:   "extent",
	Short: "administer per-relation extent policy (pg_extent)",
}

var extentSetCmd = &cobra.Command{
	Use:   "set <dbid> <relid>",
	Short: "set a relation's extent growth policy",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rel, err := parseRelID(args[0], args[1])
		if err != nil {
			return err
		}
		blockCount, _ := cmd.Flags().GetInt("block-count")
		percent, _ := cmd.Flags().GetFloat64("percent")

		policy := freespace.ExtentPolicy{BlockCount: blockCount}
		if percent > 0 {
			policy = freespace.ExtentPolicy{Percentage: true, PercentOf: percent / 100}
		}

		e, err := env.Open(opts, false)
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		defer e.Close()

		if _, found, err := e.Catalog().GetRelation(rel); err != nil {
			return fmt.Errorf("lookup relation: %w", err)
		} else if !found {
			return fmt.Errorf("relation %d.%d is not registered in the catalog", rel.DBID, rel.Rel)
		}
		if err := e.SetExtentPolicy(rel, policy); err != nil {
			return fmt.Errorf("set extent policy: %w", err)
		}
		fmt.Printf("extent policy updated for rel %d.%d\n", rel.DBID, rel.Rel)
		return nil
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "address the metrics/health HTTP server listens on")
	serveCmd.Flags().Bool("recover", false, "run transaction log recovery before serving")

	extentSetCmd.Flags().Int("block-count", freespace.DefaultExtentPolicy.BlockCount, "fixed block count to extend by")
	extentSetCmd.Flags().Float64("percent", 0, "percentage of current relation size to extend by (overrides --block-count)")
	extentCmd.AddCommand(extentSetCmd)
}

func parseRelID(dbidArg, relArg string) (types.RelID, error) {
	var dbid, rel uint32
	if _, err := fmt.Sscanf(dbidArg, "%d", &dbid); err != nil {
		return types.RelID{}, fmt.Errorf("invalid dbid %q: %w", dbidArg, err)
	}
	if _, err := fmt.Sscanf(relArg, "%d", &rel); err != nil {
		return types.RelID{}, fmt.Errorf("invalid relid %q: %w", relArg, err)
	}
	return types.RelID{DBID: dbid, Rel: rel}, nil
}
