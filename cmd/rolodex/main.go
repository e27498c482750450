package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/halverson/rolodex/internal/config"
	"github.com/halverson/rolodex/internal/db"
	"github.com/halverson/rolodex/internal/ingest"
	"github.com/halverson/rolodex/internal/merge"
	"github.com/halverson/rolodex/internal/spool"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rolodex",
		Short: "Canonical person graph for personal communications",
		Long: `Rolodex resolves raw contact records from your communication
sources (chat databases, mail stores, address books) into a single
graph of canonical people, with explicit merge and duplicate review.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(mergeCmd())
	rootCmd.AddCommand(dupesCmd())
	rootCmd.AddCommand(statsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(b))
}

func fail(format string, args ...any) {
	if jsonOutput {
		printJSON(map[string]any{"ok": false, "message": fmt.Sprintf(format, args...)})
	} else {
		fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	}
	os.Exit(1)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("rolodex %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize rolodex config and database",
		Run: func(cmd *cobra.Command, args []string) {
			configDir, err := config.GetConfigDir()
			if err != nil {
				fail("failed to get config directory: %v", err)
			}
			dataDir, err := config.GetDataDir()
			if err != nil {
				fail("failed to get data directory: %v", err)
			}
			if err := os.MkdirAll(configDir, 0755); err != nil {
				fail("failed to create config directory: %v", err)
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				fail("failed to create data directory: %v", err)
			}
			if err := db.Init(); err != nil {
				fail("failed to initialize database: %v", err)
			}
			dbPath, _ := db.GetPath()
			if jsonOutput {
				printJSON(map[string]any{
					"ok":         true,
					"config_dir": configDir,
					"data_dir":   dataDir,
					"db_path":    dbPath,
				})
			} else {
				fmt.Printf("Initialized rolodex\n  config: %s\n  data:   %s\n  db:     %s\n", configDir, dataDir, dbPath)
			}
		},
	}
}

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <batch.json>...",
		Short: "Ingest batch files of raw person records",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				fail("failed to load config: %v", err)
			}
			database, err := db.Open()
			if err != nil {
				fail("failed to open database: %v", err)
			}
			defer database.Close()

			pipeline := ingest.New(database, cfg.DefaultRegion)
			ctx := cmd.Context()

			var total ingest.Counters
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					fail("failed to read %s: %v", path, err)
				}
				var batch ingest.Batch
				if err := json.Unmarshal(data, &batch); err != nil {
					fail("failed to parse %s: %v", path, err)
				}
				counters, err := pipeline.UpsertBatch(ctx, batch.Source, batch.Records)
				if err != nil {
					fail("failed to ingest %s: %v", path, err)
				}
				total.Accepted += counters.Accepted
				total.Upserts += counters.Upserts
				total.Deletes += counters.Deletes
				total.Conflicts += counters.Conflicts
				total.Skipped += counters.Skipped
			}

			if jsonOutput {
				printJSON(total)
			} else {
				fmt.Printf("Ingested %d record(s): %d upserts, %d deletes, %d conflicts, %d skipped\n",
					total.Accepted, total.Upserts, total.Deletes, total.Conflicts, total.Skipped)
			}
		},
	}
}

func watchCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a spool directory for batch files",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				fail("failed to load config: %v", err)
			}
			if dir == "" {
				dir = cfg.Spool.Dir
			}
			if dir == "" {
				fail("no spool directory configured; set spool.dir or pass --dir")
			}

			database, err := db.Open()
			if err != nil {
				fail("failed to open database: %v", err)
			}
			defer database.Close()

			watcher := spool.New(dir, ingest.New(database, cfg.DefaultRegion))
			if cfg.Spool.DebounceSeconds > 0 {
				watcher.Debounce = time.Duration(cfg.Spool.DebounceSeconds) * time.Second
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Println("Press Ctrl+C to stop")
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				fail("watch failed: %v", err)
			}
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Spool directory (defaults to spool.dir from config)")
	return cmd
}

func mergeCmd() *cobra.Command {
	var (
		targetID string
		sources  []string
		strategy string
		actor    string
		meta     []string
	)
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge duplicate persons into one",
		Run: func(cmd *cobra.Command, args []string) {
			database, err := db.Open()
			if err != nil {
				fail("failed to open database: %v", err)
			}
			defer database.Close()

			metadata := make(map[string]string, len(meta))
			for _, kv := range meta {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					fail("invalid --meta %q, expected key=value", kv)
				}
				metadata[k] = v
			}

			result, err := merge.People(cmd.Context(), database, merge.Request{
				TargetID:  targetID,
				SourceIDs: sources,
				Strategy:  merge.Strategy(strategy),
				Actor:     actor,
				Metadata:  metadata,
			})
			if err != nil {
				fail("%v", err)
			}

			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("Merged %d person(s) into %s (merge %s)\n", len(result.SourceIDs), result.TargetID, result.MergeID)
				for table, n := range result.Repointed {
					if n > 0 {
						fmt.Printf("  %s: %d re-pointed\n", table, n)
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&targetID, "target", "", "Person id that absorbs the sources")
	cmd.Flags().StringArrayVar(&sources, "source", nil, "Person id to absorb (repeatable)")
	cmd.Flags().StringVar(&strategy, "strategy", string(merge.MergeNonNull), "Attribute strategy: prefer_target, prefer_source, merge_non_null")
	cmd.Flags().StringVar(&actor, "actor", "cli", "Who triggered the merge")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Extra metadata as key=value (repeatable)")
	cmd.MarkFlagRequired("target")
	cmd.MarkFlagRequired("source")
	return cmd
}

func dupesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dupes",
		Short: "List duplicate candidate groups for review",
		Run: func(cmd *cobra.Command, args []string) {
			database, err := db.Open()
			if err != nil {
				fail("failed to open database: %v", err)
			}
			defer database.Close()

			groups, err := merge.FindDuplicateCandidates(cmd.Context(), database)
			if err != nil {
				fail("%v", err)
			}

			if jsonOutput {
				printJSON(groups)
				return
			}
			if len(groups) == 0 {
				fmt.Println("No duplicate candidates")
				return
			}
			for _, g := range groups {
				fmt.Printf("%s %s → %d persons: %s\n", g.Kind, g.ValueCanonical, g.Count, strings.Join(g.PersonIDs, ", "))
			}
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show identity graph statistics",
		Run: func(cmd *cobra.Command, args []string) {
			database, err := db.Open()
			if err != nil {
				fail("failed to open database: %v", err)
			}
			defer database.Close()

			stats := map[string]int{}
			for name, query := range map[string]string{
				"persons_active":     `SELECT COUNT(*) FROM persons WHERE deleted = 0 AND merged_into IS NULL`,
				"persons_tombstoned": `SELECT COUNT(*) FROM persons WHERE merged_into IS NOT NULL`,
				"persons_deleted":    `SELECT COUNT(*) FROM persons WHERE deleted = 1`,
				"identifiers":        `SELECT COUNT(*) FROM identifiers`,
				"source_mappings":    `SELECT COUNT(*) FROM source_mappings`,
				"merges":             `SELECT COUNT(*) FROM merge_audit`,
				"appends":            `SELECT COUNT(*) FROM append_audit`,
			} {
				var n int
				if err := database.QueryRow(query).Scan(&n); err != nil {
					fail("stats query %s: %v", name, err)
				}
				stats[name] = n
			}

			groups, err := merge.FindDuplicateCandidates(cmd.Context(), database)
			if err != nil {
				fail("%v", err)
			}
			stats["duplicate_groups"] = len(groups)

			if jsonOutput {
				printJSON(stats)
				return
			}
			fmt.Printf("Persons:          %d active, %d tombstoned, %d deleted\n",
				stats["persons_active"], stats["persons_tombstoned"], stats["persons_deleted"])
			fmt.Printf("Identifiers:      %d (%d source mappings)\n", stats["identifiers"], stats["source_mappings"])
			fmt.Printf("Merges:           %d executed, %d append events\n", stats["merges"], stats["appends"])
			fmt.Printf("Duplicate groups: %d pending review\n", stats["duplicate_groups"])
		},
	}
}
