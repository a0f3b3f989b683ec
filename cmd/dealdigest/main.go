package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/khoward/dealdigest/internal/config"
	"github.com/khoward/dealdigest/internal/digest"
	"github.com/khoward/dealdigest/internal/interview"
	"github.com/khoward/dealdigest/internal/logging"
	"github.com/khoward/dealdigest/internal/registry"
	"github.com/khoward/dealdigest/internal/source"
	"github.com/khoward/dealdigest/internal/synth"
	"github.com/khoward/dealdigest/internal/timeline"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dealdigest",
		Short: "Weekly sales-pipeline digest",
		Long: `Dealdigest correlates your calendar meetings, meeting notes, and email
threads into one activity timeline per account, derives stalled/progressing
state and risk flags, and optionally synthesizes an executive summary with a
local LLM.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(accountsCmd())
	rootCmd.AddCommand(watchCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
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
				fmt.Printf("dealdigest %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize dealdigest config and registry database",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK          bool   `json:"ok"`
				Message     string `json:"message,omitempty"`
				ConfigDir   string `json:"config_dir,omitempty"`
				DataDir     string `json:"data_dir,omitempty"`
				RegistryDB  string `json:"registry_db,omitempty"`
				SnapshotDir string `json:"snapshot_dir,omitempty"`
			}
			result := Result{OK: true}

			configDir, err := config.GetConfigDir()
			if err != nil {
				fail(fmt.Sprintf("Failed to get config directory: %v", err))
			}
			result.ConfigDir = configDir

			dataDir, err := config.GetDataDir()
			if err != nil {
				fail(fmt.Sprintf("Failed to get data directory: %v", err))
			}
			result.DataDir = dataDir

			if err := os.MkdirAll(configDir, 0755); err != nil {
				fail(fmt.Sprintf("Failed to create config directory: %v", err))
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				fail(fmt.Sprintf("Failed to create data directory: %v", err))
			}

			settingsPath := filepath.Join(configDir, "settings.yaml")
			if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
				if err := config.Default().Save(); err != nil {
					fail(fmt.Sprintf("Failed to write default config: %v", err))
				}
			}

			cfg, err := config.Load()
			if err != nil {
				fail(fmt.Sprintf("Failed to load config: %v", err))
			}
			if err := os.MkdirAll(cfg.SnapshotDir, 0755); err != nil {
				fail(fmt.Sprintf("Failed to create snapshot directory: %v", err))
			}
			result.SnapshotDir = cfg.SnapshotDir

			store, err := registry.OpenSQLite(registryPath(dataDir))
			if err != nil {
				fail(fmt.Sprintf("Failed to open registry database: %v", err))
			}
			store.Close()
			result.RegistryDB = registryPath(dataDir)

			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("Initialized dealdigest\n")
				fmt.Printf("  Config:    %s\n", result.ConfigDir)
				fmt.Printf("  Data:      %s\n", result.DataDir)
				fmt.Printf("  Registry:  %s\n", result.RegistryDB)
				fmt.Printf("  Snapshots: %s\n", result.SnapshotDir)
			}
		},
	}
}

func runCmd() *cobra.Command {
	var (
		skipInterview bool
		dryRun        bool
		synthesize    bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate the digest for the current window",
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := runDigest(cmd.Context(), !skipInterview, dryRun)
			if err != nil {
				return err
			}
			return render(cmd.Context(), rep, synthesize)
		},
	}
	cmd.Flags().BoolVar(&skipInterview, "skip-interview", false, "Leave unknown domains unclassified instead of prompting")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Do not persist classification decisions or run states")
	cmd.Flags().BoolVar(&synthesize, "synthesize", false, "Summarize each active account with the configured Ollama model")
	return cmd
}

func runDigest(ctx context.Context, interactive, dryRun bool) (*digest.Report, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logging.New(verbose)

	dataDir, err := config.GetDataDir()
	if err != nil {
		return nil, err
	}
	store, err := registry.OpenSQLite(registryPath(dataDir))
	if err != nil {
		return nil, err
	}
	defer store.Close()

	reg, err := registry.Load(store)
	if err != nil {
		return nil, err
	}

	var resolver registry.Resolver = interview.SkipAllResolver{}
	if interactive {
		resolver = interview.NewTUIResolver()
	}

	snap := source.NewSnapshot(cfg.SnapshotDir, cfg.ExcludedColorTags)
	engine := digest.NewEngine(cfg, reg, snap, snap, snap, resolver, log)
	engine.DryRun = dryRun
	return engine.Run(ctx)
}

func render(ctx context.Context, rep *digest.Report, synthesize bool) error {
	summaries := map[string]string{}
	if synthesize {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		client := synth.NewClient(cfg.Ollama.Endpoint, cfg.Ollama.Model)
		if err := client.Verify(ctx); err != nil {
			return err
		}
		for _, rec := range rep.Records {
			if len(rec.Entries) == 0 {
				continue
			}
			summary, err := client.Synthesize(ctx, rec)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: synthesis failed for %s: %v\n", rec.Name, err)
				continue
			}
			summaries[rec.Name] = summary
		}
	}

	if jsonOutput {
		out := struct {
			*digest.Report
			Summaries map[string]string `json:"summaries,omitempty"`
		}{rep, summaries}
		printJSON(out)
		return nil
	}

	fmt.Printf("Weekly digest  %s — %s\n",
		rep.WindowFrom.Format("Jan 2"), rep.WindowTo.Format("Jan 2, 2006"))
	for _, rec := range rep.Records {
		printRecord(rec, summaries[rec.Name])
	}
	if len(rep.UnmatchedCaptures) > 0 {
		fmt.Printf("\nUnmatched notes captures: %s\n", strings.Join(rep.UnmatchedCaptures, ", "))
	}
	return nil
}

func printRecord(rec timeline.AccountRecord, summary string) {
	fmt.Printf("\n%s (%s) — %s", rec.Name, rec.Category, rec.Signals.State)
	if rec.Signals.LastActivity != nil {
		fmt.Printf(", last activity %s", rec.Signals.LastActivity.Format("Jan 2"))
	}
	fmt.Println()
	for _, f := range rec.Signals.RiskFlags {
		fmt.Printf("  !! %s\n", f)
	}
	if summary != "" {
		for _, line := range strings.Split(summary, "\n") {
			fmt.Printf("  %s\n", line)
		}
		return
	}
	if len(rec.Entries) == 0 {
		fmt.Println("  (no activity this window)")
		return
	}
	for _, e := range rec.Entries {
		marker := ""
		if e.Cancelled {
			marker = " [cancelled]"
		}
		fmt.Printf("  %s  %-7s %s%s\n", e.Timestamp.Format("Jan 2 15:04"), e.Kind, e.Title, marker)
	}
}

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect and edit the account registry",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all registered accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(reg *registry.Registry) error {
				accounts := reg.Accounts()
				if jsonOutput {
					printJSON(accounts)
					return nil
				}
				for _, a := range accounts {
					deadline := ""
					if a.Deadline != nil {
						deadline = "  deadline " + a.Deadline.Format("2006-01-02")
					}
					fmt.Printf("%-20s %-15s %s%s\n", a.Name, a.Category, strings.Join(a.Domains, ","), deadline)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <domain> <name> <category>",
		Short: "Register a domain to an account",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			category, err := registry.ParseCategory(args[2])
			if err != nil {
				return err
			}
			return withRegistry(func(reg *registry.Registry) error {
				a, err := reg.Register(args[0], args[1], category)
				if err != nil {
					return err
				}
				if err := reg.Flush(); err != nil {
					return err
				}
				if jsonOutput {
					printJSON(a)
				} else {
					fmt.Printf("Registered %s -> %s (%s)\n", args[0], a.Name, a.Category)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reclassify <domain> <category>",
		Short: "Change the category of the account a domain maps to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			category, err := registry.ParseCategory(args[1])
			if err != nil {
				return err
			}
			return withRegistry(func(reg *registry.Registry) error {
				if err := reg.Reclassify(args[0], category); err != nil {
					return err
				}
				if err := reg.Flush(); err != nil {
					return err
				}
				fmt.Printf("Reclassified %s as %s\n", args[0], category)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set-deadline <domain> <YYYY-MM-DD>",
		Short: "Set a target close/renewal date on an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			deadline, err := time.Parse("2006-01-02", args[1])
			if err != nil {
				return fmt.Errorf("invalid date %q, want YYYY-MM-DD: %w", args[1], err)
			}
			return withRegistry(func(reg *registry.Registry) error {
				if err := reg.SetDeadline(args[0], deadline); err != nil {
					return err
				}
				if err := reg.Flush(); err != nil {
					return err
				}
				fmt.Printf("Deadline for %s set to %s\n", args[0], args[1])
				return nil
			})
		},
	})

	return cmd
}

func watchCmd() *cobra.Command {
	var debounceSec int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-run the digest whenever the snapshot directory changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("create watcher: %w", err)
			}
			defer watcher.Close()

			if err := watcher.Add(cfg.SnapshotDir); err != nil {
				return fmt.Errorf("watch %s: %w", cfg.SnapshotDir, err)
			}
			fmt.Fprintf(os.Stderr, "Watching %s (debounce: %ds)\n", cfg.SnapshotDir, debounceSec)

			ctx := cmd.Context()
			rerun := func() {
				rep, err := runDigest(ctx, false, false)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: digest run failed: %v\n", err)
					return
				}
				if err := render(ctx, rep, false); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				}
			}
			rerun()

			debounce := time.Duration(debounceSec) * time.Second
			var debounceTimer *time.Timer
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
						continue
					}
					if debounceTimer != nil {
						debounceTimer.Stop()
					}
					debounceTimer = time.AfterFunc(debounce, rerun)
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					fmt.Fprintf(os.Stderr, "Watcher error: %v\n", err)
				}
			}
		},
	}
	cmd.Flags().IntVar(&debounceSec, "debounce", 2, "Seconds to wait after the last change before re-running")
	return cmd
}

func withRegistry(fn func(*registry.Registry) error) error {
	dataDir, err := config.GetDataDir()
	if err != nil {
		return err
	}
	store, err := registry.OpenSQLite(registryPath(dataDir))
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := registry.Load(store)
	if err != nil {
		return err
	}
	return fn(reg)
}

func registryPath(dataDir string) string {
	return filepath.Join(dataDir, "registry.db")
}

func fail(message string) {
	if jsonOutput {
		printJSON(map[string]any{"ok": false, "message": message})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", message)
	}
	os.Exit(1)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
