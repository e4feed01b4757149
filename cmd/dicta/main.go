package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/askohl/dicta/internal/config"
	"github.com/askohl/dicta/internal/contacts"
	"github.com/askohl/dicta/internal/db"
	"github.com/askohl/dicta/internal/dispatch"
	"github.com/askohl/dicta/internal/engine"
	"github.com/askohl/dicta/internal/gemini"
	"github.com/askohl/dicta/internal/oracle"
	"github.com/askohl/dicta/internal/store"
	"github.com/askohl/dicta/internal/watch"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dicta",
		Short: "Voice note assistant backend",
		Long: `Dicta turns voice note transcripts into structured records:
meetings, journals, reflections, tasks, and contact updates,
reconciled idempotently into a local database.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(&cobra.Command{
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
				fmt.Printf("dicta %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(contactsCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(syncCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize dicta config and database",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK        bool   `json:"ok"`
				Message   string `json:"message,omitempty"`
				ConfigDir string `json:"config_dir,omitempty"`
				DataDir   string `json:"data_dir,omitempty"`
				DBPath    string `json:"db_path,omitempty"`
			}
			result := Result{OK: true}

			configDir, err := config.GetConfigDir()
			if err != nil {
				fail("Failed to get config directory: %v", err)
			}
			result.ConfigDir = configDir

			dataDir, err := config.GetDataDir()
			if err != nil {
				fail("Failed to get data directory: %v", err)
			}
			result.DataDir = dataDir

			if err := os.MkdirAll(configDir, 0755); err != nil {
				fail("Failed to create config directory: %v", err)
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				fail("Failed to create data directory: %v", err)
			}

			cfg, err := config.Load()
			if err != nil {
				fail("Failed to load config: %v", err)
			}
			if err := cfg.Save(); err != nil {
				fail("Failed to write config: %v", err)
			}

			if err := db.Init(); err != nil {
				fail("Failed to initialize database: %v", err)
			}
			dbPath, _ := db.GetPath()
			result.DBPath = dbPath

			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("Initialized dicta\n  config: %s\n  data:   %s\n  db:     %s\n",
					configDir, dataDir, dbPath)
				fmt.Println("\nSet GEMINI_API_KEY (and optionally OPENAI_API_KEY) in the environment")
				fmt.Printf("or in %s\n", filepath.Join(configDir, ".env"))
			}
		},
	}
}

func ingestCmd() *cobra.Command {
	var noProcess bool
	cmd := &cobra.Command{
		Use:   "ingest <file|->",
		Short: "Ingest a transcript file and run a reconciliation pass",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			app := mustApp()
			defer app.Close()
			ctx := cmd.Context()

			var text, sourceFile, recordingDate string
			if args[0] == "-" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					fail("Failed to read stdin: %v", err)
				}
				text = string(data)
				sourceFile = "stdin"
				recordingDate = time.Now().UTC().Format("2006-01-02")
			} else {
				data, err := os.ReadFile(args[0])
				if err != nil {
					fail("Failed to read file: %v", err)
				}
				info, err := os.Stat(args[0])
				if err != nil {
					fail("Failed to stat file: %v", err)
				}
				text = string(data)
				sourceFile = filepath.Base(args[0])
				recordingDate = info.ModTime().UTC().Format("2006-01-02")
			}

			if strings.TrimSpace(text) == "" {
				fail("Transcript is empty")
			}

			id, err := app.Store.CreateTranscript(ctx, &store.Transcript{
				SourceFile:    sourceFile,
				FullText:      strings.TrimSpace(text),
				RecordingDate: recordingDate,
			})
			if err != nil {
				fail("Failed to create transcript: %v", err)
			}

			if noProcess {
				if jsonOutput {
					printJSON(map[string]string{"transcript_id": id})
				} else {
					fmt.Printf("Created transcript %s\n", id)
				}
				return
			}
			runProcess(ctx, app, id)
		},
	}
	cmd.Flags().BoolVar(&noProcess, "no-process", false, "Only store the transcript, skip the reconciliation pass")
	return cmd
}

func processCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process <transcript-id>",
		Short: "Run (or re-run) a reconciliation pass for a stored transcript",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			app := mustApp()
			defer app.Close()
			runProcess(cmd.Context(), app, args[0])
		},
	}
}

func runProcess(ctx context.Context, app *appContext, transcriptID string) {
	outcomes, err := app.Engine.Process(ctx, transcriptID)
	if err != nil {
		if jsonOutput {
			printJSON(map[string]any{
				"transcript_id": transcriptID,
				"error":         err.Error(),
				"outcomes":      outcomes,
			})
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}

	// Best effort: the outbox keeps anything the service missed.
	if err := app.Dispatcher.Drain(ctx); err != nil {
		app.Log.Warn("sync drain failed", zap.Error(err))
	}

	usage := app.Gemini.GetUsageStats()

	if jsonOutput {
		printJSON(map[string]any{
			"transcript_id": transcriptID,
			"outcomes":      outcomes,
			"usage":         usage,
		})
		return
	}

	fmt.Printf("Processed transcript %s (%d outcomes)\n", transcriptID, len(outcomes))
	for _, o := range outcomes {
		line := fmt.Sprintf("  %-11s %-16s %s", o.Kind, o.Action, o.Title)
		if o.Reason != "" {
			line += " (" + o.Reason + ")"
		}
		fmt.Println(line)
		for _, s := range o.ContactSuggestions {
			fmt.Printf("      candidate: %s [%s] score=%.2f\n",
				s.Contact.FullName(), s.Contact.ID, s.Score)
		}
	}
	if usage.GenerateCalls > 0 {
		fmt.Printf("Oracle usage: %d calls, %d prompt + %d output tokens (~$%.4f)\n",
			usage.GenerateCalls, usage.PromptTokens, usage.OutputTokens, usage.EstimatedCostUSD)
	}
}

func watchCmd() *cobra.Command {
	var inboxDir string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch an inbox directory for new transcript files",
		Run: func(cmd *cobra.Command, args []string) {
			app := mustApp()
			defer app.Close()

			dir := inboxDir
			if dir == "" {
				dir = app.Config.Watch.InboxDir
			}
			if dir == "" {
				fail("No inbox directory configured (set watch.inbox_dir or pass --inbox)")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := watch.New(app.Store, app.Engine, app.Dispatcher, dir, app.Log)
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				fail("Watcher failed: %v", err)
			}
		},
	}
	cmd.Flags().StringVar(&inboxDir, "inbox", "", "Inbox directory (overrides config)")
	return cmd
}

func contactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage the contact registry",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List contacts",
		Run: func(c *cobra.Command, args []string) {
			app := mustApp()
			defer app.Close()

			list, err := app.Registry.List(c.Context(), 500)
			if err != nil {
				fail("Failed to list contacts: %v", err)
			}
			if jsonOutput {
				printJSON(list)
				return
			}
			for _, ct := range list {
				line := fmt.Sprintf("%s  %s", ct.ID, ct.FullName())
				if ct.Email != "" {
					line += "  <" + ct.Email + ">"
				}
				if ct.Company != "" {
					line += "  (" + ct.Company + ")"
				}
				fmt.Printf("%s  interactions=%d\n", line, ct.TotalInteractions)
			}
		},
	})

	var linkKind string
	linkCmd := &cobra.Command{
		Use:   "link <record-id> <contact-id>",
		Short: "Link a record left unlinked by an ambiguous pass",
		Args:  cobra.ExactArgs(2),
		Run: func(c *cobra.Command, args []string) {
			app := mustApp()
			defer app.Close()

			if err := app.Engine.LinkContact(c.Context(), linkKind, args[0], args[1]); err != nil {
				fail("Failed to link contact: %v", err)
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "kind": linkKind, "record_id": args[0], "contact_id": args[1]})
			} else {
				fmt.Printf("Linked %s %s to contact %s\n", linkKind, args[0], args[1])
			}
		},
	}
	linkCmd.Flags().StringVar(&linkKind, "kind", "meeting", "Record kind to link (meeting or task)")
	cmd.AddCommand(linkCmd)

	return cmd
}

func topicsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topics",
		Short: "List reflection topics",
		Run: func(cmd *cobra.Command, args []string) {
			app := mustApp()
			defer app.Close()

			refs, err := app.Store.KnownTopicKeys(cmd.Context(), 100)
			if err != nil {
				fail("Failed to list topics: %v", err)
			}
			if jsonOutput {
				printJSON(refs)
				return
			}
			for _, ref := range refs {
				fmt.Printf("%-30s %s\n", ref.TopicKey, ref.Title)
			}
		},
	}
}

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List pending tasks",
		Run: func(c *cobra.Command, args []string) {
			app := mustApp()
			defer app.Close()

			tasks, err := app.Store.PendingTasks(c.Context(), 200)
			if err != nil {
				fail("Failed to list tasks: %v", err)
			}
			if jsonOutput {
				printJSON(tasks)
				return
			}
			for _, t := range tasks {
				due := t.DueDate
				if due == "" {
					due = "-"
				}
				fmt.Printf("%s  due=%-10s  %s\n", t.ID, due, t.Title)
			}
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "done <task-id>",
		Short: "Mark a task completed",
		Args:  cobra.ExactArgs(1),
		Run: func(c *cobra.Command, args []string) {
			app := mustApp()
			defer app.Close()

			if err := app.Store.CompleteTask(c.Context(), args[0]); err != nil {
				fail("Failed to complete task: %v", err)
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "task_id": args[0]})
			} else {
				fmt.Printf("Completed task %s\n", args[0])
			}
		},
	})

	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show database and queue status",
		Run: func(cmd *cobra.Command, args []string) {
			app := mustApp()
			defer app.Close()
			ctx := cmd.Context()

			type Status struct {
				DBPath      string         `json:"db_path"`
				Counts      map[string]int `json:"counts"`
				SyncPending int            `json:"sync_pending"`
			}
			dbPath, _ := db.GetPath()
			st := Status{DBPath: dbPath, Counts: map[string]int{}}

			for _, table := range []string{"transcripts", "contacts", "meetings", "journals", "reflections", "tasks"} {
				var n int
				if err := app.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
					fail("Failed to count %s: %v", table, err)
				}
				st.Counts[table] = n
			}

			pending, err := app.Dispatcher.Pending(ctx, 1000)
			if err != nil {
				fail("Failed to read outbox: %v", err)
			}
			st.SyncPending = len(pending)

			if jsonOutput {
				printJSON(st)
				return
			}
			fmt.Printf("Database: %s\n", st.DBPath)
			for _, table := range []string{"transcripts", "contacts", "meetings", "journals", "reflections", "tasks"} {
				fmt.Printf("  %-12s %d\n", table, st.Counts[table])
			}
			fmt.Printf("  %-12s %d\n", "sync queue", st.SyncPending)
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the sync outbox now",
		Run: func(cmd *cobra.Command, args []string) {
			app := mustApp()
			defer app.Close()
			ctx := cmd.Context()

			before, err := app.Dispatcher.Pending(ctx, 1000)
			if err != nil {
				fail("Failed to read outbox: %v", err)
			}
			if err := app.Dispatcher.Drain(ctx); err != nil {
				fail("Drain failed: %v", err)
			}
			after, err := app.Dispatcher.Pending(ctx, 1000)
			if err != nil {
				fail("Failed to read outbox: %v", err)
			}

			if jsonOutput {
				printJSON(map[string]int{"before": len(before), "remaining": len(after)})
			} else {
				fmt.Printf("Drained sync outbox: %d queued, %d remaining\n", len(before), len(after))
			}
		},
	}
}

// appContext wires the long-lived components behind every command.
type appContext struct {
	Config     *config.Config
	DB         *sql.DB
	Store      *store.Store
	Registry   *contacts.Registry
	Engine     *engine.Engine
	Dispatcher *dispatch.Dispatcher
	Gemini     *gemini.Client
	Log        *zap.Logger
}

func (a *appContext) Close() {
	_ = a.Log.Sync()
	_ = a.DB.Close()
}

func mustApp() *appContext {
	cfg, err := config.Load()
	if err != nil {
		fail("Failed to load config: %v", err)
	}

	conn, err := db.Open()
	if err != nil {
		fail("Failed to open database: %v (run 'dicta init' first)", err)
	}

	log, err := zap.NewProduction()
	if err != nil {
		fail("Failed to build logger: %v", err)
	}

	st := store.New(conn)
	registry := contacts.NewRegistry(conn, cfg.Contacts.MaxSuggestions, cfg.Contacts.MinScore)

	geminiClient := gemini.NewClient(os.Getenv("GEMINI_API_KEY"))
	geminiClient.SetRPM(cfg.Oracle.RPM)
	primary := oracle.NewGeminiOracle(geminiClient, cfg.Oracle.Model)

	var fallback oracle.Oracle
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		fallback = oracle.NewOpenAIOracle(key, cfg.Oracle.FallbackModel)
	}
	chain := oracle.NewChain(primary, fallback, cfg.OracleTimeout(), log)

	dispatcher := dispatch.New(conn, cfg.Sync.ServiceURL, cfg.SyncTimeout(), log)
	eng := engine.New(st, registry, chain, dispatcher, log)

	return &appContext{
		Config:     cfg,
		DB:         conn,
		Store:      st,
		Registry:   registry,
		Engine:     eng,
		Dispatcher: dispatcher,
		Gemini:     geminiClient,
		Log:        log,
	}
}

func fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if jsonOutput {
		printJSON(map[string]any{"ok": false, "message": msg})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
