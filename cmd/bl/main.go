package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bountyline/internal/app"
	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/repo"
	"bountyline/internal/server"
	"bountyline/internal/taskboard"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Bountyline CLI",
	Long: `Bountyline is a marketplace where orchestrators post paid tasks and workers claim them.
Core concepts:
- Ledger: double-entry balances; transfers above the auto-approve threshold wait for an approver.
- Tasks: open -> claimed -> completed -> paid, with expiry, cancellation and disputes as exits.
- Ratings: both parties rate each other; discordant scores open a dispute.
- Disputes: a panel of trusted accounts votes full, partial or none.
- Router: matches open tasks to idle workers by tags, reputation and load.
- Event log: every state change, view with 'bl events'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BOUNTYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to the workspace config)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "account acting on this command")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(disputeCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	return &cobra.Command{
		Use:   "init",
		Short: "Create the workspace and a default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				fmt.Printf("Initialized workspace at %s (config %s, db %s)\n", workspace, path, db.Path(workspace))
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the background loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			rt, err := openRuntime(ctx, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			cfg := rt.Config.Server
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.BasePath = basePath
			}
			if secret := os.Getenv("BOUNTYLINE_JWT_SECRET"); secret != "" {
				cfg.JWTSecret = secret
			}
			if cfg.JWTSecret == "" && !cfg.AllowActorHeader {
				return fmt.Errorf("BOUNTYLINE_JWT_SECRET or server.jwt_secret is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: cfg.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:        cfg.JWTSecret,
					AllowActorHeader: cfg.AllowActorHeader,
				},
				RateLimit: cfg.RateLimit,
				Burst:     cfg.Burst,
				Logger:    rt.Logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return rt.Engine.Schedule(gctx, rt.Loops()...)
			})
			g.Go(func() error {
				var lost error
				select {
				case <-gctx.Done():
				case <-rt.Done():
					lost = fmt.Errorf("workspace lease lost; another process took over %s", db.Path(viper.GetString("workspace")))
					rt.Logger.Error("stopping server", zap.Error(lost))
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return errors.Join(srv.Shutdown(shutdownCtx), lost)
			})
			g.Go(func() error {
				rt.Logger.Info("serving", zap.String("addr", cfg.Addr), zap.String("base_path", cfg.BasePath))
				fmt.Printf("Serving Bountyline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs, metrics at /metrics)\n", cfg.Addr, cfg.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path (overrides server.base_path)")
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Post, claim and settle tasks"}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskActionCmd("claim", "Claim an open task", func(e *engine.Engine) func(context.Context, string, string) (domain.Task, error) { return e.Claim }))
	t.AddCommand(taskActionCmd("release", "Give a claim back", func(e *engine.Engine) func(context.Context, string, string) (domain.Task, error) { return e.Release }))
	t.AddCommand(taskActionCmd("complete", "Mark a claimed task complete", func(e *engine.Engine) func(context.Context, string, string) (domain.Task, error) { return e.Complete }))
	t.AddCommand(taskActionCmd("cancel", "Cancel a task", func(e *engine.Engine) func(context.Context, string, string) (domain.Task, error) { return e.Cancel }))
	t.AddCommand(taskRateCmd())
	t.AddCommand(taskContestCmd())
	t.AddCommand(taskRetryPayoutCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var (
		desc     string
		tags     []string
		reward   int64
		priority string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					OrchestratorID: viper.GetString("actor-id"),
					Description:    desc,
					Tags:           tags,
					Reward:         reward,
					Priority:       domain.Priority(priority),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&desc, "description", "", "what needs doing")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "required capability tag (repeatable)")
	cmd.Flags().Int64Var(&reward, "reward", 0, "reward in whole units")
	cmd.Flags().StringVar(&priority, "priority", string(domain.PriorityNormal), "low, normal, high or critical")
	_ = cmd.MarkFlagRequired("description")
	_ = cmd.MarkFlagRequired("reward")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f taskboard.Filters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return readEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				f.Status = domain.TaskStatus(status)
				tasks := e.Board.List(f)
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable(table.Row{"ID", "Status", "Priority", "Reward", "Claimed By", "Description"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Status, t.Priority, t.Reward, t.ClaimedBy, t.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ClaimedBy, "claimed-by", "", "claimant filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	var explain bool
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return readEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if explain {
					ex, err := e.Explain(args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(ex)
				}
				t, err := e.Board.Get(args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().BoolVar(&explain, "explain", false, "include ratings, dispute and payout state")
	return cmd
}

func taskActionCmd(use, short string, pick func(*engine.Engine) func(context.Context, string, string) (domain.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := pick(e)(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskRateCmd() *cobra.Command {
	var score float64
	cmd := &cobra.Command{
		Use:   "rate <task-id>",
		Short: "Rate the counterparty of a completed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Rate(ctx, args[0], viper.GetString("actor-id"), score)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().Float64Var(&score, "score", 0, "score between 0 and 5")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

func taskContestCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "contest <task-id>",
		Short: "Contest a completion and open a dispute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				d, err := e.Contest(ctx, args[0], viper.GetString("actor-id"), note)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "why the completion is contested")
	return cmd
}

func taskRetryPayoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-payout <task-id>",
		Short: "Retry a payout that was denied, expired or unfunded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tx, err := e.RetryPayout(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(tx)
			})
		},
	}
}

func workerCmd() *cobra.Command {
	w := &cobra.Command{Use: "worker", Short: "Register and inspect workers"}
	var tags []string
	register := &cobra.Command{
		Use:   "register",
		Short: "Register the acting account as a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				wk, err := e.RegisterWorker(ctx, viper.GetString("actor-id"), tags)
				if err != nil {
					return err
				}
				return printJSONOrTable(wk)
			})
		},
	}
	register.Flags().StringSliceVar(&tags, "tag", nil, "capability tag (repeatable)")
	list := &cobra.Command{
		Use:   "list",
		Short: "List workers with load and trust tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return readEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				workers := e.Router.Workers()
				if viper.GetBool("json") {
					return printJSON(workers)
				}
				tw := newTable(table.Row{"Account", "Tags", "Tier", "Idle", "Active", "Completion"})
				for _, s := range workers {
					tw.AppendRow(table.Row{s.AccountID, strings.Join(s.Tags, ","), s.Tier, s.Idle, s.Active, fmt.Sprintf("%.0f%%", s.CompletionRate*100)})
				}
				tw.Render()
				return nil
			})
		},
	}
	w.AddCommand(register, list)
	return w
}

func accountCmd() *cobra.Command {
	a := &cobra.Command{Use: "account", Short: "Balances, reputation and minting"}
	a.AddCommand(&cobra.Command{
		Use:   "balance [account-id]",
		Short: "Show balances; all accounts when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return readEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if len(args) == 1 {
					acct, err := e.Ledger.Account(args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(acct)
				}
				accounts := e.Ledger.Accounts()
				if viper.GetBool("json") {
					return printJSON(accounts)
				}
				tw := newTable(table.Row{"Account", "Kind", "Balance", "Frozen"})
				for _, acct := range accounts {
					tw.AppendRow(table.Row{acct.ID, acct.Kind, acct.Balance, acct.Frozen})
				}
				tw.Render()
				return nil
			})
		},
	})
	a.AddCommand(&cobra.Command{
		Use:   "reputation <account-id>",
		Short: "Show an account's reputation record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return readEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrTable(e.Bank.Record(args[0]))
			})
		},
	})
	var amount int64
	mint := &cobra.Command{
		Use:   "mint [account-id]",
		Short: "Mint currency; into the treasury when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tx, err := e.Mint(ctx, target, amount, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(tx)
			})
		},
	}
	mint.Flags().Int64Var(&amount, "amount", 0, "amount to mint")
	_ = mint.MarkFlagRequired("amount")
	var to, reference string
	transfer := &cobra.Command{
		Use:   "transfer",
		Short: "Transfer from the acting account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				actor := viper.GetString("actor-id")
				tx, req, err := e.Transfer(ctx, actor, to, amount, reference, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"transaction": tx, "approval": req})
			})
		},
	}
	transfer.Flags().StringVar(&to, "to", "", "credit account")
	transfer.Flags().Int64Var(&amount, "amount", 0, "amount to transfer")
	transfer.Flags().StringVar(&reference, "reference", "", "free-form reference")
	_ = transfer.MarkFlagRequired("to")
	_ = transfer.MarkFlagRequired("amount")
	var unfreeze bool
	freeze := &cobra.Command{
		Use:   "freeze <account-id>",
		Short: "Freeze or unfreeze an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				acct, err := e.SetFrozen(ctx, args[0], !unfreeze, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(acct)
			})
		},
	}
	freeze.Flags().BoolVar(&unfreeze, "unfreeze", false, "lift the freeze instead")
	a.AddCommand(mint, transfer, freeze)
	return a
}

func disputeCmd() *cobra.Command {
	d := &cobra.Command{Use: "dispute", Short: "Inspect and vote on disputes"}
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List disputes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return readEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				disputes := e.Arbitrator.List(all)
				if viper.GetBool("json") {
					return printJSON(disputes)
				}
				tw := newTable(table.Row{"ID", "Task", "Status", "Reason", "Votes", "Deadline"})
				for _, ds := range disputes {
					tw.AppendRow(table.Row{ds.ID, ds.TaskID, ds.Status, ds.Reason, fmt.Sprintf("%d/%d", len(ds.Votes), len(ds.Voters)), ds.Deadline.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include resolved disputes")
	show := &cobra.Command{
		Use:   "show <dispute-id>",
		Short: "Show a dispute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return readEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ds, err := e.Arbitrator.Get(args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ds)
			})
		},
	}
	var verdict string
	vote := &cobra.Command{
		Use:   "vote <dispute-id>",
		Short: "Cast the acting account's verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ds, err := e.Vote(ctx, args[0], viper.GetString("actor-id"), domain.Verdict(verdict))
				if err != nil {
					return err
				}
				return printJSONOrTable(ds)
			})
		},
	}
	vote.Flags().StringVar(&verdict, "verdict", "", "full, partial or none")
	_ = vote.MarkFlagRequired("verdict")
	d.AddCommand(list, show, vote)
	return d
}

func approvalCmd() *cobra.Command {
	a := &cobra.Command{Use: "approval", Short: "Review transfers held above the auto-approve threshold"}
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return readEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				reqs := e.Gate.List(!all)
				if viper.GetBool("json") {
					return printJSON(reqs)
				}
				tw := newTable(table.Row{"ID", "Transaction", "Amount", "Decision", "Expires"})
				for _, r := range reqs {
					var amount int64
					if tx, err := e.Ledger.Transaction(r.TransactionID); err == nil {
						amount = tx.Amount
					}
					tw.AppendRow(table.Row{r.ID, r.TransactionID, amount, r.Decision, r.ExpiresAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include decided requests")
	var deny bool
	decide := &cobra.Command{
		Use:   "decide <request-id>",
		Short: "Approve a held transaction, or deny it with --deny",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				req, tx, err := e.Decide(ctx, args[0], !deny, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"approval": req, "transaction": tx})
			})
		},
	}
	decide.Flags().BoolVar(&deny, "deny", false, "deny instead of approving")
	a.AddCommand(list, decide)
	return a
}

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{Use: "ledger", Short: "Replay, audit and reconcile the ledger"}
	l.AddCommand(&cobra.Command{
		Use:   "replay",
		Short: "Print balances rebuilt from committed history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return readEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				balances := e.Ledger.Replay()
				if viper.GetBool("json") {
					return printJSON(balances)
				}
				tw := newTable(table.Row{"Account", "Replayed", "Live"})
				for _, acct := range e.Ledger.Accounts() {
					tw.AppendRow(table.Row{acct.ID, balances[acct.ID], acct.Balance})
				}
				tw.Render()
				return nil
			})
		},
	})
	l.AddCommand(&cobra.Command{
		Use:   "audit",
		Short: "Compare replayed balances with live ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return readEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rep := e.Audit(ctx)
				if err := printJSONOrTable(rep); err != nil {
					return err
				}
				if !rep.OK() {
					return fmt.Errorf("ledger audit found %d mismatches", len(rep.Mismatches))
				}
				return nil
			})
		},
	})
	l.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Adopt replayed balances and lift a halt",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rep, err := e.Reconcile(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	})
	return l
}

func eventsCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return readEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "At", "Type", "Entity", "Actor", "Reason"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.At.Format(time.RFC3339), ev.Type, ev.EntityKind + "/" + ev.EntityID, ev.ActorID, ev.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&f.AfterID, "after", 0, "only events after this id")
	cmd.Flags().IntVar(&f.Limit, "n", 50, "number of events")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run every periodic job once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.RunSweeps(ctx)
				if perr := printJSONOrTable(s); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			secret := cfg.Server.JWTSecret
			if env := os.Getenv("BOUNTYLINE_JWT_SECRET"); env != "" {
				secret = env
			}
			if secret == "" {
				return fmt.Errorf("BOUNTYLINE_JWT_SECRET or server.jwt_secret is required")
			}
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			now := time.Now()
			tok, err := server.IssueToken(secret, subject, roles, jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			})
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "account the token acts as (defaults to --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "orchestrator, approver or admin (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func openRuntime(ctx context.Context, readOnly bool) (*app.Runtime, error) {
	rt, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		ReadOnly:   readOnly,
	})
	if errors.Is(err, repo.ErrLeaseHeld) {
		return nil, fmt.Errorf("%w; while `bl serve` owns the workspace, send writes through its API", err)
	}
	return rt, err
}

// readEngine runs fn against a snapshot of the workspace without taking the
// lease. Nothing fn changes is persisted.
func readEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	rt, err := openRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

// withEngine holds the workspace lease for the duration of fn.
func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	rt, err := openRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := fn(ctx, rt.Engine); err != nil {
		return err
	}
	if rt.Relay != nil {
		if _, err := rt.Relay.Flush(ctx); err != nil {
			rt.Logger.Warn("event relay flush failed", zap.Error(err))
		}
	}
	return nil
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
