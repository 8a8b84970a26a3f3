package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobline/internal/config"
	"jobline/internal/db"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/ledger"
	"jobline/internal/metrics"
	"jobline/internal/migrate"
	"jobline/internal/server"
	"jobline/internal/settlement"
)

var rootCmd = &cobra.Command{
	Use:   "jl",
	Short: "Jobline CLI",
	Long: `Jobline orchestrates jobs with escrowed milestone payments.
- Jobs carry a milestone plan; posting a job escrows intent, starting it locks
  the first milestone amount.
- Applicants apply with an optional counter-proposal; the creator selects one
  and the plan freezes.
- Releases pay the active milestone: platform commission is deducted, the net
  is handed to the settlement network on the recipient's chosen domain.
- Disputes are decided off-platform; the arbiter identity forces the payout.
- Event log: every accepted or rejected operation leaves a trace, view with
  'jl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("JOBLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(disputeCmd())
	rootCmd.AddCommand(transfersCmd())
	rootCmd.AddCommand(commissionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage platform config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var platformID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default jobline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(platformID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&platformID, "platform-id", "jobline", "platform identifier")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
		Long:  "Jobs flow open -> in_progress -> completed (or cancelled while still open). Posting defines the milestone plan; starting selects an applicant and locks the first milestone amount in escrow.",
	}
	job.AddCommand(jobPostCmd())
	job.AddCommand(jobDirectCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobStartCmd())
	job.AddCommand(jobCancelCmd())
	return job
}

// parseMilestones turns repeated "ref:amount" flags into a milestone plan.
func parseMilestones(specs []string) ([]domain.Milestone, error) {
	var out []domain.Milestone
	for _, s := range specs {
		idx := strings.LastIndex(s, ":")
		if idx <= 0 || idx == len(s)-1 {
			return nil, fmt.Errorf("milestone %q must be ref:amount", s)
		}
		var amount int64
		if _, err := fmt.Sscanf(s[idx+1:], "%d", &amount); err != nil {
			return nil, fmt.Errorf("milestone %q: bad amount: %w", s, err)
		}
		out = append(out, domain.Milestone{DescriptionRef: s[:idx], Amount: amount})
	}
	return out, nil
}

func jobPostCmd() *cobra.Command {
	var detailRef string
	var milestoneSpecs []string
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Post a job with escrowed milestones",
		RunE: func(cmd *cobra.Command, args []string) error {
			milestones, err := parseMilestones(milestoneSpecs)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				j, err := e.PostJob(ctx, viper.GetString("actor-id"), detailRef, milestones, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&detailRef, "detail-ref", "", "reference to the job description")
	cmd.Flags().StringArrayVar(&milestoneSpecs, "milestone", nil, "milestone as ref:amount (repeatable)")
	_ = cmd.MarkFlagRequired("milestone")
	return cmd
}

func jobDirectCmd() *cobra.Command {
	var taker, detailRef, settleDomain, settleAddress string
	var milestoneSpecs []string
	cmd := &cobra.Command{
		Use:   "direct",
		Short: "Create and start a pre-agreed job in one step",
		RunE: func(cmd *cobra.Command, args []string) error {
			milestones, err := parseMilestones(milestoneSpecs)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				j, err := e.StartDirectContract(ctx, viper.GetString("actor-id"), taker, detailRef, milestones, settleDomain, settleAddress, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&taker, "taker", "", "the pre-agreed worker")
	cmd.Flags().StringVar(&detailRef, "detail-ref", "", "reference to the job description")
	cmd.Flags().StringArrayVar(&milestoneSpecs, "milestone", nil, "milestone as ref:amount (repeatable)")
	cmd.Flags().StringVar(&settleDomain, "settle-domain", "", "taker settlement domain")
	cmd.Flags().StringVar(&settleAddress, "settle-address", "", "taker settlement address")
	_ = cmd.MarkFlagRequired("taker")
	_ = cmd.MarkFlagRequired("milestone")
	return cmd
}

func jobListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				jobs, err := e.Ledger.ListJobs(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Creator", "Milestone", "Locked", "Paid"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.Status, j.Creator,
						fmt.Sprintf("%d/%d", j.CurrentMilestone, len(j.FinalMilestones)),
						j.CurrentLockedAmount, j.TotalPaid})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (open, in_progress, completed, cancelled)")
	return cmd
}

func jobShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job with its applications and submissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				j, err := e.Ledger.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				apps, err := e.Ledger.ListApplications(ctx, args[0])
				if err != nil {
					return err
				}
				subs, err := e.Ledger.ListSubmissions(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"job":          j,
					"applications": apps,
					"submissions":  subs,
				})
			})
		},
	}
	return cmd
}

func jobStartCmd() *cobra.Command {
	var applicationID int
	var useApplicantMilestones bool
	cmd := &cobra.Command{
		Use:   "start <job-id>",
		Short: "Select an applicant and lock the first milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				j, err := e.StartJob(ctx, viper.GetString("actor-id"), args[0], applicationID, useApplicantMilestones)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().IntVar(&applicationID, "application", 0, "application id to select")
	cmd.Flags().BoolVar(&useApplicantMilestones, "applicant-milestones", false, "adopt the applicant's proposed milestone plan")
	_ = cmd.MarkFlagRequired("application")
	return cmd
}

func jobCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel an open job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				j, err := e.CancelJob(ctx, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func applyCmd() *cobra.Command {
	var proposalRef, settleDomain, settleAddress string
	var milestoneSpecs []string
	cmd := &cobra.Command{
		Use:   "apply <job-id>",
		Short: "Apply to an open job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			milestones, err := parseMilestones(milestoneSpecs)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				app, err := e.ApplyToJob(ctx, viper.GetString("actor-id"), args[0], proposalRef, milestones, settleDomain, settleAddress)
				if err != nil {
					return err
				}
				return printJSONOrTable(app)
			})
		},
	}
	cmd.Flags().StringVar(&proposalRef, "proposal-ref", "", "reference to the proposal")
	cmd.Flags().StringArrayVar(&milestoneSpecs, "milestone", nil, "counter-proposed milestone as ref:amount (repeatable)")
	cmd.Flags().StringVar(&settleDomain, "settle-domain", "", "settlement domain for payouts")
	cmd.Flags().StringVar(&settleAddress, "settle-address", "", "settlement address for payouts")
	return cmd
}

func submitCmd() *cobra.Command {
	var workRef string
	cmd := &cobra.Command{
		Use:   "submit <job-id>",
		Short: "Submit work for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				sub, err := e.SubmitWork(ctx, viper.GetString("actor-id"), args[0], workRef)
				if err != nil {
					return err
				}
				return printJSONOrTable(sub)
			})
		},
	}
	cmd.Flags().StringVar(&workRef, "work-ref", "", "reference to the submitted work")
	_ = cmd.MarkFlagRequired("work-ref")
	return cmd
}

func releaseCmd() *cobra.Command {
	var gross int64
	var destDomain, destAddress string
	var lockNext bool
	cmd := &cobra.Command{
		Use:   "release <job-id>",
		Short: "Release the active milestone payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				actor := viper.GetString("actor-id")
				var j domain.Job
				var transfer domain.Transfer
				var err error
				if lockNext {
					j, transfer, err = e.ReleaseAndLockNext(ctx, actor, args[0])
				} else {
					j, transfer, err = e.ReleasePayment(ctx, actor, args[0], gross, destDomain, destAddress)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"job": j, "transfer": transfer})
			})
		},
	}
	cmd.Flags().Int64Var(&gross, "amount", 0, "gross amount, must equal the active milestone")
	cmd.Flags().StringVar(&destDomain, "dest-domain", "", "override settlement domain")
	cmd.Flags().StringVar(&destAddress, "dest-address", "", "override settlement address")
	cmd.Flags().BoolVar(&lockNext, "lock-next", false, "release at the locked amount and lock the next milestone")
	return cmd
}

func disputeCmd() *cobra.Command {
	dispute := &cobra.Command{Use: "dispute", Short: "Dispute payouts"}
	dispute.AddCommand(disputePayoutCmd())
	return dispute
}

func disputePayoutCmd() *cobra.Command {
	var jobID, recipient, destDomain, destAddress string
	var gross int64
	cmd := &cobra.Command{
		Use:   "payout",
		Short: "Force a payout decided by the dispute process (arbiter only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				transfer, err := e.ReleaseDisputedFunds(ctx, viper.GetString("actor-id"), jobID, recipient, gross, destDomain, destAddress)
				if err != nil {
					return err
				}
				return printJSONOrTable(transfer)
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id, when the dispute traces to one")
	cmd.Flags().StringVar(&recipient, "recipient", "", "payout recipient")
	cmd.Flags().Int64Var(&gross, "amount", 0, "gross payout amount")
	cmd.Flags().StringVar(&destDomain, "dest-domain", "", "settlement domain")
	cmd.Flags().StringVar(&destAddress, "dest-address", "", "settlement address")
	_ = cmd.MarkFlagRequired("recipient")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func transfersCmd() *cobra.Command {
	transfers := &cobra.Command{Use: "transfers", Short: "Settlement transfers"}
	transfers.AddCommand(transfersListCmd())
	transfers.AddCommand(transfersRedispatchCmd())
	return transfers
}

func transfersListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List settlement transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				transfers, err := e.Ledger.ListTransfers(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(transfers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Job", "Recipient", "Gross", "Fee", "Net", "Dest", "Status"})
				for _, t := range transfers {
					tw.AppendRow(table.Row{t.ID, t.JobID, t.Recipient, t.Gross, t.Commission, t.Net,
						fmt.Sprintf("%s/%s", t.DestDomain, t.DestAddress), t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, dispatched, failed)")
	return cmd
}

func transfersRedispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "redispatch",
		Short: "Retry settlement dispatch for pending or failed transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				retried, failed, err := e.RedispatchFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("retried %d, still failing %d\n", retried, failed)
				return nil
			})
		},
	}
	return cmd
}

func commissionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commission",
		Short: "Show commission configuration and accrued total",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				accrued, err := e.Ledger.CommissionAccrued(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"rate_bps": e.Fees.RateBasisPoints,
					"minimum":  e.Fees.Minimum,
					"accrued":  accrued,
				})
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{Use: "log", Short: "Audit event log"}
	logRoot.AddCommand(logTailCmd())
	return logRoot
}

func logTailCmd() *cobra.Command {
	var n int
	var jobID string
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				evts, err := e.Ledger.EventsAfter(ctx, n, after, jobID)
				if err != nil {
					return err
				}
				return printJSONOrTable(evts)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&jobID, "job", "", "job id filter")
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this id")
	return cmd
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysListCmd())
	keys.AddCommand(keysDeleteCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the secret once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actorID,
					Name:    name,
					KeyHash: ledger.HashAPIKey(secret),
				}
				if err := e.Ledger.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("api key id: %s\nsecret (save it now): %s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor this key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keysListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				keys, err := e.Ledger.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func keysDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Ledger.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := resolveConfig(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			wireSettlement(e, cfg)
			collector, metricsHandler := metrics.NewCollector()
			e.Metrics = collector

			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("JOBLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" && !allowLegacyHeader {
				return fmt.Errorf("JOBLINE_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header for local use)")
			}
			handler, err := server.New(server.Config{
				Engine:         e,
				BasePath:       basePath,
				Auth:           authCfg,
				MetricsHandler: metricsHandler,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Jobline API on http://%s%s (OpenAPI at /openapi.json, metrics at /metrics)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (local dev only)")
	return cmd
}

// --- helpers ---

func resolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("jobline")
	}
	return cfg, nil
}

func wireSettlement(e *engine.Engine, cfg *config.Config) {
	if cfg.Settlement.Endpoint != "" {
		e.Settlement = settlement.NewHTTPNetwork(cfg.Settlement.Endpoint, cfg.Settlement.TimeoutSeconds)
	}
	if cfg.Rewards.Endpoint != "" {
		e.Rewards = settlement.NewHTTPRewards(cfg.Rewards.Endpoint, cfg.Rewards.TimeoutSeconds)
	}
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := resolveConfig(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	wireSettlement(e, cfg)
	return fn(ctx, e)
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
