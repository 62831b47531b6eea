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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pharmaline/internal/app"
	"pharmaline/internal/db"
	"pharmaline/internal/engine"
	"pharmaline/internal/repo"
	"pharmaline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pharmactl",
	Short: "Pharmaline CLI",
	Long: `Pharmaline drives pharmaceutical batch manufacturing workflows.
A batch manufacturing record (BMR) moves draft -> submitted -> approved,
then production walks the product's phase plan in strict order. Quality
checkpoints gate critical phases; a failed checkpoint quarantines the
batch until sampling clears it for a rollback and retry.`,
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
	viper.SetEnvPrefix("PHARMALINE")
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
	rootCmd.AddCommand(productCmd())
	rootCmd.AddCommand(bmrCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(quarantineCmd())
	rootCmd.AddCommand(machineCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(serveCmd())
}

func productCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "product", Short: "Manage products"}
	cmd.AddCommand(productCreateCmd())
	cmd.AddCommand(productListCmd())
	return cmd
}

func productCreateCmd() *cobra.Command {
	var name, ptype, tabletType string
	var coated bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProduct(ctx, engine.ProductCreateOptions{
					Name:       name,
					Type:       ptype,
					TabletType: tabletType,
					Coated:     coated,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "product name")
	cmd.Flags().StringVar(&ptype, "type", "", "ointment, tablet or capsule")
	cmd.Flags().StringVar(&tabletType, "tablet-type", "", "normal or tablet_2 (tablet only)")
	cmd.Flags().BoolVar(&coated, "coated", false, "coated tablet")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func productListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List products",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				products, err := e.Repo.ListProducts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(products)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Tablet Type", "Coated"})
				for _, p := range products {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Type, p.TabletType, p.Coated})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func bmrCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "bmr", Short: "Batch manufacturing records"}
	cmd.AddCommand(bmrCreateCmd())
	cmd.AddCommand(bmrListCmd())
	cmd.AddCommand(bmrShowCmd())
	cmd.AddCommand(bmrTransitionCmd("submit", "Submit record for regulatory review", false,
		func(ctx context.Context, e engine.Engine, id, actor, reason, opID string) (any, error) {
			return e.SubmitBatch(ctx, id, actor, opID)
		}))
	cmd.AddCommand(bmrTransitionCmd("approve", "Approve record and materialize the phase plan", false,
		func(ctx context.Context, e engine.Engine, id, actor, reason, opID string) (any, error) {
			return e.ApproveBatch(ctx, id, actor, opID)
		}))
	cmd.AddCommand(bmrTransitionCmd("reject", "Reject record", true,
		func(ctx context.Context, e engine.Engine, id, actor, reason, opID string) (any, error) {
			return e.RejectBatch(ctx, id, actor, reason, opID)
		}))
	cmd.AddCommand(bmrTransitionCmd("cancel", "Cancel batch", true,
		func(ctx context.Context, e engine.Engine, id, actor, reason, opID string) (any, error) {
			return e.CancelBatch(ctx, id, actor, reason, opID)
		}))
	return cmd
}

func bmrCreateCmd() *cobra.Command {
	var number, productID, unit, opID string
	var size float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a batch manufacturing record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CreateBatch(ctx, engine.BatchCreateOptions{
					BatchNumber: number,
					ProductID:   productID,
					BatchSize:   size,
					SizeUnit:    unit,
					ActorID:     viper.GetString("actor-id"),
					OperationID: opID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&number, "number", "", "7-digit batch number (e.g. 0012025)")
	cmd.Flags().StringVar(&productID, "product", "", "product id")
	cmd.Flags().Float64Var(&size, "size", 0, "batch size")
	cmd.Flags().StringVar(&unit, "unit", "kg", "batch size unit")
	cmd.Flags().StringVar(&opID, "operation-id", "", "idempotent operation id")
	_ = cmd.MarkFlagRequired("number")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("size")
	return cmd
}

func bmrListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				batches, err := e.Repo.ListBatches(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(batches)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Number", "Product", "Size", "Status", "Created"})
				for _, b := range batches {
					tw.AppendRow(table.Row{b.ID, b.BatchNumber, b.ProductID, fmt.Sprintf("%g %s", b.BatchSize, b.BatchSizeUnit), b.Status, b.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func bmrShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <batch-id-or-number>",
		Short: "Show a batch with its phase plan and timing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.GetBatchDetail(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(detail)
				}
				fmt.Printf("Batch %s (%s): %s, status %s\n", detail.Batch.BatchNumber, detail.Batch.ID, detail.Product.Name, detail.Batch.Status)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Phase", "Attempt", "Status", "QC", "Machine", "Timing"})
				for _, ph := range detail.Phases {
					qc := ""
					if ph.QCRequired {
						qc = "pending"
						if ph.QCApproved != nil {
							if *ph.QCApproved {
								qc = "approved"
							} else {
								qc = "failed"
							}
						}
					}
					machine := ""
					if ph.MachineID != nil {
						machine = *ph.MachineID
					}
					timing := ""
					if ph.Timing != nil {
						timing = fmt.Sprintf("%s (%.1fh/%.1fh)", ph.Timing.State, ph.Timing.ElapsedHours, ph.Timing.ExpectedHours)
					}
					tw.AppendRow(table.Row{ph.Position, ph.PhaseName, ph.Attempt, ph.Status, qc, machine, timing})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func bmrTransitionCmd(use, short string, needsReason bool, call func(ctx context.Context, e engine.Engine, id, actor, reason, opID string) (any, error)) *cobra.Command {
	var reason, opID string
	cmd := &cobra.Command{
		Use:   use + " <batch-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := call(ctx, e, args[0], viper.GetString("actor-id"), reason, opID)
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	if needsReason {
		cmd.Flags().StringVar(&reason, "reason", "", "reason")
		_ = cmd.MarkFlagRequired("reason")
	}
	cmd.Flags().StringVar(&opID, "operation-id", "", "idempotent operation id")
	return cmd
}

func phaseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "phase", Short: "Phase execution"}
	cmd.AddCommand(phaseStartCmd())
	cmd.AddCommand(phaseCompleteCmd())
	cmd.AddCommand(phaseQCCmd())
	cmd.AddCommand(phaseIntervalCmd("breakdown", "Record a machine breakdown interval",
		func(e engine.Engine) func(context.Context, engine.IntervalOptions) (any, error) {
			return func(ctx context.Context, opts engine.IntervalOptions) (any, error) {
				return e.RecordBreakdown(ctx, opts)
			}
		}))
	cmd.AddCommand(phaseIntervalCmd("changeover", "Record a changeover interval",
		func(e engine.Engine) func(context.Context, engine.IntervalOptions) (any, error) {
			return func(ctx context.Context, opts engine.IntervalOptions) (any, error) {
				return e.RecordChangeover(ctx, opts)
			}
		}))
	cmd.AddCommand(phaseDeviationCmd())
	cmd.AddCommand(phaseHistoryCmd())
	return cmd
}

func phaseDeviationCmd() *cobra.Command {
	var reason, opID string
	cmd := &cobra.Command{
		Use:   "deviation <batch-id> <phase>",
		Short: "Flag a deviation and quarantine the batch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.FlagDeviation(ctx, engine.DeviationOptions{
					BatchID:     args[0],
					PhaseName:   args[1],
					Reason:      reason,
					ActorID:     viper.GetString("actor-id"),
					OperationID: opID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "deviation reason")
	cmd.Flags().StringVar(&opID, "operation-id", "", "idempotent operation id")
	return cmd
}

func phaseStartCmd() *cobra.Command {
	var machineID, opID string
	cmd := &cobra.Command{
		Use:   "start <batch-id> <phase>",
		Short: "Start a pending phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ex, err := e.StartPhase(ctx, engine.PhaseStartOptions{
					BatchID:     args[0],
					PhaseName:   args[1],
					MachineID:   machineID,
					ActorID:     viper.GetString("actor-id"),
					OperationID: opID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ex)
			})
		},
	}
	cmd.Flags().StringVar(&machineID, "machine", "", "machine id (machine-bound phases)")
	cmd.Flags().StringVar(&opID, "operation-id", "", "idempotent operation id")
	return cmd
}

func phaseCompleteCmd() *cobra.Command {
	var processData, comments, opID string
	cmd := &cobra.Command{
		Use:   "complete <batch-id> <phase>",
		Short: "Complete an in-progress phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ex, err := e.CompletePhase(ctx, engine.PhaseCompleteOptions{
					BatchID:     args[0],
					PhaseName:   args[1],
					ProcessData: processData,
					Comments:    comments,
					ActorID:     viper.GetString("actor-id"),
					OperationID: opID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ex)
			})
		},
	}
	cmd.Flags().StringVar(&processData, "process-data", "", "process data JSON")
	cmd.Flags().StringVar(&comments, "comments", "", "comments")
	cmd.Flags().StringVar(&opID, "operation-id", "", "idempotent operation id")
	return cmd
}

func phaseQCCmd() *cobra.Command {
	var approve, fail bool
	var reason, opID string
	cmd := &cobra.Command{
		Use:   "qc <batch-id> <phase>",
		Short: "Decide the quality checkpoint on a completed phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == fail {
				return fmt.Errorf("exactly one of --approve or --fail is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ex, err := e.EvaluateQC(ctx, engine.QCDecisionOptions{
					BatchID:     args[0],
					PhaseName:   args[1],
					Approved:    approve,
					Reason:      reason,
					ActorID:     viper.GetString("actor-id"),
					OperationID: opID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ex)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the checkpoint")
	cmd.Flags().BoolVar(&fail, "fail", false, "fail the checkpoint (quarantines the batch)")
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	cmd.Flags().StringVar(&opID, "operation-id", "", "idempotent operation id")
	return cmd
}

func phaseIntervalCmd(use, short string, bind func(engine.Engine) func(context.Context, engine.IntervalOptions) (any, error)) *cobra.Command {
	var start, end, reason, opID string
	cmd := &cobra.Command{
		Use:   use + " <batch-id> <phase>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := bind(e)(ctx, engine.IntervalOptions{
					BatchID:     args[0],
					PhaseName:   args[1],
					Start:       start,
					End:         end,
					Reason:      reason,
					ActorID:     viper.GetString("actor-id"),
					OperationID: opID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "interval start (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "interval end (RFC3339)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().StringVar(&opID, "operation-id", "", "idempotent operation id")
	return cmd
}

func phaseHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <batch-id>",
		Short: "All execution attempts of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				history, err := e.PhaseHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(history)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Phase", "Attempt", "Status", "Started", "Completed"})
				for _, ex := range history {
					started, completed := "", ""
					if ex.StartedAt != nil {
						started = *ex.StartedAt
					}
					if ex.CompletedAt != nil {
						completed = *ex.CompletedAt
					}
					tw.AppendRow(table.Row{ex.Position, ex.PhaseName, ex.Attempt, ex.Status, started, completed})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func quarantineCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "quarantine", Short: "Quarantine and sampling"}
	cmd.AddCommand(quarantineListCmd())
	cmd.AddCommand(quarantineSampleCmd("request", "Request the next sample",
		func(e engine.Engine) func(context.Context, engine.SampleOptions) (any, error) {
			return func(ctx context.Context, opts engine.SampleOptions) (any, error) {
				return e.RequestSample(ctx, opts)
			}
		}))
	cmd.AddCommand(quarantineSampleCmd("sampled", "Record sample drawn by QA",
		func(e engine.Engine) func(context.Context, engine.SampleOptions) (any, error) {
			return func(ctx context.Context, opts engine.SampleOptions) (any, error) {
				return e.RecordSampling(ctx, opts)
			}
		}))
	cmd.AddCommand(quarantineSampleCmd("received", "Record sample received by QC",
		func(e engine.Engine) func(context.Context, engine.SampleOptions) (any, error) {
			return func(ctx context.Context, opts engine.SampleOptions) (any, error) {
				return e.RecordReceipt(ctx, opts)
			}
		}))
	cmd.AddCommand(quarantineDecideCmd())
	cmd.AddCommand(quarantineResolveCmd("release", "Release the quarantine and roll the workflow back",
		func(e engine.Engine) func(context.Context, engine.ReleaseOptions) (any, error) {
			return func(ctx context.Context, opts engine.ReleaseOptions) (any, error) {
				return e.ReleaseQuarantine(ctx, opts)
			}
		}))
	cmd.AddCommand(quarantineResolveCmd("reject", "Reject the quarantine, leaving the batch blocked",
		func(e engine.Engine) func(context.Context, engine.ReleaseOptions) (any, error) {
			return func(ctx context.Context, opts engine.ReleaseOptions) (any, error) {
				return e.RejectQuarantine(ctx, opts)
			}
		}))
	return cmd
}

func quarantineListCmd() *cobra.Command {
	var batchID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quarantines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				quarantines, err := e.Repo.ListQuarantines(ctx, batchID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(quarantines)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Batch", "Phase", "Status", "Samples", "Opened"})
				for _, q := range quarantines {
					tw.AppendRow(table.Row{q.ID, q.BatchID, q.PhaseName, q.Status, q.SampleCount, q.QuarantinedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "filter by batch id")
	return cmd
}

func quarantineSampleCmd(use, short string, bind func(engine.Engine) func(context.Context, engine.SampleOptions) (any, error)) *cobra.Command {
	var opID string
	cmd := &cobra.Command{
		Use:   use + " <quarantine-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := bind(e)(ctx, engine.SampleOptions{
					QuarantineID: args[0],
					ActorID:      viper.GetString("actor-id"),
					OperationID:  opID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().StringVar(&opID, "operation-id", "", "idempotent operation id")
	return cmd
}

func quarantineDecideCmd() *cobra.Command {
	var approve, fail bool
	var results, comments, opID string
	cmd := &cobra.Command{
		Use:   "decide <quarantine-id>",
		Short: "Record the laboratory verdict on the current sample",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == fail {
				return fmt.Errorf("exactly one of --approve or --fail is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.RecordTestResult(ctx, engine.SampleOptions{
					QuarantineID: args[0],
					Approved:     approve,
					Results:      results,
					Comments:     comments,
					ActorID:      viper.GetString("actor-id"),
					OperationID:  opID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "sample passed testing")
	cmd.Flags().BoolVar(&fail, "fail", false, "sample failed testing")
	cmd.Flags().StringVar(&results, "results", "", "test results JSON")
	cmd.Flags().StringVar(&comments, "comments", "", "comments")
	cmd.Flags().StringVar(&opID, "operation-id", "", "idempotent operation id")
	return cmd
}

func quarantineResolveCmd(use, short string, bind func(engine.Engine) func(context.Context, engine.ReleaseOptions) (any, error)) *cobra.Command {
	var reason, opID string
	cmd := &cobra.Command{
		Use:   use + " <quarantine-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := bind(e)(ctx, engine.ReleaseOptions{
					QuarantineID: args[0],
					Reason:       reason,
					ActorID:      viper.GetString("actor-id"),
					OperationID:  opID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().StringVar(&opID, "operation-id", "", "idempotent operation id")
	return cmd
}

func machineCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "machine", Short: "Manage machines"}
	cmd.AddCommand(machineAddCmd())
	cmd.AddCommand(machineListCmd())
	return cmd
}

func machineAddCmd() *cobra.Command {
	var name, machineType string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMachine(ctx, engine.MachineCreateOptions{Name: name, MachineType: machineType})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "machine name")
	cmd.Flags().StringVar(&machineType, "type", "", "machine type (matches phase machine_type)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func machineListCmd() *cobra.Command {
	var machineType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				machines, err := e.Repo.ListMachines(ctx, machineType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(machines)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Active"})
				for _, m := range machines {
					tw.AppendRow(table.Row{m.ID, m.Name, m.MachineType, m.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&machineType, "type", "", "filter by machine type")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "RBAC management"}
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	cmd.AddCommand(rbacWhoamiCmd())
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.EnsureActor(ctx, target, "", now); err != nil {
					return err
				}
				if err := r.AssignRole(ctx, target, role); err != nil {
					return err
				}
				fmt.Printf("granted %s to %s\n", role, target)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role name")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.RevokeRole(ctx, target, role); err != nil {
					return err
				}
				fmt.Printf("revoked %s from %s\n", role, target)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role name")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actorID := viper.GetString("actor-id")
				roles, err := r.ActorRoles(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"actor_id": actorID, "roles": roles})
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Audit event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var batchID string
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evts, err := r.ListEvents(ctx, batchID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Batch", "Phase", "Actor"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.TS, e.Type, e.BatchID, e.PhaseName, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "filter by batch id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Plant status overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountBatchesByStatus(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"plant_id":     e.Config.Plant.ID,
					"batch_counts": counts,
				})
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, cfg, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			e := app.NewEngine(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("PHARMALINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PHARMALINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Pharmaline API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8844", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, cfg, err := app.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, _, err := app.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
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
