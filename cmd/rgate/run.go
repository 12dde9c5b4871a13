package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rolegate/internal/app"
	"rolegate/internal/arbiter"
	"rolegate/internal/domain"
	"rolegate/internal/engine"
	"rolegate/internal/handler"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start and move runs through the pipeline",
	}
	cmd.AddCommand(runStartCmd())
	cmd.AddCommand(runAdvanceCmd())
	cmd.AddCommand(runDriveCmd())
	cmd.AddCommand(runStatusCmd())
	cmd.AddCommand(runListCmd())
	cmd.AddCommand(runAbortCmd())
	cmd.AddCommand(runEscalateCmd())
	cmd.AddCommand(runResolveCmd())
	return cmd
}

func runStartCmd() *cobra.Command {
	var opts engine.StartOptions
	var entry string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a run at the entry role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				opts.Entry = domain.RoleID(entry)
				run, err := ws.Engine.Start(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				fmt.Printf("Started run %s (sequence %s, topic %s) at %s\n", run.ID, run.SequenceID, run.Topic, run.CurrentRole)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "run title")
	cmd.Flags().StringVar(&opts.Topic, "topic", "", "artifact topic slug (defaults to the slugified title)")
	cmd.Flags().StringVar(&opts.Sequence, "sequence", "", "three-digit sequence id (defaults to the next free one)")
	cmd.Flags().StringVar(&entry, "entry", "", "entry role (defaults to pipeline.entry)")
	return cmd
}

func runAdvanceCmd() *cobra.Command {
	var outcome string
	cmd := &cobra.Command{
		Use:   "advance <run-id>",
		Short: "Invoke the current role once",
		Long:  "Invokes the role's configured exec handler, or replays a recorded invocation given with --outcome.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				var opts engine.AdvanceOptions
				if outcome != "" {
					script, err := handler.LoadFile(outcome)
					if err != nil {
						return exitError{code: engine.ExitError, err: err}
					}
					opts.Handler = script
				}
				res, err := ws.Engine.Advance(ctx, args[0], opts)
				return reportResult(res, err)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "JSON file with queries, summary, and outcome to replay")
	return cmd
}

func runDriveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drive <run-id>...",
		Short: "Advance runs until they stop moving forward",
		Long:  "Runs are driven concurrently; the exit code is the highest code among them.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if len(args) == 1 {
					res, err := ws.Engine.Drive(ctx, args[0])
					return reportResult(res, err)
				}
				results := ws.Engine.DriveAll(ctx, args)
				worst := engine.ExitOK
				for i := range results {
					if code := engine.ExitCode(results[i], results[i].Err); code > worst {
						worst = code
					}
				}
				if viper.GetBool("json") {
					out := make([]resultView, 0, len(results))
					for _, r := range results {
						out = append(out, newResultView(r, r.Err))
					}
					if err := printJSON(out); err != nil {
						return err
					}
				} else {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Run", "Result", "Role", "Status", "Exit", "Reason"})
					for i, r := range results {
						v := newResultView(r, r.Err)
						tw.AppendRow(table.Row{args[i], v.Result, v.Role, v.Status, v.ExitCode, v.Reason})
					}
					tw.Render()
				}
				if worst != engine.ExitOK {
					return exitError{code: worst}
				}
				return nil
			})
		},
	}
	return cmd
}

func runStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run with its transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				run, err := ws.Engine.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(run); err != nil {
						return err
					}
					return statusExit(run.Status)
				}
				fmt.Printf("Run %s [%s] %s/%s\n", run.ID, run.Status, run.SequenceID, run.Topic)
				fmt.Printf("Current role: %s\n", run.CurrentRole)
				fmt.Printf("Gates: technical=%s value=%s locked=%t\n", run.Gates.Technical, run.Gates.Value, run.Gates.Locked)
				for _, m := range run.Blocked {
					fmt.Printf("Missing: %s\n", m)
				}
				if run.Pending != nil {
					fmt.Printf("Pending escalation: %s (%s)\n", run.Pending.Issue, run.Pending.Category)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "From", "To", "Trigger", "At", "Note"})
				for _, tr := range run.History {
					tw.AppendRow(table.Row{tr.Seq, tr.From, tr.To, tr.Trigger, tr.At.Format("2006-01-02 15:04:05"), truncate(tr.Note, 60)})
				}
				tw.Render()
				return statusExit(run.Status)
			})
		},
	}
	return cmd
}

func runListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				runs, err := ws.Engine.ListRuns(ctx)
				if err != nil {
					return err
				}
				filtered := runs[:0]
				for _, r := range runs {
					if status == "" || string(r.Status) == status {
						filtered = append(filtered, r)
					}
				}
				if viper.GetBool("json") {
					return printJSON(filtered)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Seq", "Topic", "Role", "Status", "Gates"})
				for _, r := range filtered {
					tw.AppendRow(table.Row{r.ID, r.SequenceID, r.Topic, r.CurrentRole, r.Status,
						fmt.Sprintf("%s/%s", r.Gates.Technical, r.Gates.Value)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, blocked, escalated, complete, aborted)")
	return cmd
}

func runAbortCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abort <run-id>",
		Short: "Abort a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				run, err := ws.Engine.Abort(ctx, args[0], reason)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				fmt.Printf("Run %s aborted at %s\n", run.ID, run.CurrentRole)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the run is aborted")
	return cmd
}

func runEscalateCmd() *cobra.Command {
	var req engine.EscalateRequest
	var against string
	var positions []string
	cmd := &cobra.Command{
		Use:   "escalate <run-id>",
		Short: "Hand a run to the arbiter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Against = domain.RoleID(against)
			req.Positions = map[domain.RoleID]string{}
			for _, p := range positions {
				role, text, ok := strings.Cut(p, "=")
				if !ok || strings.TrimSpace(role) == "" {
					return fmt.Errorf("invalid --position %q, want role=text", p)
				}
				req.Positions[domain.RoleID(strings.TrimSpace(role))] = strings.TrimSpace(text)
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := ws.Engine.Escalate(ctx, args[0], req)
				return reportResult(res, err)
			})
		},
	}
	cmd.Flags().StringVar(&req.Issue, "issue", "", "issue statement")
	cmd.Flags().StringVar(&against, "against", "", "role whose work is contested")
	cmd.Flags().StringArrayVar(&positions, "position", nil, "role=position, repeatable")
	cmd.Flags().StringVar(&req.By, "by", "operator", "who raises the escalation")
	_ = cmd.MarkFlagRequired("issue")
	return cmd
}

func runResolveCmd() *cobra.Command {
	var rr arbiter.ResolveRequest
	var decision, next string
	cmd := &cobra.Command{
		Use:   "resolve <run-id>",
		Short: "Record an operator decision for an escalation held at deadlock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rr.Decision = domain.OptionKind(decision)
			rr.NextRole = domain.RoleID(next)
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := ws.Engine.Resolve(ctx, args[0], rr)
				return reportResult(res, err)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "proceed, retry, replan, pivot, or cancel")
	cmd.Flags().StringVar(&next, "next-role", "", "role that receives the run")
	cmd.Flags().StringVar(&rr.Rationale, "rationale", "", "why this option was chosen")
	cmd.Flags().StringArrayVar(&rr.Constraints, "constraint", nil, "constraint on the next role, repeatable")
	cmd.Flags().StringVar(&rr.DecidedBy, "by", "operator", "who decides")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

type resultView struct {
	Result     engine.ResultKind          `json:"result"`
	ExitCode   int                        `json:"exit_code"`
	RunID      string                     `json:"run_id"`
	Role       domain.RoleID              `json:"current_role"`
	Status     domain.RunStatus           `json:"status"`
	Transition *domain.Transition         `json:"transition,omitempty"`
	Missing    []domain.MissingDependency `json:"missing,omitempty"`
	Escalation *domain.EscalationRecord   `json:"escalation,omitempty"`
	Reason     string                     `json:"reason,omitempty"`
	Error      string                     `json:"error,omitempty"`
}

func newResultView(res engine.TransitionResult, err error) resultView {
	v := resultView{
		Result:     res.Kind,
		ExitCode:   engine.ExitCode(res, err),
		RunID:      res.Run.ID,
		Role:       res.Run.CurrentRole,
		Status:     res.Run.Status,
		Transition: res.Transition,
		Missing:    res.Missing,
		Escalation: res.Escalation,
		Reason:     res.Reason,
	}
	if err != nil {
		v.Error = err.Error()
	}
	return v
}

// statusExit reports a stopped run the way advance does.
func statusExit(status domain.RunStatus) error {
	if code := engine.StatusExitCode(status); code != engine.ExitOK {
		return exitError{code: code}
	}
	return nil
}

// reportResult prints one transition result and maps it to the exit code.
func reportResult(res engine.TransitionResult, err error) error {
	v := newResultView(res, err)
	if v.RunID == "" && err != nil {
		return exitError{code: v.ExitCode, err: err}
	}
	if viper.GetBool("json") {
		if perr := printJSON(v); perr != nil {
			return perr
		}
	} else {
		printResult(v)
	}
	if v.ExitCode == engine.ExitOK {
		return nil
	}
	return exitError{code: v.ExitCode, err: err}
}

func printResult(v resultView) {
	result := string(v.Result)
	if result == "" {
		result = "error"
	}
	fmt.Printf("%s: run %s is %s at %s\n", result, v.RunID, v.Status, v.Role)
	if v.Transition != nil {
		fmt.Printf("  %s -> %s (%s)\n", v.Transition.From, orDash(string(v.Transition.To)), v.Transition.Trigger)
	}
	for _, m := range v.Missing {
		fmt.Printf("  missing: %s\n", m)
	}
	if v.Escalation != nil {
		fmt.Printf("  decision: %s by %s -> %s\n", v.Escalation.Decision, v.Escalation.DecidedBy, orDash(string(v.Escalation.NextRole)))
		fmt.Printf("  record: %s\n", v.Escalation.ArtifactPath)
	}
	if v.Reason != "" {
		fmt.Printf("  reason: %s\n", v.Reason)
	}
}
