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
	"go.uber.org/zap"

	"rolegate/internal/app"
	"rolegate/internal/domain"
	"rolegate/internal/engine"
	"rolegate/internal/metrics"
	"rolegate/internal/repo"
	"rolegate/internal/server"
)

func gatesCmd() *cobra.Command {
	var by, technical, value string
	cmd := &cobra.Command{
		Use:   "gates <run-id>",
		Short: "Show or write the gates of a run",
		Long:  "Without --by the gates are shown. With --by a verification role writes the technical or value gate.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if by == "" && (technical != "" || value != "") {
				return fmt.Errorf("--by is required to write a gate")
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if by != "" {
					if _, err := ws.Engine.SetGates(ctx, args[0], engine.GateUpdate{
						By:        domain.RoleID(by),
						Technical: domain.TechnicalGate(technical),
						Value:     domain.ValueGate(value),
					}); err != nil {
						return exitError{code: engine.ExitCode(engine.TransitionResult{}, err), err: err}
					}
				}
				ready, gates, err := ws.Engine.ReleaseReady(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"gates": gates, "release_ready": ready}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("technical: %s\nvalue:     %s\nlocked:    %t\nrelease ready: %t\n", gates.Technical, gates.Value, gates.Locked, ready)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "verification role writing the gate")
	cmd.Flags().StringVar(&technical, "technical", "", "technical gate value")
	cmd.Flags().StringVar(&value, "value", "", "value gate value")
	return cmd
}

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and compact shared memory",
	}
	cmd.AddCommand(memorySearchCmd())
	cmd.AddCommand(memoryCompactCmd())
	cmd.AddCommand(memoryConflictsCmd())
	return cmd
}

func memorySearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Rank active memory entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				entries, err := ws.Engine.SearchMemory(ctx, strings.Join(args, " "), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Topic", "Score", "Goal"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.Kind, e.Topic, fmt.Sprintf("%.3f", e.Score), truncate(e.Goal, 50)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results (defaults to memory.default_results)")
	return cmd
}

func memoryCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Promote converged summaries into decision records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				report, err := ws.Engine.Compact(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Topics: %d, promoted: %d, consumed: %d, conflicts: %d\n",
					report.Topics, len(report.Promoted), report.Consumed, report.Conflicts)
				return nil
			})
		},
	}
}

func memoryConflictsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List contradicting memory entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.Memory.Conflicts(ctx, !all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Topic", "Entries", "Detail", "Resolved"})
				for _, c := range items {
					resolved := ""
					if c.ResolvedAt != nil {
						resolved = c.ResolvedAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{c.ID, c.Topic, strings.Join(c.EntryIDs, ","), truncate(c.Detail, 50), resolved})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")
	return cmd
}

func patternsCmd() *cobra.Command {
	var pending bool
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "List systemic pattern flags raised by the arbiter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				flags, err := ws.Engine.PatternFlags(ctx, pending)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(flags)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Category", "Roles", "Occurrences", "Last seen", "Acked by"})
				for _, f := range flags {
					roles := make([]string, 0, len(f.Roles))
					for _, r := range f.Roles {
						roles = append(roles, string(r))
					}
					tw.AppendRow(table.Row{f.ID, f.Category, strings.Join(roles, ","), f.Occurrences, f.LastSeen.Format(time.RFC3339), f.AckedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "only flags no retrospective has consumed")
	return cmd
}

func rolesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Inspect the role registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List roles in stage order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				roles := ws.Engine.Registry.All()
				if viper.GetBool("json") {
					return printJSON(roles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Role", "Produces", "Directory", "Handoffs", "Capabilities", "Handler"})
				for _, r := range roles {
					handoffs := make([]string, 0, len(r.Handoffs))
					for _, h := range r.Handoffs {
						handoffs = append(handoffs, string(h))
					}
					caps := make([]string, 0, len(r.Capabilities))
					for _, c := range r.Capabilities {
						caps = append(caps, string(c))
					}
					h := "-"
					if _, ok := ws.Engine.Handlers[r.ID]; ok {
						h = "exec"
					}
					tw.AppendRow(table.Row{r.Stage, r.ID, r.Produces, r.Directory, strings.Join(handoffs, ","), strings.Join(caps, ","), h})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The append-only audit trail: transitions, gate writes, memory calls, escalations, and pattern flags.",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				events, err := ws.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Run", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, shortID(e.RunID), e.ActorID, truncate(e.Payload, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.RunID, "run", "", "run id filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var insecure bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long:  "Serves the API with bearer JWT auth (ROLEGATE_JWT_SECRET), webhook delivery, and periodic memory compaction.",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := metrics.New()
			return withWorkspaceMetrics(cmd.Context(), m, func(ctx context.Context, ws *app.Workspace) error {
				secret := viper.GetString("jwt-secret")
				if secret == "" && !insecure {
					return fmt.Errorf("ROLEGATE_JWT_SECRET is required for bearer auth (or pass --insecure)")
				}
				if addr == "" {
					addr = ws.Config.Server.Addr
				}
				if basePath == "" {
					basePath = ws.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:   ws.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, AllowAnonymous: insecure, Logger: logger.Named("auth")},
					Metrics:  m,
					Logger:   logger,
				})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, ws.Engine.Repo, ws.Config, logger)
				if every := ws.Config.Memory.CompactionInterval; every > 0 {
					go ws.Engine.Compactor.Start(ctx, every)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
				fmt.Printf("Serving rolegate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "serve without authentication when no secret is set")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles, perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with ROLEGATE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.IssueToken(viper.GetString("jwt-secret"), subject, roles, perms, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "pipeline roles the holder may act as (default any)")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "permissions such as runs.read or runs.* (default all)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	return cmd
}

// --- helpers ---

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
