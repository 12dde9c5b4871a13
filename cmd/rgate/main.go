package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"rolegate/internal/app"
	"rolegate/internal/engine"
	"rolegate/internal/logging"
	"rolegate/internal/metrics"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "rgate",
	Short: "rolegate CLI",
	Long: `rolegate drives a fixed pipeline of agent roles over shared artifacts.
- Run: one unit of work moving planner -> critic -> implementer -> qa -> uat -> release -> retrospective.
- Advance: invoke the current role once; pre-conditions are checked before, post-conditions after.
- Gates: technical (qa) then value (uat); release needs both passed.
- Escalation: conflicts go to the arbiter, whose decision is binding; deadlocks wait for 'rgate run resolve'.
- Memory: roles retrieve and summarise through a contract that caps calls; 'rgate memory compact' promotes summaries.
Exit codes: 0 ok, 1 blocked, 2 escalated, 3 aborted, 4 rejected, 5 error.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(viper.GetString("log-level"), viper.GetString("log-format"))
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error { return e.err }

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, "error:", ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(engine.ExitError)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ROLEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(gatesCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(patternsCmd())
	rootCmd.AddCommand(rolesCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var projectID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default rolegate.yml and create the state directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.Init(viper.GetString("workspace"), projectID, force)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"config": path})
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id (defaults to the workspace directory name)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

// withWorkspace opens the workspace for one command and closes it afterwards.
func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	return withWorkspaceMetrics(ctx, nil, fn)
}

func withWorkspaceMetrics(ctx context.Context, m *metrics.Metrics, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(ctx, app.OpenOptions{Dir: viper.GetString("workspace"), Logger: logger, Metrics: m})
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}
