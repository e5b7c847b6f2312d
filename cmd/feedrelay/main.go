package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"feedrelay/internal/app"
	logx "feedrelay/pkg/logx"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgPath         string
	shutdownTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "feedrelay",
	Short: "Sensor feed relay proxy with stream freshness monitoring",
	Long: `feedrelay accepts sensor feed updates, records when each stream was last
seen, forwards every update to the upstream feed service and alerts when
streams go quiet.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay proxy and freshness monitor",
	RunE:  runServe,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate stream freshness once and print the report (read-only)",
	RunE:  runCheck,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List relay jobs waiting in the local journal",
	RunE:  runJobs,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file (yaml or json)")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "max time to drain on shutdown")
	rootCmd.AddCommand(serveCmd, checkCmd, jobsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	return a.Run(ctx, shutdownTimeout)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	rep, err := app.Check(ctx, cfgPath, logx.NewConsole("warn"))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func runJobs(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	jobs, err := app.PendingJobs(ctx, cfgPath, logx.NewConsole("warn"))
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFEED\tDATASTREAM\tATTEMPTS\tBYTES\tENQUEUED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			j.ID, j.FeedID, j.Datastream, j.Attempts, len(j.Body), j.EnqueuedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
