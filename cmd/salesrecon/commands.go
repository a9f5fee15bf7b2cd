package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/salesrecon/cmd/salesrecon/cli"
	"github.com/odyssey-erp/salesrecon/internal/app"
	"github.com/odyssey-erp/salesrecon/jobs"
)

var (
	scopeFlags cli.ScopeFlags
	jsonOutput bool
	learnFlag  bool
	pageFlag   int
	perPage    int
)

var autorelateCmd = &cobra.Command{
	Use:   "autorelate",
	Short: "Relate pending lines of a scope to catalog SKUs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()
		learn := rt.cfg.MatchLearnAliases
		if cmd.Flags().Changed("learn") {
			learn = learnFlag
		}
		recon := cli.NewReconCLI(rt.engine.Matching, rt.engine.Emission)
		return exitCode("autorelate", recon.AutoRelateCommand(cmd.Context(), scopeFlags, learn, cli.Output{JSON: jsonOutput}))
	},
}

var emitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Emit sales and stock movements for matched lines of a scope",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()
		recon := cli.NewReconCLI(rt.engine.Matching, rt.engine.Emission)
		return exitCode("emit", recon.EmitCommand(cmd.Context(), scopeFlags, cli.Output{JSON: jsonOutput}))
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List unresolved lines of a scope",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()
		recon := cli.NewReconCLI(rt.engine.Matching, rt.engine.Emission)
		return exitCode("pending", recon.PendingCommand(cmd.Context(), scopeFlags, pageFlag, perPage, cli.Output{JSON: jsonOutput}))
	},
}

var enqueueCmd = &cobra.Command{
	Use:       "enqueue [" + jobs.TaskReconAutoRelate + "|" + jobs.TaskReconEmit + "]",
	Short:     "Schedule a recon task on the worker",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{jobs.TaskReconAutoRelate, jobs.TaskReconEmit},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig()
		if err != nil {
			return err
		}
		scope, err := scopeFlags.Scope()
		if err != nil {
			return err
		}
		learn := cfg.MatchLearnAliases
		if cmd.Flags().Changed("learn") {
			learn = learnFlag
		}
		jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer jobsCLI.Close()
		info, err := jobsCLI.Trigger(cmd.Context(), args[0], scope, learn)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show worker queue statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := app.LoadConfig()
		if err != nil {
			return err
		}
		jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer jobsCLI.Close()
		stats, err := jobsCLI.InspectQueue(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

func addScopeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&scopeFlags.Kind, "scope", "", "scope kind: client, import or shipment")
	cmd.Flags().Int64Var(&scopeFlags.ID, "id", 0, "import or shipment id")
	cmd.Flags().Int64Var(&scopeFlags.ClientID, "client", 0, "client id (required for client scope)")
	_ = cmd.MarkFlagRequired("scope")
}

func init() {
	for _, cmd := range []*cobra.Command{autorelateCmd, emitCmd, pendingCmd, enqueueCmd} {
		addScopeFlags(cmd)
	}
	for _, cmd := range []*cobra.Command{autorelateCmd, emitCmd, pendingCmd} {
		cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON instead of text")
	}
	for _, cmd := range []*cobra.Command{autorelateCmd, enqueueCmd} {
		cmd.Flags().BoolVar(&learnFlag, "learn", true, "learn aliases from fuzzy and kit matches")
	}
	pendingCmd.Flags().IntVar(&pageFlag, "page", 1, "page number")
	pendingCmd.Flags().IntVar(&perPage, "per-page", 50, "lines per page")

	rootCmd.AddCommand(serveCmd, autorelateCmd, emitCmd, pendingCmd, enqueueCmd, queueCmd)
}
