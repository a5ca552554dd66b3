package main

import (
	"encoding/json"
	"fmt"

	gocmd "github.com/goliatone/go-command"
	"github.com/spf13/cobra"

	"github.com/goliatone/go-fulfillment/adapters/gocommand"
	fulfillmentcommand "github.com/goliatone/go-fulfillment/command"
	"github.com/goliatone/go-fulfillment/core"
)

func reconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep and print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadAppConfig(opts.configPath)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context(), cfg, newLogger(cmd.ErrOrStderr(), opts.debug))
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.client.Migrate(cmd.Context()); err != nil {
				return err
			}
			collector := gocmd.NewResult[core.SweepReport]()
			ctx := gocmd.ContextWithResult(cmd.Context(), collector)
			if err := gocommand.Dispatch(ctx, fulfillmentcommand.ReconcileOrdersMessage{}); err != nil {
				return err
			}
			report, ok := collector.Load()
			if !ok {
				return fmt.Errorf("fulfillmentd: reconcile produced no report")
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(report)
		},
	}
}
