package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/stock-engine/api"
	"github.com/warp/stock-engine/stock"
)

// =============================================================================
// SEED
// =============================================================================

func newSeedCmd(a *app) *cobra.Command {
	var (
		scenario string
		list     bool
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Reset the database and load a demo scenario",
		Long: `Reset the database and load a demo scenario.

All existing data is deleted first. Only use against development databases.

Examples:
  stock-engine seed --list
  stock-engine seed --scenario worked-example
  stock-engine seed --scenario shop-floor --db ./demo.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if list {
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				for _, s := range api.Scenarios() {
					fmt.Fprintf(w, "%s\t%s\n", s.ID, s.Description)
				}
				return w.Flush()
			}

			store, err := openStore(cmd.Context(), a.cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer store.Close()

			h := api.NewHandler(store, a.logger, nil)
			if err := h.Seed(cmd.Context(), scenario); err != nil {
				return err
			}
			fmt.Fprintf(out, "loaded scenario %s\n", scenario)
			return nil
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", "worked-example", "Scenario ID")
	cmd.Flags().BoolVar(&list, "list", false, "List available scenarios and exit")
	return cmd
}

// =============================================================================
// AUDIT
// =============================================================================

func newAuditCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "audit [MATERIAL_ID...]",
		Short: "Check materials against the conservation invariant",
		Long: `Check materials against the conservation invariant.

With no arguments every material is audited. Exits non-zero when any
material is inconsistent. Low stock is reported but is not a failure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, a.cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer store.Close()

			auditor := stock.NewAuditor(store)
			var reports []stock.AuditReport
			if len(args) == 0 {
				if reports, err = auditor.CheckAll(ctx); err != nil {
					return err
				}
			}
			for _, id := range args {
				r, err := auditor.Check(ctx, stock.MaterialID(id))
				if err != nil {
					return fmt.Errorf("audit %s: %w", id, err)
				}
				reports = append(reports, *r)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(reports); err != nil {
					return err
				}
			} else {
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "MATERIAL\tCURRENT\tALLOCATED\tOPENING\tSTATUS")
				for _, r := range reports {
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", r.MaterialID, r.CurrentStock, r.TotalAllocated, r.OpeningStock, status(r))
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}

			failed := 0
			for _, r := range reports {
				if !r.Consistent() {
					failed++
					for _, f := range r.Findings {
						a.logger.WithField("material_id", r.MaterialID).Warn(f)
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d material(s) failed the audit", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output reports as JSON")
	return cmd
}

func status(r stock.AuditReport) string {
	switch {
	case !r.Consistent():
		return "INCONSISTENT"
	case r.BelowMinimum:
		return "LOW"
	default:
		return "ok"
	}
}
