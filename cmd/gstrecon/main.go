// Command gstrecon runs reconciliation jobs against the store without the HTTP server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mmdatafocus/gstrecon_backend/config"
	"github.com/mmdatafocus/gstrecon_backend/ingest"
	"github.com/mmdatafocus/gstrecon_backend/models"
	"github.com/mmdatafocus/gstrecon_backend/models/reports"
	"github.com/mmdatafocus/gstrecon_backend/narrative"
	"github.com/mmdatafocus/gstrecon_backend/reconcile"
	"github.com/mmdatafocus/gstrecon_backend/workflow"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var connectTimeout time.Duration
	root := &cobra.Command{
		Use:           "gstrecon",
		Short:         "GST invoice reconciliation jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().DurationVar(&connectTimeout, "connect-timeout", time.Minute, "give up connecting to MySQL after this long")

	connect := func(cmd *cobra.Command) (*gorm.DB, error) {
		ctx, cancel := context.WithTimeout(cmd.Context(), connectTimeout)
		defer cancel()
		return config.ConnectDatabaseWithRetry(ctx)
	}

	root.AddCommand(
		newMigrateCommand(connect),
		newIngestCommand(connect),
		newReconcileCommand(connect),
		newExportCommand(connect),
	)
	return root
}

type connectFunc func(cmd *cobra.Command) (*gorm.DB, error)

func openStore(cmd *cobra.Command, connect connectFunc) (*models.Store, error) {
	db, err := connect(cmd)
	if err != nil {
		return nil, err
	}
	return models.NewStore(db), nil
}

func newMigrateCommand(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the reconciliation tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect(cmd)
			if err != nil {
				return err
			}
			if err := models.MigrateTable(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newIngestCommand(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file.csv|file.xlsx>",
		Short: "Store a GSTR invoice file without running reconciliation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			batch, err := ingest.Parse(args[0], f)
			if err != nil {
				return err
			}
			store, err := openStore(cmd, connect)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.SaveInvoices(cmd.Context(), batch.Rows); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %d rows from %s\n", len(batch.Rows), args[0])
			return nil
		},
	}
}

func newReconcileCommand(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and print its summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := config.LoadSettings()
			logger := config.GetLogger()
			store, err := openStore(cmd, connect)
			if err != nil {
				return err
			}
			defer store.Close()

			detector := reconcile.NewDetector(reconcile.CycleLimits{
				MaxCycles:   settings.CycleMaxCount,
				MaxDuration: settings.CycleMaxDuration,
			}, logger)
			narrator := narrative.NewGenerator(
				narrative.NewGeminiGenerator(settings.GeminiAPIKey, settings.GeminiModel),
				settings.NarrativeTimeout,
				logger,
			)
			o := workflow.NewOrchestrator(store, detector, narrator, logger,
				workflow.WithConcurrency(settings.NarrativeConcurrency))

			summary := o.Run(cmd.Context(), workflow.TriggerCLI)
			logger.WithFields(logrus.Fields{"run_id": summary.RunID, "status": summary.Status}).Info("reconcile command finished")

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return err
			}
			if summary.Status == workflow.RunStatusFailed {
				return fmt.Errorf("reconciliation failed: %s", summary.Error)
			}
			return nil
		},
	}
}

func newExportCommand(connect connectFunc) *cobra.Command {
	var out, severity, status string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the audit trail to an xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := models.AuditFilter{Severity: severity}
			if status != "" {
				st, err := models.ParseAuditStatus(status)
				if err != nil {
					return err
				}
				filter.Status = string(st)
			}
			store, err := openStore(cmd, connect)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.ListAuditEntries(cmd.Context(), filter)
			if err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			resp := reports.BuildAuditTrail(entries)
			if err := reports.WriteAuditTrailExcel(f, resp); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d entries to %s\n", resp.Total, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "audit-trail.xlsx", "output file")
	cmd.Flags().StringVar(&severity, "severity", "", "only entries of this severity (high, medium, low)")
	cmd.Flags().StringVar(&status, "status", "", "only entries in this review status")
	return cmd
}
