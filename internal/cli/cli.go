// Package cli wires the dispatch pipeline behind a cobra command tree:
// a long-running daemon plus one-shot commands for enqueueing, status
// inspection and compliance export.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkalnins/einvoice-dispatch/internal/audit"
	"github.com/mkalnins/einvoice-dispatch/internal/backend"
	"github.com/mkalnins/einvoice-dispatch/internal/common"
	"github.com/mkalnins/einvoice-dispatch/internal/credentials"
	"github.com/mkalnins/einvoice-dispatch/internal/dispatch"
	"github.com/mkalnins/einvoice-dispatch/internal/export"
	"github.com/mkalnins/einvoice-dispatch/internal/metrics"
	"github.com/mkalnins/einvoice-dispatch/internal/repository"
	"github.com/mkalnins/einvoice-dispatch/internal/worker"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dispatchd",
		Short: "Durable e-invoice delivery pipeline",
		Long: `dispatchd accepts UBL invoices into a durable job store and delivers
them through a configured backend with retries, an append-only audit
trail and compliance export.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildExportCommand())

	return rootCmd
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// env holds the shared pieces the one-shot commands and the daemon all
// need. Callers must invoke close when done.
type env struct {
	cfg    *common.Config
	db     *sql.DB
	jobs   repository.JobRepository
	audit  *audit.Logger
	logger *slog.Logger
}

func (e *env) close() {
	if e.audit != nil {
		_ = e.audit.Close()
	}
	if e.db != nil {
		repository.Close(e.db, e.logger)
	}
}

func openEnv(ctx context.Context, logger *slog.Logger) (*env, error) {
	cfg, err := common.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := repository.Open(ctx, repository.Config{Path: cfg.Store.Path}, logger)
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.Open(cfg.Audit.Path, logger)
	if err != nil {
		repository.Close(db, logger)
		return nil, err
	}
	return &env{
		cfg:    cfg,
		db:     db,
		jobs:   repository.NewJobRepository(db, logger),
		audit:  auditLog,
		logger: logger,
	}, nil
}

// buildBackend constructs the delivery client selected by the config.
// Secrets always come from the environment provider; the chain leaves
// room for further sources.
func buildBackend(cfg *common.Config, logger *slog.Logger) (backend.Client, error) {
	creds := credentials.Chain{&credentials.EnvProvider{}}
	switch cfg.Backend.Kind {
	case "simulated":
		return backend.NewSimulated(logger), nil
	case "accesspoint":
		return backend.NewAccessPoint(backend.AccessPointConfig{
			BaseURL:        cfg.Backend.BaseURL,
			TokenURL:       cfg.Backend.TokenURL,
			ClientID:       cfg.Backend.ClientID,
			RequestTimeout: cfg.Backend.RequestTimeout.Std(),
		}, creds, logger)
	case "govservice":
		return backend.NewGovService(backend.GovServiceConfig{
			BaseURL:        cfg.Backend.BaseURL,
			SenderEAddress: cfg.Backend.SenderEAddress,
			SenderTitle:    cfg.Backend.SenderTitle,
			RequestTimeout: cfg.Backend.RequestTimeout.Std(),
		}, creds, logger)
	}
	return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the delivery daemon",
		Long:  "Start the delivery worker and, if configured, the metrics endpoint. Blocks until SIGINT or SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	logger := newLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEnv(ctx, logger)
	if err != nil {
		return err
	}
	defer e.close()

	client, err := buildBackend(e.cfg, logger)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	var metricsSrv *http.Server
	if e.cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		metricsSrv = &http.Server{Addr: e.cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", e.cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	w := worker.New(e.jobs, client, e.audit, collector, worker.Config{
		MaxAttempts:   e.cfg.Worker.MaxAttempts,
		BaseBackoff:   e.cfg.Worker.BaseBackoff.Std(),
		MaxBackoff:    e.cfg.Worker.MaxBackoff.Std(),
		Concurrency:   e.cfg.Worker.Concurrency,
		PollInterval:  e.cfg.Worker.PollInterval.Std(),
		SubmitTimeout: e.cfg.Worker.SubmitTimeout.Std(),
		RatePerSecond: e.cfg.Worker.RatePerSecond,
	}, logger)

	logger.Info("dispatchd starting", "backend", e.cfg.Backend.Kind, "store", e.cfg.Store.Path)
	err = w.Run(ctx)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	logger.Info("dispatchd stopped")
	return err
}

func buildEnqueueCommand() *cobra.Command {
	var sender, receiver, profile string

	cmd := &cobra.Command{
		Use:   "enqueue [files...]",
		Short: "Enqueue UBL invoice files for delivery",
		Long:  "Read one or more UBL invoice XML files and create delivery jobs. Duplicate content is deduplicated against active jobs.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			e, err := openEnv(ctx, logger)
			if err != nil {
				return err
			}
			defer e.close()

			svc := dispatch.NewService(e.jobs, e.audit, nil, logger)
			results, err := svc.Enqueue(ctx, args, sender, receiver, profile)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tJOB ID\tDEDUPLICATED")
			for _, r := range results {
				fmt.Fprintf(tw, "%s\t%s\t%v\n", r.SourcePath, r.JobID, r.Deduplicated)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&sender, "sender", "", "sender identifier (e.g. Peppol participant id)")
	cmd.Flags().StringVar(&receiver, "receiver", "", "receiver identifier")
	cmd.Flags().StringVar(&profile, "profile", "peppol-bis-3", "delivery profile")
	_ = cmd.MarkFlagRequired("sender")
	_ = cmd.MarkFlagRequired("receiver")

	return cmd
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List delivery jobs and their states",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			e, err := openEnv(ctx, logger)
			if err != nil {
				return err
			}
			defer e.close()

			svc := dispatch.NewService(e.jobs, e.audit, nil, logger)
			jobs, err := svc.ListStatus(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB ID\tSTATE\tATTEMPTS\tRECEIVER\tTRANSMISSION ID\tLAST ERROR")
			active := 0
			for _, j := range jobs {
				if !j.State.Terminal() {
					active++
				}
				lastErr := j.LastError
				if len(lastErr) > 60 {
					lastErr = lastErr[:60] + "..."
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
					j.ID, j.State, j.AttemptCount, j.Receiver, j.TransmissionID, lastErr)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d jobs, %d active\n", len(jobs), active)
			return nil
		},
	}
}

func buildExportCommand() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export jobs and the audit trail to an XLSX workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			e, err := openEnv(ctx, logger)
			if err != nil {
				return err
			}
			defer e.close()

			svc := export.NewService(e.jobs, e.cfg.Audit.Path, logger)
			data, err := svc.ExportXLSX(ctx)
			if err != nil {
				return err
			}
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", outPath, len(data))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "dispatch-export.xlsx", "output file path")
	return cmd
}
