package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/api"
	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/execution"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/logger"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/observability"
)

const shutdownGrace = 15 * time.Second

func (s *runtimeState) newServeCommand() *cobra.Command {
	var listen, recovery string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run funded executions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen == "" {
				listen = s.settings.ListenAddr
			}
			if recovery == "" {
				recovery = s.settings.RecoveryPolicy
			}
			policy, err := execution.ParseRecoveryPolicy(recovery)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s.metrics = observability.NewMetrics()
			svc, err := s.ensureService(ctx)
			if err != nil {
				return err
			}
			return s.serve(ctx, cmd, svc, listen, policy)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from config)")
	cmd.Flags().StringVar(&recovery, "recovery", "", "Policy for executions interrupted by a restart (compensate|manual|none)")
	return cmd
}

func (s *runtimeState) serve(ctx context.Context, cmd *cobra.Command, svc *execution.Service, listen string, policy execution.RecoveryPolicy) error {
	log := logger.Named("serve")

	report, err := svc.Recover(ctx, policy)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "recover interrupted executions", err)
	}
	log.Info("recovery finished",
		slog.String("policy", string(policy)),
		slog.Int("compensated", len(report.Compensated)),
		slog.Int("flagged", len(report.Flagged)),
		slog.Int("pending", len(report.Pending)),
	)

	handler := api.New(api.Config{
		Service: svc,
		Tools:   s.catalog,
		Assets:  s.assets,
		Metrics: s.metrics,
	}).Handler()
	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return clierr.Wrap(clierr.CodeUsage, "listen on "+listen, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()
	log.Info("api listening",
		slog.String("addr", lis.Addr().String()),
		slog.String("operator", svc.Operator()),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return clierr.Wrap(clierr.CodeUnavailable, "api server", err)
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", slog.String("error", err.Error()))
	}
	// Running sagas are not cancellable; wait for them so no execution is
	// left mid-step by a clean shutdown.
	svc.Wait()
	log.Info("stopped")
	return s.emitSuccess(trimRootPath(cmd.CommandPath()), report, nil)
}
