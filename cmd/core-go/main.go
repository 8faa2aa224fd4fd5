package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"accessgrid/core-go/internal/config"
	"accessgrid/core-go/internal/db"
	"accessgrid/core-go/internal/httpapi"
	"accessgrid/core-go/internal/secrets"
	"accessgrid/core-go/internal/syncworker"
	"accessgrid/core-go/migrations"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "core-go",
		Short:        "Router control loop for PPPoE access concentrators",
		Long:         "core-go polls MikroTik routers, tracks interface rates, raises incidents and keeps PPPoE secrets in sync with the database.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (env ACCESSGRID_* overrides)")

	load := func() (*config.Config, zerolog.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, zerolog.Nop(), err
		}
		return cfg, httpapi.NewLogger(cfg.LogLevel, cfg.LogFormat), nil
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			return serve(cfg, logger)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errNoDatabase
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			pool, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			applied, err := pool.Migrate(ctx, migrations.FS)
			if err != nil {
				return err
			}
			logger.Info().Strs("applied", applied).Int("count", len(applied)).Msg("migrations complete")
			return nil
		},
	}

	triggerCmd := &cobra.Command{
		Use:   "trigger <device-id> <test|reconcile|apply>",
		Short: "Run one pipeline pass for a device and print the report",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			trig, err := syncworker.ParseTrigger(args[1])
			if err != nil {
				return err
			}
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errNoDatabase
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.worker.ManualTrigger(ctx, args[0], trig)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}

	sealCmd := &cobra.Command{
		Use:   "seal",
		Short: "Encrypt a router or account password read from stdin for storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			box, err := secrets.NewBox(cfg.EncryptionKey)
			if err != nil {
				return err
			}
			if !box.Enabled() {
				return errors.New("encryption_key is not configured")
			}
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read secret: %w", err)
			}
			sealed, err := box.Seal(strings.TrimRight(line, "\r\n"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return err
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(serveCmd, migrateCmd, triggerCmd, sealCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	deps := httpapi.Deps{
		Incidents:      a.incidents,
		Metrics:        a.metrics,
		RequestTimeout: cfg.Manual.Timeout + 5*time.Second,
	}
	if a.pool != nil {
		deps.Pool = a.pool
		deps.Devices = a.pool.Queries()
	} else {
		logger.Warn().Msg("database_url not set, scheduler disabled and incidents kept in memory")
	}
	if a.worker != nil {
		deps.Worker = a.worker
		deps.Rates = a.worker.Rates()
		go a.worker.Run(ctx)
	}

	h := httpapi.NewHandler(logger, deps)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("version", version).Msg("core-go listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info().Msg("shutdown complete")
	return nil
}
