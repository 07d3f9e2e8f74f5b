package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	jwttoken "fhir-gateway/internal/jwt_token"
	"fhir-gateway/internal/platform/config"
	"fhir-gateway/internal/platform/httpserver"
	"fhir-gateway/internal/platform/logger"
	"fhir-gateway/internal/platform/postgres"
)

// main wires the CLI. Business logic lives in internal/resource; this
// package only assembles dependencies and owns the process lifecycle.
func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "fhir-gateway",
		Short:        "Versioned FHIR resource server",
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the FHIR REST API (default)",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the resource schema to the configured database",
			RunE:  runMigrate,
		},
		newTokenCmd(),
	)
	return root
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		log.Error("failed to start", "error", err)
		return err
	}
	defer a.Close()

	srv := httpserver.New(cfg.Server.Addr, a.router)

	// Events keep flowing until the server has drained its last request.
	eventsCtx, stopEvents := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stopEvents()
		return httpserver.Run(gctx, srv, cfg.Server.ShutdownGrace, log)
	})
	g.Go(func() error {
		if err := a.events.Run(eventsCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", "error", err)
		return err
	}
	log.Info("server stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel)
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL is required to migrate")
	}

	db, err := postgres.Open(cmd.Context(), cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := postgres.Migrate(cmd.Context(), db); err != nil {
		return err
	}
	log.Info("schema migrated")
	return nil
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		scope   string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the configured key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSigningKey == "" {
				return errors.New("JWT_SIGNING_KEY is required to mint tokens")
			}
			token, err := newTokenService(cfg).GenerateAccessToken(subject, scope, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (client id)")
	cmd.Flags().StringVar(&scope, "scope", "system/*.*", "SMART scope claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

const tokenIssuer = "fhir-gateway"

func newTokenService(cfg config.Config) *jwttoken.JWTService {
	return jwttoken.NewJWTService(cfg.Server.JWTSigningKey, tokenIssuer, cfg.Server.BaseURL)
}
