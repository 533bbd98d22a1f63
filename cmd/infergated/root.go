package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/infergate/gateway/internal/auth"
	"github.com/infergate/gateway/internal/backend"
	"github.com/infergate/gateway/internal/config"
	"github.com/infergate/gateway/internal/gateway"
	"github.com/infergate/gateway/internal/hub"
	"github.com/infergate/gateway/internal/store"
)

const shutdownTimeout = 10 * time.Second

func newRootCmd() *cobra.Command {
	v := config.New()
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "infergated",
		Short:         "Websocket gateway in front of an inference backend",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML or TOML config file")
	flags.String("listen", ":8080", "address to listen on")
	flags.String("db", "infergate.db", "path to the session database")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	bindFlag(v, "listen_addr", rootCmd, "listen")
	bindFlag(v, "db_path", rootCmd, "db")
	bindFlag(v, "log.level", rootCmd, "log-level")

	return rootCmd
}

func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, name string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", name, err))
	}
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	lvl, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(ctx context.Context, cfg *config.Config) error {
	slog.SetDefault(newLogger(os.Stderr, cfg))

	issuerKey, err := cfg.IssuerKey()
	if err != nil {
		return err
	}
	authn, err := auth.NewTokenAuthenticator(issuerKey)
	if err != nil {
		return err
	}
	sealKey, err := cfg.SealKey()
	if err != nil {
		return err
	}

	db, err := store.OpenDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	sessions, err := store.NewSessions(db, sealKey)
	if err != nil {
		return fmt.Errorf("init session store: %w", err)
	}
	go sessions.RunSweeper(ctx, cfg.Session.SweepInterval)

	dispatcher, err := backend.New(cfg.Backend.Kind, backend.OpenAIConfig{
		BaseURL:    cfg.Backend.BaseURL,
		APIKey:     cfg.Backend.APIKey,
		Model:      cfg.Backend.Model,
		MaxTokens:  cfg.Backend.MaxTokens,
		MaxRetries: cfg.Backend.MaxRetries,
	}, cfg.Backend.MaxConcurrent, cfg.Backend.Timeout)
	if err != nil {
		return fmt.Errorf("init backend: %w", err)
	}

	clients := hub.NewHub()
	g := gateway.New(gateway.Config{
		SessionTTL:        cfg.Session.TTL,
		WriteTimeout:      cfg.WS.WriteTimeout,
		HeartbeatInterval: cfg.WS.HeartbeatInterval,
	}, authn, sessions, clients, dispatcher)

	connCtx, stopConns := context.WithCancel(ctx)
	defer stopConns()

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: gateway.NewHandler(connCtx, g, clients, gateway.HandlerConfig{
			ReadLimit:      cfg.WS.ReadLimit,
			AllowedOrigins: cfg.WS.AllowedOrigins,
			AdmissionRate:  rate.Limit(cfg.Admission.Rate),
			AdmissionBurst: cfg.Admission.Burst,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("gateway starting",
			"addr", cfg.ListenAddr,
			"backend", cfg.Backend.Kind,
			"sealed_sessions", sealKey != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	// Hijacked websocket connections are not tracked by srv.Shutdown.
	// Cancelling their context ends the pumps; the gateway then waits for
	// every teardown before the session DB is closed.
	stopConns()
	clients.CloseAll()
	if err := g.Shutdown(shutdownCtx); err != nil {
		slog.Error("connections did not drain", "error", err)
	}

	slog.Info("gateway stopped", "sessions_left", sessions.Count())
	return runErr
}
