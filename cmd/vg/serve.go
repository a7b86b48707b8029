package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"venturegate/internal/engine"
	"venturegate/internal/engine/auth"
	"venturegate/internal/notify"
	"venturegate/internal/policy"
	"venturegate/internal/server"
	"venturegate/internal/telemetry"
)

var version = "dev"

func serveCmd() *cobra.Command {
	var basePath string
	var workers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, webhooks and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := slog.Default()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if basePath != "" {
				cfg.Service.BasePath = basePath
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("VENTUREGATE_JWT_SECRET is required for bearer auth")
			}

			shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Options{
				Enabled:     cfg.Telemetry.Enabled,
				ServiceName: cfg.Telemetry.ServiceName,
				Version:     version,
			})
			if err != nil {
				return err
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTelemetry(flushCtx); err != nil {
					logger.Warn("telemetry shutdown failed", "err", err)
				}
			}()

			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			e := engine.New(conn, cfg)
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				e.Audit.Close(closeCtx)
			}()

			if addr := cfg.Notifications.Redis.Addr; addr != "" {
				client, err := notify.OpenRedis(ctx, addr)
				if err != nil {
					return fmt.Errorf("redis %s: %w", addr, err)
				}
				defer client.Close()
				e.Notifier.Redis = client
				e.Notifier.RedisChannel = cfg.Notifications.Redis.Channel
			}

			if err := loadPolicyFile(ctx, e, policyPath(cfg)); err != nil {
				return err
			}
			if _, err := e.ActivePolicy(ctx); err != nil {
				return err
			}

			handler, err := server.New(server.Config{
				Engine:       e,
				BasePath:     cfg.Service.BasePath,
				Auth:         server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret, WebhookToken: cfg.Webhook.Token, Logger: logger},
				MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Service.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("serving venturegate API", "addr", cfg.Service.Addr, "base_path", cfg.Service.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				return e.RunSweeper(gctx, cfg.Approvals.SweepInterval)
			})
			if e.Resume == nil {
				logger.Warn("resume url not configured; approval decisions stay pending delivery")
			}
			wait := e.StartResumeWorker(gctx, workers)
			if n, err := e.RedrivePending(gctx); err != nil {
				logger.Warn("resume redrive failed", "err", err)
			} else if n > 0 {
				logger.Info("resume deliveries queued", "count", n)
			}
			g.Go(func() error {
				<-gctx.Done()
				wait()
				return nil
			})
			g.Go(func() error {
				return server.NewEscalationDispatcher(e).Run(gctx)
			})
			if cfg.Policy.Watch && cfg.Policy.File != "" {
				path := policyPath(cfg)
				if err := policy.Watch(gctx, path, logger, func(ctx context.Context, doc policy.Document) error {
					p, created, err := e.ImportPolicy(ctx, doc, "file:"+path, auth.System())
					if err == nil && created {
						logger.Info("gate policy reloaded", "version", p.Version, "hash", p.Hash)
					}
					return err
				}); err != nil {
					logger.Warn("policy watch disabled", "path", path, "err", err)
				}
			}
			return g.Wait()
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides service.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides service.base_path)")
	cmd.Flags().IntVar(&workers, "resume-workers", 2, "concurrent resume deliveries")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	return cmd
}

// loadPolicyFile imports the configured policy file when it exists. A missing file keeps
// the stored policy.
func loadPolicyFile(ctx context.Context, e engine.Engine, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	doc, err := policy.FromFile(path)
	if err != nil {
		return fmt.Errorf("policy %s: %w", path, err)
	}
	_, _, err = e.ImportPolicy(ctx, doc, "file:"+path, auth.System())
	return err
}
