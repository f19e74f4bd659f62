package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"raidline/internal/app"
	"raidline/internal/engine"
	"raidline/internal/events"
	"raidline/internal/observability"
	"raidline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var console bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, heartbeat sweeper and event relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := viper.GetString("log-level")
			if level == "" {
				level = "info"
			}
			logger := observability.InitLogger("raidline", console, level)
			ctx := cmd.Context()

			inst, err := app.Open(ctx, viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer inst.Close()
			e := inst.Engine
			logger = e.Logger

			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Logger: logger}
			if authCfg.JWTSecret == "" {
				logger.Warn().Msg("RAIDLINE_JWT_SECRET not set; identity comes from the " + server.AgentHeader + " header alone")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: logger, Metrics: true})
			if err != nil {
				return err
			}

			sweeper := engine.Sweeper{Engine: e, Interval: inst.Config.Heartbeat.SweepInterval, Logger: logger}
			go sweeper.Run(ctx)

			var publisher server.Publisher
			if redisAddr := inst.Config.Bus.RedisAddr; redisAddr != "" {
				bus, err := events.NewBus(&redis.Options{
					Addr:     redisAddr,
					Password: inst.Config.Bus.RedisPassword,
					DB:       inst.Config.Bus.RedisDB,
				}, inst.Config.Instance)
				if err != nil {
					return err
				}
				defer bus.Close()
				if err := bus.Ping(ctx); err != nil {
					return fmt.Errorf("event bus %s: %w", redisAddr, err)
				}
				publisher = bus
				logger.Info().Str("channel", events.ChannelName(inst.Config.Instance)).Msg("publishing events to redis")
			}
			if relay := server.NewRelay(e, publisher, logger); relay != nil {
				go relay.Run(ctx)
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving raidline API (OpenAPI at /openapi.json, docs at /docs, metrics at /metrics)")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&console, "console", false, "human-readable logs instead of JSON")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the API",
		Long:  "Tokens are signed with RAIDLINE_JWT_SECRET. A token with a subject binds the caller to that agent name.",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.IssueToken(viper.GetString("jwt-secret"), subject)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "agent the token is bound to")
	return cmd
}
