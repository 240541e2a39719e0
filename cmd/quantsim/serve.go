package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quantsim/internal/api"
	"github.com/samcharles93/quantsim/internal/logger"
	"github.com/samcharles93/quantsim/internal/plan"
	"github.com/samcharles93/quantsim/internal/session"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		sessionTTL  time.Duration
		planPath    string
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the fake-quantization HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.DurationFlag{
				Name:        "session-ttl",
				Usage:       "drop sessions idle for longer than this (0 = never)",
				Value:       time.Hour,
				Destination: &sessionTTL,
			},
			&cli.StringFlag{
				Name:        "plan",
				Usage:       "plan .yaml to open as a session at startup",
				Destination: &planPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, LoadConfig(), &addr, &sessionTTL, &planPath)

			sessions := session.NewRegistry(log)
			if planPath != "" {
				p, err := plan.Load(planPath)
				if err != nil {
					return err
				}
				entry, err := sessions.Create(p)
				if err != nil {
					return err
				}
				log.Info("plan session ready", "plan", planPath, "session", entry.ID)
			}
			if sessionTTL > 0 {
				go expireSessions(ctx, sessions, sessionTTL)
			}

			server := api.NewServer(sessions, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

// expireSessions sweeps idle sessions until ctx is done.
func expireSessions(ctx context.Context, sessions *session.Registry, ttl time.Duration) {
	ticker := time.NewTicker(max(ttl/4, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions.Expire(ttl)
		}
	}
}
