// Package server assembles the HTTP server: the echo instance, the API
// routes, and the background refresh runner.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/hdmeal/hdmeal/ingest"
	"github.com/hdmeal/hdmeal/internal/profile"
	"github.com/hdmeal/hdmeal/server/auth"
	"github.com/hdmeal/hdmeal/server/chatbot"
	hdmiddleware "github.com/hdmeal/hdmeal/server/middleware"
	apiv1 "github.com/hdmeal/hdmeal/server/router/api/v1"
	"github.com/hdmeal/hdmeal/server/runner/refresh"
	"github.com/hdmeal/hdmeal/server/syncer"
	"github.com/hdmeal/hdmeal/store"
)

type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer *echo.Echo
	engine     *syncer.Engine
}

func NewServer(p *profile.Profile, st *store.Store) (*Server, error) {
	client := ingest.NewClient(0)
	neis := ingest.NewNEISConnector(client, p.NEISAPIKey, p.NEISOfficeCode, p.NEISSchoolCode)
	connectors := map[store.DataType]ingest.Connector{
		store.DataTypeMeal:             neis,
		store.DataTypeSchedule:         neis,
		store.DataTypeTimetable:        neis,
		store.DataTypeWeather:          ingest.NewKMAConnector(client, p.KMAAPIKey, p.KMAGridNX, p.KMAGridNY),
		store.DataTypeWaterTemperature: ingest.NewSeoulConnector(client, p.SeoulDataToken),
	}

	engine := syncer.NewEngine(st, p, connectors)
	signer := auth.NewSigner(p.JWTSecret)
	bot := chatbot.NewService(st, signer)

	echoServer := echo.New()
	echoServer.HideBanner = true
	echoServer.HidePort = true
	echoServer.Use(middleware.Recover())
	echoServer.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: p.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderContentType, apiv1.HeaderToken, apiv1.HeaderRequestID},
	}))
	echoServer.Use(requestLogger)

	echoServer.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "Service ready.")
	})

	// 10 requests per second with burst of 20 per client, matching what
	// the upstream providers tolerate when a request fans out.
	limiter := hdmiddleware.NewRateLimiter(time.Second/10, 20)
	apiv1.NewAPIV1Service(p, st, engine, bot, signer).RegisterRoutes(echoServer, limiter.Middleware)

	return &Server{
		Profile:    p,
		Store:      st,
		echoServer: echoServer,
		engine:     engine,
	}, nil
}

// Start launches the refresh runner and begins serving HTTP. It returns
// once the listener is bound or fails.
func (s *Server) Start(ctx context.Context) error {
	go refresh.NewRunner(s.engine, s.Profile.SyncInterval, s.Profile.WarmWindowDays).Run(ctx)

	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	go func() {
		if err := s.echoServer.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start http server", "error", err)
		}
	}()
	slog.Info("server started", "address", address, "mode", s.Profile.Mode)
	return nil
}

// Shutdown drains in-flight requests and closes the store.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shut down http server", "error", err)
	}
	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}
	slog.Info("server shut down")
}

func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		started := time.Now()
		err := next(c)
		slog.Info("request",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", c.Response().Status,
			"duration", time.Since(started),
		)
		return err
	}
}
