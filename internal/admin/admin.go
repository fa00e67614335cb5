// Package admin exposes the operational HTTP surface: liveness and prometheus
// metrics. It lives on its own listener so the data plane never shares a port
// with operator traffic.
package admin

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/aidarkhanov/nanoid"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Server wraps the echo admin listener.
type Server struct {
	e    *echo.Echo
	log  *zap.SugaredLogger
	addr string
}

// New builds the admin listener with /ping and /metrics registered.
func New(addr string, log *zap.SugaredLogger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(newTrackMiddleware(log))
	e.Use(newRecoverMiddleware(log))

	e.GET("/ping", func(c echo.Context) error {
		return c.String(200, "")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return &Server{e: e, log: log, addr: addr}
}

// Start serves in a background goroutine until Shutdown.
func (s *Server) Start() {
	go func() {
		if err := s.e.Start(s.addr); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("admin listener stopped", "error", err)
		}
	}()
}

// Addr returns the bound listen address once Start has taken effect, nil
// before that.
func (s *Server) Addr() net.Addr {
	return s.e.ListenerAddr()
}

// Shutdown drains in-flight admin requests.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.e.Shutdown(ctx); err != nil {
		s.log.Warnw("admin shutdown", "error", err)
	}
}

func newTrackMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID, _ := nanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 12)
			start := time.Now()
			err := next(c)
			log.Infow("admin request",
				"request_id", "adm_"+reqID,
				"path", c.Path(),
				"status_code", c.Response().Status,
				"duration", time.Since(start).String())
			return err
		}
	}
}

func newRecoverMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return emw.RecoverWithConfig(emw.RecoverConfig{
		StackSize: 1 << 10, // 1 KB
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			defer func() {
				_ = log.Sync()
			}()
			log.Errorw("admin panic", "error", err.Error())
			return c.String(500, "internal server error")
		},
	})
}
