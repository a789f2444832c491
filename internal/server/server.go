package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/rish2jain/youcom-sub007/config"
	"github.com/rish2jain/youcom-sub007/internal/engine"
	"github.com/rish2jain/youcom-sub007/internal/events"
	"github.com/rish2jain/youcom-sub007/internal/telemetry"
)

// shutdownTimeout bounds the drain of in-flight requests after SIGTERM.
const shutdownTimeout = 10 * time.Second

// Run wires the engine from cfg and serves the HTTP API until SIGINT or
// SIGTERM, then drains in-flight requests.
func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shared dependencies (top-level DI). Redis only dials when something
	// needs it: the cache backend or the durable event stream.
	var rdb *redis.Client
	if cfg.Cache.Backend == "redis" || cfg.Events.RedisEnabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Storage.Redis.Timeout)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
		defer func() { _ = rdb.Close() }()
	}

	tele := telemetry.New(cfg.Telemetry)
	defer tele.Shutdown()

	broker := events.NewBroker(cfg.Events.SubscriberBuffer)
	defer broker.Close()
	sinks := []events.Sink{broker}
	if cfg.Events.RedisEnabled {
		streamSink := events.NewStreamSink(rdb, cfg.Events.Stream, 0, nil,
			events.WithMaxLenApprox(cfg.Events.MaxLen))
		defer streamSink.Close()
		sinks = append(sinks, streamSink)
	}
	emitter := events.NewEmitter(sinks...)

	engineLogger := log.New(log.Writer(), "[ENGINE] ", log.LstdFlags)
	eng, err := engine.New(cfg, engineLogger, tele, emitter, rdb)
	if err != nil {
		return err
	}

	api := e.Group("/api")
	NewImpactHandler(eng, broker, cfg, baseLogger).Register(api)

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":10010"
	}
	log.Printf("listening on %s", addr)

	errCh := make(chan error, 1)
	go func() { errCh <- e.Start(addr) }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("shutting down")
	// Closing the broker ends SSE handlers so Shutdown can drain connections.
	broker.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
