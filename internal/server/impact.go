package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rish2jain/youcom-sub007/config"
	"github.com/rish2jain/youcom-sub007/internal/breaker"
	"github.com/rish2jain/youcom-sub007/internal/cache"
	"github.com/rish2jain/youcom-sub007/internal/engine"
	"github.com/rish2jain/youcom-sub007/internal/events"
)

var impactTracer = otel.Tracer("impact/internal/server")

// keepAliveInterval paces SSE comment frames so idle proxies keep the
// connection open.
const keepAliveInterval = 15 * time.Second

// Engine is the orchestrator surface the handlers need.
type Engine interface {
	Run(ctx context.Context, req engine.Request) (*engine.ImpactCard, error)
	Status(requestID string) (engine.RequestStatus, bool)
	BreakerSnapshots() []breaker.Snapshot
	CacheStats() cache.Stats
}

// ImpactHandler serves impact card requests and engine introspection.
type ImpactHandler struct {
	engine Engine
	broker *events.Broker
	cfg    *config.Config
	logger *log.Logger
}

func NewImpactHandler(eng Engine, broker *events.Broker, cfg *config.Config, logger *log.Logger) *ImpactHandler {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	return &ImpactHandler{engine: eng, broker: broker, cfg: cfg, logger: logger}
}

func (h *ImpactHandler) Register(g *echo.Group) {
	g.POST("/impact", h.create)
	g.GET("/impact/:request_id", h.status)
	if h.cfg == nil || h.cfg.Server.StreamEnabled {
		g.GET("/impact/stream", h.stream)
	}
	g.GET("/breakers", h.breakers)
	g.GET("/cache/stats", h.cacheStats)
}

// create runs one impact card request to completion.
//
//	@Summary	Build an impact card
//	@Tags		impact
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		ImpactRequest	true	"Entity to assess"
//	@Success	200		{object}	engine.ImpactCard
//	@Failure	400		{object}	HTTPError
//	@Failure	502		{object}	HTTPError
//	@Router		/api/impact [post]
func (h *ImpactHandler) create(c echo.Context) error {
	ctx, span := impactTracer.Start(c.Request().Context(), "ImpactHandler.create")
	defer span.End()

	var req ImpactRequest
	if err := c.Bind(&req); err != nil {
		span.SetStatus(codes.Error, "bad payload")
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	span.SetAttributes(attribute.String("entity", req.Entity))

	card, err := h.engine.Run(ctx, req.toEngine())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var perr *engine.PlanningError
		if errors.As(err, &perr) {
			return echo.NewHTTPError(http.StatusBadRequest, perr.Error())
		}
		var agg *engine.AggregationFailure
		if errors.As(err, &agg) {
			return echo.NewHTTPError(http.StatusBadGateway, agg.Error())
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "request abandoned before admission")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	span.SetAttributes(attribute.String("request_id", card.RequestID))
	span.SetStatus(codes.Ok, "completed")
	return c.JSON(http.StatusOK, card)
}

// status returns the registry snapshot for a request.
//
//	@Summary	Request status
//	@Tags		impact
//	@Param		request_id	path	string	true	"Request ID"
//	@Produce	json
//	@Success	200	{object}	engine.RequestStatus
//	@Failure	404	{object}	HTTPError
//	@Router		/api/impact/{request_id} [get]
func (h *ImpactHandler) status(c echo.Context) error {
	requestID := c.Param("request_id")
	st, ok := h.engine.Status(requestID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown request id")
	}
	return c.JSON(http.StatusOK, st)
}

// stream pushes progress events over SSE, optionally filtered to one request.
//
//	@Summary	Progress event stream
//	@Tags		impact
//	@Param		request_id	query	string	false	"Only this request's events"
//	@Produce	text/event-stream
//	@Success	200	{string}	string
//	@Failure	503	{object}	HTTPError
//	@Router		/api/impact/stream [get]
func (h *ImpactHandler) stream(c echo.Context) error {
	if h.broker == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream disabled")
	}
	ctx := c.Request().Context()
	requestID := strings.TrimSpace(c.QueryParam("request_id"))

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}
	flusher.Flush()

	sub := h.broker.Subscribe(requestID)
	defer sub.Close()

	send := func(ev events.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := resp.Write([]byte("event: progress\n")); err != nil {
			return err
		}
		if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, open := <-sub.C:
			if !open {
				return nil
			}
			if err := send(ev); err != nil {
				h.logger.Printf("stream write failed: %v", err)
				return nil
			}
			// A terminal event ends a filtered stream; unfiltered streams
			// keep following other requests.
			if requestID != "" && ev.Terminal() {
				return nil
			}
		case <-keepAlive.C:
			if _, err := resp.Write([]byte(": keep-alive\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

// breakers reports every source breaker.
//
//	@Summary	Breaker states
//	@Tags		introspection
//	@Produce	json
//	@Success	200	{object}	BreakersResponse
//	@Router		/api/breakers [get]
func (h *ImpactHandler) breakers(c echo.Context) error {
	return c.JSON(http.StatusOK, BreakersResponse{Breakers: h.engine.BreakerSnapshots()})
}

// cacheStats reports cache counters and the active policy table.
//
//	@Summary	Cache statistics
//	@Tags		introspection
//	@Produce	json
//	@Success	200	{object}	CacheStatsResponse
//	@Router		/api/cache/stats [get]
func (h *ImpactHandler) cacheStats(c echo.Context) error {
	resp := CacheStatsResponse{
		Stats:    h.engine.CacheStats(),
		Policies: map[string]CachePolicyView{},
	}
	if h.cfg != nil {
		resp.Policies[string(engine.SourceNews)] = CachePolicyView{TTL: h.cfg.Cache.TTL.News, StaleFor: h.cfg.Cache.StaleFor.News}
		resp.Policies[string(engine.SourceSearch)] = CachePolicyView{TTL: h.cfg.Cache.TTL.Search, StaleFor: h.cfg.Cache.StaleFor.Search}
		resp.Policies[string(engine.SourceAnalysis)] = CachePolicyView{TTL: h.cfg.Cache.TTL.Analysis, StaleFor: h.cfg.Cache.StaleFor.Analysis}
		resp.Policies[string(engine.SourceResearch)] = CachePolicyView{TTL: h.cfg.Cache.TTL.Research, StaleFor: h.cfg.Cache.StaleFor.Research}
	}
	return c.JSON(http.StatusOK, resp)
}
