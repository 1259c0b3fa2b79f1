package api

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"

	"SettleGuard/internal/domain/models"
	domrepo "SettleGuard/internal/domain/repository"
	"SettleGuard/internal/usecase"
	xhttp "SettleGuard/pkg/http"
	xlogger "SettleGuard/pkg/logger"
	"SettleGuard/pkg/util"
)

const defaultHistoryWindow = 30 * 24 * time.Hour

// OracleEchoHandler serves ad-hoc aggregation and market resolution.
type OracleEchoHandler struct {
	logger     *xlogger.Logger
	aggregator *usecase.OracleAggregator
	sources    domrepo.SourceResolver
	resolver   *usecase.SettlementResolver
	limit      echo.MiddlewareFunc
}

// NewOracleEchoHandler creates the handler. limit guards the routes that fan
// out to quote sources and may be nil.
func NewOracleEchoHandler(
	logger *xlogger.Logger,
	aggregator *usecase.OracleAggregator,
	sources domrepo.SourceResolver,
	resolver *usecase.SettlementResolver,
	limit echo.MiddlewareFunc,
) *OracleEchoHandler {
	return &OracleEchoHandler{logger: logger, aggregator: aggregator, sources: sources, resolver: resolver, limit: limit}
}

func (h *OracleEchoHandler) RegisterRoutes(e *echo.Echo) {
	var guarded []echo.MiddlewareFunc
	if h.limit != nil {
		guarded = append(guarded, h.limit)
	}

	e.POST("/api/oracle/aggregate", h.Aggregate, guarded...)

	m := e.Group("/api/markets/:id")
	m.POST("/resolve", h.Resolve, guarded...)
	m.GET("/settlement", h.Latest)
	m.GET("/settlements", h.History)
}

// Aggregate answers 200 even when ok is false: a missed quorum is a result.
func (h *OracleEchoHandler) Aggregate(c echo.Context) error {
	req := &models.AggregateRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	srcs := h.sources.ForSpec(models.SettlementSpec{MetricName: req.Metric, DataSources: req.Sources})
	resp := h.aggregator.Aggregate(c.Request().Context(), srcs, req.Metric,
		models.OracleAggregationPolicy{MinSources: req.MinSources})
	return xhttp.SuccessResponse(c, resp)
}

func (h *OracleEchoHandler) Resolve(c echo.Context) error {
	req := &models.ResolveRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	// the path wins over a marketId in the body
	req.MarketID = c.Param("id")

	out, err := h.resolver.Resolve(c.Request().Context(), req.MarketID, req.MinSources)
	if errors.Is(err, domrepo.ErrListingNotFound) {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("market %s is not listed", req.MarketID))
	}
	if err != nil {
		h.logger.Error("resolve usecase error", xlogger.String("market_id", req.MarketID), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("listing registry unavailable").WithError(err))
	}
	return xhttp.SuccessResponse(c, out)
}

func (h *OracleEchoHandler) Latest(c echo.Context) error {
	id := c.Param("id")
	out, err := h.resolver.Latest(c.Request().Context(), id)
	if errors.Is(err, domrepo.ErrOutcomeNotFound) {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no settlement recorded for market %s", id))
	}
	if err != nil {
		h.logger.Error("latest settlement error", xlogger.String("market_id", id), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("settlement cache unavailable").WithError(err))
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=15")
	return xhttp.SuccessResponse(c, out)
}

// History lists audited outcomes; from/to accept RFC3339 or unix time and
// default to the last 30 days.
func (h *OracleEchoHandler) History(c echo.Context) error {
	id := c.Param("id")
	to := util.ParseTimeDefault(c.QueryParam("to"), time.Now().UTC())
	from := util.ParseTimeDefault(c.QueryParam("from"), to.Add(-defaultHistoryWindow))
	if from.After(to) {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("from must not be after to"))
	}
	limit := util.ClampInt(util.ParseIntDefault(c.QueryParam("limit"), 100), 1, 1000)

	rows, err := h.resolver.History(c.Request().Context(), id, from, to, limit)
	if err != nil {
		h.logger.Error("settlement history error", xlogger.String("market_id", id), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("audit store unavailable").WithError(err))
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}
