package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	domrepo "SettleGuard/internal/domain/repository"
	"SettleGuard/internal/usecase"
	xhttp "SettleGuard/pkg/http"
	xlogger "SettleGuard/pkg/logger"
	"SettleGuard/pkg/util"
)

const maxListingBytes = 1 << 20

// ListingEchoHandler serves the listing gate and the listing registry.
type ListingEchoHandler struct {
	logger    *xlogger.Logger
	validator *usecase.ListingValidator
	resolver  *usecase.SettlementResolver
}

func NewListingEchoHandler(logger *xlogger.Logger, validator *usecase.ListingValidator, resolver *usecase.SettlementResolver) *ListingEchoHandler {
	return &ListingEchoHandler{logger: logger, validator: validator, resolver: resolver}
}

func (h *ListingEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/listings")
	g.POST("/validate", h.Validate)
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
}

// Validate runs the listing gate. Rejections are results, so the status is 200.
func (h *ListingEchoHandler) Validate(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.SuccessResponse(c, h.validator.ValidateJSON(body))
}

func (h *ListingEchoHandler) Create(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return xhttp.AppErrorResponse(c, err)
	}

	res, rec, err := h.resolver.SaveListing(c.Request().Context(), body)
	if err != nil {
		h.logger.Error("listing save error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("listing registry unavailable").WithError(err))
	}
	if !res.Valid {
		return xhttp.BadRequestResponse(c, res)
	}
	return xhttp.CreatedResponse(c, map[string]interface{}{
		"listing":    rec,
		"validation": res,
	})
}

func (h *ListingEchoHandler) Get(c echo.Context) error {
	id := c.Param("id")
	rec, err := h.resolver.Listing(c.Request().Context(), id)
	if errors.Is(err, domrepo.ErrListingNotFound) {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("listing %s not found", id))
	}
	if err != nil {
		h.logger.Error("listing get error", xlogger.String("market_id", id), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("listing registry unavailable").WithError(err))
	}
	return xhttp.SuccessResponse(c, rec)
}

func (h *ListingEchoHandler) List(c echo.Context) error {
	limit := util.ClampInt(util.ParseIntDefault(c.QueryParam("limit"), 50), 1, 500)
	rows, err := h.resolver.Listings(c.Request().Context(), limit)
	if err != nil {
		h.logger.Error("listing list error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("listing registry unavailable").WithError(err))
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxListingBytes+1))
	if err != nil {
		return nil, xhttp.BadRequestErrorf("read body: %v", err)
	}
	if len(body) > maxListingBytes {
		return nil, xhttp.NewAppError("ERR_TOO_LARGE", "", "request body too large", http.StatusRequestEntityTooLarge)
	}
	return body, nil
}
