package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type errorBody struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    []struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Params  map[string]interface{} `json:"params"`
	} `json:"data"`
}

func serveError(t *testing.T, err error) (*httptest.ResponseRecorder, errorBody) {
	t.Helper()
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	require.NoError(t, AppErrorResponse(c, err))

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestAppErrorResponseUsesAppErrorStatus(t *testing.T) {
	rec, body := serveError(t, NotFoundErrorf("market %s is not listed", "m-1").WithParam("marketId", "m-1"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, http.StatusNotFound, body.Status)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "ERR_NOT_FOUND", body.Data[0].Code)
	assert.Equal(t, "market m-1 is not listed", body.Data[0].Message)
	assert.Equal(t, "m-1", body.Data[0].Params["marketId"])
}

func TestAppErrorResponseHidesPlainErrors(t *testing.T) {
	rec, body := serveError(t, errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "ERR_INTERNAL", body.Data[0].Code)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestAppErrorResponseUnwrapsWrappedAppError(t *testing.T) {
	rec, body := serveError(t, errors.Join(errors.New("context"), UnavailableError("audit store unavailable")))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "ERR_UNAVAILABLE", body.Data[0].Code)
}

func TestTooManyRequestsResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	require.NoError(t, TooManyRequestsResponse(c, []*AppError{TooManyRequestsError("slow down")}))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR_RATE_LIMITED")
}
