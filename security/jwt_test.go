package security

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerflow.dev/ingest/apierr"
	"ledgerflow.dev/ingest/auth"
	"ledgerflow.dev/ingest/model"
)

const testSecret = "test-secret-key"

func protectedEcho() *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		status, envelope := apierr.ToEnvelope(err)
		_ = c.JSON(status, envelope)
	}
	g := e.Group("/api")
	g.Use(BearerMiddleware(testSecret))
	g.GET("/whoami", func(c echo.Context) error {
		owner, err := OwnerID(c)
		if err != nil {
			return err
		}
		return c.String(http.StatusOK, strconv.FormatInt(owner, 10))
	})
	return e
}

func TestBearerMiddleware_ValidToken(t *testing.T) {
	tokens := auth.NewTokenService(testSecret, time.Hour)
	token, err := tokens.GenerateToken(&model.User{ID: 42, Email: "a@example.com", Active: true})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	protectedEcho().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", rec.Body.String())
}

func TestBearerMiddleware_MissingToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	rec := httptest.NewRecorder()
	protectedEcho().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerMiddleware_WrongSigningKey(t *testing.T) {
	tokens := auth.NewTokenService("some-other-secret", time.Hour)
	token, err := tokens.GenerateToken(&model.User{ID: 42})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	protectedEcho().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOwnerID_WithoutMiddleware(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	_, err := OwnerID(c)
	require.Error(t, err)
}
