// Package security wires bearer-token validation into the HTTP layer and
// resolves the acting user for each request.
package security

import (
	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"ledgerflow.dev/ingest/apierr"
	"ledgerflow.dev/ingest/auth"
)

// contextKey is the echo context key the JWT middleware stores the parsed
// token under.
const contextKey = "user"

// BearerMiddleware returns the echo middleware that validates the
// Authorization bearer token and parses its claims. Requests without a
// valid token never reach a handler.
func BearerMiddleware(secret string) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:  []byte(secret),
		ContextKey:  contextKey,
		TokenLookup: "header:Authorization:Bearer ",
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return &auth.Claims{}
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return apierr.New(apierr.Unauthenticated, "missing or invalid bearer token")
		},
	})
}

// OwnerID extracts the acting user's id from the validated token on c.
// It fails with Unauthenticated if the middleware did not run or the
// subject is not a user id.
func OwnerID(c echo.Context) (int64, error) {
	token, ok := c.Get(contextKey).(*jwt.Token)
	if !ok {
		return 0, apierr.New(apierr.Unauthenticated, "missing or invalid bearer token")
	}
	claims, ok := token.Claims.(*auth.Claims)
	if !ok {
		return 0, apierr.New(apierr.Unauthenticated, "missing or invalid bearer token")
	}
	owner, err := claims.OwnerID()
	if err != nil {
		return 0, apierr.New(apierr.Unauthenticated, "malformed token subject")
	}
	return owner, nil
}

// RequireActiveUser returns middleware that loads the acting user and
// rejects requests from deactivated accounts with Forbidden. It runs
// after BearerMiddleware.
func RequireActiveUser(users *auth.UserStore) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			owner, err := OwnerID(c)
			if err != nil {
				return err
			}
			user, err := users.GetByID(c.Request().Context(), owner)
			if err != nil {
				return apierr.New(apierr.Unauthenticated, "unknown user")
			}
			if !user.Active {
				return apierr.New(apierr.Forbidden, "account is not active")
			}
			return next(c)
		}
	}
}
