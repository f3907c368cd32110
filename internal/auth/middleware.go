package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

// CallerKey holds the authenticated caller in the echo context: the JWT
// subject, or SharedSecretCaller for the raw secret.
const CallerKey contextKey = "ingest_caller"

const SharedSecretCaller = "shared-secret"

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid or expired token")
)

// Guard admits requests that carry the configured shared secret as a
// bearer token, or an HS256 JWT signed with it. An empty secret refuses
// every request with 503 so a misconfigured deployment never runs open.
func Guard(secret string) echo.MiddlewareFunc {
	secret = strings.TrimSpace(secret)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if secret == "" {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "ingest secret not configured"})
			}

			token, err := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
			}

			caller, err := authenticate(token, secret)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
			}

			c.Set(string(CallerKey), caller)
			return next(c)
		}
	}
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", errMissingToken
	}
	if len(header) < 8 || !strings.EqualFold(header[:7], "Bearer ") {
		return "", errors.New("invalid Authorization header format")
	}
	token := strings.TrimSpace(header[7:])
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}

func authenticate(token, secret string) (string, error) {
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1 {
		return SharedSecretCaller, nil
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return "", errInvalidToken
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("invalid token subject")
	}
	return sub, nil
}

// CallerFromContext returns the caller recorded by Guard.
func CallerFromContext(c echo.Context) string {
	caller, _ := c.Get(string(CallerKey)).(string)
	return caller
}
