package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/dotsetgreg/companion/pkg/logger"
)

const userIDKey = "companion_user_id"

// Claims are the bearer token claims the gateway reads. The subject is
// the user id. Onboarded is optional; only an explicit false blocks chat.
type Claims struct {
	Onboarded *bool `json:"onboarded,omitempty"`
	jwt.RegisteredClaims
}

type redirectResponse struct {
	Redirect string `json:"redirect"`
}

// authMiddleware authenticates "Authorization: Bearer <jwt>" (HS256).
// Missing or invalid tokens answer 401 {"redirect":"login"}; tokens for
// users who have not finished onboarding answer 403 {"redirect":"onboarding"}.
func authMiddleware(secret []byte) echo.MiddlewareFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	keyFunc := func(*jwt.Token) (interface{}, error) { return secret, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, ok := bearerToken(c.Request())
			if !ok {
				return c.JSON(http.StatusUnauthorized, redirectResponse{Redirect: "login"})
			}

			var claims Claims
			if _, err := parser.ParseWithClaims(raw, &claims, keyFunc); err != nil {
				logger.DebugCF("gateway", "Rejected bearer token", map[string]interface{}{
					"error": err.Error(),
				})
				return c.JSON(http.StatusUnauthorized, redirectResponse{Redirect: "login"})
			}
			userID := strings.TrimSpace(claims.Subject)
			if userID == "" {
				return c.JSON(http.StatusUnauthorized, redirectResponse{Redirect: "login"})
			}
			if claims.Onboarded != nil && !*claims.Onboarded {
				return c.JSON(http.StatusForbidden, redirectResponse{Redirect: "onboarding"})
			}

			c.Set(userIDKey, userID)
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get(echo.HeaderAuthorization)
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// userIDFrom returns the id set by authMiddleware.
func userIDFrom(c echo.Context) (string, error) {
	id, ok := c.Get(userIDKey).(string)
	if !ok || id == "" {
		return "", errors.New("request is not authenticated")
	}
	return id, nil
}

// IssueToken signs an HS256 token for userID. The CLI uses it to mint
// local tokens; tests use it to authenticate requests.
func IssueToken(secret []byte, userID string, onboarded bool) (string, error) {
	claims := Claims{
		Onboarded:        &onboarded,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
