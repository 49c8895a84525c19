// Package middleware contains HTTP middleware functions for request processing
package middleware

import (
	"errors"
	"strings"

	"github.com/amirphl/whatsapp-courier/app/dto"
	"github.com/amirphl/whatsapp-courier/app/services"
	"github.com/gofiber/fiber/v3"
)

// Context keys set by the auth middleware
const (
	OperatorKey    = "operator"
	TokenIDKey     = "token_id"
	TokenClaimsKey = "token_claims"
	RequestIDKey   = "request_id"
)

// AuthMiddleware handles operator JWT validation for the admin API
type AuthMiddleware struct {
	tokenService services.TokenService
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(tokenService services.TokenService) *AuthMiddleware {
	return &AuthMiddleware{
		tokenService: tokenService,
	}
}

func unauthorized(c fiber.Ctx, status int, message, code string) error {
	return c.Status(status).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error:   &dto.ErrorDetail{Code: code},
	})
}

// Authenticate validates the bearer token and stores the operator in the request locals
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return unauthorized(c, fiber.StatusUnauthorized, "Authorization header is required", "MISSING_AUTHORIZATION_HEADER")
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			return unauthorized(c, fiber.StatusUnauthorized, "Invalid authorization header format. Expected 'Bearer <token>'", "INVALID_AUTHORIZATION_FORMAT")
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			return unauthorized(c, fiber.StatusUnauthorized, "Access token is required", "MISSING_ACCESS_TOKEN")
		}

		// Validate the token (this already checks for revocation)
		claims, err := m.tokenService.ValidateToken(token)
		if err != nil {
			switch {
			case errors.Is(err, services.ErrTokenExpired):
				return unauthorized(c, fiber.StatusUnauthorized, "Access token has expired", "TOKEN_EXPIRED")
			case errors.Is(err, services.ErrTokenRevoked):
				return unauthorized(c, fiber.StatusUnauthorized, "Access token has been revoked", "TOKEN_REVOKED")
			case errors.Is(err, services.ErrTokenInvalid):
				return unauthorized(c, fiber.StatusUnauthorized, "Invalid access token", "TOKEN_INVALID")
			default:
				return unauthorized(c, fiber.StatusUnauthorized, "Token validation failed", "TOKEN_VALIDATION_FAILED")
			}
		}

		c.Locals(OperatorKey, claims.Operator)
		c.Locals(TokenIDKey, claims.ID)
		c.Locals(TokenClaimsKey, claims)

		if requestID := c.Get("X-Request-ID"); requestID != "" {
			c.Locals(RequestIDKey, requestID)
		}

		return c.Next()
	}
}

// RequireScope rejects operators whose token does not grant scope. It must run after Authenticate.
func (m *AuthMiddleware) RequireScope(scope string) fiber.Handler {
	return func(c fiber.Ctx) error {
		claims, ok := GetTokenClaimsFromContext(c)
		if !ok {
			return unauthorized(c, fiber.StatusUnauthorized, "Authentication required", "AUTHENTICATION_REQUIRED")
		}
		if !claims.HasScope(scope) {
			return unauthorized(c, fiber.StatusForbidden, "Operator is not allowed to perform this operation", "SCOPE_NOT_GRANTED")
		}
		return c.Next()
	}
}

// GetOperatorFromContext extracts the operator name from the request context
func GetOperatorFromContext(c fiber.Ctx) (string, bool) {
	operator, ok := c.Locals(OperatorKey).(string)
	return operator, ok && operator != ""
}

// GetTokenClaimsFromContext extracts token claims from the request context
func GetTokenClaimsFromContext(c fiber.Ctx) (*services.OperatorClaims, bool) {
	claims, ok := c.Locals(TokenClaimsKey).(*services.OperatorClaims)
	return claims, ok
}
