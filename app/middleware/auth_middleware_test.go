package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/amirphl/whatsapp-courier/app/services"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthApp(t *testing.T) (*fiber.App, services.TokenService) {
	t.Helper()

	tokens, err := services.NewTokenService(time.Minute, "courier", "courier-admin", "middleware-test-secret-0123456789")
	require.NoError(t, err)

	auth := NewAuthMiddleware(tokens)
	app := fiber.New()
	app.Get("/whoami", auth.Authenticate(), func(c fiber.Ctx) error {
		operator, _ := GetOperatorFromContext(c)
		return c.SendString(operator)
	})
	app.Post("/dispatch", auth.Authenticate(), auth.RequireScope("dispatch"), func(c fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app, tokens
}

func TestAuthMiddleware_Authenticate(t *testing.T) {
	app, tokens := newAuthApp(t)

	valid, err := tokens.GenerateOperatorToken("ops", nil)
	require.NoError(t, err)
	revoked, err := tokens.GenerateOperatorToken("ops", nil)
	require.NoError(t, err)
	require.NoError(t, tokens.RevokeToken(revoked))

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"no header", "", fiber.StatusUnauthorized},
		{"not bearer", "Basic b3BzOnB3", fiber.StatusUnauthorized},
		{"empty token", "Bearer ", fiber.StatusUnauthorized},
		{"garbage", "Bearer not-a-jwt", fiber.StatusUnauthorized},
		{"revoked", "Bearer " + revoked, fiber.StatusUnauthorized},
		{"valid", "Bearer " + valid, fiber.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestAuthMiddleware_RequireScope(t *testing.T) {
	app, tokens := newAuthApp(t)

	cases := []struct {
		name   string
		scopes []string
		status int
	}{
		{"unscoped token grants all", nil, fiber.StatusNoContent},
		{"scope granted", []string{"campaigns", "dispatch"}, fiber.StatusNoContent},
		{"scope missing", []string{"campaigns"}, fiber.StatusForbidden},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			token, err := tokens.GenerateOperatorToken("ops", tc.scopes)
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodPost, "/dispatch", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}
