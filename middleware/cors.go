package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// APICORS lets the dashboard origins call the authenticated API. Auth is a
// bearer token, so credentials are never allowed. An empty origin list
// admits no cross-origin callers at all.
func APICORS(origins []string) fiber.Handler {
	cfg := cors.Config{
		AllowMethods: strings.Join([]string{
			fiber.MethodGet,
			fiber.MethodPost,
			fiber.MethodPut,
			fiber.MethodPatch,
			fiber.MethodDelete,
		}, ","),
		AllowHeaders:  "Authorization,Content-Type,Idempotency-Key",
		ExposeHeaders: "Content-Length",
		MaxAge:        3600,
	}
	if len(origins) == 0 {
		cfg.AllowOriginsFunc = func(string) bool { return false }
	} else {
		cfg.AllowOrigins = strings.Join(origins, ",")
	}
	return cors.New(cfg)
}
