package api

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/viper"
)

// APIKeyProtected guards a route group with the shared backend key. Requests
// must carry the key in the X-Minion-Backend-Key header. An empty
// api.auth.key leaves the group open.
func APIKeyProtected() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := viper.GetString("api.auth.key")
		if key == "" {
			return c.Next()
		}
		provided := c.Get("X-Minion-Backend-Key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) == 1 {
			return c.Next()
		}
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid-backend-key"})
	}
}
