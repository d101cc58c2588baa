package usercontext

import "github.com/gofiber/fiber/v2"

// UserContext is the API caller resolved by the key middleware.
type UserContext struct {
	UserID     uint   `json:"user_id"`
	Username   string `json:"username"`
	IsLoggedIn bool   `json:"is_logged_in"`
	IsAdmin    bool   `json:"is_admin"`
	Plan       string `json:"plan"`
}

func Set(c *fiber.Ctx, uc UserContext) {
	c.Locals(KeyUserContext, uc)
}

// GetUserContext returns the caller, or an anonymous context when the
// request was not authenticated.
func GetUserContext(c *fiber.Ctx) UserContext {
	if uc, ok := c.Locals(KeyUserContext).(UserContext); ok {
		return uc
	}
	return UserContext{}
}

// GetUserID returns the caller's id, 0 when anonymous.
func GetUserID(c *fiber.Ctx) uint {
	return GetUserContext(c).UserID
}
