package api

import "github.com/gofiber/fiber/v2"

// RegisterRoutes mounts the full HTTP surface on the fiber app.
func RegisterRoutes(app *fiber.App, proxy *ProxyHandler, admin *AdminHandler, health *HealthHandler) {
	app.Get("/health", health.Check)

	app.Post(EndpointChatCompletions, proxy.ChatCompletions)
	app.Post(EndpointResponses, proxy.Responses)
	app.Post(EndpointMessages, proxy.Messages)

	adm := app.Group("/admin", admin.RequireAdmin)
	adm.Put("/accounts", admin.PutAccount)
	adm.Put("/keys", admin.PutAPIKey)
	adm.Put("/model-costs", admin.PutModelCost)
	adm.Post("/accounts/:user_id/reset-spend", admin.ResetSpend)
	adm.Get("/accounts/:user_id/usage", admin.GetUsage)
}
