// Package api wires the HTTP surface: the three proxy endpoints, the
// admin mutations, and health.
package api

import (
	"github.com/spendgate/spendgate/internal/services/pipeline"
	"github.com/spendgate/spendgate/internal/services/providers"

	"github.com/gofiber/fiber/v2"
)

// Proxy endpoints, mirroring the upstream paths they front.
const (
	EndpointChatCompletions = "/v1/chat/completions"
	EndpointResponses       = "/v1/responses"
	EndpointMessages        = "/v1/messages"
)

// ProxyHandler exposes the passthrough endpoints. Each handler only
// names the dialect; everything else happens in the pipeline.
type ProxyHandler struct {
	pipeline *pipeline.Pipeline
}

func NewProxyHandler(p *pipeline.Pipeline) *ProxyHandler {
	return &ProxyHandler{pipeline: p}
}

// ChatCompletions proxies the OpenAI Chat Completions dialect.
func (h *ProxyHandler) ChatCompletions(c *fiber.Ctx) error {
	return h.pipeline.Handle(c, providers.DialectOpenAIChat, EndpointChatCompletions)
}

// Responses proxies the OpenAI Responses dialect.
func (h *ProxyHandler) Responses(c *fiber.Ctx) error {
	return h.pipeline.Handle(c, providers.DialectOpenAIResponses, EndpointResponses)
}

// Messages proxies the Anthropic Messages dialect.
func (h *ProxyHandler) Messages(c *fiber.Ctx) error {
	return h.pipeline.Handle(c, providers.DialectAnthropicMessages, EndpointMessages)
}
