package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/spendgate/spendgate/internal/config"
	"github.com/spendgate/spendgate/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

const anthropicVersion = "2023-06-01"

// HTTPAdapter forwards raw bodies to one provider over HTTP. The same
// type serves both providers; constructors differ only in endpoints and
// how the upstream credential is attached.
type HTTPAdapter struct {
	name      string
	apiKey    string
	endpoints map[Dialect]string
	setAuth   func(req *http.Request, apiKey string)
	client    *http.Client
}

// NewOpenAI builds the adapter for OpenAI-compatible upstreams. It
// serves both the Chat Completions and the Responses dialects.
func NewOpenAI(cfg config.ProviderConfig, client *http.Client) *HTTPAdapter {
	return &HTTPAdapter{
		name:   "openai",
		apiKey: cfg.APIKey,
		endpoints: map[Dialect]string{
			DialectOpenAIChat:      cfg.BaseURL + "/chat/completions",
			DialectOpenAIResponses: cfg.BaseURL + "/responses",
		},
		setAuth: func(req *http.Request, apiKey string) {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		},
		client: client,
	}
}

// NewAnthropic builds the adapter for Anthropic-compatible upstreams.
func NewAnthropic(cfg config.ProviderConfig, client *http.Client) *HTTPAdapter {
	return &HTTPAdapter{
		name:   "anthropic",
		apiKey: cfg.APIKey,
		endpoints: map[Dialect]string{
			DialectAnthropicMessages: cfg.BaseURL + "/v1/messages",
		},
		setAuth: func(req *http.Request, apiKey string) {
			req.Header.Set("x-api-key", apiKey)
			req.Header.Set("anthropic-version", anthropicVersion)
		},
		client: client,
	}
}

func (a *HTTPAdapter) Name() string { return a.name }

func (a *HTTPAdapter) Forward(ctx context.Context, req Request) (*Result, error) {
	url, ok := a.endpoints[req.Dialect]
	if !ok {
		return nil, models.NewInternalError(
			fmt.Sprintf("provider %s does not serve dialect %s", a.name, req.Dialect), nil)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, models.NewInternalError("failed to build upstream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	a.setAuth(httpReq, a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		fiberlog.Errorf("[%s] provider %s: connect failed: %v", req.RequestID, a.name, err)
		return nil, models.NewUpstreamUnavailableError(a.name, err)
	}

	// Upstream errors pass through verbatim, status and body alike.
	if resp.StatusCode >= http.StatusBadRequest {
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, models.NewUpstreamUnavailableError(a.name, readErr)
		}
		fiberlog.Warnf("[%s] provider %s: upstream returned %d", req.RequestID, a.name, resp.StatusCode)
		return &Result{Unary: &UnaryResult{
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        body,
		}}, nil
	}

	if !req.Stream {
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, models.NewUpstreamUnavailableError(a.name, readErr)
		}
		return &Result{Unary: &UnaryResult{
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        body,
			Usage:       extractUsage(body),
		}}, nil
	}

	chunks := make(chan []byte, 16)
	finalUsage := make(chan models.Usage, 1)
	go a.relay(ctx, req, resp.Body, chunks, finalUsage)
	return &Result{Stream: &StreamResult{Chunks: chunks, FinalUsage: finalUsage}}, nil
}
