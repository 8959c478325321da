// Package pipeline drives one proxied call end to end: authenticate,
// gate on budget and model, forward the raw body upstream, relay the
// response, then settle usage against the account.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/services/ledger"
	"github.com/spendgate/spendgate/internal/services/providers"
	"github.com/spendgate/spendgate/internal/services/resolver"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

type Pipeline struct {
	resolver        *resolver.Service
	ledger          *ledger.Service
	adapters        map[providers.Dialect]providers.Adapter
	upstreamTimeout time.Duration
	streamTimeout   time.Duration

	// OnSettled, when set, runs after a settlement completes. Streaming
	// settlement is asynchronous; tests use this to wait for it.
	OnSettled func(requestID string)
}

func New(res *resolver.Service, led *ledger.Service, adapters map[providers.Dialect]providers.Adapter, upstreamTimeout, streamTimeout time.Duration) *Pipeline {
	return &Pipeline{
		resolver:        res,
		ledger:          led,
		adapters:        adapters,
		upstreamTimeout: upstreamTimeout,
		streamTimeout:   streamTimeout,
	}
}

// Handle runs the full pipeline for one inbound call on the given
// dialect. Any error before the first upstream byte aborts with a
// structured error body and touches no durable state; once the upstream
// answers, the call is settled or audited no matter how the client
// connection ends.
func (p *Pipeline) Handle(c *fiber.Ctx, dialect providers.Dialect, endpoint string) error {
	start := time.Now()
	requestID := c.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	principal, err := p.resolver.Resolve(c.Context(), bearerToken(c))
	if err != nil {
		return p.writeError(c, requestID, err)
	}

	// Fiber reuses its buffers after the handler returns; copy the body
	// before anything async can touch it.
	body := append([]byte(nil), c.Body()...)

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		return p.writeError(c, requestID, models.NewValidationError("request body must name a model"))
	}
	if !principal.APIKey.ModelAllowed(model) {
		fiberlog.Warnf("[%s] pipeline: key %s denied model %s", requestID, principal.APIKey.KeyName, model)
		return p.writeError(c, requestID, models.NewModelForbiddenError(model))
	}

	adapter, ok := p.adapters[dialect]
	if !ok {
		return p.writeError(c, requestID,
			models.NewUpstreamUnavailableError(providerName(dialect), errors.New("provider not configured")))
	}

	req := providers.Request{
		Dialect:   dialect,
		Body:      body,
		Stream:    gjson.GetBytes(body, "stream").Bool(),
		RequestID: requestID,
	}
	settlement := ledger.Settlement{
		RequestID:      requestID,
		Principal:      principal,
		ModelName:      model,
		Endpoint:       endpoint,
		IPAddress:      c.IP(),
		RequestPayload: body,
	}

	if req.Stream {
		return p.handleStream(c, adapter, req, settlement, start)
	}
	return p.handleUnary(c, adapter, req, settlement, start)
}

func (p *Pipeline) handleUnary(c *fiber.Ctx, adapter providers.Adapter, req providers.Request, settlement ledger.Settlement, start time.Time) error {
	// Detached from the connection context: once dispatched, the call is
	// settled even if the client goes away while we wait.
	ctx, cancel := context.WithTimeout(context.Background(), p.upstreamTimeout)
	defer cancel()

	result, err := adapter.Forward(ctx, req)
	if err != nil {
		// No upstream byte was consumed; this call leaves no audit row.
		return p.writeError(c, req.RequestID, err)
	}

	unary := result.Unary
	if unary.StatusCode >= fiber.StatusBadRequest {
		// Upstream error: audit, then pass status and body through untouched.
		settlement.ProcessingTimeMs = elapsedMs(start)
		p.ledger.LogFailedRequest(ctx, settlement,
			"upstream returned status "+strconv.Itoa(unary.StatusCode))
		return p.sendUpstream(c, unary)
	}

	settlement.Usage = unary.Usage
	settlement.ResponsePayload = unary.Body
	settlement.ProcessingTimeMs = elapsedMs(start)
	if err := p.ledger.Settle(ctx, settlement); err != nil {
		// The upstream call already succeeded; the client still gets its
		// response. The failure is ours to chase.
		fiberlog.Errorf("[%s] pipeline: settlement failed: %v", req.RequestID, err)
	}
	p.settled(req.RequestID)
	return p.sendUpstream(c, unary)
}

func (p *Pipeline) handleStream(c *fiber.Ctx, adapter providers.Adapter, req providers.Request, settlement ledger.Settlement, start time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.streamTimeout)

	result, err := adapter.Forward(ctx, req)
	if err != nil {
		// No upstream byte was consumed; this call leaves no audit row.
		cancel()
		return p.writeError(c, req.RequestID, err)
	}
	if result.Unary != nil {
		// The upstream refused the stream with an error status.
		cancel()
		settlement.ProcessingTimeMs = elapsedMs(start)
		p.ledger.LogFailedRequest(context.Background(), settlement,
			"upstream returned status "+strconv.Itoa(result.Unary.StatusCode))
		return p.sendUpstream(c, result.Unary)
	}

	stream := result.Stream
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()

		aggregate := bytebufferpool.Get()
		defer bytebufferpool.Put(aggregate)

		for chunk := range stream.Chunks {
			if _, err := w.Write(chunk); err == nil {
				err = w.Flush()
				if err == nil {
					_, _ = aggregate.Write(chunk)
					continue
				}
			}
			// Client gone: stop the upstream and drain so the relay exits.
			fiberlog.Infof("[%s] pipeline: client disconnected mid-stream", req.RequestID)
			cancel()
			for range stream.Chunks {
			}
			break
		}

		usage, ok := <-stream.FinalUsage
		if !ok {
			fiberlog.Debugf("[%s] pipeline: stream canceled, nothing to settle", req.RequestID)
			return
		}

		settlement.Usage = usage
		settlement.ResponsePayload = append([]byte(nil), aggregate.B...)
		settlement.ProcessingTimeMs = elapsedMs(start)
		if err := p.ledger.Settle(context.Background(), settlement); err != nil {
			fiberlog.Errorf("[%s] pipeline: stream settlement failed: %v", req.RequestID, err)
		}
		p.settled(req.RequestID)
	}))
	return nil
}

func (p *Pipeline) sendUpstream(c *fiber.Ctx, unary *providers.UnaryResult) error {
	if unary.ContentType != "" {
		c.Set(fiber.HeaderContentType, unary.ContentType)
	}
	return c.Status(unary.StatusCode).Send(unary.Body)
}

func (p *Pipeline) writeError(c *fiber.Ctx, requestID string, err error) error {
	appErr := models.AsAppError(err)
	if appErr.Kind == models.ErrorKindInternal {
		fiberlog.Errorf("[%s] pipeline: %v", requestID, appErr)
	}
	return c.Status(appErr.GetStatusCode()).JSON(appErr.Sanitize())
}

func (p *Pipeline) settled(requestID string) {
	if p.OnSettled != nil {
		p.OnSettled(requestID)
	}
}

func bearerToken(c *fiber.Ctx) string {
	token, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func providerName(dialect providers.Dialect) string {
	if dialect == providers.DialectAnthropicMessages {
		return "anthropic"
	}
	return "openai"
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
