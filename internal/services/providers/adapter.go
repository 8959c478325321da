// Package providers forwards inbound request bodies to upstream LLM
// providers. Adapters are deliberately opaque: bodies pass through
// byte-for-byte in both directions and nothing translates between
// dialects; the only interpretation is reading token usage out of the
// response so the ledger can bill.
package providers

import (
	"context"

	"github.com/spendgate/spendgate/internal/models"
)

// Dialect names the wire format a client chose by endpoint.
type Dialect string

const (
	DialectOpenAIChat        Dialect = "openai_chat"
	DialectOpenAIResponses   Dialect = "openai_responses"
	DialectAnthropicMessages Dialect = "anthropic_messages"
)

// Request is one inbound call to forward.
type Request struct {
	Dialect   Dialect
	Body      []byte
	Stream    bool
	RequestID string
}

// UnaryResult is a complete upstream response. A StatusCode >= 400 is an
// upstream error to pass through verbatim with no settlement.
type UnaryResult struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Usage       models.Usage
}

// StreamResult is an in-flight upstream stream. Chunks carries
// already-framed protocol bytes for passthrough and closes when the
// upstream ends. FinalUsage resolves at most once after Chunks closes:
// a usage value on a normal end (the sentinel Unavailable usage when the
// stream carried no trailer), or a bare close when the stream was
// canceled or broke before usage arrived.
type StreamResult struct {
	Chunks     <-chan []byte
	FinalUsage <-chan models.Usage
}

// Result is the discriminated forward outcome: exactly one field is set.
type Result struct {
	Unary  *UnaryResult
	Stream *StreamResult
}

// Adapter is the uniform contract over upstream providers.
type Adapter interface {
	// Name identifies the provider in logs and errors.
	Name() string
	// Forward sends the raw body upstream and returns either a complete
	// response or a started stream. Connect failures before the first
	// byte surface as an upstream-unavailable error.
	Forward(ctx context.Context, req Request) (*Result, error)
}
