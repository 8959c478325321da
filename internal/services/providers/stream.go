package providers

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/spendgate/spendgate/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

const (
	// SSE data lines can carry whole response documents.
	maxEventLine = 1 << 20

	sseDataPrefix = "data:"
	sseDone       = "[DONE]"
)

// relay pumps the upstream SSE body line by line into the chunk channel,
// accumulating usage counters from the events as they pass. Bytes are
// forwarded unmodified, original line terminators included; parsing is
// read-only.
//
// On exit the chunk channel closes first, then FinalUsage resolves:
// with the accumulated usage if any event carried counters, with the
// Unavailable sentinel if the stream ended cleanly without them, or by a
// bare close if the stream was canceled or broke before usage arrived.
func (a *HTTPAdapter) relay(ctx context.Context, req Request, body io.ReadCloser, chunks chan<- []byte, finalUsage chan<- models.Usage) {
	defer close(finalUsage)
	defer body.Close()

	var (
		usage    models.Usage
		sawUsage bool
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	scanner.Split(scanLinesKeepEnds)

scan:
	for scanner.Scan() {
		raw := scanner.Bytes()

		chunk := append([]byte(nil), raw...)
		select {
		case chunks <- chunk:
		case <-ctx.Done():
			break scan
		}

		line := strings.TrimRight(string(raw), "\r\n")
		payload := strings.TrimSpace(strings.TrimPrefix(line, sseDataPrefix))
		if !strings.HasPrefix(line, sseDataPrefix) || payload == sseDone || payload == "" {
			continue
		}
		if mergeUsage(&usage, []byte(payload)) {
			sawUsage = true
		}
	}
	close(chunks)

	switch {
	case sawUsage:
		finalUsage <- usage
	case ctx.Err() != nil:
		// Canceled before counters arrived; the pipeline settles nothing.
		fiberlog.Debugf("[%s] provider %s: stream canceled before usage", req.RequestID, a.name)
	case scanner.Err() != nil:
		fiberlog.Warnf("[%s] provider %s: stream broke before usage: %v", req.RequestID, a.name, scanner.Err())
	default:
		fiberlog.Warnf("[%s] provider %s: stream ended without usage counters", req.RequestID, a.name)
		finalUsage <- models.Usage{Unavailable: true}
	}
}

// scanLinesKeepEnds splits on newlines like bufio.ScanLines but returns
// each line with its terminator intact, so \r\n framing passes through
// byte-for-byte. A final line without a newline is returned as-is.
func scanLinesKeepEnds(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i+1], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
