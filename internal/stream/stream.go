// Package stream turns raw upstream byte streams into ordered text deltas
// and writes SSE responses back to gateway clients.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fluxnote/llm-gateway/internal/errclass"
)

// Event is the result of parsing one upstream line.
type Event struct {
	Deltas []string
	Done   bool
}

// ParseFunc extracts deltas from one JSON payload. Implementations may be
// stateful (the Gemini parser tracks cumulative text across calls).
type ParseFunc func(payload string) (Event, error)

// doneSentinel terminates a stream without error.
const doneSentinel = "[DONE]"

// Decode reads r to completion, emitting each delta in arrival order. A line
// split across two reads is carried over and parsed once complete. Payloads
// carrying an upstream error field stop decoding: retryable ones surface
// errclass.ErrRetryableStream so the owning adapter can restart the whole
// request, anything else is returned as-is.
func Decode(ctx context.Context, r io.Reader, parse ParseFunc, emit func(delta string) error) error {
	buf := make([]byte, 4096)
	var carry string

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			carry += string(buf[:n])
			lines := strings.Split(carry, "\n")
			carry = lines[len(lines)-1] // trailing partial line
			for _, line := range lines[:len(lines)-1] {
				done, err := decodeLine(line, parse, emit)
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}
		}

		if readErr != nil {
			if readErr != io.EOF {
				return readErr
			}
			if carry != "" {
				if _, err := decodeLine(carry, parse, emit); err != nil {
					return err
				}
			}
			return nil
		}
	}
}

func decodeLine(line string, parse ParseFunc, emit func(string) error) (done bool, err error) {
	payload, ok := ExtractPayload(line)
	if !ok {
		return false, nil
	}
	if payload == doneSentinel {
		return true, nil
	}

	if err := classifyEmbeddedError(payload); err != nil {
		return false, err
	}

	ev, err := parse(payload)
	if err != nil {
		return false, err
	}
	for _, d := range ev.Deltas {
		if d == "" {
			continue
		}
		if err := emit(d); err != nil {
			return false, err
		}
	}
	return ev.Done, nil
}

// ExtractPayload strips SSE framing and proxy artifacts from one line: the
// "data:" marker, surrounding whitespace, and the byte-string-literal
// wrapping (b'...' or b"...") some proxy setups add around each event.
// ok is false for blank lines and non-data SSE fields.
func ExtractPayload(line string) (payload string, ok bool) {
	line = strings.TrimRight(line, "\r")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", false
	}
	if after, found := strings.CutPrefix(trimmed, "data:"); found {
		trimmed = strings.TrimSpace(after)
	} else if strings.ContainsRune(trimmed, ':') && !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "b'") && !strings.HasPrefix(trimmed, `b"`) && trimmed != doneSentinel {
		// Some other SSE field (event:, id:, retry:); not a payload.
		return "", false
	}

	for _, quote := range []string{"'", `"`} {
		wrapped := "b" + quote
		if strings.HasPrefix(trimmed, wrapped) && strings.HasSuffix(trimmed, quote) && len(trimmed) > len(wrapped) {
			trimmed = trimmed[len(wrapped) : len(trimmed)-1]
			break
		}
	}

	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}

// upstreamError is the error envelope both protocol families embed in a
// stream payload when something goes wrong mid-response.
type upstreamError struct {
	Error *struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

func classifyEmbeddedError(payload string) error {
	var envelope upstreamError
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil || envelope.Error == nil {
		return nil
	}
	msg := envelope.Error.Message
	if msg == "" {
		msg = envelope.Error.Status
	}
	if errclass.Classify(envelope.Error.Code, msg) == errclass.Retryable {
		return fmt.Errorf("upstream stream error (code %d): %s: %w", envelope.Error.Code, msg, errclass.ErrRetryableStream)
	}
	return errclass.New(envelope.Error.Code, msg, nil)
}
