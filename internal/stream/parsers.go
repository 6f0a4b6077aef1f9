package stream

import (
	"encoding/json"
	"strings"
)

// openAIChunk is the wire shape of one OpenAI-protocol stream event. The
// protocol already sends incremental deltas, so parsing is stateless.
type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// OpenAILineParser returns a ParseFunc for chat-completions SSE payloads.
func OpenAILineParser() ParseFunc {
	return func(payload string) (Event, error) {
		var chunk openAIChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Keep-alive comments and other non-JSON noise are skipped, not
			// fatal; real protocol errors arrive as error envelopes.
			return Event{}, nil
		}
		var ev Event
		for _, c := range chunk.Choices {
			if c.Delta.Content != "" {
				ev.Deltas = append(ev.Deltas, c.Delta.Content)
			}
			if c.FinishReason != nil && *c.FinishReason != "" {
				ev.Done = true
			}
		}
		return ev, nil
	}
}

// geminiChunk is the wire shape of one streamGenerateContent event.
type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []GeminiPart `json:"parts"`
		} `json:"content"`
		GroundingMetadata json.RawMessage `json:"groundingMetadata"`
		FinishReason      string          `json:"finishReason"`
	} `json:"candidates"`
}

// GeminiPart is one fragment of a Gemini response. A part is visible when it
// has text and is not flagged as internal reasoning.
type GeminiPart struct {
	Text    string `json:"text"`
	Thought bool   `json:"thought"`
}

// Visible reports whether the part carries displayable answer text.
func (p GeminiPart) Visible() bool {
	return p.Text != "" && !p.Thought
}

// GeminiParser extracts deltas from a Gemini stream. The protocol resends
// the entire accumulated visible text in every event, so the parser tracks
// the previously seen cumulative text and emits only the new suffix. It also
// records whether any visible text or grounding metadata ever appeared so
// the adapter can act on stream completion.
type GeminiParser struct {
	prev        string
	thoughts    strings.Builder
	FallbackOK  bool // surface thought text when no visible text exists
	SawVisible  bool
	SawGrounded bool
}

// NewGeminiParser builds a parser; fallbackThoughts enables thought-text
// fallback on streams that never produce a visible answer.
func NewGeminiParser(fallbackThoughts bool) *GeminiParser {
	return &GeminiParser{FallbackOK: fallbackThoughts}
}

// Parse implements ParseFunc.
func (g *GeminiParser) Parse(payload string) (Event, error) {
	var chunk geminiChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return Event{}, nil
	}

	var cumulative string
	var ev Event
	for _, cand := range chunk.Candidates {
		if len(cand.GroundingMetadata) > 0 && string(cand.GroundingMetadata) != "null" {
			g.SawGrounded = true
		}
		for _, part := range cand.Content.Parts {
			if part.Visible() {
				cumulative += part.Text
			} else if part.Thought && part.Text != "" {
				g.thoughts.WriteString(part.Text)
			}
		}
		if cand.FinishReason != "" && cand.FinishReason != "FINISH_REASON_UNSPECIFIED" {
			ev.Done = true
		}
	}

	if cumulative == "" {
		return ev, nil
	}
	g.SawVisible = true

	if strings.HasPrefix(cumulative, g.prev) {
		if delta := cumulative[len(g.prev):]; delta != "" {
			ev.Deltas = append(ev.Deltas, delta)
		}
	} else {
		// Cumulative text diverged from what we already emitted; emit the
		// whole new text and resynchronize.
		ev.Deltas = append(ev.Deltas, cumulative)
	}
	g.prev = cumulative
	return ev, nil
}

// ThoughtText returns the accumulated reasoning text, used only for the
// explicit fallback path.
func (g *GeminiParser) ThoughtText() string {
	return g.thoughts.String()
}
