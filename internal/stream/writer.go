package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fluxnote/llm-gateway/internal/provider"
)

// sseChunk mirrors the chat.completion.chunk events clients already consume,
// so relayed lines are wire-identical to what the upstream emits.
type sseChunk struct {
	Object  string      `json:"object"`
	Model   string      `json:"model,omitempty"`
	Choices []sseChoice `json:"choices"`
}

type sseChoice struct {
	Index        int      `json:"index"`
	Delta        sseDelta `json:"delta"`
	FinishReason *string  `json:"finish_reason"`
}

type sseDelta struct {
	Content string `json:"content,omitempty"`
}

// Relay writes chunks to w as Server-Sent Events, flushing each event so
// tokens reach the client as they arrive. A mid-stream error stops emission
// without a [DONE] sentinel; the absence of the sentinel is the client's
// error signal, since headers are already on the wire. wrote reports
// whether anything reached the wire: when the stream dies before its first
// event the caller can still replace the SSE headers with a proper error
// response.
func Relay(w http.ResponseWriter, model string, chunks <-chan *provider.Chunk) (wrote bool, err error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return false, fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for chunk := range chunks {
		if chunk.Err != nil {
			return wrote, chunk.Err
		}
		if chunk.Done {
			break
		}

		event := sseChunk{
			Object: "chat.completion.chunk",
			Model:  model,
			Choices: []sseChoice{
				{Index: 0, Delta: sseDelta{Content: chunk.Delta}},
			},
		}
		data, err := json.Marshal(event)
		if err != nil {
			return wrote, fmt.Errorf("marshaling sse event: %w", err)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return wrote, fmt.Errorf("writing sse event: %w", err)
		}
		wrote = true
		flusher.Flush()
	}

	reason := "stop"
	final := sseChunk{
		Object:  "chat.completion.chunk",
		Model:   model,
		Choices: []sseChoice{{Index: 0, FinishReason: &reason}},
	}
	data, _ := json.Marshal(final)
	fmt.Fprintf(w, "data: %s\n\n", data)
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
	return true, nil
}
