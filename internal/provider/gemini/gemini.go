// Package gemini implements the generateContent/streamGenerateContent
// protocol family on a single credential.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fluxnote/llm-gateway/internal/errclass"
	"github.com/fluxnote/llm-gateway/internal/provider"
	"github.com/fluxnote/llm-gateway/internal/stream"
)

type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
	policy  provider.RetryPolicy
	// fallbackThoughts surfaces reasoning text when a response carries no
	// visible answer at all.
	fallbackThoughts bool
}

type Option func(*Adapter)

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

func WithRetryPolicy(p provider.RetryPolicy) Option {
	return func(a *Adapter) { a.policy = p }
}

// WithThoughtFallback lets thought-only responses return their reasoning
// text instead of failing.
func WithThoughtFallback(enabled bool) Option {
	return func(a *Adapter) { a.fallbackThoughts = enabled }
}

func New(apiKey, baseURL string, opts ...Option) *Adapter {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  http.DefaultClient,
		policy:  provider.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "gemini" }

type wireRequest struct {
	Contents          []wireContent  `json:"contents"`
	SystemInstruction *wireContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  *wireGenConfig `json:"generationConfig,omitempty"`
	Tools             []wireTool     `json:"tools,omitempty"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *wireInlineData `json:"inlineData,omitempty"`
}

type wireInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wireGenConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type wireTool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
}

type wireResponse struct {
	Candidates []struct {
		Content struct {
			Parts []stream.GeminiPart `json:"parts"`
		} `json:"content"`
		GroundingMetadata json.RawMessage `json:"groundingMetadata"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// mapRequest translates the neutral message list into Gemini contents.
// System-role turns go to systemInstruction, and consecutive same-role turns
// collapse into one entry because the protocol rejects repeated roles.
func mapRequest(req *provider.Request) wireRequest {
	var system []wirePart
	var contents []wireContent

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, messageParts(m)...)
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		parts := messageParts(m)
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			continue
		}
		contents = append(contents, wireContent{Role: role, Parts: parts})
	}

	wire := wireRequest{Contents: contents}
	if len(system) > 0 {
		wire.SystemInstruction = &wireContent{Parts: system}
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		wire.GenerationConfig = &wireGenConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		}
	}
	if req.EnableTools {
		wire.Tools = []wireTool{{GoogleSearch: &struct{}{}}}
	}
	return wire
}

func messageParts(m provider.Message) []wirePart {
	if len(m.Parts) == 0 {
		return []wirePart{{Text: m.Content}}
	}
	parts := make([]wirePart, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Image != nil {
			parts = append(parts, wirePart{InlineData: &wireInlineData{
				MimeType: p.Image.MediaType,
				Data:     p.Image.Data,
			}})
			continue
		}
		parts = append(parts, wirePart{Text: p.Text})
	}
	return parts
}

func (a *Adapter) endpoint(model, method string) string {
	return fmt.Sprintf("%s/v1beta/models/%s:%s?key=%s", a.baseURL, model, method, a.apiKey)
}

func (a *Adapter) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, errclass.New(0, err.Error(), err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, errclass.New(resp.StatusCode, string(respBody), nil)
	}
	return resp, nil
}

// Complete executes a non-streaming generateContent call.
func (a *Adapter) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(mapRequest(req))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var out *provider.Response
	err = a.policy.Retry(ctx, a.Name(), func(ctx context.Context) error {
		resp, err := a.post(ctx, a.endpoint(req.Model, "generateContent"), body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var wire wireResponse
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return errclass.New(0, err.Error(), err)
		}
		if len(wire.Candidates) == 0 {
			return fmt.Errorf("upstream returned no candidates")
		}

		cand := wire.Candidates[0]
		var visible, thoughts strings.Builder
		for _, p := range cand.Content.Parts {
			if p.Visible() {
				visible.WriteString(p.Text)
			} else if p.Thought {
				thoughts.WriteString(p.Text)
			}
		}

		content := visible.String()
		if content == "" {
			if !a.fallbackThoughts || thoughts.Len() == 0 {
				return errclass.ErrEmptyVisibleStream
			}
			content = thoughts.String()
		}

		out = &provider.Response{
			Content:       content,
			InputTokens:   wire.UsageMetadata.PromptTokenCount,
			OutputTokens:  wire.UsageMetadata.CandidatesTokenCount,
			Model:         req.Model,
			Provider:      a.Name(),
			LatencyMs:     time.Since(start).Milliseconds(),
			UsedWebSearch: len(cand.GroundingMetadata) > 0 && string(cand.GroundingMetadata) != "null",
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteStream executes a streaming streamGenerateContent call. The stream
// resends the full accumulated text per event; the parser reduces it to
// suffix deltas. A stream that finishes with only thought-tagged text is a
// hard failure, never an empty success.
func (a *Adapter) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	body, err := json.Marshal(mapRequest(req))
	if err != nil {
		return nil, err
	}
	url := a.endpoint(req.Model, "streamGenerateContent") + "&alt=sse"

	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)

		emit := func(delta string) error {
			select {
			case ch <- &provider.Chunk{Delta: delta}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var grounded bool
		err := a.policy.Retry(ctx, a.Name(), func(ctx context.Context) error {
			resp, err := a.post(ctx, url, body)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			parser := stream.NewGeminiParser(a.fallbackThoughts)
			if err := stream.Decode(ctx, resp.Body, parser.Parse, emit); err != nil {
				return err
			}
			grounded = parser.SawGrounded

			if !parser.SawVisible {
				if a.fallbackThoughts && parser.ThoughtText() != "" {
					return emit(parser.ThoughtText())
				}
				return errclass.ErrEmptyVisibleStream
			}
			return nil
		}, nil)

		if err != nil {
			select {
			case ch <- &provider.Chunk{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case ch <- &provider.Chunk{Done: true, Grounded: grounded}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}
