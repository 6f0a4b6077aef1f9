// Package openai implements the chat-completions protocol family with
// key-pool failover.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fluxnote/llm-gateway/internal/errclass"
	"github.com/fluxnote/llm-gateway/internal/keypool"
	"github.com/fluxnote/llm-gateway/internal/provider"
	"github.com/fluxnote/llm-gateway/internal/stream"
)

// Adapter speaks the OpenAI-style chat-completions protocol. Each attempt
// draws a key from the pool; invalid or rate-limited keys are marked failed
// and the attempt moves to the next key, while transient 5xx failures back
// off on the same key.
type Adapter struct {
	pool    *keypool.Pool
	baseURL string
	client  *http.Client
	policy  provider.RetryPolicy
}

type Option func(*Adapter)

// WithHTTPClient overrides the transport, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithRetryPolicy overrides the default retry/backoff policy.
func WithRetryPolicy(p provider.RetryPolicy) Option {
	return func(a *Adapter) { a.policy = p }
}

func New(pool *keypool.Pool, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		pool:    pool,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  http.DefaultClient,
		policy:  provider.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "openai" }

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type wireContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireTool struct {
	Type string `json:"type"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func mapRequest(req *provider.Request, streaming bool) wireRequest {
	messages := make([]wireMessage, len(req.Messages))
	for i, m := range req.Messages {
		if len(m.Parts) == 0 {
			messages[i] = wireMessage{Role: m.Role, Content: m.Content}
			continue
		}
		parts := make([]wireContentPart, 0, len(m.Parts))
		for _, p := range m.Parts {
			if p.Image != nil {
				parts = append(parts, wireContentPart{
					Type: "image_url",
					ImageURL: &wireImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s", p.Image.MediaType, p.Image.Data),
					},
				})
				continue
			}
			parts = append(parts, wireContentPart{Type: "text", Text: p.Text})
		}
		messages[i] = wireMessage{Role: m.Role, Content: parts}
	}

	wire := wireRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      streaming,
	}
	if req.EnableTools {
		wire.Tools = []wireTool{{Type: "function"}}
	}
	return wire
}

// do performs one HTTP attempt with one key. On a non-2xx response the body
// is classified into a value the retry driver inspects.
func (a *Adapter) do(ctx context.Context, key string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

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

// Complete executes a non-streaming chat request.
func (a *Adapter) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(mapRequest(req, false))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var out *provider.Response
	err = a.withKeyFailover(ctx, func(ctx context.Context, key string) error {
		resp, err := a.do(ctx, key, body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var wire wireResponse
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return errclass.New(0, err.Error(), err)
		}
		if len(wire.Choices) == 0 {
			return fmt.Errorf("upstream returned no choices")
		}
		out = &provider.Response{
			ID:           wire.ID,
			Content:      wire.Choices[0].Message.Content,
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
			Model:        wire.Model,
			Provider:     a.Name(),
			LatencyMs:    time.Since(start).Milliseconds(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteStream executes a streaming chat request. A retryable stream error
// restarts the whole request from a fresh attempt, not just the decoding.
func (a *Adapter) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	body, err := json.Marshal(mapRequest(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)

		err := a.withKeyFailover(ctx, func(ctx context.Context, key string) error {
			resp, err := a.do(ctx, key, body)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			return stream.Decode(ctx, resp.Body, stream.OpenAILineParser(), func(delta string) error {
				select {
				case ch <- &provider.Chunk{Delta: delta}:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		})
		if err != nil {
			select {
			case ch <- &provider.Chunk{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case ch <- &provider.Chunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// withKeyFailover wraps the retry driver with key drawing and failure
// marking. The drawn key changes per attempt only when the previous one was
// marked failed; transient failures retry on whatever NextKey yields.
func (a *Adapter) withKeyFailover(ctx context.Context, attempt func(ctx context.Context, key string) error) error {
	var currentKey string
	return a.policy.Retry(ctx, a.Name(),
		func(ctx context.Context) error {
			currentKey = a.pool.NextKey()
			if currentKey == "" {
				// Nothing to rotate to; surfaced untouched by the driver.
				return errclass.ErrNoCredentials
			}
			return attempt(ctx, currentKey)
		},
		func(class errclass.Class, err error) {
			log.WithField("key", keypool.Mask(currentKey)).Debugf("marking key failed: %v", err)
			a.pool.MarkFailed(currentKey, class.String())
		},
	)
}
