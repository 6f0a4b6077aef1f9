package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Protocol is the closed set of upstream protocol families the gateway
// speaks. Adding a family means adding a constant here and one dispatch arm
// in the proxy, nothing else.
type Protocol string

const (
	ProtocolOpenAI   Protocol = "openai"
	ProtocolGemini   Protocol = "gemini"
	ProtocolFreeTier Protocol = "free-tier"
)

// Valid reports whether p is one of the known protocol tags.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolOpenAI, ProtocolGemini, ProtocolFreeTier:
		return true
	}
	return false
}

// Credentials is one logical provider configuration as supplied by the
// caller. APIKey may be a comma-delimited list; pooled adapters rotate over
// it. ID keys the pool registry so rotation state survives across requests
// from the same configuration.
type Credentials struct {
	ID       string   `json:"id"`
	APIKey   string   `json:"apiKey"`
	BaseURL  string   `json:"baseUrl"`
	Model    string   `json:"model"`
	Protocol Protocol `json:"protocol"`
}

// ConfigID returns the caller-supplied id, or a stable digest of the
// configuration when the caller did not name one.
func (c Credentials) ConfigID() string {
	if c.ID != "" {
		return c.ID
	}
	sum := sha256.Sum256([]byte(c.BaseURL + "|" + c.APIKey + "|" + c.Model))
	return hex.EncodeToString(sum[:8])
}

// Part is one element of a multi-part message. Exactly one of Text or Image
// is set.
type Part struct {
	Text  string     `json:"text,omitempty"`
	Image *ImagePart `json:"image,omitempty"`
}

// ImagePart carries inline image content as base64 data plus its media type.
type ImagePart struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
}

// Message is one turn of a conversation. Content holds plain text; Parts is
// set instead for multi-part (e.g. image-bearing) turns.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content,omitempty"`
	Parts   []Part `json:"parts,omitempty"`
}

// Text flattens a message to its visible text.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		out += p.Text
	}
	return out
}

// Request is the provider-agnostic chat request. Immutable once dispatched.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
	EnableTools bool      `json:"enable_tools"`

	// Metadata for accounting and tracing.
	UserID    string `json:"-"`
	RequestID string `json:"-"`
}

// Response is a completed (non-streaming) chat result.
type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	LatencyMs    int64
	// UsedWebSearch is set when the upstream reports search-grounding
	// metadata on the answer (Gemini only).
	UsedWebSearch bool
}

// Chunk is one unit of a token stream. Delta fragments arrive in decoder
// order for a single stream; there is no cross-stream ordering. Grounded is
// set on the final chunk when the upstream reported search-grounding
// metadata during the stream.
type Chunk struct {
	Delta    string
	Done     bool
	Grounded bool
	Err      error
}

// Adapter is implemented by each protocol family.
type Adapter interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
}

// ErrUnknownProtocol is returned by dispatch when the tag is outside the
// closed set.
func ErrUnknownProtocol(p Protocol) error {
	return fmt.Errorf("unknown provider protocol %q", p)
}
