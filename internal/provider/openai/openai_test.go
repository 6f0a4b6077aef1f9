package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxnote/llm-gateway/internal/errclass"
	"github.com/fluxnote/llm-gateway/internal/keypool"
	"github.com/fluxnote/llm-gateway/internal/provider"
)

func fastPolicy() provider.RetryPolicy {
	return provider.RetryPolicy{Budget: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func chatRequest() *provider.Request {
	return &provider.Request{
		Model:    "gpt-4o-mini",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	}
}

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key-a" {
			t.Errorf("Authorization = %q, want bearer key-a", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"resp-1","model":"gpt-4o-mini","choices":[{"message":{"content":"Hello!"}}],"usage":{"prompt_tokens":12,"completion_tokens":7}}`)
	}))
	defer server.Close()

	a := New(keypool.New("key-a"), server.URL, WithRetryPolicy(fastPolicy()))
	resp, err := a.Complete(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != "Hello!" {
		t.Errorf("Content = %q, want %q", resp.Content, "Hello!")
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 7 {
		t.Errorf("usage = %d/%d, want 12/7", resp.InputTokens, resp.OutputTokens)
	}
}

func TestComplete_KeyFailoverOn403(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer bad-key" {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"error":{"message":"invalid api key"}}`)
			return
		}
		fmt.Fprint(w, `{"id":"r","model":"m","choices":[{"message":{"content":"second key worked"}}]}`)
	}))
	defer server.Close()

	pool := keypool.New("bad-key,good-key")
	a := New(pool, server.URL, WithRetryPolicy(fastPolicy()))

	resp, err := a.Complete(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != "second key worked" {
		t.Errorf("Content = %q, want failover result", resp.Content)
	}
	if s := pool.Stats(); s.Failed != 1 {
		t.Errorf("failed keys = %d, want 1", s.Failed)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("bad key tried %d times, want 1", calls)
	}
}

func TestComplete_RetryableBackoffKeepsKey(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"id":"r","model":"m","choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer server.Close()

	pool := keypool.New("only-key")
	a := New(pool, server.URL, WithRetryPolicy(fastPolicy()))

	if _, err := a.Complete(context.Background(), chatRequest()); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if s := pool.Stats(); s.Failed != 0 {
		t.Error("5xx must not mark the key failed")
	}
}

func TestComplete_NoCredentials(t *testing.T) {
	a := New(keypool.New(""), "http://unused", WithRetryPolicy(fastPolicy()))
	_, err := a.Complete(context.Background(), chatRequest())
	if !errors.Is(err, errclass.ErrNoCredentials) {
		t.Fatalf("Complete returned %v, want ErrNoCredentials", err)
	}
}

func TestComplete_FatalNoRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"model does not exist"}}`)
	}))
	defer server.Close()

	a := New(keypool.New("k"), server.URL, WithRetryPolicy(fastPolicy()))
	if _, err := a.Complete(context.Background(), chatRequest()); err == nil {
		t.Fatal("Complete succeeded on a 400")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1 (no retry on fatal)", calls)
	}
}

func TestCompleteStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var wire wireRequest
		json.NewDecoder(r.Body).Decode(&wire)
		if !wire.Stream {
			t.Error("streaming request did not set stream: true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frag := range []string{"Hello", " from", " upstream"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", frag)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	a := New(keypool.New("k"), server.URL, WithRetryPolicy(fastPolicy()))
	ch, err := a.CompleteStream(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	var content string
	var done bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		if chunk.Done {
			done = true
			continue
		}
		content += chunk.Delta
	}
	if !done {
		t.Error("stream never reported done")
	}
	if content != "Hello from upstream" {
		t.Errorf("content = %q, want %q", content, "Hello from upstream")
	}
}

func TestCompleteStream_RestartsWholeRequestOnRetryableStreamError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if atomic.AddInt32(&calls, 1) == 1 {
			fmt.Fprint(w, "data: {\"error\":{\"code\":503,\"message\":\"overloaded\"}}\n\n")
			return
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"recovered\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	a := New(keypool.New("k"), server.URL, WithRetryPolicy(fastPolicy()))
	ch, err := a.CompleteStream(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	var content string
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		content += chunk.Delta
	}
	if content != "recovered" {
		t.Errorf("content = %q, want %q", content, "recovered")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("upstream calls = %d, want 2", calls)
	}
}

func TestMapRequest_MultiPartContent(t *testing.T) {
	req := &provider.Request{
		Model: "m",
		Messages: []provider.Message{
			{Role: "user", Parts: []provider.Part{
				{Text: "what is this?"},
				{Image: &provider.ImagePart{MediaType: "image/png", Data: "aGk="}},
			}},
		},
	}
	wire := mapRequest(req, false)
	parts, ok := wire.Messages[0].Content.([]wireContentPart)
	if !ok {
		t.Fatalf("Content type = %T, want parts", wire.Messages[0].Content)
	}
	if len(parts) != 2 || parts[0].Type != "text" || parts[1].Type != "image_url" {
		t.Fatalf("parts = %+v", parts)
	}
	if !strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,") {
		t.Errorf("image url = %q, want data URI", parts[1].ImageURL.URL)
	}
}
