package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/fluxnote/llm-gateway/internal/errclass"
)

// chunkedReader returns its chunks one per Read call, so tests can split
// lines at arbitrary byte boundaries.
type chunkedReader struct {
	chunks []string
	pos    int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.chunks) {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[r.pos])
	r.pos++
	return n, nil
}

func collect(t *testing.T, r io.Reader, parse ParseFunc) ([]string, error) {
	t.Helper()
	var deltas []string
	err := Decode(context.Background(), r, parse, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	return deltas, err
}

func TestDecode_OpenAIIncrementalDeltas(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n" +
		"data: [DONE]\n"

	deltas, err := collect(t, strings.NewReader(body), OpenAILineParser())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got := strings.Join(deltas, "|"); got != "Hel|lo" {
		t.Errorf("deltas = %q, want %q", got, "Hel|lo")
	}
}

func TestDecode_LineSplitAcrossReads(t *testing.T) {
	r := &chunkedReader{chunks: []string{
		"data: {\"choices\":[{\"delta\":{\"cont",
		"ent\":\"whole\"}}]}\ndata: [DONE]\n",
	}}

	deltas, err := collect(t, r, OpenAILineParser())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(deltas) != 1 || deltas[0] != "whole" {
		t.Errorf("deltas = %v, want [whole]", deltas)
	}
}

func TestDecode_ByteStringLiteralWrapping(t *testing.T) {
	body := "data: b'{\"choices\":[{\"delta\":{\"content\":\"wrapped\"}}]}'\n" +
		`data: b"[DONE]"` + "\n"

	deltas, err := collect(t, strings.NewReader(body), OpenAILineParser())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(deltas) != 1 || deltas[0] != "wrapped" {
		t.Errorf("deltas = %v, want [wrapped]", deltas)
	}
}

func TestDecode_TrailingLineWithoutNewline(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"tail\"}}]}"

	deltas, err := collect(t, strings.NewReader(body), OpenAILineParser())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(deltas) != 1 || deltas[0] != "tail" {
		t.Errorf("deltas = %v, want [tail]", deltas)
	}
}

func TestDecode_RetryableEmbeddedError(t *testing.T) {
	body := "data: {\"error\":{\"code\":503,\"message\":\"The model is overloaded\"}}\n"

	_, err := collect(t, strings.NewReader(body), OpenAILineParser())
	if !errors.Is(err, errclass.ErrRetryableStream) {
		t.Fatalf("Decode returned %v, want ErrRetryableStream", err)
	}
}

func TestDecode_FatalEmbeddedError(t *testing.T) {
	body := "data: {\"error\":{\"code\":400,\"message\":\"invalid argument\"}}\n"

	_, err := collect(t, strings.NewReader(body), OpenAILineParser())
	if err == nil || errors.Is(err, errclass.ErrRetryableStream) {
		t.Fatalf("Decode returned %v, want a fatal classified error", err)
	}
	if errclass.ClassOf(err) != errclass.Fatal {
		t.Errorf("class = %s, want fatal", errclass.ClassOf(err))
	}
}

func geminiLine(parts ...GeminiPart) string {
	var sb strings.Builder
	sb.WriteString(`data: {"candidates":[{"content":{"parts":[`)
	for i, p := range parts {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, `{"text":%q,"thought":%v}`, p.Text, p.Thought)
	}
	sb.WriteString(`]}}]}`)
	return sb.String()
}

func TestGeminiParser_CumulativeToDeltas(t *testing.T) {
	body := geminiLine(GeminiPart{Text: "A"}) + "\n" +
		geminiLine(GeminiPart{Text: "AB"}) + "\n" +
		geminiLine(GeminiPart{Text: "ABC"}) + "\n"

	parser := NewGeminiParser(false)
	deltas, err := collect(t, strings.NewReader(body), parser.Parse)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got := strings.Join(deltas, "|"); got != "A|B|C" {
		t.Errorf("deltas = %q, want %q", got, "A|B|C")
	}
}

func TestGeminiParser_DivergentCumulativeResets(t *testing.T) {
	body := geminiLine(GeminiPart{Text: "ABC"}) + "\n" +
		geminiLine(GeminiPart{Text: "XY"}) + "\n" +
		geminiLine(GeminiPart{Text: "XYZ"}) + "\n"

	parser := NewGeminiParser(false)
	deltas, err := collect(t, strings.NewReader(body), parser.Parse)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got := strings.Join(deltas, "|"); got != "ABC|XY|Z" {
		t.Errorf("deltas = %q, want %q", got, "ABC|XY|Z")
	}
}

func TestGeminiParser_ThoughtPartsNeverEmitted(t *testing.T) {
	body := geminiLine(GeminiPart{Text: "T1", Thought: true}, GeminiPart{Text: "A1"}) + "\n" +
		geminiLine(GeminiPart{Text: "T2", Thought: true}, GeminiPart{Text: "A1A2"}) + "\n"

	parser := NewGeminiParser(false)
	deltas, err := collect(t, strings.NewReader(body), parser.Parse)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got := strings.Join(deltas, "|"); got != "A1|A2" {
		t.Errorf("deltas = %q, want %q", got, "A1|A2")
	}
	if !parser.SawVisible {
		t.Error("SawVisible = false, want true")
	}
}

func TestGeminiParser_ThoughtOnlyStream(t *testing.T) {
	body := geminiLine(GeminiPart{Text: "thinking...", Thought: true}) + "\n" +
		geminiLine(GeminiPart{Text: "thinking harder...", Thought: true}) + "\n"

	parser := NewGeminiParser(false)
	deltas, err := collect(t, strings.NewReader(body), parser.Parse)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(deltas) != 0 {
		t.Errorf("deltas = %v, want none", deltas)
	}
	if parser.SawVisible {
		t.Error("SawVisible = true for a thought-only stream")
	}
	if parser.ThoughtText() == "" {
		t.Error("thought text not accumulated for fallback")
	}
}

func TestGeminiParser_GroundingMetadataFlag(t *testing.T) {
	body := `data: {"candidates":[{"content":{"parts":[{"text":"grounded"}]},"groundingMetadata":{"webSearchQueries":["q"]}}]}` + "\n"

	parser := NewGeminiParser(false)
	if _, err := collect(t, strings.NewReader(body), parser.Parse); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !parser.SawGrounded {
		t.Error("SawGrounded = false, want true")
	}
}

func TestExtractPayload(t *testing.T) {
	cases := []struct {
		line    string
		payload string
		ok      bool
	}{
		{"data: {\"a\":1}", `{"a":1}`, true},
		{"data:{\"a\":1}", `{"a":1}`, true},
		{"data: [DONE]\r", "[DONE]", true},
		{"", "", false},
		{"event: ping", "", false},
		{`b'{"a":1}'`, `{"a":1}`, true},
		{`data: b"{\"a\":1}"`, `{\"a\":1}`, true},
	}
	for _, c := range cases {
		payload, ok := ExtractPayload(c.line)
		if ok != c.ok || payload != c.payload {
			t.Errorf("ExtractPayload(%q) = (%q, %v), want (%q, %v)", c.line, payload, ok, c.payload, c.ok)
		}
	}
}

func TestDecode_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Decode(ctx, strings.NewReader("data: [DONE]\n"), OpenAILineParser(), func(string) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Decode returned %v, want context.Canceled", err)
	}
}
