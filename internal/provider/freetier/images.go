package freetier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fluxnote/llm-gateway/internal/errclass"
	"github.com/fluxnote/llm-gateway/internal/worker"
)

// ImageConfig points at the operator's async image service.
type ImageConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

func (c ImageConfig) Configured() bool {
	return c.BaseURL != "" && c.APIKey != ""
}

// ImageClient speaks the submit/poll protocol of the image service: submit
// returns a request id, then a status endpoint reports progress until a
// terminal state.
type ImageClient struct {
	cfg    ImageConfig
	client *http.Client
	poller worker.Poller
}

func NewImageClient(cfg ImageConfig) *ImageClient {
	return &ImageClient{
		cfg:    ImageConfig{BaseURL: strings.TrimSuffix(cfg.BaseURL, "/"), APIKey: cfg.APIKey, Model: cfg.Model},
		client: http.DefaultClient,
		poller: worker.NewPoller(),
	}
}

// WithHTTPClient overrides the transport, mainly for tests.
func (c *ImageClient) WithHTTPClient(hc *http.Client) *ImageClient {
	c.client = hc
	return c
}

// WithPoller overrides polling cadence, mainly for tests.
func (c *ImageClient) WithPoller(p worker.Poller) *ImageClient {
	c.poller = p
	return c
}

type submitRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type submitResponse struct {
	RequestID string `json:"requestId"`
}

type statusResponse struct {
	Status worker.State `json:"status"`
	URL    string       `json:"url"`
	Error  string       `json:"error"`
}

// Submit enqueues a generation job and returns its request id.
func (c *ImageClient) Submit(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(submitRequest{Model: c.cfg.Model, Prompt: prompt})
	if err != nil {
		return "", err
	}
	resp, err := c.post(ctx, c.cfg.BaseURL+"/images/generations", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding submit response: %w", err)
	}
	if out.RequestID == "" {
		return "", fmt.Errorf("image service returned no request id")
	}
	return out.RequestID, nil
}

// Generate runs the full submit-then-poll workflow and returns the media
// URL. Terminal failures and polling exhaustion surface as errors; the
// caller only charges quota on success.
func (c *ImageClient) Generate(ctx context.Context, prompt string) (string, error) {
	requestID, err := c.Submit(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("submitting image job: %w", err)
	}

	res, err := c.poller.Wait(ctx, requestID, c.status)
	if err != nil {
		return "", err
	}
	switch res.State {
	case worker.StateSucceeded:
		if res.URL == "" {
			return "", fmt.Errorf("image job %s succeeded without a media url", requestID)
		}
		return res.URL, nil
	default:
		reason := res.Reason
		if reason == "" {
			reason = string(res.State)
		}
		return "", fmt.Errorf("image job %s %s: %s", requestID, res.State, reason)
	}
}

func (c *ImageClient) status(ctx context.Context, requestID string) (worker.PollResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/images/status/"+requestID, nil)
	if err != nil {
		return worker.PollResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return worker.PollResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return worker.PollResult{}, errclass.New(resp.StatusCode, string(respBody), nil)
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return worker.PollResult{}, err
	}
	return worker.PollResult{State: out.Status, URL: out.URL, Reason: out.Error}, nil
}

func (c *ImageClient) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errclass.New(0, err.Error(), err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, errclass.New(resp.StatusCode, string(respBody), nil)
	}
	return resp, nil
}
