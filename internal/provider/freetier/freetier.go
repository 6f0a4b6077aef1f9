// Package freetier serves users without credentials of their own, using a
// fixed operator-held key over the OpenAI-protocol transport. Quota gating
// lives in the proxy; this adapter is a thin pass-through that pins the
// model and credential server-side.
package freetier

import (
	"context"

	"github.com/fluxnote/llm-gateway/internal/keypool"
	"github.com/fluxnote/llm-gateway/internal/provider"
	"github.com/fluxnote/llm-gateway/internal/provider/openai"
)

// TaskType selects which server-fixed model handles a request.
type TaskType string

const (
	// TaskConversation is user-facing chat, metered against the weekly quota.
	TaskConversation TaskType = "conversation"
	// TaskAnalysis covers helper calls (titles, summaries, canvas layout
	// hints); it is never metered.
	TaskAnalysis TaskType = "analysis"
)

// Config pins the operator credential and models.
type Config struct {
	APIKey            string
	BaseURL           string
	ConversationModel string
	AnalysisModel     string
}

// Configured reports whether the operator credential is present. The proxy
// answers 503 when it is not.
func (c Config) Configured() bool {
	return c.APIKey != "" && c.BaseURL != ""
}

type Adapter struct {
	cfg      Config
	upstream *openai.Adapter
}

// New builds the adapter over its own single-key pool. The pool is never
// shared with caller configurations.
func New(cfg Config, opts ...openai.Option) *Adapter {
	return &Adapter{
		cfg:      cfg,
		upstream: openai.New(keypool.New(cfg.APIKey), cfg.BaseURL, opts...),
	}
}

func (a *Adapter) Name() string { return "free-tier" }

// ModelFor maps a task type to the pinned model name.
func (a *Adapter) ModelFor(task TaskType) string {
	if task == TaskAnalysis && a.cfg.AnalysisModel != "" {
		return a.cfg.AnalysisModel
	}
	return a.cfg.ConversationModel
}

// pin overrides whatever model the caller asked for; free-tier callers do
// not pick models.
func (a *Adapter) pin(req *provider.Request, task TaskType) *provider.Request {
	pinned := *req
	pinned.Model = a.ModelFor(task)
	return &pinned
}

// taskFor recovers the task from a request whose model is already one of
// the operator's own, so dispatch through the generic interface keeps the
// analysis model. Anything else is a caller-picked model and runs as a
// conversation.
func (a *Adapter) taskFor(model string) TaskType {
	if model != "" && model == a.cfg.AnalysisModel {
		return TaskAnalysis
	}
	return TaskConversation
}

// CompleteTask runs a non-streaming completion under the model for task.
func (a *Adapter) CompleteTask(ctx context.Context, req *provider.Request, task TaskType) (*provider.Response, error) {
	resp, err := a.upstream.Complete(ctx, a.pin(req, task))
	if err != nil {
		return nil, err
	}
	resp.Provider = a.Name()
	return resp, nil
}

// CompleteStreamTask runs a streaming completion under the model for task.
func (a *Adapter) CompleteStreamTask(ctx context.Context, req *provider.Request, task TaskType) (<-chan *provider.Chunk, error) {
	return a.upstream.CompleteStream(ctx, a.pin(req, task))
}

// Complete implements provider.Adapter, inferring the task from the model.
func (a *Adapter) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return a.CompleteTask(ctx, req, a.taskFor(req.Model))
}

// CompleteStream implements provider.Adapter, inferring the task from the
// model.
func (a *Adapter) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	return a.CompleteStreamTask(ctx, req, a.taskFor(req.Model))
}
