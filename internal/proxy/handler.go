package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxnote/llm-gateway/internal/audit"
	"github.com/fluxnote/llm-gateway/internal/auth"
	"github.com/fluxnote/llm-gateway/internal/errclass"
	"github.com/fluxnote/llm-gateway/internal/ledger"
	"github.com/fluxnote/llm-gateway/internal/provider"
	"github.com/fluxnote/llm-gateway/internal/provider/freetier"
	"github.com/fluxnote/llm-gateway/internal/stream"
	"github.com/fluxnote/llm-gateway/pkg/ratelimit"
)

// chatRequest is the gateway entry payload. Callers either bring their own
// credentials or, with none, run on the free tier under their bearer
// identity.
type chatRequest struct {
	Credentials *provider.Credentials `json:"credentials,omitempty"`
	RequestBody provider.Request      `json:"requestBody"`
	Stream      bool                  `json:"stream"`
	TaskType    freetier.TaskType     `json:"taskType,omitempty"`
	Action      string                `json:"action,omitempty"`
	Prompt      string                `json:"prompt,omitempty"`
}

type Handler struct {
	dispatcher *Dispatcher
	ledger     *ledger.Ledger
	freeTier   *freetier.Adapter
	freeCfg    freetier.Config
	images     *freetier.ImageClient
	imagesOK   bool
	auditStore audit.Store
	limiter    *ratelimit.Limiter
	tracer     trace.Tracer
}

func NewHandler(dispatcher *Dispatcher, l *ledger.Ledger, freeTier *freetier.Adapter, freeCfg freetier.Config, tracer trace.Tracer) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		ledger:     l,
		freeTier:   freeTier,
		freeCfg:    freeCfg,
		tracer:     tracer,
	}
}

// WithImages attaches the async image client.
func (h *Handler) WithImages(c *freetier.ImageClient) *Handler {
	h.images = c
	h.imagesOK = c != nil
	return h
}

// WithAudit attaches the fire-and-forget request log.
func (h *Handler) WithAudit(s audit.Store) *Handler {
	h.auditStore = s
	return h
}

// WithLimiter attaches the per-user rate limiter.
func (h *Handler) WithLimiter(l *ratelimit.Limiter) *Handler {
	h.limiter = l
	return h
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": code, "message": message})
}

// statusFor maps a final classified error onto the HTTP status the caller
// sees. Retry state never leaks here; only the end result does.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errclass.ErrNoCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, errclass.ErrEmptyVisibleStream):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	switch errclass.ClassOf(err) {
	case errclass.RateLimited:
		return http.StatusTooManyRequests
	case errclass.Retryable, errclass.KeyInvalid:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HandleChat is the single gateway entry point. Explicit credentials select
// a protocol adapter directly; a request without credentials runs on the
// free tier and is metered.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	switch body.Action {
	case "check":
		h.usageCheck(w, r)
		return
	case "image":
		h.generateImage(w, r, body.Prompt)
		return
	}

	if body.Credentials != nil {
		h.dispatchWithCredentials(w, r, &body)
		return
	}
	h.dispatchFreeTier(w, r, &body)
}

// HandleUsageCheck serves the quota snapshot as a plain GET.
func (h *Handler) HandleUsageCheck(w http.ResponseWriter, r *http.Request) {
	h.usageCheck(w, r)
}

// HandleImage serves the image workflow as a dedicated route.
func (h *Handler) HandleImage(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	h.generateImage(w, r, body.Prompt)
}

// HandleKeyStats exposes the masked key-pool snapshot for one configuration.
func (h *Handler) HandleKeyStats(w http.ResponseWriter, r *http.Request) {
	configID := r.URL.Query().Get("config")
	if configID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "config query parameter is required")
		return
	}
	pool, ok := h.dispatcher.Pools().Lookup(configID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no key pool for this configuration")
		return
	}
	writeJSON(w, http.StatusOK, pool.Stats())
}

func (h *Handler) dispatchWithCredentials(w http.ResponseWriter, r *http.Request, body *chatRequest) {
	creds := *body.Credentials
	if !creds.Protocol.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", provider.ErrUnknownProtocol(creds.Protocol).Error())
		return
	}

	adapter, err := h.dispatcher.AdapterFor(creds)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	req := body.RequestBody
	if req.Model == "" {
		req.Model = creds.Model
	}
	h.finishRequest(w, r, &req, creds.Protocol, adapter, body.Stream, nil)
}

func (h *Handler) dispatchFreeTier(w http.ResponseWriter, r *http.Request, body *chatRequest) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "free-tier requests require a bearer token")
		return
	}
	if !h.freeCfg.Configured() {
		writeError(w, http.StatusServiceUnavailable, "misconfigured", "free-tier credential is not configured")
		return
	}

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(r.Context(), identity.UserID)
		if err != nil || !allowed {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests, slow down")
			return
		}
	}

	task := body.TaskType
	if task != freetier.TaskAnalysis {
		task = freetier.TaskConversation
	}

	// Analysis helpers bypass the quota entirely; conversations are gated
	// before any upstream dispatch.
	var charged *ledger.Snapshot
	if task == freetier.TaskConversation {
		_, ok, err := h.ledger.CheckConversation(r.Context(), identity.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "ledger_error", "could not load usage record")
			return
		}
		if !ok {
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":        "quota_exceeded",
				"message":      "weekly free-tier limit reached",
				"remaining":    0,
				"needsUpgrade": true,
			})
			return
		}
	}

	req := body.RequestBody
	req.UserID = identity.UserID
	req.Model = h.freeTier.ModelFor(task)

	if body.Stream && task == freetier.TaskConversation {
		// Optimistic accounting: a request that starts streaming is billed
		// even if the client disconnects mid-stream. The charge lands before
		// the first byte is flushed.
		snap, err := h.ledger.ChargeConversation(r.Context(), identity.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "ledger_error", "could not update usage record")
			return
		}
		charged = &snap
	}

	h.finishRequest(w, r, &req, provider.ProtocolFreeTier, h.freeTier, body.Stream, func(resp *provider.Response) map[string]any {
		if task != freetier.TaskConversation {
			return nil
		}
		if charged == nil {
			// Non-streaming: bill after the completion succeeded.
			snap, err := h.ledger.ChargeConversation(context.WithoutCancel(r.Context()), identity.UserID)
			if err != nil {
				log.WithField("user_id", identity.UserID).Errorf("usage charge failed: %v", err)
				return nil
			}
			charged = &snap
		}
		return map[string]any{
			"conversationCount": charged.ConversationCount,
			"remaining":         charged.Remaining,
		}
	})
}

// finishRequest runs the dispatch and writes the response. systemCredits,
// when non-nil, is invoked after a successful non-streaming completion and
// its result is attached as the _systemCredits side channel.
func (h *Handler) finishRequest(w http.ResponseWriter, r *http.Request, req *provider.Request, protocol provider.Protocol, adapter provider.Adapter, streaming bool, systemCredits func(*provider.Response) map[string]any) {
	ctx := r.Context()
	if req.RequestID == "" {
		req.RequestID = auth.RequestID(ctx)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	ctx, span := h.tracer.Start(ctx, "gateway.chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("protocol", string(protocol)),
		attribute.String("model", req.Model),
		attribute.String("request_id", req.RequestID),
		attribute.Bool("stream", streaming),
	)

	start := time.Now()
	if streaming {
		ch, err := h.dispatcher.ExecuteStream(ctx, protocol, adapter, req)
		if err != nil {
			writeError(w, statusFor(err), "upstream_error", err.Error())
			h.logAudit(req, adapter.Name(), statusFor(err), err, start)
			return
		}
		// Once events are on the wire a mid-stream failure just stops the
		// flow without a [DONE] sentinel. A stream that dies before its
		// first event can still answer with a real error status.
		wrote, err := stream.Relay(w, req.Model, ch)
		if err != nil {
			if !wrote {
				w.Header().Del("Content-Type")
				w.Header().Del("Cache-Control")
				w.Header().Del("Connection")
				status := statusFor(err)
				writeError(w, status, "upstream_error", err.Error())
				h.logAudit(req, adapter.Name(), status, err, start)
				return
			}
			log.WithField("request_id", req.RequestID).Warnf("stream ended with error: %v", err)
			h.logAudit(req, adapter.Name(), http.StatusOK, err, start)
			return
		}
		h.logAudit(req, adapter.Name(), http.StatusOK, nil, start)
		return
	}

	resp, err := h.dispatcher.Execute(ctx, protocol, adapter, req)
	if err != nil {
		status := statusFor(err)
		writeError(w, status, "upstream_error", err.Error())
		h.logAudit(req, adapter.Name(), status, err, start)
		return
	}

	out := completionJSON(resp)
	if systemCredits != nil {
		if credits := systemCredits(resp); credits != nil {
			out["_systemCredits"] = credits
		}
	}
	writeJSON(w, http.StatusOK, out)
	h.logAuditResponse(req, resp, start)
}

// completionJSON echoes the completion in the chat-completions shape every
// client of the gateway already understands.
func completionJSON(resp *provider.Response) map[string]any {
	id := resp.ID
	if id == "" {
		id = uuid.New().String()
	}
	out := map[string]any{
		"id":       id,
		"object":   "chat.completion",
		"model":    resp.Model,
		"provider": resp.Provider,
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": resp.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     resp.InputTokens,
			"completion_tokens": resp.OutputTokens,
			"total_tokens":      resp.InputTokens + resp.OutputTokens,
		},
	}
	if resp.UsedWebSearch {
		out["grounded"] = true
	}
	return out
}

func (h *Handler) usageCheck(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "usage check requires a bearer token")
		return
	}
	snap, err := h.ledger.Snapshot(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger_error", "could not load usage record")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversationCount": snap.ConversationCount,
		"weeklyLimit":       snap.WeeklyLimit,
		"bonusCredits":      snap.BonusCredits,
		"remaining":         snap.Remaining,
		"imageCount":        snap.ImageCount,
		"imageLimit":        snap.ImageLimit,
		"imageRemaining":    snap.ImageRemaining,
		"model":             h.freeTier.ModelFor(freetier.TaskConversation),
		"isAdmin":           identity.Admin,
	})
}

func (h *Handler) generateImage(w http.ResponseWriter, r *http.Request, prompt string) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "image generation requires a bearer token")
		return
	}
	if !h.imagesOK {
		writeError(w, http.StatusServiceUnavailable, "misconfigured", "image generation is not configured")
		return
	}
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "prompt is required")
		return
	}

	snap, err := h.ledger.Snapshot(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger_error", "could not load usage record")
		return
	}
	if snap.ImageRemaining <= 0 {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":        "quota_exceeded",
			"message":      "weekly image limit reached",
			"remaining":    0,
			"needsUpgrade": true,
		})
		return
	}

	url, err := h.images.Generate(r.Context(), prompt)
	if err != nil {
		// No quota is consumed for failed or timed-out jobs.
		if errors.Is(err, errclass.ErrImagePollTimeout) {
			writeError(w, http.StatusGatewayTimeout, "image_timeout", err.Error())
			return
		}
		writeError(w, statusFor(err), "image_error", err.Error())
		return
	}

	after, err := h.ledger.ChargeImage(context.WithoutCancel(r.Context()), identity.UserID)
	if err != nil {
		log.WithField("user_id", identity.UserID).Errorf("image charge failed: %v", err)
		after = snap
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":            url,
		"imageCount":     after.ImageCount,
		"imageLimit":     after.ImageLimit,
		"imageRemaining": after.ImageRemaining,
	})
}

func (h *Handler) logAudit(req *provider.Request, providerName string, status int, err error, start time.Time) {
	if h.auditStore == nil {
		return
	}
	entry := &audit.Entry{
		UserID:     req.UserID,
		RequestID:  req.RequestID,
		Provider:   providerName,
		Model:      req.Model,
		LatencyMs:  time.Since(start).Milliseconds(),
		StatusCode: status,
	}
	if err != nil {
		entry.ErrorClass = errclass.ClassOf(err).String()
	}
	h.writeAudit(entry)
}

func (h *Handler) logAuditResponse(req *provider.Request, resp *provider.Response, start time.Time) {
	if h.auditStore == nil {
		return
	}
	h.writeAudit(&audit.Entry{
		UserID:       req.UserID,
		RequestID:    req.RequestID,
		Provider:     resp.Provider,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		LatencyMs:    time.Since(start).Milliseconds(),
		StatusCode:   http.StatusOK,
	})
}

func (h *Handler) writeAudit(entry *audit.Entry) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.auditStore.Log(ctx, entry); err != nil {
			log.Warnf("audit write failed: %v", err)
		}
	}()
}
