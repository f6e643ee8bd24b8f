// Package responsehandler implements the Response Handler of spec.md §4.7:
// the blocking-JSON and streaming-SSE paths that both funnel through the
// same credential/user usage increment once the response has already been
// reverse-transformed; the blocking path also counts response tokens and
// builds the ProxyInfo envelope. Grounded in
// internal/server/proxy.go's handleChatCompletion/handleChatCompletionStream
// /processStreamChunk split and internal/provider/sseutil's chunk builders.
package responsehandler

import (
	"time"

	gateway "github.com/arcwell/relaygate/internal"
	"github.com/arcwell/relaygate/internal/credpool"
	"github.com/arcwell/relaygate/internal/pipeline"
	"github.com/arcwell/relaygate/internal/registry"
	"github.com/arcwell/relaygate/internal/userstore"
)

// ProxyInfo mirrors spec.md §4.7's injectProxyInfo blocking-only middleware:
// a {logged, tokens, service, in_api, out_api, prompt_transformed} object
// attached to the response envelope for observability.
type ProxyInfo struct {
	Logged            bool
	Tokens            int64
	Service           gateway.Service
	InAPI             string
	OutAPI            string
	PromptTransformed bool
	CacheHit          bool
	LatencyMs         int64
}

// Handler runs the common middleware list shared by the blocking and
// streaming entry paths.
type Handler struct {
	Pool     *credpool.Pool
	Users    *userstore.Store
	Registry *registry.Registry
}

// New creates a Handler wired to the Credential Pool, User Store, and Model
// Registry it must update/consult for every completed attempt.
func New(pool *credpool.Pool, users *userstore.Store, reg *registry.Registry) *Handler {
	return &Handler{Pool: pool, Users: users, Registry: reg}
}

// FinishBlocking runs the blocking-path middleware list against a
// successfully dispatched pipeline.Result: countResponseTokens,
// incrementUsage, then builds the ProxyInfo envelope. res.Response has
// already been through internal/transform's inbound reverse-transform by
// this point (dispatchViaPipeline runs it as part of Stage B, before the
// result ever reaches Wait). FinishBlocking returns the response and its
// ProxyInfo; writing the HTTP response and its headers is left to the caller.
func (h *Handler) FinishBlocking(rc *pipeline.RequestContext, res pipeline.Result, inAPI, outAPI string, promptTransformed bool, start time.Time) (*gateway.ChatResponse, ProxyInfo, error) {
	if res.Err != nil {
		return nil, ProxyInfo{}, res.Err
	}

	usage := h.countResponseTokens(rc, res.Response)
	h.incrementUsage(rc, res.Credential, usage)

	info := ProxyInfo{
		Logged:            true,
		Service:           rc.Service,
		InAPI:             inAPI,
		OutAPI:            outAPI,
		PromptTransformed: promptTransformed,
		LatencyMs:         time.Since(start).Milliseconds(),
	}
	if usage != nil {
		info.Tokens = int64(usage.TotalTokens)
	}
	return res.Response, info, nil
}

// countResponseTokens prefers the provider's authoritative usage object;
// responsehandler never re-tokenizes locally (that fallback lives with the
// per-service tokenizers Stage A already consulted for the prompt-side
// estimate). A response with no usage object reports the prompt-side
// estimate rc.PromptTokens as its prompt and total count; its completion
// count is zero, since the completion is not tokenized here.
func (h *Handler) countResponseTokens(rc *pipeline.RequestContext, resp *gateway.ChatResponse) *gateway.Usage {
	if resp == nil {
		return nil
	}
	if resp.Usage != nil {
		return resp.Usage
	}
	return &gateway.Usage{PromptTokens: int(rc.PromptTokens), TotalTokens: int(rc.PromptTokens)}
}

// incrementUsage implements spec.md §4.7's incrementUsage middleware:
// Pool.incrementUsage(cred, family, {input,output}) and, when the request
// carried a user token, User.incrementTokenCount.
func (h *Handler) incrementUsage(rc *pipeline.RequestContext, cred gateway.Credential, usage *gateway.Usage) {
	if usage == nil {
		return
	}
	if h.Pool != nil {
		h.Pool.IncrementUsage(cred.Hash, rc.Family, int64(usage.PromptTokens), int64(usage.CompletionTokens))
	}
	if h.Users != nil && rc.Token != "" {
		h.Users.IncrementTokenCount(rc.Token, rc.Family, int64(usage.PromptTokens), int64(usage.CompletionTokens))
	}
}

// EstimateCost prices a completed response against the Model Registry's
// static per-million-token (or per-image) table, replacing the teacher's
// flat "$0.01 per 1K tokens" placeholder (internal/server/proxy.go's
// estimateCost) with the family-aware price table Stage A already
// classified the request into.
func (h *Handler) EstimateCost(family gateway.ModelFamily, usage *gateway.Usage, images int) float64 {
	price := h.Registry.PriceOf(family)
	if h.Registry.IsImageFamily(family) {
		return price.PerImage * float64(images)
	}
	if usage == nil {
		return 0
	}
	return float64(usage.PromptTokens)/1_000_000*price.InputPerM +
		float64(usage.CompletionTokens)/1_000_000*price.OutputPerM
}
