package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/arcwell/relaygate/internal"
	"github.com/arcwell/relaygate/internal/pipeline"
	"github.com/arcwell/relaygate/internal/transform"
)

// serviceForProviderType maps a registered gateway.Provider's Type() back to
// the gateway.Service enum the credential pool partitions by. Mirrors
// cmd/gandalf's identically-named wiring-time helper; duplicated here since
// the two live in different binaries' internal trees and the mapping is a
// handful of closed-enumeration cases, not worth exporting a shared package
// for.
func serviceForProviderType(provType string) gateway.Service {
	switch provType {
	case "openai":
		return gateway.ServiceOpenAI
	case "anthropic":
		return gateway.ServiceAnthropic
	case "gemini":
		return gateway.ServiceGoogle
	case "mistral":
		return gateway.ServiceMistral
	case "ollama":
		return gateway.ServiceOllama
	default:
		return ""
	}
}

// resolveService determines which Service a chat request's model belongs to
// by resolving it through the router to its first candidate provider. This
// is the pipeline path's substitute for the direct path's ordered-failover
// target list: the pipeline itself owns failover (via retry-and-rotate
// across the credential pool), so only one Service classification is needed
// up front.
func (s *server) resolveService(r *http.Request, model string) (gateway.Service, error) {
	targets, err := s.deps.Router.ResolveModel(r.Context(), model)
	if err != nil || len(targets) == 0 {
		return "", err
	}
	prov, err := s.deps.Providers.Get(targets[0].ProviderID)
	if err != nil {
		return "", err
	}
	return serviceForProviderType(prov.Type()), nil
}

// dispatchViaPipeline adapts a pipeline.RequestContext's bound credential and
// provider into the gateway.Provider call the spec's Stage B makes, per
// DispatchFunc's contract. It runs Stage A.2's "outbound transform" for
// real: rc.Changes.Body() always carries the inbound OpenAI-shaped request,
// so this resolves the bound provider's native Format, runs
// internal/transform's registered (OpenAI, outbound) pair, and records the
// translated bytes on the ChangeManager before dispatch. Providers that
// implement gateway.TransformDispatcher are sent those translated bytes
// directly; everything else (plain OpenAI-compatible dialects) dispatches
// through ChatCompletion/ChatCompletionStream as before, since for them the
// transform is the identity transform anyway.
func dispatchViaPipeline(ctx context.Context, cred gateway.Credential, prov gateway.Provider, rc *pipeline.RequestContext) (*gateway.ChatResponse, <-chan gateway.StreamChunk, error) {
	var req gateway.ChatRequest
	if err := json.Unmarshal(rc.Changes.Body(), &req); err != nil {
		return nil, nil, err
	}

	outbound := transform.FormatForProviderType(prov.Type())
	nativeBody, err := transform.TranslateRequest(transform.FormatOpenAI, outbound, &req)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatch: outbound transform: %w", err)
	}
	rc.Changes.SetBody(nativeBody)

	td, ok := prov.(gateway.TransformDispatcher)
	if !ok || outbound == transform.FormatOpenAI {
		if rc.Stream {
			ch, err := prov.ChatCompletionStream(ctx, &req)
			return nil, ch, err
		}
		resp, err := prov.ChatCompletion(ctx, &req)
		return resp, nil, err
	}

	if rc.Stream {
		ch, err := td.DispatchTransformedStream(ctx, req.Model, nativeBody)
		return nil, ch, err
	}
	respBody, err := td.DispatchTransformed(ctx, req.Model, nativeBody)
	if err != nil {
		return nil, nil, err
	}
	resp, err := transform.TranslateResponse(transform.FormatOpenAI, outbound, respBody)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatch: inbound transform: %w", err)
	}
	return resp, nil, nil
}

// handleChatCompletionPipeline routes a chat completion through the
// credential-pool/cache-affinity/queue pipeline instead of Proxy's direct
// ordered-failover dispatch, for both the blocking and streaming cases.
// The authenticated identity's KeyID doubles as the pipeline's userstore
// token: ensureUserStoreEntry lazily provisions an unlimited-by-default
// userstore.Store record for it on first use, so Stage A's per-family
// quota admission (HasAvailableQuota) runs for every real request instead
// of being skipped for want of a token. Per-family limits on top of that
// default are configured the same way any other userstore.Store record is,
// via Upsert.
func (s *server) handleChatCompletionPipeline(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest, identity *gateway.Identity, estimated int64) {
	service, err := s.resolveService(r, req.Model)
	if err != nil || service == "" {
		writeUpstreamError(w, r.Context(), gateway.ErrModelNotAllowed)
		return
	}

	body, err := json.Marshal(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	claimedOutput := int64(0)
	if req.MaxTokens != nil {
		claimedOutput = int64(*req.MaxTokens)
	}

	token := ""
	if identity != nil {
		token = identity.KeyID
	}
	s.ensureUserStoreEntry(token)

	rc, err := s.deps.Pipeline.Admit(r.Context(), pipeline.AdmitRequest{
		Token:         token,
		Service:       service,
		Model:         req.Model,
		Path:          r.URL.Path,
		Body:          body,
		Stream:        req.Stream,
		StreamCapable: true,
		PromptTokens:  estimated,
		ClaimedOutput: claimedOutput,
		Dispatch:      dispatchViaPipeline,
	})
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}

	start := time.Now()
	res, err := rc.Wait(r.Context())
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}

	if req.Stream {
		s.finishPipelineStream(w, r, rc, res, identity, estimated, start)
		return
	}

	resp, info, err := s.deps.ResponseHandler.FinishBlocking(rc, res, "openai", "openai", false, start)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}

	s.adjustTPM(identity, estimated, resp.Usage)

	if s.deps.Cache != nil && identity != nil && isCacheable(req) {
		if data, err := json.Marshal(resp); err == nil {
			s.deps.Cache.Set(r.Context(), cacheKey(identity.KeyID, req), data, s.cacheTTL(r.Context(), req))
		}
	}

	s.recordPipelineUsage(r, identity, req.Model, rc.Family, resp.Usage, info.LatencyMs, http.StatusOK)
	writeJSON(w, http.StatusOK, resp)
}

// ensureUserStoreEntry lazily creates a userstore.Store record for token if
// one doesn't already exist, so Pipeline.Admit's HasAvailableQuota check has
// somewhere to look up a first-seen authenticated key rather than failing
// admission with gateway.ErrNotFound. A lazily-created record carries no
// TokenLimits, which HasAvailableQuota treats as unlimited for every family
// until an operator narrows it via Users.Upsert; Create's ErrConflict on a
// races-with-itself double-create is expected and ignored.
func (s *server) ensureUserStoreEntry(token string) {
	if token == "" || s.deps.Pipeline == nil || s.deps.Pipeline.Users == nil {
		return
	}
	if _, ok := s.deps.Pipeline.Users.Get(token); ok {
		return
	}
	_ = s.deps.Pipeline.Users.Create(gateway.User{Token: token, Type: gateway.UserNormal})
}

// finishPipelineStream streams res.Stream to the client verbatim via
// responsehandler.DrainStream, then runs the same usage/cost bookkeeping the
// blocking path runs through FinishStreaming.
func (s *server) finishPipelineStream(w http.ResponseWriter, r *http.Request, rc *pipeline.RequestContext, res pipeline.Result, identity *gateway.Identity, estimated int64, start time.Time) {
	if res.Err != nil {
		writeUpstreamError(w, r.Context(), res.Err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}

	sink := httpSSESink{w: w, flusher: flusher}
	sr := s.deps.ResponseHandler.DrainStream(sink, res.Stream)
	s.deps.ResponseHandler.FinishStreaming(rc.Family, rc.Token, res.Credential, sr)

	if sr.Err != nil {
		s.recordPipelineUsage(r, identity, rc.Model, rc.Family, sr.Usage, time.Since(start).Milliseconds(), http.StatusBadGateway)
		return
	}
	s.adjustTPM(identity, estimated, sr.Usage)
	s.recordPipelineUsage(r, identity, rc.Model, rc.Family, sr.Usage, time.Since(start).Milliseconds(), http.StatusOK)
}

// httpSSESink implements responsehandler.Sink over the existing SSE write
// helpers, flushing after every frame so streamed content reaches the client
// immediately.
type httpSSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s httpSSESink) WriteData(data []byte) {
	writeSSEData(s.w, data)
	s.flusher.Flush()
}

func (s httpSSESink) WriteDone() {
	writeSSEDone(s.w)
	s.flusher.Flush()
}

func (s httpSSESink) WriteError(message string) {
	writeSSEError(s.w, message)
	s.flusher.Flush()
}

// recordPipelineUsage sends a usage record sized by the Model Registry's
// price table (responsehandler.EstimateCost) rather than the direct path's
// flat per-token placeholder, since the pipeline always knows the request's
// classified family.
func (s *server) recordPipelineUsage(r *http.Request, identity *gateway.Identity, model string, family gateway.ModelFamily, usage *gateway.Usage, latencyMs int64, status int) {
	if s.deps.Usage == nil {
		return
	}
	rec := gateway.UsageRecord{
		Model:      model,
		LatencyMs:  int(latencyMs),
		StatusCode: status,
		RequestID:  gateway.RequestIDFromContext(r.Context()),
		CreatedAt:  time.Now(),
	}
	if identity != nil {
		rec.KeyID = identity.KeyID
		rec.UserID = identity.UserID
		rec.TeamID = identity.TeamID
		rec.OrgID = identity.OrgID
	}
	if usage != nil {
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
		rec.TotalTokens = usage.TotalTokens
		if s.deps.Metrics != nil {
			s.deps.Metrics.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
			s.deps.Metrics.TokensProcessed.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
		}
	}
	if s.deps.Quota != nil && identity != nil && identity.MaxBudget > 0 && usage != nil {
		cost := s.deps.ResponseHandler.EstimateCost(family, usage, 0)
		rec.CostUSD = cost
		s.deps.Quota.Consume(identity.KeyID, cost)
	}
	s.deps.Usage.Record(rec)
}
