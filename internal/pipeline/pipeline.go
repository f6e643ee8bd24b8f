// Package pipeline implements the Request Pipeline of spec.md §4.6: Stage A
// runs synchronously before a request is enqueued (family classification,
// cache fingerprinting, quota admission), Stage B runs once a per-family
// dispatcher goroutine dequeues the request (credential bind, dispatch,
// classify-driven retry-and-rotate, usage recording). Grounded in
// internal/server/proxy.go's decode->check->dispatch->record staging and
// internal/app/proxy.go's failover loop, generalized from a single ordered
// target list into the Credential Pool + Queue's cooperative scheduler.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	gateway "github.com/arcwell/relaygate/internal"
	"github.com/arcwell/relaygate/internal/cacherouter"
	"github.com/arcwell/relaygate/internal/classify"
	"github.com/arcwell/relaygate/internal/credpool"
	"github.com/arcwell/relaygate/internal/queue"
	"github.com/arcwell/relaygate/internal/registry"
	"github.com/arcwell/relaygate/internal/userstore"
	"github.com/arcwell/relaygate/internal/worker"
)

// DispatchFunc performs the actual upstream call for one attempt, once
// Stage B has bound a credential and a provider client for it. Keeping
// dispatch a caller-supplied callback keeps this package agnostic to
// operation kind (chat, embeddings, images) and to request format -- the
// server package's implementation applies internal/transform's outbound
// translation here, since only at this point is the provider's native
// Format known.
type DispatchFunc func(ctx context.Context, cred gateway.Credential, prov gateway.Provider, rc *RequestContext) (*gateway.ChatResponse, <-chan gateway.StreamChunk, error)

// ProviderResolver maps a selected credential to the gateway.Provider that
// should dispatch it. gateway.Credential carries only a coarse Service
// enum and a Hash, not a provider-registry instance name, so this mapping
// cannot be derived from the credential alone when more than one
// provider.Registry entry shares a Service (e.g. two OpenAI-compatible
// endpoints, or a direct-Anthropic credential alongside a Vertex one).
// Callers build the mapping once at wiring time, typically a
// map[hash]gateway.Provider populated alongside each credpool.Pool.Add
// call in cmd/gandalf/run.go.
type ProviderResolver interface {
	ResolveCredential(cred gateway.Credential) (gateway.Provider, error)
}

// ProviderResolverFunc adapts a function to ProviderResolver.
type ProviderResolverFunc func(cred gateway.Credential) (gateway.Provider, error)

func (f ProviderResolverFunc) ResolveCredential(cred gateway.Credential) (gateway.Provider, error) {
	return f(cred)
}

// Result is what a RequestContext's Wait returns once Stage B finishes (for
// better or worse) with no further retry pending.
type Result struct {
	Credential gateway.Credential
	Provider   gateway.Provider
	Response   *gateway.ChatResponse
	Stream     <-chan gateway.StreamChunk
	Err        error
}

// AdmitRequest is Stage A's input: the inbound OpenAI-shaped request body,
// plus the token-count estimate needed for quota admission. Body travels
// through Stage A and the queue unchanged; internal/transform's outbound
// translation (spec.md §4.6 item 2) runs in Stage B's Dispatch callback,
// once a credential and provider are bound and the provider's native Format
// is known.
type AdmitRequest struct {
	Token          string
	Service        gateway.Service
	Model          string
	Path           string
	Body           []byte
	Stream         bool
	StreamCapable  bool
	PromptTokens   int64
	ClaimedOutput  int64
	MaxAttempts    int
	Dispatch       DispatchFunc
}

// RequestContext is the mutable state threaded through Stage B for one
// admitted request, mirroring the teacher's single mutable requestMeta
// idiom from internal/gateway.go.
type RequestContext struct {
	Ctx     context.Context
	Token   string
	Service gateway.Service
	Family  gateway.ModelFamily
	Model   string
	Stream  bool

	Fingerprint string
	Prefixes    []string

	PromptTokens  int64
	ClaimedOutput int64

	Attempt     int
	MaxAttempts int

	Changes  *ChangeManager
	Dispatch DispatchFunc

	result chan Result
}

// Wait blocks until Stage B finishes this request (success or exhausted
// retries) or ctx is cancelled first.
func (rc *RequestContext) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-rc.result:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Pipeline wires the Model Registry, Credential Pool, Queue, User Store,
// and Cache-Affinity Router into the two-stage request flow.
type Pipeline struct {
	Registry    *registry.Registry
	Pool        *credpool.Pool
	Queue       *queue.Manager
	Users       *userstore.Store
	Cache       *cacherouter.Router
	Providers   ProviderResolver
	MaxAttempts int
}

// New creates a wired Pipeline. maxAttempts bounds retry-and-rotate per
// request when an AdmitRequest doesn't specify its own.
func New(reg *registry.Registry, pool *credpool.Pool, q *queue.Manager, users *userstore.Store, cache *cacherouter.Router, providers ProviderResolver, maxAttempts int) *Pipeline {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Pipeline{
		Registry:    reg,
		Pool:        pool,
		Queue:       q,
		Users:       users,
		Cache:       cache,
		Providers:   providers,
		MaxAttempts: maxAttempts,
	}
}

// Admit runs Stage A: classify the model family, compute the cache
// fingerprint, check streaming eligibility, check quota admission, and
// enqueue. The returned RequestContext's Wait blocks for Stage B's result.
func (p *Pipeline) Admit(ctx context.Context, req AdmitRequest) (*RequestContext, error) {
	if req.Stream && !req.StreamCapable {
		return nil, gateway.ErrStreamingNotAllowed
	}

	family := p.Registry.Family(req.Service, req.Model)

	fp, prefixes, _ := cacherouter.Fingerprint(req.Body)

	if req.Token != "" {
		requested := req.PromptTokens + req.ClaimedOutput
		ok, err := p.Users.HasAvailableQuota(req.Token, family, requested)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, gateway.ErrQuotaExceeded
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}

	rc := &RequestContext{
		Ctx:           ctx,
		Token:         req.Token,
		Service:       req.Service,
		Family:        family,
		Model:         req.Model,
		Stream:        req.Stream,
		Fingerprint:   fp,
		Prefixes:      prefixes,
		PromptTokens:  req.PromptTokens,
		ClaimedOutput: req.ClaimedOutput,
		MaxAttempts:   maxAttempts,
		Changes:       NewChangeManager(req.Path, req.Body),
		Dispatch:      req.Dispatch,
		result:        make(chan Result, 1),
	}

	p.Queue.Enqueue(family, rc)
	return rc, nil
}

// Workers returns one dispatcher per model family, ready to hand to
// worker.NewRunner alongside the gateway's other background tasks.
func (p *Pipeline) Workers() []worker.Worker {
	families := p.Registry.AllFamilies()
	out := make([]worker.Worker, 0, len(families))
	for _, family := range families {
		service, ok := familyService[family]
		if !ok {
			continue
		}
		out = append(out, &dispatcher{pipeline: p, family: family, service: service})
	}
	return out
}

// familyService maps each closed-enumeration ModelFamily back to the
// Service that owns it, since queue.Manager.Dequeue needs a Service to
// consult credpool.Pool.LockoutRemaining and registry.Registry doesn't
// expose a reverse lookup (its tables are keyed the other way, by design:
// first-match regex per service).
var familyService = map[gateway.ModelFamily]gateway.Service{
	registry.FamilyGPT4o:          gateway.ServiceOpenAI,
	registry.FamilyGPTReasoning:   gateway.ServiceOpenAI,
	registry.FamilyGPTLegacy:      gateway.ServiceOpenAI,
	registry.FamilyGPTImage:       gateway.ServiceOpenAI,
	registry.FamilyDallE:          gateway.ServiceOpenAI,
	registry.FamilyClaudeOpus:     gateway.ServiceAnthropic,
	registry.FamilyClaudeSonnet:   gateway.ServiceAnthropic,
	registry.FamilyClaudeHaiku:    gateway.ServiceAnthropic,
	registry.FamilyClaudeLegacy:   gateway.ServiceAnthropic,
	registry.FamilyGeminiPro:      gateway.ServiceGoogle,
	registry.FamilyGeminiFlash:    gateway.ServiceGoogle,
	registry.FamilyMistralLarge:   gateway.ServiceMistral,
	registry.FamilyMistralSmall:   gateway.ServiceMistral,
	registry.FamilyOllamaDefault:  gateway.ServiceOllama,
	registry.FamilyUnknownDefault: gateway.ServiceOpenAI,
}

// dispatcher is one family's Stage B worker: it loops Dequeue -> process
// until ctx is cancelled, implementing worker.Worker so it runs under the
// teacher's errgroup-supervised worker.Runner.
type dispatcher struct {
	pipeline *Pipeline
	family   gateway.ModelFamily
	service  gateway.Service
}

func (d *dispatcher) Name() string { return "pipeline_dispatch_" + string(d.family) }

func (d *dispatcher) Run(ctx context.Context) error {
	for {
		item, err := d.pipeline.Queue.Dequeue(ctx, d.family, d.service)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		rc, ok := item.Payload.(*RequestContext)
		if !ok {
			continue
		}
		d.pipeline.process(d.family, d.service, item, rc)
	}
}

// errorBodyProvider mirrors internal/classify's httpStatusError pattern: errors
// that want their raw response snippet consulted implement ErrorBody.
// internal/provider.APIError does; dispatch callbacks wrapping other error
// types simply don't get body-based sub-classification.
type errorBodyProvider interface {
	ErrorBody() string
}

// process implements Stage B: bind a credential, mutate+dispatch,
// classify, and either finish the request or retry-and-rotate.
func (p *Pipeline) process(family gateway.ModelFamily, service gateway.Service, item *queue.Item, rc *RequestContext) {
	rc.Attempt = item.RetryCount + 1

	cred, err := p.Pool.Select(family, service, credpool.SelectOptions{
		RequestBody: rc.Changes.Body(),
		Fingerprint: rc.Fingerprint,
		Affinity:    p.Cache,
	})
	if err != nil {
		rc.result <- Result{Err: err}
		return
	}

	prov, err := p.Providers.ResolveCredential(cred)
	if err != nil {
		rc.result <- Result{Err: fmt.Errorf("pipeline: resolve provider for credential %s: %w", cred.Hash, err)}
		return
	}

	rc.Changes.SetKey(cred)
	resp, stream, dispatchErr := rc.Dispatch(rc.Ctx, cred, prov, rc)

	if dispatchErr == nil {
		p.Pool.RecordSuccess(cred.Hash)
		if rc.Fingerprint != "" {
			p.Cache.RecordCacheUsage(rc.Fingerprint, rc.Prefixes, cred.Hash, 0)
		}
		rc.Changes.Revert()
		rc.result <- Result{Credential: cred, Provider: prov, Response: resp, Stream: stream}
		return
	}

	status := 0
	var hse interface{ HTTPStatus() int }
	if errors.As(dispatchErr, &hse) {
		status = hse.HTTPStatus()
	}
	body := ""
	var be errorBodyProvider
	if errors.As(dispatchErr, &be) {
		body = be.ErrorBody()
	}

	result := classify.Classify(rc.Ctx, dispatchErr, status, body)
	p.Pool.RecordError(cred.Hash, errorWeight(result.Outcome))

	// §7/§4.2: a revoked credential is disabled and the request rotates to
	// another one within budget even though Unauthorized itself classifies
	// non-retryable (there's nothing to retry with THIS credential); an
	// over-quota credential is disabled outright rather than given a short
	// rate-limit lockout, since it won't self-recover the way a 429 does.
	retryable := result.Retryable
	switch result.Outcome {
	case classify.OutcomeRateLimited:
		p.Pool.MarkRateLimited(cred.Hash)
		p.Queue.Notify(family)
	case classify.OutcomeCredentialOverQuota:
		p.Pool.Disable(cred.Hash, "quota")
		p.Queue.Notify(family)
	case classify.OutcomeUnauthorized:
		p.Pool.Disable(cred.Hash, "revoked")
		retryable = true
	}
	rc.Changes.Revert()

	if !retryable || rc.Attempt >= rc.MaxAttempts {
		rc.result <- Result{Err: result.Err}
		return
	}

	delay := queue.NextDelay(service, item.RetryCount)
	time.AfterFunc(delay, func() {
		p.Queue.Reenqueue(family, item)
	})
}

// errorWeight scales how hard a failure counts against a credential's
// circuit breaker: transient upstream/fatal errors are weighted as a full
// failure, rate limits (self-correcting via MarkRateLimited) and over-quota
// responses (the credential is disabled) count for less.
func errorWeight(o classify.Outcome) float64 {
	switch o {
	case classify.OutcomeUpstreamTransient, classify.OutcomeFatal:
		return 1.0
	case classify.OutcomeRateLimited, classify.OutcomeCredentialOverQuota:
		return 0.5
	default:
		return 0.25
	}
}
