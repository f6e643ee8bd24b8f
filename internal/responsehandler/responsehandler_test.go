package responsehandler

import (
	"testing"
	"time"

	gateway "github.com/arcwell/relaygate/internal"
	"github.com/arcwell/relaygate/internal/credpool"
	"github.com/arcwell/relaygate/internal/pipeline"
	"github.com/arcwell/relaygate/internal/registry"
	"github.com/arcwell/relaygate/internal/userstore"
)

func newHandler(t *testing.T) (*Handler, *credpool.Pool) {
	t.Helper()
	pool := credpool.New()
	pool.Add(gateway.Credential{
		Hash:    "cred0001",
		Service: gateway.ServiceAnthropic,
		Kind:    gateway.KindAPIKey,
	}, 0, 0)
	users, err := userstore.New()
	if err != nil {
		t.Fatalf("userstore.New() error = %v", err)
	}
	return New(pool, users, registry.New()), pool
}

func TestFinishBlockingPropagatesDispatchError(t *testing.T) {
	t.Parallel()
	h, _ := newHandler(t)
	rc := &pipeline.RequestContext{Family: registry.FamilyClaudeSonnet}
	_, _, err := h.FinishBlocking(rc, pipeline.Result{Err: gateway.ErrNoKeyAvailable}, "openai", "openai", false, time.Now())
	if err != gateway.ErrNoKeyAvailable {
		t.Fatalf("FinishBlocking() error = %v, want ErrNoKeyAvailable", err)
	}
}

func TestFinishBlockingIncrementsPoolUsage(t *testing.T) {
	t.Parallel()
	h, pool := newHandler(t)
	rc := &pipeline.RequestContext{Family: registry.FamilyClaudeSonnet}
	res := pipeline.Result{
		Credential: gateway.Credential{Hash: "cred0001"},
		Response: &gateway.ChatResponse{
			Usage: &gateway.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
		},
	}

	resp, info, err := h.FinishBlocking(rc, res, "openai", "anthropic", true, time.Now())
	if err != nil {
		t.Fatalf("FinishBlocking() error = %v", err)
	}
	if resp.Usage.TotalTokens != 150 {
		t.Fatalf("resp.Usage.TotalTokens = %d, want 150", resp.Usage.TotalTokens)
	}
	if !info.Logged || !info.PromptTransformed || info.Tokens != 150 {
		t.Fatalf("ProxyInfo = %+v, unexpected", info)
	}

	cred, _ := pool.Get("cred0001")
	tc := cred.TokenUsage[registry.FamilyClaudeSonnet]
	if tc.Input != 100 || tc.Output != 50 {
		t.Fatalf("pool token usage = %+v, want input=100 output=50", tc)
	}
}

func TestFinishBlockingFallsBackToPromptTokensWithNoUsage(t *testing.T) {
	t.Parallel()
	h, _ := newHandler(t)
	rc := &pipeline.RequestContext{Family: registry.FamilyClaudeSonnet, PromptTokens: 42}
	res := pipeline.Result{
		Credential: gateway.Credential{Hash: "cred0001"},
		Response:   &gateway.ChatResponse{},
	}
	_, info, err := h.FinishBlocking(rc, res, "openai", "openai", false, time.Now())
	if err != nil {
		t.Fatalf("FinishBlocking() error = %v", err)
	}
	if info.Tokens != 42 {
		t.Fatalf("info.Tokens = %d, want 42 (fallback to prompt estimate)", info.Tokens)
	}
}

func TestEstimateCostTokenFamily(t *testing.T) {
	t.Parallel()
	h, _ := newHandler(t)
	usage := &gateway.Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000}
	cost := h.EstimateCost(registry.FamilyClaudeSonnet, usage, 0)
	if cost != 18.00 {
		t.Fatalf("EstimateCost() = %v, want 18.00 ($3 in + $15 out per million)", cost)
	}
}

func TestEstimateCostImageFamily(t *testing.T) {
	t.Parallel()
	h, _ := newHandler(t)
	cost := h.EstimateCost(registry.FamilyDallE, nil, 3)
	price := h.Registry.PriceOf(registry.FamilyDallE)
	if cost != price.PerImage*3 {
		t.Fatalf("EstimateCost() = %v, want %v", cost, price.PerImage*3)
	}
}
