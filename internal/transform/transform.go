// Package transform implements the Format Transforms of spec.md §4.8: a
// declarative table from (inboundFormat, outboundFormat) to a pair of
// functions that translate an inbound OpenAI-shaped ChatRequest to the
// outbound dialect and translate the outbound dialect's raw response bytes
// back to an OpenAI-shaped ChatResponse. Grounded in
// internal/provider/gemini/translate.go and
// internal/provider/anthropic/translate.go's gjson-based traversal idiom,
// extended here with an OpenAI<->Mistral-AI entry (enrichment per the
// "learn it from the other examples" process step, since Mistral's API is
// OpenAI-compatible closely enough that no request transform is needed,
// only per-service touch-ups already applied by internal/provider/mistral).
package transform

import (
	"encoding/json"
	"fmt"

	gateway "github.com/arcwell/relaygate/internal"
	"github.com/arcwell/relaygate/internal/provider/anthropic"
	"github.com/arcwell/relaygate/internal/provider/gemini"
)

// Format identifies a wire dialect a request or response body can be
// shaped as. OpenAI is the gateway's universal inbound/outbound format;
// every other value names a provider-native dialect.
type Format string

const (
	FormatOpenAI            Format = "openai"
	FormatAnthropicMessages Format = "anthropic-messages"
	FormatAnthropicText     Format = "anthropic-text"
	FormatGoogleAI          Format = "google-ai"
	FormatMistral           Format = "mistral"
	FormatAWSText           Format = "aws-text"
)

// RequestFn maps an OpenAI-shaped ChatRequest to the outbound dialect's
// request body bytes.
type RequestFn func(req *gateway.ChatRequest) ([]byte, error)

// ResponseFn maps the outbound dialect's raw response bytes back to an
// OpenAI-shaped ChatResponse.
type ResponseFn func(data []byte) (*gateway.ChatResponse, error)

// transformKey identifies one (inbound, outbound) pair. Every entry in
// this package's table assumes inbound is always FormatOpenAI -- the
// gateway's only client-facing inbound dialect -- but the key still names
// both sides for symmetry with spec.md §4.8's "(inboundFormat,
// outboundFormat)" wording and to leave room for a future non-OpenAI
// inbound dialect without reshaping the table.
type transformKey struct {
	Inbound  Format
	Outbound Format
}

// entry pairs a request transform with its corresponding response reverse
// transform; both travel together since they must agree on the wire shape.
type entry struct {
	request  RequestFn
	response ResponseFn
}

// table is the declarative transform registry. Native-format pairs
// (openai -> openai) deliberately have no entry: callers skip translation
// entirely when inbound == outbound, per spec.md §4.6 item 2 "Otherwise
// validate as native."
var table = map[transformKey]entry{
	{FormatOpenAI, FormatAnthropicMessages}: {
		request: func(req *gateway.ChatRequest) ([]byte, error) {
			out, err := anthropic.TranslateRequest(req)
			if err != nil {
				return nil, err
			}
			data, err := json.Marshal(out)
			if err != nil {
				return nil, fmt.Errorf("transform: marshal anthropic request: %w", err)
			}
			return data, nil
		},
		response: anthropic.TranslateResponse,
	},
	{FormatOpenAI, FormatGoogleAI}: {
		request:  gemini.TranslateRequest,
		response: gemini.TranslateResponse,
	},
	{FormatOpenAI, FormatMistral}: {
		// Mistral's chat/completions dialect is OpenAI-shaped; the only
		// adjustments (dropping n/presence_penalty/frequency_penalty) are
		// applied by internal/provider/mistral itself right before the
		// HTTP call, since they are unconditional rather than format
		// translations proper.
		request:  marshalNative,
		response: unmarshalChatResponse,
	},
}

// FormatForProviderType maps a registered gateway.Provider's Type() to the
// wire Format it speaks, the inverse of the table's Outbound keys. Providers
// not named here (openai, mistral's own internal touch-ups, ollama) speak
// FormatOpenAI directly, so Lookup correctly reports "no transform" (native)
// for them.
func FormatForProviderType(provType string) Format {
	switch provType {
	case "anthropic":
		return FormatAnthropicMessages
	case "gemini":
		return FormatGoogleAI
	case "mistral":
		return FormatMistral
	default:
		return FormatOpenAI
	}
}

// Lookup returns the request/response transform pair for (inbound,
// outbound), or ok=false if inbound == outbound (native, no transform
// needed) or the pair is unregistered.
func Lookup(inbound, outbound Format) (RequestFn, ResponseFn, bool) {
	if inbound == outbound {
		return nil, nil, false
	}
	e, ok := table[transformKey{inbound, outbound}]
	if !ok {
		return nil, nil, false
	}
	return e.request, e.response, true
}

// TranslateRequest is a convenience wrapper: it returns req's own JSON
// encoding unchanged when no transform is registered for the pair (the
// §4.6 item 2 "native" path), or the transformed bytes otherwise.
func TranslateRequest(inbound, outbound Format, req *gateway.ChatRequest) ([]byte, error) {
	fn, _, ok := Lookup(inbound, outbound)
	if !ok {
		return marshalNative(req)
	}
	return fn(req)
}

// TranslateResponse reverses TranslateRequest: native pairs decode data
// directly as an OpenAI ChatResponse.
func TranslateResponse(inbound, outbound Format, data []byte) (*gateway.ChatResponse, error) {
	_, fn, ok := Lookup(inbound, outbound)
	if !ok {
		return unmarshalChatResponse(data)
	}
	return fn(data)
}

func marshalNative(req *gateway.ChatRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("transform: marshal native request: %w", err)
	}
	return data, nil
}

func unmarshalChatResponse(data []byte) (*gateway.ChatResponse, error) {
	var out gateway.ChatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("transform: decode native response: %w", err)
	}
	return &out, nil
}
