package responsehandler

import (
	"encoding/json"

	gateway "github.com/arcwell/relaygate/internal"
)

// Sink is the transport-side SSE writer the streaming path tees events to.
// internal/server implements this over its existing writeSSEData/
// writeSSEDone/writeSSEError helpers, keeping this package transport-agnostic
// per spec.md §4.7 "tee events to the client verbatim while aggregating them
// into a synthetic blocking response".
type Sink interface {
	WriteData(data []byte)
	WriteDone()
	WriteError(message string)
}

// StreamResult is the synthetic blocking response assembled out of a
// streamed dispatch, handed to FinishStreaming, which applies the same
// pool/user usage increment the blocking path's incrementUsage applies.
type StreamResult struct {
	Content      string
	FinishReason string
	Usage        *gateway.Usage
	Err          error
}

// openAIStreamChunk is the subset of an OpenAI-format streaming chunk this
// package needs to aggregate content deltas. internal/transform's
// response-side translation only covers the synchronous request/response
// round trip; each provider's own SSE reader (anthropic.readStream,
// gemini.readStream, ...) is responsible for normalizing its native stream
// events to this shape incrementally, before a chunk ever reaches here.
type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *gateway.Usage `json:"usage"`
}

// DrainStream tees every chunk from an upstream dispatch to sink verbatim
// while aggregating choices[0].delta.content into a synthetic blocking
// response, per spec.md §4.7. It returns once the channel closes or a chunk
// carries an error.
func (h *Handler) DrainStream(sink Sink, ch <-chan gateway.StreamChunk) StreamResult {
	var result StreamResult
	var content []byte

	for chunk := range ch {
		if chunk.Err != nil {
			sink.WriteError("upstream stream error")
			sink.WriteDone()
			result.Err = chunk.Err
			return result
		}
		if chunk.Usage != nil {
			result.Usage = chunk.Usage
		}
		if chunk.Done {
			sink.WriteDone()
			break
		}

		var parsed openAIStreamChunk
		if err := json.Unmarshal(chunk.Data, &parsed); err == nil && len(parsed.Choices) > 0 {
			content = append(content, parsed.Choices[0].Delta.Content...)
			if parsed.Choices[0].FinishReason != "" {
				result.FinishReason = parsed.Choices[0].FinishReason
			}
			if parsed.Usage != nil {
				result.Usage = parsed.Usage
			}
		}
		sink.WriteData(chunk.Data)
	}

	result.Content = string(content)
	return result
}

// FinishStreaming applies the same pool/user token increment the blocking
// path's incrementUsage applies, given the aggregated StreamResult and the
// credential that served it; a StreamResult with no Usage changes nothing. Callers must not run additional middleware
// that writes to the client body afterward, per spec.md §4.7's "streamed
// requests must not have additional middleware write to the client body".
func (h *Handler) FinishStreaming(rcFamily gateway.ModelFamily, token string, cred gateway.Credential, sr StreamResult) {
	if sr.Usage == nil {
		return
	}
	if h.Pool != nil {
		h.Pool.IncrementUsage(cred.Hash, rcFamily, int64(sr.Usage.PromptTokens), int64(sr.Usage.CompletionTokens))
	}
	if h.Users != nil && token != "" {
		h.Users.IncrementTokenCount(token, rcFamily, int64(sr.Usage.PromptTokens), int64(sr.Usage.CompletionTokens))
	}
}
