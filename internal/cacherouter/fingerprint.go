// Package cacherouter implements the Cache-Affinity Router: a deterministic
// prompt fingerprint computed up to the last cache-control breakpoint, and
// a TTL-backed map from fingerprint to the credential that most recently
// served it. Grounded in internal/cache/memory.go's otter TTL-entry idiom
// and internal/gateway.go's HashKey SHA-256 convention.
package cacherouter

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/tidwall/gjson"
)

// part is a single canonicalized fragment of the request body: a tool
// definition, a system block, or a message content block.
type part struct {
	raw         string // canonical JSON for hashing
	cacheMarker bool   // true if this part carries a cache_control field
}

// Fingerprint computes the cache fingerprint for a request body, per
// spec.md §4.3. Returns ("", nil, false) when the body carries no cache_control
// marker anywhere in tools/system/messages.
//
// The fingerprint is the concatenation of per-part 8-hex-char SHA-256
// hashes up to and including the LAST cache-control position; content
// appended after that marker never changes the result.
func Fingerprint(body []byte) (fingerprint string, prefixes []string, ok bool) {
	parts := collectParts(body)

	lastMarker := -1
	for i, p := range parts {
		if p.cacheMarker {
			lastMarker = i
		}
	}
	if lastMarker < 0 {
		return "", nil, false
	}

	hashes := make([]string, lastMarker+1)
	for i := 0; i <= lastMarker; i++ {
		hashes[i] = partHash(parts[i])
	}

	// Eagerly materialize every prefix fingerprint up to each
	// cache-control position, per the implementer's resolution of
	// Open Question (c): store all prefixes to enable cross-request
	// matches as breakpoints move.
	var acc string
	for i, p := range parts {
		if i > lastMarker {
			break
		}
		acc += hashes[i]
		if p.cacheMarker {
			prefixes = append(prefixes, acc)
		}
	}

	return acc, prefixes, true
}

// partHash hashes a canonicalized part to its first 8 hex chars.
func partHash(p part) string {
	h := sha256.Sum256([]byte(p.raw))
	return hex.EncodeToString(h[:])[:8]
}

// collectParts walks tools[], system block(s), then messages[] content
// blocks in canonical order, normalizing each into a part. cache_control is
// excluded from the hashed payload but recorded as a marker; tool_use_id is
// excluded since it is randomly assigned per call; image parts are hashed
// by their data plus media type.
func collectParts(body []byte) []part {
	result := gjson.ParseBytes(body)
	var parts []part

	result.Get("tools").ForEach(func(_, tool gjson.Result) bool {
		parts = append(parts, normalizeBlock(tool))
		return true
	})

	if sys := result.Get("system"); sys.Exists() {
		if sys.IsArray() {
			sys.ForEach(func(_, block gjson.Result) bool {
				parts = append(parts, normalizeBlock(block))
				return true
			})
		} else {
			parts = append(parts, part{raw: stableJSON(map[string]any{"type": "text", "text": sys.String()})})
		}
	}

	result.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.IsArray() {
			content.ForEach(func(_, block gjson.Result) bool {
				parts = append(parts, normalizeBlock(block))
				return true
			})
		} else {
			parts = append(parts, part{raw: stableJSON(map[string]any{
				"role": msg.Get("role").String(),
				"text": content.String(),
			})})
		}
		return true
	})

	return parts
}

// normalizeBlock builds the canonical, order-stable record for a single
// content block, excluding cache_control and tool_use_id.
func normalizeBlock(block gjson.Result) part {
	m := map[string]any{}
	blockType := block.Get("type").String()
	if blockType != "" {
		m["type"] = blockType
	}

	switch blockType {
	case "image":
		m["media_type"] = block.Get("source.media_type").String()
		h := sha256.Sum256([]byte(block.Get("source.data").String()))
		m["data_hash"] = hex.EncodeToString(h[:])
	case "tool_use":
		m["name"] = block.Get("name").String()
		m["input"] = json.RawMessage(block.Get("input").Raw)
	case "tool_result":
		m["content"] = block.Get("content").String()
	default:
		if text := block.Get("text"); text.Exists() {
			m["text"] = text.String()
		}
		if name := block.Get("name"); name.Exists() {
			m["name"] = name.String()
		}
		if input := block.Get("input"); input.Exists() {
			m["input"] = json.RawMessage(input.Raw)
		}
	}

	marker := block.Get("cache_control").Exists()
	return part{raw: stableJSON(m), cacheMarker: marker}
}

// stableJSON marshals m with sorted keys for deterministic hashing.
func stableJSON(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]struct {
		K string `json:"k"`
		V any    `json:"v"`
	}, len(keys))
	for i, k := range keys {
		ordered[i].K = k
		ordered[i].V = m[k]
	}
	data, _ := json.Marshal(ordered)
	return string(data)
}
