package pipeline

import (
	"maps"
	"sync"

	gateway "github.com/arcwell/relaygate/internal"
)

// ChangeManager records the reversible body/header/path/key mutations Stage
// B applies before dispatch, per spec.md §4.6 item 2 and §9's middleware
// design note: "a typed, linear sequence of functions with a shared
// RequestContext value and a ChangeManager that records reversible
// setHeader/setBody/setPath/setKey/setSignedRequest operations". Revert()
// undoes them in reverse order once the dispatch attempt returns, so
// user-facing logs and metadata reflect what the client originally sent.
type ChangeManager struct {
	mu sync.Mutex

	path    string
	body    []byte
	headers map[string]string
	cred    gateway.Credential
	hasCred bool

	undo []func()
}

// NewChangeManager seeds a ChangeManager with the inbound request's
// original path and body.
func NewChangeManager(path string, body []byte) *ChangeManager {
	return &ChangeManager{
		path:    path,
		body:    body,
		headers: make(map[string]string),
	}
}

// SetHeader sets an outbound header, recording its previous value (or its
// absence) for Revert.
func (c *ChangeManager) SetHeader(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, existed := c.headers[name]
	c.headers[name] = value
	c.undo = append(c.undo, func() {
		if existed {
			c.headers[name] = old
		} else {
			delete(c.headers, name)
		}
	})
}

// SetBody replaces the outbound body, e.g. finalizeBody's single JSON
// serialization pass.
func (c *ChangeManager) SetBody(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.body
	c.body = b
	c.undo = append(c.undo, func() { c.body = old })
}

// SetPath rewrites the outbound request path, e.g. GLM's "/v4/..." or
// Anthropic's "/v1/messages" rewrite.
func (c *ChangeManager) SetPath(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.path
	c.path = p
	c.undo = append(c.undo, func() { c.path = old })
}

// SetKey records the credential bound for this attempt (addKey /
// signAwsRequest / signGcpRequest in spec.md terms).
func (c *ChangeManager) SetKey(cred gateway.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	oldCred, oldHas := c.cred, c.hasCred
	c.cred, c.hasCred = cred, true
	c.undo = append(c.undo, func() { c.cred, c.hasCred = oldCred, oldHas })
}

// Path returns the current outbound path.
func (c *ChangeManager) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// Body returns the current outbound body.
func (c *ChangeManager) Body() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.body
}

// Headers returns a copy of the current outbound headers.
func (c *ChangeManager) Headers() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.headers)
}

// Credential returns the credential bound by the most recent SetKey, if
// any.
func (c *ChangeManager) Credential() (gateway.Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cred, c.hasCred
}

// Revert undoes every recorded mutation in reverse order, restoring the
// ChangeManager to its pre-Stage-B state. Safe to call once per dispatch
// attempt; a fresh attempt re-applies its own mutations from that baseline.
func (c *ChangeManager) Revert() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.undo) - 1; i >= 0; i-- {
		c.undo[i]()
	}
	c.undo = nil
}
