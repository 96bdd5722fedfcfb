package filter

import (
	"math"
	"sync"
	"time"

	"github.com/godump/lru"

	"github.com/opd-ai/gatekeeper/pkg/socks"
)

// DefaultCacheSize is the default verdict cache capacity
const DefaultCacheSize = 128

// Engine evaluates requests against an immutable rule set, caching
// verdicts per destination in an LRU. Caching is sound because the rule
// set never changes for the lifetime of the engine.
type Engine struct {
	rules *RuleSet
	cache *lru.Lru[string, Action]
	mu    sync.Mutex
}

// NewEngine creates a filter engine. cacheSize 0 disables the verdict
// cache; a negative value selects the default capacity.
func NewEngine(rules *RuleSet, cacheSize int) *Engine {
	if cacheSize < 0 {
		cacheSize = DefaultCacheSize
	}
	e := &Engine{rules: rules}
	if cacheSize > 0 {
		e.cache = lru.New[string, Action](cacheSize, time.Duration(math.MaxInt64))
	}
	return e
}

// Verdict returns the rule-set decision for the request
func (e *Engine) Verdict(req *socks.Request) Action {
	if e.cache == nil {
		return e.rules.Verdict(req)
	}
	key := req.HostPort()
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.cache.GetExists(key); ok {
		return v
	}
	v := e.rules.Verdict(req)
	e.cache.Set(key, v)
	return v
}

// Authorize reports whether the request is allowed. It satisfies the
// session's authorizer contract.
func (e *Engine) Authorize(req *socks.Request) bool {
	return e.Verdict(req) == ActionAllow
}

// Rules returns the engine's rule set
func (e *Engine) Rules() *RuleSet {
	return e.rules
}
