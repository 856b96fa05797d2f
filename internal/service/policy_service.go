// Package service contains application services.
package service

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"

	celeval "github.com/clawguard/clawguard/internal/adapter/outbound/cel"
	"github.com/clawguard/clawguard/internal/domain/service"
)

// compiledRule pairs a policy rule with its compiled CEL condition. Program
// is nil when the rule carries no condition.
type compiledRule struct {
	rule          service.Rule
	program       cel.Program
	evalErrLogged atomic.Bool
}

// compiledPolicy is one service's compiled rule list plus its default action.
type compiledPolicy struct {
	fallback service.Action
	rules    []*compiledRule
}

// policySnapshot is the immutable compiled view swapped on every load.
type policySnapshot struct {
	byService map[string]*compiledPolicy
}

// lruEntry is a doubly-linked list node for the LRU cache.
type lruEntry struct {
	key    uint64
	action service.Action
	prev   *lruEntry
	next   *lruEntry
}

// ResultCache provides bounded LRU caching for policy decisions.
// Thread-safe with Mutex (both Get and Put mutate LRU order).
type ResultCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	maxSize int
}

// NewResultCache creates a new LRU cache with the given max size.
func NewResultCache(maxSize int) *ResultCache {
	return &ResultCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get retrieves a cached action. On hit, the entry is promoted to the head.
func (c *ResultCache) Get(key uint64) (service.Action, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.action, true
	}
	return "", false
}

// Put stores an action. At capacity, the least recently used entry is evicted.
func (c *ResultCache) Put(key uint64, action service.Action) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.action = action
		c.moveToHeadLocked(e)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &lruEntry{key: key, action: action}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Clear empties the cache. Called on policy reload.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns current cache size.
func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ResultCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *ResultCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *ResultCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *ResultCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// computeCacheKey hashes every attribute a rule condition can observe. The
// hour bucket keeps time-conditioned decisions from being reused across
// hour boundaries; stale buckets age out of the LRU on their own.
func computeCacheKey(svc, method, path, agentIP string, hour int) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(svc)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(method)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(path)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(agentIP)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte{byte(hour)})
	return h.Sum64()
}

// PolicyService evaluates service policies: ordered rules, first match wins,
// service default when nothing matches. Rule conditions are CEL expressions
// compiled at load time. Reads are lock-free; Load publishes a complete new
// snapshot and clears the decision cache.
type PolicyService struct {
	evaluator *celeval.Evaluator
	snapshot  atomic.Pointer[policySnapshot]
	mu        sync.Mutex // serializes Load
	cache     *ResultCache
	logger    *slog.Logger
}

// PolicyServiceOption configures PolicyService.
type PolicyServiceOption func(*PolicyService)

// WithCacheSize sets the maximum number of cached decisions.
func WithCacheSize(size int) PolicyServiceOption {
	return func(s *PolicyService) {
		s.cache = NewResultCache(size)
	}
}

// NewPolicyService creates a PolicyService with an empty snapshot. Call Load
// to compile the live table's policies.
func NewPolicyService(logger *slog.Logger, opts ...PolicyServiceOption) (*PolicyService, error) {
	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	s := &PolicyService{
		evaluator: evaluator,
		cache:     NewResultCache(1000),
		logger:    logger.With("component", "policy"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.snapshot.Store(&policySnapshot{byService: map[string]*compiledPolicy{}})
	return s, nil
}

// ValidateRules checks that every CEL condition in the given rules is valid.
// Called before persisting an override so invalid CEL never reaches the
// store. Returns an error describing the first invalid rule.
func (s *PolicyService) ValidateRules(rules []service.Rule) error {
	for i, rule := range rules {
		if !rule.Action.Valid() {
			return fmt.Errorf("rule %d: unknown action %q", i, rule.Action)
		}
		if rule.Condition == "" {
			continue
		}
		if err := s.evaluator.ValidateExpression(rule.Condition); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

// Load compiles the policies of the given definitions and swaps them in.
// A compile failure rejects the whole load and keeps the prior snapshot.
func (s *PolicyService) Load(defs []*service.Definition) error {
	byService := make(map[string]*compiledPolicy, len(defs))
	for _, def := range defs {
		cp := &compiledPolicy{fallback: def.Policy.Default}
		if cp.fallback == "" {
			cp.fallback = service.ActionRequireApproval
		}
		for i, rule := range def.Policy.Rules {
			cr := &compiledRule{rule: rule}
			if rule.Condition != "" {
				prg, err := s.evaluator.Compile(rule.Condition)
				if err != nil {
					return fmt.Errorf("service %q rule %d: %w", def.Name, i, err)
				}
				cr.program = prg
			}
			cp.rules = append(cp.rules, cr)
		}
		byService[def.Name] = cp
	}

	s.mu.Lock()
	s.snapshot.Store(&policySnapshot{byService: byService})
	s.cache.Clear()
	s.mu.Unlock()

	s.logger.Info("policies loaded", "services", len(byService))
	return nil
}

// Resolve returns the action for a request against the named service's
// policy. Rules are evaluated in declared order; the first whose method and
// path predicates match and whose condition (if any) evaluates true wins.
// A condition evaluation error makes the rule not match and is logged once
// per rule. An unknown service resolves to require_approval.
func (s *PolicyService) Resolve(svc, method, path, agentIP string, now time.Time) service.Action {
	key := computeCacheKey(svc, method, path, agentIP, now.Hour())
	if action, ok := s.cache.Get(key); ok {
		return action
	}

	snap := s.snapshot.Load()
	cp, ok := snap.byService[svc]
	if !ok {
		return service.ActionRequireApproval
	}

	action := cp.fallback
	for _, cr := range cp.rules {
		if !cr.rule.Matches(method, path) {
			continue
		}
		if cr.program != nil {
			matched, err := s.evaluator.Evaluate(cr.program, celeval.Activation{
				Method:  method,
				Path:    path,
				Service: svc,
				AgentIP: agentIP,
				Hour:    now.Hour(),
			})
			if err != nil {
				if cr.evalErrLogged.CompareAndSwap(false, true) {
					s.logger.Error("rule condition evaluation failed",
						"service", svc,
						"condition", cr.rule.Condition,
						"error", err,
					)
				}
				continue
			}
			if !matched {
				continue
			}
		}
		action = cr.rule.Action
		break
	}

	s.cache.Put(key, action)
	return action
}
