package approval

import (
	"sync"
	"time"

	"github.com/clawguard/clawguard/internal/domain/audit"
)

// DefaultMaxPending bounds the registry; the oldest waiter is evicted
// (denied) when a new approval would exceed it.
const DefaultMaxPending = 100

// Decision is the resolution of one PendingApproval.
type Decision struct {
	Approved bool
	// TTL is the grant lifetime chosen by the approver. Zero for denials.
	TTL time.Duration
	// Approver is the display name of the deciding human, or one of the
	// audit sentinels when no human decided.
	Approver string
}

// PendingApproval is a single in-flight request awaiting a human
// decision. The reply channel is single-slot and fulfilled exactly once.
type PendingApproval struct {
	ID        string    `json:"id"`
	Service   string    `json:"service"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	AgentIP   string    `json:"agent_ip"`
	CreatedAt time.Time `json:"created_at"`

	result chan Decision
}

// Wait exposes the receive side of the reply channel to the coordinator.
func (p *PendingApproval) Wait() <-chan Decision {
	return p.result
}

// Registry holds pending approvals shared between request tasks
// (insert/await) and the notifier's reply handler (resolve). Bounded with
// FIFO eviction; evicted waiters resolve as denied.
type Registry struct {
	mu      sync.RWMutex
	pending map[string]*PendingApproval
	order   []string
	maxSize int
}

// NewRegistry creates a Registry with the given capacity.
func NewRegistry(maxSize int) *Registry {
	if maxSize <= 0 {
		maxSize = DefaultMaxPending
	}
	return &Registry{
		pending: make(map[string]*PendingApproval),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
	}
}

// Add registers a pending approval. At capacity the oldest entry is
// evicted and its waiter unblocked with a denial.
func (r *Registry) Add(p *PendingApproval) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.order) >= r.maxSize {
		oldID := r.order[0]
		r.order = r.order[1:]
		if old, ok := r.pending[oldID]; ok {
			delete(r.pending, oldID)
			select {
			case old.result <- Decision{Approved: false, Approver: audit.ApproverEvicted}:
			default:
			}
		}
	}

	r.pending[p.ID] = p
	r.order = append(r.order, p.ID)
}

// Resolve fulfills a pending approval's reply channel and removes the
// entry. Removal and send happen under one lock acquisition, so a
// pending approval resolves at most once; late resolutions report false,
// which the notifier surfaces as "expired".
func (r *Registry) Resolve(id string, d Decision) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[id]
	if !ok {
		return false
	}
	delete(r.pending, id)
	r.removeFromOrder(id)
	select {
	case p.result <- d:
	default:
	}
	return true
}

// Remove drops an entry without fulfilling it. The waiter calls this on
// its own timeout path.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
	r.removeFromOrder(id)
}

// removeFromOrder must be called with the lock held.
func (r *Registry) removeFromOrder(id string) {
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a pending approval by id, or nil.
func (r *Registry) Get(id string) *PendingApproval {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pending[id]
}

// List returns the pending approvals in insertion order.
func (r *Registry) List() []*PendingApproval {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*PendingApproval, 0, len(r.order))
	for _, id := range r.order {
		if p, ok := r.pending[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of pending approvals.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}
