package peer

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultCandidateCap = 128
	DefaultCandidateTTL = 30 * time.Second
)

// CandidatePool remembers recently announced addresses so discovery raises a
// peer-found event once per candidate rather than once per announcement.
type CandidatePool struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	hot   map[string]*list.Element
	order *list.List
}

type candidateEntry struct {
	addr      string
	expiresAt time.Time
}

func NewCandidatePool(capacity int, ttl time.Duration) *CandidatePool {
	if capacity <= 0 {
		capacity = DefaultCandidateCap
	}
	if ttl <= 0 {
		ttl = DefaultCandidateTTL
	}
	return &CandidatePool{
		cap:   capacity,
		ttl:   ttl,
		hot:   make(map[string]*list.Element),
		order: list.New(),
	}
}

// Add records addr and reports whether it was not already a live candidate.
func (c *CandidatePool) Add(addr string, now time.Time) bool {
	if addr == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	if el, ok := c.hot[addr]; ok {
		ent := el.Value.(*candidateEntry)
		ent.expiresAt = now.Add(c.ttl)
		c.order.MoveToFront(el)
		return false
	}
	if len(c.hot) >= c.cap {
		c.evictLocked(len(c.hot) - c.cap + 1)
	}
	ent := &candidateEntry{addr: addr, expiresAt: now.Add(c.ttl)}
	c.hot[addr] = c.order.PushFront(ent)
	return true
}

func (c *CandidatePool) Has(addr string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	_, ok := c.hot[addr]
	return ok
}

// Remove forgets addr so its next announcement is treated as new.
func (c *CandidatePool) Remove(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.hot[addr]; ok {
		delete(c.hot, addr)
		c.order.Remove(el)
	}
}

func (c *CandidatePool) List(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	out := make([]string, 0, len(c.hot))
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*candidateEntry).addr)
	}
	return out
}

func (c *CandidatePool) pruneLocked(now time.Time) {
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*candidateEntry)
		if ent.expiresAt.After(now) {
			el = prev
			continue
		}
		delete(c.hot, ent.addr)
		c.order.Remove(el)
		el = prev
	}
}

func (c *CandidatePool) evictLocked(n int) {
	for n > 0 {
		el := c.order.Back()
		if el == nil {
			return
		}
		ent := el.Value.(*candidateEntry)
		delete(c.hot, ent.addr)
		c.order.Remove(el)
		n--
	}
}
