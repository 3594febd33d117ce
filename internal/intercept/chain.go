package intercept

import (
	"sync"
	"sync/atomic"

	"github.com/nuetzliches/mgmtagent/internal/mgmt"
)

// Chain is an ordered rule set. Insertion order is evaluation order and the
// first matching rule wins.
//
// Writers copy the slice under a mutex and publish the copy atomically;
// readers load one published slice and scan it without locking, so a scan
// always sees a single point-in-time view.
type Chain struct {
	mu    sync.Mutex
	rules atomic.Pointer[[]*Rule]
}

func NewChain(rules ...*Rule) *Chain {
	c := &Chain{}
	initial := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r != nil {
			initial = append(initial, r)
		}
	}
	c.rules.Store(&initial)
	return c
}

func (c *Chain) snapshot() []*Rule {
	p := c.rules.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Add appends r. Nil rules are ignored.
func (c *Chain) Add(r *Rule) {
	if r == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snapshot()
	next := make([]*Rule, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, r)
	c.rules.Store(&next)
}

// Remove drops the first occurrence of r and reports whether it was present.
func (c *Chain) Remove(r *Rule) bool {
	if r == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snapshot()
	idx := -1
	for i, existing := range cur {
		if existing == r {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	next := make([]*Rule, 0, len(cur)-1)
	next = append(next, cur[:idx]...)
	next = append(next, cur[idx+1:]...)
	c.rules.Store(&next)
	return true
}

// Rules returns a copy of the current rules in evaluation order.
func (c *Chain) Rules() []*Rule {
	cur := c.snapshot()
	out := make([]*Rule, len(cur))
	copy(out, cur)
	return out
}

func (c *Chain) Len() int {
	return len(c.snapshot())
}

// FirstMatching returns the earliest rule selecting both name and
// operation, or nil.
func (c *Chain) FirstMatching(name mgmt.ObjectName, operation string) *Rule {
	for _, r := range c.snapshot() {
		if r.Matches(name, operation) {
			return r
		}
	}
	return nil
}

// FirstTargetMatch returns the earliest rule whose pattern selects name,
// regardless of operation, or nil.
func (c *Chain) FirstTargetMatch(name mgmt.ObjectName) *Rule {
	for _, r := range c.snapshot() {
		if r.MatchesName(name) {
			return r
		}
	}
	return nil
}
