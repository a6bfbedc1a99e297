// Package keypool holds the upstream API keys and the rotation cursor.
//
// Pool combines the key store and the rotation controller: it owns the ordered
// credential list, the per-key dead/cooldown flags and the index of the active
// key. One Pool is shared by every in-flight request, so a rotation triggered
// by one request changes the key the next attempt of any other request sees.
//
// All methods are safe for concurrent use. Each mutation is a single critical
// section, so Advance, MarkDead and MarkCooldown are atomic with respect to one
// another.
package keypool

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrPoolEmpty is returned by Active when no credentials are configured.
var ErrPoolEmpty = errors.New("keypool: no API keys configured")

// Pool is the shared credential store plus rotation cursor.
type Pool struct {
	mu        sync.Mutex
	keys      []*Credential
	cursor    int
	rotations uint64

	now func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a Pool from an ordered key list. Blank entries and duplicates
// are dropped; the first occurrence keeps its position.
func New(keys []string, opts ...Option) *Pool {
	p := &Pool{now: time.Now}
	for _, o := range opts {
		o(p)
	}
	for _, k := range keys {
		p.addLocked(k)
	}
	return p
}

// Len returns the number of credentials in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Active returns the index and raw value of the credential under the cursor.
// It does not check eligibility: the caller tries the active key as-is and
// reports the outcome back through MarkDead / MarkCooldown / Advance.
func (p *Pool) Active() (int, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return -1, "", ErrPoolEmpty
	}
	return p.cursor, p.keys[p.cursor].value, nil
}

// Advance moves the cursor to the next eligible credential.
//
// The scan starts at cursor+1 and walks forward (wrapping) over at most N+1
// positions. If nothing is eligible the cursor is left on the last position
// scanned; callers bound their retries by attempt count, not by finding a key.
// The rotation counter is incremented on every call, even when N <= 1.
func (p *Pool) Advance() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rotations++
	n := len(p.keys)
	if n == 0 {
		return
	}

	now := p.now()
	idx := p.cursor
	for i := 0; i <= n; i++ {
		idx = (idx + 1) % n
		if p.keys[idx].Eligible(now) {
			break
		}
	}
	p.cursor = idx
}

// MarkDead permanently disables key until ClearTransientFlags. Unknown keys
// are ignored.
func (p *Pool) MarkDead(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c := p.findLocked(key); c != nil {
		c.dead = true
	}
}

// MarkCooldown makes key ineligible for d. A pending cooldown that ends later
// is kept as-is.
func (p *Pool) MarkCooldown(key string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.findLocked(key)
	if c == nil {
		return
	}
	until := p.now().Add(d)
	if until.After(c.cooldownUntil) {
		c.cooldownUntil = until
	}
}

// RecordUse bumps the use counter of the credential holding key. A key
// removed in the meantime is ignored.
func (p *Pool) RecordUse(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c := p.findLocked(key); c != nil {
		c.useCount++
	}
}

// ClearTransientFlags clears every dead flag and cooldown in the pool.
func (p *Pool) ClearTransientFlags() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.keys {
		c.dead = false
		c.cooldownUntil = time.Time{}
	}
}

// Add appends key unless it is blank or already present. Reports whether the
// key was added.
func (p *Pool) Add(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLocked(key)
}

// Remove deletes the credential at index. The cursor stays on the same
// credential when it was not the one removed; otherwise it points at the
// credential that took the removed slot (wrapping to 0 past the end).
func (p *Pool) Remove(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.keys) {
		return false
	}
	p.keys = append(p.keys[:index], p.keys[index+1:]...)
	switch {
	case len(p.keys) == 0:
		p.cursor = 0
	case index < p.cursor:
		p.cursor--
	case p.cursor >= len(p.keys):
		p.cursor = 0
	}
	return true
}

// List returns a masked snapshot of every credential in pool order.
func (p *Pool) List() []KeyView {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]KeyView, len(p.keys))
	for i, c := range p.keys {
		v := KeyView{
			Index:       i,
			Masked:      Mask(c.value),
			Dead:        c.dead,
			CoolingDown: c.coolingDown(now),
			UseCount:    c.useCount,
			Active:      i == p.cursor,
		}
		if v.CoolingDown {
			until := c.cooldownUntil
			v.CooldownUntil = &until
		}
		out[i] = v
	}
	return out
}

// Stats is an aggregate view of the pool used by status and metrics.
type Stats struct {
	Total         int    `json:"total_keys"`
	ActiveIndex   int    `json:"active_index"`
	RotationCount uint64 `json:"rotation_count"`
	Dead          int    `json:"dead_keys"`
	RateLimited   int    `json:"rate_limited_keys"`
	Eligible      int    `json:"eligible_keys"`
}

// Stats counts credentials by state. ActiveIndex is -1 for an empty pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	s := Stats{
		Total:         len(p.keys),
		ActiveIndex:   -1,
		RotationCount: p.rotations,
	}
	if len(p.keys) > 0 {
		s.ActiveIndex = p.cursor
	}
	for _, c := range p.keys {
		switch {
		case c.dead:
			s.Dead++
		case c.coolingDown(now):
			s.RateLimited++
		default:
			s.Eligible++
		}
	}
	return s
}

func (p *Pool) addLocked(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" || p.findLocked(key) != nil {
		return false
	}
	p.keys = append(p.keys, &Credential{value: key})
	return true
}

func (p *Pool) findLocked(key string) *Credential {
	for _, c := range p.keys {
		if c.value == key {
			return c
		}
	}
	return nil
}
