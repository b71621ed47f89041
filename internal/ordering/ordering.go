package ordering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/roach88/runrecorder/internal/events"
)

// Defaults for the ordering window and memory bounds.
const (
	DefaultLookback     = 15 * time.Minute
	DefaultSeenTTL      = time.Hour
	DefaultSeenCapacity = 100_000
	DefaultMaxParked    = 10_000
)

// Decision is the outcome of admitting an event.
type Decision int

const (
	// Ready means the event may be materialized now.
	Ready Decision = iota + 1
	// Parked means the event arrived before its predecessor and is held
	// until the predecessor completes. It is not a failure.
	Parked
)

func (d Decision) String() string {
	switch d {
	case Ready:
		return "ready"
	case Parked:
		return "parked"
	default:
		return "unknown"
	}
}

// Handler materializes one event.
type Handler func(ctx context.Context, ev events.Event) error

// Stats describes the holding area.
type Stats struct {
	Chains int
	Parked int
	Seen   int
}

type parkedEvent struct {
	event    events.Event
	parkedAt time.Time
	seq      uint64
}

// chain is the holding area of one causal chain. waiting maps a
// predecessor id to the events parked on it, in arrival order.
type chain struct {
	mu      sync.Mutex
	waiting map[uuid.UUID][]parkedEvent
	ids     map[uuid.UUID]struct{}
	refs    int // guarded by CausalOrdering.mu
}

func newChain() *chain {
	return &chain{
		waiting: make(map[uuid.UUID][]parkedEvent),
		ids:     make(map[uuid.UUID]struct{}),
	}
}

// CausalOrdering parks early events and releases them once their
// predecessor completes.
//
// Thread-safety: all methods are safe for concurrent use.
type CausalOrdering struct {
	scope        string
	lookback     time.Duration
	seenTTL      time.Duration
	seenCapacity int
	maxParked    int
	now          func() time.Time
	onEvict      func(events.Event)
	logger       *slog.Logger

	seen *expirable.LRU[uuid.UUID, struct{}]

	mu     sync.Mutex
	chains map[string]*chain

	parked atomic.Int64
	seq    atomic.Uint64
}

// Option configures a CausalOrdering.
type Option func(*CausalOrdering)

// WithLookback sets how long a follower may wait for its predecessor before
// it is treated as lost. Events received longer ago than this are never
// parked.
func WithLookback(d time.Duration) Option {
	return func(o *CausalOrdering) {
		if d > 0 {
			o.lookback = d
		}
	}
}

// WithSeenTTL sets how long completed event ids are remembered.
func WithSeenTTL(d time.Duration) Option {
	return func(o *CausalOrdering) {
		if d > 0 {
			o.seenTTL = d
		}
	}
}

// WithSeenCapacity bounds the number of remembered event ids.
func WithSeenCapacity(n int) Option {
	return func(o *CausalOrdering) {
		if n > 0 {
			o.seenCapacity = n
		}
	}
}

// WithMaxParked bounds the number of parked events across all chains.
func WithMaxParked(n int) Option {
	return func(o *CausalOrdering) {
		if n > 0 {
			o.maxParked = n
		}
	}
}

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(o *CausalOrdering) {
		if now != nil {
			o.now = now
		}
	}
}

// WithEvictHandler registers a callback for parked events evicted because
// the holding area is full. It is called without any lock held.
func WithEvictHandler(fn func(events.Event)) Option {
	return func(o *CausalOrdering) {
		o.onEvict = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *CausalOrdering) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates a CausalOrdering for the given scope. The scope only labels
// log lines; separate consumers should use separate instances.
func New(scope string, opts ...Option) *CausalOrdering {
	o := &CausalOrdering{
		scope:        scope,
		lookback:     DefaultLookback,
		seenTTL:      DefaultSeenTTL,
		seenCapacity: DefaultSeenCapacity,
		maxParked:    DefaultMaxParked,
		now:          time.Now,
		logger:       slog.Default(),
		chains:       make(map[string]*chain),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.seen = expirable.NewLRU[uuid.UUID, struct{}](o.seenCapacity, nil, o.seenTTL)
	return o
}

// Admit decides whether ev can be materialized now. If not, ev is parked
// and Parked is returned.
func (o *CausalOrdering) Admit(ev events.Event) Decision {
	key := ev.ChainKey()
	c := o.acquire(key)
	decision := o.admit(c, ev)
	o.release(key, c)
	o.enforceLimit()
	return decision
}

// Complete records ev as materialized and returns the events that were
// parked waiting for it, in arrival order. The caller must materialize and
// Complete each of them in turn.
func (o *CausalOrdering) Complete(ev events.Event) []events.Event {
	key := ev.ChainKey()
	c := o.acquire(key)
	released := o.complete(c, ev)
	o.release(key, c)
	return unwrap(released)
}

// Process admits ev and, if it is ready, materializes it with fn and then
// drains every follower it unblocks, transitively. Parked is returned when
// ev has to wait for its predecessor.
//
// If fn fails for a released follower, that follower and the ones queued
// behind it are parked again and the error is returned. They are released
// again when the predecessor is redelivered and completes.
func (o *CausalOrdering) Process(ctx context.Context, ev events.Event, fn Handler) (Decision, error) {
	key := ev.ChainKey()
	c := o.acquire(key)
	decision, err := o.process(ctx, c, ev, fn, false)
	o.release(key, c)
	o.enforceLimit()
	return decision, err
}

// DrainLost materializes followers that have been parked longer than the
// lookback window, on the assumption that their predecessor is lost.
// Followers that fail are parked again and retried on the next call.
// It returns the number of events materialized.
func (o *CausalOrdering) DrainLost(ctx context.Context, fn Handler) (int, error) {
	lost := o.takeLost(o.now())
	if len(lost) == 0 {
		return 0, nil
	}

	var (
		errs      []error
		processed int
	)
	for _, p := range lost {
		if err := ctx.Err(); err != nil {
			o.repark(p)
			continue
		}
		o.logger.Warn("releasing lost follower",
			"scope", o.scope,
			"event_id", p.event.ID,
			"follows", p.event.Follows,
			"chain", p.event.ChainKey(),
			"parked_for", o.now().Sub(p.parkedAt).String(),
			"event", "lost_follower",
		)

		key := p.event.ChainKey()
		c := o.acquire(key)
		_, err := o.process(ctx, c, p.event, fn, true)
		if err != nil {
			// The lost event itself failed; park it again with its original age.
			if _, still := c.ids[p.event.ID]; !still && !o.seen.Contains(p.event.ID) {
				o.parkLocked(c, p)
			}
			errs = append(errs, err)
		} else {
			processed++
		}
		o.release(key, c)
	}
	return processed, errors.Join(errs...)
}

// ReleaseLost removes followers parked for longer than the lookback window
// as of now and returns them, oldest first, without materializing them.
// The caller owns them from then on.
func (o *CausalOrdering) ReleaseLost(now time.Time) []events.Event {
	return unwrap(o.takeLost(now))
}

// Stats returns a snapshot of the holding area.
func (o *CausalOrdering) Stats() Stats {
	o.mu.Lock()
	chains := len(o.chains)
	o.mu.Unlock()
	return Stats{
		Chains: chains,
		Parked: int(o.parked.Load()),
		Seen:   o.seen.Len(),
	}
}

// Seen reports whether an event id has been completed recently.
func (o *CausalOrdering) Seen(id uuid.UUID) bool {
	return o.seen.Contains(id)
}

// process runs with c locked.
func (o *CausalOrdering) process(ctx context.Context, c *chain, ev events.Event, fn Handler, force bool) (Decision, error) {
	if !force {
		if decision := o.admit(c, ev); decision == Parked {
			return Parked, nil
		}
	}

	if err := fn(ctx, ev); err != nil {
		return Ready, err
	}

	work := o.complete(c, ev)
	for len(work) > 0 {
		next := work[0]
		work = work[1:]

		if err := ctx.Err(); err != nil {
			o.parkLocked(c, next)
			for _, rest := range work {
				o.parkLocked(c, rest)
			}
			return Ready, err
		}

		o.logger.Debug("releasing parked follower",
			"scope", o.scope,
			"event_id", next.event.ID,
			"follows", next.event.Follows,
			"chain", next.event.ChainKey(),
		)

		if err := fn(ctx, next.event); err != nil {
			o.parkLocked(c, next)
			for _, rest := range work {
				o.parkLocked(c, rest)
			}
			return Ready, fmt.Errorf("process follower %s: %w", next.event.ID, err)
		}
		work = append(work, o.complete(c, next.event)...)
	}
	return Ready, nil
}

// admit runs with c locked.
func (o *CausalOrdering) admit(c *chain, ev events.Event) Decision {
	if !ev.HasPredecessor() {
		return Ready
	}
	if o.seen.Contains(*ev.Follows) {
		return Ready
	}
	now := o.now()
	if now.Sub(ev.Received) > o.lookback {
		// Too old to wait on: the predecessor was handled before we started
		// remembering, or it is gone for good.
		return Ready
	}

	if _, dup := c.ids[ev.ID]; !dup {
		o.parkLocked(c, parkedEvent{event: ev, parkedAt: now, seq: o.seq.Add(1)})
		o.logger.Debug("event arrived early, parked",
			"scope", o.scope,
			"event_id", ev.ID,
			"follows", *ev.Follows,
			"chain", ev.ChainKey(),
		)
	}
	return Parked
}

// complete runs with c locked.
func (o *CausalOrdering) complete(c *chain, ev events.Event) []parkedEvent {
	o.seen.Add(ev.ID, struct{}{})

	followers := c.waiting[ev.ID]
	if len(followers) == 0 {
		return nil
	}
	delete(c.waiting, ev.ID)
	for _, f := range followers {
		delete(c.ids, f.event.ID)
	}
	o.parked.Add(-int64(len(followers)))
	return followers
}

// parkLocked runs with c locked.
func (o *CausalOrdering) parkLocked(c *chain, p parkedEvent) {
	if _, dup := c.ids[p.event.ID]; dup {
		return
	}
	leader := *p.event.Follows
	c.waiting[leader] = append(c.waiting[leader], p)
	sort.SliceStable(c.waiting[leader], func(i, j int) bool {
		return c.waiting[leader][i].seq < c.waiting[leader][j].seq
	})
	c.ids[p.event.ID] = struct{}{}
	o.parked.Add(1)
}

func (o *CausalOrdering) repark(p parkedEvent) {
	key := p.event.ChainKey()
	c := o.acquire(key)
	o.parkLocked(c, p)
	o.release(key, c)
}

// takeLost removes and returns followers parked for longer than the
// lookback window, oldest first.
func (o *CausalOrdering) takeLost(now time.Time) []parkedEvent {
	var lost []parkedEvent
	for _, key := range o.chainKeys() {
		c := o.acquire(key)
		for leader, followers := range c.waiting {
			kept := followers[:0]
			for _, f := range followers {
				if now.Sub(f.parkedAt) > o.lookback {
					lost = append(lost, f)
					delete(c.ids, f.event.ID)
					o.parked.Add(-1)
					continue
				}
				kept = append(kept, f)
			}
			if len(kept) == 0 {
				delete(c.waiting, leader)
			} else {
				c.waiting[leader] = kept
			}
		}
		o.release(key, c)
	}
	sort.Slice(lost, func(i, j int) bool { return lost[i].seq < lost[j].seq })
	return lost
}

// enforceLimit evicts the oldest parked events while the holding area is
// over capacity. Must be called with no chain lock held.
func (o *CausalOrdering) enforceLimit() {
	for o.parked.Load() > int64(o.maxParked) {
		evicted, ok := o.evictOldest()
		if !ok {
			return
		}
		o.logger.Warn("holding area full, evicting parked event",
			"scope", o.scope,
			"event_id", evicted.ID,
			"follows", evicted.Follows,
			"chain", evicted.ChainKey(),
			"max_parked", o.maxParked,
			"event", "parked_evicted",
		)
		if o.onEvict != nil {
			o.onEvict(evicted)
		}
	}
}

func (o *CausalOrdering) evictOldest() (events.Event, bool) {
	var (
		oldestKey string
		oldestSeq uint64
		found     bool
	)
	// Locks are taken one chain at a time to avoid lock-order cycles.
	for _, key := range o.chainKeys() {
		c := o.acquire(key)
		for _, followers := range c.waiting {
			if len(followers) > 0 && (!found || followers[0].seq < oldestSeq) {
				oldestKey, oldestSeq, found = key, followers[0].seq, true
			}
		}
		o.release(key, c)
	}
	if !found {
		return events.Event{}, false
	}

	c := o.acquire(oldestKey)
	defer o.release(oldestKey, c)
	for leader, followers := range c.waiting {
		for i, f := range followers {
			if f.seq != oldestSeq {
				continue
			}
			rest := append(followers[:i:i], followers[i+1:]...)
			if len(rest) == 0 {
				delete(c.waiting, leader)
			} else {
				c.waiting[leader] = rest
			}
			delete(c.ids, f.event.ID)
			o.parked.Add(-1)
			return f.event, true
		}
	}
	// Released between the scan and the lock.
	return events.Event{}, false
}

func (o *CausalOrdering) chainKeys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.chains))
	for key := range o.chains {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// acquire returns the chain for key, locked. Every acquire must be paired
// with release.
func (o *CausalOrdering) acquire(key string) *chain {
	o.mu.Lock()
	c, ok := o.chains[key]
	if !ok {
		c = newChain()
		o.chains[key] = c
	}
	c.refs++
	o.mu.Unlock()

	c.mu.Lock()
	return c
}

// release unlocks c and retires it from the registry once nobody holds it
// and nothing is parked in it.
func (o *CausalOrdering) release(key string, c *chain) {
	c.mu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	c.refs--
	if c.refs == 0 && len(c.waiting) == 0 {
		delete(o.chains, key)
	}
}

func unwrap(parked []parkedEvent) []events.Event {
	if len(parked) == 0 {
		return nil
	}
	out := make([]events.Event, len(parked))
	for i, p := range parked {
		out[i] = p.event
	}
	return out
}
