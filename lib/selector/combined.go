package selector

import (
	"sync"
	"time"

	"github.com/statekit/statekit/lib/path"
)

// Combiner merges the resolved dependency values into one derived value.
// The values arrive in dependency order.
type Combiner func(values []any) (any, error)

// CombinedOptions configures a combined selector.
type CombinedOptions struct {
	// Equal decides whether two derived values count as the same (default
	// path.DeepEqual).
	Equal func(old, new any) bool

	// Debounce coalesces bursts of dependency notifications into one
	// recomputation (default 10ms).
	Debounce time.Duration
}

// --------------------------------------------------------------------------
// Combined Selector
// --------------------------------------------------------------------------

// combinedImpl derives a value from other selectors. Dependencies resolve
// concurrently on evaluation; their change notifications are debounced into
// a single recomputation whose result is compared against the memo before
// anyone downstream hears about it.
type combinedImpl struct {
	id       string
	deps     []ISelector
	combine  Combiner
	equal    func(old, new any) bool
	debounce time.Duration

	mu       sync.Mutex
	hasCache bool
	cached   any
	timer    *time.Timer
	torndown bool

	subs      *subscribers
	depUnsubs []func()
	release   func()
}

func newCombined(id string, deps []ISelector, combine Combiner, opts *CombinedOptions) *combinedImpl {
	equal := path.DeepEqual
	debounce := 10 * time.Millisecond
	if opts != nil {
		if opts.Equal != nil {
			equal = opts.Equal
		}
		if opts.Debounce > 0 {
			debounce = opts.Debounce
		}
	}

	c := &combinedImpl{
		id:       id,
		deps:     deps,
		combine:  combine,
		equal:    equal,
		debounce: debounce,
		subs:     newSubscribers(),
	}
	for _, dep := range deps {
		c.depUnsubs = append(c.depUnsubs, dep.Subscribe(c.onDepChange))
	}
	return c
}

func (c *combinedImpl) ID() string { return c.id }

func (c *combinedImpl) Select() (any, error) {
	c.mu.Lock()
	if c.hasCache {
		v := c.cached
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()
	return c.compute()
}

// compute resolves every dependency concurrently, combines and memoizes.
func (c *combinedImpl) compute() (any, error) {
	values := make([]any, len(c.deps))
	errs := make([]error, len(c.deps))

	var wg sync.WaitGroup
	for i, dep := range c.deps {
		wg.Add(1)
		go func(i int, dep ISelector) {
			defer wg.Done()
			values[i], errs[i] = dep.Select()
		}(i, dep)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	value, err := c.combine(values)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cached = value
	c.hasCache = true
	c.mu.Unlock()
	return value, nil
}

func (c *combinedImpl) Subscribe(fn func(value any)) func() {
	unsub := c.subs.add(fn)
	if value, err := c.Select(); err == nil {
		fn(value)
	}
	return unsub
}

func (c *combinedImpl) Destroy() {
	if c.release != nil {
		c.release()
	}
}

func (c *combinedImpl) teardown() {
	c.mu.Lock()
	c.torndown = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	for _, unsub := range c.depUnsubs {
		unsub()
	}
}

// onDepChange resets the debounce window; the recomputation fires once per
// burst.
func (c *combinedImpl) onDepChange(any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torndown {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, c.recompute)
}

func (c *combinedImpl) recompute() {
	c.mu.Lock()
	if c.torndown {
		c.mu.Unlock()
		return
	}
	prev := c.cached
	had := c.hasCache
	c.hasCache = false // force a fresh combine
	c.mu.Unlock()

	value, err := c.compute()
	if err != nil {
		return
	}
	if had && c.equal(prev, value) {
		return
	}
	c.subs.notify(value)
}
