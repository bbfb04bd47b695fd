package daemon

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"objgossip/internal/config"
	"objgossip/internal/debuglog"
	"objgossip/internal/network"
	"objgossip/internal/node"
)

const (
	backoffBase   = 2 * time.Second
	backoffJitter = 500 * time.Millisecond
	maxBackoff    = 5 * time.Minute
	// redialDelay keeps a peer that just hung up from being redialled on
	// the very next tick.
	redialDelay = 1 * time.Second
)

// connMan keeps the number of live outbound sessions at the configured
// target by dialing addresses from the peer book.
type connMan struct {
	r         *Runner
	transport string
	target    int
	tick      time.Duration
	dialOpts  network.DialOptions
	bootstrap []string
	limiter   *rate.Limiter

	mu       sync.Mutex
	nextTry  map[string]time.Time
	failures map[string]int
	dialing  map[string]bool
	rng      *rand.Rand
}

func newConnMan(r *Runner, cfg config.Config) *connMan {
	tick := cfg.DialInterval
	if tick <= 0 {
		tick = 2 * time.Second
	}
	return &connMan{
		r:         r,
		transport: cfg.Transport,
		target:    cfg.OutboundTarget,
		tick:      tick,
		dialOpts:  network.DialOptions{MaxLineSize: cfg.MaxLineSize, Timeout: cfg.DialTimeout, WriteTimeout: cfg.WriteTimeout},
		bootstrap: cfg.Bootstrap,
		// Four dials per tick interval; bootstrap peers share the burst.
		limiter:  rate.NewLimiter(rate.Every(tick/4), 4),
		nextTry:  make(map[string]time.Time),
		failures: make(map[string]int),
		dialing:  make(map[string]bool),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *connMan) run(ctx context.Context) {
	c.seedBootstrap()
	c.tickOutbound(ctx)
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tickOutbound(ctx)
		}
	}
}

func (c *connMan) seedBootstrap() {
	if len(c.bootstrap) == 0 {
		return
	}
	added := c.r.Self.Peers().Merge(c.bootstrap)
	debuglog.Debugf("connman: seeded %d bootstrap peers", added)
}

func (c *connMan) tickOutbound(ctx context.Context) {
	if c.target <= 0 {
		return
	}
	_, out := c.r.Self.Counts()
	need := c.target - out
	if need <= 0 {
		return
	}
	now := time.Now()
	candidates := c.r.Self.Peers().List()
	c.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	for _, addr := range candidates {
		if need <= 0 || ctx.Err() != nil {
			return
		}
		if c.r.Self.Connected(addr) || !c.shouldTry(addr, now) {
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		if err := c.connect(ctx, addr); err != nil {
			if !errors.Is(err, node.ErrDuplicateSession) {
				debuglog.With("connman").RateLimitedf("dial."+addr, 30*time.Second, "dial %s: %v", addr, err)
				c.markFailure(addr)
			}
			continue
		}
		need--
	}
}

func (c *connMan) connect(ctx context.Context, addr string) error {
	c.mu.Lock()
	if c.dialing[addr] {
		c.mu.Unlock()
		return node.ErrDuplicateSession
	}
	c.dialing[addr] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.dialing, addr)
		c.mu.Unlock()
	}()

	lc, err := network.Dial(ctx, c.transport, addr, c.dialOpts)
	if err != nil {
		return err
	}
	if _, err := c.r.Self.Attach(lc, true); err != nil {
		return err
	}
	c.markSuccess(addr)
	debuglog.Logf("connman: connected to %s", addr)
	return nil
}

func (c *connMan) sessionFinished(name string, initiator bool) {
	if !initiator {
		return
	}
	c.mu.Lock()
	if until := time.Now().Add(redialDelay); until.After(c.nextTry[name]) {
		c.nextTry[name] = until
	}
	c.mu.Unlock()
}

func (c *connMan) markSuccess(addr string) {
	c.mu.Lock()
	delete(c.nextTry, addr)
	delete(c.failures, addr)
	c.mu.Unlock()
}

func (c *connMan) markFailure(addr string) {
	c.mu.Lock()
	c.failures[addr]++
	c.nextTry[addr] = time.Now().Add(c.backoffLocked(c.failures[addr]))
	c.mu.Unlock()
}

func (c *connMan) shouldTry(addr string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dialing[addr] {
		return false
	}
	next, ok := c.nextTry[addr]
	return !ok || now.After(next)
}

func (c *connMan) backoffLocked(failures int) time.Duration {
	shift := failures - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 16 {
		shift = 16
	}
	d := backoffBase*time.Duration(1<<shift) + time.Duration(c.rng.Int63n(int64(backoffJitter)))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
