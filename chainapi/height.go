package chainapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentbazaar/bidcore/auction"
)

// CachedOracle memoizes a HeightOracle for ttl. Keep ttl below the block
// time of the shortest deadline window being evaluated.
type CachedOracle struct {
	oracle HeightOracle
	ttl    time.Duration
	now    func() time.Time

	lk      sync.Mutex
	height  uint64
	fetched time.Time
}

// NewCachedOracle wraps oracle with a cache.
func NewCachedOracle(oracle HeightOracle, ttl time.Duration) (*CachedOracle, error) {
	if oracle == nil {
		return nil, errors.New("oracle is nil")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must not be negative")
	}
	return &CachedOracle{oracle: oracle, ttl: ttl, now: time.Now}, nil
}

// CurrentHeight returns the cached height or fetches a fresh one. Heights
// never go backwards: a lagging node answer is replaced by the last one seen.
func (c *CachedOracle) CurrentHeight(ctx context.Context) (uint64, error) {
	c.lk.Lock()
	defer c.lk.Unlock()

	if !c.fetched.IsZero() && c.now().Sub(c.fetched) < c.ttl {
		return c.height, nil
	}
	h, err := c.oracle.CurrentHeight(ctx)
	if err != nil {
		return 0, classify(err, "getting current height")
	}
	if h < c.height {
		log.Warnf("height oracle went backwards from %d to %d", c.height, h)
		h = c.height
	}
	c.height, c.fetched = h, c.now()
	return h, nil
}

// Invalidate drops the cached height.
func (c *CachedOracle) Invalidate() {
	c.lk.Lock()
	c.fetched = time.Time{}
	c.lk.Unlock()
}

var _ HeightOracle = (*CachedOracle)(nil)

// Height reads the current height, classifying failures as external.
func Height(ctx context.Context, o HeightOracle) (uint64, error) {
	h, err := o.CurrentHeight(ctx)
	if err != nil {
		if auction.KindOf(err) != auction.KindUnspecified {
			return 0, err
		}
		return 0, auction.Externalf(err, "getting current height")
	}
	return h, nil
}
