package region

import (
	"context"
	"net"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/yllada/vpn-orchestrator/common"
)

const (
	// DefaultMaxConcurrent is the default maximum number of concurrent probes.
	DefaultMaxConcurrent = 8
	// DefaultCacheTTL is how long a measurement is reused.
	DefaultCacheTTL = time.Minute
	cacheSize       = 1024
)

// Result is one latency measurement. LatencyMs is nil when the probe failed.
type Result struct {
	RegionID  string
	LatencyMs *int64
	Err       error
	ProbedAt  time.Time
}

// DialFunc opens the probe connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Option configures a Probe.
type Option func(*probeOptions)

type probeOptions struct {
	probeTimeout  time.Duration
	maxConcurrent int
	cacheTTL      time.Duration
	mark          uint32
	dial          DialFunc
}

// WithProbeTimeout sets the timeout for each region probe.
func WithProbeTimeout(timeout time.Duration) Option {
	return func(o *probeOptions) {
		o.probeTimeout = timeout
	}
}

// WithMaxConcurrent sets the maximum number of concurrent probes.
func WithMaxConcurrent(max int) Option {
	return func(o *probeOptions) {
		o.maxConcurrent = max
	}
}

// WithCacheTTL sets how long a measurement is reused. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *probeOptions) {
		o.cacheTTL = ttl
	}
}

// WithMark sets the packet mark of probe sockets, letting the firewall
// tell them apart from other traffic. It has no effect with WithDialFunc.
func WithMark(mark uint32) Option {
	return func(o *probeOptions) {
		o.mark = mark
	}
}

// WithDialFunc replaces the TCP dialer.
func WithDialFunc(dial DialFunc) Option {
	return func(o *probeOptions) {
		o.dial = dial
	}
}

// Probe measures TCP connect latency to regions.
type Probe struct {
	opts  probeOptions
	cache *expirable.LRU[string, Result]
}

// NewProbe creates a new Probe.
func NewProbe(opts ...Option) *Probe {
	options := probeOptions{
		probeTimeout:  common.ProbeTimeout,
		maxConcurrent: DefaultMaxConcurrent,
		cacheTTL:      DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.dial == nil {
		d := &net.Dialer{Control: markSocket(options.mark)}
		options.dial = d.DialContext
	}
	if options.maxConcurrent <= 0 {
		options.maxConcurrent = DefaultMaxConcurrent
	}

	p := &Probe{opts: options}
	if options.cacheTTL > 0 {
		p.cache = expirable.NewLRU[string, Result](cacheSize, nil, options.cacheTTL)
	}
	return p
}

// Measure probes every online region concurrently and returns one result
// per probed region, in input order.
func (p *Probe) Measure(ctx context.Context, regions []Region) []Result {
	var targets []Region
	for _, r := range regions {
		if !r.Offline {
			targets = append(targets, r)
		}
	}
	results := make([]Result, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.maxConcurrent)
	for i, r := range targets {
		g.Go(func() error {
			results[i] = p.measureOne(gctx, r)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Probe) measureOne(ctx context.Context, r Region) Result {
	if p.cache != nil {
		if cached, ok := p.cache.Get(r.ID); ok {
			return cached
		}
	}

	result := Result{RegionID: r.ID, ProbedAt: time.Now()}
	addr := r.ProbeAddr()
	if !addr.IsValid() {
		_, result.Err = r.Addr()
		return result
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.opts.probeTimeout)
	defer cancel()

	start := time.Now()
	conn, err := p.opts.dial(probeCtx, "tcp", addr.String())
	if err != nil {
		result.Err = err
		common.LogDebug("Region probe failed for %s: %v", r.ID, err)
		if ctx.Err() == nil && p.cache != nil {
			p.cache.Add(r.ID, result)
		}
		return result
	}
	conn.Close()

	ms := time.Since(start).Milliseconds()
	result.LatencyMs = &ms
	if p.cache != nil {
		p.cache.Add(r.ID, result)
	}
	return result
}

// Invalidate drops cached measurements so the next round probes again.
func (p *Probe) Invalidate() {
	if p.cache != nil {
		p.cache.Purge()
	}
}

// Run probes periodically until ctx is done, sending every result on out.
// list is called each round for the current regions.
func (p *Probe) Run(ctx context.Context, interval time.Duration, list func() []Region, out chan<- Result) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, res := range p.Measure(ctx, list()) {
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
