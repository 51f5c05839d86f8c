package routing

import (
	"fmt"
	"sync"
	"time"

	"github.com/pywatt/pywatt-sdk-go/transport"
)

// ErrNoViableChannel is returned when no channel in the available set meets
// a slot's conditions.
var ErrNoViableChannel = fmt.Errorf("routing: no viable channel")

const weightResetThreshold = 1000.0

// Config tunes the router independent of the routing matrix itself.
type Config struct {
	CacheTTL        time.Duration
	CacheMaxEntries int
	LearningRate    float64
	LoadBalancing   bool
}

func (c Config) withDefaults() Config {
	if c.CacheTTL == 0 {
		c.CacheTTL = 5 * time.Second
	}
	if c.CacheMaxEntries == 0 {
		c.CacheMaxEntries = 1024
	}
	if c.LearningRate == 0 {
		c.LearningRate = 0.05
	}
	return c
}

// Router picks a channel for each outgoing message per the configured
// Matrix, caching decisions and adapting slot weights from recorded
// outcomes.
type Router struct {
	cfg Config

	mu        sync.Mutex
	matrix    *Matrix
	weights   map[Slot]float64
	cumWeight map[transport.ChannelType]float64
	health    map[transport.ChannelType]*ChannelHealth
	cache     *decisionCache
}

// New constructs a Router with the given matrix and config.
func New(matrix *Matrix, cfg Config) *Router {
	cfg = cfg.withDefaults()
	r := &Router{
		cfg:       cfg,
		matrix:    matrix,
		weights:   make(map[Slot]float64),
		cumWeight: make(map[transport.ChannelType]float64),
		health:    make(map[transport.ChannelType]*ChannelHealth),
		cache:     newDecisionCache(cfg.CacheTTL, cfg.CacheMaxEntries),
	}
	for slot, sc := range matrix.slots {
		r.weights[slot] = sc.Weight
	}
	return r
}

// HealthFor returns (creating if needed) the ChannelHealth tracker for ct.
func (r *Router) HealthFor(ct transport.ChannelType) *ChannelHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[ct]
	if !ok {
		h = NewChannelHealth()
		r.health[ct] = h
	}
	return h
}

// UpdateMatrix replaces the routing matrix and clears the decision cache, so
// the next Decide call for any key is recomputed rather than served stale
// (spec invariant 10).
func (r *Router) UpdateMatrix(matrix *Matrix) {
	r.mu.Lock()
	r.matrix = matrix
	r.weights = make(map[Slot]float64, len(matrix.slots))
	for slot, sc := range matrix.slots {
		r.weights[slot] = sc.Weight
	}
	r.mu.Unlock()
	r.cache.clear()
}

// ChannelState reports whether one channel type is currently connected;
// Decide callers pass one per available channel so viability can check it.
type ChannelState struct {
	Type      transport.ChannelType
	Connected bool
}

// Decide selects a channel for a message, consulting the cache first.
func (r *Router) Decide(meta Metadata, target string, payloadSize int, available []ChannelState) (RoutingDecision, error) {
	loc := ClassifyTarget(target)
	slot := SelectSlot(meta, loc, payloadSize)

	key := cacheKey{target: target, priority: meta.Priority, msgType: meta.Type, size: payloadSize}
	if d, ok := r.cache.get(key); ok {
		return d, nil
	}

	decision, err := r.decideSlot(slot, meta, available)
	if err != nil {
		return RoutingDecision{}, err
	}
	r.cache.put(key, decision)
	return decision, nil
}

func (r *Router) decideSlot(slot Slot, meta Metadata, available []ChannelState) (RoutingDecision, error) {
	r.mu.Lock()
	matrix := r.matrix
	cfg, ok := matrix.get(slot)
	weight := r.weights[slot]
	r.mu.Unlock()
	if !ok {
		return RoutingDecision{}, fmt.Errorf("routing: no config for slot %s", slot)
	}

	viable := r.viableChannels(cfg, available)
	if len(viable) == 0 {
		return RoutingDecision{}, ErrNoViableChannel
	}

	chosen := viable[0]
	if r.cfg.LoadBalancing && len(viable) > 1 {
		chosen = r.pickByWeight(viable, weight)
	}

	var fallback *transport.ChannelType
	for _, ct := range viable {
		if ct != chosen {
			c := ct
			fallback = &c
			break
		}
	}

	h := r.HealthFor(chosen)
	confidence := r.confidence(h, meta.Timeout)

	return RoutingDecision{
		Primary:         chosen,
		Fallback:        fallback,
		Confidence:      confidence,
		ExpectedLatency: h.P95Latency(),
		Weight:          weight,
		Reason:          fmt.Sprintf("slot=%s primary=%s health=%.2f", slot, chosen, h.Availability()),
	}, nil
}

// viableChannels returns, in priority order, the primary (if viable),
// fallback (if viable), then any other available channel as last resort.
func (r *Router) viableChannels(cfg SlotConfig, available []ChannelState) []transport.ChannelType {
	connected := make(map[transport.ChannelType]bool, len(available))
	for _, a := range available {
		if a.Connected {
			connected[a.Type] = true
		}
	}

	var out []transport.ChannelType
	seen := make(map[transport.ChannelType]bool)

	tryAdd := func(ct transport.ChannelType) {
		if seen[ct] || !connected[ct] {
			return
		}
		if !r.meetsConditions(ct, cfg.Conditions) {
			return
		}
		seen[ct] = true
		out = append(out, ct)
	}

	tryAdd(cfg.Primary)
	if cfg.Fallback != nil {
		tryAdd(*cfg.Fallback)
	}
	for _, a := range available {
		if connected[a.Type] && !seen[a.Type] {
			seen[a.Type] = true
			out = append(out, a.Type)
		}
	}
	return out
}

func (r *Router) meetsConditions(ct transport.ChannelType, cond Conditions) bool {
	h := r.HealthFor(ct)
	if cond.MinHealth > 0 && h.Availability() < cond.MinHealth {
		return false
	}
	if cond.MaxLatencyMS > 0 && h.P95Latency() > time.Duration(cond.MaxLatencyMS)*time.Millisecond {
		return false
	}
	if cond.MinThroughput > 0 && h.Throughput() > 0 && h.Throughput() < cond.MinThroughput {
		return false
	}
	return true
}

// pickByWeight implements a lowest-cumulative-weight round robin across the
// viable set: the candidate with the lowest running total is picked and its
// total grows by 1/slotWeight, so picks rotate across the viable set. Every
// candidate in a slot shares the slot's weight; channels are not weighted
// individually. Totals reset once any exceeds weightResetThreshold.
func (r *Router) pickByWeight(viable []transport.ChannelType, slotWeight float64) transport.ChannelType {
	r.mu.Lock()
	defer r.mu.Unlock()

	reset := false
	for _, ct := range viable {
		if r.cumWeight[ct] > weightResetThreshold {
			reset = true
			break
		}
	}
	if reset {
		for _, ct := range viable {
			r.cumWeight[ct] = 0
		}
	}

	chosen := viable[0]
	lowest := r.cumWeight[chosen]
	for _, ct := range viable[1:] {
		if r.cumWeight[ct] < lowest {
			chosen = ct
			lowest = r.cumWeight[ct]
		}
	}

	w := slotWeight
	if w <= 0 {
		w = 1.0
	}
	r.cumWeight[chosen] += 1.0 / w
	return chosen
}

// confidence implements the spec's 0.8 * availability * (1 - error_rate)
// base, adjusted against the caller's timeout budget versus the channel's
// observed p95 latency.
func (r *Router) confidence(h *ChannelHealth, timeout time.Duration) float64 {
	base := 0.8 * h.Availability() * (1 - h.ErrorRate())
	if timeout > 0 {
		p95 := h.P95Latency()
		if p95 > 0 {
			if p95 < timeout/2 {
				base += 0.1
			} else if p95 > timeout {
				base -= 0.3
			}
		}
	}
	if base < 0 {
		base = 0
	}
	if base > 1 {
		base = 1
	}
	return base
}

const (
	minWeight = 0.1
	maxWeight = 2.0
)

// RecordOutcome nudges the weight of every slot that names ct as primary or
// fallback by +/- learning_rate, clamped to [0.1, 2.0].
func (r *Router) RecordOutcome(ct transport.ChannelType, latency time.Duration, success bool, bytes int) {
	r.HealthFor(ct).Record(latency, success, bytes)

	r.mu.Lock()
	defer r.mu.Unlock()
	delta := r.cfg.LearningRate
	if !success {
		delta = -delta
	}
	for _, slot := range r.matrix.slotsNaming(ct) {
		w := r.weights[slot] + delta
		if w < minWeight {
			w = minWeight
		}
		if w > maxWeight {
			w = maxWeight
		}
		r.weights[slot] = w
	}
}
