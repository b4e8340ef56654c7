// Package cache keeps recently decoded rules replies in memory so repeated
// lookups for the same server do not hit the network.
package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/energizer-project/querycache/internal/config"
	"github.com/energizer-project/querycache/internal/events"
	"github.com/energizer-project/querycache/internal/network"
	"github.com/energizer-project/querycache/internal/protocol"
)

// Querier fetches a decoded rules reply from a server.
type Querier interface {
	QueryRules(ctx context.Context, addr string) (*protocol.RulesReply, error)
}

// Entry is a cached reply.
type Entry struct {
	Address   string               `json:"address"`
	Reply     *protocol.RulesReply `json:"reply"`
	FetchedAt time.Time            `json:"fetched_at"`
	Latency   time.Duration        `json:"latency_ns"`
}

// Age returns how long ago the entry was fetched.
func (e *Entry) Age() time.Duration {
	return time.Since(e.FetchedAt)
}

// Stats are the cache counters since start.
type Stats struct {
	Entries  int    `json:"entries"`
	Capacity int    `json:"capacity"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Failures uint64 `json:"failures"`
	TTLSec   int    `json:"ttl_sec"`
}

// RulesCache is a size-bounded, TTL-expiring cache of rules replies.
// Concurrent misses for the same address share one network query.
type RulesCache struct {
	querier  Querier
	bus      *events.EventBus
	entries  *expirable.LRU[string, *Entry]
	group    singleflight.Group
	capacity int
	ttl      time.Duration
	logger   zerolog.Logger

	hits     atomic.Uint64
	misses   atomic.Uint64
	failures atomic.Uint64
}

// NewRulesCache creates a cache sized from the query section of cfg.
// bus may be nil.
func NewRulesCache(cfg *config.Config, querier Querier, bus *events.EventBus) *RulesCache {
	q := cfg.GetQuery()
	return &RulesCache{
		querier:  querier,
		bus:      bus,
		entries:  expirable.NewLRU[string, *Entry](q.CacheSize, nil, q.CacheTTL()),
		capacity: q.CacheSize,
		ttl:      q.CacheTTL(),
		logger:   log.With().Str("component", "rules_cache").Logger(),
	}
}

// Get returns the cached entry for addr, querying the server on a miss.
func (c *RulesCache) Get(ctx context.Context, addr string) (*Entry, error) {
	key, err := network.NormalizeAddress(addr)
	if err != nil {
		return nil, err
	}

	if entry, ok := c.entries.Get(key); ok {
		c.hits.Add(1)
		return entry, nil
	}
	c.misses.Add(1)
	return c.fetch(ctx, key)
}

// Refresh queries the server even when a cached entry exists.
func (c *RulesCache) Refresh(ctx context.Context, addr string) (*Entry, error) {
	key, err := network.NormalizeAddress(addr)
	if err != nil {
		return nil, err
	}
	return c.fetch(ctx, key)
}

// Peek returns the cached entry without querying or touching recency.
func (c *RulesCache) Peek(addr string) (*Entry, bool) {
	key, err := network.NormalizeAddress(addr)
	if err != nil {
		return nil, false
	}
	return c.entries.Peek(key)
}

// Invalidate removes addr from the cache and reports whether it was present.
func (c *RulesCache) Invalidate(addr string) bool {
	key, err := network.NormalizeAddress(addr)
	if err != nil {
		return false
	}

	removed := c.entries.Remove(key)
	if removed {
		c.emit(events.Event{
			Type:    events.EventCacheFlushed,
			Payload: events.CacheFlushedPayload{Address: key},
		})
	}
	return removed
}

// Purge empties the cache.
func (c *RulesCache) Purge() {
	c.entries.Purge()
	c.emit(events.Event{
		Type:    events.EventCacheFlushed,
		Payload: events.CacheFlushedPayload{Address: "*"},
	})
}

// Len returns the number of live entries.
func (c *RulesCache) Len() int {
	return c.entries.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *RulesCache) Stats() Stats {
	return Stats{
		Entries:  c.entries.Len(),
		Capacity: c.capacity,
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Failures: c.failures.Load(),
		TTLSec:   int(c.ttl / time.Second),
	}
}

// fetch runs one shared query per key. The query outlives a single caller's
// cancellation so other waiters still get the result.
func (c *RulesCache) fetch(ctx context.Context, key string) (*Entry, error) {
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.query(context.WithoutCancel(ctx), key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *RulesCache) query(ctx context.Context, key string) (*Entry, error) {
	start := time.Now()
	reply, err := c.querier.QueryRules(ctx, key)
	latency := time.Since(start)

	if err != nil {
		c.failures.Add(1)
		c.logger.Warn().
			Err(err).
			Str("address", key).
			Dur("latency", latency).
			Msg("rules query failed")
		c.emit(events.Event{
			Type: events.EventQueryFailed,
			Payload: events.QueryFailedPayload{
				Address: key,
				Error:   err.Error(),
				Kind:    ErrorKind(err),
			},
		})
		return nil, err
	}

	entry := &Entry{
		Address:   key,
		Reply:     reply,
		FetchedAt: time.Now().UTC(),
		Latency:   latency,
	}
	c.entries.Add(key, entry)

	mods := make([]events.ModSummary, 0, len(reply.Mods))
	for _, m := range reply.Mods {
		mods = append(mods, events.ModSummary{ID: m.ID, Name: m.Name})
	}
	c.emit(events.Event{
		Type: events.EventRulesDecoded,
		Payload: events.RulesDecodedPayload{
			Address:   key,
			RuleCount: len(reply.Rules),
			ModCount:  len(reply.Mods),
			Mods:      mods,
			Latency:   latency,
			FetchedAt: entry.FetchedAt,
		},
	})

	c.logger.Debug().
		Str("address", key).
		Int("rules", len(reply.Rules)).
		Int("mods", len(reply.Mods)).
		Dur("latency", latency).
		Msg("rules cached")
	return entry, nil
}

func (c *RulesCache) emit(e events.Event) {
	if c.bus == nil {
		return
	}
	e.Source = "rules_cache"
	c.bus.Emit(context.Background(), e)
}

// ErrorKind classifies a query error for event payloads and API responses.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, network.ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, network.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, protocol.ErrInvalidHeader):
		return "invalid_header"
	case errors.Is(err, protocol.ErrTruncatedModRecord):
		return "truncated_mod_record"
	case errors.Is(err, protocol.ErrUnexpectedEOF):
		return "unexpected_eof"
	case errors.Is(err, network.ErrCompressedPacket), errors.Is(err, network.ErrUnexpectedPacket),
		errors.Is(err, protocol.ErrInvalidChallenge):
		return "bad_packet"
	default:
		return "network"
	}
}
