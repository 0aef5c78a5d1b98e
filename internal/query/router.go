// Package query routes exact-key and key-range queries through the trie.
//
// An exact query is forwarded toward the level of the first bit at which the
// key leaves the local path until it reaches a responsible peer. Range
// queries come in two flavors, chosen per query and carried in the message:
// MinMax walks the range left to right one subtree at a time, Shower fans out
// to every sibling subtree intersecting the range in parallel.
package query

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zde37/pgrid/internal/config"
	"github.com/zde37/pgrid/internal/keyspace"
	"github.com/zde37/pgrid/internal/message"
	"github.com/zde37/pgrid/internal/metrics"
	"github.com/zde37/pgrid/internal/routing"
	"github.com/zde37/pgrid/internal/store"
	"github.com/zde37/pgrid/pkg"
)

// Remote forwards queries to other peers.
type Remote interface {
	Query(ctx context.Context, peer routing.PeerRef, q *message.Query) (*message.QueryReply, error)
	RangeQuery(ctx context.Context, peer routing.PeerRef, q *message.RangeQuery) (*message.QueryReply, error)
}

// Option configures a Router.
type Option func(*Router)

// WithRand injects the source used to pick among equivalent references.
func WithRand(rng *rand.Rand) Option {
	return func(r *Router) { r.rng = rng }
}

// Router answers and forwards queries for one peer.
type Router struct {
	cfg    *config.Config
	table  *routing.Table
	store  *store.ItemStore
	logger *pkg.Logger
	remote Remote

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewRouter creates a query router over the given table and store.
func NewRouter(cfg *config.Config, table *routing.Table, items *store.ItemStore, logger *pkg.Logger, opts ...Option) (*Router, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if table == nil {
		return nil, fmt.Errorf("routing table cannot be nil")
	}
	if items == nil {
		return nil, fmt.Errorf("item store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	r := &Router{
		cfg:    cfg,
		table:  table,
		store:  items,
		logger: logger.WithFields(pkg.Fields{"component": "query"}),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// SetRemote sets the client used to reach other peers.
func (r *Router) SetRemote(remote Remote) {
	r.remote = remote
}

// Lookup resolves the items stored under key anywhere in the overlay.
func (r *Router) Lookup(ctx context.Context, key keyspace.Key) (*message.QueryReply, error) {
	if !keyspace.Valid(key) {
		return nil, fmt.Errorf("%w: key %q is not a bitstring", pkg.ErrProtocolViolation, key)
	}
	reply, err := r.HandleQuery(ctx, &message.Query{
		Header: message.NewHeader(r.table.Local()),
		Key:    key,
	})
	if err != nil {
		return nil, err
	}
	metrics.QueryHops("exact", reply.Hops)
	return reply, nil
}

// Range collects every item with a key inside rng. An empty algorithm uses
// the configured one.
func (r *Router) Range(ctx context.Context, rng keyspace.Range, algorithm string) (*message.QueryReply, error) {
	if algorithm == "" {
		algorithm = r.cfg.RangeQueryAlgorithm
	}
	reply, err := r.HandleRangeQuery(ctx, &message.RangeQuery{
		Header:    message.NewHeader(r.table.Local()),
		Min:       rng.Min,
		Max:       rng.Max,
		Algorithm: algorithm,
	})
	if err != nil {
		return nil, err
	}
	metrics.QueryHops(algorithm, reply.Hops)
	return reply, nil
}

// HandleQuery answers an exact query locally or forwards it one hop closer
// to a responsible peer.
func (r *Router) HandleQuery(ctx context.Context, q *message.Query) (*message.QueryReply, error) {
	if !keyspace.Valid(q.Key) {
		return nil, fmt.Errorf("%w: key %q is not a bitstring", pkg.ErrProtocolViolation, q.Key)
	}
	local := r.table.Local()
	reply := &message.QueryReply{
		Header: message.Header{GUID: q.GUID, Sender: local},
		Hops:   q.Hops,
	}

	if keyspace.IsResponsible(local.Path, q.Key) {
		items, err := r.store.Get(ctx, q.Key)
		if err != nil && !errors.Is(err, pkg.ErrKeyNotFound) {
			return nil, fmt.Errorf("failed to read key %s: %w", q.Key, err)
		}
		reply.Found = len(items) > 0
		reply.Items = items
		reply.Responders = []routing.PeerRef{local}
		return reply, nil
	}

	if q.Hops >= r.cfg.MaxHops {
		reply.Partial = true
		r.logger.Debug().Str("guid", q.GUID).Str("key", q.Key).Int("hops", q.Hops).Msg("Query hop budget exhausted")
		return reply, nil
	}

	level := keyspace.CommonPrefixLen(local.Path, q.Key)
	next := *q
	next.Hops++

	var out *message.QueryReply
	err := r.forward(ctx, r.candidates(level, true), func(peer routing.PeerRef) error {
		var err error
		out, err = r.remote.Query(ctx, peer, &next)
		return err
	})
	if err != nil {
		r.logger.Debug().Err(err).Str("guid", q.GUID).Str("key", q.Key).Int("level", level).Msg("Query could not be forwarded")
		reply.Partial = true
		return reply, nil
	}
	return out, nil
}

// HandleRangeQuery answers the part of a range query this peer covers and
// forwards the rest according to the query's algorithm.
func (r *Router) HandleRangeQuery(ctx context.Context, q *message.RangeQuery) (*message.QueryReply, error) {
	rng, err := keyspace.NewRange(q.Min, q.Max)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkg.ErrProtocolViolation, err)
	}
	switch q.Algorithm {
	case message.AlgorithmShower:
		return r.shower(ctx, q, rng)
	case message.AlgorithmMinMax, "":
		return r.minMax(ctx, q, rng)
	}
	return nil, fmt.Errorf("%w: unknown range algorithm %q", pkg.ErrProtocolViolation, q.Algorithm)
}

// shower collects local items and forwards in parallel to every sibling
// subtree from q.Level down that intersects the range. A peer reached at
// level i only fans out below level i, so every subtree is asked once.
func (r *Router) shower(ctx context.Context, q *message.RangeQuery, rng keyspace.Range) (*message.QueryReply, error) {
	local := r.table.Local()
	reply := &message.QueryReply{
		Header: message.Header{GUID: q.GUID, Sender: local},
		Hops:   q.Hops,
	}

	if keyspace.IsResponsibleRange(local.Path, rng) {
		items, err := r.localRange(ctx, local.Path, rng.Min, rng.Max)
		if err != nil {
			return nil, err
		}
		reply.Items = items
		reply.Responders = []routing.PeerRef{local}
	}

	var levels []int
	for i := q.Level; i < len(local.Path); i++ {
		if rng.Intersects(keyspace.Sibling(local.Path, i)) {
			levels = append(levels, i)
		}
	}
	if len(levels) == 0 {
		return finish(reply), nil
	}
	if q.Hops >= r.cfg.MaxHops {
		reply.Partial = true
		return finish(reply), nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, level := range levels {
		next := *q
		next.Level = level + 1
		next.Hops++
		candidates := r.candidates(level, false)

		g.Go(func() error {
			var out *message.QueryReply
			err := r.forward(gctx, candidates, func(peer routing.PeerRef) error {
				var err error
				out, err = r.remote.RangeQuery(gctx, peer, &next)
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Debug().Err(err).Str("guid", q.GUID).Int("level", level).Msg("Range query branch unreachable")
				reply.Partial = true
				return nil
			}
			merge(reply, out)
			return nil
		})
	}
	_ = g.Wait()
	return finish(reply), nil
}

// minMax walks the range from left to right. Min is the cursor: the lowest
// key not yet covered. The peer whose subtree starts at the cursor answers,
// moves the cursor past its subtree and passes the query on.
func (r *Router) minMax(ctx context.Context, q *message.RangeQuery, rng keyspace.Range) (*message.QueryReply, error) {
	local := r.table.Local()
	reply := &message.QueryReply{
		Header: message.Header{GUID: q.GUID, Sender: local},
		Hops:   q.Hops,
	}

	cursor := rng.Min
	level, covers := coverLevel(local.Path, cursor)
	if covers {
		items, err := r.localRange(ctx, local.Path, cursor, rng.Max)
		if err != nil {
			return nil, err
		}
		reply.Items = items
		reply.Responders = []routing.PeerRef{local}

		next, ok := keyspace.Successor(local.Path)
		if !ok || keyspace.Compare(next, rng.Max) > 0 {
			return finish(reply), nil
		}
		cursor = next
		level = keyspace.CommonPrefixLen(local.Path, cursor)
	}

	if q.Hops >= r.cfg.MaxHops {
		reply.Partial = true
		return finish(reply), nil
	}

	next := *q
	next.Min = cursor
	next.Hops++

	var out *message.QueryReply
	err := r.forward(ctx, r.candidates(level, true), func(peer routing.PeerRef) error {
		var err error
		out, err = r.remote.RangeQuery(ctx, peer, &next)
		return err
	})
	if err != nil {
		r.logger.Debug().Err(err).Str("guid", q.GUID).Str("cursor", cursor).Msg("Range walk interrupted")
		reply.Partial = true
		return finish(reply), nil
	}
	merge(reply, out)
	return finish(reply), nil
}

// coverLevel reports whether the subtree of path is the first one at or
// after cursor. If not, it returns the routing level leading closer to it.
func coverLevel(path, cursor string) (int, bool) {
	if strings.HasPrefix(cursor, path) {
		return 0, true
	}
	c := keyspace.CommonPrefixLen(path, cursor)
	if c < len(cursor) {
		return c, false
	}
	// cursor is a proper prefix of path: the leftmost subtree under the
	// cursor starts with zeros
	if j := strings.IndexByte(path[c:], '1'); j >= 0 {
		return c + j, false
	}
	return 0, true
}

// localRange returns the stored items in [min, max] this peer answers for.
func (r *Router) localRange(ctx context.Context, path string, min, max keyspace.Key) ([]store.Item, error) {
	inRange, err := r.store.Range(ctx, keyspace.Range{Min: min, Max: max})
	if err != nil {
		return nil, fmt.Errorf("failed to scan range: %w", err)
	}
	items := inRange[:0]
	for _, it := range inRange {
		if keyspace.IsResponsible(path, it.Key) {
			items = append(items, it)
		}
	}
	return items, nil
}

// candidates lists the references at level, starting at a random one,
// optionally followed by the replicas as a last resort. A replica answers for
// the same subtree, so it only helps queries that carry their own cursor.
func (r *Router) candidates(level int, replicas bool) []routing.PeerRef {
	refs := r.table.Level(level)
	var fallback []routing.PeerRef
	if replicas {
		fallback = r.table.Replicas()
	}
	out := make([]routing.PeerRef, 0, len(refs)+len(fallback))
	if len(refs) > 0 {
		r.rngMu.Lock()
		start := r.rng.Intn(len(refs))
		r.rngMu.Unlock()
		out = append(out, refs[start:]...)
		out = append(out, refs[:start]...)
	}
	return append(out, fallback...)
}

// forward tries candidates in order until one answers.
func (r *Router) forward(ctx context.Context, candidates []routing.PeerRef, send func(routing.PeerRef) error) error {
	if r.remote == nil {
		return fmt.Errorf("%w: remote client not set", pkg.ErrRoutingMismatch)
	}
	if len(candidates) == 0 {
		return fmt.Errorf("%w: no reference to forward to", pkg.ErrRoutingMismatch)
	}
	var lastErr error
	for _, peer := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = send(peer); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// merge folds a downstream reply into reply.
func merge(reply, out *message.QueryReply) {
	if out == nil {
		return
	}
	reply.Items = append(reply.Items, out.Items...)
	reply.Responders = append(reply.Responders, out.Responders...)
	reply.Partial = reply.Partial || out.Partial
	if out.Hops > reply.Hops {
		reply.Hops = out.Hops
	}
}

// finish removes duplicate items (short keys may be held by several peers)
// and sets Found.
func finish(reply *message.QueryReply) *message.QueryReply {
	seen := make(map[string]bool, len(reply.Items))
	items := reply.Items[:0]
	for _, it := range reply.Items {
		if !seen[it.ID()] {
			seen[it.ID()] = true
			items = append(items, it)
		}
	}
	store.Sort(items)
	reply.Items = items
	reply.Found = len(items) > 0
	return reply
}
