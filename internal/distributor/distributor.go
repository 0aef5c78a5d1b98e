// Package distributor realizes insert, update and delete requests against the
// overlay. Items are partitioned by the trie level at which their key leaves
// the local path, forwarded to a peer of the sibling subtree at that level,
// and the locally owned remainder is applied and broadcast to replicas.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/zde37/pgrid/internal/config"
	"github.com/zde37/pgrid/internal/keyspace"
	"github.com/zde37/pgrid/internal/message"
	"github.com/zde37/pgrid/internal/metrics"
	"github.com/zde37/pgrid/internal/routing"
	"github.com/zde37/pgrid/internal/store"
	"github.com/zde37/pgrid/pkg"
)

// Remote delivers data modifiers to other peers.
type Remote interface {
	Distribute(ctx context.Context, peer routing.PeerRef, m *message.DataModifier) (*message.Ack, error)
}

// Option configures a Distributor.
type Option func(*Distributor)

// WithClock injects the clock used for retry delays.
func WithClock(clock clockwork.Clock) Option {
	return func(d *Distributor) { d.clock = clock }
}

// request is one insert, update or delete being realized.
type request struct {
	guid    string
	op      message.Operation
	items   []store.Item
	local   bool            // issued by this peer, not forwarded from another
	sender  routing.PeerRef // forwarded requests: the peer that sent it
	mguid   string          // forwarded requests: GUID of the incoming message
	seen    []string        // forwarded requests: peers that already got it
	retries int

	attempts map[string]struct{} // outstanding attempt GUIDs
}

// attempt is one routed send of part of a request.
type attempt struct {
	guid    string
	request string
	op      message.Operation
	prefix  string
	items   []store.Item
	isLocal bool
}

// Distributor runs distribution requests from a background worker.
type Distributor struct {
	cfg    *config.Config
	table  *routing.Table
	store  *store.ItemStore
	logger *pkg.Logger
	clock  clockwork.Clock
	remote Remote

	seen *lru.Cache[string, struct{}]

	// in-flight tables
	mu       sync.Mutex
	requests map[string]*request
	attempts map[string]*attempt

	queueMu sync.Mutex
	queue   []*request
	wake    chan struct{}

	retrying atomic.Int32 // retries waiting for their delay

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Distributor over the given table and store.
func New(cfg *config.Config, table *routing.Table, items *store.ItemStore, logger *pkg.Logger, opts ...Option) (*Distributor, error) {
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

	size := cfg.SeenCacheSize
	if size <= 0 {
		size = config.DefaultConfig().SeenCacheSize
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create seen cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Distributor{
		cfg:      cfg,
		table:    table,
		store:    items,
		logger:   logger.WithFields(pkg.Fields{"component": "distributor"}),
		clock:    clockwork.NewRealClock(),
		seen:     seen,
		requests: make(map[string]*request),
		attempts: make(map[string]*attempt),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// SetRemote sets the client used to reach other peers.
func (d *Distributor) SetRemote(remote Remote) {
	d.remote = remote
}

// Start launches the background worker.
func (d *Distributor) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop stops the worker after the request being processed completes.
func (d *Distributor) Stop() {
	d.cancel()
	d.wg.Wait()
}

// Insert publishes items into the overlay.
func (d *Distributor) Insert(ctx context.Context, items []store.Item) error {
	return d.submit(ctx, message.OpInsert, items)
}

// Update replaces published items with new versions.
func (d *Distributor) Update(ctx context.Context, items []store.Item) error {
	return d.submit(ctx, message.OpUpdate, items)
}

// Delete withdraws published items.
func (d *Distributor) Delete(ctx context.Context, items []store.Item) error {
	return d.submit(ctx, message.OpDelete, items)
}

// InFlight returns the number of tracked requests and attempts.
func (d *Distributor) InFlight() (requests, attempts int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests), len(d.attempts)
}

// Queued returns the number of requests waiting for the worker.
func (d *Distributor) Queued() int {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	return len(d.queue)
}

func (d *Distributor) submit(ctx context.Context, op message.Operation, items []store.Item) error {
	if err := ctx.Err(); err != nil {
		return pkg.ErrContextCanceled
	}
	if len(items) == 0 {
		return nil
	}
	for _, it := range items {
		if !keyspace.Valid(it.Key) {
			return fmt.Errorf("%w: item key %q is not a bitstring", pkg.ErrProtocolViolation, it.Key)
		}
	}
	d.enqueue(&request{
		guid:  message.NewGUID(),
		op:    op,
		items: items,
		local: true,
	})
	return nil
}

func (d *Distributor) enqueue(r *request) {
	d.queueMu.Lock()
	d.queue = append(d.queue, r)
	d.queueMu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Distributor) run() {
	defer d.wg.Done()

	var sweep <-chan time.Time
	if d.cfg.SweepInterval > 0 {
		ticker := d.clock.NewTicker(d.cfg.SweepInterval)
		defer ticker.Stop()
		sweep = ticker.Chan()
	}

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.wake:
			d.drain()
		case <-sweep:
			d.sweep(d.ctx)
		}
	}
}

// sweep publishes again the stored items the local path is not responsible
// for. Such items stay behind when every delivery attempt failed, typically
// because the table had no reference at their level yet. It skips while work
// is queued, in flight or waiting for a retry delay.
func (d *Distributor) sweep(ctx context.Context) int {
	if d.Queued() > 0 || d.retrying.Load() > 0 {
		return 0
	}
	if requests, _ := d.InFlight(); requests > 0 {
		return 0
	}

	path := d.table.Path()
	stray, err := d.store.Select(ctx, func(it store.Item) bool {
		return !keyspace.IsResponsible(path, it.Key)
	})
	if err != nil {
		if !errors.Is(err, pkg.ErrContextCanceled) {
			d.logger.Error().Err(err).Msg("Failed to scan for stranded items")
		}
		return 0
	}
	if len(stray) == 0 {
		return 0
	}

	d.logger.Debug().Str("path", path).Int("items", len(stray)).Msg("Publishing stranded items again")
	d.enqueue(&request{
		guid:  message.NewGUID(),
		op:    message.OpInsert,
		items: stray,
		local: true,
	})
	return len(stray)
}

// drain processes a snapshot of the queue taken under the lock.
func (d *Distributor) drain() {
	d.queueMu.Lock()
	batch := d.queue
	d.queue = nil
	d.queueMu.Unlock()

	for _, r := range batch {
		if d.ctx.Err() != nil {
			return
		}
		d.process(d.ctx, r)
	}
}

// RemoteDistribution handles a data modifier sent by another peer. Accepted
// messages are queued for the worker; the returned ack only covers routing.
func (d *Distributor) RemoteDistribution(ctx context.Context, m *message.DataModifier) *message.Ack {
	code, detail := d.admit(ctx, m)
	metrics.RemoteDistribution(code.String())

	ack := message.NewAck(m.GUID, code)
	ack.Detail = detail
	return ack
}

func (d *Distributor) admit(ctx context.Context, m *message.DataModifier) (message.AckCode, string) {
	if err := ctx.Err(); err != nil {
		return message.AckCannotRoute, "canceled"
	}
	if m.GUID == "" || m.Sender.IsZero() {
		return message.AckCannotRoute, "missing guid or sender"
	}
	switch m.Operation {
	case message.OpInsert, message.OpUpdate, message.OpDelete:
	default:
		return message.AckCannotRoute, fmt.Sprintf("unknown operation %s", m.Operation)
	}
	for _, it := range m.Items {
		if !keyspace.Valid(it.Key) {
			return message.AckCannotRoute, fmt.Sprintf("invalid key %q", it.Key)
		}
	}
	if d.seen.Contains(m.GUID) {
		return message.AckAlreadySeen, ""
	}

	path := d.table.Path()
	if !keyspace.IsResponsible(path, m.Prefix) {
		d.logger.Debug().
			Str("guid", m.GUID).
			Str("prefix", m.Prefix).
			Str("path", path).
			Msg("Rejecting data modifier for another subtree")
		return message.AckWrongRoute, fmt.Sprintf("path %q does not cover %q", path, m.Prefix)
	}

	// two copies may race past Contains; only the first is queued
	if ok, _ := d.seen.ContainsOrAdd(m.GUID, struct{}{}); ok {
		return message.AckAlreadySeen, ""
	}

	d.enqueue(&request{
		guid:    message.NewGUID(),
		op:      m.Operation,
		items:   m.Items,
		sender:  m.Sender,
		mguid:   m.GUID,
		seen:    m.Seen,
	})
	return message.AckOK, ""
}

// sortByLevel partitions items by the level at which their key leaves path.
// Items the path is responsible for are returned separately.
func sortByLevel(path string, items []store.Item) (levels map[int][]store.Item, local []store.Item) {
	levels = make(map[int][]store.Item)
	for _, it := range items {
		c := keyspace.CommonPrefixLen(path, it.Key)
		if c == len(path) || c == len(it.Key) {
			local = append(local, it)
			continue
		}
		levels[c] = append(levels[c], it)
	}
	return levels, local
}

// process routes one request: per-level forwarding first, then the local
// bucket and the replica broadcast.
func (d *Distributor) process(ctx context.Context, r *request) {
	path := d.table.Path()
	levels, local := sortByLevel(path, r.items)

	d.track(r)

	order := make([]int, 0, len(levels))
	for level := range levels {
		order = append(order, level)
	}
	sort.Ints(order)

	sends := make([]*attempt, 0, len(order))
	for _, level := range order {
		sends = append(sends, d.newAttempt(r, keyspace.Sibling(path, level), levels[level]))
	}

	for i, a := range sends {
		if err := d.send(ctx, order[i], a); err != nil {
			d.distributionFailed(a.guid, err)
		} else {
			d.distributionSuccess(a.guid)
		}
	}

	if len(local) > 0 {
		d.apply(ctx, r.op, local)
		d.broadcast(ctx, r, local)
	}
	d.untrackIfDone(r.guid)
}

// send delivers one attempt to a peer of the sibling subtree and waits for
// its acknowledgement.
func (d *Distributor) send(ctx context.Context, level int, a *attempt) error {
	if d.remote == nil {
		return fmt.Errorf("%w: remote client not set", pkg.ErrRoutingMismatch)
	}
	peer, ok := d.table.RandomAtLevel(level)
	if !ok {
		return fmt.Errorf("%w: no reference at level %d for %q", pkg.ErrRoutingMismatch, level, a.prefix)
	}

	m := &message.DataModifier{
		Header:    message.Header{GUID: a.guid, Sender: d.table.Local()},
		Operation: a.op,
		Prefix:    a.prefix,
		Items:     a.items,
	}

	sctx, cancel := context.WithTimeout(ctx, d.cfg.DistributionTimeout)
	defer cancel()

	ack, err := d.remote.Distribute(sctx, peer, m)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", pkg.ErrDistributionTimeout, peer.ID, err)
	}
	if ack == nil {
		return fmt.Errorf("%w: no acknowledgement from %s", pkg.ErrProtocolViolation, peer.ID)
	}
	err = ack.Err()
	switch {
	case err == nil, errors.Is(err, pkg.ErrDuplicateDelivery):
		return nil
	case errors.Is(err, pkg.ErrRoutingMismatch):
		// stale reference: the peer moved out of the sibling subtree
		d.table.RemoveLevel(peer)
	}
	return err
}

// broadcast pushes the locally applied items to the replicas that have not
// seen the message yet. Replica broadcasts are not acknowledged.
func (d *Distributor) broadcast(ctx context.Context, r *request, items []store.Item) {
	if d.remote == nil {
		return
	}
	local := d.table.Local()

	skip := make(map[string]bool, len(r.seen)+2)
	skip[local.ID] = true
	skip[r.sender.ID] = true
	for _, id := range r.seen {
		skip[id] = true
	}

	var targets []routing.PeerRef
	for _, p := range d.table.Replicas() {
		if !skip[p.ID] {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return
	}

	seen := make([]string, 0, len(skip)+len(targets))
	for id := range skip {
		if id != "" {
			seen = append(seen, id)
		}
	}
	for _, p := range targets {
		seen = append(seen, p.ID)
	}
	sort.Strings(seen)

	guid := r.mguid
	if guid == "" {
		guid = message.NewGUID()
		d.seen.Add(guid, struct{}{})
	}
	m := &message.DataModifier{
		Header:    message.Header{GUID: guid, Sender: local},
		Operation: r.op,
		Prefix:    local.Path,
		Items:     items,
		Replica:   true,
		Seen:      seen,
	}

	for _, p := range targets {
		sctx, cancel := context.WithTimeout(ctx, d.cfg.DistributionTimeout)
		if _, err := d.remote.Distribute(sctx, p, m); err != nil {
			d.logger.Debug().Err(err).Str("replica", p.ID).Str("guid", guid).Msg("Replica broadcast failed")
		}
		cancel()
	}
}

// apply executes the final bucket against the local store.
func (d *Distributor) apply(ctx context.Context, op message.Operation, items []store.Item) {
	switch op {
	case message.OpInsert:
		if _, err := d.store.Add(ctx, items...); err != nil {
			d.logger.Error().Err(err).Int("items", len(items)).Msg("Failed to insert items")
		}

	case message.OpUpdate:
		path := d.table.Path()
		var keep, moved []store.Item
		for _, it := range items {
			if keyspace.IsResponsible(path, it.Key) {
				keep = append(keep, it)
			} else {
				moved = append(moved, it)
			}
		}
		if _, err := d.store.Add(ctx, keep...); err != nil {
			d.logger.Error().Err(err).Int("items", len(keep)).Msg("Failed to update items")
		}
		if len(moved) > 0 {
			// the path moved under the update; pull and publish again
			if _, err := d.store.Remove(ctx, moved...); err != nil {
				d.logger.Error().Err(err).Msg("Failed to pull moved items")
			}
			d.enqueue(&request{guid: message.NewGUID(), op: message.OpInsert, items: moved, local: true})
		}

	case message.OpDelete:
		if _, err := d.store.Remove(ctx, items...); err != nil {
			d.logger.Error().Err(err).Int("items", len(items)).Msg("Failed to delete items")
		}
	}
}

func (d *Distributor) track(r *request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r.attempts = make(map[string]struct{})
	d.requests[r.guid] = r
}

func (d *Distributor) newAttempt(r *request, prefix string, items []store.Item) *attempt {
	a := &attempt{
		guid:    message.NewGUID(),
		request: r.guid,
		op:      r.op,
		prefix:  prefix,
		items:   items,
		isLocal: r.local,
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts[a.guid] = a
	if req, ok := d.requests[r.guid]; ok {
		req.attempts[a.guid] = struct{}{}
	}
	return a
}

// finish removes an attempt from the in-flight tables and returns it with
// its request, which is dropped as well once no attempt is outstanding.
func (d *Distributor) finish(guid string) (*attempt, *request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.attempts[guid]
	if !ok {
		return nil, nil
	}
	delete(d.attempts, guid)

	r := d.requests[a.request]
	if r != nil {
		delete(r.attempts, guid)
		if len(r.attempts) == 0 {
			delete(d.requests, a.request)
		}
	}
	return a, r
}

func (d *Distributor) untrackIfDone(guid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.requests[guid]; ok && len(r.attempts) == 0 {
		delete(d.requests, guid)
	}
}

// distributionSuccess records a delivered attempt. Local-origin items now
// belong to another subtree and leave the local store.
func (d *Distributor) distributionSuccess(guid string) {
	a, _ := d.finish(guid)
	if a == nil {
		return
	}
	metrics.DistributionAttempt(metrics.ResultSuccess)

	if a.isLocal && a.op != message.OpDelete {
		if _, err := d.store.Remove(d.ctx, a.items...); err != nil && !errors.Is(err, pkg.ErrContextCanceled) {
			d.logger.Error().Err(err).Str("guid", guid).Msg("Failed to release distributed items")
		}
	}
	d.logger.Debug().
		Str("guid", guid).
		Str("prefix", a.prefix).
		Int("items", len(a.items)).
		Msg("Distribution delivered")
}

// distributionFailed records a failed attempt. Local-origin inserts keep
// their items in the local store and are retried later. Once the retries are
// spent the items wait for the next sweep.
func (d *Distributor) distributionFailed(guid string, cause error) {
	a, r := d.finish(guid)
	if a == nil {
		return
	}
	metrics.DistributionAttempt(metrics.ResultFailed)

	log := d.logger.Warn().
		Err(cause).
		Str("guid", guid).
		Str("prefix", a.prefix).
		Str("operation", a.op.String()).
		Int("items", len(a.items))

	if !a.isLocal {
		metrics.DistributionAttempt(metrics.ResultDropped)
		log.Msg("Forwarded distribution failed")
		return
	}

	if a.op == message.OpInsert {
		if _, err := d.store.Add(d.ctx, a.items...); err != nil {
			d.logger.Error().Err(err).Str("guid", guid).Msg("Failed to keep undelivered items")
		}
	}

	retries := 0
	if r != nil {
		retries = r.retries
	}
	if retries >= d.cfg.DistributionRetries {
		metrics.DistributionAttempt(metrics.ResultDropped)
		log.Int("retries", retries).Msg("Distribution failed, giving up")
		return
	}

	metrics.DistributionAttempt(metrics.ResultRetried)
	log.Int("retries", retries).Dur("delay", d.cfg.RetryDelay).Msg("Distribution failed, retrying")

	retry := &request{
		guid:    message.NewGUID(),
		op:      a.op,
		items:   a.items,
		local:   true,
		retries: retries + 1,
	}
	d.retrying.Add(1)
	d.clock.AfterFunc(d.cfg.RetryDelay, func() {
		if d.ctx.Err() == nil {
			d.enqueue(retry)
		}
		d.retrying.Add(-1)
	})
}
