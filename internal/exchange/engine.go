// Package exchange implements the pairwise protocol that grows the trie: two
// peers compare paths, signatures and routing tables and decide to split,
// extend, recurse, replicate or just exchange references.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/zde37/pgrid/internal/config"
	"github.com/zde37/pgrid/internal/keyspace"
	"github.com/zde37/pgrid/internal/message"
	"github.com/zde37/pgrid/internal/metrics"
	"github.com/zde37/pgrid/internal/routing"
	"github.com/zde37/pgrid/internal/store"
	"github.com/zde37/pgrid/pkg"
)

// Remote sends exchange messages to other peers.
type Remote interface {
	Invite(ctx context.Context, peer routing.PeerRef, inv *message.Invitation) (*message.Reply, error)
	CounterReply(ctx context.Context, peer routing.PeerRef, reply *message.Reply) (*message.Ack, error)
}

// Handoff takes items that neither exchange participant owns any more.
type Handoff interface {
	Insert(ctx context.Context, items []store.Item) error
}

// Event reports a finished exchange.
type Event struct {
	GUID     string
	Remote   routing.PeerRef
	Outcome  Outcome
	Cases    []string
	OldPath  string
	NewPath  string
	Accepted int // items taken from the remote
	Dropped  int // items the remote now owns
	Handed   int // items given to the distributor
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects the clock used for timestamps, tickers and timeouts.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithRand injects the source of tie-break numbers.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

type request struct {
	peer      routing.PeerRef
	recursion int
	commonLen int
}

// Engine runs exchanges for one peer: it answers invitations and, from a
// background worker, initiates exchanges with random partners.
type Engine struct {
	cfg     *config.Config
	table   *routing.Table
	store   *store.ItemStore
	logger  *pkg.Logger
	clock   clockwork.Clock
	limiter *rate.Limiter

	remote   Remote
	handoff  Handoff
	listener func(Event)

	rngMu sync.Mutex
	rng   *rand.Rand

	// exchanges answered by this peer, waiting for the counter-reply
	pending *xsync.MapOf[string, *Exchange]

	// one decision at a time, so the local path cannot change under a decision
	decideMu sync.Mutex

	queueMu sync.Mutex
	queue   []request
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an exchange engine over the given table and store.
func NewEngine(cfg *config.Config, table *routing.Table, items *store.ItemStore, logger *pkg.Logger, opts ...Option) (*Engine, error) {
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

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		table:   table,
		store:   items,
		logger:  logger.WithFields(pkg.Fields{"component": "exchange"}),
		clock:   clockwork.NewRealClock(),
		limiter: rate.NewLimiter(rate.Limit(cfg.ExchangeRate), 1),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		pending: xsync.NewMapOf[string, *Exchange](),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SetRemote sets the client used to reach other peers.
func (e *Engine) SetRemote(remote Remote) {
	e.remote = remote
}

// SetHandoff sets the receiver of items no participant owns after a decision.
func (e *Engine) SetHandoff(h Handoff) {
	e.handoff = h
}

// SetListener registers a callback invoked after every applied exchange.
func (e *Engine) SetListener(fn func(Event)) {
	e.listener = fn
}

// Start launches the background worker.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop stops the worker. In-flight exchanges finish or time out on their own.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// Enqueue schedules an exchange with peer.
func (e *Engine) Enqueue(peer routing.PeerRef, recursion, commonLen int) {
	e.queueMu.Lock()
	e.queue = append(e.queue, request{peer: peer, recursion: recursion, commonLen: commonLen})
	e.queueMu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of answered exchanges waiting for a counter-reply.
func (e *Engine) Pending() int {
	return e.pending.Size()
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := e.clock.NewTicker(e.cfg.ExchangeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.Chan():
			e.expirePending()
			if peer, ok := e.table.RandomPeer(); ok {
				e.Enqueue(peer, 0, 0)
			}
		case <-e.wake:
		}
		e.drain()
	}
}

// drain processes a snapshot of the queue taken under the lock.
func (e *Engine) drain() {
	e.queueMu.Lock()
	batch := e.queue
	e.queue = nil
	e.queueMu.Unlock()

	for _, req := range batch {
		if err := e.limiter.Wait(e.ctx); err != nil {
			return
		}
		if _, err := e.Initiate(e.ctx, req.peer, req.recursion, req.commonLen); err != nil {
			e.logger.Debug().
				Err(err).
				Str("peer", req.peer.ID).
				Int("recursion", req.recursion).
				Msg("Exchange failed")
		}
	}
}

func (e *Engine) expirePending() {
	deadline := e.clock.Now().Add(-e.timeout())
	e.pending.Range(func(guid string, x *Exchange) bool {
		if x.Created.Before(deadline) {
			e.pending.Delete(guid)
			x.finish()
			metrics.ExchangeOutcome(metrics.OutcomeTimeout)
			e.logger.Debug().Str("guid", guid).Msg("Abandoned exchange without counter-reply")
		}
		return true
	})
}

func (e *Engine) timeout() time.Duration {
	if e.cfg.ExchangeTimeout > 0 {
		return e.cfg.ExchangeTimeout
	}
	return e.cfg.RPCTimeout
}

func (e *Engine) random() float64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64()
}

// Initiate runs one exchange with peer as the inviting side: it sends the
// invitation, answers the reply with a counter-reply and applies the decision
// once the counter-reply is acknowledged.
func (e *Engine) Initiate(ctx context.Context, peer routing.PeerRef, recursion, commonLen int) (Decision, error) {
	if e.remote == nil {
		return Decision{}, fmt.Errorf("remote client not set")
	}
	if peer.IsZero() {
		return Decision{}, pkg.ErrNilPeer
	}

	e.decideMu.Lock()
	defer e.decideMu.Unlock()

	local := e.table.Local()
	if peer.ID == local.ID {
		return Decision{}, fmt.Errorf("cannot exchange with self")
	}

	inv := &message.Invitation{
		Header:    message.NewHeader(local),
		Path:      local.Path,
		Signature: e.store.Signature(),
		Recursion: recursion,
		CommonLen: commonLen,
	}
	x := newExchange(inv.GUID, true, peer, recursion, commonLen, e.clock.Now())
	_ = x.advance(StateRunning)
	defer x.finish()

	rctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	reply, err := e.remote.Invite(rctx, peer, inv)
	if err != nil {
		metrics.ExchangeOutcome(metrics.OutcomeTimeout)
		return Decision{}, fmt.Errorf("invitation to %s: %w", peer.ID, err)
	}
	if err := e.validate(reply, inv.GUID); err != nil {
		metrics.ExchangeOutcome(metrics.OutcomeInvalid)
		e.logger.Warn().Err(err).Str("peer", peer.ID).Msg("Discarding invalid exchange reply")
		return Decision{}, err
	}

	counter, err := e.buildReply(ctx, inv.GUID, recursion, reply.Sender.Path, reply.Signature)
	if err != nil {
		metrics.ExchangeOutcome(metrics.OutcomeFailed)
		return Decision{}, err
	}
	counter.Counter = true

	ack, err := e.remote.CounterReply(rctx, peer, counter)
	if err == nil {
		err = ack.Err()
	}
	if err != nil {
		metrics.ExchangeOutcome(metrics.OutcomeFailed)
		return Decision{}, fmt.Errorf("counter-reply to %s: %w", peer.ID, err)
	}

	return e.apply(ctx, x, counter, reply), nil
}

// HandleInvitation answers an invitation. The reply is remembered until the
// counter-reply arrives or the exchange times out.
func (e *Engine) HandleInvitation(ctx context.Context, inv *message.Invitation) (*message.Reply, error) {
	if inv == nil || inv.Sender.IsZero() || inv.GUID == "" {
		return nil, fmt.Errorf("%w: invitation without sender or guid", pkg.ErrProtocolViolation)
	}
	local := e.table.Local()
	if inv.Sender.ID == local.ID {
		return nil, fmt.Errorf("%w: invitation from self", pkg.ErrProtocolViolation)
	}

	reply, err := e.buildReply(ctx, inv.GUID, inv.Recursion, inv.Path, inv.Signature)
	if err != nil {
		return nil, err
	}

	x := newExchange(inv.GUID, false, inv.Sender, inv.Recursion, inv.CommonLen, e.clock.Now())
	x.own = reply
	_ = x.advance(StateRunning)
	e.pending.Store(inv.GUID, x)

	e.logger.Debug().
		Str("guid", inv.GUID).
		Str("peer", inv.Sender.ID).
		Str("remote_path", inv.Path).
		Str("local_path", local.Path).
		Bool("items", reply.ItemsIncluded).
		Msg("Answered exchange invitation")
	return reply, nil
}

// HandleCounterReply completes an exchange this peer answered.
func (e *Engine) HandleCounterReply(ctx context.Context, counter *message.Reply) error {
	if counter == nil {
		return fmt.Errorf("%w: empty counter-reply", pkg.ErrProtocolViolation)
	}
	x, ok := e.pending.LoadAndDelete(counter.GUID)
	if !ok {
		return fmt.Errorf("%w: no pending exchange %s", pkg.ErrProtocolViolation, counter.GUID)
	}
	defer x.finish()

	if err := e.validate(counter, x.GUID); err != nil {
		metrics.ExchangeOutcome(metrics.OutcomeInvalid)
		return err
	}
	if counter.Sender.ID != x.Remote.ID {
		metrics.ExchangeOutcome(metrics.OutcomeInvalid)
		return fmt.Errorf("%w: counter-reply from %s, invited by %s", pkg.ErrProtocolViolation, counter.Sender.ID, x.Remote.ID)
	}

	if !e.decideMu.TryLock() {
		metrics.ExchangeOutcome(metrics.OutcomeFailed)
		return fmt.Errorf("exchange %s: another exchange is being applied", x.GUID)
	}
	defer e.decideMu.Unlock()

	if path := e.table.Path(); path != x.own.Sender.Path {
		metrics.ExchangeOutcome(metrics.OutcomeFailed)
		return fmt.Errorf("exchange %s: local path moved from %q to %q", x.GUID, x.own.Sender.Path, path)
	}

	e.apply(ctx, x, x.own, counter)
	return nil
}

// validate checks a reply before any state is touched.
func (e *Engine) validate(r *message.Reply, guid string) error {
	if r == nil {
		return fmt.Errorf("%w: empty reply", pkg.ErrProtocolViolation)
	}
	if r.GUID != guid {
		return fmt.Errorf("%w: reply for %s, expected %s", pkg.ErrProtocolViolation, r.GUID, guid)
	}
	if r.Sender.IsZero() || r.Sender.ID == e.table.Local().ID {
		return fmt.Errorf("%w: reply sender %s", pkg.ErrProtocolViolation, r.Sender)
	}
	if !keyspace.Valid(r.Sender.Path) {
		return fmt.Errorf("%w: reply path %q", pkg.ErrProtocolViolation, r.Sender.Path)
	}
	if r.Table.Local.ID != r.Sender.ID || r.Table.Local.Path != r.Sender.Path {
		return fmt.Errorf("%w: routing table of %s does not match its sender", pkg.ErrProtocolViolation, r.Table.Local)
	}
	if _, err := routing.FromSnapshot(r.Table); err != nil {
		return fmt.Errorf("routing table of %s: %w", r.Sender.ID, err)
	}
	return nil
}

// buildReply describes the local side of an exchange. Items are attached only
// when one path is a prefix of the other and the signatures differ, and then
// only those on signature pages the remote set does not match.
func (e *Engine) buildReply(ctx context.Context, guid string, recursion int, remotePath string, remoteSig store.Signature) (*message.Reply, error) {
	local := e.table.Local()
	sig, diff, err := e.store.Diff(ctx, remoteSig)
	if err != nil {
		return nil, fmt.Errorf("failed to read items: %w", err)
	}

	r := &message.Reply{
		Header:          message.Header{GUID: guid, Sender: local},
		Recursion:       recursion,
		CommonLen:       keyspace.CommonPrefixLen(local.Path, remotePath),
		MinStorage:      e.cfg.MinStorage,
		RandomNumber:    e.random(),
		ReplicaEstimate: len(e.table.Replicas()) + 1,
		ItemCount:       e.store.CountResponsible(local.Path),
		Table:           e.table.Snapshot(),
		Signature:       sig,
	}

	c := r.CommonLen
	related := c == len(local.Path) || c == len(remotePath)
	if related && !sig.Equal(remoteSig) {
		for _, it := range diff {
			if keyspace.IsResponsible(local.Path, it.Key) {
				r.Items = append(r.Items, it)
			}
		}
		r.ItemsIncluded = true
	}
	return r, nil
}

// apply runs the decision on the local side: path change, routing table
// refresh, item handoff and recursion.
func (e *Engine) apply(ctx context.Context, x *Exchange, own, other *message.Reply) Decision {
	local := Side{
		Peer:       own.Sender,
		Count:      own.ItemCount,
		MinStorage: own.MinStorage,
		Random:     own.RandomNumber,
		Replicas:   own.ReplicaEstimate,
	}
	remote := Side{
		Peer:       other.Sender,
		Count:      other.ItemCount,
		MinStorage: other.MinStorage,
		Random:     other.RandomNumber,
		Replicas:   other.ReplicaEstimate,
	}
	d := Decide(local, remote, own.Recursion, Policy{
		MaxRecursion:       e.cfg.MaxRecursion,
		ReplicationBalance: e.cfg.ReplicationBalance,
	})
	for _, c := range d.Cases {
		metrics.ExchangeCase(c)
	}

	oldPath := local.Peer.Path
	if d.LocalPath != oldPath {
		ts := e.clock.Now().UnixNano()
		if ts <= local.Peer.Timestamp {
			ts = local.Peer.Timestamp + 1
		}
		e.table.SetPath(d.LocalPath, ts)
	}

	remoteRef := other.Sender
	if d.RemotePath != remoteRef.Path {
		remoteRef.Path = d.RemotePath
		remoteRef.Timestamp++
	}
	snap := other.Table
	snap.Local = remoteRef
	e.table.Refresh(snap,
		keyspace.CommonPrefixLen(d.LocalPath, d.RemotePath),
		len(d.LocalPath), len(d.RemotePath),
		e.cfg.MaxFidgets, e.cfg.MaxRefs)

	ev := Event{
		GUID:    x.GUID,
		Remote:  remoteRef,
		Outcome: d.Outcome,
		Cases:   d.Cases,
		OldPath: oldPath,
		NewPath: d.LocalPath,
	}
	e.moveItems(ctx, own, other, d, &ev)

	switch d.Outcome {
	case OutcomeReplicated:
		metrics.ExchangeOutcome(metrics.OutcomeReplicated)
	case OutcomeAdopted:
		metrics.ExchangeOutcome(metrics.OutcomeAdopted)
	case OutcomeReferences:
		metrics.ExchangeOutcome(metrics.OutcomeReferences)
	}

	if d.Recurse {
		e.recurse(other, d, own.Recursion)
	}

	e.logger.Debug().
		Str("guid", x.GUID).
		Str("peer", other.Sender.ID).
		Strs("cases", d.Cases).
		Str("outcome", string(d.Outcome)).
		Str("old_path", oldPath).
		Str("new_path", d.LocalPath).
		Str("remote_path", d.RemotePath).
		Int("accepted", ev.Accepted).
		Int("dropped", ev.Dropped).
		Int("handed_off", ev.Handed).
		Msg("Exchange applied")

	if e.listener != nil {
		e.listener(ev)
	}
	return d
}

// moveItems accepts received items the local peer now owns, drops local items
// the remote owns and already holds, and hands the rest to the distributor.
// Handed-off items stay in the store until the distributor removes them.
func (e *Engine) moveItems(ctx context.Context, own, other *message.Reply, d Decision, ev *Event) {
	if other.ItemsIncluded {
		var accept []store.Item
		for _, it := range other.Items {
			if keyspace.IsResponsible(d.LocalPath, it.Key) {
				accept = append(accept, it)
			}
		}
		if n, err := e.store.Add(ctx, accept...); err != nil {
			e.logger.Error().Err(err).Msg("Failed to store items received in exchange")
		} else {
			ev.Accepted = n
		}
	}

	if d.LocalPath == own.Sender.Path {
		return
	}

	stale, err := e.store.Select(ctx, func(it store.Item) bool {
		return !keyspace.IsResponsible(d.LocalPath, it.Key)
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to scan items after path change")
		return
	}

	remoteHolds := own.ItemsIncluded || own.Signature.Equal(other.Signature)
	var drop, handoff []store.Item
	for _, it := range stale {
		if remoteHolds && keyspace.IsResponsible(d.RemotePath, it.Key) {
			drop = append(drop, it)
		} else {
			handoff = append(handoff, it)
		}
	}

	if n, err := e.store.Remove(ctx, drop...); err != nil {
		e.logger.Error().Err(err).Msg("Failed to drop items handed to the exchange partner")
	} else {
		ev.Dropped = n
	}

	if len(handoff) == 0 {
		return
	}
	if e.handoff == nil {
		e.logger.Warn().Int("items", len(handoff)).Msg("No distributor for items outside the new path")
		return
	}
	if err := e.handoff.Insert(ctx, handoff); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error().Err(err).Int("items", len(handoff)).Msg("Failed to hand off items")
		return
	}
	ev.Handed = len(handoff)
}

// recurse schedules an exchange with a remote reference from the subtree the
// local path would extend into.
func (e *Engine) recurse(other *message.Reply, d Decision, recursion int) {
	if d.CommonLen >= len(other.Table.Levels) {
		return
	}
	candidates := other.Table.Levels[d.CommonLen]
	if len(candidates) == 0 {
		return
	}
	e.rngMu.Lock()
	next := candidates[e.rng.Intn(len(candidates))]
	e.rngMu.Unlock()

	if next.ID == e.table.Local().ID {
		return
	}
	e.Enqueue(next, recursion+1, d.CommonLen+1)
}
