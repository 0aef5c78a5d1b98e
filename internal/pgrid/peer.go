// Package pgrid composes the overlay components into a running peer: the
// routing table, the local item store, the exchange engine, the distributor
// and the query router. Transports call the Handle* methods; applications call
// the data and query methods.
package pgrid

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/zde37/pgrid/internal/config"
	"github.com/zde37/pgrid/internal/distributor"
	"github.com/zde37/pgrid/internal/exchange"
	"github.com/zde37/pgrid/internal/keyspace"
	"github.com/zde37/pgrid/internal/message"
	"github.com/zde37/pgrid/internal/metrics"
	"github.com/zde37/pgrid/internal/query"
	"github.com/zde37/pgrid/internal/routing"
	"github.com/zde37/pgrid/internal/store"
	"github.com/zde37/pgrid/pkg"
)

// Option configures a Peer.
type Option func(*options)

type options struct {
	fs          afero.Fs
	clock       clockwork.Clock
	seed        int64
	broadcaster EventBroadcaster
}

// WithFs sets the filesystem the routing table is persisted on.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithClock injects the clock shared by every component.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithSeed makes the random choices of every component reproducible.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = seed }
}

// WithBroadcaster sets the receiver of topology events.
func WithBroadcaster(b EventBroadcaster) Option {
	return func(o *options) { o.broadcaster = b }
}

// Peer is one participant of the overlay.
type Peer struct {
	cfg      *config.Config
	logger   *pkg.Logger
	fs       afero.Fs
	clock    clockwork.Clock
	registry *routing.Registry
	table    *routing.Table
	store    *store.ItemStore

	engine *exchange.Engine
	dist   *distributor.Distributor
	router *query.Router

	remoteMu sync.RWMutex
	remote   RemoteClient

	broadcasterMu sync.RWMutex
	broadcaster   EventBroadcaster

	shutdownMu sync.RWMutex
	started    bool
	shutdown   bool
}

// NewPeer creates a peer from cfg. When cfg.DataDir holds a persisted routing
// table, the peer resumes with its identity and path; otherwise it starts at
// the root of the trie.
func NewPeer(cfg *config.Config, logger *pkg.Logger, opts ...Option) (*Peer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := &options{
		fs:    afero.NewOsFs(),
		clock: clockwork.NewRealClock(),
		seed:  time.Now().UnixNano(),
	}
	for _, opt := range opts {
		opt(o)
	}

	p := &Peer{
		cfg:         cfg,
		fs:          o.fs,
		clock:       o.clock,
		registry:    routing.NewRegistry(),
		broadcaster: o.broadcaster,
	}

	table, err := p.loadTable(o.seed)
	if err != nil {
		return nil, err
	}
	p.table = table
	local := table.Local()
	p.logger = logger.WithFields(pkg.Fields{"peer_id": shortID(local.ID)})

	p.store = store.NewItemStore(&store.Config{PageSize: cfg.SignaturePageSize})

	p.engine, err = exchange.NewEngine(cfg, table, p.store, p.logger,
		exchange.WithClock(o.clock), exchange.WithRand(rand.New(rand.NewSource(o.seed+1))))
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange engine: %w", err)
	}
	p.dist, err = distributor.New(cfg, table, p.store, p.logger, distributor.WithClock(o.clock))
	if err != nil {
		return nil, fmt.Errorf("failed to create distributor: %w", err)
	}
	p.router, err = query.NewRouter(cfg, table, p.store, p.logger, query.WithRand(rand.New(rand.NewSource(o.seed+2))))
	if err != nil {
		return nil, fmt.Errorf("failed to create query router: %w", err)
	}

	p.engine.SetHandoff(p.dist)
	p.engine.SetListener(p.onExchange)
	for _, ref := range table.Peers() {
		p.registry.Observe(ref)
	}
	metrics.PathLength(local.ID, len(local.Path))

	p.logger.Info().
		Str("addr", local.Addr).
		Str("path", local.Path).
		Int("known_peers", len(table.Peers())).
		Msg("Peer created")

	return p, nil
}

// loadTable resumes the persisted table or builds a fresh one.
func (p *Peer) loadTable(seed int64) (*routing.Table, error) {
	opts := []routing.Option{
		routing.WithRand(rand.New(rand.NewSource(seed))),
		routing.WithBounds(p.cfg.MaxFidgets, p.cfg.MaxRefs),
	}
	addr := p.cfg.Address()

	if p.cfg.DataDir != "" {
		table, err := routing.LoadTable(p.fs, p.cfg.DataDir, opts...)
		if err != nil {
			return nil, err
		}
		if table != nil {
			local := table.Local()
			switch {
			case p.cfg.PeerID != "" && p.cfg.PeerID != local.ID:
				// the persisted table belongs to another identity; start over
			case local.Addr != addr:
				snap := table.Snapshot()
				snap.Local.Addr = addr
				return routing.FromSnapshot(snap, opts...)
			default:
				return table, nil
			}
		}
	}

	id := p.cfg.PeerID
	if id == "" {
		id = uuid.NewString()
	}
	local := routing.PeerRef{ID: id, Addr: addr, Path: "", Timestamp: p.clock.Now().UnixNano()}
	return routing.NewTable(local, opts...), nil
}

// SetRemote sets the client used to reach other peers.
func (p *Peer) SetRemote(remote RemoteClient) {
	p.remoteMu.Lock()
	p.remote = remote
	p.remoteMu.Unlock()

	p.engine.SetRemote(remote)
	p.dist.SetRemote(remote)
	p.router.SetRemote(remote)
}

// SetBroadcaster sets the receiver of topology events.
func (p *Peer) SetBroadcaster(b EventBroadcaster) {
	p.broadcasterMu.Lock()
	defer p.broadcasterMu.Unlock()
	p.broadcaster = b
}

func (p *Peer) getRemote() RemoteClient {
	p.remoteMu.RLock()
	defer p.remoteMu.RUnlock()
	return p.remote
}

// Start contacts the bootstrap peers and launches the background workers.
// It fails only when bootstrap peers are configured and none of them answers.
func (p *Peer) Start(ctx context.Context) error {
	p.shutdownMu.Lock()
	if p.shutdown {
		p.shutdownMu.Unlock()
		return fmt.Errorf("peer is shut down")
	}
	if p.started {
		p.shutdownMu.Unlock()
		return nil
	}
	p.started = true
	p.shutdownMu.Unlock()

	if len(p.cfg.BootstrapNodes) > 0 {
		if err := p.bootstrap(ctx); err != nil {
			return err
		}
	}

	p.engine.Start()
	p.dist.Start()

	p.logger.Info().
		Str("path", p.table.Path()).
		Int("bootstrap_nodes", len(p.cfg.BootstrapNodes)).
		Msg("Peer started")
	return nil
}

// bootstrap learns the identity of every bootstrap address and keeps it as a
// fidget. The first exchanges are scheduled with those peers.
func (p *Peer) bootstrap(ctx context.Context) error {
	remote := p.getRemote()
	if remote == nil {
		return fmt.Errorf("remote client not set")
	}

	local := p.table.Local()
	tried, joined := 0, 0
	for _, addr := range p.cfg.BootstrapNodes {
		if addr == local.Addr {
			continue
		}
		tried++
		rctx, cancel := context.WithTimeout(ctx, p.cfg.RPCTimeout)
		reply, err := remote.PeerLookup(rctx, routing.PeerRef{Addr: addr}, &message.PeerLookup{Header: message.NewHeader(local)})
		cancel()
		if err != nil {
			p.logger.Warn().Err(err).Str("addr", addr).Msg("Bootstrap peer unreachable")
			continue
		}
		if !reply.Found || reply.Peer.IsZero() || reply.Peer.ID == local.ID {
			continue
		}

		ref := p.registry.Observe(reply.Peer)
		if ref.Addr == "" {
			ref.Addr = addr
		}
		if err := p.table.AddFidget(ref); err != nil {
			p.logger.Warn().Err(err).Str("addr", addr).Msg("Rejected bootstrap peer")
			continue
		}
		p.engine.Enqueue(ref, 0, 0)
		joined++

		p.logger.Info().
			Str("addr", addr).
			Str("bootstrap_id", shortID(ref.ID)).
			Str("bootstrap_path", ref.Path).
			Msg("Learned bootstrap peer")
	}

	if tried > 0 && joined == 0 {
		return fmt.Errorf("no bootstrap peer reachable out of %d", tried)
	}
	return nil
}

// Shutdown stops the workers, persists the routing table and closes the
// store. It is safe to call more than once.
func (p *Peer) Shutdown() error {
	p.shutdownMu.Lock()
	if p.shutdown {
		p.shutdownMu.Unlock()
		return nil
	}
	p.shutdown = true
	started := p.started
	p.shutdownMu.Unlock()

	p.logger.Info().Msg("Shutting down peer")

	if started {
		p.engine.Stop()
		p.dist.Stop()
	}

	var errs []error
	if err := p.persist(); err != nil {
		p.logger.Error().Err(err).Msg("Failed to persist routing table")
		errs = append(errs, err)
	}
	if err := p.store.Close(); err != nil {
		p.logger.Error().Err(err).Msg("Failed to close store")
		errs = append(errs, err)
	}

	p.logger.Info().Msg("Peer shutdown complete")
	return errors.Join(errs...)
}

// IsShutdown returns whether the peer has been shut down.
func (p *Peer) IsShutdown() bool {
	p.shutdownMu.RLock()
	defer p.shutdownMu.RUnlock()
	return p.shutdown
}

func (p *Peer) persist() error {
	if p.cfg.DataDir == "" {
		return nil
	}
	return routing.SaveTable(p.fs, p.cfg.DataDir, p.table)
}

// Local returns the reference of this peer.
func (p *Peer) Local() routing.PeerRef {
	return p.table.Local()
}

// Table returns the routing table.
func (p *Peer) Table() *routing.Table {
	return p.table
}

// Store returns the local item store.
func (p *Peer) Store() *store.ItemStore {
	return p.store
}

// Registry returns the peers this peer has heard of.
func (p *Peer) Registry() *routing.Registry {
	return p.registry
}

// absorb records the sender of an incoming message. Newer paths replace older
// ones in both the registry and the table.
func (p *Peer) absorb(sender routing.PeerRef) {
	if sender.IsZero() || sender.ID == p.table.Local().ID {
		return
	}
	p.table.Observe(p.registry.Observe(sender))
}

// HandleInvitation answers an exchange invitation.
func (p *Peer) HandleInvitation(ctx context.Context, inv *message.Invitation) (*message.Reply, error) {
	metrics.Message(message.KindInvitation.String(), "in")
	if inv != nil {
		p.absorb(inv.Sender)
	}
	return p.engine.HandleInvitation(ctx, inv)
}

// HandleCounterReply completes an exchange this peer answered. Failures are
// reported in the acknowledgement.
func (p *Peer) HandleCounterReply(ctx context.Context, counter *message.Reply) *message.Ack {
	metrics.Message(message.KindReply.String(), "in")
	if counter == nil {
		ack := message.NewAck("", message.AckCannotRoute)
		ack.Detail = "empty counter-reply"
		return ack
	}
	p.absorb(counter.Sender)

	err := p.engine.HandleCounterReply(ctx, counter)
	ack := message.NewAck(counter.GUID, message.CodeFor(err))
	ack.Sender = p.table.Local()
	if err != nil {
		ack.Detail = err.Error()
		p.logger.Debug().Err(err).Str("guid", counter.GUID).Msg("Rejected counter-reply")
	}
	return ack
}

// HandleDataModifier accepts a data modifier routed to this peer.
func (p *Peer) HandleDataModifier(ctx context.Context, m *message.DataModifier) *message.Ack {
	metrics.Message(message.KindDataModifier.String(), "in")
	if m == nil {
		ack := message.NewAck("", message.AckCannotRoute)
		ack.Detail = "empty data modifier"
		return ack
	}
	p.absorb(m.Sender)
	ack := p.dist.RemoteDistribution(ctx, m)
	ack.Sender = p.table.Local()
	return ack
}

// HandleQuery answers or forwards an exact query.
func (p *Peer) HandleQuery(ctx context.Context, q *message.Query) (*message.QueryReply, error) {
	metrics.Message(message.KindQuery.String(), "in")
	if q != nil {
		p.absorb(q.Sender)
	}
	return p.router.HandleQuery(ctx, q)
}

// HandleRangeQuery answers or forwards a range query.
func (p *Peer) HandleRangeQuery(ctx context.Context, q *message.RangeQuery) (*message.QueryReply, error) {
	metrics.Message(message.KindRangeQuery.String(), "in")
	if q != nil {
		p.absorb(q.Sender)
	}
	return p.router.HandleRangeQuery(ctx, q)
}

// HandlePeerLookup returns the reference of the requested peer. An empty ID
// asks for this peer.
func (p *Peer) HandlePeerLookup(ctx context.Context, m *message.PeerLookup) (*message.PeerLookupReply, error) {
	metrics.Message(message.KindPeerLookup.String(), "in")
	if m == nil {
		return nil, fmt.Errorf("%w: empty peer lookup", pkg.ErrProtocolViolation)
	}
	if err := ctx.Err(); err != nil {
		return nil, pkg.ErrContextCanceled
	}
	p.absorb(m.Sender)

	local := p.table.Local()
	reply := &message.PeerLookupReply{Header: message.Header{GUID: m.GUID, Sender: local}}
	if m.ID == "" || m.ID == local.ID {
		reply.Found = true
		reply.Peer = local
		return reply, nil
	}
	if ref, ok := p.registry.Get(m.ID); ok {
		reply.Found = true
		reply.Peer = ref
	}
	return reply, nil
}

// Insert stores items in the overlay.
func (p *Peer) Insert(ctx context.Context, items []store.Item) error {
	return p.dist.Insert(ctx, p.own(items))
}

// Update replaces items in the overlay.
func (p *Peer) Update(ctx context.Context, items []store.Item) error {
	return p.dist.Update(ctx, p.own(items))
}

// Delete removes items from the overlay.
func (p *Peer) Delete(ctx context.Context, items []store.Item) error {
	return p.dist.Delete(ctx, p.own(items))
}

// Publish inserts one item owned by this peer.
func (p *Peer) Publish(ctx context.Context, key keyspace.Key, typ string, data []byte) (store.Item, error) {
	item := store.Item{Key: key, Owner: p.table.Local(), Type: typ, Data: data}
	if err := p.Insert(ctx, []store.Item{item}); err != nil {
		return store.Item{}, err
	}
	return item, nil
}

// own fills in this peer as the owner of items without one.
func (p *Peer) own(items []store.Item) []store.Item {
	local := p.table.Local()
	out := make([]store.Item, len(items))
	for i, it := range items {
		if it.Owner.IsZero() {
			it.Owner = local
		}
		out[i] = it
	}
	return out
}

// Lookup runs an exact query for key.
func (p *Peer) Lookup(ctx context.Context, key keyspace.Key) (*message.QueryReply, error) {
	return p.router.Lookup(ctx, key)
}

// Range runs a range query. An empty algorithm uses the configured one.
func (p *Peer) Range(ctx context.Context, rng keyspace.Range, algorithm string) (*message.QueryReply, error) {
	return p.router.Range(ctx, rng, algorithm)
}

// ExchangeWith runs one exchange with peer right away.
func (p *Peer) ExchangeWith(ctx context.Context, peer routing.PeerRef) (exchange.Decision, error) {
	return p.engine.Initiate(ctx, peer, 0, 0)
}

// Stats summarizes the state of the peer for diagnostics.
type Stats struct {
	PeerID              string        `json:"peer_id"`
	Addr                string        `json:"addr"`
	Path                string        `json:"path"`
	Table               routing.Stats `json:"table"`
	Store               store.Stats   `json:"store"`
	KnownPeers          int           `json:"known_peers"`
	PendingExchanges    int           `json:"pending_exchanges"`
	QueuedDistributions int           `json:"queued_distributions"`
	InFlightRequests    int           `json:"in_flight_requests"`
	InFlightAttempts    int           `json:"in_flight_attempts"`
	Responsible         int           `json:"responsible_items"`
}

// Stats returns a snapshot of the peer state.
func (p *Peer) Stats() Stats {
	local := p.table.Local()
	requests, attempts := p.dist.InFlight()
	return Stats{
		PeerID:              local.ID,
		Addr:                local.Addr,
		Path:                local.Path,
		Table:               p.table.Stats(),
		Store:               p.store.GetStats(),
		KnownPeers:          p.registry.Len(),
		PendingExchanges:    p.engine.Pending(),
		QueuedDistributions: p.dist.Queued(),
		InFlightRequests:    requests,
		InFlightAttempts:    attempts,
		Responsible:         p.store.CountResponsible(local.Path),
	}
}

// onExchange reacts to a finished exchange: it records the path, persists the
// table when the path moved and notifies the broadcaster.
func (p *Peer) onExchange(ev exchange.Event) {
	local := p.table.Local()
	metrics.PathLength(local.ID, len(ev.NewPath))
	p.registry.Observe(ev.Remote)

	typ := EventExchangeFinished
	switch {
	case ev.Outcome == exchange.OutcomeSplit:
		typ = EventSplit
	case ev.OldPath != ev.NewPath:
		typ = EventPathChanged
	case ev.Outcome == exchange.OutcomeReplicated || ev.Outcome == exchange.OutcomeAdopted:
		typ = EventReplicaMerge
	}

	if ev.OldPath != ev.NewPath {
		if err := p.persist(); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to persist routing table")
		}
		p.logger.Info().
			Str("old_path", ev.OldPath).
			Str("new_path", ev.NewPath).
			Str("remote", shortID(ev.Remote.ID)).
			Str("outcome", string(ev.Outcome)).
			Msg("Path changed")
	}

	p.broadcasterMu.RLock()
	b := p.broadcaster
	p.broadcasterMu.RUnlock()
	if b == nil {
		return
	}

	event := TopologyEvent{
		Type:      typ,
		PeerID:    local.ID,
		Remote:    ev.Remote.ID,
		OldPath:   ev.OldPath,
		NewPath:   ev.NewPath,
		Cases:     ev.Cases,
		Accepted:  ev.Accepted,
		Dropped:   ev.Dropped,
		Handed:    ev.Handed,
		Timestamp: p.clock.Now().Unix(),
		Message:   fmt.Sprintf("exchange with %s: %s", shortID(ev.Remote.ID), ev.Outcome),
	}
	if err := b.BroadcastTopologyUpdate(event); err != nil {
		p.logger.Debug().Err(err).Msg("Failed to broadcast topology update")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
