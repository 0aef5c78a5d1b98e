package pgrid_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/pgrid/internal/config"
	"github.com/zde37/pgrid/internal/exchange"
	"github.com/zde37/pgrid/internal/keyspace"
	"github.com/zde37/pgrid/internal/message"
	"github.com/zde37/pgrid/internal/pgrid"
	"github.com/zde37/pgrid/internal/routing"
	"github.com/zde37/pgrid/internal/store"
	"github.com/zde37/pgrid/internal/transport"
	"github.com/zde37/pgrid/pkg"
)

type recorder struct {
	mu     sync.Mutex
	events []pgrid.TopologyEvent
}

func (r *recorder) BroadcastTopologyUpdate(update any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, update.(pgrid.TopologyEvent))
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func testConfig(port int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Port = port
	cfg.MinStorage = 1
	cfg.MaxRecursion = 2
	cfg.DistributionRetries = 0
	return cfg
}

func newPeer(t *testing.T, net *transport.MemoryNetwork, cfg *config.Config, opts ...pgrid.Option) *pgrid.Peer {
	t.Helper()
	opts = append([]pgrid.Option{
		pgrid.WithFs(afero.NewMemMapFs()),
		pgrid.WithClock(clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))),
		pgrid.WithSeed(int64(cfg.Port)),
	}, opts...)

	p, err := pgrid.NewPeer(cfg, pkg.NewNop(), opts...)
	require.NoError(t, err)
	if net != nil {
		p.SetRemote(net)
		net.Listen(p.Local().Addr, p)
	}
	t.Cleanup(func() { p.Shutdown() })
	return p
}

func publish(t *testing.T, p *pgrid.Peer, keys ...string) {
	t.Helper()
	for _, k := range keys {
		_, err := p.Store().Add(context.Background(), store.Item{Key: k, Owner: p.Local(), Type: "text", Data: []byte(k)})
		require.NoError(t, err)
	}
}

func TestNewPeer(t *testing.T) {
	bad := config.DefaultConfig()
	bad.MaxHops = 0

	tests := []struct {
		name        string
		cfg         *config.Config
		logger      *pkg.Logger
		expectError string
	}{
		{"nil config", nil, pkg.NewNop(), "config cannot be nil"},
		{"nil logger", config.DefaultConfig(), nil, "logger cannot be nil"},
		{"invalid config", bad, pkg.NewNop(), "invalid config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := pgrid.NewPeer(tt.cfg, tt.logger, pgrid.WithFs(afero.NewMemMapFs()))
			assert.ErrorContains(t, err, tt.expectError)
			assert.Nil(t, p)
		})
	}

	t.Run("fresh peer starts at the root", func(t *testing.T) {
		p := newPeer(t, nil, testConfig(7441))
		local := p.Local()
		assert.NotEmpty(t, local.ID)
		assert.Equal(t, "127.0.0.1:7441", local.Addr)
		assert.Equal(t, "", local.Path)
		assert.Zero(t, p.Table().LevelCount())
	})

	t.Run("configured identity", func(t *testing.T) {
		cfg := testConfig(7442)
		cfg.PeerID = "peer-fixed"
		p := newPeer(t, nil, cfg)
		assert.Equal(t, "peer-fixed", p.Local().ID)
	})
}

func TestPeer_Persistence(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig(7443)
	cfg.PeerID = "peer-a"
	cfg.DataDir = "/var/pgrid"

	p, err := pgrid.NewPeer(cfg, pkg.NewNop(), pgrid.WithFs(fs))
	require.NoError(t, err)
	require.True(t, p.Table().SetPath("01", p.Local().Timestamp+1))
	require.NoError(t, p.Table().AddLevel(0, routing.PeerRef{ID: "peer-b", Addr: "b:1", Path: "1", Timestamp: 1}))
	require.NoError(t, p.Shutdown())
	require.NoError(t, p.Shutdown(), "shutdown is idempotent")
	assert.True(t, p.IsShutdown())

	exists, err := afero.Exists(fs, filepath.Join(cfg.DataDir, routing.TableFile))
	require.NoError(t, err)
	require.True(t, exists)

	t.Run("resumes identity and path", func(t *testing.T) {
		resumed := config.DefaultConfig()
		*resumed = *cfg
		resumed.PeerID = ""

		q, err := pgrid.NewPeer(resumed, pkg.NewNop(), pgrid.WithFs(fs))
		require.NoError(t, err)
		defer q.Shutdown()

		assert.Equal(t, "peer-a", q.Local().ID)
		assert.Equal(t, "01", q.Local().Path)
		require.Len(t, q.Table().Level(0), 1)
		assert.Equal(t, "peer-b", q.Table().Level(0)[0].ID)
		_, known := q.Registry().Get("peer-b")
		assert.True(t, known)
	})

	t.Run("moved address", func(t *testing.T) {
		moved := config.DefaultConfig()
		*moved = *cfg
		moved.Port = 7499

		q, err := pgrid.NewPeer(moved, pkg.NewNop(), pgrid.WithFs(fs))
		require.NoError(t, err)
		defer q.Shutdown()

		assert.Equal(t, "127.0.0.1:7499", q.Local().Addr)
		assert.Equal(t, "01", q.Local().Path)
	})

	t.Run("other identity starts over", func(t *testing.T) {
		other := config.DefaultConfig()
		*other = *cfg
		other.PeerID = "peer-z"
		other.DataDir = ""

		q, err := pgrid.NewPeer(other, pkg.NewNop(), pgrid.WithFs(fs))
		require.NoError(t, err)
		defer q.Shutdown()

		assert.Equal(t, "peer-z", q.Local().ID)
		assert.Equal(t, "", q.Local().Path)
	})
}

func TestPeer_Bootstrap(t *testing.T) {
	net := transport.NewMemoryNetwork()
	a := newPeer(t, net, testConfig(7451))

	t.Run("learns the bootstrap peer", func(t *testing.T) {
		cfg := testConfig(7452)
		cfg.BootstrapNodes = []string{a.Local().Addr}
		b := newPeer(t, net, cfg)

		require.NoError(t, b.Start(context.Background()))
		require.NoError(t, b.Start(context.Background()), "second start is a no-op")

		fidgets := b.Table().Fidgets()
		require.Len(t, fidgets, 1)
		assert.Equal(t, a.Local().ID, fidgets[0].ID)

		// the lookup carried b's reference, so a knows b
		_, known := a.Registry().Get(b.Local().ID)
		assert.True(t, known)
	})

	t.Run("unreachable bootstrap", func(t *testing.T) {
		cfg := testConfig(7453)
		cfg.BootstrapNodes = []string{"127.0.0.1:1"}
		c := newPeer(t, net, cfg)
		assert.ErrorContains(t, c.Start(context.Background()), "no bootstrap peer reachable")
	})

	t.Run("only itself", func(t *testing.T) {
		cfg := testConfig(7454)
		cfg.BootstrapNodes = []string{cfg.Address()}
		d := newPeer(t, net, cfg)
		assert.NoError(t, d.Start(context.Background()))
	})

	t.Run("after shutdown", func(t *testing.T) {
		e := newPeer(t, net, testConfig(7455))
		require.NoError(t, e.Shutdown())
		assert.Error(t, e.Start(context.Background()))
	})
}

func TestPeer_HandlePeerLookup(t *testing.T) {
	p := newPeer(t, nil, testConfig(7461))
	ctx := context.Background()
	other := routing.PeerRef{ID: "peer-other", Addr: "other:1", Path: "1", Timestamp: 5}

	reply, err := p.HandlePeerLookup(ctx, &message.PeerLookup{Header: message.NewHeader(other)})
	require.NoError(t, err)
	assert.True(t, reply.Found)
	assert.Equal(t, p.Local(), reply.Peer)

	reply, err = p.HandlePeerLookup(ctx, &message.PeerLookup{Header: message.NewHeader(p.Local()), ID: "peer-other"})
	require.NoError(t, err)
	assert.True(t, reply.Found, "the sender of the first lookup was absorbed")
	assert.Equal(t, other, reply.Peer)

	reply, err = p.HandlePeerLookup(ctx, &message.PeerLookup{Header: message.NewHeader(other), ID: "peer-missing"})
	require.NoError(t, err)
	assert.False(t, reply.Found)

	_, err = p.HandlePeerLookup(ctx, nil)
	assert.ErrorIs(t, err, pkg.ErrProtocolViolation)
}

func TestPeer_RejectsMalformedMessages(t *testing.T) {
	p := newPeer(t, nil, testConfig(7462))
	ctx := context.Background()

	ack := p.HandleCounterReply(ctx, nil)
	assert.Equal(t, message.AckCannotRoute, ack.Code)

	ack = p.HandleCounterReply(ctx, &message.Reply{Header: message.NewHeader(routing.PeerRef{ID: "x", Addr: "x:1"})})
	assert.Equal(t, message.AckCannotRoute, ack.Code)
	assert.Contains(t, ack.Detail, "no pending exchange")
	assert.Equal(t, p.Local().ID, ack.Sender.ID)

	ack = p.HandleDataModifier(ctx, nil)
	assert.Equal(t, message.AckCannotRoute, ack.Code)

	_, err := p.HandleInvitation(ctx, &message.Invitation{})
	assert.ErrorIs(t, err, pkg.ErrProtocolViolation)
}

// splitPair lets two root peers exchange once and returns them ordered by
// the bit they took.
func splitPair(t *testing.T, net *transport.MemoryNetwork, opts ...pgrid.Option) (zero, one *pgrid.Peer) {
	t.Helper()
	a := newPeer(t, net, testConfig(7471), opts...)
	b := newPeer(t, net, testConfig(7472))
	publish(t, a, "00", "01", "10", "11")
	publish(t, b, "000", "111")

	d, err := a.ExchangeWith(context.Background(), b.Local())
	require.NoError(t, err)
	require.Equal(t, exchange.OutcomeSplit, d.Outcome)

	if a.Local().Path == "0" {
		return a, b
	}
	return b, a
}

func TestPeer_SamePathPeersFindEachOther(t *testing.T) {
	net := transport.NewMemoryNetwork()
	ctx := context.Background()

	split := func(pa, pb int) (zero, one *pgrid.Peer) {
		a := newPeer(t, net, testConfig(pa))
		b := newPeer(t, net, testConfig(pb))
		publish(t, a, "00", "01", "10", "11")
		publish(t, b, "000", "111")
		d, err := a.ExchangeWith(ctx, b.Local())
		require.NoError(t, err)
		require.Equal(t, exchange.OutcomeSplit, d.Outcome)
		if a.Local().Path == "0" {
			return a, b
		}
		return b, a
	}
	zero1, one1 := split(7491, 7492)
	zero2, one2 := split(7493, 7494)

	replicaIDs := func(p *pgrid.Peer) []string {
		var out []string
		for _, r := range p.Table().Replicas() {
			out = append(out, r.ID)
		}
		return out
	}
	require.Empty(t, replicaIDs(zero1))
	require.Empty(t, replicaIDs(zero2))

	d, err := zero1.ExchangeWith(ctx, one2.Local())
	require.NoError(t, err)
	require.Equal(t, exchange.OutcomeReferences, d.Outcome)
	assert.Contains(t, replicaIDs(zero1), zero2.Local().ID, "learned from the partner's level 0")
	assert.Contains(t, replicaIDs(one2), one1.Local().ID)

	_, err = zero2.ExchangeWith(ctx, one1.Local())
	require.NoError(t, err)
	assert.Contains(t, replicaIDs(zero2), zero1.Local().ID)

	for _, p := range []*pgrid.Peer{zero1, zero2, one1, one2} {
		assert.NoError(t, p.Table().Validate())
	}
}

func TestPeer_SplitAndQuery(t *testing.T) {
	net := transport.NewMemoryNetwork()
	events := &recorder{}
	zero, one := splitPair(t, net, pgrid.WithBroadcaster(events))
	ctx := context.Background()

	require.Equal(t, "0", zero.Local().Path)
	require.Equal(t, "1", one.Local().Path)
	assert.Equal(t, []string{"00", "000", "01"}, keysOf(t, zero))
	assert.Equal(t, []string{"10", "11", "111"}, keysOf(t, one))
	assert.Contains(t, events.types(), pgrid.EventSplit)

	for _, origin := range []*pgrid.Peer{zero, one} {
		for _, key := range []string{"00", "000", "01", "10", "11", "111"} {
			reply, err := origin.Lookup(ctx, key)
			require.NoError(t, err)
			assert.True(t, reply.Found, "%s from %s", key, origin.Local().Path)
		}
	}

	for _, algorithm := range []string{message.AlgorithmMinMax, message.AlgorithmShower} {
		reply, err := zero.Range(ctx, keyspace.Range{Min: "01", Max: "11"}, algorithm)
		require.NoError(t, err)
		assert.False(t, reply.Partial)
		assert.Equal(t, []string{"01", "10", "11"}, store.Keys(reply.Items), algorithm)
	}

	stats := zero.Stats()
	assert.Equal(t, "0", stats.Path)
	assert.Equal(t, []int{1}, stats.Table.Levels)
	assert.Equal(t, 3, stats.Responsible)
}

func TestPeer_InsertRoutesToResponsiblePeer(t *testing.T) {
	net := transport.NewMemoryNetwork()
	zero, one := splitPair(t, net)
	ctx := context.Background()

	require.NoError(t, zero.Start(ctx))
	require.NoError(t, one.Start(ctx))

	item, err := zero.Publish(ctx, "1010", "text", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, zero.Local().ID, item.Owner.ID)

	require.Eventually(t, func() bool {
		items, err := one.Store().Get(ctx, "1010")
		return err == nil && len(items) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = zero.Store().Get(ctx, "1010")
	assert.ErrorIs(t, err, pkg.ErrKeyNotFound)

	reply, err := zero.Lookup(ctx, "1010")
	require.NoError(t, err)
	require.True(t, reply.Found)
	assert.Equal(t, []byte("hello"), reply.Items[0].Data)

	require.NoError(t, zero.Delete(ctx, []store.Item{{Key: "1010", Owner: zero.Local()}}))
	require.Eventually(t, func() bool {
		_, err := one.Store().Get(ctx, "1010")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPeer_PersistsPathChanges(t *testing.T) {
	net := transport.NewMemoryNetwork()
	fs := afero.NewMemMapFs()

	cfg := testConfig(7481)
	cfg.DataDir = "/data/a"
	a := newPeer(t, net, cfg, pgrid.WithFs(fs))
	b := newPeer(t, net, testConfig(7482))
	publish(t, a, "0", "1")
	publish(t, b, "0", "1")

	_, err := a.ExchangeWith(context.Background(), b.Local())
	require.NoError(t, err)
	require.Len(t, a.Local().Path, 1)

	table, err := routing.LoadTable(fs, cfg.DataDir)
	require.NoError(t, err)
	require.NotNil(t, table)
	assert.Equal(t, a.Local().Path, table.Path())
}

func keysOf(t *testing.T, p *pgrid.Peer) []string {
	t.Helper()
	items, err := p.Store().All(context.Background())
	require.NoError(t, err)
	return store.Keys(items)
}
