package query

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/pgrid/internal/config"
	"github.com/zde37/pgrid/internal/keyspace"
	"github.com/zde37/pgrid/internal/message"
	"github.com/zde37/pgrid/internal/routing"
	"github.com/zde37/pgrid/internal/store"
	"github.com/zde37/pgrid/pkg"
)

// network dispatches queries between routers through the wire codec.
type network struct {
	mu      sync.Mutex
	routers map[string]*Router
	down    map[string]bool
	calls   int
}

func (n *network) target(peer routing.PeerRef) (*Router, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.down[peer.ID] {
		return nil, errors.New("peer unreachable")
	}
	r, ok := n.routers[peer.ID]
	if !ok {
		return nil, errors.New("unknown peer")
	}
	return r, nil
}

func roundTrip[T message.Message](m message.Message) (T, error) {
	var zero T
	out, err := message.Decode(message.Encode(m))
	if err != nil {
		return zero, err
	}
	return out.(T), nil
}

func (n *network) Query(ctx context.Context, peer routing.PeerRef, q *message.Query) (*message.QueryReply, error) {
	r, err := n.target(peer)
	if err != nil {
		return nil, err
	}
	in, err := roundTrip[*message.Query](q)
	if err != nil {
		return nil, err
	}
	reply, err := r.HandleQuery(ctx, in)
	if err != nil {
		return nil, err
	}
	return roundTrip[*message.QueryReply](reply)
}

func (n *network) RangeQuery(ctx context.Context, peer routing.PeerRef, q *message.RangeQuery) (*message.QueryReply, error) {
	r, err := n.target(peer)
	if err != nil {
		return nil, err
	}
	in, err := roundTrip[*message.RangeQuery](q)
	if err != nil {
		return nil, err
	}
	reply, err := r.HandleRangeQuery(ctx, in)
	if err != nil {
		return nil, err
	}
	return roundTrip[*message.QueryReply](reply)
}

func ref(path string) routing.PeerRef {
	return routing.PeerRef{ID: "peer-" + path, Addr: "peer-" + path + ":7440", Path: path, Timestamp: 1}
}

// newTrie builds four peers at paths 00, 01, 10 and 11 with complete routing
// tables. Each peer stores the single key given for its path.
func newTrie(t *testing.T, cfg *config.Config, keys map[string]string) (*network, map[string]*Router) {
	t.Helper()

	paths := []string{"00", "01", "10", "11"}
	net := &network{routers: make(map[string]*Router), down: make(map[string]bool)}
	byPath := make(map[string]*Router)

	for i, path := range paths {
		self := ref(path)
		tbl := routing.NewTable(self)
		for _, other := range paths {
			if other == path {
				continue
			}
			level := keyspace.CommonPrefixLen(path, other)
			require.NoError(t, tbl.AddLevel(level, ref(other)))
		}
		require.NoError(t, tbl.Validate())

		st := store.NewItemStore(nil)
		t.Cleanup(func() { st.Close() })
		if key, ok := keys[path]; ok {
			_, err := st.Add(context.Background(), store.Item{Key: key, Owner: self, Type: "text", Data: []byte(key)})
			require.NoError(t, err)
		}

		r, err := NewRouter(cfg, tbl, st, pkg.NewNop(), WithRand(rand.New(rand.NewSource(int64(i)))))
		require.NoError(t, err)
		r.SetRemote(net)

		net.routers[self.ID] = r
		byPath[path] = r
	}
	return net, byPath
}

var trieKeys = map[string]string{"00": "000", "01": "011", "10": "101", "11": "110"}

func TestNewRouter(t *testing.T) {
	cfg := config.DefaultConfig()
	tbl := routing.NewTable(ref(""))
	st := store.NewItemStore(nil)
	defer st.Close()

	_, err := NewRouter(nil, tbl, st, pkg.NewNop())
	assert.ErrorContains(t, err, "config cannot be nil")
	_, err = NewRouter(cfg, nil, st, pkg.NewNop())
	assert.ErrorContains(t, err, "routing table cannot be nil")
	_, err = NewRouter(cfg, tbl, nil, pkg.NewNop())
	assert.ErrorContains(t, err, "item store cannot be nil")
	_, err = NewRouter(cfg, tbl, st, nil)
	assert.ErrorContains(t, err, "logger cannot be nil")
}

func TestCoverLevel(t *testing.T) {
	tests := []struct {
		path, cursor string
		level        int
		covers       bool
	}{
		{"01", "010", 0, true},
		{"01", "01", 0, true},
		{"", "1", 0, true},
		{"00", "010", 1, false},
		{"11", "0", 0, false},
		{"11", "1", 1, false},
		{"10", "1", 0, true},
		{"100", "1", 0, true},
		{"101", "1", 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.path+"/"+tt.cursor, func(t *testing.T) {
			level, covers := coverLevel(tt.path, tt.cursor)
			assert.Equal(t, tt.covers, covers)
			if !covers {
				assert.Equal(t, tt.level, level)
			}
		})
	}
}

func TestRouter_Lookup(t *testing.T) {
	_, peers := newTrie(t, config.DefaultConfig(), trieKeys)
	ctx := context.Background()

	for origin, r := range peers {
		for path, key := range trieKeys {
			t.Run(origin+"->"+key, func(t *testing.T) {
				reply, err := r.Lookup(ctx, key)
				require.NoError(t, err)
				assert.True(t, reply.Found)
				assert.False(t, reply.Partial)
				require.Len(t, reply.Items, 1)
				assert.Equal(t, key, reply.Items[0].Key)
				require.Len(t, reply.Responders, 1)
				assert.Equal(t, path, reply.Responders[0].Path)
				assert.LessOrEqual(t, reply.Hops, 2)
			})
		}
	}

	t.Run("missing key", func(t *testing.T) {
		reply, err := peers["00"].Lookup(ctx, "111")
		require.NoError(t, err)
		assert.False(t, reply.Found)
		assert.False(t, reply.Partial)
		assert.Equal(t, "11", reply.Responders[0].Path)
	})

	t.Run("invalid key", func(t *testing.T) {
		_, err := peers["00"].Lookup(ctx, "abc")
		assert.ErrorIs(t, err, pkg.ErrProtocolViolation)
	})
}

func TestRouter_Range(t *testing.T) {
	ctx := context.Background()
	rng, err := keyspace.NewRange("010", "110")
	require.NoError(t, err)

	for _, algorithm := range []string{message.AlgorithmMinMax, message.AlgorithmShower} {
		_, peers := newTrie(t, config.DefaultConfig(), trieKeys)
		for origin, r := range peers {
			t.Run(algorithm+" from "+origin, func(t *testing.T) {
				reply, err := r.Range(ctx, rng, algorithm)
				require.NoError(t, err)
				assert.False(t, reply.Partial)
				assert.True(t, reply.Found)
				assert.Equal(t, []string{"011", "101", "110"}, store.Keys(reply.Items))
			})
		}
	}
}

func TestRouter_RangeWholeKeySpace(t *testing.T) {
	ctx := context.Background()
	rng, err := keyspace.NewRange("", "111")
	require.NoError(t, err)

	for _, algorithm := range []string{message.AlgorithmMinMax, message.AlgorithmShower} {
		t.Run(algorithm, func(t *testing.T) {
			net, peers := newTrie(t, config.DefaultConfig(), trieKeys)
			reply, err := peers["10"].Range(ctx, rng, algorithm)
			require.NoError(t, err)
			assert.Equal(t, []string{"000", "011", "101", "110"}, store.Keys(reply.Items))
			assert.Len(t, reply.Responders, 4)
			if algorithm == message.AlgorithmShower {
				assert.Equal(t, 3, net.calls, "every other peer is asked once")
			}
		})
	}
}

func TestRouter_DefaultAlgorithm(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RangeQueryAlgorithm = config.RangeShower
	_, peers := newTrie(t, cfg, trieKeys)

	reply, err := peers["00"].Range(context.Background(), keyspace.Range{Min: "1", Max: "111"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"101", "110"}, store.Keys(reply.Items))
}

func TestRouter_Partial(t *testing.T) {
	ctx := context.Background()
	rng := keyspace.Range{Min: "000", Max: "111"}

	t.Run("hop budget", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.MaxHops = 0
		_, peers := newTrie(t, cfg, trieKeys)

		reply, err := peers["00"].Lookup(ctx, "110")
		require.NoError(t, err)
		assert.True(t, reply.Partial)
		assert.False(t, reply.Found)

		for _, algorithm := range []string{message.AlgorithmMinMax, message.AlgorithmShower} {
			reply, err = peers["00"].Range(ctx, rng, algorithm)
			require.NoError(t, err)
			assert.True(t, reply.Partial, algorithm)
			assert.Equal(t, []string{"000"}, store.Keys(reply.Items), algorithm)
		}
	})

	t.Run("unreachable subtree", func(t *testing.T) {
		net, peers := newTrie(t, config.DefaultConfig(), trieKeys)
		net.down["peer-11"] = true

		reply, err := peers["00"].Range(ctx, rng, message.AlgorithmShower)
		require.NoError(t, err)
		assert.True(t, reply.Partial)
		assert.Equal(t, []string{"000", "011", "101"}, store.Keys(reply.Items))

		// the level-0 reference to 10 still answers for the 1 subtree
		reply, err = peers["01"].Lookup(ctx, "101")
		require.NoError(t, err)
		assert.True(t, reply.Found)
	})
}

func TestRouter_RootAnswersEverything(t *testing.T) {
	tbl := routing.NewTable(ref(""))
	st := store.NewItemStore(nil)
	defer st.Close()
	for _, k := range []string{"0", "01", "1"} {
		_, err := st.Add(context.Background(), store.Item{Key: k, Owner: ref("")})
		require.NoError(t, err)
	}

	r, err := NewRouter(config.DefaultConfig(), tbl, st, pkg.NewNop())
	require.NoError(t, err)

	reply, err := r.Range(context.Background(), keyspace.Range{Min: "01", Max: "1"}, message.AlgorithmMinMax)
	require.NoError(t, err)
	assert.Equal(t, []string{"01", "1"}, store.Keys(reply.Items))

	reply, err = r.Lookup(context.Background(), "0")
	require.NoError(t, err)
	assert.True(t, reply.Found)
	assert.Zero(t, reply.Hops)
}

func TestRouter_InvalidRangeQuery(t *testing.T) {
	_, peers := newTrie(t, config.DefaultConfig(), trieKeys)
	ctx := context.Background()

	_, err := peers["00"].HandleRangeQuery(ctx, &message.RangeQuery{Min: "1", Max: "0", Algorithm: message.AlgorithmMinMax})
	assert.ErrorIs(t, err, pkg.ErrProtocolViolation)

	_, err = peers["00"].HandleRangeQuery(ctx, &message.RangeQuery{Min: "0", Max: "1", Algorithm: "zigzag"})
	assert.ErrorIs(t, err, pkg.ErrProtocolViolation)
}
