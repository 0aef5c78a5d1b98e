package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/pgrid/internal/exchange"
	"github.com/zde37/pgrid/internal/keyspace"
	"github.com/zde37/pgrid/internal/message"
	"github.com/zde37/pgrid/internal/store"
	"github.com/zde37/pgrid/pkg"
)

func TestTwoPeers_SplitOverGRPC(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	a := tc.addPeer(t, testConfig(17401))
	cfg := testConfig(17402)
	cfg.BootstrapNodes = []string{a.Local().Addr}
	b := tc.addPeer(t, cfg)

	require.Len(t, b.Table().Fidgets(), 1, "b learned a through the bootstrap lookup")

	publish(t, a, "00", "01", "10", "11")
	publish(t, b, "000", "111")

	d, err := a.ExchangeWith(ctx, b.Local())
	require.NoError(t, err)
	require.Equal(t, exchange.OutcomeSplit, d.Outcome)

	zero, one := a, b
	if a.Local().Path == "1" {
		zero, one = b, a
	}
	require.Equal(t, "0", zero.Local().Path)
	require.Equal(t, "1", one.Local().Path)

	// items the split moved away reach the new owner through the distributor
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"00", "000", "01"}, keysOf(t, zero)) &&
			assert.ObjectsAreEqual([]string{"10", "11", "111"}, keysOf(t, one))
	}, 5*time.Second, 20*time.Millisecond)

	t.Run("exact queries", func(t *testing.T) {
		for _, origin := range []string{"zero", "one"} {
			p := zero
			if origin == "one" {
				p = one
			}
			for _, key := range []string{"00", "000", "01", "10", "11", "111"} {
				reply, err := p.Lookup(ctx, key)
				require.NoError(t, err)
				assert.True(t, reply.Found, "%s from %s", key, origin)
			}
		}

		reply, err := zero.Lookup(ctx, "1001")
		require.NoError(t, err)
		assert.False(t, reply.Found)
	})

	t.Run("range queries", func(t *testing.T) {
		for _, algorithm := range []string{message.AlgorithmMinMax, message.AlgorithmShower} {
			reply, err := one.Range(ctx, keyspace.Range{Min: "00", Max: "10"}, algorithm)
			require.NoError(t, err)
			assert.False(t, reply.Partial, algorithm)
			assert.Equal(t, []string{"00", "000", "01", "10"}, store.Keys(reply.Items), algorithm)
		}
	})

	t.Run("insert and delete", func(t *testing.T) {
		_, err := one.Publish(ctx, "0110", "text", []byte("hello"))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			items, err := zero.Store().Get(ctx, "0110")
			return err == nil && len(items) == 1
		}, 5*time.Second, 20*time.Millisecond)

		require.NoError(t, one.Delete(ctx, []store.Item{{Key: "0110", Owner: one.Local()}}))
		require.Eventually(t, func() bool {
			_, err := zero.Store().Get(ctx, "0110")
			return err != nil
		}, 5*time.Second, 20*time.Millisecond)
	})
}

func TestCluster_Converges(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	const peers = 6
	first := testConfig(17410)
	first.MinStorage = 2
	first.ExchangeInterval = 50 * time.Millisecond
	seed := tc.addPeer(t, first)

	for i := 1; i < peers; i++ {
		cfg := testConfig(17410 + i)
		cfg.MinStorage = 2
		cfg.ExchangeInterval = 50 * time.Millisecond
		cfg.BootstrapNodes = []string{seed.Local().Addr}
		tc.addPeer(t, cfg)
	}

	var keys []string
	for i := 0; i < 96; i++ {
		key := keyspace.Hash([]byte(fmt.Sprintf("item-%d", i)), 8)
		publish(t, tc.peers[i%peers], key)
		keys = append(keys, key)
	}

	require.Eventually(t, func() bool {
		for _, p := range tc.peers {
			if p.Local().Path == "" {
				return false
			}
		}
		return true
	}, 15*time.Second, 100*time.Millisecond, "every peer leaves the root")

	require.Eventually(t, func() bool {
		for _, key := range keys {
			reply, err := seed.Lookup(ctx, key)
			if err != nil || !reply.Found {
				return false
			}
		}
		return true
	}, 15*time.Second, 100*time.Millisecond, "every item stays reachable")
}

func TestCluster_AuthToken(t *testing.T) {
	tc := newTestCluster(t)

	cfg := testConfig(17420)
	cfg.AuthToken = "secret"
	a := tc.addPeer(t, cfg)

	tests := []struct {
		name  string
		port  int
		token string
		err   string
	}{
		{"matching token", 17421, "secret", ""},
		{"wrong token", 17422, "guess", "no bootstrap peer reachable"},
		{"no token", 17423, "", "no bootstrap peer reachable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(tt.port)
			cfg.AuthToken = tt.token
			cfg.BootstrapNodes = []string{a.Local().Addr}

			err := tc.serve(t, cfg).Start(context.Background())
			if tt.err == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.err)
		})
	}
}

func TestPeer_ResumesAfterRestart(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	cfg := testConfig(17430)
	cfg.DataDir = t.TempDir()
	a := tc.addPeer(t, cfg)
	b := tc.addPeer(t, testConfig(17431))
	publish(t, a, "0", "1")
	publish(t, b, "0", "1")

	_, err := a.ExchangeWith(ctx, b.Local())
	require.NoError(t, err)
	path := a.Local().Path
	require.Len(t, path, 1)

	tc.stop(t, 0)

	restarted := tc.addPeer(t, cfg)
	assert.Equal(t, cfg.PeerID, restarted.Local().ID)
	assert.Equal(t, path, restarted.Local().Path)

	reply, err := restarted.Lookup(ctx, keyspace.Sibling(path, 0))
	require.NoError(t, err)
	require.True(t, reply.Found)
	require.NotEmpty(t, reply.Responders)
	assert.Equal(t, b.Local().ID, reply.Responders[0].ID, "level reference survived the restart")

	_, err = restarted.Store().Get(ctx, path)
	assert.ErrorIs(t, err, pkg.ErrKeyNotFound)
}
