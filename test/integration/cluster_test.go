package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zde37/pgrid/internal/config"
	"github.com/zde37/pgrid/internal/pgrid"
	"github.com/zde37/pgrid/internal/store"
	"github.com/zde37/pgrid/internal/transport"
	"github.com/zde37/pgrid/pkg"
)

// testCluster is a set of peers talking to each other over gRPC.
type testCluster struct {
	peers   []*pgrid.Peer
	servers []*transport.GRPCServer
	clients []*transport.GRPCClient
	logger  *pkg.Logger
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()

	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = "error"
	logger, err := pkg.New(loggerConfig)
	require.NoError(t, err)

	tc := &testCluster{logger: logger}
	t.Cleanup(tc.shutdown)
	return tc
}

// testConfig returns a config whose exchange worker stays idle unless the
// test shortens the interval.
func testConfig(port int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.PeerID = fmt.Sprintf("peer-%d", port)
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.HTTPPort = 0
	cfg.MinStorage = 1
	cfg.MaxRecursion = 2
	cfg.ExchangeInterval = time.Hour
	cfg.RPCTimeout = 2 * time.Second
	cfg.LogLevel = "error"
	return cfg
}

// addPeer creates a peer, serves it over gRPC and starts it.
func (tc *testCluster) addPeer(t *testing.T, cfg *config.Config) *pgrid.Peer {
	t.Helper()
	peer := tc.serve(t, cfg)
	require.NoError(t, peer.Start(context.Background()))
	return peer
}

// serve creates a peer and its gRPC endpoint without starting the peer.
func (tc *testCluster) serve(t *testing.T, cfg *config.Config) *pgrid.Peer {
	t.Helper()

	peer, err := pgrid.NewPeer(cfg, tc.logger)
	require.NoError(t, err)

	server, err := transport.NewGRPCServer(peer, cfg.Address(), cfg.AuthToken, tc.logger)
	require.NoError(t, err)
	require.NoError(t, server.Start())

	client := transport.NewGRPCClient(tc.logger, cfg.RPCTimeout, cfg.AuthToken)
	peer.SetRemote(client)

	tc.peers = append(tc.peers, peer)
	tc.servers = append(tc.servers, server)
	tc.clients = append(tc.clients, client)
	return peer
}

// stop takes peer i off the network, persisting its routing table.
func (tc *testCluster) stop(t *testing.T, i int) {
	t.Helper()
	require.NoError(t, tc.servers[i].Stop())
	require.NoError(t, tc.peers[i].Shutdown())
	require.NoError(t, tc.clients[i].Close())
}

func (tc *testCluster) shutdown() {
	for _, s := range tc.servers {
		s.Stop()
	}
	for _, p := range tc.peers {
		p.Shutdown()
	}
	for _, c := range tc.clients {
		c.Close()
	}
	tc.peers, tc.servers, tc.clients = nil, nil, nil
}

func publish(t *testing.T, p *pgrid.Peer, keys ...string) {
	t.Helper()
	for _, k := range keys {
		_, err := p.Store().Add(context.Background(), store.Item{Key: k, Owner: p.Local(), Type: "text", Data: []byte(k)})
		require.NoError(t, err)
	}
}

func keysOf(t *testing.T, p *pgrid.Peer) []string {
	t.Helper()
	items, err := p.Store().All(context.Background())
	require.NoError(t, err)
	return store.Keys(items)
}
