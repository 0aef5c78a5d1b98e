package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/zde37/pgrid/internal/message"
	"github.com/zde37/pgrid/internal/metrics"
	"github.com/zde37/pgrid/internal/pgrid"
	"github.com/zde37/pgrid/internal/routing"
	"github.com/zde37/pgrid/pkg"
)

// Compile-time check to ensure GRPCClient implements pgrid.RemoteClient
var _ pgrid.RemoteClient = (*GRPCClient)(nil)

// GRPCClient sends overlay messages to remote peers over gRPC.
type GRPCClient struct {
	logger    *pkg.Logger
	authToken string

	// Connection pool
	connections map[string]*grpc.ClientConn
	connMu      sync.RWMutex

	// Default timeout for RPC calls
	timeout time.Duration
}

// NewGRPCClient creates a new gRPC client. authToken is attached to every call
// when non-empty.
func NewGRPCClient(logger *pkg.Logger, timeout time.Duration, authToken string) *GRPCClient {
	if logger == nil {
		logger = pkg.NewNop()
	}

	return &GRPCClient{
		logger:      logger.WithFields(pkg.Fields{"component": "grpc_client"}),
		authToken:   authToken,
		connections: make(map[string]*grpc.ClientConn),
		timeout:     timeout,
	}
}

// getConnection returns a connection to the given address, creating one if needed.
func (c *GRPCClient) getConnection(address string) (*grpc.ClientConn, error) {
	if address == "" {
		return nil, fmt.Errorf("peer has no address: %w", pkg.ErrNilPeer)
	}

	c.connMu.RLock()
	conn, exists := c.connections[address]
	c.connMu.RUnlock()

	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	// Double-check after acquiring write lock
	conn, exists = c.connections[address]
	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	newConn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}

	c.connections[address] = newConn
	c.logger.Debug().Str("address", address).Msg("Created new gRPC connection")

	return newConn, nil
}

// invoke runs one unary call with the client timeout, unless ctx already
// carries an earlier deadline.
func (c *GRPCClient) invoke(ctx context.Context, peer routing.PeerRef, method string, in message.Message, out message.Message) error {
	conn, err := c.getConnection(peer.Addr)
	if err != nil {
		return err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	ctx = withAuthMetadata(ctx, c.authToken)

	metrics.Message(in.Kind().String(), "out")
	if err := conn.Invoke(ctx, method, in, out); err != nil {
		return fromStatus(method, err)
	}
	return nil
}

// Invite implements exchange.Remote.
func (c *GRPCClient) Invite(ctx context.Context, peer routing.PeerRef, inv *message.Invitation) (*message.Reply, error) {
	out := new(message.Reply)
	if err := c.invoke(ctx, peer, MethodInvite, inv, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CounterReply implements exchange.Remote.
func (c *GRPCClient) CounterReply(ctx context.Context, peer routing.PeerRef, reply *message.Reply) (*message.Ack, error) {
	out := new(message.Ack)
	if err := c.invoke(ctx, peer, MethodCounterReply, reply, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Distribute implements distributor.Remote.
func (c *GRPCClient) Distribute(ctx context.Context, peer routing.PeerRef, m *message.DataModifier) (*message.Ack, error) {
	out := new(message.Ack)
	if err := c.invoke(ctx, peer, MethodDistribute, m, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Query implements query.Remote.
func (c *GRPCClient) Query(ctx context.Context, peer routing.PeerRef, q *message.Query) (*message.QueryReply, error) {
	out := new(message.QueryReply)
	if err := c.invoke(ctx, peer, MethodQuery, q, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RangeQuery implements query.Remote.
func (c *GRPCClient) RangeQuery(ctx context.Context, peer routing.PeerRef, q *message.RangeQuery) (*message.QueryReply, error) {
	out := new(message.QueryReply)
	if err := c.invoke(ctx, peer, MethodRangeQuery, q, out); err != nil {
		return nil, err
	}
	return out, nil
}

// PeerLookup implements pgrid.RemoteClient.
func (c *GRPCClient) PeerLookup(ctx context.Context, peer routing.PeerRef, m *message.PeerLookup) (*message.PeerLookupReply, error) {
	out := new(message.PeerLookupReply)
	if err := c.invoke(ctx, peer, MethodPeerLookup, m, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes all connections in the pool.
func (c *GRPCClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	for address, conn := range c.connections {
		if err := conn.Close(); err != nil {
			c.logger.Warn().Err(err).Str("address", address).Msg("Failed to close connection")
		}
	}
	c.connections = make(map[string]*grpc.ClientConn)
	return nil
}

// Connections returns the number of pooled connections.
func (c *GRPCClient) Connections() int {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return len(c.connections)
}
