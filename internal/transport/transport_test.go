package transport

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/zde37/pgrid/internal/message"
	"github.com/zde37/pgrid/internal/routing"
	"github.com/zde37/pgrid/internal/store"
	"github.com/zde37/pgrid/pkg"
)

const testAuthToken = "auth_token"

var (
	caller = routing.PeerRef{ID: "peer-caller", Addr: "caller:1", Path: "0", Timestamp: 3}
	callee = routing.PeerRef{ID: "peer-callee", Addr: "callee:1", Path: "1", Timestamp: 4}
)

// echoHandler answers every message with canned replies and remembers what
// it received.
type echoHandler struct {
	mu       sync.Mutex
	received []message.Message
	fail     error
}

func (h *echoHandler) record(m message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, m)
}

func (h *echoHandler) last() message.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.received) == 0 {
		return nil
	}
	return h.received[len(h.received)-1]
}

func (h *echoHandler) HandleInvitation(_ context.Context, inv *message.Invitation) (*message.Reply, error) {
	h.record(inv)
	if h.fail != nil {
		return nil, h.fail
	}
	return &message.Reply{Header: message.Header{GUID: inv.GUID, Sender: callee}, Recursion: inv.Recursion, ItemCount: 7}, nil
}

func (h *echoHandler) HandleCounterReply(_ context.Context, counter *message.Reply) *message.Ack {
	h.record(counter)
	ack := message.NewAck(counter.GUID, message.AckOK)
	ack.Sender = callee
	return ack
}

func (h *echoHandler) HandleDataModifier(_ context.Context, m *message.DataModifier) *message.Ack {
	h.record(m)
	if m.Prefix == "0" {
		ack := message.NewAck(m.GUID, message.AckWrongRoute)
		ack.Detail = "path \"1\" does not cover \"0\""
		return ack
	}
	return message.NewAck(m.GUID, message.AckOK)
}

func (h *echoHandler) HandleQuery(_ context.Context, q *message.Query) (*message.QueryReply, error) {
	h.record(q)
	if h.fail != nil {
		return nil, h.fail
	}
	return &message.QueryReply{
		Header:     message.Header{GUID: q.GUID, Sender: callee},
		Found:      true,
		Hops:       q.Hops,
		Items:      []store.Item{{Key: q.Key, Owner: caller, Type: "text", Data: []byte("v")}},
		Responders: []routing.PeerRef{callee},
	}, nil
}

func (h *echoHandler) HandleRangeQuery(_ context.Context, q *message.RangeQuery) (*message.QueryReply, error) {
	h.record(q)
	return &message.QueryReply{Header: message.Header{GUID: q.GUID, Sender: callee}, Partial: true, Hops: q.Hops}, nil
}

func (h *echoHandler) HandlePeerLookup(_ context.Context, m *message.PeerLookup) (*message.PeerLookupReply, error) {
	h.record(m)
	return &message.PeerLookupReply{Header: message.Header{GUID: m.GUID, Sender: callee}, Found: true, Peer: callee}, nil
}

func startServer(t *testing.T, h Handler, token string) *GRPCServer {
	t.Helper()
	server, err := NewGRPCServer(h, "127.0.0.1:0", token, pkg.NewNop())
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })
	return server
}

func TestNewGRPCServer(t *testing.T) {
	tests := []struct {
		name        string
		handler     Handler
		logger      *pkg.Logger
		expectError string
	}{
		{name: "valid server creation", handler: &echoHandler{}, logger: pkg.NewNop()},
		{name: "nil handler", handler: nil, logger: pkg.NewNop(), expectError: "handler cannot be nil"},
		{name: "nil logger", handler: &echoHandler{}, logger: nil, expectError: "logger cannot be nil"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, err := NewGRPCServer(tt.handler, "127.0.0.1:0", "", tt.logger)
			if tt.expectError != "" {
				assert.ErrorContains(t, err, tt.expectError)
				assert.Nil(t, server)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "127.0.0.1:0", server.Addr())
		})
	}
}

func TestNewGRPCClient(t *testing.T) {
	client := NewGRPCClient(nil, 5*time.Second, "")
	assert.NotNil(t, client.logger)
	assert.Equal(t, 5*time.Second, client.timeout)
	assert.Zero(t, client.Connections())
	assert.NoError(t, client.Close())
}

func TestGRPC_RoundTrip(t *testing.T) {
	h := &echoHandler{}
	server := startServer(t, h, testAuthToken)

	client := NewGRPCClient(pkg.NewNop(), 5*time.Second, testAuthToken)
	defer client.Close()

	ctx := context.Background()
	peer := routing.PeerRef{ID: callee.ID, Addr: server.Addr()}

	t.Run("invite", func(t *testing.T) {
		inv := &message.Invitation{Header: message.NewHeader(caller), Path: "0", Recursion: 1}
		reply, err := client.Invite(ctx, peer, inv)
		require.NoError(t, err)
		assert.Equal(t, inv.GUID, reply.GUID)
		assert.Equal(t, callee, reply.Sender)
		assert.Equal(t, 1, reply.Recursion)
		assert.Equal(t, 7, reply.ItemCount)

		got := h.last().(*message.Invitation)
		assert.Equal(t, caller, got.Sender)
		assert.Equal(t, "0", got.Path)
	})

	t.Run("counter reply", func(t *testing.T) {
		ack, err := client.CounterReply(ctx, peer, &message.Reply{Header: message.NewHeader(caller), Counter: true})
		require.NoError(t, err)
		assert.NoError(t, ack.Err())
		assert.Equal(t, callee, ack.Sender)
	})

	t.Run("distribute", func(t *testing.T) {
		m := &message.DataModifier{
			Header:    message.NewHeader(caller),
			Operation: message.OpInsert,
			Prefix:    "1",
			Items:     []store.Item{{Key: "10", Owner: caller}},
			Seen:      []string{"a", "b"},
		}
		ack, err := client.Distribute(ctx, peer, m)
		require.NoError(t, err)
		assert.Equal(t, message.AckOK, ack.Code)
		assert.Equal(t, m.GUID, ack.GUID)

		got := h.last().(*message.DataModifier)
		assert.Equal(t, []string{"10"}, store.Keys(got.Items))
		assert.Equal(t, []string{"a", "b"}, got.Seen)

		m.Prefix = "0"
		ack, err = client.Distribute(ctx, peer, m)
		require.NoError(t, err)
		assert.ErrorIs(t, ack.Err(), pkg.ErrRoutingMismatch)
		assert.NotEmpty(t, ack.Detail)
	})

	t.Run("query", func(t *testing.T) {
		reply, err := client.Query(ctx, peer, &message.Query{Header: message.NewHeader(caller), Key: "101", Hops: 2})
		require.NoError(t, err)
		assert.True(t, reply.Found)
		assert.Equal(t, 2, reply.Hops)
		assert.Equal(t, []string{"101"}, store.Keys(reply.Items))
	})

	t.Run("range query", func(t *testing.T) {
		reply, err := client.RangeQuery(ctx, peer, &message.RangeQuery{Header: message.NewHeader(caller), Min: "0", Max: "1", Algorithm: message.AlgorithmShower})
		require.NoError(t, err)
		assert.True(t, reply.Partial)
	})

	t.Run("peer lookup", func(t *testing.T) {
		reply, err := client.PeerLookup(ctx, routing.PeerRef{Addr: server.Addr()}, &message.PeerLookup{Header: message.NewHeader(caller)})
		require.NoError(t, err)
		assert.True(t, reply.Found)
		assert.Equal(t, callee, reply.Peer)
	})

	assert.Equal(t, 1, client.Connections(), "one pooled connection per address")
}

func TestGRPC_ErrorMapping(t *testing.T) {
	h := &echoHandler{fail: fmt.Errorf("%w: bad invitation", pkg.ErrProtocolViolation)}
	server := startServer(t, h, "")

	client := NewGRPCClient(pkg.NewNop(), 5*time.Second, "")
	defer client.Close()

	_, err := client.Invite(context.Background(), routing.PeerRef{Addr: server.Addr()}, &message.Invitation{Header: message.NewHeader(caller)})
	assert.ErrorIs(t, err, pkg.ErrProtocolViolation)

	h.fail = fmt.Errorf("disk on fire")
	_, err = client.Query(context.Background(), routing.PeerRef{Addr: server.Addr()}, &message.Query{Header: message.NewHeader(caller), Key: "0"})
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(errorsUnwrapStatus(err)))
}

// errorsUnwrapStatus digs the status error out of a wrapped client error.
func errorsUnwrapStatus(err error) error {
	for err != nil {
		if _, ok := status.FromError(err); ok {
			return err
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		err = u.Unwrap()
	}
	return nil
}

func TestGRPC_Auth(t *testing.T) {
	server := startServer(t, &echoHandler{}, testAuthToken)
	peer := routing.PeerRef{Addr: server.Addr()}
	lookup := &message.PeerLookup{Header: message.NewHeader(caller)}

	tests := []struct {
		name  string
		token string
		ok    bool
	}{
		{"valid token", testAuthToken, true},
		{"missing token", "", false},
		{"wrong token", "nope", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewGRPCClient(pkg.NewNop(), 5*time.Second, tt.token)
			defer client.Close()

			_, err := client.PeerLookup(context.Background(), peer, lookup)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, codes.Unauthenticated, status.Code(errorsUnwrapStatus(err)))
		})
	}
}

func TestGRPC_Health(t *testing.T) {
	server := startServer(t, &echoHandler{}, "")

	conn, err := grpc.NewClient(server.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestGRPCClient_NoAddress(t *testing.T) {
	client := NewGRPCClient(pkg.NewNop(), time.Second, "")
	_, err := client.Query(context.Background(), routing.PeerRef{ID: "x"}, &message.Query{Key: "0"})
	assert.ErrorIs(t, err, pkg.ErrNilPeer)
}

func TestCodec(t *testing.T) {
	c := codec{}
	assert.Equal(t, CodecName, c.Name())

	q := &message.Query{Header: message.NewHeader(caller), Key: "0110", Hops: 3}
	data, err := c.Marshal(q)
	require.NoError(t, err)

	var out message.Query
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, *q, out)

	t.Run("kind mismatch", func(t *testing.T) {
		err := c.Unmarshal(data, &message.RangeQuery{})
		assert.ErrorIs(t, err, pkg.ErrProtocolViolation)
	})
	t.Run("empty frame", func(t *testing.T) {
		assert.ErrorIs(t, c.Unmarshal(nil, &out), pkg.ErrProtocolViolation)
	})
	t.Run("foreign type", func(t *testing.T) {
		_, err := c.Marshal("text")
		assert.ErrorIs(t, err, pkg.ErrProtocolViolation)
	})
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err      error
		code     codes.Code
		sentinel error
	}{
		{fmt.Errorf("x: %w", pkg.ErrProtocolViolation), codes.InvalidArgument, pkg.ErrProtocolViolation},
		{pkg.ErrContextCanceled, codes.Canceled, pkg.ErrContextCanceled},
		{fmt.Errorf("x: %w", pkg.ErrRoutingMismatch), codes.FailedPrecondition, pkg.ErrRoutingMismatch},
		{context.DeadlineExceeded, codes.DeadlineExceeded, nil},
		{fmt.Errorf("boom"), codes.Internal, nil},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			st := toStatus(tt.err)
			assert.Equal(t, tt.code, status.Code(st))
			assert.Equal(t, st, toStatus(st), "status errors pass through")

			back := fromStatus(MethodQuery, st)
			if tt.sentinel != nil {
				assert.ErrorIs(t, back, tt.sentinel)
			}
			assert.Contains(t, back.Error(), MethodQuery)
		})
	}
}

func TestMemoryNetwork(t *testing.T) {
	n := NewMemoryNetwork()
	h := &echoHandler{}
	n.Listen(callee.Addr, h)
	ctx := context.Background()

	reply, err := n.Query(ctx, callee, &message.Query{Header: message.NewHeader(caller), Key: "1"})
	require.NoError(t, err)
	assert.True(t, reply.Found)
	assert.EqualValues(t, 1, n.Sent())

	// the handler saw a decoded copy, not the caller's value
	items := []store.Item{{Key: "1", Owner: caller}}
	m := &message.DataModifier{Header: message.NewHeader(caller), Operation: message.OpInsert, Prefix: "1", Items: items}
	_, err = n.Distribute(ctx, callee, m)
	require.NoError(t, err)
	got := h.last().(*message.DataModifier)
	got.Items[0].Key = "0"
	assert.Equal(t, "1", items[0].Key)

	t.Run("down", func(t *testing.T) {
		n.SetDown(callee.Addr, true)
		_, err := n.PeerLookup(ctx, callee, &message.PeerLookup{Header: message.NewHeader(caller)})
		assert.ErrorIs(t, err, ErrUnreachable)
		n.SetDown(callee.Addr, false)

		_, err = n.PeerLookup(ctx, callee, &message.PeerLookup{Header: message.NewHeader(caller)})
		assert.NoError(t, err)
	})

	t.Run("unknown address", func(t *testing.T) {
		_, err := n.Invite(ctx, routing.PeerRef{ID: "x", Addr: "nowhere:1"}, &message.Invitation{Header: message.NewHeader(caller)})
		assert.ErrorIs(t, err, ErrUnreachable)
	})

	t.Run("canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := n.CounterReply(cctx, callee, &message.Reply{Header: message.NewHeader(caller)})
		assert.ErrorIs(t, err, pkg.ErrContextCanceled)
	})

	n.Remove(callee.Addr)
	_, err = n.RangeQuery(ctx, callee, &message.RangeQuery{Header: message.NewHeader(caller), Min: "0", Max: "1"})
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.NoError(t, n.Close())
}
