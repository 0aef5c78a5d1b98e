package transport

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/zde37/pgrid/internal/message"
	"github.com/zde37/pgrid/internal/metrics"
	"github.com/zde37/pgrid/internal/pgrid"
	"github.com/zde37/pgrid/internal/routing"
	"github.com/zde37/pgrid/pkg"
)

var _ pgrid.RemoteClient = (*MemoryNetwork)(nil)

// ErrUnreachable is returned for addresses without a listening handler.
var ErrUnreachable = fmt.Errorf("peer unreachable")

// MemoryNetwork connects handlers living in one process. Every message is
// encoded and decoded on its way, so handlers never share memory with the
// caller. It is used by the simulator and by tests.
type MemoryNetwork struct {
	handlers *xsync.MapOf[string, Handler]
	down     *xsync.MapOf[string, struct{}]
	sent     *xsync.Counter
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		handlers: xsync.NewMapOf[string, Handler](),
		down:     xsync.NewMapOf[string, struct{}](),
		sent:     xsync.NewCounter(),
	}
}

// Listen attaches h at addr, replacing any previous handler.
func (n *MemoryNetwork) Listen(addr string, h Handler) {
	n.handlers.Store(addr, h)
}

// Remove detaches the handler at addr.
func (n *MemoryNetwork) Remove(addr string) {
	n.handlers.Delete(addr)
}

// SetDown makes addr unreachable, or reachable again.
func (n *MemoryNetwork) SetDown(addr string, down bool) {
	if down {
		n.down.Store(addr, struct{}{})
		return
	}
	n.down.Delete(addr)
}

// Sent returns the number of messages delivered so far.
func (n *MemoryNetwork) Sent() int64 {
	return n.sent.Value()
}

func (n *MemoryNetwork) target(ctx context.Context, peer routing.PeerRef) (Handler, error) {
	if err := ctx.Err(); err != nil {
		return nil, pkg.ErrContextCanceled
	}
	if peer.Addr == "" {
		return nil, fmt.Errorf("peer has no address: %w", pkg.ErrNilPeer)
	}
	if _, ok := n.down.Load(peer.Addr); ok {
		return nil, fmt.Errorf("%s: %w", peer.Addr, ErrUnreachable)
	}
	h, ok := n.handlers.Load(peer.Addr)
	if !ok {
		return nil, fmt.Errorf("%s: %w", peer.Addr, ErrUnreachable)
	}
	return h, nil
}

// copyOf passes m through the wire codec.
func copyOf[T message.Message](m T) (T, error) {
	var zero T
	metrics.Message(m.Kind().String(), "out")
	out, err := message.Decode(message.Encode(m))
	if err != nil {
		return zero, err
	}
	typed, ok := out.(T)
	if !ok {
		return zero, fmt.Errorf("%w: decoded %s", pkg.ErrProtocolViolation, out.Kind())
	}
	return typed, nil
}

// deliver runs one request/response round through the codec.
func deliver[In message.Message, Out message.Message](ctx context.Context, n *MemoryNetwork, peer routing.PeerRef, in In, call func(Handler, In) (Out, error)) (Out, error) {
	var zero Out
	h, err := n.target(ctx, peer)
	if err != nil {
		return zero, err
	}
	req, err := copyOf(in)
	if err != nil {
		return zero, err
	}
	n.sent.Inc()
	resp, err := call(h, req)
	if err != nil {
		return zero, err
	}
	return copyOf(resp)
}

// Invite implements exchange.Remote.
func (n *MemoryNetwork) Invite(ctx context.Context, peer routing.PeerRef, inv *message.Invitation) (*message.Reply, error) {
	return deliver(ctx, n, peer, inv, func(h Handler, in *message.Invitation) (*message.Reply, error) {
		return h.HandleInvitation(ctx, in)
	})
}

// CounterReply implements exchange.Remote.
func (n *MemoryNetwork) CounterReply(ctx context.Context, peer routing.PeerRef, reply *message.Reply) (*message.Ack, error) {
	return deliver(ctx, n, peer, reply, func(h Handler, in *message.Reply) (*message.Ack, error) {
		return h.HandleCounterReply(ctx, in), nil
	})
}

// Distribute implements distributor.Remote.
func (n *MemoryNetwork) Distribute(ctx context.Context, peer routing.PeerRef, m *message.DataModifier) (*message.Ack, error) {
	return deliver(ctx, n, peer, m, func(h Handler, in *message.DataModifier) (*message.Ack, error) {
		return h.HandleDataModifier(ctx, in), nil
	})
}

// Query implements query.Remote.
func (n *MemoryNetwork) Query(ctx context.Context, peer routing.PeerRef, q *message.Query) (*message.QueryReply, error) {
	return deliver(ctx, n, peer, q, func(h Handler, in *message.Query) (*message.QueryReply, error) {
		return h.HandleQuery(ctx, in)
	})
}

// RangeQuery implements query.Remote.
func (n *MemoryNetwork) RangeQuery(ctx context.Context, peer routing.PeerRef, q *message.RangeQuery) (*message.QueryReply, error) {
	return deliver(ctx, n, peer, q, func(h Handler, in *message.RangeQuery) (*message.QueryReply, error) {
		return h.HandleRangeQuery(ctx, in)
	})
}

// PeerLookup implements pgrid.RemoteClient.
func (n *MemoryNetwork) PeerLookup(ctx context.Context, peer routing.PeerRef, m *message.PeerLookup) (*message.PeerLookupReply, error) {
	return deliver(ctx, n, peer, m, func(h Handler, in *message.PeerLookup) (*message.PeerLookupReply, error) {
		return h.HandlePeerLookup(ctx, in)
	})
}

// Close implements pgrid.RemoteClient. The network outlives its users.
func (n *MemoryNetwork) Close() error {
	return nil
}
