package pgrid

import (
	"context"

	"github.com/zde37/pgrid/internal/distributor"
	"github.com/zde37/pgrid/internal/exchange"
	"github.com/zde37/pgrid/internal/message"
	"github.com/zde37/pgrid/internal/query"
	"github.com/zde37/pgrid/internal/routing"
)

// RemoteClient defines the interface for sending protocol messages to other
// peers. It lets the Peer talk to the network without depending on the
// transport layer. Peers are addressed by reference; only Addr is required.
type RemoteClient interface {
	exchange.Remote
	distributor.Remote
	query.Remote

	// PeerLookup asks a peer for a reference it knows, or for its own
	// reference when the lookup ID is empty.
	PeerLookup(ctx context.Context, peer routing.PeerRef, m *message.PeerLookup) (*message.PeerLookupReply, error)

	// Close releases the connections held by the client.
	Close() error
}
