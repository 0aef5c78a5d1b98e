package pgrid

// Topology event types
const (
	EventPathChanged      = "path_changed"
	EventSplit            = "split"
	EventReplicaMerge     = "replica_merge"
	EventExchangeFinished = "exchange_finished"
)

// EventBroadcaster is an interface for broadcasting topology updates.
// This allows the Peer to notify external systems (like WebSocket clients)
// when its position in the trie changes without creating circular dependencies.
type EventBroadcaster interface {
	// BroadcastTopologyUpdate sends a topology update notification.
	BroadcastTopologyUpdate(update any) error
}

// TopologyEvent represents a change of the local trie position or of the
// replica group after an exchange.
type TopologyEvent struct {
	Type      string   `json:"type"`
	PeerID    string   `json:"peer_id"`
	Remote    string   `json:"remote"`
	OldPath   string   `json:"old_path"`
	NewPath   string   `json:"new_path"`
	Cases     []string `json:"cases,omitempty"`
	Accepted  int      `json:"accepted"`
	Dropped   int      `json:"dropped"`
	Handed    int      `json:"handed_off"`
	Timestamp int64    `json:"timestamp"`
	Message   string   `json:"message"`
}
