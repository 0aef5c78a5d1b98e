package routing

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry interns peer references by identity. It is the single place where
// the freshest known address and path of a peer live, so that tables, message
// correlation and lookups share one view. Each overlay instance owns its own
// registry.
type Registry struct {
	peers *xsync.MapOf[string, PeerRef]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: xsync.NewMapOf[string, PeerRef]()}
}

// Observe records p, applying the last-writer-wins rule when the peer is
// already known. It returns the interned reference.
func (r *Registry) Observe(p PeerRef) PeerRef {
	if p.IsZero() {
		return p
	}
	out, _ := r.peers.Compute(p.ID, func(known PeerRef, loaded bool) (PeerRef, bool) {
		if !loaded {
			return p, false
		}
		merged, _ := merge(known, p)
		return merged, false
	})
	return out
}

// Get returns the interned reference for id.
func (r *Registry) Get(id string) (PeerRef, bool) {
	return r.peers.Load(id)
}

// Delete forgets a peer.
func (r *Registry) Delete(id string) {
	r.peers.Delete(id)
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	return r.peers.Size()
}

// Peers returns every known peer ordered by ID.
func (r *Registry) Peers() []PeerRef {
	set := make(map[string]PeerRef, r.peers.Size())
	r.peers.Range(func(id string, p PeerRef) bool {
		set[id] = p
		return true
	})
	return sortedRefs(set)
}
