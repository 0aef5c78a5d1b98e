package routing

import (
	"fmt"
	"sort"
)

// PeerRef identifies a peer of the overlay. ID is stable; Path and Timestamp
// change when the peer splits or merges and are only overwritten by a strictly
// newer Timestamp.
type PeerRef struct {
	ID        string `json:"id"`        // stable identity
	Addr      string `json:"addr"`      // network address, host:port
	Path      string `json:"path"`      // trie path over {0,1}
	Timestamp int64  `json:"timestamp"` // path timestamp (unix nanoseconds), 0 when unknown
}

// IsZero reports whether the reference is empty (the "null peer").
func (p PeerRef) IsZero() bool {
	return p.ID == ""
}

// NewerThan reports whether p carries a strictly newer path than other.
func (p PeerRef) NewerThan(other PeerRef) bool {
	return p.Timestamp > other.Timestamp
}

// String returns a human-readable representation of the peer reference.
func (p PeerRef) String() string {
	if p.IsZero() {
		return "PeerRef{nil}"
	}
	return fmt.Sprintf("PeerRef{ID: %s, Addr: %s, Path: %q}", shortID(p.ID), p.Addr, p.Path)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// merge applies the last-writer-wins rule to an already known reference.
// It returns the surviving reference and whether anything changed.
func merge(known, seen PeerRef) (PeerRef, bool) {
	changed := false
	if seen.NewerThan(known) {
		known.Path = seen.Path
		known.Timestamp = seen.Timestamp
		changed = true
	}
	if seen.Addr != "" && seen.Addr != known.Addr {
		known.Addr = seen.Addr
		changed = true
	}
	return known, changed
}

// sortedRefs returns the values of set ordered by ID.
func sortedRefs(set map[string]PeerRef) []PeerRef {
	out := make([]PeerRef, 0, len(set))
	for _, p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
