package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zde37/pgrid/internal/keyspace"
	"github.com/zde37/pgrid/internal/routing"
)

// Item is one data item of the overlay: a key in the trie key space, the peer
// that published it and a typed payload.
type Item struct {
	Key   keyspace.Key
	Owner routing.PeerRef
	Type  string
	Data  []byte
}

// ID identifies an item for deduplication: two items with the same key and
// owner are the same item, possibly in two versions.
func (i Item) ID() string {
	return i.Key + "/" + i.Owner.ID
}

// String implements fmt.Stringer.
func (i Item) String() string {
	return fmt.Sprintf("Item{Key: %s, Owner: %s, Type: %s, Size: %d}", i.Key, i.Owner.ID, i.Type, len(i.Data))
}

// Compare orders items by key, then by owner identity.
func Compare(a, b Item) int {
	if c := keyspace.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	return strings.Compare(a.Owner.ID, b.Owner.ID)
}

// Sort orders items in place with Compare.
func Sort(items []Item) {
	sort.Slice(items, func(i, j int) bool { return Compare(items[i], items[j]) < 0 })
}

// Keys returns the keys of items, in order.
func Keys(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Key
	}
	return out
}

func cloneItem(i Item) Item {
	if i.Data != nil {
		data := make([]byte, len(i.Data))
		copy(data, i.Data)
		i.Data = data
	}
	return i
}
