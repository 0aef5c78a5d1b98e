package routing

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/zde37/pgrid/internal/keyspace"
	"github.com/zde37/pgrid/pkg"
)

const (
	defaultMaxFidgets = 10
	defaultMaxRefs    = 4
)

// Snapshot is an immutable copy of a routing table. It is the unit that is
// exchanged between peers and persisted to disk.
type Snapshot struct {
	Local    PeerRef
	Fidgets  []PeerRef
	Levels   [][]PeerRef
	Replicas []PeerRef
}

// Size returns the number of references held by the snapshot.
func (s Snapshot) Size() int {
	n := len(s.Fidgets) + len(s.Replicas)
	for _, l := range s.Levels {
		n += len(l)
	}
	return n
}

// Option configures a Table.
type Option func(*Table)

// WithRand injects the randomness source used for subset sampling.
func WithRand(rng *rand.Rand) Option {
	return func(t *Table) {
		if rng != nil {
			t.rng = rng
		}
	}
}

// WithBounds sets the fidget and per-level bounds used by AddFidget and Observe.
func WithBounds(maxFidgets, maxRefs int) Option {
	return func(t *Table) {
		if maxFidgets > 0 {
			t.maxFidgets = maxFidgets
		}
		if maxRefs > 0 {
			t.maxRefs = maxRefs
		}
	}
}

// Table is the routing table of one peer: a bounded set of fidgets, one set
// of references per trie level and the set of replicas sharing the local path.
// A peer identity lives in at most one of {levels, replicas}. All methods are
// safe for concurrent use; mutations are serialized by one table-wide lock.
type Table struct {
	mu sync.RWMutex

	local    PeerRef
	fidgets  map[string]PeerRef
	levels   []map[string]PeerRef // levels[i]: paths agree on [0,i) and differ at i
	replicas map[string]PeerRef

	rng        *rand.Rand
	maxFidgets int
	maxRefs    int
}

// NewTable creates a routing table for the local peer with one empty level per
// symbol of the local path.
func NewTable(local PeerRef, opts ...Option) *Table {
	t := &Table{
		local:      local,
		fidgets:    make(map[string]PeerRef),
		levels:     make([]map[string]PeerRef, len(local.Path)),
		replicas:   make(map[string]PeerRef),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		maxFidgets: defaultMaxFidgets,
		maxRefs:    defaultMaxRefs,
	}
	for i := range t.levels {
		t.levels[i] = make(map[string]PeerRef)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// FromSnapshot rebuilds a table from a snapshot and validates it.
func FromSnapshot(s Snapshot, opts ...Option) (*Table, error) {
	if s.Local.IsZero() {
		return nil, fmt.Errorf("snapshot has no local peer: %w", pkg.ErrNilPeer)
	}
	if err := checkDuplicates(s); err != nil {
		return nil, err
	}
	t := NewTable(s.Local, opts...)
	for _, f := range s.Fidgets {
		if err := t.AddFidget(f); err != nil {
			return nil, err
		}
	}
	for i, level := range s.Levels {
		if i >= len(t.levels) {
			return nil, fmt.Errorf("snapshot has %d levels for path %q", len(s.Levels), s.Local.Path)
		}
		if err := t.AddLevel(i, level...); err != nil {
			return nil, err
		}
	}
	if err := t.AddReplica(s.Replicas...); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// checkDuplicates rejects a snapshot naming one peer in two slots. Inserting
// such a snapshot would silently evict the earlier slot.
func checkDuplicates(s Snapshot) error {
	seen := map[string]string{s.Local.ID: "local"}
	check := func(p PeerRef, where string) error {
		if prev, dup := seen[p.ID]; dup {
			return fmt.Errorf("%w: peer %s in both %s and %s", pkg.ErrProtocolViolation, shortID(p.ID), prev, where)
		}
		seen[p.ID] = where
		return nil
	}
	for i, level := range s.Levels {
		for _, p := range level {
			if err := check(p, fmt.Sprintf("level %d", i)); err != nil {
				return err
			}
		}
	}
	for _, p := range s.Replicas {
		if err := check(p, "replicas"); err != nil {
			return err
		}
	}
	return nil
}

// Local returns the local peer reference.
func (t *Table) Local() PeerRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.local
}

// Path returns the local path.
func (t *Table) Path() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.local.Path
}

// SetPath changes the local path if ts is newer than the current path
// timestamp. Levels are grown or truncated to the new length and every known
// reference is relocated against the new path.
func (t *Table) SetPath(path string, ts int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ts <= t.local.Timestamp || path == t.local.Path && ts == t.local.Timestamp {
		return false
	}
	t.local.Path = path
	t.local.Timestamp = ts

	switch {
	case len(t.levels) > len(path):
		t.levels = t.levels[:len(path)]
	case len(t.levels) < len(path):
		for len(t.levels) < len(path) {
			t.levels = append(t.levels, make(map[string]PeerRef))
		}
	}
	t.sweepLocked()
	return true
}

// LevelCount returns the number of levels, always the local path length.
func (t *Table) LevelCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.levels)
}

// Level returns the references at the given level ordered by ID.
func (t *Table) Level(level int) []PeerRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if level < 0 || level >= len(t.levels) {
		return nil
	}
	return sortedRefs(t.levels[level])
}

// Fidgets returns the fidget set ordered by ID.
func (t *Table) Fidgets() []PeerRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedRefs(t.fidgets)
}

// Replicas returns the replica set ordered by ID.
func (t *Table) Replicas() []PeerRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedRefs(t.replicas)
}

// Snapshot returns a deep copy of the table.
func (t *Table) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Snapshot{
		Local:    t.local,
		Fidgets:  sortedRefs(t.fidgets),
		Levels:   make([][]PeerRef, len(t.levels)),
		Replicas: sortedRefs(t.replicas),
	}
	for i, level := range t.levels {
		s.Levels[i] = sortedRefs(level)
	}
	return s
}

// Peers returns every distinct peer known to the table.
func (t *Table) Peers() []PeerRef {
	t.mu.RLock()
	defer t.mu.RUnlock()

	all := make(map[string]PeerRef, len(t.fidgets)+len(t.replicas))
	for id, p := range t.fidgets {
		all[id] = p
	}
	for _, level := range t.levels {
		for id, p := range level {
			all[id] = p
		}
	}
	for id, p := range t.replicas {
		all[id] = p
	}
	return sortedRefs(all)
}

// Lookup returns the reference known for id, if any.
func (t *Table) Lookup(id string) (PeerRef, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, _, ok := t.findLocked(id); ok {
		return p, true
	}
	p, ok := t.fidgets[id]
	return p, ok
}

// RandomAtLevel picks a uniformly random reference from the given level.
func (t *Table) RandomAtLevel(level int) (PeerRef, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if level < 0 || level >= len(t.levels) {
		return PeerRef{}, false
	}
	return t.pickLocked(sortedRefs(t.levels[level]))
}

// RandomReplica picks a uniformly random replica.
func (t *Table) RandomReplica() (PeerRef, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pickLocked(sortedRefs(t.replicas))
}

// RandomPeer picks a uniformly random peer among everything the table knows.
// It is used to choose exchange partners.
func (t *Table) RandomPeer() (PeerRef, bool) {
	peers := t.Peers()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pickLocked(peers)
}

func (t *Table) pickLocked(refs []PeerRef) (PeerRef, bool) {
	if len(refs) == 0 {
		return PeerRef{}, false
	}
	return refs[t.rng.Intn(len(refs))], true
}

// AddFidget adds a bootstrap contact. When the fidget set is full a random
// existing fidget is replaced.
func (t *Table) AddFidget(p PeerRef) error {
	if p.IsZero() {
		return pkg.ErrNilPeer
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.addFidgetLocked(p)
	return nil
}

// AddLevel adds peers to the given level, evicting them from the replicas
// and from any other level first.
func (t *Table) AddLevel(level int, peers ...PeerRef) error {
	for _, p := range peers {
		if p.IsZero() {
			return pkg.ErrNilPeer
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if level < 0 || level >= len(t.levels) {
		return fmt.Errorf("level %d out of range for path %q", level, t.local.Path)
	}
	for _, p := range peers {
		t.addLevelLocked(level, p)
	}
	return nil
}

// AddReplica adds peers to the replica set, evicting them from the levels first.
func (t *Table) AddReplica(peers ...PeerRef) error {
	for _, p := range peers {
		if p.IsZero() {
			return pkg.ErrNilPeer
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range peers {
		t.addReplicaLocked(p)
	}
	return nil
}

// SetLevel replaces the content of a level.
func (t *Table) SetLevel(level int, peers []PeerRef) error {
	for _, p := range peers {
		if p.IsZero() {
			return pkg.ErrNilPeer
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if level < 0 || level >= len(t.levels) {
		return fmt.Errorf("level %d out of range for path %q", level, t.local.Path)
	}
	t.levels[level] = make(map[string]PeerRef, len(peers))
	for _, p := range peers {
		t.addLevelLocked(level, p)
	}
	return nil
}

// SetReplicas replaces the replica set.
func (t *Table) SetReplicas(peers []PeerRef) error {
	for _, p := range peers {
		if p.IsZero() {
			return pkg.ErrNilPeer
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.replicas = make(map[string]PeerRef, len(peers))
	for _, p := range peers {
		t.addReplicaLocked(p)
	}
	return nil
}

// RemoveLevel removes the peer from whichever level holds it.
func (t *Table) RemoveLevel(p PeerRef) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, level := range t.levels {
		if _, ok := level[p.ID]; ok {
			delete(level, p.ID)
			return true
		}
	}
	return false
}

// RemoveReplica removes the peer from the replica set.
func (t *Table) RemoveReplica(p PeerRef) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.replicas[p.ID]; ok {
		delete(t.replicas, p.ID)
		return true
	}
	return false
}

// Union merges every collection of other into this table without truncation.
func (t *Table) Union(other Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, f := range other.Fidgets {
		if f.IsZero() || f.ID == t.local.ID {
			continue
		}
		if known, ok := t.fidgets[f.ID]; ok {
			t.fidgets[f.ID], _ = merge(known, f)
		} else {
			t.fidgets[f.ID] = f
		}
	}
	for i := 0; i < len(other.Levels) && i < len(t.levels); i++ {
		for _, p := range other.Levels[i] {
			t.addLevelLocked(i, p)
		}
	}
	for _, p := range other.Replicas {
		t.addReplicaLocked(p)
	}
}

// UnionLevel merges peers into the given level without truncation.
func (t *Table) UnionLevel(level int, peers []PeerRef) error {
	return t.AddLevel(level, peers...)
}

// Refresh reconciles this table with the table of an exchange partner:
//
//  1. fidgets become a random subset (at most maxFidgets) of both fidget sets;
//  2. every level below commonLen becomes a random subset (at most maxRefs) of
//     the union of both levels;
//  3. if both paths extend past commonLen the remote peer is registered at
//     level commonLen; if both paths end at commonLen the remote peer and its
//     replicas become replicas;
//  4. every other reference of the partner with a known path is placed where
//     it fits, which is how peers sharing a path find each other;
//  5. every reference with a known path is relocated against the local path.
//
// The partner itself always joins the fidget pool.
func (t *Table) Refresh(remote Snapshot, commonLen, localPathLen, remotePathLen, maxFidgets, maxRefs int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pool := make(map[string]PeerRef, len(t.fidgets)+len(remote.Fidgets))
	for id, f := range t.fidgets {
		pool[id] = f
	}
	for _, f := range remote.Fidgets {
		t.poolAddLocked(pool, f)
	}
	t.poolAddLocked(pool, remote.Local)
	t.fidgets = t.sampleLocked(pool, maxFidgets)

	for i := 0; i < commonLen && i < len(t.levels); i++ {
		pool := make(map[string]PeerRef, len(t.levels[i]))
		for id, p := range t.levels[i] {
			pool[id] = p
		}
		if i < len(remote.Levels) {
			for _, p := range remote.Levels[i] {
				t.poolAddLocked(pool, p)
			}
		}
		kept := t.sampleLocked(pool, maxRefs)
		for id := range kept {
			t.evictLocked(id)
		}
		t.levels[i] = kept
	}

	if !remote.Local.IsZero() && remote.Local.ID != t.local.ID {
		switch {
		case localPathLen > commonLen && remotePathLen > commonLen && commonLen < len(t.levels):
			t.addLevelLocked(commonLen, remote.Local)
		case localPathLen == commonLen && remotePathLen == commonLen:
			t.addReplicaLocked(remote.Local)
			for _, r := range remote.Replicas {
				t.addReplicaLocked(r)
			}
		}
	}

	for _, p := range remoteRefs(remote) {
		if p.ID == t.local.ID {
			continue
		}
		if _, _, known := t.findLocked(p.ID); known {
			continue
		}
		t.placeLocked(p, true)
	}

	t.sweepLocked()
}

// remoteRefs lists every reference a snapshot holds outside its fidgets.
func remoteRefs(s Snapshot) []PeerRef {
	var refs []PeerRef
	for _, level := range s.Levels {
		refs = append(refs, level...)
	}
	return append(refs, s.Replicas...)
}

// Observe passively absorbs a reference carried by any message. Known peers
// are updated when the reference is newer and relocated if their path moved.
// Unknown peers with a known path are placed if their slot has room and kept
// as fidgets otherwise.
func (t *Table) Observe(p PeerRef) bool {
	if p.IsZero() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if p.ID == t.local.ID {
		return false
	}

	if f, ok := t.fidgets[p.ID]; ok {
		t.fidgets[p.ID], _ = merge(f, p)
	}

	known, _, ok := t.findLocked(p.ID)
	if ok {
		merged, changed := merge(known, p)
		if !changed {
			return false
		}
		t.evictLocked(p.ID)
		t.placeLocked(merged, false)
		return true
	}

	if p.Timestamp == 0 {
		return false
	}
	if t.placeLocked(p, true) {
		return true
	}
	if _, ok := t.fidgets[p.ID]; ok {
		return false
	}
	t.addFidgetLocked(p)
	return true
}

// addFidgetLocked adds or refreshes a fidget, replacing a random one when
// the set is full.
func (t *Table) addFidgetLocked(p PeerRef) {
	if p.IsZero() || p.ID == t.local.ID {
		return
	}
	if known, ok := t.fidgets[p.ID]; ok {
		t.fidgets[p.ID], _ = merge(known, p)
		return
	}
	if t.maxFidgets <= 0 {
		return
	}
	if len(t.fidgets) >= t.maxFidgets {
		victims := sortedRefs(t.fidgets)
		delete(t.fidgets, victims[t.rng.Intn(len(victims))].ID)
	}
	t.fidgets[p.ID] = p
}

// Validate checks the structural invariants of the table.
func (t *Table) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.levels) != len(t.local.Path) {
		return fmt.Errorf("%w: %d levels for path %q", pkg.ErrProtocolViolation, len(t.levels), t.local.Path)
	}
	seen := make(map[string]string)
	check := func(p PeerRef, where string) error {
		if p.IsZero() {
			return fmt.Errorf("%w: empty reference in %s", pkg.ErrProtocolViolation, where)
		}
		if p.ID == t.local.ID {
			return fmt.Errorf("%w: local peer referenced in %s", pkg.ErrProtocolViolation, where)
		}
		if prev, dup := seen[p.ID]; dup {
			return fmt.Errorf("%w: peer %s in both %s and %s", pkg.ErrProtocolViolation, shortID(p.ID), prev, where)
		}
		seen[p.ID] = where
		return nil
	}

	for i, level := range t.levels {
		where := fmt.Sprintf("level %d", i)
		for _, p := range level {
			if err := check(p, where); err != nil {
				return err
			}
			if p.Timestamp != 0 && (keyspace.CommonPrefixLen(t.local.Path, p.Path) != i || len(p.Path) <= i) {
				return fmt.Errorf("%w: peer %s with path %q misplaced at %s", pkg.ErrProtocolViolation, shortID(p.ID), p.Path, where)
			}
		}
	}
	for _, p := range t.replicas {
		if err := check(p, "replicas"); err != nil {
			return err
		}
		if p.Timestamp != 0 && p.Path != t.local.Path {
			return fmt.Errorf("%w: replica %s has path %q, local path is %q", pkg.ErrProtocolViolation, shortID(p.ID), p.Path, t.local.Path)
		}
	}
	for _, f := range t.fidgets {
		if f.IsZero() || f.ID == t.local.ID {
			return fmt.Errorf("%w: invalid fidget %s", pkg.ErrProtocolViolation, f)
		}
	}
	return nil
}

// Stats summarizes the table for diagnostics.
type Stats struct {
	Path     string `json:"path"`
	Fidgets  int    `json:"fidgets"`
	Levels   []int  `json:"levels"`
	Replicas int    `json:"replicas"`
}

// Stats returns the size of every collection.
func (t *Table) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Stats{
		Path:     t.local.Path,
		Fidgets:  len(t.fidgets),
		Levels:   make([]int, len(t.levels)),
		Replicas: len(t.replicas),
	}
	for i, level := range t.levels {
		s.Levels[i] = len(level)
	}
	return s
}

// slot kinds returned by findLocked
const (
	slotNone = iota
	slotLevel
	slotReplica
)

func (t *Table) findLocked(id string) (PeerRef, int, bool) {
	for _, level := range t.levels {
		if p, ok := level[id]; ok {
			return p, slotLevel, true
		}
	}
	if p, ok := t.replicas[id]; ok {
		return p, slotReplica, true
	}
	return PeerRef{}, slotNone, false
}

func (t *Table) evictLocked(id string) {
	for _, level := range t.levels {
		delete(level, id)
	}
	delete(t.replicas, id)
}

func (t *Table) addLevelLocked(level int, p PeerRef) {
	if p.IsZero() || p.ID == t.local.ID {
		return
	}
	if known, _, ok := t.findLocked(p.ID); ok {
		p, _ = merge(known, p)
	}
	t.evictLocked(p.ID)
	t.levels[level][p.ID] = p
}

func (t *Table) addReplicaLocked(p PeerRef) {
	if p.IsZero() || p.ID == t.local.ID {
		return
	}
	if known, _, ok := t.findLocked(p.ID); ok {
		p, _ = merge(known, p)
	}
	t.evictLocked(p.ID)
	t.replicas[p.ID] = p
}

// poolAddLocked merges p into a sampling pool, skipping the local peer.
func (t *Table) poolAddLocked(pool map[string]PeerRef, p PeerRef) {
	if p.IsZero() || p.ID == t.local.ID {
		return
	}
	if known, ok := pool[p.ID]; ok {
		pool[p.ID], _ = merge(known, p)
		return
	}
	pool[p.ID] = p
}

// sampleLocked keeps a uniformly random subset of at most n references.
// The pool is sorted before shuffling so that a seeded source is reproducible.
func (t *Table) sampleLocked(pool map[string]PeerRef, n int) map[string]PeerRef {
	refs := sortedRefs(pool)
	if n < 0 {
		n = 0
	}
	if len(refs) > n {
		t.rng.Shuffle(len(refs), func(i, j int) { refs[i], refs[j] = refs[j], refs[i] })
		refs = refs[:n]
	}
	out := make(map[string]PeerRef, len(refs))
	for _, p := range refs {
		out[p.ID] = p
	}
	return out
}

// placeLocked puts a reference into the slot its path dictates. With bounded
// set, a full level rejects the reference.
func (t *Table) placeLocked(p PeerRef, bounded bool) bool {
	if p.Timestamp == 0 {
		return false
	}
	c := keyspace.CommonPrefixLen(t.local.Path, p.Path)
	switch {
	case p.Path == t.local.Path:
		t.replicas[p.ID] = p
		return true
	case c < len(t.local.Path) && c < len(p.Path):
		if bounded && len(t.levels[c]) >= t.maxRefs {
			return false
		}
		t.levels[c][p.ID] = p
		return true
	default:
		return false
	}
}

// sweepLocked relocates every reference with a known path: to the level where
// it diverges, to the replicas when the paths are identical, or out of the
// table when one path is a proper prefix of the other.
func (t *Table) sweepLocked() {
	var moved []PeerRef
	for i, level := range t.levels {
		for id, p := range level {
			if p.Timestamp == 0 {
				continue
			}
			c := keyspace.CommonPrefixLen(t.local.Path, p.Path)
			if c == i && len(p.Path) > i {
				continue
			}
			delete(level, id)
			moved = append(moved, p)
		}
	}
	for id, p := range t.replicas {
		if p.Timestamp == 0 || p.Path == t.local.Path {
			continue
		}
		delete(t.replicas, id)
		moved = append(moved, p)
	}
	for _, p := range moved {
		t.placeLocked(p, false)
	}
}
