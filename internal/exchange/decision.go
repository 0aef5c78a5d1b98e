package exchange

import (
	"github.com/zde37/pgrid/internal/keyspace"
	"github.com/zde37/pgrid/internal/metrics"
	"github.com/zde37/pgrid/internal/routing"
)

// Side is what one participant contributes to an exchange decision.
type Side struct {
	Peer       routing.PeerRef
	Count      int     // items held under its own path
	MinStorage int     // split threshold it advertises
	Random     float64 // tie-break for bit assignment
	Replicas   int     // replica estimate, itself included
}

// Policy holds the knobs of the decision.
type Policy struct {
	MaxRecursion       int
	ReplicationBalance bool
}

// Outcome summarizes what a decision does to the two paths.
type Outcome string

// Decision outcomes.
const (
	OutcomeReferences Outcome = "references" // paths unchanged, tables merged
	OutcomeReplicated Outcome = "replicated" // identical paths, data unioned
	OutcomeSplit      Outcome = "split"      // identical paths extended by opposite bits
	OutcomeExtended   Outcome = "extended"   // the shorter path extended by the complement
	OutcomeRecurse    Outcome = "recurse"    // the shorter peer continues with a deeper contact
	OutcomeAdopted    Outcome = "adopted"    // the shorter peer became a replica of the longer one
)

// Decision is the result of Decide from the local point of view.
type Decision struct {
	Cases      []string // counted decision cases, most specific last
	Outcome    Outcome
	CommonLen  int    // common prefix length of the paths before the exchange
	LocalPath  string // local path after the exchange
	RemotePath string // remote path after the exchange
	Recurse    bool   // the local peer must continue with a remote level reference
}

// Decide applies the exchange decision table to the two sides. It is
// deterministic and symmetric: Decide(a, b) and Decide(b, a) agree on the
// resulting pair of paths, so both peers reach the same outcome independently.
func Decide(local, remote Side, recursion int, p Policy) Decision {
	lp, rp := local.Peer.Path, remote.Peer.Path
	c := keyspace.CommonPrefixLen(lp, rp)
	d := Decision{CommonLen: c, LocalPath: lp, RemotePath: rp, Outcome: OutcomeReferences}

	threshold := local.MinStorage
	if remote.MinStorage < threshold {
		threshold = remote.MinStorage
	}
	enough := local.Count >= threshold && remote.Count >= threshold
	budget := recursion < p.MaxRecursion

	switch {
	case c < len(lp) && c < len(rp):
		// diverged: only references are exchanged

	case len(lp) == len(rp):
		d.Cases = append(d.Cases, metrics.CaseSamePath)
		if !enough || !budget {
			d.Outcome = OutcomeReplicated
			break
		}
		d.Cases = append(d.Cases, metrics.CaseSplit)
		d.Outcome = OutcomeSplit
		if takesZero(local, remote) {
			d.Cases = append(d.Cases, metrics.CaseSplitLocalLow)
			d.LocalPath, d.RemotePath = lp+"0", rp+"1"
		} else {
			d.Cases = append(d.Cases, metrics.CaseSplitLocalHi)
			d.LocalPath, d.RemotePath = lp+"1", rp+"0"
		}

	case len(lp) < len(rp):
		d.Cases = append(d.Cases, metrics.CaseLocalShorter)
		switch {
		case enough && budget:
			d.Cases = append(d.Cases, metrics.CaseLocalExtends)
			d.Outcome = OutcomeExtended
			d.LocalPath = lp + string(keyspace.Flip(rp[c]))
		case budget:
			d.Cases = append(d.Cases, metrics.CaseLocalRecurse)
			d.Outcome = OutcomeRecurse
			d.Recurse = true
		case p.ReplicationBalance && remote.Replicas < local.Replicas:
			d.Outcome = OutcomeAdopted
			d.LocalPath = rp
		}

	default:
		d.Cases = append(d.Cases, metrics.CaseRemoteShorter)
		switch {
		case enough && budget:
			d.Cases = append(d.Cases, metrics.CaseRemoteExtends)
			d.Outcome = OutcomeExtended
			d.RemotePath = rp + string(keyspace.Flip(lp[c]))
		case budget:
			d.Cases = append(d.Cases, metrics.CaseRemoteRecurse)
			d.Outcome = OutcomeRecurse
		case p.ReplicationBalance && local.Replicas < remote.Replicas:
			d.Outcome = OutcomeAdopted
			d.RemotePath = lp
		}
	}
	return d
}

// takesZero reports whether the local side takes bit 0 in a split. The higher
// random number wins bit 0; the lower peer ID breaks an exact tie.
func takesZero(local, remote Side) bool {
	if local.Random != remote.Random {
		return local.Random > remote.Random
	}
	return local.Peer.ID < remote.Peer.ID
}
