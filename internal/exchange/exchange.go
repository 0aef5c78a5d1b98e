package exchange

import (
	"fmt"
	"sync"
	"time"

	"github.com/zde37/pgrid/internal/message"
	"github.com/zde37/pgrid/internal/routing"
)

// State is the lifecycle state of one exchange.
type State int

// Exchange states.
const (
	StateInit State = iota
	StateRunning
	StateFinished
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateFinished:
		return "FINISHED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Exchange is one invitation/reply interaction with a remote peer. It is
// created, driven to FINISHED and discarded.
type Exchange struct {
	GUID      string
	Initiator bool
	Remote    routing.PeerRef
	Recursion int
	CommonLen int
	Created   time.Time

	mu    sync.Mutex
	state State
	own   *message.Reply // the reply this side sent, kept until the decision
}

func newExchange(guid string, initiator bool, remote routing.PeerRef, recursion, commonLen int, now time.Time) *Exchange {
	return &Exchange{
		GUID:      guid,
		Initiator: initiator,
		Remote:    remote,
		Recursion: recursion,
		CommonLen: commonLen,
		Created:   now,
		state:     StateInit,
	}
}

// State returns the current state.
func (x *Exchange) State() State {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// advance moves the exchange forward; states never go back.
func (x *Exchange) advance(to State) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if to <= x.state {
		return fmt.Errorf("exchange %s: cannot move from %s to %s", x.GUID, x.state, to)
	}
	x.state = to
	return nil
}

// finish marks the exchange FINISHED whatever its current state.
func (x *Exchange) finish() {
	x.mu.Lock()
	x.state = StateFinished
	x.mu.Unlock()
}
