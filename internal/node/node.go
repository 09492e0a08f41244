// Package node wires the Paxos engine, the RSM driver, and the game state
// machine into a single confinement point: every mutation runs on one
// goroutine's work queue, so none of the wired-together packages need their
// own locking.
package node

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/koneko096/were-wolves/internal/game"
	"github.com/koneko096/were-wolves/internal/paxos"
	"github.com/koneko096/were-wolves/internal/rsmlog"
	"github.com/koneko096/were-wolves/internal/status"
)

// Broadcaster is the transport capability the Paxos engine needs to reach
// every peer; satisfied by *transport.UDP without this package importing
// transport directly, keeping the dependency direction leaf-ward.
type Broadcaster interface {
	Broadcast(paxos.Frame)
}

// StatusPublisher receives one event per decided command, in slot order.
// Satisfied by *status.Feed with no adapter needed.
type StatusPublisher interface {
	Publish(status.Event)
}

// PhaseObserver is notified synchronously, from the actor loop, whenever a
// decided command moves the game into the Day phase; other phase changes
// are not reported. newPhase is the phase just entered; aliveIDs is the
// alive player set at that moment.
type PhaseObserver interface {
	PhaseChanged(newPhase game.Phase, aliveIDs []int)
}

// Node is the single-threaded actor a CLI or test drives. Submit, Reset,
// Deliver, Snapshot, StateDigest and InLobbyPhase enqueue work onto Run and
// block for the result; Broadcast, Quorum and OnDecided are the paxos.Host
// callbacks the engine calls from inside that work. So the fields below are
// only ever touched from the Run goroutine.
type Node struct {
	id     int32
	bcast  Broadcaster
	engine *paxos.Engine
	driver *rsmlog.Driver
	state  *game.State

	quorum    func() int
	publisher StatusPublisher
	observer  PhaseObserver

	work chan func()
	quit chan struct{}
}

// New constructs a Node for nodeID, broadcasting Paxos traffic over bcast
// and computing quorum from quorumFn (typically (peer-count+1)/2+1,
// reported live by the transport layer since membership can change before
// a game starts). publisher and observer may both be nil, in which case
// decided commands are applied without streaming them anywhere.
func New(nodeID int32, bcast Broadcaster, quorumFn func() int, knownPlayers []int, publisher StatusPublisher, observer PhaseObserver) *Node {
	n := &Node{
		id:        nodeID,
		bcast:     bcast,
		state:     game.New(knownPlayers),
		quorum:    quorumFn,
		publisher: publisher,
		observer:  observer,
		work:      make(chan func()),
		quit:      make(chan struct{}),
	}
	n.engine = paxos.NewEngine(nodeID, n)
	n.driver = rsmlog.New(n.engine, applierFunc(n.applyLocked), func(format string, args ...interface{}) {
		log.Printf("[node %d] "+format, append([]interface{}{nodeID}, args...)...)
	})
	return n
}

// applierFunc adapts a plain function to rsmlog.Applier.
type applierFunc func(int32, string) error

func (f applierFunc) Apply(slot int32, cmd string) error { return f(slot, cmd) }

// applyLocked applies one decided command to the game state, then drives
// everything downstream of that application that must happen on the actor
// goroutine: the distinguished-proposer auto-start, the status feed
// publish, and the Day-phase voice notification. It runs on the actor
// goroutine by construction (called from rsmlog.Driver.OnDecided, itself
// only ever invoked from Node.OnDecided, the paxos.Host callback the engine
// fires from Propose or Deliver inside n.do), so it must
// never call n.do or n.Submit — only the driver/engine directly.
func (n *Node) applyLocked(slot int32, cmd string) error {
	beforePhase := n.state.Phase
	err := n.state.Apply(cmd)

	if strings.HasPrefix(cmd, "VOTE_START:") {
		n.maybeAutoStart()
	}

	n.publish(slot, cmd)

	if n.observer != nil && beforePhase != game.Day && n.state.Phase == game.Day {
		n.observer.PhaseChanged(game.Day, n.state.AliveIDs())
	}

	return err
}

// maybeAutoStart submits START_GAME once every known player has voted
// ready, but only from the distinguished proposer (the lowest known
// player id) — the sole node game.State.ReadyToStart authorizes to do so.
// A command already pending (e.g. our own just-decided VOTE_START is still
// draining through a displaced-retry) means this node has nothing to add
// right now; the next VOTE_START application will check again.
func (n *Node) maybeAutoStart() {
	if !n.state.ReadyToStart(int(n.id)) {
		return
	}
	if n.driver.HasPending() {
		return
	}
	if err := n.driver.Submit("START_GAME"); err != nil {
		log.Printf("[node %d] auto-start: %v", n.id, err)
	}
}

// publish streams the just-applied command to the status feed, tagged
// with the resulting state digest so a dashboard can flag divergence.
func (n *Node) publish(slot int32, cmd string) {
	if n.publisher == nil {
		return
	}
	d := digest(n.snapshotLocked())
	n.publisher.Publish(status.Event{
		Slot:   slot,
		Value:  cmd,
		Digest: fmt.Sprintf("%x", d),
	})
}

// Broadcast implements paxos.Host by forwarding to the underlying
// transport.
func (n *Node) Broadcast(f paxos.Frame) { n.bcast.Broadcast(f) }

// Quorum implements paxos.Host.
func (n *Node) Quorum() int { return n.quorum() }

// OnDecided implements paxos.Host, handing the decided value to the RSM
// driver for buffering and application.
func (n *Node) OnDecided(slot int32, value string) { n.driver.OnDecided(slot, value) }

// InLobbyPhase reports whether this node's local view is still in the
// Lobby phase, the only time new players may join over the handshake
// listener.
func (n *Node) InLobbyPhase() bool {
	var inLobby bool
	n.do(func() { inLobby = n.state.Phase == game.Lobby })
	return inLobby
}

// Run drains the actor's work queue until Stop is called. Call it from its
// own goroutine; every other exported method is safe to call concurrently
// because it only ever hands a closure to this loop.
func (n *Node) Run() {
	for {
		select {
		case fn := <-n.work:
			fn()
		case <-n.quit:
			return
		}
	}
}

// Stop halts Run.
func (n *Node) Stop() { close(n.quit) }

// do enqueues fn on the actor loop and blocks until it has run.
func (n *Node) do(fn func()) {
	done := make(chan struct{})
	n.work <- func() {
		fn()
		close(done)
	}
	<-done
}

// Submit drives a new local command into the replicated log. It fails if
// this node already has a command pending.
func (n *Node) Submit(cmd string) error {
	var err error
	n.do(func() { err = n.driver.Submit(cmd) })
	return err
}

// Reset submits a replicated RESET_GAME command carrying the given player
// ids, the only way membership resyncs once frozen by START_GAME.
func (n *Node) Reset(playerIDs []int) error {
	ids := make([]int, len(playerIDs))
	copy(ids, playerIDs)
	sort.Ints(ids)
	cmd := "RESET_GAME:"
	for i, id := range ids {
		if i > 0 {
			cmd += ","
		}
		cmd += fmt.Sprintf("%d", id)
	}
	return n.Submit(cmd)
}

// Deliver feeds a frame received from the network into the Paxos engine.
func (n *Node) Deliver(f paxos.Frame) {
	n.do(func() { n.engine.Deliver(f) })
}

// Snapshot is a read-only copy of the current game state for the status
// feed and CLI to render without reaching into the actor's internals.
type Snapshot struct {
	Phase          game.Phase
	Roles          map[int]game.Role
	Alive          map[int]bool
	Winner         string
	NextOpenSlot   int32
	LastEliminated int
}

// Snapshot copies out the current state under the actor's confinement.
func (n *Node) Snapshot() Snapshot {
	var snap Snapshot
	n.do(func() { snap = n.snapshotLocked() })
	return snap
}

// snapshotLocked builds a Snapshot directly, without going through do —
// for callers already running on the actor goroutine (applyLocked).
func (n *Node) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:          n.state.Phase,
		Roles:          copyRoles(n.state.Roles),
		Alive:          copyAlive(n.state.Alive),
		Winner:         n.state.Winner,
		NextOpenSlot:   n.driver.NextOpenSlot(),
		LastEliminated: n.state.LastEliminated,
	}
}

func copyRoles(m map[int]game.Role) map[int]game.Role {
	out := make(map[int]game.Role, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyAlive(m map[int]bool) map[int]bool {
	out := make(map[int]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StateDigest returns a blake2b-256 hash over a canonical encoding of the
// current phase, roles, alive set, and winner. Two nodes that have applied
// the same decided prefix produce the same digest; it exists so tests and
// the status feed can flag divergence without comparing full state trees.
func (n *Node) StateDigest() [32]byte {
	var snap Snapshot
	n.do(func() { snap = n.snapshotLocked() })
	return digest(snap)
}

func digest(s Snapshot) [32]byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only errors on a bad key length, and nil always
		// satisfies that, so this path is unreachable.
		panic(err)
	}
	fmt.Fprintf(h, "phase=%d;winner=%s;", s.Phase, s.Winner)

	roleIDs := make([]int, 0, len(s.Roles))
	for id := range s.Roles {
		roleIDs = append(roleIDs, id)
	}
	sort.Ints(roleIDs)
	for _, id := range roleIDs {
		fmt.Fprintf(h, "role:%d=%d;", id, s.Roles[id])
	}

	aliveIDs := make([]int, 0, len(s.Alive))
	for id := range s.Alive {
		aliveIDs = append(aliveIDs, id)
	}
	sort.Ints(aliveIDs)
	for _, id := range aliveIDs {
		fmt.Fprintf(h, "alive:%d=%v;", id, s.Alive[id])
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
