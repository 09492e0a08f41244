// Package paxos implements an independent-per-slot Paxos engine: Prepare,
// Promise, Accept, Accepted, proposal-number generation, quorum tracking,
// and loopback self-delivery. It is deliberately ignorant of the network —
// it is handed a Host capability set at construction and never touches a
// socket.
package paxos

import (
	"log"
	"sync"
	"time"
)

// Host is the small capability set the engine requires from whatever is
// hosting it: a way to broadcast a frame, a place to log, and a callback
// fired exactly once per slot when that slot's value is chosen. Injecting
// this at construction avoids any process-wide subscription machinery.
type Host interface {
	// Broadcast delivers frame to every currently connected peer. It does
	// NOT need to loop back to the local engine — the engine does that
	// itself before calling Broadcast, per the loopback discipline.
	Broadcast(frame Frame)
	// Quorum returns floor(N/2)+1 for the current connected-peer count,
	// evaluated fresh each time a Promise or Accepted is tallied.
	Quorum() int
	// OnDecided fires exactly once per slot, the moment a quorum of
	// Accepted messages has been observed.
	OnDecided(slot int32, value string)
}

// slotState is the per-slot Paxos state described in the data model. It is
// created lazily on first reference to a slot.
type slotState struct {
	highestPromised   int64
	acceptedID        int64
	acceptedValue     string
	promiseCount      int
	phase2Started     bool
	myProposedValue   string
	bestAcceptedID    int64
	bestAcceptedValue string
	acceptedCount     int
	consensusReached  bool

	// currentRoundID is the proposal id this node is currently trying to
	// get chosen, if any. Promises for any other id are stale and ignored.
	currentRoundID int64
}

func newSlotState() *slotState {
	return &slotState{highestPromised: -1, acceptedID: -1, bestAcceptedID: -1}
}

// Engine maintains one independent Paxos instance per integer slot. All
// methods are intended to be called from a single logical executor (per the
// concurrency model in spec §5); Engine itself holds a mutex only to guard
// against callers that haven't adopted that discipline, not because it
// expects concurrent callers.
type Engine struct {
	mu     sync.Mutex
	nodeID int32
	host   Host

	slots map[int32]*slotState

	lastTicks int64

	// pending accumulates OnDecided notifications raised while mu is held,
	// so they can be fired after Unlock. A slot's decision often triggers
	// the host to call straight back into Propose (the RSM driver
	// resubmitting a displaced command) — firing OnDecided under the lock
	// would deadlock that reentrant call against sync.Mutex's
	// non-reentrancy.
	pending []decidedNote
}

type decidedNote struct {
	slot  int32
	value string
}

const nodeIDBits = 20
const nodeIDMask = (1 << nodeIDBits) - 1

// NewEngine creates a Paxos engine for the given node id, bound to host.
func NewEngine(nodeID int32, host Host) *Engine {
	return &Engine{
		nodeID: nodeID,
		host:   host,
		slots:  make(map[int32]*slotState),
	}
}

func (e *Engine) slot(s int32) *slotState {
	st, ok := e.slots[s]
	if !ok {
		st = newSlotState()
		e.slots[s] = st
	}
	return st
}

// nextProposalID mints a proposal id ordered lexicographically as
// (wall_clock_ticks, node_id). Ticks are milliseconds since the epoch,
// bumped forward by one whenever the clock fails to advance, so the result
// is strictly monotonic per engine even under a coarse or stalled clock.
// The low nodeIDBits bits carry the node id as a tiebreak; a proposal
// number is never reused because ticks only ever increase.
func (e *Engine) nextProposalID() int64 {
	now := time.Now().UnixMilli()
	if now <= e.lastTicks {
		now = e.lastTicks + 1
	}
	e.lastTicks = now
	return now<<nodeIDBits | int64(uint32(e.nodeID)&nodeIDMask)
}

// Propose initiates or restarts Phase 1 for slot with a freshly minted
// proposal number. A no-op if the slot is already decided: the engine must
// never overwrite a chosen value.
func (e *Engine) Propose(slot int32, value string) {
	e.mu.Lock()
	e.propose(slot, value)
	notes := e.drainPending()
	e.mu.Unlock()
	e.fire(notes)
}

func (e *Engine) propose(slot int32, value string) {
	st := e.slot(slot)
	if st.consensusReached {
		return
	}

	id := e.nextProposalID()
	st.promiseCount = 0
	st.phase2Started = false
	st.myProposedValue = value
	st.bestAcceptedID = -1
	st.bestAcceptedValue = ""
	st.currentRoundID = id

	e.broadcast(Frame{
		Phase:      Prepare,
		Slot:       slot,
		Sender:     e.nodeID,
		ProposalID: id,
	})
}

// broadcast implements the loopback discipline: the frame is delivered to
// this engine's own handler synchronously, before it ever reaches the
// network. This lets a single node satisfy quorum with itself and keeps the
// acceptor/proposer/learner code paths symmetric. mu is released while the
// host sends, so a host that delivers replies synchronously (re-entering
// Deliver on this engine) does not deadlock; every caller has finished its
// state update before it calls broadcast.
func (e *Engine) broadcast(f Frame) {
	e.handle(f)
	e.mu.Unlock()
	e.host.Broadcast(f)
	e.mu.Lock()
}

// Deliver hands an inbound frame (decoded off the wire, from a remote peer)
// to the engine. The caller is expected to be the single logical executor
// described in spec §5; Deliver does not loop back (the frame already came
// from the network).
func (e *Engine) Deliver(f Frame) {
	e.mu.Lock()
	e.handle(f)
	notes := e.drainPending()
	e.mu.Unlock()
	e.fire(notes)
}

// drainPending lifts any accumulated decided notifications out of the
// engine. Must be called with mu held; the caller fires them after Unlock.
func (e *Engine) drainPending() []decidedNote {
	if len(e.pending) == 0 {
		return nil
	}
	notes := e.pending
	e.pending = nil
	return notes
}

func (e *Engine) fire(notes []decidedNote) {
	for _, n := range notes {
		e.host.OnDecided(n.slot, n.value)
	}
}

func (e *Engine) handle(f Frame) {
	switch f.Phase {
	case Prepare:
		e.onPrepare(f)
	case Promise:
		e.onPromise(f)
	case Accept:
		e.onAccept(f)
	case Accepted:
		e.onAccepted(f)
	default:
		log.Printf("paxos: dropping frame with unknown phase %v", f.Phase)
	}
}

// onPrepare is the acceptor's reaction to Prepare.
func (e *Engine) onPrepare(f Frame) {
	st := e.slot(f.Slot)
	if st.consensusReached {
		return
	}
	if f.ProposalID <= st.highestPromised {
		// No explicit NACK: the proposer is displaced and will be retried
		// by the driver, not by this engine.
		return
	}
	st.highestPromised = f.ProposalID

	e.broadcast(Frame{
		Phase:             Promise,
		Slot:              f.Slot,
		Sender:            e.nodeID,
		ProposalID:        f.ProposalID,
		LastAcceptedID:    st.acceptedID,
		LastAcceptedValue: st.acceptedValue,
	})
}

// onPromise is the proposer's reaction to Promise. promiseCount increments
// exactly once per promise handled here — the teacher's reference doubled
// this increment, which weakens quorum to ceil(quorum/2); this is fixed per
// the design notes, not reproduced.
func (e *Engine) onPromise(f Frame) {
	st := e.slot(f.Slot)
	if st.consensusReached || st.phase2Started {
		return
	}
	// Stale promise for a round this node has since moved past.
	if f.ProposalID != st.currentRoundID {
		return
	}

	st.promiseCount++

	// Safety rule: adopt the value tied to the *maximum* last-accepted
	// proposal id seen across all promises in this round, not merely "any
	// non-empty value" (the reference's simplification, fixed here).
	if f.LastAcceptedValue != "" && f.LastAcceptedID > st.bestAcceptedID {
		st.bestAcceptedID = f.LastAcceptedID
		st.bestAcceptedValue = f.LastAcceptedValue
	}

	quorum := e.host.Quorum()
	if st.promiseCount < quorum || st.phase2Started {
		return
	}

	proposed := st.myProposedValue
	if st.bestAcceptedValue != "" {
		proposed = st.bestAcceptedValue
	}
	if proposed == "" {
		// Null-value guard: never let Phase 2 propose the empty value.
		return
	}

	st.phase2Started = true
	st.myProposedValue = proposed

	e.broadcast(Frame{
		Phase:      Accept,
		Slot:       f.Slot,
		Sender:     e.nodeID,
		ProposalID: f.ProposalID,
		Value:      proposed,
	})
}

// onAccept is the acceptor's reaction to Accept.
func (e *Engine) onAccept(f Frame) {
	st := e.slot(f.Slot)
	if st.consensusReached {
		return
	}
	if f.ProposalID < st.highestPromised {
		return
	}
	st.highestPromised = f.ProposalID
	st.acceptedID = f.ProposalID
	st.acceptedValue = f.Value

	e.broadcast(Frame{
		Phase:      Accepted,
		Slot:       f.Slot,
		Sender:     e.nodeID,
		ProposalID: f.ProposalID,
		Value:      f.Value,
	})
}

// onAccepted is the learner's reaction to Accepted.
func (e *Engine) onAccepted(f Frame) {
	st := e.slot(f.Slot)
	if st.consensusReached {
		return
	}
	if f.Value == "" {
		return
	}
	st.acceptedCount++
	if st.acceptedCount < e.host.Quorum() {
		return
	}
	st.consensusReached = true
	e.pending = append(e.pending, decidedNote{slot: f.Slot, value: f.Value})
}

// Decided reports whether slot has reached consensus locally.
func (e *Engine) Decided(slot int32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.slots[slot]
	return ok && st.consensusReached
}
