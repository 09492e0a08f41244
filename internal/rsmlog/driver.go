// Package rsmlog is the RSM driver: it turns a local application intent
// into an entry in the committed log despite competing concurrent
// proposers, and feeds decided values to the application state machine in
// strict slot order.
package rsmlog

import "fmt"

// Proposer is the subset of the Paxos engine the driver depends on.
type Proposer interface {
	Propose(slot int32, value string)
}

// Applier is the subset of the application state machine the driver feeds
// decided commands to, in ascending slot order. The slot is passed through
// alongside the command so the application layer can correlate an applied
// command with its position in the log (the status feed's Event, for
// instance, reports both).
type Applier interface {
	Apply(slot int32, cmd string) error
}

// Driver tracks nextOpenSlot and at most one local pending command. Decided
// slots are buffered in pending and applied to the application machine only
// once they become prefix-contiguous with appliedThrough — a slot learned
// out of order does not jump the queue.
type Driver struct {
	engine Proposer
	app    Applier
	logf   func(format string, args ...interface{})

	nextOpenSlot int32
	pendingValue string
	pendingSlot  int32
	hasPending   bool

	pending        map[int32]string
	appliedThrough int32
}

// New creates a driver starting at slot 1, targeting engine for proposals
// and app for command application. logf may be nil, in which case the
// driver logs nothing.
func New(engine Proposer, app Applier, logf func(string, ...interface{})) *Driver {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Driver{
		engine:       engine,
		app:          app,
		logf:         logf,
		nextOpenSlot: 1,
		pending:      make(map[int32]string),
	}
}

// Submit drives command into the log. It is a caller error to submit while
// another command is pending; the caller (application layer) is expected
// to reject concurrent submissions before reaching here.
func (d *Driver) Submit(command string) error {
	if d.hasPending {
		return fmt.Errorf("rsmlog: a command is already pending: %q", d.pendingValue)
	}
	d.pendingValue = command
	d.pendingSlot = d.nextOpenSlot
	d.hasPending = true
	d.engine.Propose(d.pendingSlot, command)
	return nil
}

// NextOpenSlot reports the smallest slot this driver will target next for
// its own proposals.
func (d *Driver) NextOpenSlot() int32 { return d.nextOpenSlot }

// HasPending reports whether a local command is currently being driven to
// consensus.
func (d *Driver) HasPending() bool { return d.hasPending }

// OnDecided is the Paxos engine's decision callback. It advances
// nextOpenSlot, buffers the value, drains any now-contiguous prefix into
// the application, and — if the decided slot is the one this driver's
// pending command targeted — either clears the pending command (it won)
// or resubmits it into the new nextOpenSlot (it was displaced).
func (d *Driver) OnDecided(slot int32, value string) {
	if slot >= d.nextOpenSlot {
		d.nextOpenSlot = slot + 1
	}
	d.pending[slot] = value

	// Resolve this driver's own pending command before draining: drain
	// calls into the application layer, which may itself submit a new
	// command (e.g. an auto-started game) on this same call stack, and
	// that resubmission path needs hasPending to already reflect this
	// decision rather than the stale pre-decision state.
	if d.hasPending && slot == d.pendingSlot {
		if value == d.pendingValue {
			d.hasPending = false
			d.pendingValue = ""
		} else {
			d.logf("rsmlog: slot %d taken by a competitor, resubmitting into slot %d", slot, d.nextOpenSlot)
			d.pendingSlot = d.nextOpenSlot
			d.engine.Propose(d.pendingSlot, d.pendingValue)
		}
	}

	d.drain()
}

// drain applies every contiguous decided slot starting from
// appliedThrough+1, stopping at the first gap.
func (d *Driver) drain() {
	for {
		slot := d.appliedThrough + 1
		value, ok := d.pending[slot]
		if !ok {
			return
		}
		delete(d.pending, slot)
		if err := d.app.Apply(slot, value); err != nil {
			d.logf("rsmlog: slot %d: %v", slot, err)
		}
		d.appliedThrough = slot
	}
}
