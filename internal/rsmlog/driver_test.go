package rsmlog

import "testing"

// fakeProposer lets tests control exactly when (and with what value) a slot
// decides, independent of the real Paxos engine.
type fakeProposer struct {
	proposals []struct {
		slot  int32
		value string
	}
}

func (p *fakeProposer) Propose(slot int32, value string) {
	p.proposals = append(p.proposals, struct {
		slot  int32
		value string
	}{slot, value})
}

type recordingApplier struct {
	applied []string
	slots   []int32
}

func (a *recordingApplier) Apply(slot int32, cmd string) error {
	a.applied = append(a.applied, cmd)
	a.slots = append(a.slots, slot)
	return nil
}

func TestSubmitThenWin(t *testing.T) {
	p := &fakeProposer{}
	app := &recordingApplier{}
	d := New(p, app, nil)

	if err := d.Submit("VOTE_START:101"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !d.HasPending() {
		t.Fatalf("expected a pending command")
	}

	d.OnDecided(1, "VOTE_START:101")

	if d.HasPending() {
		t.Fatalf("expected pending cleared once our value was chosen")
	}
	if len(app.applied) != 1 || app.applied[0] != "VOTE_START:101" {
		t.Fatalf("expected the command applied, got %v", app.applied)
	}
	if d.NextOpenSlot() != 2 {
		t.Fatalf("expected next open slot 2, got %d", d.NextOpenSlot())
	}
}

func TestDisplacedProposerRetries(t *testing.T) {
	p := &fakeProposer{}
	app := &recordingApplier{}
	d := New(p, app, nil)

	if err := d.Submit("B"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Slot 1 was decided for a competitor's value, not ours.
	d.OnDecided(1, "A")

	if !d.HasPending() {
		t.Fatalf("expected pending retained after displacement")
	}
	if d.NextOpenSlot() != 2 {
		t.Fatalf("expected next open slot 2 after slot 1 decided, got %d", d.NextOpenSlot())
	}
	last := p.proposals[len(p.proposals)-1]
	if last.slot != 2 || last.value != "B" {
		t.Fatalf("expected retry propose(2, B), got propose(%d, %s)", last.slot, last.value)
	}

	// Now our retried value wins slot 2.
	d.OnDecided(2, "B")
	if d.HasPending() {
		t.Fatalf("expected pending cleared after our retried value decided")
	}
	if len(app.applied) != 2 || app.applied[0] != "A" || app.applied[1] != "B" {
		t.Fatalf("expected both commands applied in slot order, got %v", app.applied)
	}
	if len(app.slots) != 2 || app.slots[0] != 1 || app.slots[1] != 2 {
		t.Fatalf("expected applied slots [1 2], got %v", app.slots)
	}
}

func TestSubmitWhilePendingIsRejected(t *testing.T) {
	p := &fakeProposer{}
	app := &recordingApplier{}
	d := New(p, app, nil)

	if err := d.Submit("A"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := d.Submit("B"); err == nil {
		t.Fatalf("expected an error submitting while a command is already pending")
	}
}

func TestOutOfOrderLearningBuffersUntilContiguous(t *testing.T) {
	p := &fakeProposer{}
	app := &recordingApplier{}
	d := New(p, app, nil)

	d.OnDecided(2, "second")
	if len(app.applied) != 0 {
		t.Fatalf("slot 2 must not apply before slot 1 is known, got %v", app.applied)
	}

	d.OnDecided(1, "first")
	if len(app.applied) != 2 || app.applied[0] != "first" || app.applied[1] != "second" {
		t.Fatalf("expected [first second] applied in slot order once contiguous, got %v", app.applied)
	}
}

func TestMalformedCommandStillAdvancesSlot(t *testing.T) {
	p := &fakeProposer{}
	app := &recordingApplier{}
	d := New(p, app, nil)

	d.OnDecided(1, "VOTE:abc:def")
	if d.NextOpenSlot() != 2 {
		t.Fatalf("next open slot must advance past a decided slot even if the application rejects it")
	}
}
