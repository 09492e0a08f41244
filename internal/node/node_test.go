package node

import (
	"sync"
	"testing"
	"time"

	"github.com/koneko096/were-wolves/internal/game"
	"github.com/koneko096/were-wolves/internal/paxos"
	"github.com/koneko096/were-wolves/internal/status"
)

// fanoutBus wires a small cluster of Nodes together in-process: Broadcast
// delivers a frame to every peer Node's Deliver method.
type fanoutBus struct {
	id    int32
	peers []*Node
}

// Broadcast hands the frame to every other node's Deliver method on its own
// goroutine, mirroring how a real transport's receive loop calls Deliver
// from a goroutine independent of the local Node's own actor loop. Calling
// Deliver inline here would risk a cross-node deadlock: two actor loops
// each blocked waiting on the other's do() to finish.
func (b *fanoutBus) Broadcast(f paxos.Frame) {
	for i, n := range b.peers {
		if int32(i) == b.id {
			continue
		}
		n := n
		go n.Deliver(f)
	}
}

func newCluster(n int, knownPlayers []int) []*Node {
	nodes := make([]*Node, n)
	buses := make([]*fanoutBus, n)
	quorum := n/2 + 1
	for i := 0; i < n; i++ {
		buses[i] = &fanoutBus{id: int32(i)}
	}
	for i := 0; i < n; i++ {
		i := i
		nodes[i] = New(int32(i), buses[i], func() int { return quorum }, knownPlayers, nil, nil)
		go nodes[i].Run()
	}
	for i := 0; i < n; i++ {
		buses[i].peers = nodes
	}
	return nodes
}

func TestSingleNodeSubmitApplies(t *testing.T) {
	nodes := newCluster(1, []int{1})
	defer nodes[0].Stop()

	if err := nodes[0].Submit("VOTE_START:1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		snap := nodes[0].Snapshot()
		if snap.NextOpenSlot > 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for slot 1 to decide")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestThreeNodeClusterAgreesOnDigest(t *testing.T) {
	// Node ids 0,1,2 double as the known player ids, so node 0 is
	// unambiguously the distinguished proposer (min(knownPlayers) == 0)
	// and its auto-started START_GAME is deterministic.
	nodes := newCluster(3, []int{0, 1, 2})
	for _, n := range nodes {
		defer n.Stop()
	}

	if err := nodes[0].Submit("VOTE_START:0"); err != nil {
		t.Fatalf("node0 submit: %v", err)
	}
	if err := nodes[1].Submit("VOTE_START:1"); err != nil {
		t.Fatalf("node1 submit: %v", err)
	}
	if err := nodes[2].Submit("VOTE_START:2"); err != nil {
		t.Fatalf("node2 submit: %v", err)
	}

	// Once all three VOTE_STARTs decide, node 0 auto-submits START_GAME;
	// waiting on slot count alone would race with that extra decision, so
	// wait for every node to have actually left the Lobby phase instead.
	deadline := time.After(2 * time.Second)
	for {
		allStarted := true
		for _, n := range nodes {
			if n.Snapshot().Phase == game.Lobby {
				allStarted = false
			}
		}
		if allStarted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the game to auto-start across the cluster")
		case <-time.After(2 * time.Millisecond):
		}
	}

	d0 := nodes[0].StateDigest()
	d1 := nodes[1].StateDigest()
	d2 := nodes[2].StateDigest()
	if d0 != d1 || d1 != d2 {
		t.Fatalf("expected identical state digests across peers, got %x %x %x", d0, d1, d2)
	}
}

// fakePublisher records every event handed to it, for asserting the status
// feed wiring without spinning up a real websocket hub.
type fakePublisher struct {
	mu     sync.Mutex
	events []status.Event
}

func (p *fakePublisher) Publish(ev status.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// fakeObserver records every phase transition it is notified of.
type fakeObserver struct {
	mu     sync.Mutex
	phases []game.Phase
	alive  [][]int
}

func (o *fakeObserver) PhaseChanged(phase game.Phase, aliveIDs []int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, phase)
	cp := append([]int(nil), aliveIDs...)
	o.alive = append(o.alive, cp)
}

func (o *fakeObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.phases)
}

func TestSingleNodeAutoStartsOnceLobbyReady(t *testing.T) {
	bus := &fanoutBus{id: 0}
	pub := &fakePublisher{}
	obs := &fakeObserver{}
	n := New(0, bus, func() int { return 1 }, []int{0}, pub, obs)
	bus.peers = []*Node{n}
	go n.Run()
	defer n.Stop()

	if err := n.Submit("VOTE_START:0"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if n.Snapshot().Phase != game.Lobby {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for auto-start")
		case <-time.After(time.Millisecond):
		}
	}

	snap := n.Snapshot()
	if snap.Phase != game.Night {
		t.Fatalf("expected auto-start to move the single-player game to Night, got %s", snap.Phase)
	}
	if pub.count() == 0 {
		t.Fatalf("expected the status publisher to receive at least one event")
	}
}
