package transport

import (
	"net"
	"testing"
	"time"

	"github.com/koneko096/were-wolves/internal/paxos"
)

func TestUDPBroadcastAndReceive(t *testing.T) {
	var received []paxos.Frame
	done := make(chan struct{}, 1)

	a, err := NewUDP(1, "127.0.0.1:0", nil, nil)
	if err != nil {
		t.Fatalf("NewUDP a: %v", err)
	}
	defer a.Close()

	b, err := NewUDP(2, "127.0.0.1:0", func(f paxos.Frame) {
		received = append(received, f)
		done <- struct{}{}
	}, nil)
	if err != nil {
		t.Fatalf("NewUDP b: %v", err)
	}
	defer b.Close()

	go a.Serve()
	go b.Serve()

	a.AddPeer(2, b.LocalAddr())

	a.Broadcast(paxos.Frame{Phase: paxos.Prepare, Slot: 1, Sender: 1, ProposalID: 42})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame delivery")
	}

	if len(received) != 1 {
		t.Fatalf("expected 1 frame received, got %d", len(received))
	}
	if received[0].Slot != 1 || received[0].ProposalID != 42 {
		t.Fatalf("unexpected frame contents: %+v", received[0])
	}
}

func TestAddRemovePeerFiresEvents(t *testing.T) {
	var events []struct {
		id        int32
		connected bool
	}
	onPeer := func(id int32, connected bool) {
		events = append(events, struct {
			id        int32
			connected bool
		}{id, connected})
	}

	tr, err := NewUDP(1, "127.0.0.1:0", nil, onPeer)
	if err != nil {
		t.Fatalf("NewUDP: %v", err)
	}
	defer tr.Close()

	tr.AddPeer(2, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9999})
	if tr.PeerCount() != 1 {
		t.Fatalf("expected peer count 1, got %d", tr.PeerCount())
	}
	tr.RemovePeer(2)
	if tr.PeerCount() != 0 {
		t.Fatalf("expected peer count 0 after removal, got %d", tr.PeerCount())
	}

	if len(events) != 2 || !events[0].connected || events[1].connected {
		t.Fatalf("expected [connected, disconnected] events, got %+v", events)
	}
}

func TestValidateNameRejectsDuplicateAndSelf(t *testing.T) {
	if _, ok := validateName("Alice", "Bob", []string{"Alice", "Carol"}); ok {
		t.Fatalf("expected duplicate name rejected")
	}
	if _, ok := validateName("alice (Me)", "Bob", []string{"Alice"}); ok {
		t.Fatalf("expected case/suffix-insensitive duplicate rejected")
	}
	if _, ok := validateName("Bob", "Bob", []string{}); ok {
		t.Fatalf("expected a name matching the host rejected")
	}
	if _, ok := validateName("Dave", "Bob", []string{"Alice"}); !ok {
		t.Fatalf("expected a fresh name accepted")
	}
}
