// Package transport is the external collaborator the core consensus and
// game packages never touch directly: local node identity, a peer table,
// a broadcast primitive, connect/disconnect signals, and delivery of
// decoded Paxos frames. It is built on raw UDP sockets the way the
// teacher's udp and gossip packages are, plus a TCP handshake listener for
// lobby join and a UDP discovery beacon.
package transport

import (
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/koneko096/were-wolves/internal/paxos"
)

// PeerInfo is the lobby metadata exchanged over the handshake connection,
// kept outside the consensus log per the spec's player-info frame.
type PeerInfo struct {
	NodeID   int32
	Name     string
	Addr     string // UDP address for Paxos traffic
	HTTPAddr string // HTTP address for the status feed and voice signaling
}

// FrameHandler receives a decoded Paxos frame from the network. It is
// called on the UDP receive goroutine; implementations must not block.
type FrameHandler func(paxos.Frame)

// PeerEventHandler is notified when a peer's reachability changes. It does
// not mutate game membership directly — per the membership-freeze design,
// only a replicated RESET_GAME command does that.
type PeerEventHandler func(nodeID int32, connected bool)

// UDP is the concrete transport adapter: a UDP socket broadcasting and
// receiving encoded Paxos frames across a fixed peer address table,
// grounded in udp/server.go's listen loop and udp/client.go's
// dial-and-write pattern.
type UDP struct {
	nodeID int32
	conn   *net.UDPConn

	mu    sync.RWMutex
	peers map[int32]*net.UDPAddr

	onFrame FrameHandler
	onPeer  PeerEventHandler

	bufPool sync.Pool
}

// NewUDP binds a UDP socket on listenAddr for nodeID. onFrame is invoked
// for every well-formed frame received on the socket; the sender address is
// not checked against the peer table. Malformed frames are logged and
// dropped, never delivered.
func NewUDP(nodeID int32, listenAddr string, onFrame FrameHandler, onPeer PeerEventHandler) (*UDP, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", listenAddr, err)
	}
	t := &UDP{
		nodeID:  nodeID,
		conn:    conn,
		peers:   make(map[int32]*net.UDPAddr),
		onFrame: onFrame,
		onPeer:  onPeer,
		bufPool: sync.Pool{New: func() interface{} { return make([]byte, 4096) }},
	}
	return t, nil
}

// LocalAddr reports the socket's bound address, used to advertise a port
// over the discovery beacon and the handshake listener.
func (t *UDP) LocalAddr() *net.UDPAddr { return t.conn.LocalAddr().(*net.UDPAddr) }

// AddPeer registers a known peer address, making it a broadcast target.
// Called once the TCP handshake for that peer has completed.
func (t *UDP) AddPeer(nodeID int32, addr *net.UDPAddr) {
	t.mu.Lock()
	t.peers[nodeID] = addr
	t.mu.Unlock()
	if t.onPeer != nil {
		t.onPeer(nodeID, true)
	}
}

// RemovePeer forgets a peer, e.g. after its connection drops.
func (t *UDP) RemovePeer(nodeID int32) {
	t.mu.Lock()
	_, existed := t.peers[nodeID]
	delete(t.peers, nodeID)
	t.mu.Unlock()
	if existed && t.onPeer != nil {
		t.onPeer(nodeID, false)
	}
}

// PeerCount reports the number of currently connected peers, not counting
// self — used by the host to size the Paxos quorum.
func (t *UDP) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Broadcast encodes frame and sends it to every currently known peer. It
// never sends to self — loopback delivery is the Paxos engine's own
// responsibility (see paxos.Engine.broadcast).
func (t *UDP) Broadcast(frame paxos.Frame) {
	data := frame.Encode()
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, addr := range t.peers {
		if _, err := t.conn.WriteToUDP(data, addr); err != nil {
			log.Printf("[node %d] transport: send to %d at %s: %v", t.nodeID, id, addr, err)
		}
	}
}

// Serve runs the receive loop until the socket is closed. Call it from its
// own goroutine.
func (t *UDP) Serve() {
	for {
		buf := t.bufPool.Get().([]byte)
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			t.bufPool.Put(buf)
			return
		}
		frame, err := paxos.DecodeFrame(buf[:n])
		t.bufPool.Put(buf)
		if err != nil {
			log.Printf("[node %d] transport: dropping malformed frame: %v", t.nodeID, err)
			continue
		}
		if t.onFrame != nil {
			t.onFrame(frame)
		}
	}
}

// Close releases the underlying socket.
func (t *UDP) Close() error {
	return t.conn.Close()
}
