package transport

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"
)

// discoveryMagic is the literal prefix a discovery beacon carries, per the
// spec's unconnected-broadcast discovery scheme.
const discoveryMagic = "WEREWOLF_DISCOVERY"

// Beacon periodically broadcasts this node's handshake port over UDP so
// other instances on the same network segment can find it without prior
// configuration, grounded in gossip/protocol.go's periodicGossip fan-out
// loop.
type Beacon struct {
	nodeID        int32
	conn          *net.UDPConn
	broadcastTo   *net.UDPAddr
	handshakePort int
	interval      time.Duration
	stop          chan struct{}
}

// NewBeacon opens a UDP socket for sending/receiving discovery broadcasts
// on broadcastAddr (e.g. "255.255.255.255:9991") and advertises
// handshakePort, the TCP port peers should dial to join the lobby.
func NewBeacon(nodeID int32, broadcastAddr string, handshakePort int) (*Beacon, error) {
	bAddr, err := net.ResolveUDPAddr("udp", broadcastAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve broadcast addr %q: %w", broadcastAddr, err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: bAddr.Port})
	if err != nil {
		return nil, fmt.Errorf("transport: listen discovery: %w", err)
	}
	return &Beacon{
		nodeID:        nodeID,
		conn:          conn,
		broadcastTo:   bAddr,
		handshakePort: handshakePort,
		interval:      2 * time.Second,
		stop:          make(chan struct{}),
	}, nil
}

// Run broadcasts the beacon on a timer and invokes onDiscovered for every
// peer beacon observed, until Stop is called. Run blocks; call it from its
// own goroutine.
func (b *Beacon) Run(onDiscovered func(handshakePort int, from *net.UDPAddr)) {
	go b.listen(onDiscovered)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			msg := fmt.Sprintf("%s %d", discoveryMagic, b.handshakePort)
			if _, err := b.conn.WriteToUDP([]byte(msg), b.broadcastTo); err != nil {
				log.Printf("[node %d] discovery: broadcast: %v", b.nodeID, err)
			}
		}
	}
}

func (b *Beacon) listen(onDiscovered func(handshakePort int, from *net.UDPAddr)) {
	buf := make([]byte, 256)
	for {
		n, from, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-b.stop:
				return
			default:
				log.Printf("[node %d] discovery: read: %v", b.nodeID, err)
				continue
			}
		}
		msg := string(buf[:n])
		fields := strings.Fields(msg)
		if len(fields) != 2 || fields[0] != discoveryMagic {
			continue
		}
		port, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		if onDiscovered != nil {
			onDiscovered(port, from)
		}
	}
}

// Stop halts the beacon and releases its socket.
func (b *Beacon) Stop() {
	close(b.stop)
	b.conn.Close()
}
