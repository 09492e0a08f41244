package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"

	"golang.org/x/net/netutil"
)

// handshakeKey is the literal key an initiator sends to prove it speaks the
// werewolf protocol, per the spec's handshake section.
const handshakeKey = "WEREWOLF_KEY"

// maxHandshakeConns bounds concurrent in-flight handshakes, the same
// defensive limit chat/server.go's accept loop leaves unbounded — here
// applied via golang.org/x/net/netutil.LimitListener instead of hand-rolled
// connection counting.
const maxHandshakeConns = 64

// Lobby is the shared state the handshake listener consults to reject
// duplicate or self-matching names, and to refuse joins once the game has
// left the lobby phase.
type Lobby interface {
	// InLobbyPhase reports whether new players may still join.
	InLobbyPhase() bool
	// Names returns the display names of already-known players.
	Names() []string
	// SelfName is this node's own display name.
	SelfName() string
}

// HandshakeListener accepts TCP connections, performs the WEREWOLF_KEY
// handshake and player-info exchange, and hands accepted peers to onJoin.
// Grounded in chat/server.go's accept-loop-plus-per-connection-goroutine
// shape, generalized from a free-form name prompt to a fixed keyed
// handshake.
type HandshakeListener struct {
	nodeID   int32
	name     string
	udpAddr  string // this node's UDP address, advertised to the peer
	httpAddr string // this node's HTTP address, advertised to the peer
	lobby    Lobby
	onJoin   func(PeerInfo)
	listener net.Listener

	mu   sync.Mutex
	quit bool
}

// NewHandshakeListener binds addr over TCP, wrapped in a LimitListener so a
// burst of join attempts can't exhaust file descriptors before the lobby
// even forms.
func NewHandshakeListener(addr string, nodeID int32, name, udpAddr, httpAddr string, lobby Lobby, onJoin func(PeerInfo)) (*HandshakeListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: handshake listen %q: %w", addr, err)
	}
	limited := netutil.LimitListener(ln, maxHandshakeConns)
	return &HandshakeListener{
		nodeID:   nodeID,
		name:     name,
		udpAddr:  udpAddr,
		httpAddr: httpAddr,
		lobby:    lobby,
		onJoin:   onJoin,
		listener: limited,
	}, nil
}

// Serve runs the accept loop until Close is called.
func (h *HandshakeListener) Serve() {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			h.mu.Lock()
			quit := h.quit
			h.mu.Unlock()
			if quit {
				return
			}
			log.Printf("[node %d] handshake: accept: %v", h.nodeID, err)
			continue
		}
		go h.handle(conn)
	}
}

// Close stops accepting new connections.
func (h *HandshakeListener) Close() error {
	h.mu.Lock()
	h.quit = true
	h.mu.Unlock()
	return h.listener.Close()
}

// handle performs one responder-side handshake: read key + candidate name,
// validate, reply with accept/reject, and on acceptance exchange
// PeerInfo frames.
func (h *HandshakeListener) handle(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	key, err := readLine(r)
	if err != nil {
		log.Printf("[node %d] handshake: read key: %v", h.nodeID, err)
		return
	}
	if key != handshakeKey {
		writeLine(conn, "REJECT:bad key")
		return
	}

	candidate, err := readLine(r)
	if err != nil {
		log.Printf("[node %d] handshake: read name: %v", h.nodeID, err)
		return
	}

	if !h.lobby.InLobbyPhase() {
		writeLine(conn, "REJECT:game already started")
		return
	}
	if reason, ok := validateName(candidate, h.lobby.SelfName(), h.lobby.Names()); !ok {
		writeLine(conn, "REJECT:"+reason)
		return
	}

	writeLine(conn, "ACCEPT")
	if err := writePeerInfo(conn, PeerInfo{NodeID: h.nodeID, Name: h.name, Addr: h.udpAddr, HTTPAddr: h.httpAddr}); err != nil {
		log.Printf("[node %d] handshake: write peer info: %v", h.nodeID, err)
		return
	}
	peer, err := readPeerInfo(r)
	if err != nil {
		log.Printf("[node %d] handshake: read peer info: %v", h.nodeID, err)
		return
	}
	if h.onJoin != nil {
		h.onJoin(peer)
	}
}

// Dial performs one initiator-side handshake against a responder at addr.
func Dial(addr string, self PeerInfo) (PeerInfo, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("transport: dial %q: %w", addr, err)
	}
	defer conn.Close()

	writeLine(conn, handshakeKey)
	writeLine(conn, self.Name)

	r := bufio.NewReader(conn)
	status, err := readLine(r)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("transport: read handshake status: %w", err)
	}
	if status != "ACCEPT" {
		return PeerInfo{}, fmt.Errorf("transport: handshake rejected: %s", strings.TrimPrefix(status, "REJECT:"))
	}

	peer, err := readPeerInfo(r)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("transport: read peer info: %w", err)
	}
	if err := writePeerInfo(conn, self); err != nil {
		return PeerInfo{}, fmt.Errorf("transport: write peer info: %w", err)
	}
	return peer, nil
}

// validateName applies the spec's rejection rules: key mismatch is handled
// by the caller; here it's name equal to the responder's own, then duplicate
// name, in that order (both case-insensitive, stripping a local "(Me)"
// suffix).
func validateName(candidate, selfName string, existing []string) (reason string, ok bool) {
	norm := normalizeName(candidate)
	if norm == normalizeName(selfName) {
		return "name matches host", false
	}
	for _, e := range existing {
		if norm == normalizeName(e) {
			return "duplicate name", false
		}
	}
	return "", true
}

func normalizeName(name string) string {
	name = strings.TrimSuffix(strings.TrimSpace(name), "(Me)")
	name = strings.TrimSpace(name)
	return strings.ToLower(name)
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func writeLine(w io.Writer, s string) {
	fmt.Fprintf(w, "%s\n", s)
}

// writePeerInfo writes the fixed player-info frame: node_id int32,
// length-prefixed name, length-prefixed udp addr, length-prefixed http addr.
func writePeerInfo(w io.Writer, p PeerInfo) error {
	if err := binary.Write(w, binary.LittleEndian, p.NodeID); err != nil {
		return err
	}
	if err := writeLenString(w, p.Name); err != nil {
		return err
	}
	if err := writeLenString(w, p.Addr); err != nil {
		return err
	}
	return writeLenString(w, p.HTTPAddr)
}

func writeLenString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, int32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readPeerInfo(r io.Reader) (PeerInfo, error) {
	var p PeerInfo
	if err := binary.Read(r, binary.LittleEndian, &p.NodeID); err != nil {
		return PeerInfo{}, err
	}
	name, err := readLenString(r)
	if err != nil {
		return PeerInfo{}, err
	}
	p.Name = name
	addr, err := readLenString(r)
	if err != nil {
		return PeerInfo{}, err
	}
	p.Addr = addr
	httpAddr, err := readLenString(r)
	if err != nil {
		return PeerInfo{}, err
	}
	p.HTTPAddr = httpAddr
	return p, nil
}

func readLenString(r io.Reader) (string, error) {
	var n int32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n < 0 || n > 1<<20 {
		return "", fmt.Errorf("transport: corrupt length prefix %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
