package cmd

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/koneko096/were-wolves/internal/game"
	"github.com/koneko096/were-wolves/internal/identity"
	"github.com/koneko096/were-wolves/internal/node"
	"github.com/koneko096/were-wolves/internal/paxos"
	"github.com/koneko096/were-wolves/internal/status"
	"github.com/koneko096/were-wolves/internal/transport"
	"github.com/koneko096/were-wolves/internal/voice"
)

var (
	runName         string
	runUDPAddr      string
	runHandshake    string
	runHTTPAddr     string
	runPeerAddrs    []string
	runJoinAddrs    []string
	runPlayerIDs    []string
	runBroadcast    string
	runDiscoverable bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a werewolf peer and drive it from stdin",
	Long: `run starts a Paxos-replicated werewolf peer: a UDP consensus socket,
a TCP handshake listener for lobby joins, and an HTTP status/voice-signaling
feed. Lines typed on stdin are submitted as replicated commands
(VOTE_START:<id>, START_GAME, VOTE:..., RESET_GAME:...), the same grammar the
engine applies from the decided log. Typing "snapshot" prints the current
local view without submitting a command.`,
	RunE: runPeer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runName, "name", "", "display name for this peer (required)")
	runCmd.Flags().StringVar(&runUDPAddr, "udp", ":0", "UDP address for Paxos traffic")
	runCmd.Flags().StringVar(&runHandshake, "handshake", ":8091", "TCP address for the lobby handshake listener")
	runCmd.Flags().StringVar(&runHTTPAddr, "http", ":8090", "HTTP address for the status feed and voice signaling")
	runCmd.Flags().StringSliceVar(&runPeerAddrs, "peer-udp", nil, "known peer UDP addresses (host:port), bypassing the handshake")
	runCmd.Flags().StringSliceVar(&runJoinAddrs, "join", nil, "peer handshake addresses (host:port) to dial at startup")
	runCmd.Flags().StringSliceVar(&runPlayerIDs, "players", nil, "initial known player node ids, comma-separated")
	runCmd.Flags().StringVar(&runBroadcast, "broadcast", "255.255.255.255:9991", "UDP broadcast address for lobby discovery")
	runCmd.Flags().BoolVar(&runDiscoverable, "discover", false, "broadcast and listen for other peers on the local segment")
	_ = runCmd.MarkFlagRequired("name")
}

func runPeer(cmd *cobra.Command, args []string) error {
	if runName == "" {
		return fmt.Errorf("--name is required")
	}

	nodeID := identity.New()
	log.Printf("[node %d] starting as %q", nodeID, runName)

	feed := status.NewFeed()
	signaling := voice.NewSignalingHub()

	var n *node.Node
	tr, err := transport.NewUDP(nodeID, runUDPAddr, func(f paxos.Frame) {
		n.Deliver(f)
	}, func(peerID int32, connected bool) {
		log.Printf("[node %d] peer %d connected=%v", nodeID, peerID, connected)
	})
	if err != nil {
		return fmt.Errorf("run: transport: %w", err)
	}
	defer tr.Close()

	for i, addr := range runPeerAddrs {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			log.Printf("[node %d] skipping bad peer addr %q: %v", nodeID, addr, err)
			continue
		}
		// The real peer id is learned via the TCP handshake; a direct
		// --peer-udp entry bypasses that exchange, so it gets a synthetic
		// id distinct from any real node id.
		tr.AddPeer(int32(-(i + 1)), udpAddr)
	}

	knownPlayers := make([]int, 0, len(runPlayerIDs)+1)
	knownPlayers = append(knownPlayers, int(nodeID))
	for _, s := range runPlayerIDs {
		id, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			log.Printf("[node %d] skipping bad player id %q: %v", nodeID, s, err)
			continue
		}
		knownPlayers = append(knownPlayers, id)
	}

	selfUDP := tr.LocalAddr().String()
	voices := newVoiceCoordinator(nodeID, runHTTPAddr)

	// PeerCount excludes self, so the cluster size is PeerCount()+1;
	// quorum is floor(clusterSize/2)+1.
	quorumFn := func() int { return (tr.PeerCount()+1)/2 + 1 }
	n = node.New(nodeID, tr, quorumFn, knownPlayers, feed, voices)
	go n.Run()
	defer n.Stop()

	registry := newLobbyRegistry(runName, n)

	onJoin := func(peer transport.PeerInfo) {
		udpAddr, err := net.ResolveUDPAddr("udp", peer.Addr)
		if err != nil {
			log.Printf("[node %d] join from %q: bad udp addr %q: %v", nodeID, peer.Name, peer.Addr, err)
			return
		}
		tr.AddPeer(peer.NodeID, udpAddr)
		registry.add(peer.Name)
		voices.addPeer(peer.NodeID, peer.HTTPAddr)
		log.Printf("[node %d] %q (node %d) joined the lobby", nodeID, peer.Name, peer.NodeID)
	}

	hs, err := transport.NewHandshakeListener(runHandshake, nodeID, runName, selfUDP, runHTTPAddr, registry, onJoin)
	if err != nil {
		return fmt.Errorf("run: handshake listener: %w", err)
	}
	defer hs.Close()
	go hs.Serve()

	for _, addr := range runJoinAddrs {
		go dialJoin(nodeID, runName, selfUDP, runHTTPAddr, addr, onJoin)
	}

	if runDiscoverable {
		handshakePort, err := handshakePortOf(runHandshake)
		if err != nil {
			log.Printf("[node %d] discovery disabled: %v", nodeID, err)
		} else if beacon, err := transport.NewBeacon(nodeID, runBroadcast, handshakePort); err != nil {
			log.Printf("[node %d] discovery disabled: %v", nodeID, err)
		} else {
			defer beacon.Stop()
			seen := newDialGuard()
			go beacon.Run(func(port int, from *net.UDPAddr) {
				addr := fmt.Sprintf("%s:%d", from.IP.String(), port)
				if !seen.tryMark(addr) {
					return
				}
				go dialJoin(nodeID, runName, selfUDP, runHTTPAddr, addr, onJoin)
			})
		}
	}

	mux := http.NewServeMux()
	feed.RegisterHandlers(mux)
	signaling.RegisterHandlers(mux)
	go func() {
		if err := http.ListenAndServe(runHTTPAddr, mux); err != nil {
			log.Printf("[node %d] http: %v", nodeID, err)
		}
	}()

	go tr.Serve()

	fmt.Printf("node %d listening on udp %s, handshake on tcp %s, http on %s\n", nodeID, tr.LocalAddr(), runHandshake, runHTTPAddr)
	repl(n)
	return nil
}

// dialJoin performs one initiator-side handshake against addr and, on
// success, feeds the learned peer info through onJoin exactly like an
// inbound connection would. A rejection (including the self-dial case,
// which validateName refuses as "name matches host") is logged and
// otherwise harmless.
func dialJoin(nodeID int32, name, selfUDP, selfHTTP, addr string, onJoin func(transport.PeerInfo)) {
	peer, err := transport.Dial(addr, transport.PeerInfo{NodeID: nodeID, Name: name, Addr: selfUDP, HTTPAddr: selfHTTP})
	if err != nil {
		log.Printf("[node %d] join %s: %v", nodeID, addr, err)
		return
	}
	onJoin(peer)
}

// handshakePortOf extracts the numeric port from a handshake listen
// address like ":8091" or "0.0.0.0:8091", for advertising over discovery
// beacons.
func handshakePortOf(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

// dialGuard prevents a discovery beacon, which repeats every couple of
// seconds, from spawning a fresh dial to the same address on every tick.
type dialGuard struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newDialGuard() *dialGuard { return &dialGuard{seen: make(map[string]bool)} }

func (g *dialGuard) tryMark(addr string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen[addr] {
		return false
	}
	g.seen[addr] = true
	return true
}

// lobbyRegistry implements transport.Lobby over a node.Node's local phase
// and a plain slice of the display names seen so far over the handshake.
type lobbyRegistry struct {
	selfName string
	n        *node.Node

	mu    sync.Mutex
	names []string
}

func newLobbyRegistry(selfName string, n *node.Node) *lobbyRegistry {
	return &lobbyRegistry{selfName: selfName, n: n}
}

func (r *lobbyRegistry) InLobbyPhase() bool { return r.n.InLobbyPhase() }
func (r *lobbyRegistry) SelfName() string   { return r.selfName }

func (r *lobbyRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func (r *lobbyRegistry) add(name string) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
}

// repl reads newline-terminated commands from stdin and submits them,
// mirroring chat/client.go's blocking read-a-line-at-a-time loop.
func repl(n *node.Node) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "snapshot" {
			printSnapshot(n)
			continue
		}
		if err := n.Submit(line); err != nil {
			fmt.Println("error:", err)
		}
	}
}

func printSnapshot(n *node.Node) {
	snap := n.Snapshot()
	fmt.Printf("phase=%s winner=%q next_slot=%d alive=%d\n", snap.Phase, snap.Winner, snap.NextOpenSlot, len(snap.Alive))
}

// voiceCoordinator implements node.PhaseObserver: on the Day transition it
// offers every other alive player a WebRTC discussion session. Peers
// rendezvous on a single signaling hub per pair, hosted by whichever of
// the two has the lower node id (the same distinguished-peer rule
// voice.Session.Offer documents for breaking offer/answer symmetry) —
// the higher-id peer dials out to it, and the lower-id peer dials its own
// hub as a client too, since SignalingHub.handle relays without special-
// casing a local connection.
type voiceCoordinator struct {
	selfID       int32
	selfHTTPAddr string

	mu       sync.Mutex
	peerHTTP map[int32]string
	sessions map[int32]*voice.Session
}

func newVoiceCoordinator(selfID int32, selfHTTPAddr string) *voiceCoordinator {
	return &voiceCoordinator{
		selfID:       selfID,
		selfHTTPAddr: selfHTTPAddr,
		peerHTTP:     make(map[int32]string),
		sessions:     make(map[int32]*voice.Session),
	}
}

// addPeer records a joined peer's HTTP address, learned over the
// handshake, so PhaseChanged can later locate its signaling hub.
func (c *voiceCoordinator) addPeer(nodeID int32, httpAddr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerHTTP[nodeID] = httpAddr
}

// PhaseChanged opens a discussion session to every other alive player the
// first time the game enters Day. Later Day re-entries (after a Night
// round returns to Day) are skipped for peers a session already exists
// for.
func (c *voiceCoordinator) PhaseChanged(phase game.Phase, aliveIDs []int) {
	if phase != game.Day {
		return
	}
	for _, id := range aliveIDs {
		peerID := int32(id)
		if peerID == c.selfID {
			continue
		}
		go c.connect(peerID)
	}
}

func (c *voiceCoordinator) connect(peerID int32) {
	c.mu.Lock()
	if _, ok := c.sessions[peerID]; ok {
		c.mu.Unlock()
		return
	}
	hubAddr := c.selfHTTPAddr
	if peerID < c.selfID {
		hubAddr = c.peerHTTP[peerID]
	}
	c.mu.Unlock()

	if hubAddr == "" {
		log.Printf("[node %d] voice: no known http address for peer %d yet, skipping discussion channel", c.selfID, peerID)
		return
	}

	url := fmt.Sprintf("ws://%s/voice", hubAddr)
	sess, err := voice.Dial(url, c.selfID, peerID, func(from int32, text string) {
		log.Printf("[node %d] voice: %d says: %s", c.selfID, from, text)
	})
	if err != nil {
		log.Printf("[node %d] voice: dial %s for peer %d: %v", c.selfID, url, peerID, err)
		return
	}

	c.mu.Lock()
	c.sessions[peerID] = sess
	c.mu.Unlock()

	go func() {
		if err := sess.HandleSignaling(); err != nil {
			log.Printf("[node %d] voice: signaling with %d ended: %v", c.selfID, peerID, err)
		}
	}()

	// Lower node id is the conventional offerer; the higher id waits for
	// the incoming offer over the signaling channel it just joined.
	if c.selfID < peerID {
		if err := sess.Offer(); err != nil {
			log.Printf("[node %d] voice: offer to %d: %v", c.selfID, peerID, err)
		}
	}
}
