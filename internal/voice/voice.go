// Package voice provides the Day-phase discussion channel: a WebRTC data
// channel per pair of alive players, set up via WebSocket signaling,
// adapted from webrtc/server.go's signaling relay and webrtc/client.go's
// offer/answer/ICE dance. This is UI-adjacent plumbing the core game state
// machine never depends on — the game is still decided entirely by the
// replicated log, voice is only a side channel for human discussion during
// the Day phase.
package voice

import (
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// SignalMessage is a signaling envelope relayed between discussion peers,
// the same shape as webrtc/server.go's SignalMessage but keyed by node id
// instead of an opaque per-connection peer id.
type SignalMessage struct {
	Type      string                     `json:"type"`
	From      int32                      `json:"from"`
	To        int32                      `json:"to"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// SignalingHub relays signaling messages between connected discussion
// clients, one WebSocket connection per node id.
type SignalingHub struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    map[int32]*websocket.Conn
}

// NewSignalingHub constructs a hub that accepts connections on /voice.
func NewSignalingHub() *SignalingHub {
	return &SignalingHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[int32]*websocket.Conn),
	}
}

// RegisterHandlers wires the hub's endpoint onto mux.
func (h *SignalingHub) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/voice", h.handle)
}

func (h *SignalingHub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("voice: upgrade: %v", err)
		return
	}

	var nodeID int32
	registered := false
	defer func() {
		if registered {
			h.mu.Lock()
			delete(h.conns, nodeID)
			h.mu.Unlock()
		}
		conn.Close()
	}()

	for {
		var msg SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("voice: read: %v", err)
			}
			return
		}
		if !registered {
			nodeID = msg.From
			h.mu.Lock()
			h.conns[nodeID] = conn
			h.mu.Unlock()
			registered = true
			log.Printf("voice: node %d joined signaling (total %d)", nodeID, len(h.conns))
		}
		h.relay(msg)
	}
}

func (h *SignalingHub) relay(msg SignalMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dest, ok := h.conns[msg.To]
	if !ok {
		return
	}
	if err := dest.WriteJSON(msg); err != nil {
		log.Printf("voice: relay to %d: %v", msg.To, err)
	}
}

// Session is one node's side of a discussion data channel to a single
// peer, adapted from webrtc/client.go's Peer.
type Session struct {
	id         string
	self, peer int32
	ws         *websocket.Conn
	pc         *webrtc.PeerConnection
	dc         *webrtc.DataChannel
	mu         sync.Mutex
	onMessage  func(from int32, text string)
}

// Dial connects to the signaling hub at url and prepares a discussion
// session between self and peer. The session id is a fresh UUID, used only
// for local logging correlation — it never enters the replicated log.
func Dial(url string, self, peer int32, onMessage func(int32, string)) (*Session, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("voice: dial signaling: %w", err)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("voice: new peer connection: %w", err)
	}

	s := &Session{
		id:        uuid.New().String(),
		self:      self,
		peer:      peer,
		ws:        ws,
		pc:        pc,
		onMessage: onMessage,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		s.send(SignalMessage{Type: "candidate", Candidate: &init})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("voice[%s]: connection state %s", s.id, state)
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		s.bindDataChannel(dc)
	})

	// The hub learns which node id a connection belongs to from the first
	// message it sends, so announce this side right away; HandleSignaling
	// on the peer ignores the "join" type.
	s.send(SignalMessage{Type: "join"})

	return s, nil
}

func (s *Session) send(msg SignalMessage) {
	msg.From = s.self
	msg.To = s.peer
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ws.WriteJSON(msg); err != nil {
		log.Printf("voice[%s]: send signal: %v", s.id, err)
	}
}

// Offer creates the data channel and sends the initial offer. The caller
// with the lower node id is the conventional offerer, breaking symmetry
// the same way the distinguished-proposer rule does for START_GAME.
func (s *Session) Offer() error {
	dc, err := s.pc.CreateDataChannel("discussion", nil)
	if err != nil {
		return fmt.Errorf("voice: create data channel: %w", err)
	}
	s.bindDataChannel(dc)

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("voice: create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("voice: set local description: %w", err)
	}
	s.send(SignalMessage{Type: "offer", SDP: &offer})
	return nil
}

// HandleSignaling drains the signaling socket until it closes, dispatching
// offers/answers/candidates, identical in shape to
// webrtc/client.go's HandleSignaling loop.
func (s *Session) HandleSignaling() error {
	for {
		var msg SignalMessage
		if err := s.ws.ReadJSON(&msg); err != nil {
			return fmt.Errorf("voice: read signal: %w", err)
		}
		switch msg.Type {
		case "offer":
			if err := s.handleOffer(msg.SDP); err != nil {
				log.Printf("voice[%s]: handle offer: %v", s.id, err)
			}
		case "answer":
			if err := s.handleAnswer(msg.SDP); err != nil {
				log.Printf("voice[%s]: handle answer: %v", s.id, err)
			}
		case "candidate":
			if msg.Candidate != nil {
				if err := s.pc.AddICECandidate(*msg.Candidate); err != nil {
					log.Printf("voice[%s]: add ice candidate: %v", s.id, err)
				}
			}
		}
	}
}

func (s *Session) handleOffer(sdp *webrtc.SessionDescription) error {
	if sdp == nil {
		return fmt.Errorf("nil offer sdp")
	}
	if err := s.pc.SetRemoteDescription(*sdp); err != nil {
		return err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	s.send(SignalMessage{Type: "answer", SDP: &answer})
	return nil
}

func (s *Session) handleAnswer(sdp *webrtc.SessionDescription) error {
	if sdp == nil {
		return fmt.Errorf("nil answer sdp")
	}
	return s.pc.SetRemoteDescription(*sdp)
}

func (s *Session) bindDataChannel(dc *webrtc.DataChannel) {
	s.dc = dc
	dc.OnOpen(func() { log.Printf("voice[%s]: channel open", s.id) })
	dc.OnClose(func() { log.Printf("voice[%s]: channel closed", s.id) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if s.onMessage != nil {
			s.onMessage(s.peer, string(msg.Data))
		}
	})
}

// Say sends a discussion message over the data channel.
func (s *Session) Say(text string) error {
	if s.dc == nil || s.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("voice: data channel not open")
	}
	return s.dc.SendText(text)
}

// Close tears down the data channel, peer connection, and signaling socket.
func (s *Session) Close() error {
	if s.dc != nil {
		s.dc.Close()
	}
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			return err
		}
	}
	if s.ws != nil {
		return s.ws.Close()
	}
	return nil
}
