package server

import (
	"encoding/json"
	"io"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/karashiiro/mogmog/internal/relay/hub"
	"github.com/karashiiro/mogmog/internal/relay/identity"
	"github.com/karashiiro/mogmog/internal/relay/registry"
	"github.com/karashiiro/mogmog/internal/relay/telemetry"
)

type sessionState int32

const (
	stateConnecting sessionState = iota
	stateAuthenticating
	stateActive
	stateClosing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// chatSession is one live websocket connection moving through the
// connecting → authenticating → active → closing → closed lifecycle.
//
// Once active it is registered for broadcasts; the hub delivers into a
// bounded outbound channel that the write loop drains, so a stalled peer
// overflows its own buffer instead of blocking the dispatcher.
type chatSession struct {
	id       string
	peer     *wsPeer
	conn     io.Closer
	registry *registry.Registry

	outbound chan hub.Message
	done     chan struct{}

	mu       sync.Mutex
	state    sessionState
	identity *identity.Identity
	counted  bool

	closeOnce sync.Once
}

func newChatSession(peer *wsPeer, conn io.Closer, reg *registry.Registry, outboundBuffer int) *chatSession {
	if outboundBuffer <= 0 {
		outboundBuffer = defaultOutboundBuffer
	}
	return &chatSession{
		id:       uuid.NewString(),
		peer:     peer,
		conn:     conn,
		registry: reg,
		outbound: make(chan hub.Message, outboundBuffer),
		done:     make(chan struct{}),
		state:    stateConnecting,
	}
}

// SessionID returns the connection's log and audit identifier.
func (s *chatSession) SessionID() string {
	return s.id
}

// Identity returns the authenticated identity, or nil before activation.
func (s *chatSession) Identity() *identity.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *chatSession) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// beginAuthentication moves the session into the authenticating state. Only
// a connecting session may start authentication; a second connect frame on
// the same stream is rejected.
func (s *chatSession) beginAuthentication() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateConnecting {
		return false
	}
	s.state = stateAuthenticating
	return true
}

// activate binds the authenticated identity and marks the session live.
func (s *chatSession) activate(id *identity.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateAuthenticating {
		return false
	}
	s.state = stateActive
	s.identity = id
	s.counted = true
	telemetry.AddSession(1)
	telemetry.Inc(telemetry.SessionsOpened)
	return true
}

// Deliver offers a broadcast without blocking. A full outbound buffer means
// the peer has stalled and the hub will drop the session.
func (s *chatSession) Deliver(msg hub.Message) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.outbound <- msg:
		return true
	default:
		return false
	}
}

// CloseSlow tears the session down after its outbound buffer overflowed.
func (s *chatSession) CloseSlow() {
	s.close("outbound buffer overflow")
}

// Disconnect force-closes the session on behalf of moderation.
func (s *chatSession) Disconnect() {
	s.close("disconnected by moderation")
}

// close drives closing → closed exactly once: unregister, release the
// cached identity resolution, then close the transport to unblock the
// read loop.
func (s *chatSession) close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateClosing
		id := s.identity
		counted := s.counted
		s.mu.Unlock()

		if s.registry != nil {
			s.registry.Remove(s)
		}
		if id != nil {
			id.Release()
		}
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}

		s.mu.Lock()
		s.state = stateClosed
		s.mu.Unlock()

		if counted {
			telemetry.AddSession(-1)
			log.Printf("relay: session %s closed: %s", s.id, reason)
		}
	})
}

// writeLoop drains the outbound channel onto the wire until the session
// closes. A write failure closes the session, which in turn unblocks the
// read loop through the transport.
func (s *chatSession) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.outbound:
			frame := wsFrame{
				Type:    "chat.message",
				Payload: mustJSON(messageEnvelope{Message: msg}),
			}
			if err := s.peer.writeFrame(frame); err != nil {
				s.close("write failed")
				return
			}
		}
	}
}

type messageEnvelope struct {
	Message hub.Message `json:"message"`
}

// wsPeer serializes frame writes from the read loop, the write loop and
// moderation callbacks onto one connection.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}
