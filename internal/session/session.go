// Package session owns one provider websocket connection and translates
// the wire protocol into broker calls. Each session runs a reader loop and
// a writer goroutine joined by a buffered outbound channel; the writer
// also drives the periodic liveness probe. A session that goes silent past
// the configured timeout is closed and penalised exactly once; every other
// kind of provider misbehavior is handled purely through the score ledger.
package session

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"validation.station/vsb/internal/broker"
	"validation.station/vsb/internal/config"
	"validation.station/vsb/internal/logger"
	"validation.station/vsb/internal/types"
)

const outboundQueueDepth = 32

var errQueueFull = errors.New("outbound queue full")

// Session is one provider connection.
type Session struct {
	id     string
	conn   *websocket.Conn
	broker *broker.Broker
	cfg    *config.Config
	events *logger.Logger

	out  chan types.RPCRequest
	done chan struct{}
	once sync.Once

	mu           sync.Mutex
	lastSeen     time.Time
	providerAddr string
}

// New creates a session for an upgraded connection. remoteAddr seeds the
// self-reported provider address until the first liveness frame replaces
// it (trust-on-first-use).
func New(conn *websocket.Conn, b *broker.Broker, cfg *config.Config, events *logger.Logger, remoteAddr string) *Session {
	return &Session{
		id:           uuid.NewString(),
		conn:         conn,
		broker:       b,
		cfg:          cfg,
		events:       events,
		out:          make(chan types.RPCRequest, outboundQueueDepth),
		done:         make(chan struct{}),
		lastSeen:     time.Now(),
		providerAddr: remoteAddr,
	}
}

// ID returns the session's connection id.
func (s *Session) ID() string {
	return s.id
}

// Deliver queues a broadcast request for the remote provider. It never
// blocks; a full queue or a closed session drops the request with an
// error so the broker can log the delivery failure.
func (s *Session) Deliver(req types.RPCRequest) error {
	select {
	case <-s.done:
		return errors.New("session closed")
	case s.out <- req:
		return nil
	default:
		return errQueueFull
	}
}

// Run registers the session, serves the connection until it closes, and
// always unregisters on the way out. It blocks until teardown.
func (s *Session) Run() {
	log.Printf("Session %s started for %s", s.id, s.remoteAddr())
	s.broker.Register(s.id, s)
	defer s.broker.Unregister(s.id)
	defer s.close(false)

	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})
	ping := s.conn.PingHandler()
	s.conn.SetPingHandler(func(appData string) error {
		s.touch()
		return ping(appData)
	})

	go s.writeLoop()
	s.readLoop()
	log.Printf("Session %s stopped", s.id)
}

func (s *Session) readLoop() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			// Remote close or transport-level protocol violation.
			log.Printf("Session %s read error: %v", s.id, err)
			return
		}
		if msgType != websocket.TextMessage {
			log.Printf("Session %s sent non-text frame, dropped", s.id)
			continue
		}
		s.touch()
		s.dispatch(data)
	}
}

// dispatch classifies an inbound text frame by shape. A frame with a
// "result" member is a provider response, one with a "timestamp" member is
// a liveness frame, anything else is protocol noise and dropped without
// penalty.
func (s *Session) dispatch(data []byte) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		log.Printf("Session %s sent unparsable frame, dropped: %v", s.id, err)
		return
	}

	if _, ok := probe["result"]; ok {
		var resp types.ProviderResponse
		if err := json.Unmarshal(data, &resp); err != nil || resp.ID == "" {
			log.Printf("Session %s sent malformed response frame, dropped", s.id)
			return
		}
		s.broker.HandleProviderResponse(s.id, resp)
		return
	}

	if _, ok := probe["timestamp"]; ok {
		var hb types.Heartbeat
		if err := json.Unmarshal(data, &hb); err != nil || hb.ProviderAddr == "" {
			log.Printf("Session %s sent malformed liveness frame, dropped", s.id)
			return
		}
		s.setProviderAddr(hb.ProviderAddr)
		id := hb.ID
		if id == "" {
			id = s.id
		}
		s.broker.Associate(id, hb.ProviderAddr)
		return
	}

	log.Printf("Session %s sent unrecognized frame, dropped", s.id)
}

// writeLoop serializes outbound traffic: broadcast forwards and the
// periodic liveness probe. Probe ticks also check for inactivity; crossing
// the timeout penalises and closes the session.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case req := <-s.out:
			payload, err := json.Marshal(req)
			if err != nil {
				// Serialization failure is non-fatal for the session.
				log.Printf("Session %s failed to serialize request %s: %v", s.id, req.ID, err)
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("Session %s write error: %v", s.id, err)
				s.close(false)
				return
			}
		case <-ticker.C:
			if elapsed := time.Since(s.last()); elapsed > s.cfg.HeartbeatTimeout {
				log.Printf("Session %s timed out after %v of inactivity", s.id, elapsed)
				s.events.Warningf("Session %s closed after liveness timeout", s.id)
				s.close(true)
				return
			}
			probe := types.Heartbeat{
				ID:           s.id,
				Timestamp:    uint64(time.Now().Unix()),
				ProviderAddr: s.providerAddrSnapshot(),
			}
			if err := s.conn.WriteJSON(probe); err != nil {
				log.Printf("Session %s probe write error: %v", s.id, err)
				s.close(false)
				return
			}
		}
	}
}

// close tears the session down once. The missed-heartbeat penalty is
// applied inside the once so a timeout is penalised exactly one time.
func (s *Session) close(timedOut bool) {
	s.once.Do(func() {
		if timedOut {
			s.broker.Penalise(s.id, s.cfg.PenaltyMissedHeartbeat)
		}
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) last() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) setProviderAddr(addr string) {
	s.mu.Lock()
	s.providerAddr = addr
	s.mu.Unlock()
}

func (s *Session) providerAddrSnapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerAddr
}

func (s *Session) remoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
