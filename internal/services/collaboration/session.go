package collaboration

import (
	"context"
	"log"
	"sync"
	"time"

	"notesync/internal/middleware"
	"notesync/internal/models"
	"notesync/internal/protocol"
	"notesync/internal/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // must be less than pongWait
	maxMessageSize = 16 << 20         // full CRDT snapshots can be large
)

// SessionConfig tunes per-connection limits
type SessionConfig struct {
	SendBuffer int
	RateLimit  float64 // inbound messages per second, 0 disables
	RateBurst  int
}

// Session is one WebSocket connection bound to one room
type Session struct {
	*models.SessionInfo

	conn *websocket.Conn
	send chan []byte // buffered outbound frames

	done        chan struct{}
	closeOnce   sync.Once
	closeReason string

	limiter  *rate.Limiter
	maxDrops int
	drops    int // consecutive rate-limited frames, read pump only
}

func newSession(info *models.SessionInfo, conn *websocket.Conn, cfg SessionConfig) *Session {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}

	s := &Session{
		SessionInfo: info,
		conn:        conn,
		send:        make(chan []byte, cfg.SendBuffer),
		done:        make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
		s.maxDrops = burst
	}
	return s
}

// deliver queues a frame without ever blocking the room goroutine. A full
// buffer means the client cannot keep up; it is disconnected and will rejoin
// with a fresh snapshot.
func (s *Session) deliver(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- data:
		return true
	default:
		log.Printf("⚠️  Session %s buffer full, closing connection", s.ID)
		telemetry.SlowConsumerDisconnects.Inc()
		s.Close("slow consumer")
		return false
	}
}

// Close ends the session. Safe to call from any goroutine, any number of times.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closeReason = reason
		close(s.done)
		if s.conn != nil {
			// unblocks ReadPump; WritePump still flushes queued frames first
			s.conn.SetReadDeadline(time.Now())
		}
	})
}

// Done is closed once the session has been closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// closeWithError sends an error frame and closes the session
func (s *Session) closeWithError(format string, args ...interface{}) {
	if data, err := protocol.Encode(protocol.NewError(format, args...)); err == nil {
		s.deliver(data)
	}
	s.Close("error")
}

// ReadPump reads frames and hands them to the room until the connection
// drops, then releases the session.
// Learning: Each session has its own goroutine reading from the WebSocket
func (s *Session) ReadPump(ctx context.Context, room *Room, release func()) {
	defer func() {
		s.Close("disconnected")
		release()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error (session %s): %v", s.ID, err)
			}
			return
		}

		s.handleFrame(ctx, room, data)

		select {
		case <-s.done:
			return
		default:
		}
	}
}

// handleFrame validates one inbound frame and passes it to the room
func (s *Session) handleFrame(ctx context.Context, room *Room, data []byte) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.drops++
		telemetry.ProtocolErrors.WithLabelValues("rate_limited").Inc()
		if s.drops > s.maxDrops {
			log.Printf("⚠️  Session %s exceeded its rate limit, closing connection", s.ID)
			s.closeWithError("rate limit exceeded")
		}
		return
	}
	s.drops = 0

	msgCtx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
		attribute.String("session.id", s.ID),
		attribute.String("room.key", room.key.String()),
		attribute.Int("message.size", len(data)),
	)
	defer span.End()

	msg, err := protocol.Decode(data)
	if err != nil {
		telemetry.ProtocolErrors.WithLabelValues("malformed").Inc()
		middleware.AddSpanError(msgCtx, err)
		log.Printf("Session %s: %v", s.ID, err)
		return
	}
	span.SetAttributes(attribute.String("message.type", msg.Type))

	if s.ReadOnly && protocol.IsMutation(msg.Type) {
		telemetry.ProtocolErrors.WithLabelValues("read_only").Inc()
		log.Printf("Session %s: dropped %q on read-only connection", s.ID, msg.Type)
		return
	}

	if err := room.Deliver(msgCtx, s, msg, data); err != nil {
		middleware.AddSpanError(msgCtx, err)
	}
}

// WritePump writes queued frames to the WebSocket connection
// Learning: Separate goroutine for writing prevents blocking on slow clients
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			if err := s.write(websocket.TextMessage, message); err != nil {
				return
			}

		case <-s.done:
			// flush what is already queued, e.g. a final error frame
			for {
				select {
				case message := <-s.send:
					if err := s.write(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					s.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, s.closeReason))
					return
				}
			}

		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) write(messageType int, data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, data)
}
