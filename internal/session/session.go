package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/r3e-driver/mudd/internal/obslog"
)

// Conn is the minimal transport a Session needs; *websocket.Conn
// satisfies it directly, and tests substitute an in-memory fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Handler receives events from a Session's read loop.
type Handler interface {
	HandleText(s *Session, line string)
	HandleFrame(s *Session, f Frame)
	HandleClose(s *Session, reason string)
}

// Opener is an optional Handler extension for sending an initial prompt
// before the read loop starts (e.g. the login name prompt).
type Opener interface {
	HandleOpen(s *Session)
}

// Session is one client connection: a read loop delivering inbound
// frames to a Handler, and a backpressure-bounded outbound queue drained
// by a writer goroutine (base-spec §4.3).
type Session struct {
	ID          string
	RemoteHost  string // peer address without port, set by Upgrader.ServeHTTP; never reverse-resolved
	conn        Conn
	hwm         int
	limiter     *rate.Limiter
	log         *obslog.Logger
	handler     Handler
	keepalive   time.Duration

	mu           sync.Mutex
	queue        []Frame
	closed       bool
	resumeToken  string
	lastRTT      time.Duration
	holdingInbound []Frame // buffered client input while a reconnect is in flight

	wake    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Config controls backpressure and keepalive cadence.
type Config struct {
	OutboundHWM      int
	TimeKeepalive    time.Duration
	OutboundBurstPerSec float64 // 0 disables throttling
}

// New wraps conn as a Session. The caller must call Run to start the
// read/write loops.
func New(id string, conn Conn, cfg Config, handler Handler, log *obslog.Logger) *Session {
	if log == nil {
		log = obslog.NewDefault()
	}
	if cfg.OutboundHWM <= 0 {
		cfg.OutboundHWM = 256
	}
	var limiter *rate.Limiter
	if cfg.OutboundBurstPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.OutboundBurstPerSec), int(cfg.OutboundBurstPerSec))
	}
	return &Session{
		ID:        id,
		conn:      conn,
		hwm:       cfg.OutboundHWM,
		limiter:   limiter,
		log:       log,
		handler:   handler,
		keepalive: cfg.TimeKeepalive,
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Send enqueues a frame for delivery, applying backpressure: once the
// queue reaches the high-water mark, the oldest discardable
// (non-authoritative) queued frame is dropped to make room. If every
// queued frame is authoritative, the new frame is enqueued anyway — the
// queue is allowed to grow past the mark rather than silently lose
// authoritative state.
func (s *Session) Send(f Frame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.hwm {
		s.dropOldestDiscardableLocked()
	}
	s.queue = append(s.queue, f)
	s.mu.Unlock()
	s.notify()
}

// SendTagged marshals v and enqueues it under tag.
func (s *Session) SendTagged(tag Tag, v any) error {
	f, err := EncodePayload(tag, v)
	if err != nil {
		return err
	}
	s.Send(f)
	return nil
}

// SendText enqueues a plain game-text line. Plain text is always
// authoritative and is never dropped under backpressure.
func (s *Session) SendText(line string) {
	s.Send(Frame{Text: line})
}

func (s *Session) dropOldestDiscardableLocked() {
	for i, f := range s.queue {
		if f.Tag != "" && Discardable(f.Tag) {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// QueueDepth reports the current outbound queue length, for the admin
// surface's /debug/sessions endpoint.
func (s *Session) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ResumeToken returns the session-resume token bound to this session,
// if one has been issued.
func (s *Session) ResumeToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeToken
}

// SetResumeToken records the token issued by the Login State Machine.
func (s *Session) SetResumeToken(token string) {
	s.mu.Lock()
	s.resumeToken = token
	s.mu.Unlock()
}

// RTT returns the most recent TIME/TIME_ACK/TIME_PONG round-trip
// measurement.
func (s *Session) RTT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRTT
}

// Run starts the read loop (on the calling goroutine) and the writer
// and keepalive loops (on background goroutines). Run returns when the
// connection closes or the session is stopped.
func (s *Session) Run(ctx context.Context) {
	go s.writeLoop(ctx)
	if s.keepalive > 0 {
		go s.keepaliveLoop(ctx)
	}
	s.readLoop()
	close(s.doneCh)
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.close(fmt.Sprintf("read error: %v", err))
			return
		}
		f, err := DecodeFrame(data)
		if err != nil {
			s.log.WithField("session", s.ID).WithField("error", err).Warn("dropping malformed frame")
			continue
		}
		if f.Tag == TagTIMEAck {
			s.handleTimeAck(f)
			continue
		}
		if f.Tag == "" {
			if s.handler != nil {
				s.handler.HandleText(s, f.Text)
			}
		} else if s.handler != nil {
			s.handler.HandleFrame(s, f)
		}
	}
}

func (s *Session) handleTimeAck(f Frame) {
	var body struct {
		ClientTimeMS int64 `json:"clientTimeMs"`
	}
	if err := json.Unmarshal(f.Payload, &body); err != nil {
		return
	}
	payload, _ := json.Marshal(map[string]int64{"clientTimeMs": body.ClientTimeMS})
	s.Send(Frame{Tag: TagTIMEPong, Payload: payload})
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		s.drainQueue(ctx)
	}
}

func (s *Session) drainQueue(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.closed {
			s.mu.Unlock()
			return
		}
		f := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}
		data, err := EncodeFrame(f)
		if err != nil {
			continue
		}
		if err := s.conn.WriteMessage(1, data); err != nil {
			s.close(fmt.Sprintf("write error: %v", err))
			return
		}
	}
}

func (s *Session) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.SendTagged(TagTIME, map[string]int64{"serverTimeMs": time.Now().UnixMilli()})
		}
	}
}

// Close releases server-side references within a bounded window: it
// stops the writer/keepalive loops and closes the underlying transport.
// It does not touch the owning entity — the caller (Driver) arms or
// cancels a disconnect-timeout task separately (base-spec §4.3, §4.4).
func (s *Session) Close() {
	s.close("closed by server")
}

func (s *Session) close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	_ = s.conn.Close()
	if s.handler != nil {
		s.handler.HandleClose(s, reason)
	}
}

// Done returns a channel closed once the read loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}
