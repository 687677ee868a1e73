package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn for exercising Session without a real
// socket.
type fakeConn struct {
	mu       sync.Mutex
	inbound  [][]byte
	outbound [][]byte
	closed   bool
	readIdx  int
	readCh   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{readCh: make(chan struct{}, 16)}
}

func (c *fakeConn) pushInbound(line []byte) {
	c.mu.Lock()
	c.inbound = append(c.inbound, line)
	c.mu.Unlock()
	c.readCh <- struct{}{}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return 0, nil, assert.AnError
		}
		if c.readIdx < len(c.inbound) {
			data := c.inbound[c.readIdx]
			c.readIdx++
			c.mu.Unlock()
			return 1, data, nil
		}
		c.mu.Unlock()
		<-c.readCh
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), data...)
	c.outbound = append(c.outbound, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	close(c.readCh)
	return nil
}

func (c *fakeConn) outboundLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbound)
}

type recordingHandler struct {
	mu    sync.Mutex
	texts []string
	frames []Frame
	closedReason string
}

func (h *recordingHandler) HandleText(s *Session, line string) {
	h.mu.Lock()
	h.texts = append(h.texts, line)
	h.mu.Unlock()
}

func (h *recordingHandler) HandleFrame(s *Session, f Frame) {
	h.mu.Lock()
	h.frames = append(h.frames, f)
	h.mu.Unlock()
}

func (h *recordingHandler) HandleClose(s *Session, reason string) {
	h.mu.Lock()
	h.closedReason = reason
	h.mu.Unlock()
}

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	f, err := EncodePayload(TagCOMM, map[string]string{"sender": "Alice", "message": "hi"})
	require.NoError(t, err)

	line, err := EncodeFrame(f)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), line[0])

	decoded, err := DecodeFrame(line)
	require.NoError(t, err)
	assert.Equal(t, TagCOMM, decoded.Tag)

	var body map[string]string
	require.NoError(t, json.Unmarshal(decoded.Payload, &body))
	assert.Equal(t, "Alice", body["sender"])
}

func TestDecodeFramePlainText(t *testing.T) {
	f, err := DecodeFrame([]byte("look"))
	require.NoError(t, err)
	assert.Equal(t, "look", f.Text)
	assert.Equal(t, Tag(""), f.Tag)
}

func TestDecodeFrameMalformed(t *testing.T) {
	_, err := DecodeFrame([]byte{0x00, 'X'})
	assert.Error(t, err)
}

func TestSendDropsOldestDiscardableUnderBackpressure(t *testing.T) {
	conn := newFakeConn()
	s := New("sess-1", conn, Config{OutboundHWM: 2}, &recordingHandler{}, nil)

	s.Send(Frame{Tag: TagMAP, Payload: json.RawMessage(`{"n":1}`)})
	s.Send(Frame{Tag: TagCOMM, Payload: json.RawMessage(`{"n":2}`)})
	s.Send(Frame{Tag: TagMAP, Payload: json.RawMessage(`{"n":3}`)})

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.queue, 2)
	assert.Equal(t, TagCOMM, s.queue[0].Tag, "authoritative COMM frame must survive the drop")
	assert.Equal(t, TagMAP, s.queue[1].Tag)
}

func TestSessionRunDeliversTextAndFrames(t *testing.T) {
	conn := newFakeConn()
	handler := &recordingHandler{}
	s := New("sess-2", conn, Config{OutboundHWM: 8}, handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	conn.pushInbound([]byte("look"))
	payload, _ := json.Marshal(map[string]string{"clientTimeMs": "123"})
	conn.pushInbound(append([]byte{0x00}, append([]byte("[AUTH_REQ]"), payload...)...))

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.texts) == 1 && len(handler.frames) == 1
	}, time.Second, 5*time.Millisecond)

	conn.Close()
	<-done
}

func TestTimeAckProducesTimePong(t *testing.T) {
	conn := newFakeConn()
	s := New("sess-3", conn, Config{OutboundHWM: 8}, &recordingHandler{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	ackPayload, _ := json.Marshal(map[string]int64{"clientTimeMs": 42})
	line := append([]byte{0x00}, append([]byte("[TIME_ACK]"), ackPayload...)...)
	conn.pushInbound(line)

	require.Eventually(t, func() bool {
		return conn.outboundLen() > 0
	}, time.Second, 5*time.Millisecond)

	out := conn.outbound[0]
	decoded, err := DecodeFrame(out)
	require.NoError(t, err)
	assert.Equal(t, TagTIMEPong, decoded.Tag)

	conn.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	handler := &recordingHandler{}
	s := New("sess-4", conn, Config{OutboundHWM: 8}, handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Close()
	s.Close() // must not panic

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return handler.closedReason != ""
	}, time.Second, 5*time.Millisecond)
}
