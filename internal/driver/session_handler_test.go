package driver

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-driver/mudd/internal/registry"
	"github.com/r3e-driver/mudd/internal/session"
)

// fakeConn is a minimal in-memory session.Conn, enough to construct a
// real *session.Session without a socket or a running read/write loop.
type fakeConn struct {
	mu       sync.Mutex
	outbound [][]byte
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbound = append(c.outbound, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error { return nil }

func newTestSession(t *testing.T, d *Driver, h session.Handler) *session.Session {
	t.Helper()
	return session.New("sess-1", &fakeConn{}, session.Config{OutboundHWM: 16}, h, nil)
}

func TestHandleOpenSendsTheNamePrompt(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, nil)
	require.NoError(t, err)

	h := d.NewSessionHandler("127.0.0.1").(*SessionHandler)
	s := newTestSession(t, d, h)

	h.HandleOpen(s)

	assert.Equal(t, 1, s.QueueDepth(), "HandleOpen must enqueue exactly the name prompt before the read loop starts")
}

func TestHandleCloseArmsDisconnectTimeoutForBoundPlayer(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, nil)
	require.NoError(t, err)

	entity := registry.NewTestEntity("/std/player#1", "/std/player", registry.KindClone)
	p := NewPlayer(entity, "Alice")

	h := &SessionHandler{driver: d, player: p}
	s := newTestSession(t, d, h)
	p.BindSession(s)

	h.HandleClose(s, "connection lost")

	assert.Nil(t, p.Session(), "HandleClose must unbind the session")
	_, armed := p.TakeDisconnectTask()
	assert.True(t, armed, "HandleClose must arm the disconnect timeout")
}

func TestHandleCloseWithNoAuthenticatedPlayerIsANoop(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, nil)
	require.NoError(t, err)

	h := &SessionHandler{driver: d}
	s := newTestSession(t, d, h)

	assert.NotPanics(t, func() { h.HandleClose(s, "closed before login") })
}
