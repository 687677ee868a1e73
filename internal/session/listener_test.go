package session

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openingHandler sends a prompt before the read loop starts, the way
// the login state machine's "Name:" prompt must reach the client before
// anything the player types is read.
type openingHandler struct {
	recordingHandler
	opened bool
}

func (h *openingHandler) HandleOpen(s *Session) {
	h.opened = true
	s.SendText("Name:")
}

func TestServeHTTPSendsOpenerPromptBeforeReadLoop(t *testing.T) {
	var handler *openingHandler
	upgrader := NewUpgrader(Config{OutboundHWM: 16}, func(remoteHost string) Handler {
		handler = &openingHandler{}
		return handler
	}, nil)

	srv := httptest.NewServer(upgrader)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	assert.Equal(t, "Name:", string(data))
	assert.True(t, handler.opened)
}
