package session

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/r3e-driver/mudd/internal/obslog"
)

// Upgrader accepts WebSocket connections and hands each one off as a
// Session (base-spec §4.3 "accept new sessions").
type Upgrader struct {
	Config  Config
	Factory func(remoteHost string) Handler
	Log     *obslog.Logger

	upgrader websocket.Upgrader
}

// NewUpgrader returns an Upgrader with permissive origin checking,
// matching the teacher's stance that origin policy belongs to the
// reverse proxy in front of the process, not the driver.
func NewUpgrader(cfg Config, factory func(remoteHost string) Handler, log *obslog.Logger) *Upgrader {
	if log == nil {
		log = obslog.NewDefault()
	}
	return &Upgrader{
		Config:  cfg,
		Factory: factory,
		Log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the resulting Session until it
// closes. The session's remote host is the peer address with its port
// stripped; no reverse DNS lookup is made for any peer (base-spec §4.3).
func (u *Upgrader) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		u.Log.WithField("error", err).Warn("websocket upgrade failed")
		return
	}

	id := newSessionID()
	host := resolveRemoteHost(r.RemoteAddr)

	handler := u.Factory(host)
	s := New(id, conn, u.Config, handler, u.Log)
	s.RemoteHost = host
	if o, ok := handler.(Opener); ok {
		o.HandleOpen(s)
	}
	s.Run(r.Context())
}

// newSessionID mints a globally unique id that survives driver restarts,
// unlike a process-local counter (base-spec §4.3 session identity has no
// ordering requirement, only uniqueness).
func newSessionID() string {
	return "sess-" + uuid.NewString()
}

// resolveRemoteHost strips the port from addr. It makes no DNS/PTR
// lookup, for loopback or any other peer.
func resolveRemoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" || strings.HasPrefix(host, "127.") || host == "::1" {
		return host
	}
	return host
}
