// Package adminhttp exposes the driver's read-only admin surface:
// liveness, readiness, Prometheus metrics, and an active-session
// debug dump (base-spec §4.9's admin HTTP surface is not itself
// spec'd in detail; this follows the teacher's gateway route-table
// shape for an internal operator surface).
package adminhttp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/r3e-driver/mudd/infrastructure/ratelimit"
	"github.com/r3e-driver/mudd/internal/obslog"
	"github.com/r3e-driver/mudd/pkg/metrics"
	"github.com/r3e-driver/mudd/pkg/version"
)

// Inspector is the narrow slice of *driver.Driver the admin surface
// needs, kept as an interface so this package never imports driver
// (which already imports session, login, dispatch, ...) and risk an
// import cycle.
type Inspector interface {
	State() string
	Health() (activePlayers int, cpuPercent, memUsedPercent float64)
	SessionDebug() []SessionInfo
}

// SessionInfo is one row of the /debug/sessions dump.
type SessionInfo struct {
	Player     string  `json:"player"`
	SessionID  string  `json:"sessionId"`
	QueueDepth int     `json:"queueDepth"`
	RTTMillis  float64 `json:"rttMillis"`
}

// NewRouter returns the admin mux, unauthenticated: it is expected to
// sit behind an operator-only network boundary, matching the teacher's
// stance that origin/access policy belongs outside the process.
func NewRouter(insp Inspector, log *obslog.Logger) *mux.Router {
	if log == nil {
		log = obslog.NewDefault()
	}
	limiter := ratelimit.New(ratelimit.DefaultConfig())

	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthzHandler(insp)).Methods(http.MethodGet)
	r.HandleFunc("/readyz", readyzHandler(insp)).Methods(http.MethodGet)
	r.Handle("/debug/sessions", limiter.Middleware(debugSessionsHandler(insp))).Methods(http.MethodGet)
	return r
}

func healthzHandler(insp Inspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active, cpuPct, memPct := insp.Health()
		writeJSON(w, http.StatusOK, map[string]any{
			"state":          insp.State(),
			"version":        version.Version,
			"activePlayers":  active,
			"cpuPercent":     cpuPct,
			"memUsedPercent": memPct,
			"timestamp":      time.Now().UTC(),
		})
	}
}

func readyzHandler(insp Inspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if insp.State() != "running" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"state": insp.State()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": insp.State()})
	}
}

func debugSessionsHandler(insp Inspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, insp.SessionDebug())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
