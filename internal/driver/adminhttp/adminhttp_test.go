package adminhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInspector struct {
	state    string
	active   int
	cpuPct   float64
	memPct   float64
	sessions []SessionInfo
}

func (f fakeInspector) State() string { return f.state }
func (f fakeInspector) Health() (int, float64, float64) {
	return f.active, f.cpuPct, f.memPct
}
func (f fakeInspector) SessionDebug() []SessionInfo { return f.sessions }

func TestHealthzReportsStateAndHostMetrics(t *testing.T) {
	insp := fakeInspector{state: "running", active: 3, cpuPct: 12.5, memPct: 40}
	router := NewRouter(insp, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "running", body["state"])
	assert.Equal(t, float64(3), body["activePlayers"])
}

func TestReadyzReturnsServiceUnavailableUnlessRunning(t *testing.T) {
	router := NewRouter(fakeInspector{state: "starting"}, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	router = NewRouter(fakeInspector{state: "running"}, nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestDebugSessionsReturnsInspectorRows(t *testing.T) {
	insp := fakeInspector{sessions: []SessionInfo{{Player: "Alice", SessionID: "s1", QueueDepth: 2, RTTMillis: 15}}}
	router := NewRouter(insp, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/sessions", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var rows []SessionInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "Alice", rows[0].Player)
}

func TestDebugSessionsIsRateLimitedOnceTheBurstIsExhausted(t *testing.T) {
	router := NewRouter(fakeInspector{}, nil)

	var last *httptest.ResponseRecorder
	for i := 0; i < 41; i++ {
		last = httptest.NewRecorder()
		router.ServeHTTP(last, httptest.NewRequest(http.MethodGet, "/debug/sessions", nil))
	}

	assert.Equal(t, http.StatusTooManyRequests, last.Code)
}

func TestMetricsRouteIsRegistered(t *testing.T) {
	router := NewRouter(fakeInspector{}, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
