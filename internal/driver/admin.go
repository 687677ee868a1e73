package driver

import (
	"github.com/r3e-driver/mudd/internal/driver/adminhttp"
)

// The inspector type below satisfies adminhttp.Inspector, the narrow
// read-only view the admin HTTP surface needs, from Driver's State,
// adminHealth and SessionDebug.

// adminHealth backs inspector.Health: the player count and host figures
// taken from healthSnapshot, whose HealthSnapshot also carries the
// lifecycle state.
func (d *Driver) adminHealth() (activePlayers int, cpuPercent, memUsedPercent float64) {
	snap := d.healthSnapshot()
	return snap.ActivePlayers, snap.CPUPercent, snap.MemUsedPercent
}

// SessionDebug implements adminhttp.Inspector: one row per active
// player with a currently bound session.
func (d *Driver) SessionDebug() []adminhttp.SessionInfo {
	var out []adminhttp.SessionInfo
	for _, p := range d.ActivePlayers() {
		sess := p.Session()
		if sess == nil {
			continue
		}
		out = append(out, adminhttp.SessionInfo{
			Player:     p.Name(),
			SessionID:  sess.ID,
			QueueDepth: sess.QueueDepth(),
			RTTMillis:  float64(sess.RTT().Milliseconds()),
		})
	}
	return out
}

// inspector adapts Driver to adminhttp.Inspector without exposing
// adminHealth (an unexported helper) as part of Driver's own public
// surface.
type inspector struct{ d *Driver }

func (i inspector) State() string { return i.d.State().String() }
func (i inspector) Health() (int, float64, float64) { return i.d.adminHealth() }
func (i inspector) SessionDebug() []adminhttp.SessionInfo { return i.d.SessionDebug() }
