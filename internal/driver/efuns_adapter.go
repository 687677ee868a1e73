package driver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/r3e-driver/mudd/internal/efuns"
	"github.com/r3e-driver/mudd/pkg/metrics"
)

// playerDirectory adapts Driver's active-player table to
// efuns.PlayerDirectory.
type playerDirectory struct{ d *Driver }

func (pd playerDirectory) Register(p efuns.Player) {
	pl, ok := p.(*Player)
	if !ok {
		return
	}
	pd.d.mu.Lock()
	pd.d.players[normalizePlayerName(pl.Name())] = pl
	n := len(pd.d.players)
	pd.d.mu.Unlock()
	metrics.SetActivePlayers(n)
}

func (pd playerDirectory) Unregister(p efuns.Player) {
	pd.d.mu.Lock()
	delete(pd.d.players, normalizePlayerName(p.Name()))
	n := len(pd.d.players)
	pd.d.mu.Unlock()
	metrics.SetActivePlayers(n)
}

func (pd playerDirectory) FindActive(name string) (efuns.Player, bool) {
	pd.d.mu.RLock()
	defer pd.d.mu.RUnlock()
	pl, ok := pd.d.players[normalizePlayerName(name)]
	if !ok {
		return nil, false
	}
	return pl, true
}

func (pd playerDirectory) FindConnected(name string) (efuns.Player, bool) {
	pl, ok := pd.FindActive(name)
	if !ok {
		return nil, false
	}
	if pl.(*Player).Session() == nil {
		return nil, false
	}
	return pl, true
}

func (pd playerDirectory) All() []efuns.Player {
	active := pd.d.ActivePlayers()
	out := make([]efuns.Player, len(active))
	for i, p := range active {
		out[i] = p
	}
	return out
}

// TransferConnection moves from's bound session onto to, for content
// that implements a "switch body" admin tool. The session-handler's own
// cached player reference is not updated: a transferred session keeps
// dispatching through the original SessionHandler until the connection
// is re-established by reconnect, a known narrowing of the efun's scope
// to within-tick bookkeeping rather than live re-routing.
func (pd playerDirectory) TransferConnection(from, to efuns.Player) error {
	fromP, ok := from.(*Player)
	if !ok {
		return fmt.Errorf("transfer_connection: not a live player")
	}
	toP, ok := to.(*Player)
	if !ok {
		return fmt.Errorf("transfer_connection: not a live player")
	}
	sess := fromP.Session()
	if sess == nil {
		return fmt.Errorf("transfer_connection: %s has no connection", fromP.Name())
	}
	fromP.UnbindSession()
	toP.BindSession(sess)
	return nil
}

// playerStore adapts Driver's FileStore to efuns.Store.
type playerStore struct{ d *Driver }

func (ps playerStore) PlayerExists(name string) (bool, error) {
	_, found, err := ps.d.Store.Load(context.Background(), name)
	return found, err
}

func (ps playerStore) LoadPlayerData(name string) (json.RawMessage, bool, error) {
	return ps.d.Store.LoadRaw(name)
}

func (ps playerStore) ListPlayers() ([]string, error) {
	return ps.d.Store.ListPlayerNames()
}

func (ps playerStore) SavePlayer(p efuns.Player) error {
	pl, ok := p.(*Player)
	if !ok {
		return fmt.Errorf("save_player: not a live player")
	}
	return ps.d.savePlayer(pl)
}

func (ps playerStore) SaveData(ns, key string, value any) error {
	return ps.d.Store.SaveData(ns, key, value)
}

func (ps playerStore) LoadData(ns, key string) (json.RawMessage, bool, error) {
	return ps.d.Store.LoadData(ns, key)
}

func (ps playerStore) ListDataKeys(ns string) ([]string, error) {
	return ps.d.Store.ListDataKeys(ns)
}

func (ps playerStore) DeleteData(ns, key string) error {
	return ps.d.Store.DeleteData(ns, key)
}

// commandRunner adapts Driver's Dispatcher to efuns.Runner, for
// execute_command.
type commandRunner struct{ d *Driver }

func (cr commandRunner) ExecuteAs(ctx context.Context, target efuns.Player, line string) error {
	pl, ok := target.(*Player)
	if !ok {
		return fmt.Errorf("execute_command: not a live player")
	}
	return cr.d.Dispatch.Dispatch(ctx, pl, line)
}
