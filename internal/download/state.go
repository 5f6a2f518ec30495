package download

import (
	"sort"
	"sync"
	"time"
)

// State tracks one download. Completed states are kept so finished
// transfers stay visible.
type State struct {
	Hash       string    `json:"hash"`
	Name       string    `json:"name"`
	Total      int64     `json:"total"`
	Downloaded int64     `json:"downloaded"`
	Chunks     int       `json:"chunks"`
	Active     bool      `json:"active"`
	Complete   bool      `json:"complete"`
	Verified   bool      `json:"verified"`
	Err        string    `json:"error,omitempty"`
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished,omitempty"`
}

// stateTable is the mutex-guarded set of download states.
type stateTable struct {
	mu     sync.RWMutex
	states map[string]*State
}

func newStateTable() *stateTable {
	return &stateTable{states: make(map[string]*State)}
}

// getOrCreate returns the state for hash, creating it if needed.
func (t *stateTable) getOrCreate(hash, name string) *State {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[hash]
	if !ok {
		st = &State{Hash: hash, Name: name}
		t.states[hash] = st
	}
	return st
}

// update applies fn to st under the table lock.
func (t *stateTable) update(st *State, fn func(*State)) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(st)
	return *st
}

func (t *stateTable) get(hash string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[hash]
	if !ok {
		return State{}, false
	}
	return *st, true
}

func (t *stateTable) list() []State {
	t.mu.RLock()
	out := make([]State, 0, len(t.states))
	for _, st := range t.states {
		out = append(out, *st)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Started.Equal(out[j].Started) {
			return out[i].Started.Before(out[j].Started)
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

func (t *stateTable) clear() {
	t.mu.Lock()
	t.states = make(map[string]*State)
	t.mu.Unlock()
}
